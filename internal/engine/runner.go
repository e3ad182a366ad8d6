package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/histq/histq/internal/catalog"
	"github.com/histq/histq/internal/history"
)

// Runner executes a rendered query against a data source and returns the
// tabular payload. Connector implementations beyond SQL live outside this
// module.
type Runner interface {
	Run(ctx context.Context, ds *catalog.DataSource, renderedText string) (history.QueryData, error)
}

// SQLRunner executes queries against SQL data sources using the DSN from the
// catalog.
type SQLRunner struct {
	driver string
}

func NewSQLRunner() *SQLRunner {
	return &SQLRunner{driver: "postgres"}
}

func (r *SQLRunner) Run(ctx context.Context, ds *catalog.DataSource, renderedText string) (history.QueryData, error) {
	var data history.QueryData

	if ds.DSN == "" {
		return data, fmt.Errorf("data source %d has no DSN configured", ds.ID)
	}

	db, err := sql.Open(r.driver, ds.DSN)
	if err != nil {
		return data, fmt.Errorf("failed to open data source %d: %w", ds.ID, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("failed to close data source connection: %v", err)
		}
	}()

	rows, err := db.QueryContext(ctx, renderedText)
	if err != nil {
		return data, fmt.Errorf("query failed on data source %d: %w", ds.ID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	columnNames, err := rows.Columns()
	if err != nil {
		return data, err
	}

	for _, name := range columnNames {
		data.Columns = append(data.Columns, history.Column{Name: name, FriendlyName: name})
	}

	for rows.Next() {
		values := make([]any, len(columnNames))
		pointers := make([]any, len(columnNames))
		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return data, err
		}

		row := make(map[string]any, len(columnNames))
		for i, name := range columnNames {
			if b, ok := values[i].([]byte); ok {
				row[name] = string(b)
			} else {
				row[name] = values[i]
			}
		}
		data.Rows = append(data.Rows, row)
	}

	return data, rows.Err()
}

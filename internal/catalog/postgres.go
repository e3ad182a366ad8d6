package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

var ErrNotFound = errors.New("catalog: not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(connectionString string) (*Repository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &Repository{db: db}, nil
}

func NewRepositoryWithDB(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetQueryByID(ctx context.Context, id int) (*Query, error) {
	query := `
		SELECT id, org_id, data_source_id, query, COALESCE(schedule, ''), options
		FROM queries
		WHERE id = $1
	`

	q, err := scanQuery(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return q, err
}

func (r *Repository) GetDataSourceByID(ctx context.Context, id, orgID int) (*DataSource, error) {
	query := `
		SELECT id, org_id, name, COALESCE(dsn, ''), COALESCE(queue_name, ''),
		       COALESCE(scheduled_queue_name, ''), paused, COALESCE(pause_reason, '')
		FROM data_sources
		WHERE id = $1 AND org_id = $2
	`

	var ds DataSource
	err := r.db.QueryRowContext(ctx, query, id, orgID).Scan(
		&ds.ID,
		&ds.OrgID,
		&ds.Name,
		&ds.DSN,
		&ds.QueueName,
		&ds.ScheduledQueueName,
		&ds.Paused,
		&ds.PauseReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// OutdatedStoringQueries lists the recurring queries due for a new
// execution+store cycle. The latest stored snapshot per query rides along so
// the scheduler can compute the next data timestamp without a second round
// trip. Filtering on the schedule itself happens in Go, where the cron and
// TTL formats are understood.
func (r *Repository) OutdatedStoringQueries(ctx context.Context, now time.Time) ([]*Query, error) {
	query := `
		SELECT q.id, q.org_id, q.data_source_id, q.query, COALESCE(q.schedule, ''), q.options,
		       h.data_timestamp, h.retrieved_at
		FROM queries q
		LEFT JOIN LATERAL (
			SELECT data_timestamp, retrieved_at
			FROM historical_query_results
			WHERE query_hash = md5(trim(lower(regexp_replace(q.query, '\s+', ' ', 'g'))))
			  AND data_source_id = q.data_source_id
			ORDER BY data_timestamp DESC
			LIMIT 1
		) h ON true
		WHERE q.schedule IS NOT NULL AND q.schedule != ''
		ORDER BY q.id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var queries []*Query
	for rows.Next() {
		var q Query
		var options []byte
		var dataTimestamp, retrievedAt sql.NullTime

		err := rows.Scan(&q.ID, &q.OrgID, &q.DataSourceID, &q.Query, &q.Schedule, &options, &dataTimestamp, &retrievedAt)
		if err != nil {
			return nil, err
		}

		if err := unmarshalParameters(options, &q); err != nil {
			return nil, err
		}
		if dataTimestamp.Valid {
			t := dataTimestamp.Time
			q.LatestDataTimestamp = &t
		}
		if retrievedAt.Valid {
			t := retrievedAt.Time
			q.LatestRetrievedAt = &t
		}

		if DueForRefresh(q.Schedule, q.LatestRetrievedAt, now) {
			queries = append(queries, &q)
		}
	}

	return queries, rows.Err()
}

func scanQuery(row interface{ Scan(...any) error }) (*Query, error) {
	var q Query
	var options []byte

	err := row.Scan(&q.ID, &q.OrgID, &q.DataSourceID, &q.Query, &q.Schedule, &options)
	if err != nil {
		return nil, err
	}

	if err := unmarshalParameters(options, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func unmarshalParameters(options []byte, q *Query) error {
	if len(options) == 0 {
		return nil
	}

	var opts struct {
		Parameters []Parameter `json:"parameters"`
	}
	if err := json.Unmarshal(options, &opts); err != nil {
		return fmt.Errorf("failed to unmarshal query options: %w", err)
	}
	q.Parameters = opts.Parameters
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

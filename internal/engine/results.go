package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/histq/histq/internal/history"
)

var ErrNoResult = errors.New("engine: no result found")

// ResultStore persists execution results in Postgres. The store executor
// binds to the latest row matching both data source and rendered query hash,
// because the same text can be re-executed by unrelated triggers.
type ResultStore struct {
	db *sql.DB
}

func NewResultStore(connectionString string) (*ResultStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &ResultStore{db: db}, nil
}

func NewResultStoreWithDB(db *sql.DB) *ResultStore {
	return &ResultStore{db: db}
}

func (s *ResultStore) Save(ctx context.Context, dataSourceID, orgID int, renderedText string, data history.QueryData, runtime float64, retrievedAt time.Time) (int64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal result data: %w", err)
	}

	query := `
		INSERT INTO query_results (
			org_id, data_source_id, query_hash, query, data, runtime, retrieved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	var id int64
	err = s.db.QueryRowContext(
		ctx,
		query,
		orgID,
		dataSourceID,
		history.Hash(renderedText),
		renderedText,
		payload,
		runtime,
		retrievedAt,
	).Scan(&id)
	if err != nil {
		return 0, err
	}

	return id, nil
}

func (s *ResultStore) Latest(ctx context.Context, dataSourceID int, queryHash string) (*Result, error) {
	query := `
		SELECT id, data, runtime, retrieved_at
		FROM query_results
		WHERE data_source_id = $1 AND query_hash = $2
		ORDER BY retrieved_at DESC
		LIMIT 1
	`

	var r Result
	var data []byte

	err := s.db.QueryRowContext(ctx, query, dataSourceID, queryHash).Scan(&r.ID, &data, &r.Runtime, &r.RetrievedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &r.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result data: %w", err)
	}

	return &r, nil
}

func (s *ResultStore) Close() error {
	return s.db.Close()
}

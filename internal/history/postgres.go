package history

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

var ErrNotFound = errors.New("history: no snapshot found")

// Store is the Postgres-backed historical result store. Records are
// insert-only; nothing here ever updates or deletes a row.
type Store struct {
	db *sql.DB
}

func NewStore(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db}, nil
}

func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// WriteSnapshot persists a record and returns its id. A unique index on
// (query_hash, data_source_id, data_timestamp) makes the write idempotent:
// a crashed executor re-running after a partial completion lands on the
// already stored row instead of producing a duplicate.
func (s *Store) WriteSnapshot(ctx context.Context, r *Record) (int64, error) {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal snapshot data: %w", err)
	}

	query := `
		INSERT INTO historical_query_results (
			org_id, data_source_id, query_hash, query,
			data, runtime, retrieved_at, data_timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (query_hash, data_source_id, data_timestamp) DO NOTHING
		RETURNING id
	`

	var id int64
	err = s.db.QueryRowContext(
		ctx,
		query,
		r.OrgID,
		r.DataSourceID,
		r.QueryHash,
		r.Query,
		data,
		r.Runtime,
		r.RetrievedAt,
		r.DataTimestamp,
	).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict path: the snapshot for this bucket already exists.
		existing := `
			SELECT id FROM historical_query_results
			WHERE query_hash = $1 AND data_source_id = $2 AND data_timestamp = $3
		`
		if err := s.db.QueryRowContext(ctx, existing, r.QueryHash, r.DataSourceID, r.DataTimestamp).Scan(&id); err != nil {
			return 0, err
		}
		r.ID = id
		return id, nil
	}
	if err != nil {
		return 0, err
	}

	r.ID = id
	return id, nil
}

const recordColumns = `
	id, org_id, data_source_id, query_hash, query,
	data, runtime, retrieved_at, data_timestamp
`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var data []byte

	err := row.Scan(
		&r.ID,
		&r.OrgID,
		&r.DataSourceID,
		&r.QueryHash,
		&r.Query,
		&data,
		&r.Runtime,
		&r.RetrievedAt,
		&r.DataTimestamp,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &r.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot data: %w", err)
	}

	return &r, nil
}

// LatestSnapshot returns the snapshot with the most recent data timestamp
// for a template hash on a data source, or ErrNotFound.
func (s *Store) LatestSnapshot(ctx context.Context, dataSourceID int, queryHash string) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM historical_query_results
		WHERE data_source_id = $1 AND query_hash = $2
		ORDER BY data_timestamp DESC
		LIMIT 1
	`

	r, err := scanRecord(s.db.QueryRowContext(ctx, query, dataSourceID, queryHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SnapshotsByHash lists an organization's snapshots for a template hash,
// ordered by data timestamp ascending, the order the joiner preserves.
func (s *Store) SnapshotsByHash(ctx context.Context, queryHash string, orgID int) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM historical_query_results
		WHERE query_hash = $1 AND org_id = $2
		ORDER BY data_timestamp ASC
	`

	rows, err := s.db.QueryContext(ctx, query, queryHash, orgID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (s *Store) GetByID(ctx context.Context, id int64) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM historical_query_results
		WHERE id = $1
	`

	r, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

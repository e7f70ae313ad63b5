// Package postgres provides the Postgres-backed RecordStore.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/dropvault/dropclaim/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS claim_records (
	id           TEXT PRIMARY KEY,
	identity     TEXT NOT NULL,
	wallet       TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	epoch_id     TEXT NOT NULL,
	sequence     BIGINT NOT NULL,
	amount       BIGINT NOT NULL,
	transfer_ref TEXT NOT NULL,
	proof_tx_ref TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS claim_records_identity_idx ON claim_records (identity);
CREATE INDEX IF NOT EXISTS claim_records_epoch_idx ON claim_records (subject_id, epoch_id);
`

// Store is a Postgres-backed record store.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateClaimRecord(ctx context.Context, rec storage.ClaimRecord) (storage.ClaimRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO claim_records
			(id, identity, wallet, subject_id, epoch_id, sequence, amount, transfer_ref, proof_tx_ref, created_at)
		VALUES
			(:id, :identity, :wallet, :subject_id, :epoch_id, :sequence, :amount, :transfer_ref, :proof_tx_ref, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return storage.ClaimRecord{}, fmt.Errorf("insert claim record: %w", err)
	}
	return rec, nil
}

func (s *Store) GetClaimRecord(ctx context.Context, id string) (storage.ClaimRecord, error) {
	var rec storage.ClaimRecord
	const query = `SELECT * FROM claim_records WHERE id = $1`
	if err := s.db.GetContext(ctx, &rec, query, id); err != nil {
		return storage.ClaimRecord{}, fmt.Errorf("get claim record %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) ListClaimRecords(ctx context.Context, identity string) ([]storage.ClaimRecord, error) {
	var records []storage.ClaimRecord
	const query = `SELECT * FROM claim_records WHERE identity = $1 ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &records, query, identity); err != nil {
		return nil, fmt.Errorf("list claim records for %s: %w", identity, err)
	}
	return records, nil
}

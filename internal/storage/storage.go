// Package storage persists finalized claim records for audit and listing.
package storage

import (
	"context"
	"time"
)

// ClaimRecord is the durable record of a successful redemption.
type ClaimRecord struct {
	ID          string    `json:"id" db:"id"`
	Identity    string    `json:"identity" db:"identity"`
	Wallet      string    `json:"wallet" db:"wallet"`
	SubjectID   string    `json:"subject_id" db:"subject_id"`
	EpochID     string    `json:"epoch_id" db:"epoch_id"`
	Sequence    int64     `json:"sequence" db:"sequence"`
	Amount      int64     `json:"amount" db:"amount"`
	TransferRef string    `json:"transfer_ref" db:"transfer_ref"`
	ProofTxRef  string    `json:"proof_tx_ref,omitempty" db:"proof_tx_ref"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// RecordStore persists claim records.
type RecordStore interface {
	CreateClaimRecord(ctx context.Context, rec ClaimRecord) (ClaimRecord, error)
	GetClaimRecord(ctx context.Context, id string) (ClaimRecord, error)
	ListClaimRecords(ctx context.Context, identity string) ([]ClaimRecord, error)
}

package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	svcerr "github.com/dropvault/dropclaim/internal/errors"
	"github.com/dropvault/dropclaim/internal/kv"
)

// ConsumedMarker is the permanent record that an external transaction
// reference has been spent on a claim.
type ConsumedMarker struct {
	Identity  string    `json:"identity"`
	Wallet    string    `json:"wallet"`
	EpochID   string    `json:"epoch_id"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplayGuard permanently marks consumed transaction references. Markers
// never expire: a reference spends exactly once for the lifetime of the
// system.
type ReplayGuard struct {
	store kv.Store
}

// NewReplayGuard creates a replay guard.
func NewReplayGuard(store kv.Store) *ReplayGuard {
	return &ReplayGuard{store: store}
}

// Check returns ReplayDetected if txRef was already consumed. It performs
// no mutation; call it before the transfer side effect.
func (g *ReplayGuard) Check(ctx context.Context, txRef string) error {
	_, found, err := g.store.Get(ctx, consumedKey(txRef))
	if err != nil {
		return fmt.Errorf("replay check: %w", err)
	}
	if found {
		return svcerr.ReplayDetected(txRef)
	}
	return nil
}

// Consume permanently marks txRef as spent. Returns ReplayDetected if
// another claim consumed it first. Call this only after the transfer
// succeeds: marking before would burn the reference on a genuine failure.
func (g *ReplayGuard) Consume(ctx context.Context, txRef string, marker ConsumedMarker) error {
	raw, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	won, err := g.store.SetNX(ctx, consumedKey(txRef), string(raw), 0)
	if err != nil {
		return fmt.Errorf("consume %s: %w", txRef, err)
	}
	if !won {
		return svcerr.ReplayDetected(txRef)
	}
	return nil
}

// Lookup returns the marker for a consumed reference, if any.
func (g *ReplayGuard) Lookup(ctx context.Context, txRef string) (*ConsumedMarker, bool, error) {
	raw, found, err := g.store.Get(ctx, consumedKey(txRef))
	if err != nil || !found {
		return nil, false, err
	}
	var marker ConsumedMarker
	if err := json.Unmarshal([]byte(raw), &marker); err != nil {
		return nil, false, err
	}
	return &marker, true, nil
}

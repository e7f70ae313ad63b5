package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	svcerr "github.com/dropvault/dropclaim/internal/errors"
	"github.com/dropvault/dropclaim/internal/kv"
)

// Lease is a TTL-bound mutual exclusion lease on a wallet. The TTL bounds
// the blast radius of a crashed holder: the lease lapses on its own and the
// next claimant gets through. Holders must therefore tolerate losing the
// lease mid-operation and re-validate before irreversible steps.
type Lease struct {
	Wallet     string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// LeaseManager hands out wallet leases backed by the atomic store.
type LeaseManager struct {
	store kv.Store
}

// NewLeaseManager creates a lease manager.
func NewLeaseManager(store kv.Store) *LeaseManager {
	return &LeaseManager{store: store}
}

// Acquire takes the wallet lease or fails with LockContention. The token is
// unique per acquisition so a stale holder cannot release a successor's
// lease.
func (m *LeaseManager) Acquire(ctx context.Context, wallet string, ttl time.Duration) (*Lease, error) {
	token := uuid.New().String()
	won, err := m.store.SetNX(ctx, lockKey(wallet), token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lease for %s: %w", wallet, err)
	}
	if !won {
		return nil, svcerr.LockContention(wallet)
	}
	return &Lease{Wallet: wallet, Token: token, AcquiredAt: time.Now(), TTL: ttl}, nil
}

// Release drops the lease if it is still ours. Returns false when the lease
// had already expired and possibly been re-acquired; that is not an error,
// but the caller must not assume it still held exclusivity.
func (m *LeaseManager) Release(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, nil
	}
	return m.store.CompareAndDelete(ctx, lockKey(lease.Wallet), lease.Token)
}

// StillHeld reports whether the lease token is still the one in the store.
func (m *LeaseManager) StillHeld(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, nil
	}
	value, found, err := m.store.Get(ctx, lockKey(lease.Wallet))
	if err != nil {
		return false, err
	}
	return found && value == lease.Token, nil
}

// Package claim implements the concurrency core of the reward protocol:
// per-epoch claim counters, wallet leases, permanent identity-wallet
// bindings and replay markers, all built on the atomic store.
package claim

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dropvault/dropclaim/internal/config"
	"github.com/dropvault/dropclaim/internal/epoch"
	svcerr "github.com/dropvault/dropclaim/internal/errors"
	"github.com/dropvault/dropclaim/internal/kv"
	"github.com/dropvault/dropclaim/internal/logging"
)

// Claim is a committed (but not yet transferred) claim slot. The wallet
// lease stays held until the redemption executor finalizes or rolls back,
// so nothing else can enter the critical section for this wallet between
// "counters incremented" and "transfer settled".
type Claim struct {
	Identity string
	Wallet   string
	Epoch    epoch.Epoch
	Sequence int64
	Lease    *Lease

	identityKey string
	walletKey   string
}

// Ledger owns counters, bindings and locks. TryClaim is the linearization
// point of the whole protocol.
type Ledger struct {
	store   kv.Store
	leases  *LeaseManager
	journal *Journal
	log     *logging.Logger
	now     func() time.Time
}

// NewLedger creates the claim ledger.
func NewLedger(store kv.Store, journal *Journal, log *logging.Logger) *Ledger {
	if log == nil {
		log = logging.NewDefault("claim-ledger")
	}
	if journal == nil {
		journal = NewJournal(store, log)
	}
	return &Ledger{
		store:   store,
		leases:  NewLeaseManager(store),
		journal: journal,
		log:     log,
		now:     time.Now,
	}
}

// Leases exposes the lease manager (the executor releases through it).
func (l *Ledger) Leases() *LeaseManager { return l.leases }

// Journal exposes the compensation journal for maintenance retries.
func (l *Ledger) Journal() *Journal { return l.journal }

// SetClock overrides the time source for tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// WalletCount returns the current wallet counter for the epoch.
func (l *Ledger) WalletCount(ctx context.Context, ep epoch.Epoch, wallet string) (int64, error) {
	return l.readCounter(ctx, walletCounterKey(ep.SubjectID, ep.ID, wallet))
}

// IdentityCount returns the current identity counter for the epoch.
func (l *Ledger) IdentityCount(ctx context.Context, ep epoch.Epoch, identity string) (int64, error) {
	return l.readCounter(ctx, identityCounterKey(ep.SubjectID, ep.ID, identity))
}

func (l *Ledger) readCounter(ctx context.Context, key string) (int64, error) {
	value, found, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	count, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s is not an integer: %w", key, err)
	}
	return count, nil
}

// BindingFor returns the identity bound to a wallet, if any.
func (l *Ledger) BindingFor(ctx context.Context, wallet string) (string, bool, error) {
	return l.readBinding(ctx, walletBindingKey(wallet))
}

// WalletBoundTo returns the wallet bound to an identity, if any.
func (l *Ledger) WalletBoundTo(ctx context.Context, identity string) (string, bool, error) {
	return l.readBinding(ctx, identityBindingKey(identity))
}

func (l *Ledger) readBinding(ctx context.Context, key string) (string, bool, error) {
	return l.store.Get(ctx, key)
}

// CheckBinding validates that (identity, wallet) does not contradict an
// existing permanent binding in either direction. Read-only; used by
// preflight and reserve as a cheap early rejection.
func (l *Ledger) CheckBinding(ctx context.Context, identity, wallet string) error {
	boundIdentity, found, err := l.BindingFor(ctx, wallet)
	if err != nil {
		return fmt.Errorf("read wallet binding: %w", err)
	}
	if found && boundIdentity != identity {
		return svcerr.BindingConflict("wallet is permanently bound to a different identity")
	}

	boundWallet, found, err := l.WalletBoundTo(ctx, identity)
	if err != nil {
		return fmt.Errorf("read identity binding: %w", err)
	}
	if found && boundWallet != wallet {
		return svcerr.BindingConflict("identity is permanently bound to a different wallet")
	}

	return nil
}

// TryClaim is the linearization point. It serializes all claimants for a
// wallet behind the wallet lease, enforces the permanent binding, and
// applies the increment-then-check pattern to both per-epoch counters. The
// store has no bounded atomic increment, so both counters are incremented
// unconditionally and rolled back through the journal when either exceeds
// the cap; the lease makes the sequence safe for a given wallet.
//
// On success the lease is still held inside the returned Claim. The caller
// owns it from here: it must end the claim with Rollback or FinalizeBinding
// followed by ReleaseLease, on every path.
func (l *Ledger) TryClaim(ctx context.Context, identity, wallet string, ep epoch.Epoch, policy config.ClaimPolicy) (*Claim, error) {
	lease, err := l.leases.Acquire(ctx, wallet, policy.LockTTL.Std())
	if err != nil {
		return nil, err
	}

	release := func() {
		if _, rerr := l.leases.Release(ctx, lease); rerr != nil {
			l.log.WithContext(ctx).WithError(rerr).Warn("lease release failed")
		}
	}

	if err := l.CheckBinding(ctx, identity, wallet); err != nil {
		release()
		return nil, err
	}

	walletKey := walletCounterKey(ep.SubjectID, ep.ID, wallet)
	identityKey := identityCounterKey(ep.SubjectID, ep.ID, identity)

	walletCount, err := l.store.IncrBy(ctx, walletKey, 1)
	if err != nil {
		release()
		return nil, fmt.Errorf("increment wallet counter: %w", err)
	}

	identityCount, err := l.store.IncrBy(ctx, identityKey, 1)
	if err != nil {
		l.rollbackCounters(ctx, []string{walletKey}, "identity counter increment failed")
		release()
		return nil, fmt.Errorf("increment identity counter: %w", err)
	}

	if walletCount > policy.MaxClaims || identityCount > policy.MaxClaims {
		l.rollbackCounters(ctx, []string{walletKey, identityKey}, "capacity exceeded")
		release()
		scope := "wallet"
		if identityCount > policy.MaxClaims {
			scope = "identity"
		}
		return nil, svcerr.CapacityExceeded(scope)
	}

	// Counters must not outlive the epoch; bindings must.
	expiresAt := ep.ExpiresAt
	if err := l.store.ExpireAt(ctx, walletKey, expiresAt); err != nil {
		l.log.WithContext(ctx).WithError(err).Warn("failed to set wallet counter expiry")
	}
	if err := l.store.ExpireAt(ctx, identityKey, expiresAt); err != nil {
		l.log.WithContext(ctx).WithError(err).Warn("failed to set identity counter expiry")
	}

	return &Claim{
		Identity:    identity,
		Wallet:      wallet,
		Epoch:       ep,
		Sequence:    walletCount,
		Lease:       lease,
		identityKey: identityKey,
		walletKey:   walletKey,
	}, nil
}

// Rollback undoes the counter increments of a committed claim after the
// external transfer failed. The binding was never written (it is finalized
// only after a successful transfer), so counters are the whole rollback.
func (l *Ledger) Rollback(ctx context.Context, c *Claim) error {
	return l.rollbackCounters(ctx, []string{c.walletKey, c.identityKey}, "transfer failed")
}

func (l *Ledger) rollbackCounters(ctx context.Context, keys []string, reason string) error {
	if err := l.journal.Apply(ctx, keys, -1, reason); err != nil {
		l.log.IntegrityAlert(ctx, "rollback_decrement_failed", map[string]interface{}{
			"keys":   keys,
			"reason": reason,
			"error":  err.Error(),
		})
		return err
	}
	return nil
}

// FinalizeBinding writes the permanent identity-wallet binding after a
// successful transfer. Idempotent: an existing matching binding is fine; an
// existing conflicting one means another claim won, which is reported as a
// BindingConflict for the integrity log.
//
// The identity half goes first. Losing its SetNX means the identity settled
// on another wallet concurrently, and nothing has been written yet; losing
// the wallet half afterwards undoes the identity half, so a conflict never
// strands a half-written pair.
func (l *Ledger) FinalizeBinding(ctx context.Context, c *Claim) error {
	identityKey := identityBindingKey(c.Identity)
	wonIdentity, err := l.bindOneWay(ctx, identityKey, c.Wallet)
	if err != nil {
		return err
	}
	if _, err := l.bindOneWay(ctx, walletBindingKey(c.Wallet), c.Identity); err != nil {
		if wonIdentity {
			if _, derr := l.store.CompareAndDelete(ctx, identityKey, c.Wallet); derr != nil {
				l.log.WithContext(ctx).WithError(derr).Warn("failed to undo identity binding")
			}
		}
		return err
	}
	return nil
}

func (l *Ledger) bindOneWay(ctx context.Context, key, value string) (bool, error) {
	won, err := l.store.SetNX(ctx, key, value, 0)
	if err != nil {
		return false, fmt.Errorf("write binding %s: %w", key, err)
	}
	if won {
		return true, nil
	}
	existing, _, err := l.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("verify binding %s: %w", key, err)
	}
	if existing != value {
		return false, svcerr.BindingConflict(fmt.Sprintf("binding %s already held by another party", key))
	}
	return false, nil
}

// ReleaseLease releases a claim's wallet lease. Safe to call on every exit
// path; releasing an already-expired lease is a no-op.
func (l *Ledger) ReleaseLease(ctx context.Context, c *Claim) {
	if c == nil || c.Lease == nil {
		return
	}
	if _, err := l.leases.Release(ctx, c.Lease); err != nil {
		l.log.WithContext(ctx).WithError(err).Warn("lease release failed")
	}
}

// Package reserve pre-commits claim slots before the costly redemption path.
//
// A reservation grants the right to attempt a claim within its TTL window.
// It increments no counters: quota is only consumed at redemption, so an
// abandoned reservation costs nothing once it expires.
package reserve

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dropvault/dropclaim/internal/claim"
	"github.com/dropvault/dropclaim/internal/config"
	"github.com/dropvault/dropclaim/internal/eligibility"
	"github.com/dropvault/dropclaim/internal/epoch"
	svcerr "github.com/dropvault/dropclaim/internal/errors"
	"github.com/dropvault/dropclaim/internal/kv"
	"github.com/dropvault/dropclaim/internal/logging"
)

// Reservation statuses.
const (
	StatusPending   = "pending"
	StatusExecuting = "executing"
	StatusConsumed  = "consumed"
)

const (
	reservationPrefix = "reservation:"
	walletIndexPrefix = "reservation:wallet:"
)

// Reservation is a short-lived pre-commitment of a claim slot.
type Reservation struct {
	ID             string    `json:"id"`
	Identity       string    `json:"identity"`
	Wallet         string    `json:"wallet"`
	EpochID        string    `json:"epoch_id"`
	SequenceNumber int64     `json:"sequence_number"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the reservation window has closed.
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Service creates and tracks reservations.
type Service struct {
	store    kv.Store
	guard    *eligibility.Guard
	ledger   *claim.Ledger
	epochs   *epoch.Manager
	policies *config.PolicyProvider
	log      *logging.Logger
	now      func() time.Time
}

// New creates the reservation service.
func New(store kv.Store, guard *eligibility.Guard, ledger *claim.Ledger, epochs *epoch.Manager, policies *config.PolicyProvider, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("reserve")
	}
	return &Service{
		store:    store,
		guard:    guard,
		ledger:   ledger,
		epochs:   epochs,
		policies: policies,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Reserve pre-commits a claim slot for (identity, wallet) in the current
// epoch. Concurrent calls for the same wallet are deduplicated: while a
// pending reservation exists it is returned as-is instead of creating a
// second one.
func (s *Service) Reserve(ctx context.Context, identity, wallet string) (*Reservation, error) {
	policy := s.policies.Current()
	if policy.Disabled {
		return nil, svcerr.ClaimsDisabled()
	}

	ep, err := s.epochs.Current(ctx)
	if err != nil {
		return nil, svcerr.Internal(fmt.Sprintf("resolve epoch: %v", err))
	}

	if err := s.guard.Check(ctx, identity, wallet, policy); err != nil {
		return nil, err
	}

	if err := s.ledger.CheckBinding(ctx, identity, wallet); err != nil {
		return nil, err
	}

	walletCount, err := s.ledger.WalletCount(ctx, ep, wallet)
	if err != nil {
		return nil, svcerr.Internal(fmt.Sprintf("read wallet counter: %v", err))
	}
	if walletCount >= policy.MaxClaims {
		return nil, svcerr.CapacityExceeded("wallet")
	}
	identityCount, err := s.ledger.IdentityCount(ctx, ep, identity)
	if err != nil {
		return nil, svcerr.Internal(fmt.Sprintf("read identity counter: %v", err))
	}
	if identityCount >= policy.MaxClaims {
		return nil, svcerr.CapacityExceeded("identity")
	}

	// Wallet-scoped dedupe: at most one active reservation per wallet.
	if existing, found, err := s.pendingForWallet(ctx, wallet); err != nil {
		return nil, svcerr.Internal(fmt.Sprintf("wallet reservation lookup: %v", err))
	} else if found {
		if existing.Identity != identity {
			return nil, svcerr.ReservationMismatch("wallet has an active reservation for a different identity")
		}
		return existing, nil
	}

	ttl := policy.ReservationTTL.Std()
	now := s.now().UTC()
	res := &Reservation{
		ID:             uuid.New().String(),
		Identity:       identity,
		Wallet:         wallet,
		EpochID:        ep.ID,
		SequenceNumber: walletCount + 1,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return nil, svcerr.Internal(err.Error())
	}

	// The key embeds a fresh random id, so the create cannot collide.
	won, err := s.store.SetNX(ctx, reservationKey(res.ID), string(raw), ttl)
	if err != nil {
		return nil, svcerr.Internal(fmt.Sprintf("create reservation: %v", err))
	}
	if !won {
		return nil, svcerr.Internal("reservation id collision")
	}

	// Index is best effort; if a concurrent reserve beat us to the index,
	// honor theirs and discard ours.
	indexed, err := s.store.SetNX(ctx, walletIndexKey(wallet), res.ID, ttl)
	if err != nil {
		return nil, svcerr.Internal(fmt.Sprintf("index reservation: %v", err))
	}
	if !indexed {
		_ = s.store.Del(ctx, reservationKey(res.ID))
		if existing, found, err := s.pendingForWallet(ctx, wallet); err == nil && found && existing.Identity == identity {
			return existing, nil
		}
		return nil, svcerr.ReservationMismatch("wallet has an active reservation for a different identity")
	}

	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"reservation_id": res.ID,
		"wallet":         wallet,
		"epoch_id":       ep.ID,
		"sequence":       res.SequenceNumber,
	}).Info("reservation created")

	return res, nil
}

// Get loads a reservation by id.
func (s *Service) Get(ctx context.Context, id string) (*Reservation, bool, error) {
	raw, found, err := s.store.Get(ctx, reservationKey(id))
	if err != nil || !found {
		return nil, false, err
	}
	var res Reservation
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, false, err
	}
	return &res, true, nil
}

// MarkExecuting transitions a pending reservation to executing. The
// transition is guarded by a create-if-absent key so a duplicate redeem
// call for the same reservation cannot enter the critical path twice.
func (s *Service) MarkExecuting(ctx context.Context, res *Reservation) error {
	won, err := s.store.SetNX(ctx, executingKey(res.ID), "1", s.remainingTTL(res)+time.Minute)
	if err != nil {
		return svcerr.Internal(fmt.Sprintf("executing guard: %v", err))
	}
	if !won {
		return svcerr.ReservationMismatch("reservation is already being redeemed")
	}

	res.Status = StatusExecuting
	return s.persist(ctx, res)
}

// MarkConsumed terminally consumes a reservation. Successful redemptions
// delete the record outright; failed ones keep a short-lived consumed
// record so the client sees a definitive state instead of a dangling
// pending reservation.
func (s *Service) MarkConsumed(ctx context.Context, res *Reservation, success bool) error {
	_ = s.store.Del(ctx, walletIndexKey(res.Wallet))
	_ = s.store.Del(ctx, executingKey(res.ID))

	if success {
		return s.store.Del(ctx, reservationKey(res.ID))
	}

	res.Status = StatusConsumed
	return s.persist(ctx, res)
}

// ActiveCount reports the number of live reservations, for monitoring.
func (s *Service) ActiveCount(ctx context.Context) (int, error) {
	keys, err := s.store.Scan(ctx, walletIndexPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Service) pendingForWallet(ctx context.Context, wallet string) (*Reservation, bool, error) {
	id, found, err := s.store.Get(ctx, walletIndexKey(wallet))
	if err != nil || !found {
		return nil, false, err
	}
	res, found, err := s.Get(ctx, id)
	if err != nil || !found {
		return nil, false, err
	}
	if res.Status != StatusPending || res.Expired(s.now()) {
		return nil, false, nil
	}
	return res, true, nil
}

func (s *Service) persist(ctx context.Context, res *Reservation) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, reservationKey(res.ID), string(raw), s.remainingTTL(res))
}

func (s *Service) remainingTTL(res *Reservation) time.Duration {
	remaining := res.ExpiresAt.Sub(s.now())
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

func reservationKey(id string) string {
	return reservationPrefix + id
}

func walletIndexKey(wallet string) string {
	return walletIndexPrefix + wallet
}

func executingKey(id string) string {
	return reservationPrefix + "executing:" + id
}

// Package redeem drives a reservation through verification, claim commit,
// the irreversible reward transfer, and finalize-or-rollback.
package redeem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dropvault/dropclaim/internal/claim"
	"github.com/dropvault/dropclaim/internal/config"
	"github.com/dropvault/dropclaim/internal/eligibility"
	"github.com/dropvault/dropclaim/internal/epoch"
	svcerr "github.com/dropvault/dropclaim/internal/errors"
	vledger "github.com/dropvault/dropclaim/internal/ledger"
	"github.com/dropvault/dropclaim/internal/logging"
	"github.com/dropvault/dropclaim/internal/metrics"
	"github.com/dropvault/dropclaim/internal/reserve"
	"github.com/dropvault/dropclaim/internal/storage"
)

// ValueLedger is the external transfer boundary.
type ValueLedger interface {
	GetTransaction(ctx context.Context, ref string) (*vledger.Transaction, error)
	SubmitTransfer(ctx context.Context, to string, amount int64) (string, error)
}

// Receipt is the successful outcome of a redemption.
type Receipt struct {
	TransferRef string `json:"transfer_ref"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	RecordID    string `json:"record_id"`
}

// Executor performs redemptions. It is the only writer that consumes
// reservations and the only caller of the value ledger.
type Executor struct {
	reservations *reserve.Service
	guard        *eligibility.Guard
	ledger       *claim.Ledger
	replay       *claim.ReplayGuard
	transfers    ValueLedger
	records      storage.RecordStore
	epochs       *epoch.Manager
	policies     *config.PolicyProvider
	metrics      *metrics.Metrics
	log          *logging.Logger
	now          func() time.Time
}

// New creates a redemption executor. metrics may be nil.
func New(
	reservations *reserve.Service,
	guard *eligibility.Guard,
	claimLedger *claim.Ledger,
	replay *claim.ReplayGuard,
	transfers ValueLedger,
	records storage.RecordStore,
	epochs *epoch.Manager,
	policies *config.PolicyProvider,
	m *metrics.Metrics,
	log *logging.Logger,
) *Executor {
	if log == nil {
		log = logging.NewDefault("redeem")
	}
	return &Executor{
		reservations: reservations,
		guard:        guard,
		ledger:       claimLedger,
		replay:       replay,
		transfers:    transfers,
		records:      records,
		epochs:       epochs,
		policies:     policies,
		metrics:      m,
		log:          log,
		now:          time.Now,
	}
}

// SetClock overrides the time source for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Redeem executes the full claim-to-transfer path for a reservation.
//
// The wallet lease acquired inside TryClaim is held across the transfer and
// released on every exit path; its TTL is the backstop if this process dies
// in between. Any rejection after the reservation enters "executing"
// consumes it: the client restarts from reserve with a fresh one.
func (e *Executor) Redeem(ctx context.Context, identity, wallet, reservationID, externalTxRef string) (*Receipt, error) {
	receipt, err := e.redeem(ctx, identity, wallet, reservationID, externalTxRef)
	if e.metrics != nil {
		if err != nil {
			svc := svcerr.GetServiceError(err)
			e.metrics.RecordClaim(svc.Code)
			switch svc.Code {
			case svcerr.CodeLockContention:
				e.metrics.RecordLockContention()
			case svcerr.CodeReplayDetected:
				e.metrics.RecordReplayRejected()
			}
		} else {
			e.metrics.RecordClaim("success")
		}
	}
	return receipt, err
}

func (e *Executor) redeem(ctx context.Context, identity, wallet, reservationID, externalTxRef string) (*Receipt, error) {
	res, found, err := e.reservations.Get(ctx, reservationID)
	if err != nil {
		return nil, svcerr.Internal(fmt.Sprintf("load reservation: %v", err))
	}
	if !found {
		return nil, svcerr.ReservationExpired(reservationID)
	}
	if res.Identity != identity || res.Wallet != wallet {
		return nil, svcerr.ReservationMismatch("reservation belongs to a different identity or wallet")
	}
	if res.Expired(e.now()) {
		return nil, svcerr.ReservationExpired(reservationID)
	}
	if res.Status != reserve.StatusPending {
		return nil, svcerr.ReservationMismatch("reservation is " + res.Status)
	}

	if err := e.reservations.MarkExecuting(ctx, res); err != nil {
		return nil, err
	}

	// From here every rejection consumes the reservation.
	policy := e.policies.Current()
	if policy.Disabled {
		return nil, e.reject(ctx, res, svcerr.ClaimsDisabled())
	}

	ep, err := e.epochs.Current(ctx)
	if err != nil {
		return nil, e.reject(ctx, res, svcerr.Internal(fmt.Sprintf("resolve epoch: %v", err)))
	}
	if ep.ID != res.EpochID {
		return nil, e.reject(ctx, res, svcerr.ReservationExpired(reservationID))
	}

	// Scores can move between reserve and redeem; check again.
	if err := e.guard.Check(ctx, identity, wallet, policy); err != nil {
		return nil, e.reject(ctx, res, err)
	}

	proofRequired := policy.RequireProofTx || externalTxRef != ""
	if policy.RequireProofTx && externalTxRef == "" {
		return nil, e.reject(ctx, res, svcerr.InvalidRequest("external transaction reference required"))
	}
	if proofRequired {
		if err := e.verifyProof(ctx, wallet, externalTxRef, policy); err != nil {
			return nil, e.reject(ctx, res, err)
		}
	}

	committed, err := e.ledger.TryClaim(ctx, identity, wallet, ep, policy)
	if err != nil {
		return nil, e.reject(ctx, res, err)
	}
	defer e.ledger.ReleaseLease(ctx, committed)

	// The lease may have lapsed during the oracle and ledger round trips.
	// Never fire the irreversible transfer without exclusivity.
	held, err := e.ledger.Leases().StillHeld(ctx, committed.Lease)
	if err != nil || !held {
		e.rollback(ctx, committed)
		if err != nil {
			return nil, e.reject(ctx, res, svcerr.Internal(fmt.Sprintf("lease check: %v", err)))
		}
		return nil, e.reject(ctx, res, svcerr.LockContention(wallet))
	}

	transferRef, err := e.transfers.SubmitTransfer(ctx, wallet, policy.RewardAmount)
	if err != nil {
		e.rollback(ctx, committed)
		return nil, e.reject(ctx, res, svcerr.TransferError(err.Error()))
	}

	// Transfer is settled; everything from here is finalization. The
	// replay marker is written only now so a failed transfer never burns
	// the reference.
	if externalTxRef != "" {
		marker := claim.ConsumedMarker{
			Identity:  identity,
			Wallet:    wallet,
			EpochID:   ep.ID,
			Amount:    policy.RewardAmount,
			Timestamp: e.now().UTC(),
		}
		if err := e.replay.Consume(ctx, externalTxRef, marker); err != nil {
			// The transfer already happened; this is an integrity
			// signal, not a user-facing failure.
			e.log.IntegrityAlert(ctx, "replay_marker_conflict", map[string]interface{}{
				"tx_ref": externalTxRef,
				"error":  err.Error(),
			})
		}
	}

	if err := e.ledger.FinalizeBinding(ctx, committed); err != nil {
		e.log.IntegrityAlert(ctx, "binding_finalize_failed", map[string]interface{}{
			"identity": identity,
			"wallet":   wallet,
			"error":    err.Error(),
		})
	}

	rec, err := e.records.CreateClaimRecord(ctx, storage.ClaimRecord{
		Identity:    identity,
		Wallet:      wallet,
		SubjectID:   ep.SubjectID,
		EpochID:     ep.ID,
		Sequence:    committed.Sequence,
		Amount:      policy.RewardAmount,
		TransferRef: transferRef,
		ProofTxRef:  externalTxRef,
		CreatedAt:   e.now().UTC(),
	})
	if err != nil {
		e.log.WithContext(ctx).WithError(err).Error("failed to persist claim record")
	}

	if err := e.reservations.MarkConsumed(ctx, res, true); err != nil {
		e.log.WithContext(ctx).WithError(err).Warn("failed to consume reservation after success")
	}

	e.log.WithContext(ctx).WithFields(map[string]interface{}{
		"identity":     identity,
		"wallet":       wallet,
		"epoch_id":     ep.ID,
		"sequence":     committed.Sequence,
		"transfer_ref": transferRef,
	}).Info("claim redeemed")

	return &Receipt{
		TransferRef: transferRef,
		Amount:      policy.RewardAmount,
		Sequence:    committed.Sequence,
		RecordID:    rec.ID,
	}, nil
}

// verifyProof checks the caller's proof-of-intent transaction on the value
// ledger and that its reference has not been spent before.
func (e *Executor) verifyProof(ctx context.Context, wallet, txRef string, policy config.ClaimPolicy) error {
	if err := e.replay.Check(ctx, txRef); err != nil {
		return err
	}

	tx, err := e.transfers.GetTransaction(ctx, txRef)
	if err != nil {
		if errors.Is(err, vledger.ErrNotFound) {
			return svcerr.InvalidRequest("proof transaction not found on ledger")
		}
		return svcerr.TransferError(fmt.Sprintf("proof lookup: %v", err))
	}
	if tx.Status != vledger.StatusConfirmed {
		return svcerr.InvalidRequest("proof transaction is not confirmed")
	}
	if tx.From != wallet {
		return svcerr.InvalidRequest("proof transaction sender does not match wallet")
	}
	if policy.CollectionAddress != "" && tx.To != policy.CollectionAddress {
		return svcerr.InvalidRequest("proof transaction recipient does not match collection address")
	}
	return nil
}

func (e *Executor) rollback(ctx context.Context, committed *claim.Claim) {
	if e.metrics != nil {
		e.metrics.RecordRollback()
	}
	if err := e.ledger.Rollback(ctx, committed); err != nil {
		// Already raised as an integrity alert inside the ledger; the
		// journal will keep retrying.
		e.log.WithContext(ctx).WithError(err).Error("rollback incomplete, journal retry pending")
	}
}

// reject consumes the reservation and passes the rejection through.
func (e *Executor) reject(ctx context.Context, res *reserve.Reservation, cause error) error {
	if err := e.reservations.MarkConsumed(ctx, res, false); err != nil {
		e.log.WithContext(ctx).WithError(err).Warn("failed to consume reservation after rejection")
	}
	return cause
}

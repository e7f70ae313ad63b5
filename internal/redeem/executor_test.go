package redeem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dropvault/dropclaim/internal/claim"
	"github.com/dropvault/dropclaim/internal/config"
	"github.com/dropvault/dropclaim/internal/eligibility"
	"github.com/dropvault/dropclaim/internal/epoch"
	svcerr "github.com/dropvault/dropclaim/internal/errors"
	"github.com/dropvault/dropclaim/internal/kv"
	vledger "github.com/dropvault/dropclaim/internal/ledger"
	"github.com/dropvault/dropclaim/internal/oracle"
	"github.com/dropvault/dropclaim/internal/reserve"
	recmem "github.com/dropvault/dropclaim/internal/storage/memory"
)

type fakeOracle struct {
	profiles map[string]oracle.Profile
}

func (f *fakeOracle) GetProfile(_ context.Context, identity string) (oracle.Profile, error) {
	p, ok := f.profiles[identity]
	if !ok {
		return oracle.Profile{Exists: false}, nil
	}
	return p, nil
}

type fakeTransfers struct {
	mu           sync.Mutex
	txs          map[string]*vledger.Transaction
	failTransfer bool
	submitted    int
}

func (f *fakeTransfers) GetTransaction(_ context.Context, ref string) (*vledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[ref]
	if !ok {
		return nil, vledger.ErrNotFound
	}
	return tx, nil
}

func (f *fakeTransfers) SubmitTransfer(_ context.Context, to string, amount int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTransfer {
		return "", errors.New("ledger rejected transfer")
	}
	f.submitted++
	return fmt.Sprintf("0xTRANSFER-%d", f.submitted), nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store     *kv.Memory
	clock     *clock
	policies  *config.PolicyProvider
	epochs    *epoch.Manager
	guard     *eligibility.Guard
	ledger    *claim.Ledger
	replay    *claim.ReplayGuard
	reserves  *reserve.Service
	transfers *fakeTransfers
	records   *recmem.Store
	executor  *Executor
}

func goodProfile() oracle.Profile {
	return oracle.Profile{Exists: true, Score: 0.9, AccountAgeDays: 365, FollowerCount: 100}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := kv.NewMemory()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clk.Now)

	policy := config.ClaimPolicy{
		RewardAmount:   100,
		MaxClaims:      1,
		MinScore:       0.5,
		ReservationTTL: config.Duration(120 * time.Second),
		LockTTL:        config.Duration(30 * time.Second),
	}
	policies := config.NewPolicyProvider(policy)

	epochs := epoch.NewManager(store, "featured", 24*time.Hour, nil)
	epochs.SetClock(clk.Now)

	fetcher := &fakeOracle{profiles: map[string]oracle.Profile{
		"alice": goodProfile(),
		"bob":   goodProfile(),
	}}
	guard := eligibility.NewGuard(fetcher, store, nil)

	ledger := claim.NewLedger(store, nil, nil)
	ledger.SetClock(clk.Now)

	reserves := reserve.New(store, guard, ledger, epochs, policies, nil)
	reserves.SetClock(clk.Now)

	transfers := &fakeTransfers{txs: map[string]*vledger.Transaction{}}
	records := recmem.New()
	replay := claim.NewReplayGuard(store)

	executor := New(reserves, guard, ledger, replay, transfers, records, epochs, policies, nil, nil)
	executor.SetClock(clk.Now)

	return &harness{
		store:     store,
		clock:     clk,
		policies:  policies,
		epochs:    epochs,
		guard:     guard,
		ledger:    ledger,
		replay:    replay,
		reserves:  reserves,
		transfers: transfers,
		records:   records,
		executor:  executor,
	}
}

func (h *harness) confirmedTx(ref, from, to string) {
	h.transfers.txs[ref] = &vledger.Transaction{
		Ref: ref, From: from, To: to, Amount: 1, Status: vledger.StatusConfirmed,
	}
}

func (h *harness) reserve(t *testing.T, identity, wallet string) *reserve.Reservation {
	t.Helper()
	res, err := h.reserves.Reserve(context.Background(), identity, wallet)
	if err != nil {
		t.Fatalf("reserve %s/%s: %v", identity, wallet, err)
	}
	return res
}

func TestExecutor_SuccessfulRedemption(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.confirmedTx("0xT1", "0xW1", "")

	res := h.reserve(t, "alice", "0xW1")

	receipt, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "0xT1")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if receipt.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", receipt.Sequence)
	}
	if receipt.Amount != 100 {
		t.Fatalf("amount = %d, want 100", receipt.Amount)
	}
	if receipt.TransferRef == "" {
		t.Fatal("missing transfer ref")
	}

	// Binding is finalized after the transfer.
	identity, found, _ := h.ledger.BindingFor(ctx, "0xW1")
	if !found || identity != "alice" {
		t.Fatalf("wallet binding = (%q,%v), want alice", identity, found)
	}

	// The proof reference is permanently consumed.
	marker, found, _ := h.replay.Lookup(ctx, "0xT1")
	if !found || marker.Identity != "alice" {
		t.Fatalf("consumed marker = (%v,%v)", marker, found)
	}

	// Reservation is gone, lease is released.
	if _, found, _ := h.reserves.Get(ctx, res.ID); found {
		t.Fatal("reservation should be deleted after success")
	}
	if _, err := h.ledger.Leases().Acquire(ctx, "0xW1", 30*time.Second); err != nil {
		t.Fatalf("lease should be free after redemption: %v", err)
	}

	// Archived record.
	recs, err := h.records.ListClaimRecords(ctx, "alice")
	if err != nil || len(recs) != 1 {
		t.Fatalf("records = %v (err %v), want 1", recs, err)
	}
	if recs[0].TransferRef != receipt.TransferRef {
		t.Fatalf("record transfer ref = %q, want %q", recs[0].TransferRef, receipt.TransferRef)
	}
}

func TestExecutor_TransferFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.transfers.failTransfer = true

	res := h.reserve(t, "alice", "0xW1")

	_, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "")
	if !errors.Is(err, svcerr.TransferError("")) {
		t.Fatalf("err = %v, want TRANSFER_ERROR", err)
	}
	if !svcerr.GetServiceError(err).Retryable {
		t.Fatal("transfer failure must be retryable")
	}

	// Counters rolled back, binding never written.
	ep, _ := h.epochs.Current(ctx)
	wcount, _ := h.ledger.WalletCount(ctx, ep, "0xW1")
	icount, _ := h.ledger.IdentityCount(ctx, ep, "alice")
	if wcount != 0 || icount != 0 {
		t.Fatalf("counters = (%d,%d), want (0,0)", wcount, icount)
	}
	if _, found, _ := h.ledger.BindingFor(ctx, "0xW1"); found {
		t.Fatal("binding must not exist after failed transfer")
	}

	// The reservation was consumed; a fresh attempt goes through.
	h.transfers.failTransfer = false
	res2 := h.reserve(t, "alice", "0xW1")
	if res2.ID == res.ID {
		t.Fatal("expected a fresh reservation")
	}
	if _, err := h.executor.Redeem(ctx, "alice", "0xW1", res2.ID, ""); err != nil {
		t.Fatalf("retry after transfer failure: %v", err)
	}
}

func TestExecutor_FailedTransferDoesNotBurnProofRef(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.confirmedTx("0xT1", "0xW1", "")
	h.transfers.failTransfer = true

	res := h.reserve(t, "alice", "0xW1")
	if _, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "0xT1"); err == nil {
		t.Fatal("expected transfer failure")
	}

	// The reference is still spendable.
	if err := h.replay.Check(ctx, "0xT1"); err != nil {
		t.Fatalf("proof ref must survive a failed transfer: %v", err)
	}

	h.transfers.failTransfer = false
	res2 := h.reserve(t, "alice", "0xW1")
	if _, err := h.executor.Redeem(ctx, "alice", "0xW1", res2.ID, "0xT1"); err != nil {
		t.Fatalf("redeem with same proof ref: %v", err)
	}
}

func TestExecutor_ReplayRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.confirmedTx("0xT1", "0xW1", "")

	res := h.reserve(t, "alice", "0xW1")
	if _, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "0xT1"); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	// Bob presents alice's already-consumed reference from his own wallet.
	h.transfers.txs["0xT1"].From = "0xW2"
	resBob := h.reserve(t, "bob", "0xW2")
	_, err := h.executor.Redeem(ctx, "bob", "0xW2", resBob.ID, "0xT1")
	if !errors.Is(err, svcerr.ReplayDetected("")) {
		t.Fatalf("err = %v, want REPLAY_DETECTED", err)
	}

	// Replay rejection happens before the transfer fires.
	if h.transfers.submitted != 1 {
		t.Fatalf("transfers submitted = %d, want 1", h.transfers.submitted)
	}
}

func TestExecutor_FullEpochScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.confirmedTx("0xT1", "0xW1", "")

	// Identity A claims with wallet 0xW1 under maxClaims=1.
	res := h.reserve(t, "alice", "0xW1")
	if res.SequenceNumber != 1 {
		t.Fatalf("sequence = %d, want 1", res.SequenceNumber)
	}
	if _, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "0xT1"); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	// A second attempt in the same epoch hits the cap.
	_, err := h.reserves.Reserve(ctx, "alice", "0xW1")
	if !errors.Is(err, svcerr.CapacityExceeded("")) {
		t.Fatalf("second reserve err = %v, want CAPACITY_EXCEEDED", err)
	}

	// B cannot use A's wallet, ever.
	_, err = h.reserves.Reserve(ctx, "bob", "0xW1")
	if !errors.Is(err, svcerr.BindingConflict("")) {
		t.Fatalf("bob on 0xW1 err = %v, want BINDING_CONFLICT", err)
	}

	// A new epoch resets capacity; the binding persists and A claims again.
	if _, err := h.epochs.Publish(ctx, "epoch-next"); err != nil {
		t.Fatalf("publish epoch: %v", err)
	}
	res2 := h.reserve(t, "alice", "0xW1")
	receipt, err := h.executor.Redeem(ctx, "alice", "0xW1", res2.ID, "")
	if err != nil {
		t.Fatalf("redeem in new epoch: %v", err)
	}
	if receipt.Sequence != 1 {
		t.Fatalf("new epoch sequence = %d, want 1", receipt.Sequence)
	}

	// B still cannot take the bound wallet in the new epoch.
	_, err = h.reserves.Reserve(ctx, "bob", "0xW1")
	if !errors.Is(err, svcerr.BindingConflict("")) {
		t.Fatalf("bob on 0xW1 in new epoch err = %v, want BINDING_CONFLICT", err)
	}
}

func TestExecutor_ExpiredReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.reserve(t, "alice", "0xW1")
	h.clock.Advance(3 * time.Minute)

	_, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "")
	if !errors.Is(err, svcerr.ReservationExpired("")) {
		t.Fatalf("err = %v, want RESERVATION_EXPIRED", err)
	}
}

func TestExecutor_EpochRotatedUnderReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.reserve(t, "alice", "0xW1")
	if _, err := h.epochs.Publish(ctx, "epoch-next"); err != nil {
		t.Fatalf("publish epoch: %v", err)
	}

	_, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "")
	if !errors.Is(err, svcerr.ReservationExpired("")) {
		t.Fatalf("err = %v, want RESERVATION_EXPIRED", err)
	}
}

func TestExecutor_ReservationOwnershipEnforced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.reserve(t, "alice", "0xW1")

	_, err := h.executor.Redeem(ctx, "bob", "0xW2", res.ID, "")
	if !errors.Is(err, svcerr.ReservationMismatch("")) {
		t.Fatalf("err = %v, want RESERVATION_MISMATCH", err)
	}

	// The owner can still redeem; mismatches must not consume it.
	if _, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, ""); err != nil {
		t.Fatalf("owner redeem: %v", err)
	}
}

func TestExecutor_DuplicateRedeemBlocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.reserve(t, "alice", "0xW1")
	if _, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, ""); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	_, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "")
	if err == nil {
		t.Fatal("second redeem of a consumed reservation must fail")
	}

	if h.transfers.submitted != 1 {
		t.Fatalf("transfers submitted = %d, want 1", h.transfers.submitted)
	}
}

func TestExecutor_KillSwitchConsumesReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.reserve(t, "alice", "0xW1")
	h.policies.SetDisabled(true)

	_, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "")
	if !errors.Is(err, svcerr.ClaimsDisabled()) {
		t.Fatalf("err = %v, want CLAIMS_DISABLED", err)
	}

	// Disabled-path rejection consumed the reservation.
	got, found, _ := h.reserves.Get(ctx, res.ID)
	if !found || got.Status != reserve.StatusConsumed {
		t.Fatalf("reservation = (%v,%v), want consumed", got, found)
	}
}

func TestExecutor_ProofValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	policy := h.policies.Current()
	policy.RequireProofTx = true
	policy.CollectionAddress = "0xCOLLECT"
	h.policies.Update(policy)

	cases := []struct {
		name  string
		txRef string
		setup func()
		code  string
	}{
		{
			name:  "missing reference",
			txRef: "",
			setup: func() {},
			code:  svcerr.CodeInvalidRequest,
		},
		{
			name:  "unknown reference",
			txRef: "0xNOPE",
			setup: func() {},
			code:  svcerr.CodeInvalidRequest,
		},
		{
			name:  "unconfirmed",
			txRef: "0xPENDING",
			setup: func() {
				h.transfers.txs["0xPENDING"] = &vledger.Transaction{
					Ref: "0xPENDING", From: "0xW1", To: "0xCOLLECT", Status: vledger.StatusPending,
				}
			},
			code: svcerr.CodeInvalidRequest,
		},
		{
			name:  "wrong sender",
			txRef: "0xOTHER",
			setup: func() { h.confirmedTx("0xOTHER", "0xW9", "0xCOLLECT") },
			code:  svcerr.CodeInvalidRequest,
		},
		{
			name:  "wrong recipient",
			txRef: "0xMISSED",
			setup: func() { h.confirmedTx("0xMISSED", "0xW1", "0xELSEWHERE") },
			code:  svcerr.CodeInvalidRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setup()
			res := h.reserve(t, "alice", "0xW1")
			_, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, tc.txRef)
			if svcerr.GetServiceError(err).Code != tc.code {
				t.Fatalf("err = %v, want code %s", err, tc.code)
			}
		})
	}

	// A correct proof passes all checks.
	h.confirmedTx("0xGOOD", "0xW1", "0xCOLLECT")
	res := h.reserve(t, "alice", "0xW1")
	if _, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "0xGOOD"); err != nil {
		t.Fatalf("valid proof redeem: %v", err)
	}
}

func TestExecutor_EligibilityRecheckedAtRedeem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.reserve(t, "alice", "0xW1")

	// Alice gets blocked between reserve and redeem.
	if err := h.guard.Block(ctx, "alice"); err != nil {
		t.Fatalf("block: %v", err)
	}

	_, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "")
	if !errors.Is(err, svcerr.Ineligible("")) {
		t.Fatalf("err = %v, want INELIGIBLE", err)
	}
	if h.transfers.submitted != 0 {
		t.Fatalf("transfers submitted = %d, want 0", h.transfers.submitted)
	}
}

func TestExecutor_LostLeaseAbortsBeforeTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.reserve(t, "alice", "0xW1")

	// Shrink the lock TTL and make the store clock tick per operation, so
	// the lease lapses inside the critical section.
	policy := h.policies.Current()
	policy.LockTTL = config.Duration(time.Nanosecond)
	h.policies.Update(policy)
	var ticks int64
	h.store.SetClock(func() time.Time {
		ticks++
		return h.clock.Now().Add(time.Duration(ticks) * time.Microsecond)
	})

	_, err := h.executor.Redeem(ctx, "alice", "0xW1", res.ID, "")
	if !errors.Is(err, svcerr.LockContention("")) {
		t.Fatalf("err = %v, want LOCK_CONTENTION", err)
	}
	if h.transfers.submitted != 0 {
		t.Fatalf("transfers submitted = %d, want 0", h.transfers.submitted)
	}
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dropvault/dropclaim/internal/claim"
	"github.com/dropvault/dropclaim/internal/config"
	"github.com/dropvault/dropclaim/internal/eligibility"
	"github.com/dropvault/dropclaim/internal/epoch"
	svcerr "github.com/dropvault/dropclaim/internal/errors"
	"github.com/dropvault/dropclaim/internal/kv"
	vledger "github.com/dropvault/dropclaim/internal/ledger"
	"github.com/dropvault/dropclaim/internal/middleware"
	"github.com/dropvault/dropclaim/internal/oracle"
	"github.com/dropvault/dropclaim/internal/redeem"
	"github.com/dropvault/dropclaim/internal/reserve"
	recmem "github.com/dropvault/dropclaim/internal/storage/memory"
)

const adminSecret = "test-admin-secret"

type stubOracle struct{}

func (stubOracle) GetProfile(_ context.Context, identity string) (oracle.Profile, error) {
	if identity == "stranger" {
		return oracle.Profile{Exists: false}, nil
	}
	return oracle.Profile{Exists: true, Score: 0.9, AccountAgeDays: 365, FollowerCount: 50}, nil
}

type stubTransfers struct {
	submitted int
}

func (s *stubTransfers) GetTransaction(_ context.Context, ref string) (*vledger.Transaction, error) {
	return nil, vledger.ErrNotFound
}

func (s *stubTransfers) SubmitTransfer(_ context.Context, to string, amount int64) (string, error) {
	s.submitted++
	return fmt.Sprintf("0xTRANSFER-%d", s.submitted), nil
}

type apiFixture struct {
	router   http.Handler
	policies *config.PolicyProvider
	epochs   *epoch.Manager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := kv.NewMemory()
	policies := config.NewPolicyProvider(config.ClaimPolicy{
		RewardAmount:   100,
		MaxClaims:      1,
		MinScore:       0.5,
		ReservationTTL: config.Duration(120 * time.Second),
		LockTTL:        config.Duration(30 * time.Second),
	})
	epochs := epoch.NewManager(store, "featured", 24*time.Hour, nil)
	guard := eligibility.NewGuard(stubOracle{}, store, nil)
	ledger := claim.NewLedger(store, nil, nil)
	reservations := reserve.New(store, guard, ledger, epochs, policies, nil)
	replay := claim.NewReplayGuard(store)
	records := recmem.New()
	executor := redeem.New(reservations, guard, ledger, replay, &stubTransfers{}, records, epochs, policies, nil, nil)

	server := NewServer(store, guard, ledger, reservations, executor, records, epochs, policies, nil, nil)
	router := server.Router(Options{AdminJWTSecret: adminSecret})

	return &apiFixture{router: router, policies: policies, epochs: epochs}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) adminToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(adminSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error.Code
}

func TestAPI_ClaimFlow(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/preflight", map[string]string{"identity": "alice", "wallet": "0xW1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("preflight status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/reserve", map[string]string{"identity": "alice", "wallet": "0xW1"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reserve status = %d: %s", rec.Code, rec.Body.String())
	}
	var res reserve.Reservation
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode reservation: %v", err)
	}
	if res.SequenceNumber != 1 {
		t.Fatalf("sequence = %d, want 1", res.SequenceNumber)
	}

	rec = f.do(t, http.MethodPost, "/redeem", map[string]string{
		"identity": "alice", "wallet": "0xW1", "reservation_id": res.ID,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem status = %d: %s", rec.Code, rec.Body.String())
	}
	var receipt redeem.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Amount != 100 || receipt.TransferRef == "" {
		t.Fatalf("receipt = %+v", receipt)
	}

	rec = f.do(t, http.MethodGet, "/claims/alice", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("claims status = %d", rec.Code)
	}
	var listing struct {
		Claims []json.RawMessage `json:"claims"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	if len(listing.Claims) != 1 {
		t.Fatalf("claims = %d, want 1", len(listing.Claims))
	}

	// The cap is spent; another preflight reports capacity exhausted.
	rec = f.do(t, http.MethodPost, "/preflight", map[string]string{"identity": "alice", "wallet": "0xW1"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("post-claim preflight status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != svcerr.CodeCapacityExceeded {
		t.Fatalf("code = %s, want CAPACITY_EXCEEDED", code)
	}
}

func TestAPI_PreflightRejections(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/preflight", map[string]string{"identity": "stranger", "wallet": "0xW1"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unknown identity status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != svcerr.CodeIneligible {
		t.Fatalf("code = %s, want INELIGIBLE", code)
	}

	rec = f.do(t, http.MethodPost, "/preflight", map[string]string{"identity": "alice"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing wallet status = %d", rec.Code)
	}
}

func TestAPI_HealthAndStatus(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/status", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status status = %d", rec.Code)
	}
	var status struct {
		ClaimsEnabled bool   `json:"claims_enabled"`
		EpochID       string `json:"epoch_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.ClaimsEnabled || status.EpochID == "" {
		t.Fatalf("status = %+v", status)
	}

	rec = f.do(t, http.MethodGet, "/status?wallet=0xW1", nil, nil)
	var walletStatus struct {
		RemainingWalletClaims int64 `json:"remaining_wallet_claims"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &walletStatus); err != nil {
		t.Fatalf("decode wallet status: %v", err)
	}
	if walletStatus.RemainingWalletClaims != 1 {
		t.Fatalf("remaining = %d, want 1", walletStatus.RemainingWalletClaims)
	}
}

func TestAPI_AdminRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/killswitch", map[string]bool{"disabled": true}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin status = %d", rec.Code)
	}
}

func TestAPI_AdminKillSwitch(t *testing.T) {
	f := newAPIFixture(t)
	headers := map[string]string{"Authorization": "Bearer " + f.adminToken(t)}

	rec := f.do(t, http.MethodPost, "/admin/killswitch", map[string]bool{"disabled": true}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("killswitch status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/reserve", map[string]string{"identity": "alice", "wallet": "0xW1"}, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("reserve while disabled status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != svcerr.CodeClaimsDisabled {
		t.Fatalf("code = %s, want CLAIMS_DISABLED", code)
	}

	rec = f.do(t, http.MethodPost, "/admin/killswitch", map[string]bool{"disabled": false}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("re-enable status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/reserve", map[string]string{"identity": "alice", "wallet": "0xW1"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reserve after re-enable status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_AdminBlocklist(t *testing.T) {
	f := newAPIFixture(t)
	headers := map[string]string{"Authorization": "Bearer " + f.adminToken(t)}

	rec := f.do(t, http.MethodPost, "/admin/blocklist", map[string]interface{}{"identity": "alice", "blocked": true}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("blocklist status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/reserve", map[string]string{"identity": "alice", "wallet": "0xW1"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blocked reserve status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/admin/blocklist", map[string]interface{}{"identity": "alice", "blocked": false}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/reserve", map[string]string{"identity": "alice", "wallet": "0xW1"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reserve after unblock status = %d", rec.Code)
	}
}

func TestAPI_AdminEpochRotation(t *testing.T) {
	f := newAPIFixture(t)
	headers := map[string]string{"Authorization": "Bearer " + f.adminToken(t)}

	rec := f.do(t, http.MethodGet, "/status", nil, nil)
	var before struct {
		EpochID string `json:"epoch_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &before); err != nil {
		t.Fatalf("decode status: %v", err)
	}

	rec = f.do(t, http.MethodPost, "/admin/epoch", map[string]string{"epoch_id": "drop-42"}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/status", nil, nil)
	var after struct {
		EpochID string `json:"epoch_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &after); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if after.EpochID != "drop-42" || after.EpochID == before.EpochID {
		t.Fatalf("epoch after rotation = %q (before %q)", after.EpochID, before.EpochID)
	}

	// Rotating to the current id is rejected.
	rec = f.do(t, http.MethodPost, "/admin/epoch", map[string]string{"epoch_id": "drop-42"}, headers)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate rotate status = %d", rec.Code)
	}
}

func TestAPI_AdminPolicy(t *testing.T) {
	f := newAPIFixture(t)
	headers := map[string]string{"Authorization": "Bearer " + f.adminToken(t)}

	rec := f.do(t, http.MethodGet, "/admin/policy", nil, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("get policy status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPut, "/admin/policy", map[string]interface{}{
		"reward_amount": 250,
		"max_claims":    3,
	}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("update policy status = %d: %s", rec.Code, rec.Body.String())
	}

	policy := f.policies.Current()
	if policy.RewardAmount != 250 || policy.MaxClaims != 3 {
		t.Fatalf("policy = %+v", policy)
	}

	rec = f.do(t, http.MethodPut, "/admin/policy", map[string]interface{}{
		"reward_amount": 0,
		"max_claims":    1,
	}, headers)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid policy status = %d", rec.Code)
	}
}

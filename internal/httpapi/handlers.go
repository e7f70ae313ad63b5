package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dropvault/dropclaim/internal/config"
	svcerr "github.com/dropvault/dropclaim/internal/errors"
	"github.com/dropvault/dropclaim/internal/httputil"
	"github.com/dropvault/dropclaim/internal/logging"
	"github.com/dropvault/dropclaim/internal/middleware"
)

type claimRequest struct {
	Identity string `json:"identity"`
	Wallet   string `json:"wallet"`
}

func (req *claimRequest) validate() error {
	if req.Identity == "" {
		return svcerr.InvalidRequest("identity is required")
	}
	if req.Wallet == "" {
		return svcerr.InvalidRequest("wallet is required")
	}
	return nil
}

type redeemRequest struct {
	Identity      string `json:"identity"`
	Wallet        string `json:"wallet"`
	ReservationID string `json:"reservation_id"`
	ExternalTxRef string `json:"external_tx_ref,omitempty"`
}

// handlePreflight answers "could this identity claim right now" without
// mutating anything. Clients use it to avoid burning a reservation on an
// attempt that is doomed.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	ctx := logging.WithIdentity(r.Context(), req.Identity)

	policy := s.policies.Current()
	if policy.Disabled {
		httputil.WriteError(w, r, svcerr.ClaimsDisabled())
		return
	}

	ep, err := s.epochs.Current(ctx)
	if err != nil {
		httputil.WriteError(w, r, svcerr.Internal(fmt.Sprintf("resolve epoch: %v", err)))
		return
	}

	if err := s.guard.Check(ctx, req.Identity, req.Wallet, policy); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if err := s.ledger.CheckBinding(ctx, req.Identity, req.Wallet); err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	walletCount, err := s.ledger.WalletCount(ctx, ep, req.Wallet)
	if err != nil {
		httputil.WriteError(w, r, svcerr.Internal(err.Error()))
		return
	}
	identityCount, err := s.ledger.IdentityCount(ctx, ep, req.Identity)
	if err != nil {
		httputil.WriteError(w, r, svcerr.Internal(err.Error()))
		return
	}

	remaining := policy.MaxClaims - walletCount
	if identityRemaining := policy.MaxClaims - identityCount; identityRemaining < remaining {
		remaining = identityRemaining
	}
	if remaining <= 0 {
		httputil.WriteError(w, r, svcerr.CapacityExceeded("wallet"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"eligible":         true,
		"epoch_id":         ep.ID,
		"epoch_expires_at": ep.ExpiresAt,
		"remaining_claims": remaining,
		"reward_amount":    policy.RewardAmount,
	})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	ctx := logging.WithIdentity(r.Context(), req.Identity)

	res, err := s.reservations.Reserve(ctx, req.Identity, req.Wallet)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if req.Identity == "" || req.Wallet == "" || req.ReservationID == "" {
		httputil.WriteError(w, r, svcerr.InvalidRequest("identity, wallet and reservation_id are required"))
		return
	}
	ctx := logging.WithIdentity(r.Context(), req.Identity)

	receipt, err := s.executor.Redeem(ctx, req.Identity, req.Wallet, req.ReservationID, req.ExternalTxRef)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]

	records, err := s.records.ListClaimRecords(r.Context(), identity)
	if err != nil {
		httputil.WriteError(w, r, svcerr.Internal(err.Error()))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"identity": identity,
		"claims":   records,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	policy := s.policies.Current()

	ep, err := s.epochs.Current(r.Context())
	if err != nil {
		httputil.WriteError(w, r, svcerr.Internal(fmt.Sprintf("resolve epoch: %v", err)))
		return
	}

	active, err := s.reservations.ActiveCount(r.Context())
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Warn("active reservation count failed")
		active = -1
	}

	status := map[string]interface{}{
		"claims_enabled":      !policy.Disabled,
		"epoch_id":            ep.ID,
		"epoch_expires_at":    ep.ExpiresAt,
		"reward_amount":       policy.RewardAmount,
		"max_claims":          policy.MaxClaims,
		"active_reservations": active,
	}

	if wallet := r.URL.Query().Get("wallet"); wallet != "" {
		count, err := s.ledger.WalletCount(r.Context(), ep, wallet)
		if err != nil {
			httputil.WriteError(w, r, svcerr.Internal(err.Error()))
			return
		}
		remaining := policy.MaxClaims - count
		if remaining < 0 {
			remaining = 0
		}
		status["wallet"] = wallet
		status["remaining_wallet_claims"] = remaining
	}

	httputil.WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"store":  err.Error(),
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type killSwitchRequest struct {
	Disabled bool `json:"disabled"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	s.policies.SetDisabled(req.Disabled)
	s.log.WithContext(r.Context()).WithFields(map[string]interface{}{
		"disabled": req.Disabled,
		"admin":    adminSubject(r),
	}).Warn("kill switch updated")

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"disabled": req.Disabled})
}

type blocklistRequest struct {
	Identity string `json:"identity"`
	Blocked  bool   `json:"blocked"`
}

func (s *Server) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	var req blocklistRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if req.Identity == "" {
		httputil.WriteError(w, r, svcerr.InvalidRequest("identity is required"))
		return
	}

	var err error
	if req.Blocked {
		err = s.guard.Block(r.Context(), req.Identity)
	} else {
		err = s.guard.Unblock(r.Context(), req.Identity)
	}
	if err != nil {
		httputil.WriteError(w, r, svcerr.Internal(err.Error()))
		return
	}

	s.log.WithContext(r.Context()).WithFields(map[string]interface{}{
		"identity": req.Identity,
		"blocked":  req.Blocked,
		"admin":    adminSubject(r),
	}).Info("blocklist updated")

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"identity": req.Identity,
		"blocked":  req.Blocked,
	})
}

type rotateEpochRequest struct {
	EpochID string `json:"epoch_id"`
}

func (s *Server) handleRotateEpoch(w http.ResponseWriter, r *http.Request) {
	var req rotateEpochRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if req.EpochID == "" {
		httputil.WriteError(w, r, svcerr.InvalidRequest("epoch_id is required"))
		return
	}

	ep, err := s.epochs.Publish(r.Context(), req.EpochID)
	if err != nil {
		httputil.WriteError(w, r, svcerr.InvalidRequest(err.Error()))
		return
	}

	s.log.WithContext(r.Context()).WithFields(map[string]interface{}{
		"epoch_id": ep.ID,
		"admin":    adminSubject(r),
	}).Info("epoch rotated by admin")

	httputil.WriteJSON(w, http.StatusOK, ep)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.policies.Current())
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy config.ClaimPolicy
	if err := httputil.DecodeJSON(r, &policy); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if policy.MaxClaims < 1 {
		httputil.WriteError(w, r, svcerr.InvalidRequest("max_claims must be >= 1"))
		return
	}
	if policy.RewardAmount <= 0 {
		httputil.WriteError(w, r, svcerr.InvalidRequest("reward_amount must be positive"))
		return
	}
	if policy.ReservationTTL <= 0 {
		policy.ReservationTTL = config.Duration(120 * time.Second)
	}
	if policy.LockTTL <= 0 {
		policy.LockTTL = config.Duration(30 * time.Second)
	}

	s.policies.Update(policy)
	s.log.WithContext(r.Context()).WithFields(map[string]interface{}{
		"max_claims":    policy.MaxClaims,
		"reward_amount": policy.RewardAmount,
		"admin":         adminSubject(r),
	}).Warn("claim policy updated")

	httputil.WriteJSON(w, http.StatusOK, policy)
}

func adminSubject(r *http.Request) string {
	return middleware.AdminSubject(r.Context())
}

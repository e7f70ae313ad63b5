// Package httpapi exposes the claim protocol over HTTP.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropvault/dropclaim/internal/claim"
	"github.com/dropvault/dropclaim/internal/config"
	"github.com/dropvault/dropclaim/internal/eligibility"
	"github.com/dropvault/dropclaim/internal/epoch"
	"github.com/dropvault/dropclaim/internal/kv"
	"github.com/dropvault/dropclaim/internal/logging"
	"github.com/dropvault/dropclaim/internal/metrics"
	"github.com/dropvault/dropclaim/internal/middleware"
	"github.com/dropvault/dropclaim/internal/redeem"
	"github.com/dropvault/dropclaim/internal/reserve"
	"github.com/dropvault/dropclaim/internal/storage"
)

// Server holds the handler dependencies.
type Server struct {
	store        kv.Store
	guard        *eligibility.Guard
	ledger       *claim.Ledger
	reservations *reserve.Service
	executor     *redeem.Executor
	records      storage.RecordStore
	epochs       *epoch.Manager
	policies     *config.PolicyProvider
	metrics      *metrics.Metrics
	log          *logging.Logger
}

// Options configures the router.
type Options struct {
	AdminJWTSecret string
	RateLimitRPS   int
	RateLimitBurst int
}

// NewServer creates the API server.
func NewServer(
	store kv.Store,
	guard *eligibility.Guard,
	ledger *claim.Ledger,
	reservations *reserve.Service,
	executor *redeem.Executor,
	records storage.RecordStore,
	epochs *epoch.Manager,
	policies *config.PolicyProvider,
	m *metrics.Metrics,
	log *logging.Logger,
) *Server {
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	return &Server{
		store:        store,
		guard:        guard,
		ledger:       ledger,
		reservations: reservations,
		executor:     executor,
		records:      records,
		epochs:       epochs,
		policies:     policies,
		metrics:      m,
		log:          log,
	}
}

// Router builds the HTTP routes with middleware applied.
func (s *Server) Router(opts Options) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Tracing())
	r.Use(middleware.Logging(s.log))
	if s.metrics != nil {
		r.Use(middleware.Metrics(s.metrics))
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	if opts.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, s.log)
		api.Use(limiter.Handler)
	}
	api.HandleFunc("/preflight", s.handlePreflight).Methods(http.MethodPost)
	api.HandleFunc("/reserve", s.handleReserve).Methods(http.MethodPost)
	api.HandleFunc("/redeem", s.handleRedeem).Methods(http.MethodPost)
	api.HandleFunc("/claims/{identity}", s.handleListClaims).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	auth := middleware.NewAdminAuth(opts.AdminJWTSecret, s.log)
	admin.Use(auth.Handler)
	admin.HandleFunc("/killswitch", s.handleKillSwitch).Methods(http.MethodPost)
	admin.HandleFunc("/blocklist", s.handleBlocklist).Methods(http.MethodPost)
	admin.HandleFunc("/epoch", s.handleRotateEpoch).Methods(http.MethodPost)
	admin.HandleFunc("/policy", s.handleGetPolicy).Methods(http.MethodGet)
	admin.HandleFunc("/policy", s.handleUpdatePolicy).Methods(http.MethodPut)

	return r
}

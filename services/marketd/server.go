package marketd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/ReignProtocol/ReignProtocol/chain"
	"github.com/ReignProtocol/ReignProtocol/connectors"
	"github.com/ReignProtocol/ReignProtocol/loanform"
	"github.com/ReignProtocol/ReignProtocol/services/marketd/middleware"
	"github.com/ReignProtocol/ReignProtocol/ui/stepper"
	"github.com/ReignProtocol/ReignProtocol/wallet"
)

const maxBodyBytes = 1 << 20

// Connectors is the subset of *connectors.Service the API exposes.
type Connectors interface {
	CreateOpportunity(ctx context.Context, form *connectors.OpportunityForm) (common.Hash, error)
	VoteOpportunity(ctx context.Context, id string, vote uint8) (common.Hash, error)
	OpportunityAt(ctx context.Context, id string) (*connectors.Opportunity, error)
	OpportunitiesOf(ctx context.Context) ([]*connectors.Opportunity, error)
	UnderReviewOpportunities(ctx context.Context) ([]*connectors.Opportunity, error)
	DrawdownOpportunities(ctx context.Context) ([]*connectors.Opportunity, error)
	OpportunitiesWithDues(ctx context.Context) ([]*connectors.Opportunity, error)
	ActiveOpportunities(ctx context.Context) ([]*connectors.Opportunity, error)
	WithdrawableOpportunities(ctx context.Context) ([]*connectors.Opportunity, error)
	UnderwriterOpportunities(ctx context.Context) ([]*connectors.Opportunity, error)
	OpportunityName(ctx context.Context, poolAddress string) (string, error)
	UserWalletAddress(ctx context.Context) (common.Address, error)
	WalletBalance(ctx context.Context, address string) (string, error)
	RequestAccount(ctx context.Context, preferred wallet.Kind) (common.Address, error)
	IsConnected(ctx context.Context) error
	GasPrice(ctx context.Context) (string, error)
}

// Drafts is the loan application workflow, satisfied by *loanform.Service.
type Drafts interface {
	Create(ctx context.Context, borrower string) (*loanform.Draft, error)
	Get(ctx context.Context, id uuid.UUID) (*loanform.Draft, error)
	Advance(ctx context.Context, id uuid.UUID, fields loanform.Fields) (*loanform.Draft, error)
	Back(ctx context.Context, id uuid.UUID) (*loanform.Draft, error)
	Submit(ctx context.Context, id uuid.UUID) (*loanform.Draft, error)
	Stepper(d *loanform.Draft) []stepper.Step
}

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Connectors     Connectors
	Drafts         Drafts
	Network        chain.Network
	Logger         *slog.Logger
	Authenticator  *middleware.Authenticator
	RateLimiter    *middleware.RateLimiter
	Observability  *middleware.Observability
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Server serves the marketplace API.
type Server struct {
	connectors Connectors
	drafts     Drafts
	network    chain.Network
	logger     *slog.Logger
	auth       *middleware.Authenticator
	limiter    *middleware.RateLimiter
	obs        *middleware.Observability
	origins    []string
	timeout    time.Duration

	router http.Handler
}

const (
	limitRead  = "read"
	limitWrite = "write"
)

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Connectors == nil {
		return nil, errors.New("connectors required")
	}
	if cfg.Drafts == nil {
		return nil, errors.New("drafts required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	srv := &Server{
		connectors: cfg.Connectors,
		drafts:     cfg.Drafts,
		network:    cfg.Network,
		logger:     cfg.Logger,
		auth:       cfg.Authenticator,
		limiter:    cfg.RateLimiter,
		obs:        cfg.Observability,
		origins:    cfg.CORSOrigins,
		timeout:    cfg.RequestTimeout,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))
	if s.obs != nil {
		r.Use(s.obs.Middleware)
		r.Handle("/metrics", s.obs.MetricsHandler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusOK, connectors.OK())
	})

	r.Route("/v1", func(api chi.Router) {
		if s.timeout > 0 {
			api.Use(chimw.Timeout(s.timeout))
		}
		api.Group(func(read chi.Router) {
			read.Use(s.rateLimit(limitRead))
			read.Get("/opportunities/mine", s.list(s.connectors.OpportunitiesOf))
			read.Get("/opportunities/under-review", s.list(s.connectors.UnderReviewOpportunities))
			read.Get("/opportunities/drawdown", s.list(s.connectors.DrawdownOpportunities))
			read.Get("/opportunities/dues", s.list(s.connectors.OpportunitiesWithDues))
			read.Get("/opportunities/active", s.list(s.connectors.ActiveOpportunities))
			read.Get("/opportunities/withdrawable", s.list(s.connectors.WithdrawableOpportunities))
			read.Get("/opportunities/underwriter", s.list(s.connectors.UnderwriterOpportunities))
			read.Get("/opportunities/{id}", s.getOpportunity)
			read.Get("/pools/{address}/name", s.poolName)
			read.Get("/wallet/address", s.walletAddress)
			read.Get("/wallet/balance", s.walletBalance)
			read.Get("/wallet/status", s.walletStatus)
			read.Get("/network/gas-price", s.gasPrice)
			read.Get("/loan-drafts/{id}", s.getDraft)
		})
		api.Group(func(write chi.Router) {
			write.Use(s.rateLimit(limitWrite))
			write.With(s.requireScopes(middleware.ScopeUnderwriter)).Post("/opportunities/{id}/vote", s.voteOpportunity)
			write.With(s.requireScopes(middleware.ScopeOperator)).Post("/wallet/connect", s.connectWallet)
			borrower := write.With(s.requireScopes(middleware.ScopeBorrower))
			borrower.Post("/opportunities", s.createOpportunity)
			borrower.Post("/loan-drafts", s.createDraft)
			borrower.Post("/loan-drafts/{id}/advance", s.advanceDraft)
			borrower.Post("/loan-drafts/{id}/back", s.backDraft)
			borrower.Post("/loan-drafts/{id}/submit", s.submitDraft)
		})
	})
	return r
}

func (s *Server) rateLimit(key string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return passThrough
	}
	return s.limiter.Middleware(key)
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	if s.auth == nil {
		return passThrough
	}
	return s.auth.Middleware(scopes...)
}

func passThrough(next http.Handler) http.Handler { return next }

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return &badRequest{err: err}
	}
	return nil
}

func writeResult(w http.ResponseWriter, status int, result connectors.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	result := connectors.Fail(err)
	var verr *loanform.ValidationError
	if errors.As(err, &verr) {
		result = result.With("problems", verr.Problems)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeResult(w, status, result)
}

var (
	errEmptyBody    = errors.New("request body required")
	errForeignDraft = errors.New("draft belongs to another borrower")
)

type badRequest struct{ err error }

func (b *badRequest) Error() string { return b.err.Error() }
func (b *badRequest) Unwrap() error { return b.err }

func statusFor(err error) int {
	var bad *badRequest
	switch {
	case errors.As(err, &bad),
		errors.Is(err, errEmptyBody),
		errors.Is(err, connectors.ErrEmptyForm),
		errors.Is(err, connectors.ErrNilOpportunity),
		errors.Is(err, connectors.ErrInvalidOpportunityID),
		errors.Is(err, connectors.ErrInvalidForm),
		errors.Is(err, loanform.ErrValidation),
		errors.Is(err, wallet.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, errForeignDraft):
		return http.StatusForbidden
	case errors.Is(err, loanform.ErrDraftNotFound):
		return http.StatusNotFound
	case errors.Is(err, loanform.ErrAlreadySubmitted),
		errors.Is(err, loanform.ErrFirstStep),
		errors.Is(err, loanform.ErrLastStep),
		errors.Is(err, loanform.ErrNotAtReview):
		return http.StatusConflict
	case errors.Is(err, wallet.ErrNoWallet),
		errors.Is(err, wallet.ErrNoAccounts),
		errors.Is(err, wallet.ErrNotAuthorized),
		errors.Is(err, wallet.ErrUnknownAccount),
		errors.Is(err, connectors.ErrWalletNotInstalled),
		errors.Is(err, connectors.ErrWalletNotConnected):
		return http.StatusPreconditionFailed
	case errors.Is(err, chain.ErrReverted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Package connectors implements the marketplace operations the frontend and
// the CLI call: reading and filtering loan opportunities, submitting and voting
// on them, and the wallet and network plumbing around those calls.
//
// Every operation is a single request/response exchange with the chain. Reads
// fan out with bounded concurrency and keep the order the contracts report.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ReignProtocol/ReignProtocol/observability/metrics"
	"github.com/ReignProtocol/ReignProtocol/units"
	"github.com/ReignProtocol/ReignProtocol/wallet"
)

const (
	defaultConcurrency   = 8
	defaultPoolNameCache = 256
)

// Option customises a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.ConnectorMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithConcurrency bounds the number of in-flight contract reads per operation.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithConfirmations sets how many blocks a transaction must be buried under
// before a write operation returns.
func WithConfirmations(n uint64) Option {
	return func(s *Service) { s.confirmations = n }
}

// WithCallTimeout bounds read operations. Zero disables the deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.callTimeout = d
		}
	}
}

// WithPoolNameCache sizes the pool name memo.
func WithPoolNameCache(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.poolNameCache = size
		}
	}
}

// WithPreferredWallet picks the wallet kind used when several are configured.
func WithPreferredWallet(kind wallet.Kind) Option {
	return func(s *Service) { s.preferred = kind }
}

// WithClock overrides time.Now for overdue checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service runs connector operations against the configured contracts.
type Service struct {
	chain    Chain
	bindings Bindings
	wallets  []wallet.Wallet

	logger        *slog.Logger
	metrics       *metrics.ConnectorMetrics
	tracer        trace.Tracer
	concurrency   int
	confirmations uint64
	callTimeout   time.Duration
	poolNameCache int
	preferred     wallet.Kind
	now           func() time.Time

	poolNames *lru.Cache[common.Address, string]

	mu     sync.RWMutex
	active wallet.Wallet
}

// New builds a Service. wallets may be empty, in which case every operation
// that needs an account fails with wallet.ErrNoWallet.
func New(c Chain, bindings Bindings, wallets []wallet.Wallet, opts ...Option) (*Service, error) {
	if c == nil {
		return nil, errors.New("connectors: chain provider required")
	}
	if bindings == nil {
		return nil, errors.New("connectors: contract bindings required")
	}
	s := &Service{
		chain:         c,
		bindings:      bindings,
		wallets:       wallets,
		logger:        slog.Default(),
		tracer:        otel.Tracer("github.com/ReignProtocol/ReignProtocol/connectors"),
		concurrency:   defaultConcurrency,
		confirmations: 1,
		poolNameCache: defaultPoolNameCache,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New[common.Address, string](s.poolNameCache)
	if err != nil {
		return nil, fmt.Errorf("connectors: pool name cache: %w", err)
	}
	s.poolNames = cache
	return s, nil
}

// ConvertDate formats an epoch in seconds as DD/MM/YYYY.
func ConvertDate(epochSeconds int64) string {
	return units.ConvertDate(epochSeconds)
}

// observe wraps an operation with its log line, span and metrics. A positive
// timeout bounds the operation.
func (s *Service) observe(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	s.logger.InfoContext(ctx, "connector call", slog.String("op", op))
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "connectors."+op, trace.WithAttributes(attribute.String("connector.op", op)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	s.metrics.ObserveCall(op, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Message(err))
		s.logger.ErrorContext(ctx, "connector call failed", slog.String("op", op), slog.Any("error", err))
	}
	return err
}

func callOpts(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{Context: ctx}
}

func (s *Service) chainID() *big.Int {
	return new(big.Int).SetUint64(s.chain.TargetChainID())
}

// currentWallet returns the wallet picked by the last RequestAccount call or
// the preferred configured one.
func (s *Service) currentWallet() (wallet.Wallet, error) {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active != nil {
		return active, nil
	}
	return wallet.Select(s.wallets, s.preferred)
}

// requestAccount switches to the target chain and asks the wallet for access.
func (s *Service) requestAccount(ctx context.Context) (wallet.Wallet, common.Address, error) {
	w, err := s.currentWallet()
	if err != nil {
		return nil, common.Address{}, err
	}
	if err := s.chain.EnsureChain(ctx); err != nil {
		return nil, common.Address{}, fmt.Errorf("switch chain: %w", err)
	}
	addr, err := w.RequestAccounts(ctx)
	if err != nil {
		return nil, common.Address{}, err
	}
	return w, addr, nil
}

// ethAddress asks the wallet for access without touching the network.
func (s *Service) ethAddress(ctx context.Context) (common.Address, error) {
	w, err := s.currentWallet()
	if err != nil {
		return common.Address{}, err
	}
	return w.RequestAccounts(ctx)
}

func (s *Service) manager(ctx context.Context) (Manager, error) {
	backend, err := s.chain.Backend(ctx)
	if err != nil {
		return nil, err
	}
	return s.bindings.Manager(backend)
}

func (s *Service) pool(ctx context.Context, address common.Address) (Pool, error) {
	backend, err := s.chain.Backend(ctx)
	if err != nil {
		return nil, err
	}
	return s.bindings.Pool(backend, address)
}

// fetchOrdered runs fn for every index in [0, n) with at most limit calls in
// flight and returns the results in index order. The first error cancels the
// remaining calls.
func fetchOrdered[T any](ctx context.Context, limit, n int, fn func(ctx context.Context, i int) (T, error)) ([]T, error) {
	out := make([]T, n)
	if n == 0 {
		return out, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			v, err := fn(gctx, i)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// compact drops the nil entries left by filtered enrichment steps.
func compact(in []*Opportunity) []*Opportunity {
	out := make([]*Opportunity, 0, len(in))
	for _, op := range in {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

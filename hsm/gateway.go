package hsm

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/digitorus/sigtrust/certstore"
	"github.com/digitorus/sigtrust/metrics"
	"github.com/digitorus/sigtrust/revocation"
)

const (
	DefaultSignTimeout = 30 * time.Second
)

// TSA configures the RFC 3161 time stamping authority.
type TSA struct {
	URL      string
	Username string
	Password string
}

// Options configures a Gateway.
type Options struct {
	// DigestAlgorithm computes the document digest recorded on every
	// CMSSignature. Defaults to SHA-256.
	DigestAlgorithm crypto.Hash
	// SignTimeout bounds a single provider call.
	SignTimeout time.Duration
	// MaxRetries is the number of additional attempts after a retryable
	// provider failure.
	MaxRetries int

	// Store supplies chain context and validates signer chains. A store
	// with default settings is created when nil.
	Store *certstore.Store

	TSA TSA
	// EmbedRevocation adds the signer's OCSP response or CRL as a signed
	// attribute. Requires Revocation.
	EmbedRevocation bool
	Revocation      revocation.Checker

	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Gateway routes signing requests to registered providers.
type Gateway struct {
	mu        sync.RWMutex
	providers map[ProviderType]Provider
	// stale marks providers whose last call timed out; they are
	// reinitialized before the next use when a config is at hand.
	stale map[ProviderType]bool

	digest      crypto.Hash
	signTimeout time.Duration
	maxRetries  int
	store       *certstore.Store
	tsa         TSA
	embedRev    bool
	revocation  revocation.Checker
	httpClient  *http.Client
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewGateway(opts Options) *Gateway {
	if !opts.DigestAlgorithm.Available() {
		opts.DigestAlgorithm = crypto.SHA256
	}
	if opts.SignTimeout <= 0 {
		opts.SignTimeout = DefaultSignTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = certstore.New(certstore.Options{Logger: logger, Metrics: opts.Metrics})
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: revocation.DefaultTimeout}
	}
	return &Gateway{
		providers:   make(map[ProviderType]Provider),
		stale:       make(map[ProviderType]bool),
		digest:      opts.DigestAlgorithm,
		signTimeout: opts.SignTimeout,
		maxRetries:  opts.MaxRetries,
		store:       store,
		tsa:         opts.TSA,
		embedRev:    opts.EmbedRevocation && opts.Revocation != nil,
		revocation:  opts.Revocation,
		httpClient:  client,
		logger:      logger.With(zap.String("component", "hsm")),
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// Store returns the certificate store used for chain building.
func (g *Gateway) Store() *certstore.Store {
	return g.store
}

// DigestAlgorithm returns the document digest algorithm.
func (g *Gateway) DigestAlgorithm() crypto.Hash {
	return g.digest
}

// RegisterProvider installs p for t, replacing any previous provider.
func (g *Gateway) RegisterProvider(t ProviderType, p Provider) error {
	if !t.Valid() {
		return &Error{Code: InvalidProviderType, Provider: t}
	}
	if p == nil {
		return &Error{Code: InvalidRequest, Provider: t, Err: errors.New("provider is nil")}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[t] = p
	delete(g.stale, t)
	return nil
}

// GetProvider returns the provider registered for t.
func (g *Gateway) GetProvider(t ProviderType) (Provider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[t]
	if !ok {
		return nil, &Error{Code: ProviderNotRegistered, Provider: t}
	}
	return p, nil
}

// Providers returns the registered provider types in a stable order.
func (g *Gateway) Providers() []ProviderType {
	g.mu.RLock()
	defer g.mu.RUnlock()
	types := make([]ProviderType, 0, len(g.providers))
	for t := range g.providers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (g *Gateway) markStale(t ProviderType) {
	g.mu.Lock()
	g.stale[t] = true
	g.mu.Unlock()
}

func (g *Gateway) takeStale(t ProviderType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stale[t]
	delete(g.stale, t)
	return s
}

// InitializeAllProviders initializes every configured provider
// concurrently. A failing provider does not stop the others; all failures
// are returned joined as ConnectionErrors.
func (g *Gateway) InitializeAllProviders(ctx context.Context, configs map[ProviderType]ProviderConfig) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var eg errgroup.Group
	for t, cfg := range configs {
		eg.Go(func() error {
			p, err := g.GetProvider(t)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			if err := g.initialize(ctx, t, p, cfg); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

func (g *Gateway) initialize(ctx context.Context, t ProviderType, p Provider, cfg ProviderConfig) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := p.Initialize(ctx, cfg); err != nil {
		g.logger.Warn("provider initialization failed", zap.Stringer("provider", t), zap.Error(err))
		return &ConnectionError{Provider: t, Err: err}
	}
	g.logger.Info("provider initialized", zap.Stringer("provider", t))
	return nil
}

// TestAllConnections tests every registered provider concurrently.
func (g *Gateway) TestAllConnections(ctx context.Context) map[ProviderType]bool {
	types := g.Providers()
	results := make(map[ProviderType]bool, len(types))
	var mu sync.Mutex
	var eg errgroup.Group
	for _, t := range types {
		eg.Go(func() error {
			p, err := g.GetProvider(t)
			ok := false
			if err == nil {
				ok, err = g.testConnection(ctx, p)
			}
			if err != nil {
				g.logger.Warn("provider connection test failed", zap.Stringer("provider", t), zap.Error(err))
			}
			mu.Lock()
			results[t] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (g *Gateway) testConnection(ctx context.Context, p Provider) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.signTimeout)
	defer cancel()
	return p.TestConnection(ctx)
}

// CloseAllConnections closes every registered provider and returns the
// joined close errors.
func (g *Gateway) CloseAllConnections() error {
	var errs []error
	for _, t := range g.Providers() {
		p, err := g.GetProvider(t)
		if err != nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

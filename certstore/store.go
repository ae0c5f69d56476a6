// Package certstore parses, caches and validates X.509 certificates.
//
// A Store keeps three collections: a bounded cache of certificates with a
// TTL, and the long-lived trusted root and intermediate sets which survive
// ClearCache. Chains are built by resolving issuers against roots, then
// intermediates, then the cache.
package certstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digitorus/sigtrust/metrics"
	"github.com/digitorus/sigtrust/revocation"
)

const (
	DefaultMaxSize = 1000
	DefaultTTL     = 24 * time.Hour

	// MaxChainDepth bounds chain building independently of the cycle guard.
	MaxChainDepth = 10
)

var (
	ErrNoCertificates = errors.New("no certificates supplied")
	ErrRevocationOff  = errors.New("revocation checking is not configured")
	ErrIssuerNotFound = errors.New("issuer certificate not found")
)

// Source records how a certificate entered the store.
type Source string

const (
	SourceUploaded     Source = "uploaded"
	SourceChain        Source = "chain"
	SourceTrustedRoot  Source = "trusted-root"
	SourceIntermediate Source = "intermediate"
)

type Metadata struct {
	Source  Source
	AddedAt time.Time
}

// CacheEntry is replaced as a whole on every change and never mutated once
// published, so readers may hold on to it.
type CacheEntry struct {
	Certificate   *Certificate
	Metadata      Metadata
	CachedAt      time.Time
	LastValidated time.Time
	Verdict       *ChainValidationResult

	seq uint64
}

// Options configures a Store.
type Options struct {
	MaxSize int
	TTL     time.Duration
	// Checker performs revocation checks. When nil an HTTP checker with
	// default settings is used.
	Checker           revocation.Checker
	DisableRevocation bool
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

type Store struct {
	mu            sync.RWMutex
	entries       map[string]*CacheEntry
	roots         map[string]*Certificate
	intermediates map[string]*Certificate
	seq           uint64

	maxSize           int
	ttl               time.Duration
	checker           revocation.Checker
	disableRevocation bool
	logger            *zap.Logger
	metrics           *metrics.Metrics
	now               func() time.Time
}

func New(opts Options) *Store {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checker := opts.Checker
	if checker == nil {
		checker = revocation.NewHTTPChecker(revocation.Options{Logger: logger, Metrics: opts.Metrics})
	}
	return &Store{
		entries:           make(map[string]*CacheEntry),
		roots:             make(map[string]*Certificate),
		intermediates:     make(map[string]*Certificate),
		maxSize:           opts.MaxSize,
		ttl:               opts.TTL,
		checker:           checker,
		disableRevocation: opts.DisableRevocation,
		logger:            logger.With(zap.String("component", "certstore")),
		metrics:           opts.Metrics,
		now:               time.Now,
	}
}

// Store caches cert, evicting the oldest tenth of the cache first when it is
// full. Storing a certificate that is already cached refreshes its entry.
func (s *Store) Store(cert *Certificate, md Metadata) {
	now := s.now()
	if md.AddedAt.IsZero() {
		md.AddedAt = now
	}
	if md.Source == "" {
		md.Source = SourceUploaded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[cert.Fingerprint]; !exists && len(s.entries) >= s.maxSize {
		s.evictLocked()
	}
	s.seq++
	s.entries[cert.Fingerprint] = &CacheEntry{
		Certificate: cert,
		Metadata:    md,
		CachedAt:    now,
		seq:         s.seq,
	}
	s.metrics.CacheSize(len(s.entries))
}

// evictLocked removes the oldest 10% (at least one) of the cache by
// cached-at time. The caller holds the write lock.
func (s *Store) evictLocked() {
	snapshot := make([]*CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].CachedAt.Equal(snapshot[j].CachedAt) {
			return snapshot[i].seq < snapshot[j].seq
		}
		return snapshot[i].CachedAt.Before(snapshot[j].CachedAt)
	})

	n := (len(snapshot) + 9) / 10
	// Keep the newest entry unless it is the only one.
	if n >= len(snapshot) && len(snapshot) > 1 {
		n = len(snapshot) - 1
	}
	for _, e := range snapshot[:n] {
		delete(s.entries, e.Certificate.Fingerprint)
	}
	s.metrics.CacheEvicted(n)
	s.logger.Debug("evicted certificates", zap.Int("count", n), zap.Int("remaining", len(s.entries)))
}

// Get returns the cached certificate or nil on miss. Expired entries are
// removed on read.
func (s *Store) Get(fingerprint string) *Certificate {
	e := s.entry(fingerprint)
	if e == nil {
		return nil
	}
	return e.Certificate
}

// Entry returns the cache entry for fingerprint.
func (s *Store) Entry(fingerprint string) (*CacheEntry, bool) {
	e := s.entry(fingerprint)
	return e, e != nil
}

func (s *Store) entry(fingerprint string) *CacheEntry {
	s.mu.RLock()
	e, ok := s.entries[fingerprint]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if s.now().Sub(e.CachedAt) > s.ttl {
		s.mu.Lock()
		if cur, ok := s.entries[fingerprint]; ok && cur == e {
			delete(s.entries, fingerprint)
			s.metrics.CacheEvicted(1)
			s.metrics.CacheSize(len(s.entries))
		}
		s.mu.Unlock()
		return nil
	}
	return e
}

// Remove deletes a cached certificate and reports whether it was present.
func (s *Store) Remove(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[fingerprint]
	delete(s.entries, fingerprint)
	s.metrics.CacheSize(len(s.entries))
	return ok
}

// ClearCache empties the cache. Trusted roots and intermediates are kept.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*CacheEntry)
	s.metrics.CacheSize(0)
}

// Len returns the number of cached certificates, including expired entries
// not yet evicted.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) AddTrustedRoot(cert *Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[cert.Fingerprint] = cert
}

func (s *Store) AddIntermediate(cert *Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intermediates[cert.Fingerprint] = cert
}

// AddTrustedRootsPEM adds every certificate of a PEM bundle as trusted root.
func (s *Store) AddTrustedRootsPEM(data []byte) (int, error) {
	certs, err := ParseCertificates(data)
	if err != nil {
		return 0, err
	}
	for _, c := range certs {
		s.AddTrustedRoot(c)
	}
	return len(certs), nil
}

// AddIntermediatesPEM adds every certificate of a PEM bundle as intermediate.
func (s *Store) AddIntermediatesPEM(data []byte) (int, error) {
	certs, err := ParseCertificates(data)
	if err != nil {
		return 0, err
	}
	for _, c := range certs {
		s.AddIntermediate(c)
	}
	return len(certs), nil
}

// IsTrustedRoot reports whether fingerprint belongs to a trusted root.
func (s *Store) IsTrustedRoot(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.roots[fingerprint]
	return ok
}

// TrustedRoots returns the trusted roots ordered by subject.
func (s *Store) TrustedRoots() []*Certificate {
	s.mu.RLock()
	roots := make([]*Certificate, 0, len(s.roots))
	for _, c := range s.roots {
		roots = append(roots, c)
	}
	s.mu.RUnlock()
	sort.Slice(roots, func(i, j int) bool { return roots[i].Subject < roots[j].Subject })
	return roots
}

// CheckRevocationStatus resolves the issuer of cert and asks the revocation
// checker for its status.
func (s *Store) CheckRevocationStatus(ctx context.Context, cert *Certificate) (*revocation.Status, error) {
	if s.checker == nil {
		return nil, ErrRevocationOff
	}
	issuer := s.findIssuer(cert)
	if issuer == nil {
		return nil, fmt.Errorf("revocation status of %s: %w", cert.Subject, ErrIssuerNotFound)
	}
	return s.checkRevocation(ctx, cert, issuer)
}

func (s *Store) checkRevocation(ctx context.Context, cert, issuer *Certificate) (*revocation.Status, error) {
	status, err := s.checker.Check(ctx, cert.X509(), issuer.X509())
	if err != nil {
		return nil, fmt.Errorf("revocation status of %s: %w", cert.Subject, err)
	}
	return status, nil
}

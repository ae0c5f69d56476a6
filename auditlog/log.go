package auditlog

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digitorus/sigtrust/metrics"
)

// Log appends events to per signature trails held in a Store. Appends to
// the same signature are serialized; different signatures proceed in
// parallel.
type Log struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	random  io.Reader

	mu    sync.Mutex
	locks map[string]*trailLock
}

type trailLock struct {
	mu   sync.Mutex
	refs int
}

// NewLog returns a Log over store. A nil store keeps events in memory.
func NewLog(store Store, logger *zap.Logger, m *metrics.Metrics) *Log {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		store:   store,
		logger:  logger.With(zap.String("component", "auditlog")),
		metrics: m,
		now:     time.Now,
		random:  rand.Reader,
		locks:   make(map[string]*trailLock),
	}
}

func (l *Log) lock(signatureID string) func() {
	l.mu.Lock()
	tl, ok := l.locks[signatureID]
	if !ok {
		tl = &trailLock{}
		l.locks[signatureID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		if tl.refs--; tl.refs == 0 {
			delete(l.locks, signatureID)
		}
		l.mu.Unlock()
	}
}

// Append seals in as the next event of the signature's trail and stores
// it. The event becomes visible only once fully built and stored.
func (l *Log) Append(ctx context.Context, signatureID string, in Input) (*Event, error) {
	if signatureID == "" {
		return nil, errors.New("auditlog: signature id is required")
	}
	unlock := l.lock(signatureID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	head, err := l.store.Head(ctx, signatureID)
	if err != nil {
		return nil, err
	}
	e, err := seal(signatureID, in, head, l.now(), l.random)
	if err != nil {
		return nil, err
	}
	if err := l.store.Append(ctx, &e); err != nil {
		return nil, fmt.Errorf("auditlog: append to %s: %w", signatureID, err)
	}

	l.metrics.AuditEvent(string(e.Type))
	l.logger.Debug("audit event appended",
		zap.String("signature_id", signatureID),
		zap.String("type", string(e.Type)),
		zap.Uint64("sequence", e.Sequence),
		zap.String("hash", e.Hash))
	return &e, nil
}

// Trail returns the stored trail of signatureID in order.
func (l *Log) Trail(ctx context.Context, signatureID string) ([]Event, error) {
	return l.store.Load(ctx, signatureID)
}

// Verify loads and verifies the trail of signatureID.
func (l *Log) Verify(ctx context.Context, signatureID string) error {
	trail, err := l.store.Load(ctx, signatureID)
	if err != nil {
		return err
	}
	if err := Verify(trail); err != nil {
		l.logger.Warn("audit trail verification failed",
			zap.String("signature_id", signatureID), zap.Error(err))
		return err
	}
	return nil
}

func (l *Log) Close() error {
	return l.store.Close()
}

package certstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitorus/sigtrust/internal/testpki"
)

// fakeClock is advanced manually by tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestStore(t *testing.T, opts Options) (*Store, *fakeClock) {
	t.Helper()
	opts.DisableRevocation = true
	s := New(opts)
	clock := &fakeClock{t: time.Now()}
	s.now = clock.now
	return s, clock
}

func selfSigned(t *testing.T, cn string) *Certificate {
	t.Helper()
	_, cert := testpki.SelfSigned(t, cn, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	c, err := FromX509(cert)
	require.NoError(t, err)
	return c
}

func TestStoreGetRemove(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	c := selfSigned(t, "Cached")

	assert.Nil(t, s.Get(c.Fingerprint))
	s.Store(c, Metadata{})
	assert.Same(t, c, s.Get(c.Fingerprint))

	e, ok := s.Entry(c.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, SourceUploaded, e.Metadata.Source)
	assert.False(t, e.Metadata.AddedAt.IsZero())

	assert.True(t, s.Remove(c.Fingerprint))
	assert.False(t, s.Remove(c.Fingerprint))
	assert.Nil(t, s.Get(c.Fingerprint))
}

func TestStoreTTL(t *testing.T) {
	s, clock := newTestStore(t, Options{TTL: time.Minute})
	c := selfSigned(t, "Expiring")
	s.Store(c, Metadata{Source: SourceChain})

	clock.t = clock.t.Add(59 * time.Second)
	assert.NotNil(t, s.Get(c.Fingerprint))
	assert.Equal(t, 1, s.Len())

	clock.t = clock.t.Add(2 * time.Second)
	assert.Nil(t, s.Get(c.Fingerprint))
	assert.Equal(t, 0, s.Len(), "expired entry is removed on read")
}

func TestStoreEviction(t *testing.T) {
	tests := []struct {
		maxSize int
		inserts int
	}{
		{1, 3},
		{2, 5},
		{10, 25},
		{20, 21},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("max%d_insert%d", tt.maxSize, tt.inserts), func(t *testing.T) {
			s, clock := newTestStore(t, Options{MaxSize: tt.maxSize})
			var last *Certificate
			for i := 0; i < tt.inserts; i++ {
				clock.t = clock.t.Add(time.Millisecond)
				last = selfSigned(t, fmt.Sprintf("Evict %d", i))
				s.Store(last, Metadata{})
				assert.LessOrEqual(t, s.Len(), tt.maxSize)
				assert.NotNil(t, s.Get(last.Fingerprint), "newest entry evicted")
			}
		})
	}
}

func TestStoreEvictsOldestTenPercent(t *testing.T) {
	s, clock := newTestStore(t, Options{MaxSize: 20})
	var certs []*Certificate
	for i := 0; i < 20; i++ {
		clock.t = clock.t.Add(time.Millisecond)
		c := selfSigned(t, fmt.Sprintf("Oldest %d", i))
		certs = append(certs, c)
		s.Store(c, Metadata{})
	}
	clock.t = clock.t.Add(time.Millisecond)
	s.Store(selfSigned(t, "Overflow"), Metadata{})

	assert.Equal(t, 19, s.Len())
	assert.Nil(t, s.Get(certs[0].Fingerprint))
	assert.Nil(t, s.Get(certs[1].Fingerprint))
	assert.NotNil(t, s.Get(certs[2].Fingerprint))
}

func TestStoreRefreshDoesNotEvict(t *testing.T) {
	s, _ := newTestStore(t, Options{MaxSize: 2})
	a, b := selfSigned(t, "A"), selfSigned(t, "B")
	s.Store(a, Metadata{})
	s.Store(b, Metadata{})
	s.Store(a, Metadata{})
	assert.Equal(t, 2, s.Len())
}

func TestClearCacheKeepsRoots(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	root := selfSigned(t, "Root")
	s.AddTrustedRoot(root)
	s.Store(selfSigned(t, "Other"), Metadata{})

	s.ClearCache()
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.IsTrustedRoot(root.Fingerprint))
	assert.Len(t, s.TrustedRoots(), 1)
}

func TestAddTrustedRootsPEM(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	s, _ := newTestStore(t, Options{})

	n, err := s.AddTrustedRootsPEM(testpki.PEM(pki.RootCert))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.AddIntermediatesPEM(testpki.PEM(pki.IntermediateCerts...))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.AddTrustedRootsPEM([]byte("not a certificate"))
	assert.Error(t, err)
}

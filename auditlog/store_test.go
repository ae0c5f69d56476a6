package auditlog

import (
	"context"
	"crypto/rand"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func randReader() io.Reader {
	return rand.Reader
}

func openSQLite(t *testing.T, path string) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func stores(t *testing.T) map[string]Store {
	sqlStore := openSQLite(t, filepath.Join(t.TempDir(), "audit.db"))
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func TestStoreAppendLoad(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			trail, err := Generate("sig-1", []Input{
				{Type: DocumentPrepared, Actor: &Actor{UserID: "alice", Location: "Amsterdam"}},
				{Type: SignatureApplied, Details: map[string]string{"provider": "PKCS11"}},
				{Type: DocumentCompleted, Details: map[string]string{}},
			})
			require.NoError(t, err)

			head, err := store.Head(ctx, "sig-1")
			require.NoError(t, err)
			assert.Nil(t, head)

			for i := range trail {
				require.NoError(t, store.Append(ctx, &trail[i]))
			}

			loaded, err := store.Load(ctx, "sig-1")
			require.NoError(t, err)
			require.Len(t, loaded, 3)
			require.NoError(t, Verify(loaded))
			for i := range trail {
				assert.Equal(t, trail[i].Hash, loaded[i].Hash)
				assert.True(t, trail[i].Timestamp.Equal(loaded[i].Timestamp))
			}
			assert.Equal(t, "Amsterdam", loaded[0].Actor.Location)

			head, err = store.Head(ctx, "sig-1")
			require.NoError(t, err)
			assert.Equal(t, trail[2].Hash, head.Hash)

			empty, err := store.Load(ctx, "unknown")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStoreRejectsForks(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			trail, err := Generate("sig-1", sameInputs(2))
			require.NoError(t, err)

			assert.ErrorIs(t, store.Append(ctx, &trail[1]), ErrConflict, "second event before first")
			require.NoError(t, store.Append(ctx, &trail[0]))
			assert.ErrorIs(t, store.Append(ctx, &trail[0]), ErrConflict, "duplicate")

			fork, err := Generate("sig-1", sameInputs(2))
			require.NoError(t, err)
			assert.ErrorIs(t, store.Append(ctx, &fork[1]), ErrConflict, "wrong previous hash")
			require.NoError(t, store.Append(ctx, &trail[1]))
		})
	}
}

func TestSQLStoreIsAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s := openSQLite(t, path)
	ctx := context.Background()

	trail, err := Generate("sig-1", sameInputs(2))
	require.NoError(t, err)
	for i := range trail {
		require.NoError(t, s.Append(ctx, &trail[i]))
	}

	_, err = s.db.Exec(`UPDATE audit_events SET details = '{"k":"forged"}' WHERE sequence = 1`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.Exec(`DELETE FROM audit_events`)
	assert.ErrorContains(t, err, "append-only")
	require.NoError(t, s.Close())

	// Reopening keeps the schema and the verified trail.
	s = openSQLite(t, path)
	defer s.Close()
	loaded, err := s.Load(ctx, "sig-1")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.NoError(t, Verify(loaded))
}

func TestLogConcurrentAppends(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			l := NewLog(store, zaptest.NewLogger(t), nil)
			ctx := context.Background()

			const workers, perWorker = 8, 10
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					sig := "sig-shared"
					if w%2 == 1 {
						sig = "sig-other"
					}
					for i := 0; i < perWorker; i++ {
						_, err := l.Append(ctx, sig, Input{Type: CertificateValidated})
						assert.NoError(t, err)
					}
				}(w)
			}
			wg.Wait()

			for _, sig := range []string{"sig-shared", "sig-other"} {
				trail, err := l.Trail(ctx, sig)
				require.NoError(t, err)
				assert.Len(t, trail, workers/2*perWorker)
				assert.NoError(t, l.Verify(ctx, sig))
			}
			assert.Empty(t, l.locks)
		})
	}
}

func TestLogAppend(t *testing.T) {
	l := NewLog(nil, nil, nil)
	now := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := l.Append(ctx, "sig-1", Input{Type: DocumentPrepared})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.True(t, now.Equal(first.Timestamp))

	second, err := l.Append(ctx, "sig-1", Input{Type: SignatureRequested})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PreviousHash)

	_, err = l.Append(ctx, "sig-1", Input{Type: SignatureApplied, Timestamp: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = l.Append(ctx, "", Input{Type: SignatureApplied})
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Append(cancelled, "sig-1", Input{Type: SignatureApplied})
	assert.ErrorIs(t, err, context.Canceled)

	trail, err := l.Trail(ctx, "sig-1")
	require.NoError(t, err)
	assert.Len(t, trail, 2)
	require.NoError(t, l.Close())
}

func TestSQLStoreKeepsUnicodeText(t *testing.T) {
	s := openSQLite(t, filepath.Join(t.TempDir(), "audit.db"))
	l := NewLog(s, zaptest.NewLogger(t), nil)
	defer l.Close()
	ctx := context.Background()

	_, err := l.Append(ctx, "sig-1", Input{
		Type:    DocumentPrepared,
		Actor:   &Actor{UserID: "zoë", UserAgent: "Mozilla/5.0 (日本語)", Location: "Zürich"},
		Details: map[string]string{"title": "Überweisung ✓", "名前": "契約"},
	})
	require.NoError(t, err)
	assert.NoError(t, l.Verify(ctx, "sig-1"))

	trail, err := l.Trail(ctx, "sig-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "Mozilla/5.0 (日本語)", trail[0].Actor.UserAgent)
	assert.Equal(t, "契約", trail[0].Details["名前"])
}

func TestAppendRejectsInvalidUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   Input
	}{
		{"event id", Input{ID: "id\xff", Type: DocumentPrepared}},
		{"user id", Input{Type: DocumentPrepared, Actor: &Actor{UserID: "u\xc3"}}},
		{"ip address", Input{Type: DocumentPrepared, Actor: &Actor{IPAddress: "192.0.2.1\xfe"}}},
		{"user agent", Input{Type: DocumentPrepared, Actor: &Actor{UserAgent: "agent\xff"}}},
		{"location", Input{Type: DocumentPrepared, Actor: &Actor{Location: "\x80"}}},
		{"detail value", Input{Type: DocumentPrepared, Details: map[string]string{"title": "bad\xfe"}}},
		{"detail key", Input{Type: DocumentPrepared, Details: map[string]string{"k\xff": "v"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openSQLite(t, filepath.Join(t.TempDir(), "audit.db"))
			l := NewLog(s, zaptest.NewLogger(t), nil)
			defer l.Close()
			ctx := context.Background()

			_, err := l.Append(ctx, "sig-1", tt.in)
			assert.ErrorIs(t, err, ErrInvalidUTF8)

			trail, err := l.Trail(ctx, "sig-1")
			require.NoError(t, err)
			assert.Empty(t, trail)

			_, err = Generate("sig-1", []Input{tt.in})
			assert.ErrorIs(t, err, ErrInvalidUTF8)
		})
	}

	_, err := Generate("sig\xff", []Input{{Type: DocumentPrepared}})
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

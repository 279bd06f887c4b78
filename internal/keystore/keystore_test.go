package keystore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAuthority struct {
	mu     sync.Mutex
	keys   []string
	fail   atomic.Bool
	tokens []string
}

func (f *fakeAuthority) setKeys(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = keys
}

func (f *fakeAuthority) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokens = append(f.tokens, r.Header.Get("x-admin-token"))
		keys := f.keys
		f.mu.Unlock()
		if f.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}
}

func newTestStore(t *testing.T) (*Store, *fakeAuthority) {
	t.Helper()
	authority := &fakeAuthority{}
	srv := httptest.NewServer(authority.handler())
	t.Cleanup(srv.Close)
	return New(srv.URL, "admin-secret", time.Second, zap.NewNop().Sugar()), authority
}

func TestStoreDeniesBeforeFirstRefresh(t *testing.T) {
	store, authority := newTestStore(t)
	authority.setKeys("alpha")
	assert.False(t, store.Exists("alpha"))
	assert.False(t, store.Exists(""))
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	store, authority := newTestStore(t)

	authority.setKeys("alpha", "beta")
	require.NoError(t, store.Refresh(context.Background()))
	assert.True(t, store.Exists("alpha"))
	assert.True(t, store.Exists("beta"))
	assert.Equal(t, 2, store.Len())

	// beta revoked upstream: still honored until the next completed refresh
	authority.setKeys("alpha", "gamma")
	assert.True(t, store.Exists("beta"))

	require.NoError(t, store.Refresh(context.Background()))
	assert.False(t, store.Exists("beta"))
	assert.True(t, store.Exists("gamma"))
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	store, authority := newTestStore(t)

	authority.setKeys("alpha")
	require.NoError(t, store.Refresh(context.Background()))
	require.True(t, store.Exists("alpha"))

	authority.fail.Store(true)
	err := store.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, store.Exists("alpha"), "failed refresh must not drop the snapshot")
}

func TestRefreshSendsAdminToken(t *testing.T) {
	store, authority := newTestStore(t)
	authority.setKeys("alpha")
	require.NoError(t, store.Refresh(context.Background()))

	authority.mu.Lock()
	defer authority.mu.Unlock()
	require.NotEmpty(t, authority.tokens)
	assert.Equal(t, "admin-secret", authority.tokens[0])
}

func TestAddMergesIntoSnapshot(t *testing.T) {
	store, authority := newTestStore(t)
	authority.setKeys("alpha")
	require.NoError(t, store.Refresh(context.Background()))

	store.Add([]string{"pushed", ""})
	assert.True(t, store.Exists("alpha"))
	assert.True(t, store.Exists("pushed"))
	assert.Equal(t, 2, store.Len())
}

func TestConcurrentLookupsDuringRefresh(t *testing.T) {
	store, authority := newTestStore(t)
	authority.setKeys("alpha")
	require.NoError(t, store.Refresh(context.Background()))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					// alpha is in every snapshot; readers must never
					// observe a half-replaced set
					assert.True(t, store.Exists("alpha"))
				}
			}
		}()
	}
	for range 20 {
		require.NoError(t, store.Refresh(context.Background()))
	}
	close(stop)
	wg.Wait()
}

func TestRunStopsOnCancel(t *testing.T) {
	store, authority := newTestStore(t)
	authority.setKeys("alpha")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.Exists("alpha") }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

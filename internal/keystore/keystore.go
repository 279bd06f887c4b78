// Package keystore holds the gateway's snapshot of valid API credentials.
package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"prism-api/internal/metrics"
	"prism-api/internal/shared"

	"github.com/manifold-inc/manifold-sdk/lib/utils"
	"go.uber.org/zap"
)

// Store is the process-wide credential set. Reads hit the current snapshot
// only and never touch the network; Refresh replaces the snapshot wholesale.
// Until the first successful refresh the snapshot is empty, so every lookup
// denies.
type Store struct {
	Log *zap.SugaredLogger

	authorityURL string
	adminToken   string
	interval     time.Duration
	client       *http.Client

	mu   sync.RWMutex
	keys map[string]struct{}
}

func New(authorityURL, adminToken string, interval time.Duration, log *zap.SugaredLogger) *Store {
	if interval <= 0 {
		interval = shared.DefaultRefreshInterval
	}
	return &Store{
		Log:          log,
		authorityURL: authorityURL,
		adminToken:   adminToken,
		interval:     interval,
		client:       &http.Client{Timeout: shared.DefaultAuthorityTimeout},
		keys:         make(map[string]struct{}),
	}
}

func (s *Store) Exists(key string) bool {
	if key == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// Add merges pushed keys into the current snapshot. Used by the signed key
// push endpoint; periodic refreshes still replace the whole set.
func (s *Store) Add(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if k == "" {
			continue
		}
		s.keys[k] = struct{}{}
	}
	metrics.KeysLoaded.Set(float64(len(s.keys)))
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

type keyList struct {
	Keys []string `json:"keys"`
}

// Refresh fetches the full active credential list and atomically replaces
// the snapshot. On any failure the previous snapshot stays in place; callers
// treat the returned error as log-only.
func (s *Store) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.authorityURL+"/api-keys/admin/list", nil)
	if err != nil {
		return utils.Wrap("failed building key list request", err)
	}
	req.Header.Set("x-admin-token", s.adminToken)

	res, err := s.client.Do(req)
	if err != nil {
		return utils.Wrap("failed fetching key list", err)
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			s.Log.Warnw("failed to close key list body", "error", closeErr)
		}
	}()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("authority returned status %d for key list", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return utils.Wrap("failed reading key list body", err)
	}
	var list keyList
	if err := json.Unmarshal(body, &list); err != nil {
		return utils.Wrap("failed decoding key list", err)
	}

	next := make(map[string]struct{}, len(list.Keys))
	for _, k := range list.Keys {
		if k == "" {
			continue
		}
		next[k] = struct{}{}
	}

	s.mu.Lock()
	s.keys = next
	s.mu.Unlock()
	metrics.KeysLoaded.Set(float64(len(next)))
	return nil
}

// Run refreshes once immediately, then on every tick until ctx is canceled.
// A revoked credential stays honored for at most one interval; that bounded
// staleness is accepted.
func (s *Store) Run(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.Log.Warnw("initial key refresh failed, keystore is empty", "error", err)
	} else {
		s.Log.Infow("keystore refreshed", "keys", s.Len())
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.Log.Warnw("key refresh failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

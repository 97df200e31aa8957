// Package selector is the Chat Server Selector component (spec §4.5): it
// hands the Match Engine a chat server URL to hand off a freshly matched
// pair to, round-robining across whatever the discovery endpoint currently
// reports.
//
// The lineage has no standalone discovery client to ground this on — its
// chat servers and matcher are the same process — so this is new code
// written in the lineage's own ambient-HTTP idiom (stdlib net/http.Client,
// bounded timeouts, plain error wrapping) rather than adapted from an
// existing file.
package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDiscoveryUnavailable is returned when no chat server URL can be
// produced: the cache is empty and the discovery endpoint could not be
// reached or returned an empty list.
var ErrDiscoveryUnavailable = errors.New("selector: discovery unavailable")

const refreshInterval = 60 * time.Second

// Selector round-robins across chat server URLs, refreshing its cache from
// a discovery endpoint no more than once per refreshInterval. A stale cache
// is preferred over a hard failure: Next only returns
// ErrDiscoveryUnavailable when the cache is empty after a refresh attempt.
type Selector struct {
	discoveryURL string
	httpClient   *http.Client

	mu          sync.Mutex
	urls        []string
	lastRefresh time.Time

	counter uint64
}

// New creates a Selector that refreshes from discoveryURL. An empty
// discoveryURL is valid and simply means the cache never refreshes beyond
// whatever is seeded with Seed (used in tests and single-server setups).
func New(discoveryURL string) *Selector {
	return &Selector{
		discoveryURL: discoveryURL,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Seed pre-populates the cache, bypassing discovery. Used by callers that
// run a single fixed chat server and by tests.
func (s *Selector) Seed(urls []string) {
	s.mu.Lock()
	s.urls = append([]string(nil), urls...)
	s.lastRefresh = time.Time{}
	s.mu.Unlock()
}

// Next returns the next chat server URL in round-robin order, refreshing
// the cache first if it is empty or older than refreshInterval.
func (s *Selector) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	stale := time.Since(s.lastRefresh) > refreshInterval
	empty := len(s.urls) == 0
	s.mu.Unlock()

	if empty || stale {
		if err := s.refresh(ctx); err != nil && empty {
			return "", err
		}
		// A stale-but-nonempty cache tolerates a failed refresh silently;
		// an empty cache that failed to refresh has already returned above.
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.urls) == 0 {
		return "", ErrDiscoveryUnavailable
	}
	idx := atomic.AddUint64(&s.counter, 1) - 1
	return s.urls[idx%uint64(len(s.urls))], nil
}

func (s *Selector) refresh(ctx context.Context) error {
	if s.discoveryURL == "" {
		return ErrDiscoveryUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.discoveryURL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDiscoveryUnavailable, err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrDiscoveryUnavailable, resp.StatusCode)
	}

	var urls []string
	if err := json.NewDecoder(resp.Body).Decode(&urls); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrDiscoveryUnavailable, err)
	}
	if len(urls) == 0 {
		return fmt.Errorf("%w: empty list", ErrDiscoveryUnavailable)
	}

	s.mu.Lock()
	s.urls = urls
	s.lastRefresh = time.Now()
	s.mu.Unlock()
	return nil
}

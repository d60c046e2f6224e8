// Package controlplane implements the bus-delivered administrative
// surface: pre-auth token registration, runtime log-level changes, and
// metrics-snapshot publication.
package controlplane

import (
	"sync"
	"time"

	"github.com/notifypush/server/internal/model"
)

// preAuthTTL bounds how long an unused pre-auth token remains valid,
// per §3 ("expires after a bounded window (≈ 30s) if unused").
const preAuthTTL = 30 * time.Second

type preAuthEntry struct {
	user   model.UserId
	issued time.Time
}

// PreAuthStore is the single-use pre-auth token store. Take is atomic:
// concurrent callers racing on the same token only ever see one winner.
type PreAuthStore struct {
	mu     sync.Mutex
	tokens map[string]preAuthEntry
}

// NewPreAuthStore builds an empty store.
func NewPreAuthStore() *PreAuthStore {
	return &PreAuthStore{tokens: make(map[string]preAuthEntry)}
}

// Put registers token as redeemable for user, per notify_pre_auth.
func (s *PreAuthStore) Put(token string, user model.UserId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = preAuthEntry{user: user, issued: time.Now()}
}

// Take atomically removes and returns the user bound to token, iff it
// exists and has not expired. This is the only way to observe a token;
// two concurrent authentication attempts with the same token succeed at
// most once, per §8.
func (s *PreAuthStore) Take(token string) (model.UserId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	delete(s.tokens, token)
	if time.Since(entry.issued) > preAuthTTL {
		return "", false
	}
	return entry.user, true
}

// sweep removes expired tokens that were never redeemed, keeping the map
// from growing unbounded under a client that never completes auth.
func (s *PreAuthStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, entry := range s.tokens {
		if now.Sub(entry.issued) > preAuthTTL {
			delete(s.tokens, token)
		}
	}
}

// RunSweeper periodically evicts expired tokens until stop is closed.
func (s *PreAuthStore) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(preAuthTTL)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

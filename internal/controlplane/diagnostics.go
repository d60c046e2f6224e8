package controlplane

import "sync/atomic"

// TestCookieStore records the most recent value received on
// notify_test_cookie, served back by GET /test/cookie.
type TestCookieStore struct {
	value atomic.Uint32
}

// NewTestCookieStore builds an empty store.
func NewTestCookieStore() *TestCookieStore { return &TestCookieStore{} }

// SetTestCookie records the latest value, per §4.6.
func (s *TestCookieStore) SetTestCookie(v uint32) { s.value.Store(v) }

// TestCookie returns the most recently recorded value.
func (s *TestCookieStore) TestCookie() uint32 { return s.value.Load() }

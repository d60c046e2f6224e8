package httpapi

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifypush/server/internal/connection"
	"github.com/notifypush/server/internal/model"
	"github.com/notifypush/server/internal/registry"
	"github.com/notifypush/server/internal/wire"
)

type fakeVerifier struct{}

func (fakeVerifier) VerifyCredentials(_ context.Context, user, password string) (model.UserId, error) {
	if password != "correct-secret" {
		return "", connection.ErrInvalidCredentials
	}
	return model.UserId(user), nil
}

type fakeMapping struct{ count int }

func (f *fakeMapping) UsersForStorageCount(context.Context, model.StorageId) int { return f.count }

type fakeCookies struct{ value uint32 }

func (f *fakeCookies) TestCookie() uint32 { return f.value }

type fakeReverseCookie struct {
	value uint32
	err   error
}

func (f *fakeReverseCookie) FetchReverseCookie(context.Context) (uint32, error) {
	return f.value, f.err
}

type fakeMetrics struct{}

func (fakeMetrics) AddConnection()              {}
func (fakeMetrics) RemoveConnection()           {}
func (fakeMetrics) AddUser(model.UserId)        {}
func (fakeMetrics) RemoveUser(model.UserId)     {}
func (fakeMetrics) AddMessage(wire.MessageType) {}
func (fakeMetrics) AddDropped()                 {}

type fakeCommands struct{ set map[string]string }

func (f *fakeCommands) Set(_ context.Context, key, value string) error {
	if f.set == nil {
		f.set = map[string]string{}
	}
	f.set[key] = value
	return nil
}

func mustCIDR(t *testing.T, s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}

func newTestServer(t *testing.T, trusted []*net.IPNet) (http.Handler, *fakeCookies, *fakeReverseCookie, *fakeCommands, *fakeMapping) {
	cookies := &fakeCookies{}
	reverse := &fakeReverseCookie{}
	cmds := &fakeCommands{}
	mapping := &fakeMapping{}

	h := NewRouter(Config{
		Authenticator:  connection.NewAuthenticator(nil, nil),
		Registry:       registry.New(),
		Mapping:        mapping,
		TestCookies:    cookies,
		HostAPI:        reverse,
		Commands:       cmds,
		Metrics:        fakeMetrics{},
		Version:        "1.2.3",
		TrustedProxies: trusted,
		Log:            zap.NewNop(),
	})
	return h, cookies, reverse, cmds, mapping
}

func TestTestCookieReturnsLatestValue(t *testing.T) {
	h, cookies, _, _, _ := newTestServer(t, nil)
	cookies.value = 9

	req := httptest.NewRequest(http.MethodGet, "/test/cookie", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "9", rec.Body.String())
}

// TestTestRemoteUsesForwardedForOnlyWhenTrusted mirrors spec.md §8
// scenario 6: with a trusted direct peer and X-Forwarded-For set, the
// response is the forwarded address, not the raw connection's.
func TestTestRemoteUsesForwardedForOnlyWhenTrusted(t *testing.T) {
	h, _, _, cmds, _ := newTestServer(t, []*net.IPNet{mustCIDR(t, "127.0.0.0/8")})

	req := httptest.NewRequest(http.MethodGet, "/test/remote/1.2.3.4", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "1.2.3.4", rec.Body.String())
	assert.Equal(t, "1.2.3.4", cmds.set["notify_push_test_remote"])
}

func TestTestRemoteFallsBackToRawRemoteWhenUntrusted(t *testing.T) {
	h, _, _, _, _ := newTestServer(t, []*net.IPNet{mustCIDR(t, "127.0.0.0/8")})

	req := httptest.NewRequest(http.MethodGet, "/test/remote/1.2.3.4", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "203.0.113.9", rec.Body.String())
}

func TestTestReverseCookieProxiesHostApplication(t *testing.T) {
	h, _, reverse, _, _ := newTestServer(t, nil)
	reverse.value = 77

	req := httptest.NewRequest(http.MethodGet, "/test/reverse_cookie", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "77", rec.Body.String())
}

func TestTestReverseCookiePropagatesUpstreamFailure(t *testing.T) {
	h, _, reverse, _, _ := newTestServer(t, nil)
	reverse.err = assert.AnError

	req := httptest.NewRequest(http.MethodGet, "/test/reverse_cookie", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestTestMappingReturnsUserCount(t *testing.T) {
	h, _, _, _, mapping := newTestServer(t, nil)
	mapping.count = 3

	req := httptest.NewRequest(http.MethodGet, "/test/mapping/7", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Body.String())
}

func TestTestMappingRejectsNonNumericStorageId(t *testing.T) {
	h, _, _, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/test/mapping/not-a-number", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestVersionWritesToBus(t *testing.T) {
	h, _, _, cmds, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/test/version", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1.2.3", cmds.set["notify_push_version"])
}

// TestWSUpgradeSucceedsThroughLoggingMiddleware dials a real TCP connection
// through the withLogging wrapper, guarding against the ResponseWriter
// wrapper silently dropping http.Hijacker: with a wrapper that fails the
// hijack, gorilla/websocket's Upgrade never completes the handshake and the
// client sees a 500, not a 101.
func TestWSUpgradeSucceedsThroughLoggingMiddleware(t *testing.T) {
	h := NewRouter(Config{
		Authenticator: connection.NewAuthenticator(nil, fakeVerifier{}),
		Registry:      registry.New(),
		Mapping:       &fakeMapping{},
		TestCookies:   &fakeCookies{},
		HostAPI:       &fakeReverseCookie{},
		Commands:      &fakeCommands{},
		Metrics:       fakeMetrics{},
		Version:       "1.2.3",
		Log:           zap.NewNop(),
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("alice")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("correct-secret")))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "authenticated", string(msg))
}

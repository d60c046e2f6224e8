// Package httpapi implements the diagnostics HTTP surface (§4.7): the
// WebSocket upgrade endpoint and the /test/* routes the setup verifier
// exercises, routed with chi the way the reference gateway routes its REST
// surface.
package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/notifypush/server/internal/connection"
	"github.com/notifypush/server/internal/model"
	"github.com/notifypush/server/internal/registry"
)

// Authenticator builds a connection.Authenticator's Authenticate method,
// narrowed for dependency injection.
type Authenticator interface {
	Authenticate(ctx context.Context, user, secret string) (model.UserId, error)
}

// MappingStore is the subset of mapping.Store the diagnostics surface
// needs for GET /test/mapping/<storage_id>.
type MappingStore interface {
	UsersForStorageCount(ctx context.Context, storage model.StorageId) int
}

// TestCookieStore serves the most recent notify_test_cookie value.
type TestCookieStore interface {
	TestCookie() uint32
}

// ReverseCookieFetcher calls back into the host application for
// GET /test/reverse_cookie.
type ReverseCookieFetcher interface {
	FetchReverseCookie(ctx context.Context) (uint32, error)
}

// Commands is the bus SET surface used to record diagnostic observations
// and the POST /test/version value.
type Commands interface {
	Set(ctx context.Context, key, value string) error
}

// Metrics is the per-connection counters httpapi's upgraded connections
// need, matching connection.Metrics.
type Metrics = connection.Metrics

// Server holds the diagnostics surface's dependencies.
type Server struct {
	auth    *connection.Authenticator
	reg     *registry.Registry
	mapping MappingStore
	cookies TestCookieStore
	nc      ReverseCookieFetcher
	cmds    Commands
	metrics Metrics
	version string
	log     *zap.Logger

	trustedProxies []*net.IPNet
}

// Config configures the diagnostics server's dependencies and which
// proxies are trusted to set X-Forwarded-For.
type Config struct {
	Authenticator  *connection.Authenticator
	Registry       *registry.Registry
	Mapping        MappingStore
	TestCookies    TestCookieStore
	HostAPI        ReverseCookieFetcher
	Commands       Commands
	Metrics        Metrics
	Version        string
	TrustedProxies []*net.IPNet
	Log            *zap.Logger
}

// NewRouter builds the diagnostics surface's http.Handler.
func NewRouter(cfg Config) http.Handler {
	s := &Server{
		auth:           cfg.Authenticator,
		reg:            cfg.Registry,
		mapping:        cfg.Mapping,
		cookies:        cfg.TestCookies,
		nc:             cfg.HostAPI,
		cmds:           cfg.Commands,
		metrics:        cfg.Metrics,
		version:        cfg.Version,
		trustedProxies: cfg.TrustedProxies,
		log:            cfg.Log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withLogging(s.log))

	r.Get("/ws", s.wsUpgrade)
	r.Get("/test/cookie", s.testCookie)
	r.Get("/test/remote/{expected}", s.testRemote)
	r.Get("/test/reverse_cookie", s.testReverseCookie)
	r.Get("/test/mapping/{storage_id}", s.testMapping)
	r.Post("/test/version", s.testVersion)

	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

func (s *Server) wsUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("httpapi: ws upgrade failed", zap.Error(err))
		return
	}
	c := connection.New(connection.NewSocket(conn), s.auth, s.reg, s.metrics, s.log)
	// net/http cancels r.Context() as soon as this handler returns, so the
	// connection runs on a context that keeps its values but not that
	// cancellation.
	go c.Run(context.WithoutCancel(r.Context()))
}

func (s *Server) testCookie(w http.ResponseWriter, r *http.Request) {
	writeText(w, strconv.FormatUint(uint64(s.cookies.TestCookie()), 10))
}

// testRemote implements the trusted-proxy self-test: it resolves the
// client IP from the X-Forwarded-For chain only if the direct peer is a
// trusted proxy, otherwise falling back to the raw connection's remote
// address, per the literal scenario in §8.
func (s *Server) testRemote(w http.ResponseWriter, r *http.Request) {
	remote := s.resolveRemote(r)
	s.cmds.Set(r.Context(), "notify_push_test_remote", remote) //nolint:errcheck
	s.cmds.Set(r.Context(), "notify_push_test_remote_header", r.Header.Get("X-Forwarded-For")) //nolint:errcheck
	writeText(w, remote)
}

func (s *Server) resolveRemote(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.isTrustedProxy(host) {
		return host
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}
	parts := strings.Split(xff, ",")
	return strings.TrimSpace(parts[0])
}

func (s *Server) isTrustedProxy(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range s.trustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) testReverseCookie(w http.ResponseWriter, r *http.Request) {
	v, err := s.nc.FetchReverseCookie(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeText(w, strconv.FormatUint(uint64(v), 10))
}

func (s *Server) testMapping(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "storage_id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid storage id", http.StatusBadRequest)
		return
	}
	count := s.mapping.UsersForStorageCount(r.Context(), model.StorageId(id))
	writeText(w, strconv.Itoa(count))
}

func (s *Server) testVersion(w http.ResponseWriter, r *http.Request) {
	if err := s.cmds.Set(r.Context(), "notify_push_version", s.version); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(body)) //nolint:errcheck
}

func withLogging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rw, r)
			log.Debug("httpapi",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.code),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the embedded ResponseWriter so a wrapped GET /ws
// still satisfies http.Hijacker; gorilla/websocket's Upgrader type-asserts
// for it and refuses the upgrade otherwise, which would take down the only
// entry point for client connections.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: underlying ResponseWriter is not a Hijacker")
	}
	return hijacker.Hijack()
}

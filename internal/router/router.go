// Package router consumes decoded bus events and turns them into outbound
// frames enqueued on the target connections, per the per-event resolution
// table. It is the single place that understands how a BusEvent maps to
// OutboundMessage deliveries.
package router

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/notifypush/server/internal/model"
	"github.com/notifypush/server/internal/registry"
	"github.com/notifypush/server/internal/wire"
)

// Metrics is the slice of counters the router updates directly.
type Metrics interface {
	AddEvent()
}

// MappingStore is the read-only resolution surface the router needs;
// narrowed from *mapping.Store so the router can be tested against a fake.
type MappingStore interface {
	UsersForStorage(ctx context.Context, storage model.StorageId, path string) model.UserSet
	InvalidateGroup(group model.GroupId)
	InvalidateUserGroups(user model.UserId)
}

// PreAuthStore registers tokens published on notify_pre_auth.
type PreAuthStore interface {
	Put(token string, user model.UserId)
}

// TestCookieStore records the latest value published on notify_test_cookie
// for GET /test/cookie to serve.
type TestCookieStore interface {
	SetTestCookie(uint32)
}

// LogController applies runtime log-level changes from notify_config.
type LogController interface {
	SetSpec(spec string) error
	Restore()
}

// MetricsPublisher writes a metrics snapshot to the bus on a
// notify_query "metrics" request.
type MetricsPublisher interface {
	PublishMetrics(ctx context.Context) error
}

// Router is the event router described in §4.3.
type Router struct {
	reg     *registry.Registry
	mapping MappingStore
	preAuth PreAuthStore
	cookies TestCookieStore
	logs    LogController
	metrics MetricsPublisher
	counter Metrics
	log     *zap.Logger
}

// New builds a Router over its collaborators.
func New(reg *registry.Registry, mapping MappingStore, preAuth PreAuthStore, cookies TestCookieStore, logs LogController, metricsPub MetricsPublisher, counter Metrics, log *zap.Logger) *Router {
	return &Router{
		reg:     reg,
		mapping: mapping,
		preAuth: preAuth,
		cookies: cookies,
		logs:    logs,
		metrics: metricsPub,
		counter: counter,
		log:     log,
	}
}

// Handle dispatches one decoded bus event. Its only blocking I/O is the
// mapping store lookup and, for a metrics query, the bus write of the
// snapshot; enqueueing onto connections is always non-blocking
// (registry.Handle.Enqueue drops on backpressure).
func (r *Router) Handle(ctx context.Context, ev wire.BusEvent) {
	r.counter.AddEvent()

	switch ev.Kind {
	case wire.EventStorageUpdate:
		r.handleStorageUpdate(ctx, ev)
	case wire.EventGroupUpdate:
		// Minimum contract: notify only the directly affected user. See
		// the open question on group-share fan-out in DESIGN.md. The
		// membership change still invalidates both cache keys it can
		// stale, per §4.4, regardless of that fan-out decision.
		r.mapping.InvalidateGroup(ev.GroupUpdate.Group)
		r.mapping.InvalidateUserGroups(ev.GroupUpdate.User)
		r.sendToUser(ev.GroupUpdate.User, wire.NotifyFile())
	case wire.EventShareCreate:
		r.sendToUser(ev.User, wire.NotifyFile())
	case wire.EventActivity:
		r.sendToUser(ev.User, wire.NotifyActivity())
	case wire.EventNotification:
		r.sendToUser(ev.User, wire.NotifyNotification())
	case wire.EventPreAuth:
		r.preAuth.Put(ev.PreAuth.Token, ev.PreAuth.User)
	case wire.EventCustom:
		r.handleCustom(ev)
	case wire.EventTestCookie:
		r.cookies.SetTestCookie(ev.TestCookie)
	case wire.EventConfigLogSpec:
		if err := r.logs.SetSpec(ev.LogSpec); err != nil {
			r.log.Error("router: set log spec", zap.String("spec", ev.LogSpec), zap.Error(err))
		} else {
			r.log.Info("router: set log spec", zap.String("spec", ev.LogSpec))
		}
	case wire.EventConfigLogRestore:
		r.logs.Restore()
		r.log.Info("router: restored log spec")
	case wire.EventSignalReset:
		r.handleReset()
	case wire.EventQueryMetrics:
		if err := r.metrics.PublishMetrics(ctx); err != nil {
			r.log.Warn("router: publish metrics", zap.Error(err))
		}
	default:
		r.log.Warn("router: unhandled event kind", zap.Int("kind", int(ev.Kind)))
	}
}

func (r *Router) handleStorageUpdate(ctx context.Context, ev wire.BusEvent) {
	su := ev.StorageUpdate
	users := r.mapping.UsersForStorage(ctx, su.Storage, su.Path)
	for _, user := range users.Slice() {
		for _, h := range r.reg.ConnectionsForUser(user) {
			// notify_file is always sent; notify_file_id is an additional
			// batched frame only for connections that opted in; the
			// connection's writer turns it into notify_file otherwise.
			h.Enqueue(wire.NotifyFile())
			h.Enqueue(wire.NotifyFileId([]model.FileId{su.FileId}))
		}
	}
}

func (r *Router) handleCustom(ev wire.BusEvent) {
	body := ev.Custom.Body
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	r.sendToUser(ev.Custom.User, wire.Custom(ev.Custom.Message, body))
}

func (r *Router) sendToUser(user model.UserId, msg wire.OutboundMessage) {
	for _, h := range r.reg.ConnectionsForUser(user) {
		h.Enqueue(msg)
	}
}

func (r *Router) handleReset() {
	r.log.Info("router: closing all connections on reset signal")
	for _, h := range r.reg.AllConnections() {
		h.Close()
	}
}

// Package bus maintains the connection to the pub/sub message bus: a
// reconnecting subscriber that decodes events for the router, and a small
// command client the control plane uses for SET/GET/DEL operations.
package bus

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifypush/server/internal/wire"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Options configures the bus connection. ClusterMode selects
// redis.NewClusterClient over redis.NewClient; the caller derives it from
// REDIS_URL resolving to more than one address, mirroring the original's
// selection of ClusterClient over Client when more than one server is
// configured (redis.rs's Redis::connect matching on config.as_slice()).
type Options struct {
	Addrs       []string
	Username    string
	Password    string
	DB          int
	TLS         *tls.Config
	ClusterMode bool
}

// Handler is invoked for each decoded bus event. It must not block for
// long; the subscriber delivers events serially on one goroutine.
type Handler func(wire.BusEvent)

// client abstracts the single-node vs cluster redis clients the Subscriber
// and Commands need, narrowed to what both use.
type client interface {
	redis.Cmdable
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

func newClient(opt Options) client {
	if opt.ClusterMode {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     opt.Addrs,
			Username:  opt.Username,
			Password:  opt.Password,
			TLSConfig: opt.TLS,
		})
	}
	addr := "127.0.0.1:6379"
	if len(opt.Addrs) > 0 {
		addr = opt.Addrs[0]
	}
	return redis.NewClient(&redis.Options{
		Addr:      addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLS,
	})
}

// Subscriber owns the long-lived pub/sub connection. It reconnects with
// bounded exponential backoff on disconnect, per §4.5, logging and
// discarding (not tearing down the subscription for) malformed payloads.
type Subscriber struct {
	cli     client
	log     *zap.Logger
	handler Handler
}

// New builds a Subscriber; call Run to join the fixed channel set and
// begin delivering events to handler.
func New(opt Options, handler Handler, log *zap.Logger) *Subscriber {
	return &Subscriber{cli: newClient(opt), handler: handler, log: log}
}

// Run blocks, reconnecting forever until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.runOnce(ctx); err != nil {
			s.log.Warn("bus: subscription lost, reconnecting",
				zap.Duration("retry_in", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff
	}
}

func (s *Subscriber) runOnce(ctx context.Context) error {
	pubsub := s.cli.Subscribe(ctx, wire.Channels...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.log.Info("bus: subscribed", zap.Strings("channels", wire.Channels))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errChannelClosed
			}
			s.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

var errChannelClosed = &closedErr{}

type closedErr struct{}

func (*closedErr) Error() string { return "bus: subscription channel closed" }

func (s *Subscriber) dispatch(channel string, payload []byte) {
	ev, err := wire.DecodeEvent(channel, payload)
	if err != nil {
		s.log.Warn("bus: discarding malformed payload", zap.String("channel", channel), zap.Error(err))
		return
	}
	s.handler(ev)
}

// Close releases the underlying client.
func (s *Subscriber) Close() error { return s.cli.Close() }

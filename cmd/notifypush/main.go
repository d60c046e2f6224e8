// Command notifypush runs the push notification daemon: it subscribes to
// the host application's bus, maintains WebSocket connections to clients,
// and fans out file/activity/notification events to the connections of the
// affected users.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/notifypush/server/internal/bus"
	"github.com/notifypush/server/internal/config"
	"github.com/notifypush/server/internal/connection"
	"github.com/notifypush/server/internal/controlplane"
	"github.com/notifypush/server/internal/errs"
	"github.com/notifypush/server/internal/hostapi"
	"github.com/notifypush/server/internal/httpapi"
	"github.com/notifypush/server/internal/mapping"
	"github.com/notifypush/server/internal/metrics"
	"github.com/notifypush/server/internal/registry"
	"github.com/notifypush/server/internal/router"
	"github.com/notifypush/server/internal/wire"
)

// version is set at build time via -ldflags; it is published onto the bus
// by POST /test/version.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "notifypush:", err)
		os.Exit(1)
	}
}

// drainTimeout bounds how long shutdown waits for in-flight connection
// writes to settle before the process exits, per the cancellation model.
const drainTimeout = 5 * time.Second

func run() error {
	opt, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(opt)
	if err != nil {
		return err
	}

	level := zap.NewAtomicLevel()
	if perr := level.UnmarshalText([]byte(cfg.Log)); perr != nil {
		level.SetLevel(zapcore.WarnLevel)
	}
	log, err := newLogger(level, cfg.NoAnsi)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting", zap.String("version", version), zap.String("bind", cfg.Bind.Address))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	mtr := metrics.New(promReg)

	mappingStore, err := mapping.Connect(ctx, cfg.DatabaseURL, cfg.DatabasePrefix, mtr, log)
	if err != nil {
		return errs.New(errs.KindDatabase, "main.run", err)
	}
	defer mappingStore.Close()

	busOpts, err := resolveBusOptions(cfg)
	if err != nil {
		return err
	}

	cmds := bus.NewCommands(busOpts)
	defer cmds.Close() //nolint:errcheck

	hostClient, err := hostapi.New(cfg.NextcloudURL, cfg.AllowSelfSigned)
	if err != nil {
		return err
	}

	reg := registry.New()
	preAuth := controlplane.NewPreAuthStore()
	logCtl := controlplane.NewLogController(level)
	cookies := controlplane.NewTestCookieStore()
	metricsPub := controlplane.NewMetricsPublisher(cmds, func() (json.RawMessage, error) {
		return json.Marshal(mtr.Snapshot())
	})

	rt := router.New(reg, mappingStore, preAuth, cookies, logCtl, metricsPub, mtr, log)

	authenticator := connection.NewAuthenticator(preAuth, hostClient)

	httpHandler := httpapi.NewRouter(httpapi.Config{
		Authenticator:  authenticator,
		Registry:       reg,
		Mapping:        mappingStore,
		TestCookies:    cookies,
		HostAPI:        hostClient,
		Commands:       cmds,
		Metrics:        mtr,
		Version:        version,
		TrustedProxies: defaultTrustedProxies(),
		Log:            log,
	})

	mainServer, mainListener, err := newServer(cfg.Bind, cfg.TLS, httpHandler)
	if err != nil {
		return errs.New(errs.KindBind, "main.run", err)
	}

	var metricsServer *http.Server
	var metricsListener net.Listener
	if cfg.MetricsBind != nil {
		metricsServer, metricsListener, err = newServer(*cfg.MetricsBind, nil, mtr.Handler())
		if err != nil {
			return errs.New(errs.KindBind, "main.run", err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	subscriber := bus.New(busOpts, func(ev wire.BusEvent) {
		rt.Handle(groupCtx, ev)
	}, log)

	runSelfTest(groupCtx, hostClient, mappingStore, cmds, log)

	group.Go(func() error {
		log.Info("httpapi: serving", zap.String("addr", cfg.Bind.Address))
		if serr := mainServer.Serve(mainListener); serr != nil && serr != http.ErrServerClosed {
			return errs.New(errs.KindBind, "main.serve", serr)
		}
		return nil
	})

	if metricsServer != nil {
		group.Go(func() error {
			log.Info("metrics: serving", zap.String("addr", cfg.MetricsBind.Address))
			if serr := metricsServer.Serve(metricsListener); serr != nil && serr != http.ErrServerClosed {
				return errs.New(errs.KindBind, "main.serveMetrics", serr)
			}
			return nil
		})
	}

	group.Go(func() error {
		preAuth.RunSweeper(groupCtx.Done())
		return nil
	})

	group.Go(func() error {
		subscriber.Run(groupCtx)
		return nil
	})

	log.Info("ready")

	<-groupCtx.Done()
	log.Info("shutdown signal received, shutting down")

	// Stop accepting new connections, then close every live connection and
	// give in-flight writes a bounded window to settle before the process
	// exits, mirroring the cancel-then-drain shutdown the original
	// implementation performs by fanning a cancel signal out to its
	// spawned tasks.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	_ = mainServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	for _, h := range reg.AllConnections() {
		h.Close()
	}
	time.Sleep(minDrain(drainTimeout))

	if err := subscriber.Close(); err != nil {
		log.Warn("bus: close on shutdown", zap.Error(err))
	}

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		log.Warn("shutdown: task returned error", zap.Error(err))
	}

	return nil
}

// minDrain caps the post-close settle wait so shutdown never exceeds the
// configured drain window even if a connection's writer is slow to notice
// its channel closed.
func minDrain(d time.Duration) time.Duration {
	const settle = 200 * time.Millisecond
	if settle < d {
		return settle
	}
	return d
}

func newServer(bind config.Bind, tlsCfg *config.TlsConfig, handler http.Handler) (*http.Server, net.Listener, error) {
	network := bind.Network
	if network == "" {
		network = "tcp"
	}
	ln, err := net.Listen(network, bind.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s %s: %w", network, bind.Address, err)
	}

	if tlsCfg != nil {
		cert, cerr := tls.LoadX509KeyPair(tlsCfg.Cert, tlsCfg.Key)
		if cerr != nil {
			ln.Close()
			return nil, nil, fmt.Errorf("load tls keypair: %w", cerr)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, ln, nil
}

// resolveBusOptions turns the resolved Config's REDIS_URL into bus.Options.
// REDIS_URL is a connection URL (redis://, rediss:// or unix://), matching
// both §6's env table and the original's Client::open(url) (redis.rs); it
// may list more than one comma-separated URL, which selects cluster mode,
// mirroring the original's ClusterClient::new selection when more than one
// server is configured. The --redis-tls-cert/--redis-tls-key pair,
// --redis-tls-ca and --redis-tls-insecure are overlaid on top of whatever
// TLS settings the URL itself carried; --redis-tls-dont-validate-hostname
// is not applied.
func resolveBusOptions(cfg *config.Config) (bus.Options, error) {
	rawAddrs := strings.Split(cfg.RedisURL, ",")
	opts := bus.Options{Addrs: make([]string, 0, len(rawAddrs))}

	var tlsCfg *tls.Config
	for i, raw := range rawAddrs {
		parsed, err := redis.ParseURL(strings.TrimSpace(raw))
		if err != nil {
			return bus.Options{}, errs.New(errs.KindConfig, "resolveBusOptions", err)
		}
		opts.Addrs = append(opts.Addrs, parsed.Addr)
		if i == 0 {
			opts.Username = parsed.Username
			opts.Password = parsed.Password
			opts.DB = parsed.DB
			tlsCfg = parsed.TLSConfig
		}
	}
	opts.ClusterMode = len(opts.Addrs) > 1

	if cfg.RedisTLSCert != "" || cfg.RedisTLSKey != "" || cfg.RedisTLSCA != "" || cfg.RedisTLSInsecure {
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		tlsCfg.InsecureSkipVerify = cfg.RedisTLSInsecure //nolint:gosec
		if cfg.RedisTLSCert != "" && cfg.RedisTLSKey != "" {
			cert, err := tls.LoadX509KeyPair(cfg.RedisTLSCert, cfg.RedisTLSKey)
			if err != nil {
				return bus.Options{}, errs.New(errs.KindConfig, "resolveBusOptions", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		if cfg.RedisTLSCA != "" {
			caPEM, err := os.ReadFile(cfg.RedisTLSCA)
			if err != nil {
				return bus.Options{}, errs.New(errs.KindConfig, "resolveBusOptions", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return bus.Options{}, errs.New(errs.KindConfig, "resolveBusOptions", fmt.Errorf("no certificates in %s", cfg.RedisTLSCA))
			}
			tlsCfg.RootCAs = pool
		}
	}
	opts.TLS = tlsCfg
	return opts, nil
}

// defaultTrustedProxies lists the address ranges the diagnostics surface
// trusts to set X-Forwarded-For: loopback and the private ranges a
// co-located reverse proxy typically runs on. The daemon is always meant
// to sit behind such a proxy in production.
func defaultTrustedProxies() []*net.IPNet {
	cidrs := []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// selfTestTimeout bounds the startup self-test; a failure here is logged
// but never aborts startup, per the original implementation's behavior of
// treating self_test() as advisory.
const selfTestTimeout = 10 * time.Second

// runSelfTest exercises reachability to the database and the host
// application once at startup, mirroring the original implementation's
// advisory self_test: it never aborts startup, only logs.
func runSelfTest(ctx context.Context, hostClient *hostapi.Client, mappingStore *mapping.Store, cmds *bus.Commands, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, selfTestTimeout)
	defer cancel()

	mappingStore.UsersForStorage(ctx, 1, "")

	const versionKey = "notify_push_app_version"
	if err := cmds.Del(ctx, versionKey); err != nil {
		log.Warn("self-test: bus unreachable", zap.Error(err))
		return
	}
	if err := hostClient.RequestAppVersion(ctx); err != nil {
		log.Warn("self-test: host application unreachable", zap.Error(err))
		return
	}
	if reported, err := cmds.Get(ctx, versionKey); err == nil && reported != "" && reported != version {
		log.Warn("self-test: host application version mismatch",
			zap.String("server_version", version), zap.String("app_version", reported))
	}
}

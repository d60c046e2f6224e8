// Package config resolves the daemon's configuration from three layered
// sources — command-line flags, environment variables, and the host
// application's config file — in flags > env > file precedence, mirroring
// the layering the original implementation performs before constructing
// its final Config.
package config

import (
	"github.com/spf13/pflag"
)

// Opt is the raw, unmerged set of command-line flags, parsed with pflag the
// way the teacher's CLI entrypoints do.
type Opt struct {
	ConfigFile string
	GlobConfig bool

	DatabaseURL    string
	DatabasePrefix string
	RedisURL       string

	RedisTLSCert                 string
	RedisTLSKey                  string
	RedisTLSCA                   string
	RedisTLSDontValidateHostname bool
	RedisTLSInsecure             bool

	NextcloudURL     string
	AllowSelfSigned  bool
	Port             uint16
	MetricsPort      uint16
	SocketPath       string
	MetricsSocketPath string
	SocketPermissions string

	TLSCert string
	TLSKey  string

	Log    string
	NoAnsi bool

	MaxDebounceTime  uint
	MaxConnectionTime uint
}

// ParseFlags builds an Opt from argv, per the CLI surface in §6. The
// positional argument (if present) is the host application config file
// path, or a glob when --glob-config is set.
func ParseFlags(argv []string) (*Opt, error) {
	fs := pflag.NewFlagSet("notify_push", pflag.ContinueOnError)

	opt := &Opt{}
	fs.StringVar(&opt.DatabaseURL, "database-url", "", "the database connect url")
	fs.StringVar(&opt.DatabasePrefix, "database-prefix", "", "the table prefix for the host application's database tables")
	fs.StringVar(&opt.RedisURL, "redis-url", "", "the bus connect url")
	fs.StringVar(&opt.RedisTLSCert, "redis-tls-cert", "", "client certificate for bus TLS")
	fs.StringVar(&opt.RedisTLSKey, "redis-tls-key", "", "client key for bus TLS")
	fs.StringVar(&opt.RedisTLSCA, "redis-tls-ca", "", "CA certificate for bus TLS")
	fs.BoolVar(&opt.RedisTLSDontValidateHostname, "redis-tls-dont-validate-hostname", false, "skip bus TLS hostname validation")
	fs.BoolVar(&opt.RedisTLSInsecure, "redis-tls-insecure", false, "skip bus TLS certificate validation")
	fs.StringVar(&opt.NextcloudURL, "nextcloud-url", "", "the url this server can reach the host application on")
	fs.BoolVar(&opt.AllowSelfSigned, "allow-self-signed", false, "accept self-signed certificates from the host application")
	fs.Uint16Var(&opt.Port, "port", 0, "the port to serve the push server on")
	fs.Uint16Var(&opt.MetricsPort, "metrics-port", 0, "the port to serve metrics on")
	fs.StringVar(&opt.SocketPath, "socket-path", "", "listen on a unix socket instead of TCP")
	fs.StringVar(&opt.MetricsSocketPath, "metrics-socket-path", "", "serve metrics on a unix socket instead of TCP")
	fs.StringVar(&opt.TLSCert, "tls-cert", "", "TLS certificate")
	fs.StringVar(&opt.TLSKey, "tls-key", "", "TLS key")
	fs.StringVar(&opt.Log, "log", "", "the log filter")
	fs.BoolVar(&opt.NoAnsi, "no-ansi", false, "disable ansi escape sequences in logging output")
	fs.BoolVar(&opt.GlobConfig, "glob-config", false, "treat the config file argument as a glob pattern and merge every matching file")
	fs.UintVar(&opt.MaxDebounceTime, "max-debounce-time", 0, "unused by this implementation; kept for CLI compatibility")
	fs.UintVar(&opt.MaxConnectionTime, "max-connection-time", 0, "maximum connection lifetime in seconds; parsed into the config but not enforced by this implementation")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		opt.ConfigFile = fs.Arg(0)
	}
	return opt, nil
}

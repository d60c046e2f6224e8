package config

import (
	"strconv"
	"strings"

	"github.com/notifypush/server/internal/errs"
)

// Bind is either a TCP address or a Unix socket path, mirroring the two
// listener modes in §6.
type Bind struct {
	Network string // "tcp" or "unix"
	Address string
}

func (b Bind) String() string { return b.Address }

// TlsConfig names the certificate/key pair used to terminate TLS directly,
// when the daemon is not run behind a TLS-terminating proxy.
type TlsConfig struct {
	Cert string
	Key  string
}

// Config is the fully resolved, ready-to-use configuration.
type Config struct {
	DatabaseURL    string
	DatabasePrefix string
	RedisURL       string
	RedisTLSCert   string
	RedisTLSKey    string
	RedisTLSCA     string
	RedisTLSDontValidateHostname bool
	RedisTLSInsecure             bool

	NextcloudURL    string
	AllowSelfSigned bool

	Bind        Bind
	MetricsBind *Bind

	TLS *TlsConfig

	Log    string
	NoAnsi bool

	MaxConnectionTime uint
}

const defaultPort = 7867

// Resolve turns a fully-merged PartialConfig into a Config, applying the
// same defaults the original implementation's TryFrom<PartialConfig> does:
// port 7867, table prefix "oc_", log level "warn".
func Resolve(p PartialConfig) (*Config, error) {
	cfg := &Config{
		DatabasePrefix: "oc_",
		Log:            "warn",
	}

	if p.DatabaseURL == nil {
		return nil, errs.New(errs.KindConfig, "config.Resolve", errMissing("database_url"))
	}
	cfg.DatabaseURL = *p.DatabaseURL
	if p.DatabasePrefix != nil {
		cfg.DatabasePrefix = *p.DatabasePrefix
	}

	if p.RedisURL == nil {
		return nil, errs.New(errs.KindConfig, "config.Resolve", errMissing("redis_url"))
	}
	cfg.RedisURL = *p.RedisURL
	assignStr(&cfg.RedisTLSCert, p.RedisTLSCert)
	assignStr(&cfg.RedisTLSKey, p.RedisTLSKey)
	assignStr(&cfg.RedisTLSCA, p.RedisTLSCA)
	if p.RedisTLSDontValidateHostname != nil {
		cfg.RedisTLSDontValidateHostname = *p.RedisTLSDontValidateHostname
	}
	if p.RedisTLSInsecure != nil {
		cfg.RedisTLSInsecure = *p.RedisTLSInsecure
	}

	if p.NextcloudURL == nil {
		return nil, errs.New(errs.KindConfig, "config.Resolve", errMissing("nextcloud_url"))
	}
	cfg.NextcloudURL = *p.NextcloudURL
	if !strings.HasSuffix(cfg.NextcloudURL, "/") {
		cfg.NextcloudURL += "/"
	}
	if p.AllowSelfSigned != nil {
		cfg.AllowSelfSigned = *p.AllowSelfSigned
	}

	if p.SocketPath != nil {
		cfg.Bind = Bind{Network: "unix", Address: *p.SocketPath}
	} else {
		port := defaultPort
		if p.Port != nil {
			port = int(*p.Port)
		}
		cfg.Bind = Bind{Network: "tcp", Address: formatTCP(port)}
	}

	if p.MetricsSocketPath != nil {
		cfg.MetricsBind = &Bind{Network: "unix", Address: *p.MetricsSocketPath}
	} else if p.MetricsPort != nil {
		b := Bind{Network: "tcp", Address: formatTCP(int(*p.MetricsPort))}
		cfg.MetricsBind = &b
	}

	if p.TLSCert != nil && p.TLSKey != nil {
		cfg.TLS = &TlsConfig{Cert: *p.TLSCert, Key: *p.TLSKey}
	}

	if p.Log != nil {
		cfg.Log = *p.Log
	}
	if p.NoAnsi != nil {
		cfg.NoAnsi = *p.NoAnsi
	}
	if p.MaxConnectionTime != nil {
		cfg.MaxConnectionTime = *p.MaxConnectionTime
	}

	return cfg, nil
}

func formatTCP(port int) string {
	return ":" + strconv.Itoa(port)
}

func assignStr(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

type missingFieldError struct{ field string }

func (e *missingFieldError) Error() string { return "missing required setting: " + e.field }

func errMissing(field string) error { return &missingFieldError{field: field} }

// Load runs the full flags > env > file resolution pipeline for opt,
// per §6's precedence rule.
func Load(opt *Opt) (*Config, error) {
	fromOpt := FromOpt(opt)
	fromEnv := FromEnv()

	merged := fromOpt.Merge(fromEnv)
	if opt.ConfigFile != "" {
		fromFile, err := FromFile(opt.ConfigFile, opt.GlobConfig)
		if err != nil {
			return nil, err
		}
		merged = merged.Merge(fromFile)
	}

	return Resolve(merged)
}

package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/notifypush/server/internal/errs"
)

// PartialConfig is an overlay of optional settings from one source (flags,
// environment, or the host application's config file). nil/empty fields
// mean "not specified by this layer"; Merge lets a higher-precedence layer
// fill in only what it actually set.
type PartialConfig struct {
	DatabaseURL    *string
	DatabasePrefix *string
	RedisURL       *string

	RedisTLSCert                 *string
	RedisTLSKey                  *string
	RedisTLSCA                   *string
	RedisTLSDontValidateHostname *bool
	RedisTLSInsecure             *bool

	NextcloudURL    *string
	AllowSelfSigned *bool
	Port            *uint16
	MetricsPort     *uint16
	SocketPath      *string
	MetricsSocketPath *string

	TLSCert *string
	TLSKey  *string

	Log    *string
	NoAnsi *bool

	MaxConnectionTime *uint
}

// Merge returns a PartialConfig with every field of p set if present,
// otherwise falling back to other. Call as `higher.Merge(lower)`.
func (p PartialConfig) Merge(other PartialConfig) PartialConfig {
	return PartialConfig{
		DatabaseURL:       firstNonNil(p.DatabaseURL, other.DatabaseURL),
		DatabasePrefix:    firstNonNil(p.DatabasePrefix, other.DatabasePrefix),
		RedisURL:          firstNonNil(p.RedisURL, other.RedisURL),
		RedisTLSCert:      firstNonNil(p.RedisTLSCert, other.RedisTLSCert),
		RedisTLSKey:       firstNonNil(p.RedisTLSKey, other.RedisTLSKey),
		RedisTLSCA:        firstNonNil(p.RedisTLSCA, other.RedisTLSCA),
		RedisTLSDontValidateHostname: firstNonNil(p.RedisTLSDontValidateHostname, other.RedisTLSDontValidateHostname),
		RedisTLSInsecure:  firstNonNil(p.RedisTLSInsecure, other.RedisTLSInsecure),
		NextcloudURL:      firstNonNil(p.NextcloudURL, other.NextcloudURL),
		AllowSelfSigned:   firstNonNil(p.AllowSelfSigned, other.AllowSelfSigned),
		Port:              firstNonNil(p.Port, other.Port),
		MetricsPort:       firstNonNil(p.MetricsPort, other.MetricsPort),
		SocketPath:        firstNonNil(p.SocketPath, other.SocketPath),
		MetricsSocketPath: firstNonNil(p.MetricsSocketPath, other.MetricsSocketPath),
		TLSCert:           firstNonNil(p.TLSCert, other.TLSCert),
		TLSKey:            firstNonNil(p.TLSKey, other.TLSKey),
		Log:               firstNonNil(p.Log, other.Log),
		NoAnsi:            firstNonNil(p.NoAnsi, other.NoAnsi),
		MaxConnectionTime: firstNonNil(p.MaxConnectionTime, other.MaxConnectionTime),
	}
}

func firstNonNil[T any](a, b *T) *T {
	if a != nil {
		return a
	}
	return b
}

// FromOpt lifts the flags the user actually set into a PartialConfig.
// pflag tells us which flags were explicitly set via fs.Changed, but since
// Opt has already been parsed into plain fields, zero-value flags are
// treated as unset here — acceptable since none of these flags have a
// meaningful zero value a user would intentionally choose.
func FromOpt(o *Opt) PartialConfig {
	p := PartialConfig{}
	setIf(&p.DatabaseURL, o.DatabaseURL)
	setIf(&p.DatabasePrefix, o.DatabasePrefix)
	setIf(&p.RedisURL, o.RedisURL)
	setIf(&p.RedisTLSCert, o.RedisTLSCert)
	setIf(&p.RedisTLSKey, o.RedisTLSKey)
	setIf(&p.RedisTLSCA, o.RedisTLSCA)
	setIf(&p.NextcloudURL, o.NextcloudURL)
	setIf(&p.SocketPath, o.SocketPath)
	setIf(&p.MetricsSocketPath, o.MetricsSocketPath)
	setIf(&p.TLSCert, o.TLSCert)
	setIf(&p.TLSKey, o.TLSKey)
	setIf(&p.Log, o.Log)
	if o.Port != 0 {
		p.Port = &o.Port
	}
	if o.MetricsPort != 0 {
		p.MetricsPort = &o.MetricsPort
	}
	if o.AllowSelfSigned {
		p.AllowSelfSigned = &o.AllowSelfSigned
	}
	if o.RedisTLSDontValidateHostname {
		p.RedisTLSDontValidateHostname = &o.RedisTLSDontValidateHostname
	}
	if o.RedisTLSInsecure {
		p.RedisTLSInsecure = &o.RedisTLSInsecure
	}
	if o.NoAnsi {
		p.NoAnsi = &o.NoAnsi
	}
	if o.MaxConnectionTime != 0 {
		p.MaxConnectionTime = &o.MaxConnectionTime
	}
	return p
}

func setIf(dst **string, v string) {
	if v != "" {
		dst2 := v
		*dst = &dst2
	}
}

// envPrefix-less names match the environment variable table in §6 exactly:
// PORT, SOCKET_PATH, METRICS_PORT, METRICS_SOCKET_PATH, TLS_CERT, TLS_KEY,
// DATABASE_URL, DATABASE_PREFIX, REDIS_URL, NEXTCLOUD_URL, LOG,
// ALLOW_SELF_SIGNED, plus the Redis-TLS set.
func FromEnv() PartialConfig {
	p := PartialConfig{}
	setIf(&p.DatabaseURL, os.Getenv("DATABASE_URL"))
	setIf(&p.DatabasePrefix, os.Getenv("DATABASE_PREFIX"))
	setIf(&p.RedisURL, os.Getenv("REDIS_URL"))
	setIf(&p.RedisTLSCert, os.Getenv("REDIS_TLS_CERT"))
	setIf(&p.RedisTLSKey, os.Getenv("REDIS_TLS_KEY"))
	setIf(&p.RedisTLSCA, os.Getenv("REDIS_TLS_CA"))
	setIf(&p.NextcloudURL, os.Getenv("NEXTCLOUD_URL"))
	setIf(&p.SocketPath, os.Getenv("SOCKET_PATH"))
	setIf(&p.MetricsSocketPath, os.Getenv("METRICS_SOCKET_PATH"))
	setIf(&p.TLSCert, os.Getenv("TLS_CERT"))
	setIf(&p.TLSKey, os.Getenv("TLS_KEY"))
	setIf(&p.Log, os.Getenv("LOG"))

	if v, ok := parseUint16Env("PORT"); ok {
		p.Port = &v
	}
	if v, ok := parseUint16Env("METRICS_PORT"); ok {
		p.MetricsPort = &v
	}
	if v, ok := parseBoolEnv("ALLOW_SELF_SIGNED"); ok {
		p.AllowSelfSigned = &v
	}
	if v, ok := parseBoolEnv("REDIS_TLS_DONT_VALIDATE_HOSTNAME"); ok {
		p.RedisTLSDontValidateHostname = &v
	}
	if v, ok := parseBoolEnv("REDIS_TLS_INSECURE"); ok {
		p.RedisTLSInsecure = &v
	}
	return p
}

func parseUint16Env(name string) (uint16, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

func parseBoolEnv(name string) (bool, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// FromFile reads the host application's config file. The real host
// application ships a PHP config; this daemon expects the operator (or a
// small adapter shipped with the host application's packaging, out of
// scope here) to provide it as a flat "key = value" file instead, one
// setting per line, '#' comments allowed. When glob is set, path is
// treated as a glob pattern and every matching file is merged in
// lexical order, lowest precedence first.
func FromFile(path string, glob bool) (PartialConfig, error) {
	paths := []string{path}
	if glob {
		matches, err := filepath.Glob(path)
		if err != nil {
			return PartialConfig{}, errs.New(errs.KindConfig, "config.FromFile", err)
		}
		paths = matches
	}

	merged := PartialConfig{}
	for _, p := range paths {
		part, err := parseKeyValueFile(p)
		if err != nil {
			return PartialConfig{}, err
		}
		// Merge's receiver wins conflicts, so the file just read (later in
		// lexical order, meant to be higher precedence) must be the
		// receiver for later files to override earlier ones.
		merged = part.Merge(merged)
	}
	return merged, nil
}

func parseKeyValueFile(path string) (PartialConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return PartialConfig{}, errs.New(errs.KindConfig, "config.parseKeyValueFile", err)
	}
	defer f.Close()

	p := PartialConfig{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		assignKeyValue(&p, key, value)
	}
	if err := scanner.Err(); err != nil {
		return PartialConfig{}, errs.New(errs.KindConfig, "config.parseKeyValueFile", err)
	}
	return p, nil
}

func assignKeyValue(p *PartialConfig, key, value string) {
	switch key {
	case "dbtype", "dburl", "database_url":
		setIf(&p.DatabaseURL, value)
	case "dbtableprefix", "database_prefix":
		setIf(&p.DatabasePrefix, value)
	case "redis_url":
		setIf(&p.RedisURL, value)
	case "overwrite.cli.url", "nextcloud_url":
		setIf(&p.NextcloudURL, value)
	case "port":
		if v, ok := parseUint16(value); ok {
			p.Port = &v
		}
	case "metrics_port":
		if v, ok := parseUint16(value); ok {
			p.MetricsPort = &v
		}
	case "socket_path":
		setIf(&p.SocketPath, value)
	case "metrics_socket_path":
		setIf(&p.MetricsSocketPath, value)
	case "loglevel", "log":
		setIf(&p.Log, value)
	case "allow_self_signed":
		if v, err := strconv.ParseBool(value); err == nil {
			p.AllowSelfSigned = &v
		}
	}
}

func parseUint16(s string) (uint16, bool) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

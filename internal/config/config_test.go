package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestResolveAppliesDefaults(t *testing.T) {
	p := PartialConfig{
		DatabaseURL:  strPtr("postgres://db"),
		RedisURL:     strPtr("redis://bus"),
		NextcloudURL: strPtr("https://cloud.example"),
	}

	cfg, err := Resolve(p)
	require.NoError(t, err)

	assert.Equal(t, "oc_", cfg.DatabasePrefix)
	assert.Equal(t, "warn", cfg.Log)
	assert.Equal(t, "tcp", cfg.Bind.Network)
	assert.Equal(t, ":7867", cfg.Bind.Address)
	assert.Equal(t, "https://cloud.example/", cfg.NextcloudURL)
}

func TestResolveRequiresDatabaseRedisAndNextcloudURL(t *testing.T) {
	_, err := Resolve(PartialConfig{})
	assert.Error(t, err)

	_, err = Resolve(PartialConfig{DatabaseURL: strPtr("x")})
	assert.Error(t, err)

	_, err = Resolve(PartialConfig{DatabaseURL: strPtr("x"), RedisURL: strPtr("y")})
	assert.Error(t, err)
}

func TestResolveSocketPathOverridesPort(t *testing.T) {
	port := uint16(9000)
	p := PartialConfig{
		DatabaseURL:  strPtr("d"),
		RedisURL:     strPtr("r"),
		NextcloudURL: strPtr("https://cloud"),
		Port:         &port,
		SocketPath:   strPtr("/tmp/push.sock"),
	}
	cfg, err := Resolve(p)
	require.NoError(t, err)

	assert.Equal(t, "unix", cfg.Bind.Network)
	assert.Equal(t, "/tmp/push.sock", cfg.Bind.Address)
}

func TestPartialConfigMergePrecedence(t *testing.T) {
	high := PartialConfig{Log: strPtr("debug")}
	low := PartialConfig{Log: strPtr("warn"), DatabaseURL: strPtr("d")}

	merged := high.Merge(low)
	assert.Equal(t, "debug", *merged.Log)
	assert.Equal(t, "d", *merged.DatabaseURL)
}

func TestFromEnvReadsExactVariableNames(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("PORT", "8123")
	t.Setenv("ALLOW_SELF_SIGNED", "true")

	p := FromEnv()
	require.NotNil(t, p.DatabaseURL)
	assert.Equal(t, "postgres://env", *p.DatabaseURL)
	require.NotNil(t, p.Port)
	assert.Equal(t, uint16(8123), *p.Port)
	require.NotNil(t, p.AllowSelfSigned)
	assert.True(t, *p.AllowSelfSigned)
}

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://env")
	t.Setenv("DATABASE_URL", "postgres://env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.php")
	require.NoError(t, os.WriteFile(path, []byte(
		"dburl = postgres://file\n"+
			"redis_url = redis://file\n"+
			"overwrite.cli.url = https://file.example\n"+
			"# a comment\n"+
			"\n",
	), 0o600))

	opt := &Opt{ConfigFile: path, DatabaseURL: "postgres://flag"}
	cfg, err := Load(opt)
	require.NoError(t, err)

	// flag wins over env and file for database url
	assert.Equal(t, "postgres://flag", cfg.DatabaseURL)
	// env wins over file for redis url, since no flag was set
	assert.Equal(t, "redis://env", cfg.RedisURL)
	// file is the only source for nextcloud url
	assert.Equal(t, "https://file.example/", cfg.NextcloudURL)
}

func TestFromFileGlobMergesLexicalOrderLowestPrecedenceFirst(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.conf"), []byte("log = warn\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.conf"), []byte("log = debug\n"), 0o600))

	p, err := FromFile(filepath.Join(dir, "*.conf"), true)
	require.NoError(t, err)
	require.NotNil(t, p.Log)
	// later (lexically greater) files win, mirroring Merge(higher, lower)
	// applied in filepath.Glob's sorted order.
	assert.Equal(t, "debug", *p.Log)
}

func TestFromFileIgnoresMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.php")
	require.NoError(t, os.WriteFile(path, []byte("not a key value line\ndburl = postgres://ok\n"), 0o600))

	p, err := FromFile(path, false)
	require.NoError(t, err)
	require.NotNil(t, p.DatabaseURL)
	assert.Equal(t, "postgres://ok", *p.DatabaseURL)
}

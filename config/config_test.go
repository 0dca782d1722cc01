package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("14d")
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, d)

	d, err = ParseDuration("30s")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	_, err = ParseDuration("not-a-duration")
	assert.Error(t, err)
}

func TestDaemonConfigNormalizeDefaults(t *testing.T) {
	var cfg DaemonConfig
	cfg.Normalize()

	assert.Equal(t, ":8420", cfg.Listen)
	assert.Equal(t, 64*1024, cfg.MaxHeaderLen)
	assert.Equal(t, int64(25*1024*1024), cfg.MaxBodyLen)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 64, cfg.ProcessQueueSize)
	assert.Equal(t, "/var/spool/bouncer", cfg.Spool.Root)
	assert.NotEmpty(t, cfg.StatusMapping.SuccessActions)
}

func TestDaemonConfigValidate(t *testing.T) {
	var cfg DaemonConfig
	cfg.Normalize()
	assert.Error(t, cfg.Validate(), "missing database.write should fail validation")

	cfg.Database.Write = &DatabaseEndpointConfig{Hosts: []string{"db.internal"}}
	assert.NoError(t, cfg.Validate())

	cfg.IMAP.Enabled = true
	cfg.IMAP.Host = ""
	assert.Error(t, cfg.Validate(), "imap.enabled without imap.host should fail validation")
}

func TestObserverConfigNormalizeAndValidate(t *testing.T) {
	var cfg ObserverConfig
	cfg.Normalize()

	assert.Equal(t, ":10514", cfg.ListenUDP)
	assert.Equal(t, 1024, cfg.QueueCapacity)
	assert.NotEmpty(t, cfg.Source, "source should default to the local hostname")
	assert.Error(t, cfg.Validate(), "missing server address should fail validation")

	cfg.Server = "daemon.internal:8420"
	assert.NoError(t, cfg.Validate())

	ttl, err := cfg.GetMappingTTL()
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, ttl)
}

func TestStatusMappingClassify(t *testing.T) {
	m := defaultStatusMapping()

	assert.Equal(t, "delivered", m.Classify("delivered", "2.0.0"))
	assert.Equal(t, "delivered", m.Classify("relayed", ""))
	assert.Equal(t, "pending", m.Classify("delayed", ""))
	assert.Equal(t, "failed", m.Classify("failed", ""))
	assert.Equal(t, "suspended", m.Classify("", "5.7.1"), "suspend class should refine an unclassified action")
	assert.Equal(t, "failed", m.Classify("", "5.1.1"), "5.x outside suspend classes is failed")
	assert.Equal(t, "pending", m.Classify("", "4.4.1"))
	assert.Equal(t, "delivered", m.Classify("", "2.1.5"))
}

func TestResolvePath(t *testing.T) {
	t.Run("positional argument wins", func(t *testing.T) {
		got := ResolvePath("/etc/explicit.toml", "BOUNCER_CONFIG_PATH_TEST", "daemon")
		assert.Equal(t, "/etc/explicit.toml", got)
	})

	t.Run("environment variable used when no positional arg", func(t *testing.T) {
		t.Setenv("BOUNCER_CONFIG_PATH_TEST", "/etc/from-env.toml")
		got := ResolvePath("", "BOUNCER_CONFIG_PATH_TEST", "daemon")
		assert.Equal(t, "/etc/from-env.toml", got)
	})

	t.Run("falls back to current directory", func(t *testing.T) {
		got := ResolvePath("", "BOUNCER_CONFIG_PATH_TEST_UNSET", "daemon")
		assert.Equal(t, "./daemon.toml", got)
	})
}

func TestLoadTrimsWhitespaceAndWarnsOnUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.toml")
	content := `
listen = "  :8420  "

[database.write]
hosts = ["db.internal"]
user = "bouncer"

[unexpected]
field = "value"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var cfg DaemonConfig
	require.NoError(t, Load(path, &cfg))

	assert.Equal(t, ":8420", cfg.Listen, "Load should trim whitespace from string fields")
	assert.Equal(t, []string{"db.internal"}, cfg.Database.Write.Hosts)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Capacity)
	assert.Equal(t, ".", cfg.Transcript.Dir)
	assert.True(t, cfg.Transcript.Enabled)
	assert.True(t, cfg.Relay.Stamp)
	assert.Equal(t, 256, cfg.Conn.SendQueue)
	assert.Equal(t, 5*time.Second, cfg.Conn.WriteTimeout)
	assert.Zero(t, cfg.Conn.ReadTimeout)
	assert.Empty(t, cfg.Admin.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	opts := cfg.ChatOptions()
	assert.Equal(t, 100, opts.Capacity)
	assert.True(t, opts.StampMessages)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaychat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capacity: 8
transcript:
  dir: /var/log/chat
relay:
  stamp: false
conn:
  write_timeout: 2s
log:
  format: json
`), 0o644))
	t.Setenv("RELAYCHAT_CAPACITY", "12")
	t.Setenv("RELAYCHAT_ADMIN_ADDR", "127.0.0.1:9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Capacity)
	assert.Equal(t, "/var/log/chat", cfg.Transcript.Dir)
	assert.False(t, cfg.Relay.Stamp)
	assert.Equal(t, 2*time.Second, cfg.Conn.WriteTimeout)
	assert.Equal(t, "127.0.0.1:9090", cfg.Admin.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaychat.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"capacity": 3, "log": {"level": "debug"}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Capacity)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	t.Setenv("RELAYCHAT_CAPACITY", "12")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("capacity", 0, "")
	require.NoError(t, fs.Parse([]string{"--capacity=4"}))

	l := NewLoader()
	require.NoError(t, l.BindFlag("capacity", fs.Lookup("capacity")))
	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Capacity)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Capacity = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Conn.SendQueue = -1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Log.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Transcript.Dir = ""
	assert.Error(t, cfg.Validate())
	cfg.Transcript.Enabled = false
	assert.NoError(t, cfg.Validate())
}

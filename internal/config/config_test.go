package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsync/internal/model"
	"rtsync/internal/service"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "8090", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Connection.MaxReconnectAttempts)
	assert.Equal(t, "file", cfg.Store.Driver)

	pc := cfg.PipelineConfig()
	assert.Equal(t, service.DefaultBatchSize, pc.Connection.BatchSize)
	assert.Equal(t, service.DefaultMaxBufferSize, pc.Connection.Queue.MaxBufferSize)
	assert.Equal(t, service.DefaultCacheTTL, pc.Cache.TTL)
	assert.Equal(t, service.DefaultSyncTimeout, pc.SyncTimeout)
	assert.Equal(t, []string{"read", "write", "subscribe"}, pc.Connection.Capabilities)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
connection:
  url: wss://sync.example.com/ws
  heartbeat_interval: 10s
  batch_size: 20
store:
  driver: sqlite
  path: /var/lib/rtsync/offline.db
auth:
  user_id: "7"
subscriptions:
  - channels: [project:42, global]
    event_types: [feedback:created]
    priority: high
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.yaml"), []byte(yaml), 0o600))
	t.Setenv("MODE", "test")
	t.Setenv("RTSYNC_CONFIG_DIR", dir)
	t.Setenv("RTSYNC_QUEUE_MAX_ATTEMPTS", "7")
	t.Setenv("RTSYNC_AUTH_TOKEN", "tok")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Mode)
	assert.Equal(t, "wss://sync.example.com/ws", cfg.Connection.URL)
	assert.Equal(t, 10*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 20, cfg.Connection.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Connection.ReconnectBase, "未配置的项使用默认值")
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	assert.Equal(t, "sqlite", cfg.Store.Driver)

	creds := cfg.Credentials()
	assert.Equal(t, "tok", creds.Token)
	assert.Equal(t, "7", creds.UserID)

	subs := cfg.SubscriptionConfigs()
	require.Len(t, subs, 1)
	assert.Equal(t, []model.Channel{"project:42", "global"}, subs[0].Channels)
	assert.Equal(t, []model.EventType{model.EventFeedbackCreated}, subs[0].EventTypes)
	assert.Equal(t, model.PriorityHigh, subs[0].Priority)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("MODE", "missing")
	t.Setenv("RTSYNC_CONFIG_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "missing", cfg.Mode)
	assert.Equal(t, Default().Connection, cfg.Connection)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("connection: [unterminated"), 0o600))
	t.Setenv("MODE", "broken")
	t.Setenv("RTSYNC_CONFIG_DIR", dir)

	_, err := Load()
	assert.Error(t, err)
}

func TestReloadLogLevel(t *testing.T) {
	v := viper.New()
	var got []logrus.Level
	apply := func(l logrus.Level) { got = append(got, l) }

	v.Set("log.level", "debug")
	reloadLogLevel(v, fsnotify.Event{Name: "local.yaml"}, apply)
	v.Set("log.level", "verbose")
	reloadLogLevel(v, fsnotify.Event{Name: "local.yaml"}, apply)

	assert.Equal(t, []logrus.Level{logrus.DebugLevel}, got)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, "http://127.0.0.1:8080", cfg.Store.BaseURL)
	assert.Equal(t, "websocket", cfg.Transport.Kind)
	assert.Equal(t, 30*time.Second, cfg.Transport.PongWait)
	assert.Equal(t, 27*time.Second, cfg.Transport.PingPeriod)
	assert.Equal(t, "chatsync:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 2*time.Second, cfg.Chat.TypingQuietPeriod)
	assert.Equal(t, 2*time.Second, cfg.Chat.EchoMatchWindow)
	assert.Equal(t, 50, cfg.Chat.HistoryPageSize)
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := Config{}
	cfg.Transport.Kind = "redis"
	cfg.Transport.PongWait = time.Minute
	cfg.Chat.TypingQuietPeriod = 5 * time.Second
	cfg.ApplyDefaults()

	assert.Equal(t, "redis", cfg.Transport.Kind)
	assert.Equal(t, time.Minute, cfg.Transport.PongWait)
	assert.Equal(t, 54*time.Second, cfg.Transport.PingPeriod)
	assert.Equal(t, 5*time.Second, cfg.Chat.TypingQuietPeriod)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
store:
  base_url: "http://store.test:9000"
transport:
  kind: "websocket"
  ws_url: "ws://store.test:9000/ws"
  reconnect_wait: 1s
chat:
  typing_quiet_period: 3s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://store.test:9000", cfg.Store.BaseURL)
	assert.Equal(t, "ws://store.test:9000/ws", cfg.Transport.WSURL)
	assert.Equal(t, time.Second, cfg.Transport.ReconnectWait)
	assert.Equal(t, 3*time.Second, cfg.Chat.TypingQuietPeriod)
	// Unset keys still get defaults.
	assert.Equal(t, 10*time.Second, cfg.Store.DialTimeout)
	assert.Equal(t, int64(51200), cfg.Transport.MaxMessageSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRedisAddr(t *testing.T) {
	r := RedisConfig{Host: "10.0.0.5", Port: 6379}
	assert.Equal(t, "10.0.0.5:6379", r.Addr())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := NewLoader().Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, BrokerNATS, cfg.Broker.Mode)
	assert.Equal(t, []string{"nats://127.0.0.1:4222"}, cfg.Broker.Endpoints)
	assert.Equal(t, "socket.io", cfg.Adapter.Prefix)
	assert.Equal(t, "/", cfg.Adapter.Namespace)
	assert.Equal(t, 500*time.Millisecond, cfg.Adapter.Timeout)
	assert.Equal(t, 1024, cfg.Adapter.Queue)
	assert.Equal(t, MembershipStatic, cfg.Membership.Mode)
	assert.Equal(t, 2, cfg.Membership.Nodes)
	assert.Equal(t, int64(10), cfg.Membership.Etcd.TTL)
	assert.Equal(t, 7946, cfg.Membership.Gossip.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestFileEnvAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zephyrcast.yaml")
	content := `
node:
  id: node-a
broker:
  endpoints:
    - nats://10.0.0.1:4222
    - nats://10.0.0.2:4222
adapter:
  namespace: /app
  timeout: 2s
membership:
  mode: gossip
  gossip:
    seeds: [10.0.0.1:7946]
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("ZEPHYRCAST_ADAPTER_QUEUE", "64")
	t.Setenv("ZEPHYRCAST_LOG_LEVEL", "warn")

	cfg, err := NewLoader(WithConfigFile(path)).Load(map[string]any{"http.addr": ":9090"})
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, []string{"nats://10.0.0.1:4222", "nats://10.0.0.2:4222"}, cfg.Broker.Endpoints)
	assert.Equal(t, "/app", cfg.Adapter.Namespace)
	assert.Equal(t, 2*time.Second, cfg.Adapter.Timeout)
	assert.Equal(t, 64, cfg.Adapter.Queue)
	assert.Equal(t, MembershipGossip, cfg.Membership.Mode)
	assert.Equal(t, []string{"10.0.0.1:7946"}, cfg.Membership.Gossip.Seeds)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestEnvCommaList(t *testing.T) {
	t.Setenv("ZEPHYRCAST_BROKER_ENDPOINTS", "a:4222,b:4222")
	cfg, err := NewLoader().Load(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:4222", "b:4222"}, cfg.Broker.Endpoints)
}

func TestMissingFile(t *testing.T) {
	_, err := NewLoader(WithConfigFile("/nonexistent/zephyrcast.yaml")).Load(nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := NewLoader().Load(nil)
	require.NoError(t, err)

	cfg.Broker.Mode = "kafka"
	cfg.Adapter.Namespace = "app"
	cfg.Adapter.Timeout = 20 * time.Second
	cfg.Membership.Mode = "raft"
	cfg.Log.Level = "loud"

	err = cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{"broker.mode", "adapter.namespace", "adapter.timeout", "membership.mode", "log.level"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := NewLoader().Load(map[string]any{"adapter.timeout": "50ms"})
	assert.ErrorContains(t, err, "adapter.timeout")

	_, err = NewLoader().Load(map[string]any{"membership.mode": "etcd", "membership.etcd.endpoints": []string{}})
	assert.ErrorContains(t, err, "membership.etcd.endpoints")
}

// Package config loads the node configuration with koanf.
//
// Sources, later overriding earlier: built-in defaults, a YAML file,
// ZEPHYRCAST_* environment variables, then command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// DefaultEnvPrefix is the prefix of the environment variables read.
const DefaultEnvPrefix = "ZEPHYRCAST_"

const (
	BrokerNATS   = "nats"
	BrokerMemory = "memory"

	MembershipStatic = "static"
	MembershipEtcd   = "etcd"
	MembershipGossip = "gossip"
)

type Config struct {
	Node       NodeConfig       `koanf:"node"`
	HTTP       HTTPConfig       `koanf:"http"`
	Broker     BrokerConfig     `koanf:"broker"`
	Adapter    AdapterConfig    `koanf:"adapter"`
	Membership MembershipConfig `koanf:"membership"`
	Log        LogConfig        `koanf:"log"`
}

type NodeConfig struct {
	// ID is generated at startup when empty.
	ID string `koanf:"id"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

type BrokerConfig struct {
	Mode      string   `koanf:"mode"`
	Endpoints []string `koanf:"endpoints"`
}

type AdapterConfig struct {
	Prefix    string        `koanf:"prefix"`
	Namespace string        `koanf:"namespace"`
	Timeout   time.Duration `koanf:"timeout"`
	Queue     int           `koanf:"queue"`
}

type MembershipConfig struct {
	Mode   string       `koanf:"mode"`
	Nodes  int          `koanf:"nodes"`
	Etcd   EtcdConfig   `koanf:"etcd"`
	Gossip GossipConfig `koanf:"gossip"`
}

type EtcdConfig struct {
	Endpoints []string `koanf:"endpoints"`
	TTL       int64    `koanf:"ttl"`
	Prefix    string   `koanf:"prefix"`
}

type GossipConfig struct {
	Bind  string   `koanf:"bind"`
	Port  int      `koanf:"port"`
	Seeds []string `koanf:"seeds"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Defaults returns the built-in values by key.
func Defaults() map[string]any {
	return map[string]any{
		"node.id":                   "",
		"http.addr":                 ":8080",
		"broker.mode":               BrokerNATS,
		"broker.endpoints":          []string{"nats://127.0.0.1:4222"},
		"adapter.prefix":            "socket.io",
		"adapter.namespace":         "/",
		"adapter.timeout":           "500ms",
		"adapter.queue":             1024,
		"membership.mode":           MembershipStatic,
		"membership.nodes":          2,
		"membership.etcd.endpoints": []string{"http://127.0.0.1:2379"},
		"membership.etcd.ttl":       10,
		"membership.etcd.prefix":    "/zephyrcast",
		"membership.gossip.bind":    "0.0.0.0",
		"membership.gossip.port":    7946,
		"membership.gossip.seeds":   []string{},
		"log.level":                 "info",
		"log.format":                "json",
	}
}

// Loader merges the configuration sources.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) { l.envPrefix = prefix }
}

// WithConfigFile sets the YAML file to read. An empty path skips the file.
func WithConfigFile(path string) Option {
	return func(l *Loader) { l.filePath = path }
}

func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load merges defaults, file, environment and overrides, then decodes and
// validates the result. Override keys use the dotted form, e.g. "http.addr".
func (l *Loader) Load(overrides map[string]any) (*Config, error) {
	if err := l.k.Load(mapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load file %s: %w", l.filePath, err)
		}
	}
	if err := l.loadEnv(); err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		if err := l.k.Load(mapProvider(overrides), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnv maps ZEPHYRCAST_BROKER_ENDPOINTS to broker.endpoints.
func (l *Loader) loadEnv() error {
	transform := func(s string) string {
		s = strings.TrimPrefix(s, l.envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

func (l *Loader) unmarshal(target *Config) error {
	return l.k.UnmarshalWithConf("", target, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			WeaklyTypedInput: true,
			Result:           target,
		},
	})
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs error
	bad := func(key, format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%s: %s", key, fmt.Sprintf(format, args...)))
	}

	if c.HTTP.Addr == "" {
		bad("http.addr", "required")
	}

	switch c.Broker.Mode {
	case BrokerNATS:
		if len(c.Broker.Endpoints) == 0 {
			bad("broker.endpoints", "at least one endpoint required")
		}
	case BrokerMemory:
	default:
		bad("broker.mode", "must be %q or %q, got %q", BrokerNATS, BrokerMemory, c.Broker.Mode)
	}

	if c.Adapter.Prefix == "" {
		bad("adapter.prefix", "required")
	}
	if !strings.HasPrefix(c.Adapter.Namespace, "/") {
		bad("adapter.namespace", "must start with /, got %q", c.Adapter.Namespace)
	}
	if c.Adapter.Timeout < 100*time.Millisecond || c.Adapter.Timeout > 10*time.Second {
		bad("adapter.timeout", "must be between 100ms and 10s, got %s", c.Adapter.Timeout)
	}
	if c.Adapter.Queue < 1 {
		bad("adapter.queue", "must be positive")
	}

	switch c.Membership.Mode {
	case MembershipStatic:
		if c.Membership.Nodes < 1 {
			bad("membership.nodes", "must be at least 1")
		}
	case MembershipEtcd:
		if len(c.Membership.Etcd.Endpoints) == 0 {
			bad("membership.etcd.endpoints", "at least one endpoint required")
		}
		if c.Membership.Etcd.TTL < 1 {
			bad("membership.etcd.ttl", "must be at least 1 second")
		}
	case MembershipGossip:
		if c.Membership.Gossip.Port < 0 || c.Membership.Gossip.Port > 65535 {
			bad("membership.gossip.port", "out of range")
		}
	default:
		bad("membership.mode", "must be static, etcd or gossip, got %q", c.Membership.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		bad("log.level", "%v", err)
	}
	switch c.Log.Format {
	case "json", "console", "text":
	default:
		bad("log.format", "must be json or console, got %q", c.Log.Format)
	}
	return errs
}

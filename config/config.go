// Package config holds the endpoint identity and the tunables of the server and client engines.
//
// A Config is usually built with Default() and adjusted in code, or read from YAML with Load:
//
//	endpoint:
//	  base_dir: /tmp/
//	  category: custom
//	  namespace: demo
//	server:
//	  max_message_mb: 1
//	  rate_limit: {rate: 200, burst: 50}
//	client:
//	  timeout: 10s
//	discovery:
//	  etcd:
//	    endpoints: [127.0.0.1:2379]
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"uds-rpc/rpcerr"
)

const (
	DefaultBaseDir      = "/tmp/"
	DefaultMaxMessageMB = 1
	DefaultTimeout      = 10 * time.Second
	DefaultKeepAlive    = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultShutdown     = 5 * time.Second
	DefaultLeaseTTL     = 10
	DefaultKeyPrefix    = "/uds-rpc/"
)

type Config struct {
	Endpoint  Endpoint        `yaml:"endpoint"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type ServerConfig struct {
	MaxMessageMB    int       `yaml:"max_message_mb"`
	WriteTimeout    Duration  `yaml:"write_timeout"`
	ShutdownTimeout Duration  `yaml:"shutdown_timeout"`
	RateLimit       RateLimit `yaml:"rate_limit"`
	Announce        bool      `yaml:"announce"` // publish the endpoint when a directory is configured
	LeaseTTL        int64     `yaml:"lease_ttl"`
}

// RateLimit is disabled when Rate is zero.
type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type ClientConfig struct {
	Timeout      Duration `yaml:"timeout"` // per call, ignored for subscriptions
	MaxMessageMB int      `yaml:"max_message_mb"`
	KeepAlive    Duration `yaml:"keep_alive"` // heartbeat interval on subscriptions, 0 disables
}

type DiscoveryConfig struct {
	Etcd EtcdConfig `yaml:"etcd"`
}

type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout Duration `yaml:"dial_timeout"`
	KeyPrefix   string   `yaml:"key_prefix"`
}

// Duration accepts "10s" style strings or a bare integer number of seconds.
type Duration struct{ time.Duration }

func Seconds(n int) Duration { return Duration{time.Duration(n) * time.Second} }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.Set(s)
}

// Set parses s the same way the YAML decoder does.
func (d *Duration) Set(s string) error {
	if n, err := strconv.Atoi(s); err == nil {
		d.Duration = time.Duration(n) * time.Second
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func Default() Config {
	return Config{
		Endpoint: Endpoint{BaseDir: DefaultBaseDir, Category: CategoryCustom},
		Server: ServerConfig{
			MaxMessageMB:    DefaultMaxMessageMB,
			WriteTimeout:    Duration{DefaultWriteTimeout},
			ShutdownTimeout: Duration{DefaultShutdown},
			Announce:        true,
			LeaseTTL:        DefaultLeaseTTL,
		},
		Client: ClientConfig{
			Timeout:      Duration{DefaultTimeout},
			MaxMessageMB: DefaultMaxMessageMB,
			KeepAlive:    Duration{DefaultKeepAlive},
		},
		Discovery: DiscoveryConfig{
			Etcd: EtcdConfig{DialTimeout: Duration{5 * time.Second}, KeyPrefix: DefaultKeyPrefix},
		},
	}
}

// Load reads a YAML file on top of Default() and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindConfig, err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return err
	}
	if c.Server.MaxMessageMB <= 0 {
		return rpcerr.Config("server.max_message_mb must be positive, got %d", c.Server.MaxMessageMB)
	}
	if c.Client.MaxMessageMB <= 0 {
		return rpcerr.Config("client.max_message_mb must be positive, got %d", c.Client.MaxMessageMB)
	}
	if c.Client.Timeout.Duration < 0 {
		return rpcerr.Config("client.timeout must not be negative")
	}
	if c.Server.RateLimit.Rate < 0 || c.Server.RateLimit.Burst < 0 {
		return rpcerr.Config("server.rate_limit must not be negative")
	}
	return nil
}

// MaxBytes converts a megabyte limit into the byte limit enforced by the framing layer.
func MaxBytes(mb int) int {
	return mb * 1024 * 1024
}

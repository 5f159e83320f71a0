// Package config holds the gateway's declarative configuration: listener
// addresses, credential verification parameters, registry connection, and
// the route table binding URL prefixes to backends and policies.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Transport selects how a route's traffic is carried.
const (
	TransportHTTP    = "http"
	TransportUpgrade = "upgrade"
)

// LocalHub is the backend name that terminates an upgrade at the
// gateway's own real-time hub instead of tunneling to a backend.
const LocalHub = "local-hub"

// Policy requirement kinds.
const (
	RequireNone          = "none"
	RequireAuthenticated = "authenticated"
	RequirePermissions   = "permissions"
	RequireRoles         = "roles"
	RequireOwnership     = "ownership"
)

// Config is the root configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Registry RegistryConfig `yaml:"registry"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Hub      HubConfig      `yaml:"hub"`
	CORS     CORSConfig     `yaml:"cors"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	Routes   []RouteConfig  `yaml:"routes"`
}

// ListenConfig configures the ingress listener.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Addr returns the host:port string for net.Listen.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// AdminConfig configures the admin/introspection listener.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AuthConfig configures credential verification.
type AuthConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`

	// Revocation configures the session revocation set. When RedisAddr is
	// empty the set stays empty (single-box development).
	Revocation RevocationConfig `yaml:"revocation"`
}

// RevocationConfig configures the revocation set refresh.
type RevocationConfig struct {
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	Key             string        `yaml:"key"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// RegistryConfig configures the service-registry connection.
type RegistryConfig struct {
	Type            string        `yaml:"type"` // consul | memory
	Address         string        `yaml:"address"`
	Scheme          string        `yaml:"scheme"`
	Datacenter      string        `yaml:"datacenter"`
	Token           string        `yaml:"token"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	StalenessBound  time.Duration `yaml:"staleness_bound"`

	// Self describes how the gateway registers itself.
	Self SelfRegistration `yaml:"self"`
}

// SelfRegistration describes the gateway's own registry entry.
type SelfRegistration struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ProxyConfig configures the HTTP forward engine defaults.
type ProxyConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	DefaultRetries int           `yaml:"default_retries"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// HubConfig configures the real-time hub.
type HubConfig struct {
	QueueDepth          int           `yaml:"queue_depth"`
	SlowConsumerStrikes int           `yaml:"slow_consumer_strikes"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
}

// CORSConfig configures cross-origin access for browser clients.
type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins"`
}

// ShutdownConfig configures graceful drain.
type ShutdownConfig struct {
	Deadline time.Duration `yaml:"deadline"`
}

// RouteConfig binds a URL prefix to a backend and an admission policy.
type RouteConfig struct {
	ID        string        `yaml:"id"`
	Prefix    string        `yaml:"prefix"`
	Transport string        `yaml:"transport"`
	Backend   string        `yaml:"backend"`
	Policy    PolicyConfig  `yaml:"policy"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
}

// PolicyConfig is the declarative form of an admission requirement.
type PolicyConfig struct {
	Require        string   `yaml:"require"`
	Permissions    []string `yaml:"permissions"`
	Roles          []string `yaml:"roles"`
	OwnershipParam string   `yaml:"ownership_param"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
		Admin:   AdminConfig{Enabled: true, Port: 9090},
		Logging: LoggingConfig{Level: "info"},
		Auth: AuthConfig{
			Revocation: RevocationConfig{
				Key:             "gateway:revoked_sessions",
				RefreshInterval: 10 * time.Second,
			},
		},
		Registry: RegistryConfig{
			Type:            "consul",
			Scheme:          "http",
			RefreshInterval: 15 * time.Second,
			StalenessBound:  2 * time.Minute,
			Self:            SelfRegistration{Name: "api-gateway"},
		},
		Proxy: ProxyConfig{
			DefaultTimeout: 30 * time.Second,
			DefaultRetries: 2,
			ProbeInterval:  15 * time.Second,
			ProbeTimeout:   5 * time.Second,
		},
		Hub: HubConfig{
			QueueDepth:          256,
			SlowConsumerStrikes: 3,
			IdleTimeout:         5 * time.Minute,
			PingInterval:        30 * time.Second,
			WriteTimeout:        10 * time.Second,
		},
		Shutdown: ShutdownConfig{Deadline: 30 * time.Second},
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	switch c.Registry.Type {
	case "consul":
		if c.Registry.Address == "" {
			return fmt.Errorf("registry.address is required for consul")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown registry.type %q", c.Registry.Type)
	}

	seen := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		r := &c.Routes[i]
		if err := r.validate(); err != nil {
			return fmt.Errorf("route %d (%s): %w", i, r.ID, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

func (r *RouteConfig) validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !strings.HasPrefix(r.Prefix, "/") {
		return fmt.Errorf("prefix %q must start with /", r.Prefix)
	}
	switch r.Transport {
	case TransportHTTP:
		if r.Backend == "" || r.Backend == LocalHub {
			return fmt.Errorf("http transport requires a backend name")
		}
	case TransportUpgrade:
		if r.Backend == "" {
			return fmt.Errorf("upgrade transport requires a backend name or %q", LocalHub)
		}
	default:
		return fmt.Errorf("unknown transport %q", r.Transport)
	}
	switch r.Policy.Require {
	case "", RequireNone, RequireAuthenticated:
	case RequirePermissions:
		if len(r.Policy.Permissions) == 0 {
			return fmt.Errorf("permissions requirement with empty permission set")
		}
	case RequireRoles:
		if len(r.Policy.Roles) == 0 {
			return fmt.Errorf("roles requirement with empty role set")
		}
	case RequireOwnership:
		if r.Policy.OwnershipParam == "" {
			return fmt.Errorf("ownership requirement without ownership_param")
		}
	default:
		return fmt.Errorf("unknown policy requirement %q", r.Policy.Require)
	}
	return nil
}

// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Configuration model and the thread-safe store that propagates reloads.

package control

import (
	"net"
	"net/netip"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-proxy/backend"
	"github.com/momentics/hioload-proxy/filter"
	"github.com/momentics/hioload-proxy/proxy"
	"github.com/momentics/hioload-proxy/reactor"
)

// Config is the complete proxy configuration.
type Config struct {
	Listen  []ListenConfig `yaml:"listen"`
	Reactor ReactorConfig  `yaml:"reactor"`
	Backend BackendConfig  `yaml:"backend"`
	Filter  FilterConfig   `yaml:"filter"`
	Logging LoggingConfig  `yaml:"logging"`
	Monitor MonitorConfig  `yaml:"monitor"`
}

// ListenConfig is one bind point.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AddrPort returns the parsed bind point. The config must be valid.
func (l ListenConfig) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr(l.Address), uint16(l.Port))
}

func (l ListenConfig) String() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

// ReactorConfig sizes the reactor cores and the background thread pool.
type ReactorConfig struct {
	Cores           int `yaml:"cores"`
	ThreadPoolSize  int `yaml:"thread_pool_size"`
	ThreadQueueSize int `yaml:"thread_queue_size"`
	// DefaultTimeout bounds every single read, write or connect wait.
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	IdleSelectTimeout time.Duration `yaml:"idle_select_timeout"`
	SpinThreshold     int           `yaml:"spin_threshold"`
	TunnelIdleTimeout time.Duration `yaml:"tunnel_idle_timeout"`
	// PinCores binds each core loop to its own CPU.
	PinCores bool `yaml:"pin_cores"`
}

// BackendConfig configures outgoing connections.
type BackendConfig struct {
	KeepAlive   time.Duration   `yaml:"keepalive"`
	BindAddress string          `yaml:"bind_address"`
	Upstream    *UpstreamConfig `yaml:"upstream"`
	DNS         DNSConfig       `yaml:"dns"`
}

// UpstreamConfig names a parent proxy all requests are chained through.
type UpstreamConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// DNSConfig configures the backend resolver.
type DNSConfig struct {
	Servers   []string          `yaml:"servers"`
	Timeout   time.Duration     `yaml:"timeout"`
	CacheSize int               `yaml:"cache_size"`
	CacheTTL  time.Duration     `yaml:"cache_ttl"`
	Hosts     map[string]string `yaml:"hosts"`
}

// FilterConfig is the request and response filtering policy.
type FilterConfig struct {
	BlockedHosts        []string `yaml:"blocked_hosts"`
	BlockedContentTypes []string `yaml:"blocked_content_types"`
	ConnectPorts        []int    `yaml:"connect_ports"`
	AllowConnectAnyPort bool     `yaml:"allow_connect_any_port"`
	TunnelNTLM          bool     `yaml:"tunnel_ntlm"`
	Via                 string   `yaml:"via"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MonitorConfig configures the metrics and debug HTTP endpoint.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Defaults.
const (
	DefaultListenAddress   = "0.0.0.0"
	DefaultListenPort      = 8080
	DefaultThreadPoolSize  = 4
	DefaultThreadQueueSize = 1024
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultMonitorAddress  = "127.0.0.1:9180"
	DefaultVia             = "hioload"
)

// ApplyDefaults fills every zero value that has a default.
func ApplyDefaults(cfg *Config) {
	if len(cfg.Listen) == 0 {
		cfg.Listen = []ListenConfig{{Address: DefaultListenAddress, Port: DefaultListenPort}}
	}
	for i := range cfg.Listen {
		if cfg.Listen[i].Address == "" {
			cfg.Listen[i].Address = DefaultListenAddress
		}
	}

	r := &cfg.Reactor
	if r.Cores == 0 {
		r.Cores = runtime.NumCPU()
	}
	if r.ThreadPoolSize == 0 {
		r.ThreadPoolSize = DefaultThreadPoolSize
	}
	if r.ThreadQueueSize == 0 {
		r.ThreadQueueSize = DefaultThreadQueueSize
	}
	if r.DefaultTimeout == 0 {
		r.DefaultTimeout = reactor.DefaultOperationTimeout
	}
	if r.IdleSelectTimeout == 0 {
		r.IdleSelectTimeout = reactor.DefaultIdleSleep
	}
	if r.SpinThreshold == 0 {
		r.SpinThreshold = reactor.DefaultSpinThreshold
	}
	if r.TunnelIdleTimeout == 0 {
		r.TunnelIdleTimeout = proxy.DefaultTunnelIdle
	}

	b := &cfg.Backend
	if b.KeepAlive == 0 {
		b.KeepAlive = backend.DefaultKeepAlive
	}
	if b.DNS.Timeout == 0 {
		b.DNS.Timeout = 5 * time.Second
	}
	if b.DNS.CacheSize == 0 {
		b.DNS.CacheSize = 1024
	}
	if b.DNS.CacheTTL == 0 {
		b.DNS.CacheTTL = time.Minute
	}

	if len(cfg.Filter.ConnectPorts) == 0 {
		for _, p := range filter.DefaultConnectPorts {
			cfg.Filter.ConnectPorts = append(cfg.Filter.ConnectPorts, int(p))
		}
	}
	if cfg.Filter.Via == "" {
		cfg.Filter.Via = DefaultVia
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Monitor.Address == "" {
		cfg.Monitor.Address = DefaultMonitorAddress
	}
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// FilterPolicy converts the filter and upstream sections into a policy.
func (c *Config) FilterPolicy() filter.Policy {
	p := filter.Policy{
		BlockedHosts:        append([]string(nil), c.Filter.BlockedHosts...),
		BlockedContentTypes: append([]string(nil), c.Filter.BlockedContentTypes...),
		AllowConnectAnyPort: c.Filter.AllowConnectAnyPort,
		TunnelNTLM:          c.Filter.TunnelNTLM,
		Via:                 c.Filter.Via,
	}
	for _, port := range c.Filter.ConnectPorts {
		p.ConnectPorts = append(p.ConnectPorts, uint16(port))
	}
	for _, l := range c.Listen {
		p.Self = append(p.Self, l.String())
	}
	if u := c.Backend.Upstream; u != nil {
		p.Upstream = &filter.Upstream{Host: u.Host, Port: uint16(u.Port), User: u.User, Password: u.Password}
	}
	return p
}

// ResolverConfig converts the DNS section.
func (c *Config) ResolverConfig() backend.DNSConfig {
	return backend.DNSConfig{
		Servers:   c.Backend.DNS.Servers,
		Timeout:   c.Backend.DNS.Timeout,
		CacheSize: c.Backend.DNS.CacheSize,
		CacheTTL:  c.Backend.DNS.CacheTTL,
		Hosts:     c.Backend.DNS.Hosts,
	}
}

// BindAddr returns the parsed backend source address, the zero Addr when
// unset.
func (c *Config) BindAddr() netip.Addr {
	if c.Backend.BindAddress == "" {
		return netip.Addr{}
	}
	a, _ := netip.ParseAddr(c.Backend.BindAddress)
	return a
}

// ConfigStore holds the current configuration and notifies listeners when
// a new one is installed.
type ConfigStore struct {
	cfg       atomic.Pointer[Config]
	mu        sync.Mutex
	listeners []func(old, cur *Config)
}

// NewConfigStore initializes a store holding cfg.
func NewConfigStore(cfg *Config) *ConfigStore {
	cs := &ConfigStore{}
	cs.cfg.Store(cfg)
	return cs
}

// Get returns the current configuration. Callers must not modify it.
func (cs *ConfigStore) Get() *Config {
	return cs.cfg.Load()
}

// Set installs cfg and runs every listener synchronously, in registration
// order.
func (cs *ConfigStore) Set(cfg *Config) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	old := cs.cfg.Swap(cfg)
	for _, fn := range cs.listeners {
		fn(old, cfg)
	}
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(old, cur *Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

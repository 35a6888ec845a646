// control/load.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every environment override: HIOLOAD_<SECTION>_<FIELD>.
const EnvPrefix = "HIOLOAD_"

// Parse decodes YAML and applies defaults, environment overrides and
// validation, in that order.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration file at path. An empty path yields the
// defaults with environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

type envOverrides struct {
	errs []FieldError
}

func (e *envOverrides) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	return v, ok && v != ""
}

func (e *envOverrides) fail(name string, err error) {
	e.errs = append(e.errs, FieldError{Field: EnvPrefix + name, Message: err.Error()})
}

func (e *envOverrides) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envOverrides) list(name string, dst *[]string) {
	if v, ok := e.lookup(name); ok {
		*dst = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				*dst = append(*dst, s)
			}
		}
	}
}

func (e *envOverrides) integer(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = i
	}
}

func (e *envOverrides) ints(name string, dst *[]int) {
	var raw []string
	e.list(name, &raw)
	if raw == nil {
		return
	}
	out := make([]int, 0, len(raw))
	for _, s := range raw {
		i, err := strconv.Atoi(s)
		if err != nil {
			e.fail(name, err)
			return
		}
		out = append(out, i)
	}
	*dst = out
}

func (e *envOverrides) boolean(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *envOverrides) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}

// applyEnvOverrides applies HIOLOAD_* variables on top of cfg. The listen
// overrides replace the list with a single bind point.
func applyEnvOverrides(cfg *Config) error {
	e := &envOverrides{}

	if len(cfg.Listen) > 0 {
		l := cfg.Listen[0]
		_, addr := e.lookup("LISTEN_ADDRESS")
		_, port := e.lookup("LISTEN_PORT")
		if addr || port {
			e.str("LISTEN_ADDRESS", &l.Address)
			e.integer("LISTEN_PORT", &l.Port)
			cfg.Listen = []ListenConfig{l}
		}
	}

	r := &cfg.Reactor
	e.integer("REACTOR_CORES", &r.Cores)
	e.integer("REACTOR_THREAD_POOL_SIZE", &r.ThreadPoolSize)
	e.integer("REACTOR_THREAD_QUEUE_SIZE", &r.ThreadQueueSize)
	e.duration("REACTOR_DEFAULT_TIMEOUT", &r.DefaultTimeout)
	e.duration("REACTOR_IDLE_SELECT_TIMEOUT", &r.IdleSelectTimeout)
	e.integer("REACTOR_SPIN_THRESHOLD", &r.SpinThreshold)
	e.duration("REACTOR_TUNNEL_IDLE_TIMEOUT", &r.TunnelIdleTimeout)
	e.boolean("REACTOR_PIN_CORES", &r.PinCores)

	b := &cfg.Backend
	e.duration("BACKEND_KEEPALIVE", &b.KeepAlive)
	e.str("BACKEND_BIND_ADDRESS", &b.BindAddress)
	if _, ok := e.lookup("BACKEND_UPSTREAM_HOST"); ok && b.Upstream == nil {
		b.Upstream = &UpstreamConfig{}
	}
	if u := b.Upstream; u != nil {
		e.str("BACKEND_UPSTREAM_HOST", &u.Host)
		e.integer("BACKEND_UPSTREAM_PORT", &u.Port)
		e.str("BACKEND_UPSTREAM_USER", &u.User)
		e.str("BACKEND_UPSTREAM_PASSWORD", &u.Password)
	}
	e.list("BACKEND_DNS_SERVERS", &b.DNS.Servers)
	e.duration("BACKEND_DNS_TIMEOUT", &b.DNS.Timeout)
	e.integer("BACKEND_DNS_CACHE_SIZE", &b.DNS.CacheSize)
	e.duration("BACKEND_DNS_CACHE_TTL", &b.DNS.CacheTTL)

	f := &cfg.Filter
	e.list("FILTER_BLOCKED_HOSTS", &f.BlockedHosts)
	e.list("FILTER_BLOCKED_CONTENT_TYPES", &f.BlockedContentTypes)
	e.ints("FILTER_CONNECT_PORTS", &f.ConnectPorts)
	e.boolean("FILTER_ALLOW_CONNECT_ANY_PORT", &f.AllowConnectAnyPort)
	e.boolean("FILTER_TUNNEL_NTLM", &f.TunnelNTLM)
	e.str("FILTER_VIA", &f.Via)

	e.str("LOGGING_LEVEL", &cfg.Logging.Level)
	e.str("LOGGING_FORMAT", &cfg.Logging.Format)

	e.boolean("MONITOR_ENABLED", &cfg.Monitor.Enabled)
	e.str("MONITOR_ADDRESS", &cfg.Monitor.Address)

	if len(e.errs) > 0 {
		return ValidationError{Errors: e.errs}
	}
	return nil
}

// StaticChanges lists the sections that differ between old and cur but
// only take effect on restart.
func StaticChanges(old, cur *Config) []string {
	var out []string
	diff := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	diff("listen", old.Listen, cur.Listen)
	// Timeouts are applied live; the rest of the reactor is sized at start.
	or, cr := old.Reactor, cur.Reactor
	or.DefaultTimeout, cr.DefaultTimeout = 0, 0
	or.TunnelIdleTimeout, cr.TunnelIdleTimeout = 0, 0
	diff("reactor", or, cr)
	diff("backend.upstream", old.Backend.Upstream, cur.Backend.Upstream)
	diff("backend.dns", old.Backend.DNS, cur.Backend.DNS)
	diff("logging.format", old.Logging.Format, cur.Logging.Format)
	diff("monitor", old.Monitor, cur.Monitor)
	return out
}

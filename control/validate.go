// control/validate.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// FieldError is a validation failure of one configuration field.
type FieldError struct {
	// Field is the dotted path, e.g. "reactor.cores".
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return "configuration validation failed: " + e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

type validator struct {
	errs []FieldError
}

func (v *validator) failf(field, format string, args ...any) {
	v.errs = append(v.errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) positive(field string, n int64) {
	if n <= 0 {
		v.failf(field, "must be positive, got %d", n)
	}
}

func (v *validator) port(field string, p int, allowZero bool) {
	if p < 0 || p > 65535 || (p == 0 && !allowZero) {
		v.failf(field, "invalid port %d", p)
	}
}

func (v *validator) hostPort(field, s string) {
	if _, _, err := net.SplitHostPort(s); err != nil {
		v.failf(field, "%v", err)
	}
}

// Validate checks cfg and returns a ValidationError listing every problem.
func Validate(cfg *Config) error {
	v := &validator{}

	if len(cfg.Listen) == 0 {
		v.failf("listen", "at least one bind point is required")
	}
	seen := make(map[string]bool)
	for i, l := range cfg.Listen {
		field := fmt.Sprintf("listen[%d]", i)
		if _, err := netip.ParseAddr(l.Address); err != nil {
			v.failf(field+".address", "%v", err)
		}
		v.port(field+".port", l.Port, true)
		if l.Port != 0 {
			if seen[l.String()] {
				v.failf(field, "duplicate bind point %s", l)
			}
			seen[l.String()] = true
		}
	}

	r := cfg.Reactor
	v.positive("reactor.cores", int64(r.Cores))
	v.positive("reactor.thread_pool_size", int64(r.ThreadPoolSize))
	v.positive("reactor.thread_queue_size", int64(r.ThreadQueueSize))
	v.positive("reactor.default_timeout", int64(r.DefaultTimeout))
	v.positive("reactor.idle_select_timeout", int64(r.IdleSelectTimeout))
	v.positive("reactor.spin_threshold", int64(r.SpinThreshold))
	v.positive("reactor.tunnel_idle_timeout", int64(r.TunnelIdleTimeout))

	b := cfg.Backend
	v.positive("backend.keepalive", int64(b.KeepAlive))
	if b.BindAddress != "" {
		if _, err := netip.ParseAddr(b.BindAddress); err != nil {
			v.failf("backend.bind_address", "%v", err)
		}
	}
	if u := b.Upstream; u != nil {
		if u.Host == "" {
			v.failf("backend.upstream.host", "is required")
		}
		v.port("backend.upstream.port", u.Port, false)
		if u.Password != "" && u.User == "" {
			v.failf("backend.upstream.user", "is required with a password")
		}
	}
	for i, s := range b.DNS.Servers {
		v.hostPort(fmt.Sprintf("backend.dns.servers[%d]", i), s)
	}
	v.positive("backend.dns.timeout", int64(b.DNS.Timeout))
	v.positive("backend.dns.cache_size", int64(b.DNS.CacheSize))
	v.positive("backend.dns.cache_ttl", int64(b.DNS.CacheTTL))
	for name, ip := range b.DNS.Hosts {
		if _, err := netip.ParseAddr(ip); err != nil {
			v.failf("backend.dns.hosts."+name, "%v", err)
		}
	}

	f := cfg.Filter
	for i, p := range f.ConnectPorts {
		v.port(fmt.Sprintf("filter.connect_ports[%d]", i), p, false)
	}
	for i, h := range f.BlockedHosts {
		if strings.TrimPrefix(h, ".") == "" {
			v.failf(fmt.Sprintf("filter.blocked_hosts[%d]", i), "empty host")
		}
	}
	if strings.ContainsAny(f.Via, " \t\r\n") {
		v.failf("filter.via", "must be a single token, got %q", f.Via)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		v.failf("logging.level", "must be one of debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		v.failf("logging.format", "must be json or console, got %q", cfg.Logging.Format)
	}

	if cfg.Monitor.Enabled {
		v.hostPort("monitor.address", cfg.Monitor.Address)
	}

	if len(v.errs) > 0 {
		return ValidationError{Errors: v.errs}
	}
	return nil
}

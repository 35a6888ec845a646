package control

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-proxy/backend"
	"github.com/momentics/hioload-proxy/reactor"
)

const sampleConfig = `
listen:
  - address: 127.0.0.1
    port: 3128
  - address: "::1"
    port: 3128
reactor:
  cores: 2
  default_timeout: 10s
backend:
  keepalive: 30s
  upstream:
    host: parent.example
    port: 8080
    user: u
    password: p
  dns:
    servers: ["10.0.0.53:53"]
    hosts:
      intranet.test: 10.1.2.3
filter:
  blocked_hosts: [".ads.example", "tracker.example"]
  connect_ports: [443, 8443]
  tunnel_ntlm: true
logging:
  level: debug
  format: console
monitor:
  enabled: true
  address: 127.0.0.1:0
`

func TestDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	require.Len(t, cfg.Listen, 1)
	assert.Equal(t, "0.0.0.0:8080", cfg.Listen[0].String())
	assert.Positive(t, cfg.Reactor.Cores)
	assert.Equal(t, reactor.DefaultOperationTimeout, cfg.Reactor.DefaultTimeout)
	assert.Equal(t, reactor.DefaultIdleSleep, cfg.Reactor.IdleSelectTimeout)
	assert.Equal(t, backend.DefaultKeepAlive, cfg.Backend.KeepAlive)
	assert.Equal(t, []int{443, 563}, cfg.Filter.ConnectPorts)
	assert.Equal(t, "hioload", cfg.Filter.Via)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Monitor.Enabled)
	assert.Nil(t, cfg.Backend.Upstream)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Listen, 2)
	assert.Equal(t, "[::1]:3128", cfg.Listen[1].String())
	assert.Equal(t, 2, cfg.Reactor.Cores)
	assert.Equal(t, 10*time.Second, cfg.Reactor.DefaultTimeout)
	assert.Equal(t, 30*time.Second, cfg.Backend.KeepAlive)
	require.NotNil(t, cfg.Backend.Upstream)
	assert.Equal(t, "parent.example", cfg.Backend.Upstream.Host)

	p := cfg.FilterPolicy()
	assert.Equal(t, []uint16{443, 8443}, p.ConnectPorts)
	assert.Equal(t, []string{"127.0.0.1:3128", "[::1]:3128"}, p.Self)
	assert.True(t, p.TunnelNTLM)
	require.NotNil(t, p.Upstream)
	assert.Equal(t, uint16(8080), p.Upstream.Port)
	assert.Equal(t, "u", p.Upstream.User)

	rc := cfg.ResolverConfig()
	assert.Equal(t, []string{"10.0.0.53:53"}, rc.Servers)
	assert.Equal(t, "10.1.2.3", rc.Hosts["intranet.test"])
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("reactor:\n  corez: 4\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corez")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIOLOAD_LISTEN_PORT", "9999")
	t.Setenv("HIOLOAD_REACTOR_CORES", "3")
	t.Setenv("HIOLOAD_REACTOR_DEFAULT_TIMEOUT", "2s")
	t.Setenv("HIOLOAD_BACKEND_UPSTREAM_HOST", "parent.example")
	t.Setenv("HIOLOAD_BACKEND_UPSTREAM_PORT", "3128")
	t.Setenv("HIOLOAD_FILTER_BLOCKED_HOSTS", "a.example, .b.example")
	t.Setenv("HIOLOAD_FILTER_CONNECT_PORTS", "443,8443")
	t.Setenv("HIOLOAD_LOGGING_LEVEL", "warn")
	t.Setenv("HIOLOAD_MONITOR_ENABLED", "true")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Listen, 1)
	assert.Equal(t, "127.0.0.1:9999", cfg.Listen[0].String())
	assert.Equal(t, 3, cfg.Reactor.Cores)
	assert.Equal(t, 2*time.Second, cfg.Reactor.DefaultTimeout)
	assert.Equal(t, 3128, cfg.Backend.Upstream.Port)
	assert.Equal(t, "u", cfg.Backend.Upstream.User)
	assert.Equal(t, []string{"a.example", ".b.example"}, cfg.Filter.BlockedHosts)
	assert.Equal(t, []int{443, 8443}, cfg.Filter.ConnectPorts)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Monitor.Enabled)
}

func TestEnvOverrideCreatesUpstream(t *testing.T) {
	t.Setenv("HIOLOAD_BACKEND_UPSTREAM_HOST", "parent.example")
	t.Setenv("HIOLOAD_BACKEND_UPSTREAM_PORT", "8080")
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg.Backend.Upstream)
	assert.Equal(t, "parent.example", cfg.FilterPolicy().Upstream.Host)
}

func TestEnvOverrideBadValue(t *testing.T) {
	t.Setenv("HIOLOAD_REACTOR_CORES", "many")
	_, err := Parse(nil)
	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	require.Len(t, ve.Errors, 1)
	assert.Equal(t, "HIOLOAD_REACTOR_CORES", ve.Errors[0].Field)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"bad listen address", "listen: [{address: nowhere, port: 80}]", "listen[0].address"},
		{"bad listen port", "listen: [{address: 127.0.0.1, port: 70000}]", "listen[0].port"},
		{"duplicate listen", "listen: [{address: 127.0.0.1, port: 80}, {address: 127.0.0.1, port: 80}]", "listen[1]"},
		{"negative cores", "reactor: {cores: -1}", "reactor.cores"},
		{"upstream without host", "backend: {upstream: {port: 8080}}", "backend.upstream.host"},
		{"upstream password only", "backend: {upstream: {host: p, port: 1, password: x}}", "backend.upstream.user"},
		{"dns server without port", "backend: {dns: {servers: [10.0.0.1]}}", "backend.dns.servers[0]"},
		{"bad static host", "backend: {dns: {hosts: {a: b}}}", "backend.dns.hosts.a"},
		{"connect port zero", "filter: {connect_ports: [0]}", "filter.connect_ports[0]"},
		{"via with space", "filter: {via: \"my proxy\"}", "filter.via"},
		{"log level", "logging: {level: verbose}", "logging.level"},
		{"log format", "logging: {format: xml}", "logging.format"},
		{"monitor address", "monitor: {enabled: true, address: nowhere}", "monitor.address"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			var ve ValidationError
			require.True(t, errors.As(err, &ve), "error %v", err)
			var fields []string
			for _, fe := range ve.Errors {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tc.field)
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	one := ValidationError{Errors: []FieldError{{Field: "a", Message: "bad"}}}
	assert.Equal(t, "configuration validation failed: a: bad", one.Error())
	two := ValidationError{Errors: []FieldError{{Field: "a", Message: "bad"}, {Field: "b", Message: "worse"}}}
	assert.Contains(t, two.Error(), "2 errors")
	assert.Contains(t, two.Error(), "b: worse")
}

func TestStaticChanges(t *testing.T) {
	old := Default()
	cur := Default()
	cur.Filter.BlockedHosts = []string{"x.example"}
	cur.Backend.KeepAlive = time.Minute
	cur.Logging.Level = "debug"
	cur.Reactor.DefaultTimeout = time.Second
	assert.Empty(t, StaticChanges(old, cur))

	cur.Reactor.Cores++
	cur.Listen = append(cur.Listen, ListenConfig{Address: "127.0.0.1", Port: 1})
	assert.Equal(t, []string{"listen", "reactor"}, StaticChanges(old, cur))
}

func TestConfigStore(t *testing.T) {
	first := Default()
	cs := NewConfigStore(first)
	assert.Same(t, first, cs.Get())

	var calls []string
	cs.OnReload(func(old, cur *Config) {
		assert.Same(t, first, old)
		calls = append(calls, "a:"+cur.Logging.Level)
	})
	cs.OnReload(func(_, cur *Config) { calls = append(calls, "b:"+cur.Logging.Level) })

	next := Default()
	next.Logging.Level = "debug"
	cs.Set(next)
	assert.Same(t, next, cs.Get())
	assert.Equal(t, []string{"a:debug", "b:debug"}, calls)
}

// Author: momentics <momentics@gmail.com>

package backend

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Resolver turns a host name and port into an Address. Resolve may block and
// is only called from the background executor.
type Resolver interface {
	Resolve(ctx context.Context, host string, port uint16) (Address, error)
}

// Lookuper is implemented by resolvers that can answer some hosts without
// blocking, letting the caller skip the executor hop.
type Lookuper interface {
	Lookup(host string, port uint16) (Address, bool)
}

// DNSConfig configures DNSResolver.
type DNSConfig struct {
	// Servers are host:port pairs. Empty means the nameservers listed in
	// /etc/resolv.conf.
	Servers   []string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	// Hosts maps names to literal IPs before any query is sent.
	Hosts map[string]string
}

const resolvConf = "/etc/resolv.conf"

// DNSResolver queries nameservers directly and caches answers.
type DNSResolver struct {
	client  *dns.Client
	servers []string
	hosts   map[string]netip.Addr
	cache   *expirable.LRU[string, netip.Addr]
	logger  *zap.Logger
}

var _ Resolver = (*DNSResolver)(nil)
var _ Lookuper = (*DNSResolver)(nil)

// NewDNSResolver builds a resolver from cfg.
func NewDNSResolver(cfg DNSConfig, logger *zap.Logger) *DNSResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	servers := cfg.Servers
	if len(servers) == 0 {
		if cc, err := dns.ClientConfigFromFile(resolvConf); err == nil {
			for _, s := range cc.Servers {
				servers = append(servers, net.JoinHostPort(s, cc.Port))
			}
		} else {
			logger.Warn("no nameservers configured", zap.String("file", resolvConf), zap.Error(err))
		}
	}
	hosts := map[string]netip.Addr{"localhost": netip.MustParseAddr("127.0.0.1")}
	for name, ip := range cfg.Hosts {
		a, err := netip.ParseAddr(ip)
		if err != nil {
			logger.Warn("ignoring static host", zap.String("host", name), zap.String("ip", ip), zap.Error(err))
			continue
		}
		hosts[strings.ToLower(name)] = a.Unmap()
	}
	return &DNSResolver{
		client:  &dns.Client{Timeout: cfg.Timeout},
		servers: servers,
		hosts:   hosts,
		cache:   expirable.NewLRU[string, netip.Addr](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:  logger,
	}
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.Trim(host, "[]")), ".")
}

// Lookup answers literal IPs, static hosts and cached names.
func (r *DNSResolver) Lookup(host string, port uint16) (Address, bool) {
	name := normalizeHost(host)
	if ip, err := netip.ParseAddr(name); err == nil {
		return Address{IP: ip.Unmap(), Port: port}, true
	}
	if ip, ok := r.hosts[name]; ok {
		return Address{IP: ip, Port: port}, true
	}
	if ip, ok := r.cache.Get(name); ok {
		return Address{IP: ip, Port: port}, true
	}
	return Address{}, false
}

// Resolve returns the first A record of host, falling back to AAAA.
func (r *DNSResolver) Resolve(ctx context.Context, host string, port uint16) (Address, error) {
	if a, ok := r.Lookup(host, port); ok {
		return a, nil
	}
	name := normalizeHost(host)
	if name == "" {
		return Address{}, unknownHost(host, nil)
	}
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ip, err := r.query(ctx, name, qtype)
		if err == nil {
			r.cache.Add(name, ip)
			return Address{IP: ip, Port: port}, nil
		}
		lastErr = err
	}
	r.logger.Debug("lookup failed", zap.String("host", name), zap.Error(lastErr))
	return Address{}, unknownHost(host, lastErr)
}

func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true
	var lastErr error = ErrUnknownHost
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return netip.Addr{}, ErrUnknownHost
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = &net.DNSError{Err: dns.RcodeToString[resp.Rcode], Name: name, Server: server}
			continue
		}
		for _, rr := range resp.Answer {
			var raw net.IP
			switch v := rr.(type) {
			case *dns.A:
				raw = v.A
			case *dns.AAAA:
				raw = v.AAAA
			default:
				continue
			}
			if ip, ok := netip.AddrFromSlice(raw); ok {
				return ip.Unmap(), nil
			}
		}
		return netip.Addr{}, ErrUnknownHost
	}
	return netip.Addr{}, lastErr
}

// UpstreamResolver sends every connection to one upstream proxy, whatever
// host the request names.
type UpstreamResolver struct {
	Host  string
	Port  uint16
	Inner Resolver
}

var _ Resolver = (*UpstreamResolver)(nil)

// Resolve ignores host and port and resolves the upstream.
func (u *UpstreamResolver) Resolve(ctx context.Context, _ string, _ uint16) (Address, error) {
	return u.Inner.Resolve(ctx, u.Host, u.Port)
}

// Lookup ignores host and port and looks the upstream up.
func (u *UpstreamResolver) Lookup(_ string, _ uint16) (Address, bool) {
	if l, ok := u.Inner.(Lookuper); ok {
		return l.Lookup(u.Host, u.Port)
	}
	return Address{}, false
}

// Author: momentics <momentics@gmail.com>

// Package filter implements the request and response mutation applied by a
// client session before anything is forwarded: hop-by-hop stripping, host
// blocking, CONNECT policy, upstream proxy credentials, Via and version
// normalization. A non-nil Verdict means the session answers by itself and
// contacts no backend.
package filter

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/momentics/hioload-proxy/framing"
)

// HopByHop lists the headers that never cross the proxy.
var HopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Public",
	"Transfer-Encoding",
	"Upgrade",
	"Proxy-Authorization",
	"TE",
	"Proxy-Authenticate",
	"Trailer",
}

// DefaultConnectPorts are the ports CONNECT may reach by default.
var DefaultConnectPorts = []uint16{443, 563}

// Upstream is a parent proxy all traffic is chained through.
type Upstream struct {
	Host     string
	Port     uint16
	User     string
	Password string
}

// Policy is the reloadable filter configuration.
type Policy struct {
	// BlockedHosts match exactly or, with a leading dot, as a domain suffix.
	BlockedHosts        []string
	BlockedContentTypes []string
	ConnectPorts        []uint16
	AllowConnectAnyPort bool
	// TunnelNTLM sends requests carrying NTLM or Negotiate credentials
	// through a raw tunnel.
	TunnelNTLM bool
	// Via is the pseudonym added to Via headers; empty disables Via.
	Via string
	// Self lists host:port pairs the proxy listens on.
	Self     []string
	Upstream *Upstream
}

// Verdict is a response the session must send instead of proxying.
type Verdict struct {
	Status  int
	Reason  string
	Message string
}

func (v *Verdict) String() string {
	return fmt.Sprintf("%d %s: %s", v.Status, v.Reason, v.Message)
}

// Filter applies the current Policy. It is safe for concurrent use.
type Filter struct {
	policy atomic.Pointer[Policy]
	logger *zap.Logger
}

// New creates a Filter.
func New(p Policy, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Filter{logger: logger}
	f.Update(p)
	return f
}

// Update swaps in a new policy for later requests.
func (f *Filter) Update(p Policy) {
	if len(p.ConnectPorts) == 0 {
		p.ConnectPorts = DefaultConnectPorts
	}
	f.policy.Store(&p)
}

// Policy returns the current policy.
func (f *Filter) Policy() Policy { return *f.policy.Load() }

// Chained reports whether requests go through an upstream proxy.
func (f *Filter) Chained() bool { return f.policy.Load().Upstream != nil }

// StripHopByHop removes the hop-by-hop headers and every header named in
// Connection.
func StripHopByHop(h *framing.Headers) {
	for _, name := range h.Tokens("Connection") {
		h.Del(name)
	}
	for _, name := range h.Tokens("Proxy-Connection") {
		h.Del(name)
	}
	for _, name := range HopByHop {
		h.Del(name)
	}
}

func (p *Policy) blocked(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, b := range p.BlockedHosts {
		b = strings.ToLower(b)
		if strings.HasPrefix(b, ".") {
			if host == b[1:] || strings.HasSuffix(host, b) {
				return true
			}
			continue
		}
		if host == b {
			return true
		}
	}
	return false
}

func (p *Policy) isSelf(host string, port uint16) bool {
	hp := strings.ToLower(net.JoinHostPort(host, strconv.Itoa(int(port))))
	for _, s := range p.Self {
		if strings.EqualFold(s, hp) {
			return true
		}
	}
	return false
}

func (p *Policy) looped(h framing.Headers) bool {
	if p.Via == "" {
		return false
	}
	for _, hop := range h.Tokens("Via") {
		fields := strings.Fields(hop)
		if len(fields) >= 2 && strings.EqualFold(fields[1], p.Via) {
			return true
		}
	}
	return false
}

func viaValue(major, minor int, pseudonym string) string {
	return strconv.Itoa(major) + "." + strconv.Itoa(minor) + " " + pseudonym
}

func addVia(h *framing.Headers, major, minor int, pseudonym string) {
	if pseudonym == "" {
		return
	}
	h.Add("Via", viaValue(major, minor, pseudonym))
}

func (p *Policy) proxyAuthorization() string {
	u := p.Upstream
	if u == nil || u.User == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(u.User+":"+u.Password))
}

// FilterRequest checks and rewrites req, addressed to host:port, before it
// is sent to the backend.
func (f *Filter) FilterRequest(req *framing.RequestHead, host string, port uint16) *Verdict {
	p := f.policy.Load()
	if p.looped(req.Headers) || p.isSelf(host, port) {
		return &Verdict{Status: 400, Reason: "Bad Request", Message: "request loops back to this proxy"}
	}
	if p.blocked(host) {
		f.logger.Info("blocked host", zap.String("host", host))
		return &Verdict{Status: 403, Reason: "Forbidden", Message: "access to " + host + " is blocked"}
	}
	major, minor := req.Major, req.Minor
	if req.HTTP09 {
		major, minor = 0, 9
	}
	StripHopByHop(&req.Headers)
	if p.Upstream != nil {
		if auth := p.proxyAuthorization(); auth != "" {
			req.Headers.Set("Proxy-Authorization", auth)
		}
	} else {
		req.ToOriginForm()
	}
	if !req.Headers.Has("Host") {
		req.Headers.Add("Host", hostHeader(host, port))
	}
	addVia(&req.Headers, major, minor, p.Via)
	req.Proto, req.Major, req.Minor = "HTTP/1.1", 1, 1
	req.HTTP09 = false
	return nil
}

func hostHeader(host string, port uint16) string {
	if port == 80 {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// CheckConnect applies the CONNECT access policy.
func (f *Filter) CheckConnect(req *framing.RequestHead, host string, port uint16) *Verdict {
	p := f.policy.Load()
	if p.looped(req.Headers) || p.isSelf(host, port) {
		return &Verdict{Status: 400, Reason: "Bad Request", Message: "request loops back to this proxy"}
	}
	if p.blocked(host) {
		return &Verdict{Status: 403, Reason: "Forbidden", Message: "access to " + host + " is blocked"}
	}
	if !p.AllowConnectAnyPort && !containsPort(p.ConnectPorts, port) {
		return &Verdict{Status: 403, Reason: "Forbidden", Message: fmt.Sprintf("CONNECT to port %d is not allowed", port)}
	}
	return nil
}

// PrepareConnect rewrites a CONNECT request for an upstream proxy.
func (f *Filter) PrepareConnect(req *framing.RequestHead) {
	p := f.policy.Load()
	StripHopByHop(&req.Headers)
	if auth := p.proxyAuthorization(); auth != "" {
		req.Headers.Set("Proxy-Authorization", auth)
	}
	addVia(&req.Headers, req.Major, req.Minor, p.Via)
}

func containsPort(ports []uint16, port uint16) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

// ForceTunnel reports whether req carries connection-bound credentials that
// only work over a dedicated raw connection.
func (f *Filter) ForceTunnel(req *framing.RequestHead) bool {
	if !f.policy.Load().TunnelNTLM {
		return false
	}
	auth := strings.TrimSpace(req.Headers.Get("Authorization"))
	scheme, _, _ := strings.Cut(auth, " ")
	return strings.EqualFold(scheme, "NTLM") || strings.EqualFold(scheme, "Negotiate")
}

// FilterResponse checks and rewrites resp before it goes to the client.
func (f *Filter) FilterResponse(resp *framing.ResponseHead) *Verdict {
	p := f.policy.Load()
	if ct := resp.Headers.Get("Content-Type"); ct != "" && len(p.BlockedContentTypes) > 0 {
		mt, _, err := mime.ParseMediaType(ct)
		if err == nil {
			for _, b := range p.BlockedContentTypes {
				if strings.EqualFold(mt, b) {
					return &Verdict{Status: 403, Reason: "Forbidden", Message: "content type " + mt + " is blocked"}
				}
			}
		}
	}
	StripHopByHop(&resp.Headers)
	addVia(&resp.Headers, resp.Major, resp.Minor, p.Via)
	resp.Proto, resp.Major, resp.Minor = "HTTP/1.1", 1, 1
	return nil
}

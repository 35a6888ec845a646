// Author: momentics <momentics@gmail.com>

package framing

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	// MaxHeadSize bounds a request or response head.
	MaxHeadSize = 64 * 1024
	// MaxLineSize bounds the request line.
	MaxLineSize = 8 * 1024
)

// RequestHead is a parsed request line and header block.
type RequestHead struct {
	Method  string
	Target  string
	Proto   string
	Major   int
	Minor   int
	Headers Headers
	// HTTP09 marks a bare "METHOD target" line without version or headers.
	HTTP09 bool
}

// ResponseHead is a parsed status line and header block.
type ResponseHead struct {
	Proto   string
	Major   int
	Minor   int
	Status  int
	Reason  string
	Headers Headers
}

// AtLeast reports whether the request version is at least major.minor.
func (r *RequestHead) AtLeast(major, minor int) bool {
	return r.Major > major || (r.Major == major && r.Minor >= minor)
}

// IsConnect reports whether this is a CONNECT request.
func (r *RequestHead) IsConnect() bool { return r.Method == "CONNECT" }

// Authority returns the host and port the request is addressed to, taken
// from a CONNECT target, an absolute URI or the Host header in that order.
func (r *RequestHead) Authority() (host string, port uint16, err error) {
	if r.IsConnect() {
		return splitHostPort(r.Target, 443)
	}
	if u, ok := r.absoluteURL(); ok {
		def := uint16(80)
		if strings.EqualFold(u.Scheme, "https") {
			def = 443
		}
		return splitHostPort(u.Host, def)
	}
	if h := r.Headers.Get("Host"); h != "" {
		return splitHostPort(h, 80)
	}
	return "", 0, malformed("request has no host")
}

// IsAbsolute reports whether the target is an absolute URI.
func (r *RequestHead) IsAbsolute() bool {
	_, ok := r.absoluteURL()
	return ok
}

func (r *RequestHead) absoluteURL() (*url.URL, bool) {
	if r.IsConnect() || !strings.Contains(r.Target, "://") {
		return nil, false
	}
	u, err := url.Parse(r.Target)
	if err != nil || u.Host == "" {
		return nil, false
	}
	return u, true
}

// ToOriginForm rewrites an absolute target into path and query, setting Host
// from the URI when missing. Used when talking to an origin directly.
func (r *RequestHead) ToOriginForm() {
	u, ok := r.absoluteURL()
	if !ok {
		return
	}
	if !r.Headers.Has("Host") {
		r.Headers.Add("Host", u.Host)
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" || u.ForceQuery {
		target += "?" + u.RawQuery
	}
	r.Target = target
}

// URI returns the target as an absolute URI where possible, for logs and
// error pages.
func (r *RequestHead) URI() string {
	if r.IsConnect() || r.IsAbsolute() {
		return r.Target
	}
	if h := r.Headers.Get("Host"); h != "" {
		return "http://" + h + r.Target
	}
	return r.Target
}

// AppendTo serializes the head.
func (r *RequestHead) AppendTo(dst []byte) []byte {
	proto := r.Proto
	if r.HTTP09 || proto == "" {
		proto = "HTTP/1.0"
	}
	dst = append(dst, r.Method...)
	dst = append(dst, ' ')
	dst = append(dst, r.Target...)
	dst = append(dst, ' ')
	dst = append(dst, proto...)
	dst = append(dst, "\r\n"...)
	dst = r.Headers.appendTo(dst)
	return append(dst, "\r\n"...)
}

// AppendTo serializes the head.
func (r *ResponseHead) AppendTo(dst []byte) []byte {
	proto := r.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	dst = append(dst, proto...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(r.Status), 10)
	dst = append(dst, ' ')
	dst = append(dst, r.Reason...)
	dst = append(dst, "\r\n"...)
	dst = r.Headers.appendTo(dst)
	return append(dst, "\r\n"...)
}

// AtLeast reports whether the response version is at least major.minor.
func (r *ResponseHead) AtLeast(major, minor int) bool {
	return r.Major > major || (r.Major == major && r.Minor >= minor)
}

func splitHostPort(hostport string, def uint16) (string, uint16, error) {
	if hostport == "" {
		return "", 0, malformed("empty authority")
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port.
		h := strings.Trim(hostport, "[]")
		if strings.ContainsAny(h, " /") {
			return "", 0, malformed("bad authority " + hostport)
		}
		return h, def, nil
	}
	if portStr == "" {
		return host, def, nil
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || p == 0 {
		return "", 0, malformed("bad port in " + hostport)
	}
	return host, uint16(p), nil
}

// nextLine returns the line starting at off without its terminator and the
// offset past the terminator. ok is false when no LF was found.
func nextLine(b []byte, off int) (line []byte, next int, ok bool) {
	i := bytes.IndexByte(b[off:], '\n')
	if i < 0 {
		return nil, off, false
	}
	line = b[off : off+i]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, off + i + 1, true
}

// skipEmptyLines skips CRLFs preceding a start line.
func skipEmptyLines(b []byte) int {
	off := 0
	for off < len(b) && (b[off] == '\r' || b[off] == '\n') {
		off++
	}
	return off
}

// parseHeaders parses header lines starting at off up to the empty line.
// It returns n == 0 when more bytes are needed.
func parseHeaders(b []byte, off int) (Headers, int, error) {
	var hs Headers
	for {
		line, next, ok := nextLine(b, off)
		if !ok {
			if len(b) > MaxHeadSize {
				return nil, 0, ErrHeadTooLarge
			}
			return nil, 0, nil
		}
		off = next
		if len(line) == 0 {
			return hs, off, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(hs) == 0 {
				return nil, 0, malformed("continuation before first header")
			}
			hs[len(hs)-1].Value += " " + string(bytes.TrimSpace(line))
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, 0, malformed(fmt.Sprintf("header line %q", line))
		}
		name := string(line[:colon])
		value := string(bytes.TrimSpace(line[colon+1:]))
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, 0, malformed(fmt.Sprintf("invalid header %q", name))
		}
		hs = append(hs, Header{Name: name, Value: value})
	}
}

func parseVersion(proto string) (major, minor int, ok bool) {
	if !strings.HasPrefix(proto, "HTTP/") || len(proto) != len("HTTP/1.1") || proto[6] != '.' {
		return 0, 0, false
	}
	if proto[5] < '0' || proto[5] > '9' || proto[7] < '0' || proto[7] > '9' {
		return 0, 0, false
	}
	return int(proto[5] - '0'), int(proto[7] - '0'), true
}

// ParseRequestHead parses a request head at the start of b. It returns
// n == 0 and a nil error when b does not hold a complete head yet.
func ParseRequestHead(b []byte) (*RequestHead, int, error) {
	off := skipEmptyLines(b)
	line, next, ok := nextLine(b, off)
	if !ok {
		if len(b)-off > MaxLineSize {
			return nil, 0, ErrRequestLineTooLong
		}
		return nil, 0, nil
	}
	if len(line) > MaxLineSize {
		return nil, 0, ErrRequestLineTooLong
	}
	parts := strings.Fields(string(line))
	switch len(parts) {
	case 2:
		if !httpguts.ValidHeaderFieldName(parts[0]) {
			return nil, 0, malformed("bad method")
		}
		return &RequestHead{Method: parts[0], Target: parts[1], Proto: "HTTP/0.9", HTTP09: true}, next, nil
	case 3:
	default:
		return nil, 0, malformed(fmt.Sprintf("request line %q", line))
	}
	major, minor, ok := parseVersion(parts[2])
	if !ok || !httpguts.ValidHeaderFieldName(parts[0]) {
		return nil, 0, malformed(fmt.Sprintf("request line %q", line))
	}
	hs, n, err := parseHeaders(b, next)
	if err != nil || n == 0 {
		return nil, 0, err
	}
	return &RequestHead{
		Method:  parts[0],
		Target:  parts[1],
		Proto:   parts[2],
		Major:   major,
		Minor:   minor,
		Headers: hs,
	}, n, nil
}

// ParseResponseHead parses a response head at the start of b. It returns
// n == 0 and a nil error when b does not hold a complete head yet.
func ParseResponseHead(b []byte) (*ResponseHead, int, error) {
	off := skipEmptyLines(b)
	line, next, ok := nextLine(b, off)
	if !ok {
		if len(b)-off > MaxHeadSize {
			return nil, 0, ErrHeadTooLarge
		}
		return nil, 0, nil
	}
	proto, rest, _ := strings.Cut(string(line), " ")
	code, reason, _ := strings.Cut(rest, " ")
	major, minor, ok := parseVersion(proto)
	if !ok {
		return nil, 0, malformed(fmt.Sprintf("status line %q", line))
	}
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 || status > 999 {
		return nil, 0, malformed(fmt.Sprintf("status line %q", line))
	}
	hs, n, err := parseHeaders(b, next)
	if err != nil || n == 0 {
		return nil, 0, err
	}
	return &ResponseHead{
		Proto:   proto,
		Major:   major,
		Minor:   minor,
		Status:  status,
		Reason:  reason,
		Headers: hs,
	}, n, nil
}

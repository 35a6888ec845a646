// Author: momentics <momentics@gmail.com>

package framing

import (
	"mime"
	"strconv"
	"strings"
)

// Framing describes how a message body is delimited and whether the
// connection may carry another message afterwards.
type Framing struct {
	KeepAlive bool
	Chunked   bool
	// Length is the declared body length, -1 when the body runs to EOF or
	// is delimited otherwise.
	Length int64
	// Boundary is set for multipart/byteranges bodies without a length.
	Boundary string
	// NoBody is set when the message cannot carry a body at all.
	NoBody bool
	HTTP09 bool
}

// HasBody reports whether a body follows the head.
func (f Framing) HasBody() bool {
	return !f.NoBody && (f.Chunked || f.Length != 0 || f.Boundary != "")
}

func keepAlive(major, minor int, h Headers) bool {
	if h.HasToken("Connection", "close") || h.HasToken("Proxy-Connection", "close") {
		return false
	}
	if major > 1 || (major == 1 && minor >= 1) {
		return true
	}
	return h.HasToken("Connection", "keep-alive") || h.HasToken("Proxy-Connection", "keep-alive")
}

func contentLength(h Headers) (int64, bool, error) {
	vals := h.Values("Content-Length")
	if len(vals) == 0 {
		return -1, false, nil
	}
	var n int64 = -1
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			x, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || x < 0 {
				return 0, false, malformed("bad Content-Length " + v)
			}
			if n >= 0 && x != n {
				return 0, false, malformed("conflicting Content-Length")
			}
			n = x
		}
	}
	return n, true, nil
}

func byterangesBoundary(h Headers) string {
	ct := h.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil || mt != "multipart/byteranges" {
		return ""
	}
	return params["boundary"]
}

func isChunked(h Headers) bool {
	te := h.Tokens("Transfer-Encoding")
	return len(te) > 0 && strings.EqualFold(te[len(te)-1], "chunked")
}

// ClassifyRequest derives the framing of a request from its head.
func ClassifyRequest(r *RequestHead) (Framing, error) {
	if r.HTTP09 {
		return Framing{HTTP09: true, NoBody: true}, nil
	}
	f := Framing{KeepAlive: keepAlive(r.Major, r.Minor, r.Headers), Length: 0}
	if r.Headers.Has("Transfer-Encoding") {
		if !isChunked(r.Headers) {
			return f, malformed("unsupported Transfer-Encoding " + r.Headers.Get("Transfer-Encoding"))
		}
		f.Chunked = true
		f.Length = -1
		return f, nil
	}
	n, ok, err := contentLength(r.Headers)
	if err != nil {
		return f, err
	}
	if ok {
		f.Length = n
		return f, nil
	}
	if b := byterangesBoundary(r.Headers); b != "" {
		f.Boundary = b
		f.Length = -1
	}
	return f, nil
}

// ClassifyResponse derives the framing of a response to a request made with
// method.
func ClassifyResponse(r *ResponseHead, method string) (Framing, error) {
	f := Framing{KeepAlive: keepAlive(r.Major, r.Minor, r.Headers), Length: -1}
	if method == "HEAD" || r.Status < 200 || r.Status == 204 || r.Status == 304 {
		f.NoBody = true
		f.Length = 0
		// Neither side can be reused once the protocol has switched.
		if r.Status == 101 {
			f.KeepAlive = false
		}
		return f, nil
	}
	if method == "CONNECT" && r.Status >= 200 && r.Status < 300 {
		f.NoBody = true
		f.Length = 0
		return f, nil
	}
	if r.Headers.Has("Transfer-Encoding") && isChunked(r.Headers) {
		f.Chunked = true
		return f, nil
	}
	n, ok, err := contentLength(r.Headers)
	if err != nil {
		return f, err
	}
	if ok {
		f.Length = n
		return f, nil
	}
	if b := byterangesBoundary(r.Headers); b != "" {
		f.Boundary = b
		// The end of the body is found by scanning; the connection cannot be
		// trusted afterwards.
		f.KeepAlive = false
		return f, nil
	}
	// Delimited by close.
	f.KeepAlive = false
	return f, nil
}

// Author: momentics <momentics@gmail.com>

package proxy

import (
	"time"

	"github.com/momentics/hioload-proxy/backend"
	"github.com/momentics/hioload-proxy/framing"
	"github.com/momentics/hioload-proxy/pool"
)

// RequestHandler is the state of one request/response exchange. It belongs
// to exactly one Connection and is dropped when the exchange ends; it holds
// no reference back to the session.
type RequestHandler struct {
	Request *framing.RequestHead
	Framing framing.Framing
	Host    string
	Port    uint16
	// URI is the request target as the client addressed it.
	URI     string
	Started time.Time

	Response    *framing.ResponseHead
	RespFraming framing.Framing

	clientMajor, clientMinor int
	// bodyOnly marks an HTTP/0.9 exchange: no heads toward the client.
	bodyOnly bool
	// tunnel is set for connection-bound authentication schemes.
	tunnel  bool
	retried bool
	started bool
	// seen is set once any response byte arrived from the backend.
	seen bool

	reqSource framing.BodySource
	reqSink   framing.BodySink

	backend *backend.Conn
	respBuf *pool.Handle
	sent    int64
}

func newRequestHandler(m *framing.Message, now time.Time) *RequestHandler {
	h := &RequestHandler{
		Request:     m.Request,
		Framing:     m.Framing,
		Started:     now,
		clientMajor: m.Request.Major,
		clientMinor: m.Request.Minor,
	}
	if m.Request.HTTP09 {
		h.bodyOnly = true
		h.clientMajor, h.clientMinor = 0, 9
	}
	return h
}

// ClientAtLeast reports whether the client spoke at least major.minor.
func (h *RequestHandler) ClientAtLeast(major, minor int) bool {
	return h.clientMajor > major || (h.clientMajor == major && h.clientMinor >= minor)
}

// Status returns the response status, 0 before a response head arrived.
func (h *RequestHandler) Status() int {
	if h.Response == nil {
		return 0
	}
	return h.Response.Status
}

// prepareRequestBody picks how the request body travels to the backend and
// rewrites the outgoing head to match. It runs after filtering, which strips
// Transfer-Encoding. A tunneled exchange relays the body untouched.
func (h *RequestHandler) prepareRequestBody() {
	if h.tunnel || !h.Framing.HasBody() {
		return
	}
	src := framing.NewSource(h.Framing)
	h.reqSource = src
	if h.Framing.Chunked || src.ChangesContentSize() {
		h.Request.Headers.Del("Content-Length")
		h.Request.Headers.Set("Transfer-Encoding", "chunked")
		h.reqSink = &framing.ChunkedSink{}
		return
	}
	h.reqSink = framing.IdentitySink{}
}

// responseBody picks how the response body travels to the client and
// rewrites the response head to match. keep is the session keepalive flag;
// the returned flag is false when the body can only be delimited by closing.
func (h *RequestHandler) responseBody(keep bool) (framing.BodySource, framing.BodySink, bool) {
	f := h.RespFraming
	if f.NoBody {
		return nil, nil, keep
	}
	src := framing.NewSource(f)
	if h.bodyOnly {
		return src, framing.IdentitySink{}, false
	}
	if !f.Chunked && f.Length >= 0 && !src.ChangesContentSize() {
		return src, framing.IdentitySink{}, keep
	}
	h.Response.Headers.Del("Content-Length")
	if keep && h.ClientAtLeast(1, 1) {
		h.Response.Headers.Set("Transfer-Encoding", "chunked")
		return src, &framing.ChunkedSink{}, true
	}
	return src, framing.IdentitySink{}, false
}

// canRetry reports whether a failure on a reused backend connection may be
// retried on a fresh one: idempotent method, no request body, no response
// byte seen yet.
func (h *RequestHandler) canRetry() bool {
	return !h.retried &&
		h.backend != nil && h.backend.Reused() &&
		backend.Idempotent(h.Request.Method) &&
		h.reqSource == nil &&
		!h.seen
}

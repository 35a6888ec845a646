// Author: momentics <momentics@gmail.com>

package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/backend"
	"github.com/momentics/hioload-proxy/filter"
	"github.com/momentics/hioload-proxy/framing"
	"github.com/momentics/hioload-proxy/pool"
	"github.com/momentics/hioload-proxy/reactor"
)

// Connection is one client session. Its callbacks run on reactor cores,
// never two at a time.
type Connection struct {
	p      *Proxy
	ch     *reactor.Channel
	id     string
	client string
	logger *zap.Logger
	in     *pool.Handle
	since  time.Time
	keep   keepAlive
	ex     *RequestHandler

	mu       sync.Mutex
	state    State
	requests int
	target   string
}

func newConnection(p *Proxy, ch *reactor.Channel) *Connection {
	id := uuid.NewString()
	client := ch.RemoteAddr().String()
	return &Connection{
		p:      p,
		ch:     ch,
		id:     id,
		client: client,
		logger: p.logger.With(zap.String("conn_id", id), zap.String("client", client)),
		in:     pool.NewHandle(p.buffers),
		since:  p.clock.Now(),
		keep:   newKeepAlive(),
		state:  StateReadingRequest,
	}
}

// ID returns the session id used in logs.
func (c *Connection) ID() string { return c.id }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot for the debug endpoint.
func (c *Connection) Info() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SessionInfo{
		ID:       c.id,
		Client:   c.client,
		State:    c.state.String(),
		Requests: c.requests,
		Since:    c.since,
		Target:   c.target,
	}
}

func (c *Connection) transition(to State) {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		panic(illegalTransition(from, to))
	}
	c.state = to
	c.mu.Unlock()
	if ce := c.logger.Check(zap.DebugLevel, "state"); ce != nil {
		ce.Write(zap.Stringer("from", from), zap.Stringer("to", to))
	}
}

func (c *Connection) start() {
	c.p.sessions.add(c)
	c.p.metrics.connectionOpened()
	c.logger.Debug("client connected")
	c.armRequestReader()
}

func (c *Connection) armRequestReader() {
	r := framing.NewRequestReader(c.p.sched, c.ch, c.in, framing.HeadFuncs{
		OnRead:   c.requestRead,
		OnFailed: c.requestFailed,
	})
	r.Start()
}

func (c *Connection) requestFailed(err error) {
	switch {
	case errors.Is(err, io.EOF):
		c.logger.Debug("client closed")
		c.close()
	case errors.Is(err, framing.ErrRequestLineTooLong):
		c.p.metrics.request(OutcomeSynthesized)
		c.respond(http.StatusRequestURITooLong, "", err.Error())
	case errors.Is(err, framing.ErrHeadTooLarge):
		c.p.metrics.request(OutcomeSynthesized)
		c.respond(http.StatusRequestHeaderFieldsTooLarge, "", err.Error())
	case api.Classify(err) == api.ErrCodeProtocol:
		c.p.metrics.request(OutcomeSynthesized)
		c.respond(http.StatusBadRequest, "", err.Error())
	default:
		c.logFailure("request read failed", err)
		c.close()
	}
}

// logFailure logs transient errors at Debug and the rest at Warn.
func (c *Connection) logFailure(msg string, err error) {
	code := api.Classify(err)
	if code == api.ErrCodeTransient {
		c.logger.Debug(msg, zap.Stringer("class", code), zap.Error(err))
		return
	}
	c.logger.Warn(msg, zap.Stringer("class", code), zap.Error(err))
}

func (c *Connection) requestRead(m *framing.Message) {
	c.transition(StateFiltering)
	ex := newRequestHandler(m, c.p.clock.Now())
	c.ex = ex
	c.mu.Lock()
	c.requests++
	c.target = m.Request.URI()
	c.mu.Unlock()
	c.keep.And(m.Framing.KeepAlive, "client")
	if ex.bodyOnly {
		c.keep.And(false, "http/0.9")
	}
	c.protect(c.dispatch)
}

// protect turns a panic in fn into a 500 response. Contract violations are
// re-raised.
func (c *Connection) protect(fn func()) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if api.IsMisuse(v) {
			panic(v)
		}
		c.logger.Error("request processing failed", zap.Any("panic", v), zap.Stack("stack"))
		c.internalError(fmt.Sprint(v))
	}()
	fn()
}

func (c *Connection) internalError(detail string) {
	st := c.State()
	if st >= StateClosing {
		return
	}
	if (c.ex != nil && c.ex.started) || !CanTransition(st, StateStreamingResponse) {
		c.close()
		return
	}
	c.p.metrics.request(OutcomeFailed)
	c.respond(http.StatusInternalServerError, "", "Internal proxy error: "+detail)
}

func (c *Connection) dispatch() {
	ex := c.ex
	req := ex.Request
	host, port, err := req.Authority()
	if err != nil {
		c.p.metrics.request(OutcomeSynthesized)
		c.respond(http.StatusBadRequest, "", err.Error())
		return
	}
	ex.Host, ex.Port, ex.URI = host, port, req.URI()
	f := c.p.filter
	if req.IsConnect() {
		if v := f.CheckConnect(req, host, port); v != nil {
			c.respondVerdict(v)
			return
		}
		c.acquire()
		return
	}
	if ex.bodyOnly {
		if !f.Chained() {
			req.ToOriginForm()
		}
	} else {
		ex.tunnel = f.ForceTunnel(req)
		te := req.Headers.Get("Transfer-Encoding")
		if v := f.FilterRequest(req, host, port); v != nil {
			c.respondVerdict(v)
			return
		}
		if ex.tunnel && te != "" {
			// The tunnel relays the body as received.
			req.Headers.Set("Transfer-Encoding", te)
		}
		ex.prepareRequestBody()
	}
	c.acquire()
}

func (c *Connection) acquire() {
	c.transition(StateAcquiringBackend)
	ex := c.ex
	c.p.backends.Get(backend.Request{
		Method: ex.Request.Method,
		Host:   ex.Host,
		Port:   ex.Port,
		Client: c.ch,
		Fresh:  ex.retried,
	}, backendListener{c})
}

type backendListener struct{ c *Connection }

func (l backendListener) Connected(bc *backend.Conn) { l.c.backendConnected(bc) }
func (l backendListener) Failed(err error)           { l.c.backendFailed(err) }

func (c *Connection) backendFailed(err error) {
	ex := c.ex
	var msg string
	if backend.IsUnknownHost(err) {
		c.logger.Warn("unknown host", zap.String("host", ex.Host),
			zap.String("reason", "unknown_host"), zap.Error(err))
		msg = unknownHostMessage(ex.Host, ex.URI)
	} else {
		c.logger.Warn("backend unreachable", zap.String("host", ex.Host), zap.Uint16("port", ex.Port),
			zap.String("reason", "connect_failed"), zap.Error(err))
		msg = unreachableMessage(ex.URI, err)
	}
	c.p.metrics.request(OutcomeUnreachable)
	c.respond(http.StatusGatewayTimeout, "", msg)
}

func (c *Connection) backendConnected(bc *backend.Conn) {
	ex := c.ex
	ex.backend = bc
	switch {
	case ex.Request.IsConnect() && c.p.filter.Chained():
		c.p.filter.PrepareConnect(ex.Request)
		c.sendRequest()
	case ex.Request.IsConnect():
		c.startTunnel(nil, []byte(ConnectEstablished))
	case ex.tunnel:
		c.startTunnel(ex.Request.AppendTo(nil), nil)
	default:
		c.sendRequest()
	}
}

func (c *Connection) sendRequest() {
	c.transition(StateSendingRequest)
	ex := c.ex
	framing.SendHead(c.p.sched, ex.backend.Channel(), c.p.buffers, ex.Request.AppendTo(nil), framing.SendFuncs{
		OnSent:   c.requestHeadSent,
		OnFailed: c.requestSendFailed,
	})
}

func (c *Connection) requestHeadSent() {
	ex := c.ex
	if ex.reqSource == nil {
		c.readResponse()
		return
	}
	t := framing.NewTransfer(c.p.sched, c.ch, ex.backend.Channel(), c.in, c.p.buffers,
		ex.reqSource, ex.reqSink, framing.TransferFuncs{
			OnFinished: func(*framing.Transfer) { c.readResponse() },
			OnFailed:   c.requestBodyFailed,
		})
	t.Start()
}

func (c *Connection) requestSendFailed(err error) {
	if c.ex.canRetry() && staleError(err) {
		c.retry(err)
		return
	}
	c.dropBackend()
	c.logFailure("sending request failed", err)
	c.p.metrics.request(OutcomeUnreachable)
	c.respond(http.StatusGatewayTimeout, "", unreachableMessage(c.ex.URI, err))
}

func (c *Connection) requestBodyFailed(_ *framing.Transfer, err error) {
	c.logFailure("request body transfer failed", err)
	c.p.metrics.request(OutcomeFailed)
	c.close()
}

// staleError reports failures typical of a pooled connection the backend
// already gave up on.
func staleError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, reactor.ErrClosed)
}

func (c *Connection) retry(err error) {
	c.logger.Debug("reused backend connection failed, retrying",
		zap.Stringer("backend", c.ex.backend), zap.Error(err))
	c.dropBackend()
	c.ex.retried = true
	c.p.metrics.retry()
	c.acquire()
}

// dropBackend closes the exchange's backend connection instead of pooling it.
func (c *Connection) dropBackend() {
	ex := c.ex
	if ex.backend != nil {
		c.p.sched.Close(ex.backend.Channel())
		ex.backend = nil
	}
	if ex.respBuf != nil {
		ex.respBuf.Release()
	}
}

func (c *Connection) readResponse() {
	c.transition(StateStreamingResponse)
	ex := c.ex
	if ex.respBuf == nil {
		ex.respBuf = pool.NewHandle(c.p.buffers)
	}
	var r *framing.HeaderReader
	r = framing.NewResponseReader(c.p.sched, ex.backend.Channel(), ex.respBuf, ex.Request.Method, framing.HeadFuncs{
		OnRead: c.responseRead,
		OnFailed: func(err error) {
			if r.Received() > 0 {
				ex.seen = true
			}
			c.responseFailed(err)
		},
	})
	r.Start()
}

func (c *Connection) responseFailed(err error) {
	ex := c.ex
	if ex.canRetry() && staleError(err) {
		c.retry(err)
		return
	}
	c.dropBackend()
	c.logFailure("reading response failed", err)
	c.p.metrics.request(OutcomeFailed)
	if ex.seen || api.Classify(err) == api.ErrCodeProtocol {
		c.respond(http.StatusBadGateway, "", "Invalid response from "+ex.URI+": "+err.Error())
		return
	}
	c.respond(http.StatusGatewayTimeout, "", unreachableMessage(ex.URI, err))
}

// interim reports 1xx statuses that precede the final response.
func interim(status int) bool {
	return status >= 100 && status < 200 && status != http.StatusSwitchingProtocols
}

func (c *Connection) responseRead(m *framing.Message) {
	ex := c.ex
	ex.seen = true
	resp := m.Response
	if interim(resp.Status) {
		if ex.bodyOnly || !ex.ClientAtLeast(1, 1) {
			c.readResponse()
			return
		}
		filter.StripHopByHop(&resp.Headers)
		framing.SendHead(c.p.sched, c.ch, c.p.buffers, resp.AppendTo(nil), framing.SendFuncs{
			OnSent:   c.readResponse,
			OnFailed: c.responseSendFailed,
		})
		return
	}
	ex.Response, ex.RespFraming = resp, m.Framing
	if !m.Framing.KeepAlive {
		ex.backend.DisableKeepAlive()
		c.keep.And(false, "backend")
	}
	if v := c.p.filter.FilterResponse(resp); v != nil {
		c.dropBackend()
		c.respondVerdict(v)
		return
	}
	if ex.Request.IsConnect() {
		if resp.Status/100 == 2 {
			c.startTunnel(nil, resp.AppendTo(nil))
			return
		}
		c.keep.And(false, "connect refused upstream")
	}
	src, sink, keep := ex.responseBody(c.keep.On())
	c.keep.And(keep, "response framing")
	ex.started = true
	if ex.bodyOnly {
		c.streamResponseBody(src, sink)
		return
	}
	if !c.keep.On() {
		resp.Headers.Set("Connection", "close")
	} else if !ex.ClientAtLeast(1, 1) {
		resp.Headers.Set("Connection", "keep-alive")
	}
	framing.SendHead(c.p.sched, c.ch, c.p.buffers, resp.AppendTo(nil), framing.SendFuncs{
		OnSent:   func() { c.streamResponseBody(src, sink) },
		OnFailed: c.responseSendFailed,
	})
}

func (c *Connection) responseSendFailed(err error) {
	c.logFailure("sending response failed", err)
	c.p.metrics.request(OutcomeFailed)
	c.close()
}

func (c *Connection) streamResponseBody(src framing.BodySource, sink framing.BodySink) {
	if src == nil {
		c.exchangeDone()
		return
	}
	ex := c.ex
	t := framing.NewTransfer(c.p.sched, ex.backend.Channel(), c.ch, ex.respBuf, c.p.buffers,
		src, sink, framing.TransferFuncs{
			OnFinished: func(t *framing.Transfer) {
				ex.sent = t.Written()
				c.exchangeDone()
			},
			OnFailed: c.responseBodyFailed,
		})
	t.Start()
}

func (c *Connection) responseBodyFailed(t *framing.Transfer, err error) {
	if errors.Is(err, framing.ErrPartialContent) {
		c.logger.Info("backend sent a short body", zap.String("uri", c.ex.URI),
			zap.Int64("received", t.Source().Transferred()))
	} else {
		c.logFailure("response body transfer failed", err)
	}
	c.p.metrics.request(OutcomeFailed)
	c.close()
}

// exchangeDone returns the backend connection and restarts or closes.
func (c *Connection) exchangeDone() {
	ex := c.ex
	bc := ex.backend
	ex.backend = nil
	if bc.KeepAlive() && ex.respBuf.IsEmpty() {
		ex.respBuf.Release()
		c.p.backends.Release(bc)
	} else {
		ex.respBuf.Release()
		c.p.sched.Close(bc.Channel())
	}
	c.p.metrics.request(OutcomeOK)
	if ce := c.logger.Check(zap.DebugLevel, "request"); ce != nil {
		ce.Write(
			zap.String("method", ex.Request.Method),
			zap.String("uri", ex.URI),
			zap.Int("status", ex.Status()),
			zap.Int64("bytes", ex.sent),
			zap.Duration("elapsed", c.p.clock.Since(ex.Started)),
			zap.Bool("retried", ex.retried),
		)
	}
	c.ex = nil
	if !c.keep.On() {
		c.logger.Debug("closing after exchange", zap.String("reason", c.keep.reason))
		c.close()
		return
	}
	c.transition(StateRestartKeepAlive)
	c.transition(StateReadingRequest)
	c.armRequestReader()
}

func (c *Connection) respondVerdict(v *filter.Verdict) {
	outcome := OutcomeSynthesized
	if v.Status == http.StatusForbidden {
		outcome = OutcomeBlocked
	}
	c.p.metrics.request(outcome)
	c.logger.Info("request refused", zap.Stringer("verdict", v))
	c.respond(v.Status, v.Reason, v.Message)
}

// respond sends a response generated by the proxy and closes afterwards.
func (c *Connection) respond(status int, reason, message string) {
	c.transition(StateStreamingResponse)
	c.keep.And(false, "synthesized response")
	bodyOnly := c.ex != nil && c.ex.bodyOnly
	if c.ex != nil {
		c.ex.started = true
	}
	raw := Synthesize(status, reason, message, false, bodyOnly)
	framing.SendHead(c.p.sched, c.ch, c.p.buffers, raw, framing.SendFuncs{
		OnSent: c.close,
		OnFailed: func(err error) {
			c.logger.Debug("sending synthesized response failed", zap.Int("status", status), zap.Error(err))
			c.close()
		},
	})
}

// startTunnel hands both sockets to a Tunnel. toBackend and toClient are
// sent first in their direction.
func (c *Connection) startTunnel(toBackend, toClient []byte) {
	c.transition(StateTunneling)
	ex := c.ex
	bc := ex.backend
	ex.backend = nil

	up := handOff(c.p.buffers, toBackend, c.in)
	down := handOff(c.p.buffers, toClient, ex.respBuf)
	c.p.metrics.request(OutcomeTunnel)
	c.logger.Debug("tunnel open", zap.String("target", ex.URI), zap.Bool("forced", ex.tunnel))
	t := NewTunnel(c.p.sched, c.ch, bc.Channel(), up, down, c.p.TunnelIdle(), TunnelFunc(c.tunnelClosed))
	t.Start()
}

// handOff moves the unread bytes of rest into a handle for a tunnel
// direction, behind first. rest is left empty.
func handOff(bp *pool.BufferPool, first []byte, rest *pool.Handle) *pool.Handle {
	if rest == nil {
		h := pool.NewHandle(bp)
		h.Append(first)
		return h
	}
	if len(first) == 0 {
		return rest.Detach()
	}
	h := pool.NewHandle(bp)
	h.Append(first)
	if !rest.IsEmpty() {
		h.Append(rest.Bytes())
	}
	rest.Release()
	return h
}

func (c *Connection) tunnelClosed(t *Tunnel) {
	c.p.metrics.tunnel(t.Upstream(), t.Downstream())
	fields := []zap.Field{zap.Int64("upstream", t.Upstream()), zap.Int64("downstream", t.Downstream())}
	if err := t.Err(); err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Debug("tunnel closed", fields...)
	c.close()
}

// close releases everything the session holds. It is idempotent.
func (c *Connection) close() {
	if c.State() >= StateClosing {
		return
	}
	c.transition(StateClosing)
	if ex := c.ex; ex != nil {
		if ex.backend != nil {
			c.p.sched.Close(ex.backend.Channel())
			ex.backend = nil
		}
		if ex.respBuf != nil {
			ex.respBuf.Release()
		}
		c.ex = nil
	}
	c.in.Release()
	c.p.sched.Close(c.ch)
	c.transition(StateClosed)
	c.p.sessions.remove(c.id)
	c.p.metrics.connectionClosed()
	c.logger.Debug("client session closed")
}

// Author: momentics <momentics@gmail.com>

package framing

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/internal/concurrency"
	"github.com/momentics/hioload-proxy/pool"
	"github.com/momentics/hioload-proxy/reactor"
)

func newScheduler(t *testing.T) *reactor.Scheduler {
	t.Helper()
	exec := concurrency.NewExecutor(1, 8, nil)
	s, err := reactor.NewScheduler(reactor.Options{
		Cores:          2,
		Executor:       exec,
		DefaultTimeout: 2 * time.Second,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() {
		_ = s.Shutdown()
		<-s.Done()
		exec.Close()
	})
	return s
}

func socketPair(t *testing.T) (*reactor.Channel, *reactor.Channel) {
	t.Helper()
	a, b, err := reactor.Pair()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

// writeAll writes p to a non-blocking channel from a test goroutine.
func writeAll(t *testing.T, ch *reactor.Channel, p []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(p) > 0 {
		n, err := ch.Write(p)
		require.NoError(t, err)
		p = p[n:]
		if n == 0 {
			require.True(t, time.Now().Before(deadline), "write stalled")
			time.Sleep(time.Millisecond)
		}
	}
}

// readUntil drains ch from a goroutine until EOF or want bytes.
func readUntil(ch *reactor.Channel, want int) <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		var got []byte
		buf := make([]byte, 64*1024)
		deadline := time.Now().Add(5 * time.Second)
		for (want < 0 || len(got) < want) && time.Now().Before(deadline) {
			n, err := ch.Read(buf)
			got = append(got, buf[:n]...)
			if err != nil {
				break
			}
			if n == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		out <- got
	}()
	return out
}

type headResult struct {
	msg *Message
	err error
}

func TestHeaderReaderSplitHead(t *testing.T) {
	s := newScheduler(t)
	client, proxy := socketPair(t)
	buf := pool.NewHandle(pool.NewBufferPool(4))
	res := make(chan headResult, 2)
	r := NewRequestReader(s, proxy, buf, HeadFuncs{
		OnRead:   func(m *Message) { res <- headResult{msg: m} },
		OnFailed: func(err error) { res <- headResult{err: err} },
	})

	writeAll(t, client, []byte("POST /u HTTP/1.1\r\nHost: h\r\nContent-"))
	r.Start()
	time.Sleep(20 * time.Millisecond)
	writeAll(t, client, []byte("Length: 4\r\n\r\nbodyGET"))

	select {
	case out := <-res:
		require.NoError(t, out.err)
		assert.Equal(t, "POST", out.msg.Request.Method)
		assert.EqualValues(t, 4, out.msg.Framing.Length)
		assert.Equal(t, "bodyGET", string(buf.Bytes()))
	case <-time.After(3 * time.Second):
		t.Fatal("no head")
	}
}

func TestHeaderReaderEOF(t *testing.T) {
	s := newScheduler(t)
	client, proxy := socketPair(t)
	buf := pool.NewHandle(pool.NewBufferPool(4))
	res := make(chan error, 2)
	r := NewRequestReader(s, proxy, buf, HeadFuncs{
		OnRead:   func(*Message) { res <- nil },
		OnFailed: func(err error) { res <- err },
	})
	r.Start()
	require.NoError(t, client.Close())

	select {
	case err := <-res:
		assert.ErrorIs(t, err, io.EOF)
		assert.False(t, buf.HasBuffer())
	case <-time.After(3 * time.Second):
		t.Fatal("no failure")
	}
}

func TestHeaderReaderTimeout(t *testing.T) {
	s := newScheduler(t)
	_, proxy := socketPair(t)
	buf := pool.NewHandle(pool.NewBufferPool(4))
	res := make(chan error, 2)
	r := NewResponseReader(s, proxy, buf, "GET", HeadFuncs{
		OnRead:   func(*Message) { res <- nil },
		OnFailed: func(err error) { res <- err },
	})
	s.SetDefaultTimeout(30 * time.Millisecond)
	r.Start()

	select {
	case err := <-res:
		require.Error(t, err)
		assert.True(t, errors.Is(err, api.ErrOperationTimeout))
	case <-time.After(3 * time.Second):
		t.Fatal("no timeout")
	}
	assert.Zero(t, r.Received())
}

func TestHeaderReaderCountsBytesBeforeEOF(t *testing.T) {
	s := newScheduler(t)
	peer, proxy := socketPair(t)
	buf := pool.NewHandle(pool.NewBufferPool(4))
	res := make(chan error, 2)
	r := NewResponseReader(s, proxy, buf, "GET", HeadFuncs{
		OnRead:   func(*Message) { res <- nil },
		OnFailed: func(err error) { res <- err },
	})
	writeAll(t, peer, []byte("HTTP/1.1 200 O"))
	require.NoError(t, peer.CloseWrite())
	r.Start()

	select {
	case err := <-res:
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	case <-time.After(3 * time.Second):
		t.Fatal("reader did not fail")
	}
	assert.EqualValues(t, len("HTTP/1.1 200 O"), r.Received())
	assert.False(t, buf.HasBuffer())
}

func TestSenderDrainsPartialWrites(t *testing.T) {
	s := newScheduler(t)
	proxy, peer := socketPair(t)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<16)
	buf := pool.NewHandle(pool.NewBufferPool(4))
	buf.Append(payload)

	done := make(chan error, 2)
	snd := NewSender(s, proxy, buf, SendFuncs{
		OnSent:   func() { done <- nil },
		OnFailed: func(err error) { done <- err },
	})
	got := readUntil(peer, len(payload))
	snd.Send()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not finish")
	}
	assert.Equal(t, payload, <-got)
	assert.True(t, buf.MayBeFlushed())
	assert.False(t, buf.HasBuffer())
}

type transferResult struct {
	t   *Transfer
	err error
}

func runTransfer(t *testing.T, s *reactor.Scheduler, src, dst *reactor.Channel, in *pool.Handle,
	source BodySource, sink BodySink) <-chan transferResult {
	t.Helper()
	res := make(chan transferResult, 2)
	tr := NewTransfer(s, src, dst, in, pool.NewBufferPool(4), source, sink, TransferFuncs{
		OnFinished: func(tr *Transfer) { res <- transferResult{t: tr} },
		OnFailed:   func(tr *Transfer, err error) { res <- transferResult{t: tr, err: err} },
	})
	tr.Start()
	return res
}

func TestTransferChunkedToIdentityKeepsLeftover(t *testing.T) {
	s := newScheduler(t)
	client, proxyIn := socketPair(t)
	proxyOut, backend := socketPair(t)

	in := pool.NewHandle(pool.NewBufferPool(4))
	in.Append([]byte("4\r\nwi"))
	got := readUntil(backend, len("wikipedia in\r\n\r\nchunks."))
	res := runTransfer(t, s, proxyIn, proxyOut, in, &ChunkedSource{}, IdentitySink{})

	writeAll(t, client, []byte("ki\r\n5\r\npedia\r\n"))
	time.Sleep(10 * time.Millisecond)
	writeAll(t, client, []byte("E\r\n in\r\n\r\nchunks.\r\n0\r\n\r\nGET /next"))

	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.EqualValues(t, 23, r.t.Source().Transferred())
	case <-time.After(3 * time.Second):
		t.Fatal("transfer did not finish")
	}
	assert.Equal(t, "wikipedia in\r\n\r\nchunks.", string(<-got))
	assert.Equal(t, "GET /next", string(in.Bytes()))

	// Exactly one terminal notification.
	select {
	case r := <-res:
		t.Fatalf("second notification: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransferRechunksUnknownLength(t *testing.T) {
	s := newScheduler(t)
	origin, proxyIn := socketPair(t)
	proxyOut, client := socketPair(t)

	in := pool.NewHandle(pool.NewBufferPool(4))
	got := readUntil(client, -1)
	res := runTransfer(t, s, proxyIn, proxyOut, in, NewContentLengthSource(-1), &ChunkedSink{})

	rng := rand.New(rand.NewSource(3))
	payload := make([]byte, 200000)
	rng.Read(payload)
	writeAll(t, origin, payload)
	require.NoError(t, origin.CloseWrite())

	select {
	case r := <-res:
		require.NoError(t, r.err)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
	}
	require.NoError(t, proxyOut.CloseWrite())

	framed := <-got
	var decoded []byte
	src := &ChunkedSource{}
	for len(framed) > 0 && !src.Done() {
		n, data, err := src.Decode(framed)
		require.NoError(t, err)
		decoded = append(decoded, data...)
		framed = framed[n:]
	}
	assert.True(t, src.Done())
	assert.Equal(t, payload, decoded)
}

func TestTransferPartialContent(t *testing.T) {
	s := newScheduler(t)
	client, proxyIn := socketPair(t)
	proxyOut, backend := socketPair(t)
	in := pool.NewHandle(pool.NewBufferPool(4))
	got := readUntil(backend, 4)
	src := NewContentLengthSource(10)
	res := runTransfer(t, s, proxyIn, proxyOut, in, src, IdentitySink{})

	writeAll(t, client, []byte("1234"))
	require.NoError(t, client.CloseWrite())

	select {
	case r := <-res:
		assert.ErrorIs(t, r.err, ErrPartialContent)
		assert.EqualValues(t, 4, src.Transferred())
	case <-time.After(3 * time.Second):
		t.Fatal("transfer did not fail")
	}
	assert.Equal(t, "1234", string(<-got))
	assert.False(t, in.HasBuffer())
}

func TestTransferEmptyBody(t *testing.T) {
	s := newScheduler(t)
	_, proxyIn := socketPair(t)
	proxyOut, _ := socketPair(t)
	in := pool.NewHandle(pool.NewBufferPool(4))
	res := runTransfer(t, s, proxyIn, proxyOut, in, NewContentLengthSource(0), IdentitySink{})
	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.Zero(t, r.t.Written())
	case <-time.After(time.Second):
		t.Fatal("empty transfer did not finish")
	}
}

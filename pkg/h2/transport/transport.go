package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nikolay-pshenichny/linkerd/pkg/h2"
	"github.com/nikolay-pshenichny/linkerd/pkg/h2/codec"
	"github.com/nikolay-pshenichny/linkerd/pkg/stats"
)

// Side selects which Message shape a transport constructs for inbound
// headers.
type Side uint8

const (
	// ClientSide sends requests and receives responses.
	ClientSide Side = iota + 1
	// ServerSide receives requests and sends responses.
	ServerSide
)

func (s Side) String() string {
	switch s {
	case ClientSide:
		return "client"
	case ServerSide:
		return "server"
	default:
		return fmt.Sprintf("SIDE_UNKNOWN(%d)", uint8(s))
	}
}

// state is one direction's position in the stream lifecycle.
type state uint8

const (
	stateIdle state = iota
	stateOpen
	stateHalfClosed
	stateReset
)

var _stateNames = map[state]string{
	stateIdle:       "idle",
	stateOpen:       "open",
	stateHalfClosed: "half-closed",
	stateReset:      "reset",
}

func (s state) String() string {
	if name, ok := _stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE_UNKNOWN(%d)", uint8(s))
}

// messageCell is a one-shot cell for the initial inbound Message. It settles
// exactly once: with the Message, or with the bare h2.Reset when the stream
// resets before any headers arrive.
type messageCell struct {
	once sync.Once
	done chan struct{}
	msg  h2.Message
	err  error
}

func newMessageCell() *messageCell {
	return &messageCell{done: make(chan struct{})}
}

func (c *messageCell) succeed(msg h2.Message) bool {
	won := false
	c.once.Do(func() {
		c.msg = msg
		close(c.done)
		won = true
	})
	return won
}

func (c *messageCell) fail(err error) bool {
	won := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		won = true
	})
	return won
}

// Transport is the per-stream state machine bridging decoded wire frames and
// Messages. Inbound frames are handed to Recv by the connection's
// demultiplexer, one at a time in wire order; Send writes one outbound
// Message, draining its body asynchronously. The send and recv directions
// move independently through idle, open and half-closed until the stream
// completes gracefully, or a single reset, whoever initiates it first,
// terminates both.
//
// The transport never closes the FrameWriter: a stream reset's blast radius
// is exactly one stream, and connection teardown stays with the connection's
// owner.
type Transport struct {
	id    uint32
	side  Side
	w     FrameWriter
	stats stats.Receiver
	lg    *zap.Logger

	begin time.Time

	// wmu serializes this stream's writes; the FrameWriter keeps per-stream
	// order only as long as each stream submits frames sequentially.
	wmu sync.Mutex

	mu         sync.Mutex
	sendState  state
	recvState  state
	closed     bool
	rstErr     *h2.StreamError
	recvStream *h2.Stream
	sendStream *h2.Stream
	sendSig    *h2.Signal

	recvMsg *messageCell
	onReset *h2.Signal
	donec   chan struct{} // closed once the stream is fully closed
}

// NewClient returns the client-side transport for stream id: it sends a
// Request and receives a Response. Frames go out through w and telemetry to
// sr, both typically shared across streams. A nil sr or logger defaults to a
// no-op.
func NewClient(id uint32, w FrameWriter, sr stats.Receiver, logger *zap.Logger) *Transport {
	return newTransport(id, ClientSide, w, sr, logger)
}

// NewServer returns the server-side transport for stream id: it receives a
// Request and sends a Response.
func NewServer(id uint32, w FrameWriter, sr stats.Receiver, logger *zap.Logger) *Transport {
	return newTransport(id, ServerSide, w, sr, logger)
}

func newTransport(id uint32, side Side, w FrameWriter, sr stats.Receiver, logger *zap.Logger) *Transport {
	if sr == nil {
		sr = stats.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		id:      id,
		side:    side,
		w:       w,
		stats:   sr,
		lg:      logger.With(zap.Uint32("stream-id", id)),
		begin:   time.Now(),
		recvMsg: newMessageCell(),
		onReset: h2.NewSignal(),
		donec:   make(chan struct{}),
	}
}

// StreamID returns the stream identifier assigned at construction.
func (t *Transport) StreamID() uint32 {
	return t.id
}

// Closed reports whether the stream reached its terminal state, by graceful
// bilateral completion or by reset. It is monotone.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Done is closed once the stream is fully closed, gracefully or by reset.
func (t *Transport) Done() <-chan struct{} {
	return t.donec
}

// OnReset settles only when the stream terminates by reset, failing with the
// *h2.StreamError naming the reason and the initiator. It never settles on
// graceful completion.
func (t *Transport) OnReset() *h2.Signal {
	return t.onReset
}

// RecvMessage blocks until the initial inbound message arrives, the stream
// resets first (the error is the bare h2.Reset, not a StreamError), or ctx
// is done. Once settled the same result is returned to every caller.
func (t *Transport) RecvMessage(ctx context.Context) (h2.Message, error) {
	select {
	case <-t.recvMsg.done:
		return t.recvMsg.msg, t.recvMsg.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recv consumes one inbound frame. It reports false when the frame does not
// belong to this stream, a routing error of the caller. Frames for this
// stream are always accepted; once the stream is closed they degrade to
// no-ops. Callers deliver frames one at a time, in wire order.
func (t *Transport) Recv(f codec.Frame) bool {
	if f.Header().StreamID != t.id {
		return false
	}
	switch fr := f.(type) {
	case *codec.HeadersFrame:
		return t.recvHeaders(fr)
	case *codec.DataFrame:
		return t.recvData(fr)
	case *codec.RSTStreamFrame:
		return t.recvReset(fr)
	default:
		// PRIORITY, WINDOW_UPDATE and extension frames carry no body
		// semantics here
		logger := t.lg
		if logger.Core().Enabled(zapcore.DebugLevel) {
			logger.Debug("ignoring frame", zap.String("frame", f.Header().String()))
		}
		return true
	}
}

func (t *Transport) recvHeaders(f *codec.HeadersFrame) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return true
	}
	switch t.recvState {
	case stateIdle:
		var body *h2.Stream
		if !f.EndStream {
			body = h2.NewStream()
		}
		t.recvStream = body
		if f.EndStream {
			t.recvState = stateHalfClosed
		} else {
			t.recvState = stateOpen
		}
		closedNow := t.maybeCloseLocked()
		t.mu.Unlock()

		var msg h2.Message
		if t.side == ClientSide {
			msg = h2.ResponseFromHeaders(f.Fields, body)
		} else {
			msg = h2.RequestFromHeaders(f.Fields, body)
		}
		t.stats.FrameReceived(stats.FrameHeaders)
		t.recvMsg.succeed(msg)
		if body != nil {
			go t.watchRecvStream(body)
		}
		if closedNow {
			t.finishClose()
		}
		return true

	case stateOpen:
		if !f.EndStream {
			t.mu.Unlock()
			return t.violation("trailers without end of stream")
		}
		st := t.recvStream
		t.recvState = stateHalfClosed
		closedNow := t.maybeCloseLocked()
		t.mu.Unlock()

		t.stats.FrameReceived(stats.FrameTrailers)
		st.Offer(h2.Trailers{Fields: f.Fields})
		if closedNow {
			t.finishClose()
		}
		return true

	default:
		t.mu.Unlock()
		return t.violation("headers after end of stream")
	}
}

func (t *Transport) recvData(f *codec.DataFrame) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return true
	}
	switch t.recvState {
	case stateOpen:
		st := t.recvStream
		if f.EndStream {
			t.recvState = stateHalfClosed
		}
		closedNow := t.maybeCloseLocked()
		t.mu.Unlock()

		// the wire buffer is recycled once Recv returns, so the queued
		// payload owns its own copy
		var payload []byte
		if len(f.Data) > 0 {
			payload = append([]byte(nil), f.Data...)
		}
		t.stats.FrameReceived(stats.FrameData)
		st.Offer(h2.Data{Payload: payload, EndStream: f.EndStream})
		if closedNow {
			t.finishClose()
		}
		return true

	case stateIdle:
		t.mu.Unlock()
		return t.violation("data before headers")
	default:
		t.mu.Unlock()
		return t.violation("data after end of stream")
	}
}

func (t *Transport) recvReset(f *codec.RSTStreamFrame) bool {
	r := h2.ResetFromWire(f.ErrCode)
	if t.reset(h2.RemoteReset(r), false) {
		t.stats.FrameReceived(stats.FrameReset)
	}
	return true
}

// violation terminates the stream as if the peer had sent an internal-error
// reset: malformed input fails one stream, never the process.
func (t *Transport) violation(cause string) bool {
	t.lg.Warn("protocol violation on stream", zap.String("cause", cause))
	t.reset(h2.RemoteReset(h2.ResetInternalError), false)
	return true
}

// Send writes msg toward the peer: the header block immediately, then, when
// a body Stream is present, each body frame in order as the Stream yields
// it. The returned Signal settles once the message is fully written, or
// fails with a *h2.StreamError when the stream terminates first. A transport
// sends at most one message.
func (t *Transport) Send(msg h2.Message) *h2.Signal {
	sig := h2.NewSignal()

	t.mu.Lock()
	if t.closed {
		se := t.rstErr
		t.mu.Unlock()
		// a graceful close implies a message already went out; only a
		// reset carries a StreamError
		if se != nil {
			sig.Complete(se)
		} else {
			sig.Complete(errors.New("message already sent"))
		}
		return sig
	}
	if t.sendState != stateIdle {
		t.mu.Unlock()
		sig.Complete(errors.New("message already sent"))
		return sig
	}
	body := msg.Body()
	if body == nil {
		t.sendState = stateHalfClosed
	} else {
		t.sendState = stateOpen
		t.sendStream = body
	}
	t.sendSig = sig
	closedNow := body == nil && t.maybeCloseLocked()
	t.mu.Unlock()

	hf := &codec.HeadersFrame{StreamID: t.id, Fields: msg.Headers(), EndStream: body == nil}
	t.wmu.Lock()
	err := t.w.Write(hf)
	t.wmu.Unlock()
	if err != nil {
		t.lg.Error("failed to write headers frame", zap.Error(err))
		if closedNow {
			t.finishClose()
		}
		sig.Complete(errors.Wrap(err, "write headers"))
		return sig
	}
	t.stats.FrameSent(stats.FrameHeaders)

	if body == nil {
		if closedNow {
			t.finishClose()
		}
		sig.Complete(nil)
		return sig
	}
	go t.drain(body, sig)
	return sig
}

// drain pulls body frames and writes them in order until the terminal frame
// goes out, the application resets the body, or the stream terminates
// underneath us.
func (t *Transport) drain(body *h2.Stream, sig *h2.Signal) {
	for {
		f, err := body.Read(context.Background())
		if errors.Is(err, io.EOF) {
			// an already-exhausted body: nothing carried a terminal flag, so
			// close the direction with an empty final data frame
			if !t.writeBody(&codec.DataFrame{StreamID: t.id, EndStream: true}, stats.FrameData, sig) {
				return
			}
			t.halfCloseSend(sig)
			return
		}
		if err != nil {
			r, ok := err.(h2.Reset)
			if !ok {
				r = h2.ResetInternalError
			}
			t.reset(h2.LocalReset(r), true)
			return
		}

		var (
			wf   codec.Frame
			kind stats.FrameKind
		)
		switch fr := f.(type) {
		case h2.Data:
			wf = &codec.DataFrame{StreamID: t.id, Data: fr.Payload, EndStream: fr.EndStream}
			kind = stats.FrameData
		case h2.Trailers:
			wf = &codec.HeadersFrame{StreamID: t.id, Fields: fr.Fields, EndStream: true}
			kind = stats.FrameTrailers
		default:
			t.reset(h2.LocalReset(h2.ResetInternalError), true)
			return
		}
		if !t.writeBody(wf, kind, sig) {
			return
		}
		if f.End() {
			t.halfCloseSend(sig)
			return
		}
	}
}

// writeBody writes one body frame under the stream's write lock. On writer
// failure it settles sig and reports false.
func (t *Transport) writeBody(f codec.Frame, kind stats.FrameKind, sig *h2.Signal) bool {
	t.wmu.Lock()
	err := t.w.Write(f)
	t.wmu.Unlock()
	if err != nil {
		t.lg.Error("failed to write body frame", zap.Error(err))
		sig.Complete(errors.Wrap(err, "write body frame"))
		return false
	}
	t.stats.FrameSent(kind)
	return true
}

// halfCloseSend completes the send direction after the terminal body frame
// was written.
func (t *Transport) halfCloseSend(sig *h2.Signal) {
	t.mu.Lock()
	if t.closed {
		// a racing reset already settled sig
		t.mu.Unlock()
		return
	}
	t.sendState = stateHalfClosed
	t.sendStream = nil
	closedNow := t.maybeCloseLocked()
	t.mu.Unlock()

	if closedNow {
		t.finishClose()
	}
	sig.Complete(nil)
}

// watchRecvStream propagates an application reset of the inbound body to the
// stream state machine, informing the peer. It exits quietly when the body
// is read to completion or the stream closes by other means first.
func (t *Transport) watchRecvStream(body *h2.Stream) {
	select {
	case <-body.OnEnd().Done():
		if err := body.OnEnd().Err(); err != nil {
			if r, ok := err.(h2.Reset); ok {
				t.reset(h2.LocalReset(r), true)
			}
		}
	case <-t.donec:
	}
}

// reset moves the whole stream to its terminal reset state. The first reset
// wins: later attempts, local or remote, are absorbed, and it reports
// whether this call was the winning transition. writeRST is set for locally
// initiated resets so the peer learns about the termination; at most one
// RST_STREAM frame is ever written, and the FrameWriter itself is never
// closed.
func (t *Transport) reset(se *h2.StreamError, writeRST bool) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.sendState = stateReset
	t.recvState = stateReset
	t.closed = true
	t.rstErr = se
	recvStream := t.recvStream
	sendStream := t.sendStream
	sendSig := t.sendSig
	t.mu.Unlock()

	// waiters on the initial message observe the bare reason; everything
	// else observes the provenance-carrying StreamError
	t.recvMsg.fail(se.Reset)
	t.onReset.Complete(se)
	if sendSig != nil {
		sendSig.Complete(se)
	}
	if recvStream != nil {
		recvStream.Reset(se.Reset)
	}
	if sendStream != nil {
		sendStream.Reset(se.Reset)
	}

	if writeRST {
		t.wmu.Lock()
		err := t.w.Write(&codec.RSTStreamFrame{StreamID: t.id, ErrCode: se.Reset.Wire()})
		t.wmu.Unlock()
		if err != nil {
			t.lg.Error("failed to write reset frame", zap.Error(err))
		} else {
			t.stats.FrameSent(stats.FrameReset)
		}
	}

	t.stats.StreamReset(se.Reset, se.Source)
	t.lg.Info("stream reset",
		zap.String("code", se.Reset.String()),
		zap.String("source", se.Source.String()))
	t.finishClose()
	return true
}

// maybeCloseLocked flips the terminal closed flag once both directions are
// half-closed. Caller holds mu and, on true, must run finishClose after
// unlocking.
func (t *Transport) maybeCloseLocked() bool {
	if t.closed {
		return false
	}
	if t.sendState == stateHalfClosed && t.recvState == stateHalfClosed {
		t.closed = true
		return true
	}
	return false
}

// finishClose runs exactly once, by the caller whose transition flipped
// closed.
func (t *Transport) finishClose() {
	close(t.donec)
	t.stats.StreamClosed(time.Since(t.begin))

	logger := t.lg
	if logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("stream closed",
			zap.String("send-state", t.sendState.String()),
			zap.String("recv-state", t.recvState.String()),
			zap.Duration("lifetime", time.Since(t.begin)))
	}
}

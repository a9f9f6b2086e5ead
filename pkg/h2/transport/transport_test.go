package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nikolay-pshenichny/linkerd/pkg/h2"
	"github.com/nikolay-pshenichny/linkerd/pkg/h2/codec"
	"github.com/nikolay-pshenichny/linkerd/pkg/stats"
)

func TestClient_Exchange(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	w := newMockWriter()
	sr := newStatsRecorder()
	tr := NewClient(1, w, sr, zap.NewExample())
	re.Equal(uint32(1), tr.StreamID())

	reqBody := h2.NewStream()
	re.True(reqBody.Offer(h2.Data{Payload: []byte("ping"), EndStream: true}))
	req := h2.NewRequest("http", "POST", "example.com:8080", "/v1/echo", reqBody)

	sig := tr.Send(req)
	re.NoError(awaitSignal(t, sig))

	frames := w.recorded()
	re.Len(frames, 2)
	hf, ok := frames[0].(*codec.HeadersFrame)
	re.True(ok)
	re.Equal(uint32(1), hf.StreamID)
	re.Equal(req.Headers(), hf.Fields)
	re.False(hf.EndStream)
	df, ok := frames[1].(*codec.DataFrame)
	re.True(ok)
	re.Equal([]byte("ping"), df.Data)
	re.True(df.EndStream)

	// response: headers, a body chunk, then trailers
	re.True(tr.Recv(&codec.HeadersFrame{StreamID: 1, Fields: h2.Headers{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/plain"},
	}}))
	msg, err := tr.RecvMessage(context.Background())
	re.NoError(err)
	resp, ok := msg.(*h2.Response)
	re.True(ok)
	re.Equal(200, resp.Status())
	re.NotNil(resp.Body())

	re.True(tr.Recv(&codec.DataFrame{StreamID: 1, Data: []byte("pong")}))
	re.True(tr.Recv(&codec.HeadersFrame{
		StreamID:  1,
		Fields:    h2.Headers{{Name: "x-result", Value: "ok"}},
		EndStream: true,
	}))

	f, err := resp.Body().Read(context.Background())
	re.NoError(err)
	re.Equal(h2.Data{Payload: []byte("pong")}, f)
	f, err = resp.Body().Read(context.Background())
	re.NoError(err)
	re.Equal(h2.Trailers{Fields: h2.Headers{{Name: "x-result", Value: "ok"}}}, f)

	// both directions are half-closed: the stream is done, gracefully
	awaitDone(t, tr)
	re.True(tr.Closed())
	re.False(tr.OnReset().Settled())
	re.Zero(w.closeCount())

	re.Equal(1, sr.sentCount(stats.FrameHeaders))
	re.Equal(1, sr.sentCount(stats.FrameData))
	re.Equal(1, sr.receivedCount(stats.FrameHeaders))
	re.Equal(1, sr.receivedCount(stats.FrameData))
	re.Equal(1, sr.receivedCount(stats.FrameTrailers))
	re.Equal(1, sr.closedCount())
	re.Empty(sr.resetRecords())

	// late frames, reset included, degrade to no-ops
	re.True(tr.Recv(&codec.RSTStreamFrame{StreamID: 1, ErrCode: h2.ResetCancel.Wire()}))
	re.False(tr.OnReset().Settled())
	re.Empty(sr.resetRecords())
}

func TestServer_Exchange(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	w := newMockWriter()
	sr := newStatsRecorder()
	tr := NewServer(2, w, sr, zap.NewNop())

	re.True(tr.Recv(&codec.HeadersFrame{StreamID: 2, Fields: h2.Headers{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/upload"},
	}}))
	msg, err := tr.RecvMessage(context.Background())
	re.NoError(err)
	req, ok := msg.(*h2.Request)
	re.True(ok)
	re.Equal("POST", req.Method())
	re.Equal("/upload", req.Path())
	re.NotNil(req.Body())

	re.True(tr.Recv(&codec.DataFrame{StreamID: 2, Data: []byte("hello"), EndStream: true}))
	f, err := req.Body().Read(context.Background())
	re.NoError(err)
	re.Equal(h2.Data{Payload: []byte("hello"), EndStream: true}, f)

	// a bodyless response settles synchronously and closes the stream
	sig := tr.Send(h2.NewResponse(204, nil))
	re.NoError(awaitSignal(t, sig))
	awaitDone(t, tr)
	re.True(tr.Closed())
	re.False(tr.OnReset().Settled())

	frames := w.recorded()
	re.Len(frames, 1)
	hf, ok := frames[0].(*codec.HeadersFrame)
	re.True(ok)
	re.True(hf.EndStream)
	re.Equal(h2.Headers{{Name: ":status", Value: "204"}}, hf.Fields)
	re.Equal(1, sr.closedCount())
}

func TestTransport_RecvLoneHeaders(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	tr := NewClient(1, newMockWriter(), nil, zap.NewNop())
	re.True(tr.Recv(&codec.HeadersFrame{
		StreamID:  1,
		Fields:    h2.Headers{{Name: ":status", Value: "204"}},
		EndStream: true,
	}))

	msg, err := tr.RecvMessage(context.Background())
	re.NoError(err)
	// end-of-stream on the header block means the body was fully observed:
	// no Stream is ever allocated
	re.Nil(msg.Body())
	re.False(tr.Closed())
}

func TestTransport_RemoteReset(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	w := newMockWriter()
	sr := newStatsRecorder()
	tr := NewServer(2, w, sr, zap.NewNop())

	re.True(tr.Recv(&codec.HeadersFrame{StreamID: 2, Fields: h2.Headers{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}}))
	msg, err := tr.RecvMessage(context.Background())
	re.NoError(err)

	re.True(tr.Recv(&codec.RSTStreamFrame{StreamID: 2, ErrCode: h2.ResetCancel.Wire()}))
	awaitDone(t, tr)
	re.True(tr.Closed())

	// the already-delivered message is untouched; its body now fails with
	// the bare reason
	_, err = msg.Body().Read(context.Background())
	re.ErrorIs(err, h2.ResetCancel)
	var se *h2.StreamError
	re.False(errors.As(err, &se))

	resetErr := awaitSignal(t, tr.OnReset())
	re.True(errors.As(resetErr, &se))
	re.Equal(h2.ResetCancel, se.Reset)
	re.Equal(h2.SourceRemote, se.Source)

	// an observed reset is never echoed back
	re.Empty(w.recorded())
	re.Equal([]streamReset{{code: h2.ResetCancel, source: h2.SourceRemote}}, sr.resetRecords())
	re.Equal(1, sr.receivedCount(stats.FrameReset))
	re.Equal(1, sr.closedCount())
}

func TestTransport_ResetBeforeHeaders(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	tr := NewClient(1, newMockWriter(), nil, zap.NewNop())
	re.True(tr.Recv(&codec.RSTStreamFrame{StreamID: 1, ErrCode: h2.ResetRefusedStream.Wire()}))

	// waiters on the initial message see the bare reason, not the
	// provenance-carrying StreamError
	_, err := tr.RecvMessage(context.Background())
	re.ErrorIs(err, h2.ResetRefusedStream)
	var se *h2.StreamError
	re.False(errors.As(err, &se))

	re.True(errors.As(tr.OnReset().Err(), &se))
	re.Equal(h2.SourceRemote, se.Source)

	// sending on the reset stream fails with the same StreamError
	sig := tr.Send(h2.NewRequest("http", "GET", "example.com", "/", nil))
	err = awaitSignal(t, sig)
	re.True(errors.As(err, &se))
	re.Equal(h2.ResetRefusedStream, se.Reset)
	re.Equal(h2.SourceRemote, se.Source)
}

func TestTransport_LocalResetOfSendBody(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	w := newMockWriter()
	sr := newStatsRecorder()
	tr := NewClient(1, w, sr, zap.NewNop())

	// the response arrives in full before the request body is done
	re.True(tr.Recv(&codec.HeadersFrame{
		StreamID:  1,
		Fields:    h2.Headers{{Name: ":status", Value: "200"}},
		EndStream: true,
	}))

	body := h2.NewStream()
	sig := tr.Send(h2.NewRequest("http", "POST", "example.com", "/upload", body))
	msg, err := tr.RecvMessage(context.Background())
	re.NoError(err)
	re.Nil(msg.Body())

	// the application abandons the upload
	body.Reset(h2.ResetInternalError)

	err = awaitSignal(t, sig)
	var se *h2.StreamError
	re.True(errors.As(err, &se))
	re.Equal(h2.ResetInternalError, se.Reset)
	re.Equal(h2.SourceLocal, se.Source)
	re.Equal(se, awaitSignal(t, tr.OnReset()))

	awaitDone(t, tr)

	// a locally initiated reset is announced to the peer, exactly once, and
	// the connection itself is left alone
	frames := w.recorded()
	re.NotEmpty(frames)
	rst, ok := frames[len(frames)-1].(*codec.RSTStreamFrame)
	re.True(ok)
	re.Equal(h2.ResetInternalError.Wire(), rst.ErrCode)
	re.Equal(1, sr.sentCount(stats.FrameReset))
	re.Zero(w.closeCount())

	re.Equal([]streamReset{{code: h2.ResetInternalError, source: h2.SourceLocal}}, sr.resetRecords())
}

func TestTransport_LocalResetOfRecvBody(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	w := newMockWriter()
	sr := newStatsRecorder()
	tr := NewServer(2, w, sr, zap.NewNop())

	re.True(tr.Recv(&codec.HeadersFrame{StreamID: 2, Fields: h2.Headers{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/upload"},
	}}))
	msg, err := tr.RecvMessage(context.Background())
	re.NoError(err)

	// the application refuses the rest of the upload
	msg.Body().Reset(h2.ResetCancel)

	resetErr := awaitSignal(t, tr.OnReset())
	var se *h2.StreamError
	re.True(errors.As(resetErr, &se))
	re.Equal(h2.ResetCancel, se.Reset)
	re.Equal(h2.SourceLocal, se.Source)

	awaitDone(t, tr)
	frames := w.recorded()
	re.Len(frames, 1)
	rst, ok := frames[0].(*codec.RSTStreamFrame)
	re.True(ok)
	re.Equal(uint32(2), rst.StreamID)
	re.Equal(h2.ResetCancel.Wire(), rst.ErrCode)
}

func TestTransport_RemoteResetAbortsSendBody(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	w := newMockWriter()
	sr := newStatsRecorder()
	tr := NewClient(1, w, sr, zap.NewNop())

	body := h2.NewStream()
	sig := tr.Send(h2.NewRequest("http", "POST", "example.com", "/upload", body))

	re.True(tr.Recv(&codec.RSTStreamFrame{StreamID: 1, ErrCode: h2.ResetCancel.Wire()}))

	err := awaitSignal(t, sig)
	var se *h2.StreamError
	re.True(errors.As(err, &se))
	re.Equal(h2.SourceRemote, se.Source)

	// the producer finds its stream dead
	re.False(body.Offer(h2.Data{Payload: []byte("more")}))

	// no RST_STREAM goes out in response to the peer's own reset
	awaitDone(t, tr)
	for _, f := range w.recorded() {
		_, isRST := f.(*codec.RSTStreamFrame)
		re.False(isRST)
	}
	re.Zero(sr.sentCount(stats.FrameReset))
}

func TestTransport_FirstResetWins(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	sr := newStatsRecorder()
	tr := NewServer(2, newMockWriter(), sr, zap.NewNop())

	re.True(tr.Recv(&codec.HeadersFrame{StreamID: 2, Fields: h2.Headers{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}}))
	msg, err := tr.RecvMessage(context.Background())
	re.NoError(err)

	re.True(tr.Recv(&codec.RSTStreamFrame{StreamID: 2, ErrCode: h2.ResetCancel.Wire()}))
	awaitDone(t, tr)

	// a late local reset of the body is absorbed
	msg.Body().Reset(h2.ResetInternalError)

	var se *h2.StreamError
	re.True(errors.As(tr.OnReset().Err(), &se))
	re.Equal(h2.ResetCancel, se.Reset)
	re.Equal(h2.SourceRemote, se.Source)
	re.Equal([]streamReset{{code: h2.ResetCancel, source: h2.SourceRemote}}, sr.resetRecords())
	re.Equal(1, sr.closedCount())
}

func TestTransport_ProtocolViolations(t *testing.T) {
	requestFields := h2.Headers{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}
	tests := []struct {
		name   string
		frames []codec.Frame
	}{
		{
			name: "data before headers",
			frames: []codec.Frame{
				&codec.DataFrame{StreamID: 2, Data: []byte("early")},
			},
		},
		{
			name: "data after end of stream",
			frames: []codec.Frame{
				&codec.HeadersFrame{StreamID: 2, Fields: requestFields, EndStream: true},
				&codec.DataFrame{StreamID: 2, Data: []byte("late")},
			},
		},
		{
			name: "headers after end of stream",
			frames: []codec.Frame{
				&codec.HeadersFrame{StreamID: 2, Fields: requestFields, EndStream: true},
				&codec.HeadersFrame{StreamID: 2, Fields: requestFields, EndStream: true},
			},
		},
		{
			name: "trailers without end of stream",
			frames: []codec.Frame{
				&codec.HeadersFrame{StreamID: 2, Fields: requestFields},
				&codec.HeadersFrame{StreamID: 2, Fields: h2.Headers{{Name: "x-more", Value: "1"}}},
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			w := newMockWriter()
			sr := newStatsRecorder()
			tr := NewServer(2, w, sr, zap.NewNop())

			for _, f := range tt.frames {
				re.True(tr.Recv(f))
			}
			awaitDone(t, tr)
			re.True(tr.Closed())

			// malformed input terminates the stream as if the peer had sent
			// an internal-error reset; nothing is echoed back
			var se *h2.StreamError
			re.True(errors.As(tr.OnReset().Err(), &se))
			re.Equal(h2.ResetInternalError, se.Reset)
			re.Equal(h2.SourceRemote, se.Source)
			for _, f := range w.recorded() {
				_, isRST := f.(*codec.RSTStreamFrame)
				re.False(isRST)
			}
		})
	}
}

func TestTransport_RecvWrongStream(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	tr := NewClient(1, newMockWriter(), nil, zap.NewNop())

	re.False(tr.Recv(&codec.HeadersFrame{StreamID: 3, Fields: h2.Headers{{Name: ":status", Value: "200"}}}))
	re.False(tr.Recv(&codec.RSTStreamFrame{StreamID: 3, ErrCode: h2.ResetCancel.Wire()}))

	// the stray frames left no trace
	re.False(tr.Closed())
	re.False(tr.OnReset().Settled())
}

func TestTransport_RecvIgnoresConnectionFrames(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	tr := NewClient(1, newMockWriter(), nil, zap.NewExample())

	re.True(tr.Recv(&codec.WindowUpdateFrame{StreamID: 1, Increment: 128}))
	re.True(tr.Recv(&codec.UnknownFrame{FH: codec.FrameHeader{Type: codec.FramePriority, StreamID: 1, Length: 5}}))
	re.False(tr.Closed())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.RecvMessage(ctx)
	re.ErrorIs(err, context.DeadlineExceeded)
}

func TestTransport_RecvDataCopiesPayload(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	tr := NewServer(2, newMockWriter(), nil, zap.NewNop())
	re.True(tr.Recv(&codec.HeadersFrame{StreamID: 2, Fields: h2.Headers{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}}))
	msg, err := tr.RecvMessage(context.Background())
	re.NoError(err)

	buf := []byte("payload")
	re.True(tr.Recv(&codec.DataFrame{StreamID: 2, Data: buf, EndStream: true}))
	buf[0] = 'X' // the wire buffer is recycled and rewritten by the reader

	f, err := msg.Body().Read(context.Background())
	re.NoError(err)
	re.Equal(h2.Data{Payload: []byte("payload"), EndStream: true}, f)
}

func TestTransport_SendTwice(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	tr := NewServer(2, newMockWriter(), nil, zap.NewNop())

	sig := tr.Send(h2.NewResponse(200, nil))
	re.NoError(awaitSignal(t, sig))

	sig = tr.Send(h2.NewResponse(200, nil))
	re.EqualError(awaitSignal(t, sig), "message already sent")
}

func TestTransport_SendAfterGracefulClose(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	tr := NewClient(1, newMockWriter(), nil, zap.NewNop())
	re.NoError(awaitSignal(t, tr.Send(h2.NewRequest("http", "GET", "example.com", "/", nil))))
	re.True(tr.Recv(&codec.HeadersFrame{
		StreamID:  1,
		Fields:    h2.Headers{{Name: ":status", Value: "200"}},
		EndStream: true,
	}))
	awaitDone(t, tr)

	// graceful completion is not a reset: a second send is an ordering
	// mistake, not a stream error
	err := awaitSignal(t, tr.Send(h2.NewRequest("http", "GET", "example.com", "/", nil)))
	re.EqualError(err, "message already sent")
	var se *h2.StreamError
	re.False(errors.As(err, &se))
}

func TestTransport_SendBodyWithTrailers(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	w := newMockWriter()
	sr := newStatsRecorder()
	tr := NewServer(2, w, sr, zap.NewNop())

	body := h2.NewStream()
	re.True(body.Offer(h2.Data{Payload: []byte("partial")}))
	re.True(body.Offer(h2.Trailers{Fields: h2.Headers{{Name: "grpc-status", Value: "0"}}}))

	sig := tr.Send(h2.NewResponse(200, body))
	re.NoError(awaitSignal(t, sig))

	frames := w.recorded()
	re.Len(frames, 3)
	hf, ok := frames[0].(*codec.HeadersFrame)
	re.True(ok)
	re.False(hf.EndStream)
	df, ok := frames[1].(*codec.DataFrame)
	re.True(ok)
	re.Equal([]byte("partial"), df.Data)
	re.False(df.EndStream)
	tf, ok := frames[2].(*codec.HeadersFrame)
	re.True(ok)
	re.True(tf.EndStream)
	re.Equal(h2.Headers{{Name: "grpc-status", Value: "0"}}, tf.Fields)

	re.Equal(1, sr.sentCount(stats.FrameHeaders))
	re.Equal(1, sr.sentCount(stats.FrameData))
	re.Equal(1, sr.sentCount(stats.FrameTrailers))
}

func TestTransport_SendExhaustedBody(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	w := newMockWriter()
	tr := NewServer(2, w, nil, zap.NewNop())

	// a body with nothing left still needs the end-of-stream flag on the
	// wire: it goes out as an empty final data frame
	sig := tr.Send(h2.NewResponse(200, h2.EmptyStream()))
	re.NoError(awaitSignal(t, sig))

	frames := w.recorded()
	re.Len(frames, 2)
	df, ok := frames[1].(*codec.DataFrame)
	re.True(ok)
	re.Empty(df.Data)
	re.True(df.EndStream)
}

func TestTransport_WriteHeadersError(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	w := newMockWriter()
	w.failAfter(0)
	tr := NewClient(1, w, nil, zap.NewNop())

	sig := tr.Send(h2.NewRequest("http", "GET", "example.com", "/", nil))
	re.ErrorContains(awaitSignal(t, sig), "write headers")

	// a writer failure is the connection's problem: the stream is not reset
	re.False(tr.OnReset().Settled())
}

func TestTransport_WriteBodyError(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	w := newMockWriter()
	w.failAfter(1) // headers go out, the first body frame does not
	tr := NewClient(1, w, nil, zap.NewNop())

	body := h2.NewStream()
	re.True(body.Offer(h2.Data{Payload: []byte("doomed"), EndStream: true}))
	sig := tr.Send(h2.NewRequest("http", "POST", "example.com", "/upload", body))

	re.ErrorContains(awaitSignal(t, sig), "write body frame")
	re.False(tr.OnReset().Settled())
	re.Zero(w.closeCount())
}

func TestTransport_RecvMessageContextDone(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	tr := NewClient(1, newMockWriter(), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.RecvMessage(ctx)
	re.ErrorIs(err, context.Canceled)

	// an expired wait does not consume the message
	re.True(tr.Recv(&codec.HeadersFrame{
		StreamID:  1,
		Fields:    h2.Headers{{Name: ":status", Value: "200"}},
		EndStream: true,
	}))
	msg, err := tr.RecvMessage(context.Background())
	re.NoError(err)
	re.Equal(200, msg.Headers().Status())
}

func TestSide_String(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	re.Equal("client", ClientSide.String())
	re.Equal("server", ServerSide.String())
	re.Equal("SIDE_UNKNOWN(9)", Side(9).String())
}

func TestState_String(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	re.Equal("idle", stateIdle.String())
	re.Equal("open", stateOpen.String())
	re.Equal("half-closed", stateHalfClosed.String())
	re.Equal("reset", stateReset.String())
	re.Equal("STATE_UNKNOWN(9)", state(9).String())
}

// awaitSignal waits for sig to settle and returns its outcome.
func awaitSignal(tb testing.TB, sig *h2.Signal) error {
	tb.Helper()
	select {
	case <-sig.Done():
		return sig.Err()
	case <-time.After(time.Second):
		tb.Fatal("signal did not settle in time")
		return nil
	}
}

// awaitDone waits for tr to reach its terminal state.
func awaitDone(tb testing.TB, tr *Transport) {
	tb.Helper()
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		tb.Fatal("stream did not close in time")
	}
}

// mockWriter records written frames. At most limit writes succeed when set;
// the rest fail.
type mockWriter struct {
	mu     sync.Mutex
	frames []codec.Frame
	limit  int
	closes int
}

func newMockWriter() *mockWriter {
	return &mockWriter{limit: -1}
}

func (w *mockWriter) failAfter(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limit = n
}

func (w *mockWriter) Write(f codec.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit >= 0 && len(w.frames) >= w.limit {
		return errors.New("connection lost")
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *mockWriter) Close(_ time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closes++
	return nil
}

func (w *mockWriter) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
}

func (w *mockWriter) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2}
}

func (w *mockWriter) recorded() []codec.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]codec.Frame(nil), w.frames...)
}

func (w *mockWriter) closeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closes
}

type streamReset struct {
	code   h2.Reset
	source h2.Source
}

// statsRecorder captures every telemetry call for assertions.
type statsRecorder struct {
	mu       sync.Mutex
	sent     map[stats.FrameKind]int
	received map[stats.FrameKind]int
	resets   []streamReset
	closed   int
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{
		sent:     make(map[stats.FrameKind]int),
		received: make(map[stats.FrameKind]int),
	}
}

func (s *statsRecorder) FrameSent(kind stats.FrameKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[kind]++
}

func (s *statsRecorder) FrameReceived(kind stats.FrameKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[kind]++
}

func (s *statsRecorder) StreamReset(code h2.Reset, source h2.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, streamReset{code: code, source: source})
}

func (s *statsRecorder) StreamClosed(time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *statsRecorder) sentCount(kind stats.FrameKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[kind]
}

func (s *statsRecorder) receivedCount(kind stats.FrameKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[kind]
}

func (s *statsRecorder) resetRecords() []streamReset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]streamReset(nil), s.resets...)
}

func (s *statsRecorder) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

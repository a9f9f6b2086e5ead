// Package conn adapts a net.Conn into the frame writer used by stream
// transports sharing the connection.
package conn

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikolay-pshenichny/linkerd/pkg/h2/codec"
	"github.com/nikolay-pshenichny/linkerd/pkg/h2/transport"
)

// _writeBufferSize coalesces a header block and its continuations into few
// syscalls; every Write still flushes before returning.
const _writeBufferSize = 4 * 1024

// Writer owns the write half of a connection and serializes frame writes
// from all streams sharing it. The read half stays with the connection's
// read loop; header compression state is directional, so the two halves
// never contend.
type Writer struct {
	rwc net.Conn
	lg  *zap.Logger

	mu     sync.Mutex
	bw     *bufio.Writer
	fr     *codec.Framer
	closed bool
}

var _ transport.FrameWriter = (*Writer)(nil)

// NewWriter returns a Writer sending frames on c. A nil logger defaults to a
// no-op.
func NewWriter(c net.Conn, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	bw := bufio.NewWriterSize(c, _writeBufferSize)
	w := &Writer{
		rwc: c,
		lg:  logger,
		bw:  bw,
		fr:  codec.NewFramer(bw, nil, logger),
	}
	return w
}

// Write encodes f onto the connection and flushes. Safe for concurrent use
// by multiple streams; frames submitted sequentially by one stream go out in
// submission order.
func (w *Writer) Write(f codec.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("connection writer closed")
	}
	if err := w.fr.WriteFrame(f); err != nil {
		return err
	}
	return errors.Wrap(w.bw.Flush(), "flush connection")
}

// Close flushes buffered frames and closes the connection. The deadline
// bounds the final flush; zero means no bound. A second Close fails: the
// connection is released exactly once, and a double release is a bug the
// caller must hear about.
func (w *Writer) Close(deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	logger := w.lg
	if w.closed {
		return errors.New("connection writer already closed")
	}
	w.closed = true

	if !deadline.IsZero() {
		if err := w.rwc.SetWriteDeadline(deadline); err != nil {
			logger.Warn("failed to set write deadline", zap.Error(err))
		}
	}
	flushErr := w.bw.Flush()
	closeErr := w.rwc.Close()
	logger.Info("connection writer closed")
	if flushErr != nil {
		return errors.Wrap(flushErr, "flush connection")
	}
	return errors.Wrap(closeErr, "close connection")
}

// LocalAddr returns the connection's local address.
func (w *Writer) LocalAddr() net.Addr {
	return w.rwc.LocalAddr()
}

// RemoteAddr returns the connection's remote address.
func (w *Writer) RemoteAddr() net.Addr {
	return w.rwc.RemoteAddr()
}

package transport

import (
	"net"
	"time"

	"github.com/nikolay-pshenichny/linkerd/pkg/h2/codec"
)

// FrameWriter is the connection-side collaborator a stream transport emits
// frames through. One FrameWriter is shared by every stream multiplexed on a
// connection.
//
// Implementations must preserve the submission order of frames written for
// the same stream and must be safe for concurrent use across streams. Close
// is not guaranteed idempotent: a second call may fail, so callers track on
// their own whether they already closed. A stream transport never calls
// Close; connection lifecycle belongs to whoever owns the connection.
type FrameWriter interface {
	// Write emits one frame toward the peer.
	Write(f codec.Frame) error
	// Close tears down the underlying connection, bounding the remaining
	// work by deadline when non-zero.
	Close(deadline time.Time) error
	// LocalAddr returns the local address of the underlying connection.
	LocalAddr() net.Addr
	// RemoteAddr returns the peer address of the underlying connection.
	RemoteAddr() net.Addr
}

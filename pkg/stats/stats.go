package stats

import (
	"time"

	"github.com/nikolay-pshenichny/linkerd/pkg/h2"
)

// FrameKind classifies stream frames for accounting.
type FrameKind string

const (
	FrameHeaders  FrameKind = "headers"
	FrameData     FrameKind = "data"
	FrameTrailers FrameKind = "trailers"
	FrameReset    FrameKind = "reset"
)

// Receiver accumulates stream transport telemetry. The transport calls it
// inline on its hot paths: implementations must not block and must not
// panic, and they carry no behavioral weight.
type Receiver interface {
	// FrameSent counts one frame written toward the peer.
	FrameSent(kind FrameKind)
	// FrameReceived counts one frame accepted from the peer.
	FrameReceived(kind FrameKind)
	// StreamReset counts one stream termination by reset.
	StreamReset(code h2.Reset, source h2.Source)
	// StreamClosed records a finished stream and its lifetime, whether it
	// ended gracefully or by reset.
	StreamClosed(d time.Duration)
}

// Nop discards all measurements.
type Nop struct{}

// FrameSent implements Receiver.
func (Nop) FrameSent(FrameKind) {}

// FrameReceived implements Receiver.
func (Nop) FrameReceived(FrameKind) {}

// StreamReset implements Receiver.
func (Nop) StreamReset(h2.Reset, h2.Source) {}

// StreamClosed implements Receiver.
func (Nop) StreamClosed(time.Duration) {}

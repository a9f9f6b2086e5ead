package h2

import (
	"context"
	"io"
	"sync"
)

// Stream is the lazily-produced body of a Message: a pull-based sequence of
// Frames fed by a push-based producer. It carries at most one terminal Frame;
// after that frame is read, or after a reset, no further frame is delivered.
//
// One producer and one consumer at a time are supported. Sequential reads
// are the expected pattern; overlapping concurrent reads are undefined.
type Stream struct {
	mu   sync.Mutex
	q    []Frame
	wake chan struct{} // 1-buffered, pulsed on enqueue and termination

	ended   bool // terminal frame enqueued
	readEOS bool // terminal frame handed to the reader
	rstSet  bool
	rst     Reset

	end *Signal
}

// NewStream returns an open Stream awaiting frames.
func NewStream() *Stream {
	return &Stream{
		wake: make(chan struct{}, 1),
		end:  NewSignal(),
	}
}

// EmptyStream returns a Stream that is already exhausted: reads report
// io.EOF at once and offers are rejected. It is distinct from an open Stream
// that will terminate after zero or more frames.
func EmptyStream() *Stream {
	s := NewStream()
	s.ended = true
	s.readEOS = true
	s.end.Complete(nil)
	return s
}

// Read returns the next Frame. It blocks until a frame is available, the
// stream is reset (the error is the bare Reset), the terminal frame was
// already delivered (io.EOF), or ctx is done.
func (s *Stream) Read(ctx context.Context) (Frame, error) {
	for {
		s.mu.Lock()
		if s.rstSet {
			r := s.rst
			s.mu.Unlock()
			return nil, r
		}
		if len(s.q) > 0 {
			f := s.q[0]
			s.q = s.q[1:]
			if f.End() {
				s.readEOS = true
			}
			s.mu.Unlock()
			if f.End() {
				s.end.Complete(nil)
			}
			return f, nil
		}
		if s.readEOS {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Offer enqueues f for the consumer. It reports false once the stream is
// terminal or reset; a false return means the frame was not delivered.
func (s *Stream) Offer(f Frame) bool {
	s.mu.Lock()
	if s.rstSet || s.ended {
		s.mu.Unlock()
		return false
	}
	s.q = append(s.q, f)
	if f.End() {
		s.ended = true
	}
	s.mu.Unlock()
	s.pulse()
	return true
}

// Reset terminates the stream with reason r. The first call wins: queued
// frames are discarded, pending and future reads fail with r, and OnEnd
// fails with r. Resetting an already reset or fully consumed stream is a
// no-op.
func (s *Stream) Reset(r Reset) {
	s.mu.Lock()
	if s.rstSet || s.readEOS {
		s.mu.Unlock()
		return
	}
	s.rstSet = true
	s.rst = r
	s.q = nil
	s.mu.Unlock()
	s.end.Complete(r)
	s.pulse()
}

// OnEnd settles once the terminal Frame has been read (success) or the
// stream is reset first (failure with the bare Reset).
func (s *Stream) OnEnd() *Signal {
	return s.end
}

func (s *Stream) pulse() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

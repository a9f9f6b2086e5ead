package h2

import (
	"sync"
)

// Signal is a one-shot completion cell. It settles exactly once, with nil
// for success or an error for failure; later completion attempts are no-ops.
// It may be read any number of times: wait on Done, then inspect Err.
type Signal struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewSignal returns an unsettled Signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Done is closed once the signal settles.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Err returns the error the signal settled with, nil for success or while
// still pending. Use Settled or Done to distinguish the latter two.
func (s *Signal) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Settled reports whether the signal has completed.
func (s *Signal) Settled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Complete settles the signal and reports whether this call won the race to
// do so. Completing an already settled signal has no effect.
func (s *Signal) Complete(err error) bool {
	won := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		won = true
	})
	return won
}

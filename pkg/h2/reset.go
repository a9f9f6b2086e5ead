package h2

import (
	"fmt"
)

// Reset is the reason a stream terminated. Its values mirror the protocol's
// RST_STREAM error-code space (RFC 7540 section 7), so the wire mapping is
// total and invertible in both directions.
type Reset uint32

const (
	ResetNoError            Reset = 0x0
	ResetProtocolError      Reset = 0x1
	ResetInternalError      Reset = 0x2
	ResetFlowControlError   Reset = 0x3
	ResetSettingsTimeout    Reset = 0x4
	ResetStreamClosed       Reset = 0x5
	ResetFrameSizeError     Reset = 0x6
	ResetRefusedStream      Reset = 0x7
	ResetCancel             Reset = 0x8
	ResetCompressionError   Reset = 0x9
	ResetConnectError       Reset = 0xa
	ResetEnhanceYourCalm    Reset = 0xb
	ResetInadequateSecurity Reset = 0xc
	ResetHTTP11Required     Reset = 0xd
)

// EnumNamesReset maps known Reset values to their protocol names.
var EnumNamesReset = map[Reset]string{
	ResetNoError:            "NO_ERROR",
	ResetProtocolError:      "PROTOCOL_ERROR",
	ResetInternalError:      "INTERNAL_ERROR",
	ResetFlowControlError:   "FLOW_CONTROL_ERROR",
	ResetSettingsTimeout:    "SETTINGS_TIMEOUT",
	ResetStreamClosed:       "STREAM_CLOSED",
	ResetFrameSizeError:     "FRAME_SIZE_ERROR",
	ResetRefusedStream:      "REFUSED_STREAM",
	ResetCancel:             "CANCEL",
	ResetCompressionError:   "COMPRESSION_ERROR",
	ResetConnectError:       "CONNECT_ERROR",
	ResetEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ResetInadequateSecurity: "INADEQUATE_SECURITY",
	ResetHTTP11Required:     "HTTP_1_1_REQUIRED",
}

// ResetFromWire maps a wire error code to a Reset. Codes outside the defined
// enumeration are preserved as-is rather than rejected, so peers using
// extension codes still round-trip.
func ResetFromWire(code uint32) Reset {
	return Reset(code)
}

// Wire returns the protocol error code for r.
func (r Reset) Wire() uint32 {
	return uint32(r)
}

func (r Reset) String() string {
	if name, ok := EnumNamesReset[r]; ok {
		return name
	}
	return fmt.Sprintf("RESET_UNKNOWN(0x%x)", uint32(r))
}

// Error implements error. A bare Reset carries the termination reason only;
// StreamError adds who initiated it.
func (r Reset) Error() string {
	return "stream reset: " + r.String()
}

// Source identifies which endpoint initiated a stream termination.
type Source uint8

const (
	SourceLocal Source = iota + 1
	SourceRemote
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	default:
		return fmt.Sprintf("SOURCE_UNKNOWN(%d)", uint8(s))
	}
}

// StreamError is a Reset annotated with its provenance. It is the
// termination signal surfaced by a stream transport's reset completion and
// failed sends; waiters on the initial inbound message see the bare Reset
// instead.
type StreamError struct {
	Reset  Reset
	Source Source
}

// LocalReset wraps r as a termination initiated by this endpoint.
func LocalReset(r Reset) *StreamError {
	return &StreamError{Reset: r, Source: SourceLocal}
}

// RemoteReset wraps r as a termination observed from the peer.
func RemoteReset(r Reset) *StreamError {
	return &StreamError{Reset: r, Source: SourceRemote}
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream reset: %s (%s)", e.Reset, e.Source)
}

// Unwrap exposes the bare Reset so errors.Is matches termination reasons
// regardless of provenance.
func (e *StreamError) Unwrap() error {
	return e.Reset
}

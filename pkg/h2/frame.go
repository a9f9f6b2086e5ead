package h2

// Frame is one unit of stream body content: a Data chunk or a Trailers
// block. Frames are immutable once offered; in particular a Data payload
// must not be modified after it is handed to a Stream.
type Frame interface {
	// End reports whether this frame terminates its stream.
	End() bool

	isFrame()
}

// Data is a chunk of body bytes, optionally the last one.
type Data struct {
	Payload   []byte
	EndStream bool
}

// End implements Frame.
func (d Data) End() bool {
	return d.EndStream
}

func (Data) isFrame() {}

// Trailers is a trailing header block. It always terminates the stream.
type Trailers struct {
	Fields Headers
}

// End implements Frame. Trailers are terminal by definition.
func (Trailers) End() bool {
	return true
}

func (Trailers) isFrame() {}

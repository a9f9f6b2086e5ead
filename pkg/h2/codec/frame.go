package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"

	"github.com/nikolay-pshenichny/linkerd/pkg/h2"
)

const (
	_frameHeaderLen = 9

	// _maxFrameSize is the largest frame payload read or written. It is the
	// protocol's default SETTINGS_MAX_FRAME_SIZE; larger sizes are a
	// negotiation concern and are not supported here.
	_maxFrameSize = 16 * 1024

	// _maxHeaderBlockLen caps an assembled header block across CONTINUATION
	// frames.
	_maxHeaderBlockLen = 1024 * 1024

	_initialHeaderTableSize = 4096
)

// ClientPreface opens every client connection, followed by a SETTINGS frame.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// FrameType identifies the wire frame kind (RFC 7540 section 6).
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

// EnumNamesFrameType maps known frame types to their protocol names.
var EnumNamesFrameType = map[FrameType]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

func (t FrameType) String() string {
	if name, ok := EnumNamesFrameType[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE(0x%x)", uint8(t))
}

// Flags is the 8-bit flag field of a frame header. Flag meaning depends on
// the frame type.
type Flags uint8

// Has reports whether f contains all (0 or more) flags in v.
func (f Flags) Has(v Flags) bool {
	return (f & v) == v
}

const (
	// FlagEndStream marks the last frame of a stream direction on DATA and
	// HEADERS frames.
	FlagEndStream Flags = 0x1

	// FlagAck acknowledges a SETTINGS or PING frame.
	FlagAck Flags = 0x1

	// FlagEndHeaders marks the end of a header block on HEADERS and
	// CONTINUATION frames.
	FlagEndHeaders Flags = 0x4

	// FlagPadded indicates the payload starts with a pad length octet.
	FlagPadded Flags = 0x8

	// FlagPriority indicates the HEADERS payload starts with priority fields.
	FlagPriority Flags = 0x20
)

// SettingID identifies one SETTINGS parameter.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// EnumNamesSettingID maps known setting identifiers to their protocol names.
var EnumNamesSettingID = map[SettingID]string{
	SettingHeaderTableSize:      "HEADER_TABLE_SIZE",
	SettingEnablePush:           "ENABLE_PUSH",
	SettingMaxConcurrentStreams: "MAX_CONCURRENT_STREAMS",
	SettingInitialWindowSize:    "INITIAL_WINDOW_SIZE",
	SettingMaxFrameSize:         "MAX_FRAME_SIZE",
	SettingMaxHeaderListSize:    "MAX_HEADER_LIST_SIZE",
}

func (id SettingID) String() string {
	if name, ok := EnumNamesSettingID[id]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_SETTING(0x%x)", uint16(id))
}

// Setting is one SETTINGS parameter.
type Setting struct {
	ID  SettingID
	Val uint32
}

func (s Setting) String() string {
	return fmt.Sprintf("%s=%d", s.ID, s.Val)
}

// FrameHeader is the fixed 9-octet header every frame starts with.
//
//	+-----------------------------------------------+
//	|                 Length (24)                   |
//	+---------------+---------------+---------------+
//	|   Type (8)    |   Flags (8)   |
//	+-+-------------+---------------+---------------+
//	|R|                 Stream Identifier (31)      |
//	+=+=============================================+
//	|                 Frame Payload (0...)        ...
//	+-----------------------------------------------+
type FrameHeader struct {
	// Length is the declared payload length of a frame read off the wire.
	// For frames built for writing it is informational only; the framer
	// computes the real value while encoding.
	Length   uint32
	Type     FrameType
	Flags    Flags
	StreamID uint32
}

func (fh FrameHeader) String() string {
	return fmt.Sprintf("[%s flags=0x%x stream=%d len=%d]", fh.Type, uint8(fh.Flags), fh.StreamID, fh.Length)
}

// Frame is a decoded wire frame.
type Frame interface {
	Header() FrameHeader
}

// DataFrame carries a chunk of a stream body. Padding is stripped on read
// and never written.
type DataFrame struct {
	StreamID  uint32
	Data      []byte
	EndStream bool
}

// Header implements Frame.
func (f *DataFrame) Header() FrameHeader {
	var flags Flags
	if f.EndStream {
		flags |= FlagEndStream
	}
	return FrameHeader{Length: uint32(len(f.Data)), Type: FrameData, Flags: flags, StreamID: f.StreamID}
}

// HeadersFrame carries a header block, already assembled across any
// CONTINUATION frames and decoded into fields.
type HeadersFrame struct {
	StreamID  uint32
	Fields    h2.Headers
	EndStream bool
}

// Header implements Frame.
func (f *HeadersFrame) Header() FrameHeader {
	var flags Flags
	if f.EndStream {
		flags |= FlagEndStream
	}
	return FrameHeader{Type: FrameHeaders, Flags: flags, StreamID: f.StreamID}
}

// RSTStreamFrame abruptly terminates one stream.
type RSTStreamFrame struct {
	StreamID uint32
	ErrCode  uint32
}

// Header implements Frame.
func (f *RSTStreamFrame) Header() FrameHeader {
	return FrameHeader{Length: 4, Type: FrameRSTStream, StreamID: f.StreamID}
}

// SettingsFrame carries connection parameters. It always travels on stream 0.
type SettingsFrame struct {
	Ack      bool
	Settings []Setting
}

// Header implements Frame.
func (f *SettingsFrame) Header() FrameHeader {
	var flags Flags
	if f.Ack {
		flags |= FlagAck
	}
	return FrameHeader{Length: uint32(6 * len(f.Settings)), Type: FrameSettings, Flags: flags}
}

// PingFrame measures round-trip time and checks connection liveness.
type PingFrame struct {
	Ack  bool
	Data [8]byte
}

// Header implements Frame.
func (f *PingFrame) Header() FrameHeader {
	var flags Flags
	if f.Ack {
		flags |= FlagAck
	}
	return FrameHeader{Length: 8, Type: FramePing, Flags: flags}
}

// GoAwayFrame initiates connection shutdown.
type GoAwayFrame struct {
	LastStreamID uint32
	ErrCode      uint32
	DebugData    []byte
}

// Header implements Frame.
func (f *GoAwayFrame) Header() FrameHeader {
	return FrameHeader{Length: uint32(8 + len(f.DebugData)), Type: FrameGoAway}
}

// WindowUpdateFrame adjusts flow-control credit. Consumers here only observe
// it; flow-control accounting is not implemented.
type WindowUpdateFrame struct {
	StreamID  uint32
	Increment uint32
}

// Header implements Frame.
func (f *WindowUpdateFrame) Header() FrameHeader {
	return FrameHeader{Length: 4, Type: FrameWindowUpdate, StreamID: f.StreamID}
}

// UnknownFrame preserves a frame of an unhandled or extension type so the
// caller can skip or log it.
type UnknownFrame struct {
	FH      FrameHeader
	Payload []byte
}

// Header implements Frame.
func (f *UnknownFrame) Header() FrameHeader {
	return f.FH
}

// Framer reads and writes frames on an underlying reader and writer,
// maintaining the connection's header compression state. It is not safe for
// concurrent use; callers serialize access per direction.
type Framer struct {
	r io.Reader
	// rbuf caches the fixed frame header while reading
	rbuf [_frameHeaderLen]byte

	w    io.Writer
	wbuf []byte

	henc *hpack.Encoder
	hbuf bytes.Buffer
	hdec *hpack.Decoder

	lg *zap.Logger
}

// NewFramer returns a Framer that writes frames to w and reads them from r.
func NewFramer(w io.Writer, r io.Reader, logger *zap.Logger) *Framer {
	fr := &Framer{
		w:  w,
		r:  r,
		lg: logger,
	}
	fr.henc = hpack.NewEncoder(&fr.hbuf)
	fr.hdec = hpack.NewDecoder(_initialHeaderTableSize, nil)
	return fr
}

// ReadClientPreface consumes and verifies the fixed client connection
// preface from r.
func ReadClientPreface(r io.Reader) error {
	buf := make([]byte, len(ClientPreface))
	if _, err := io.ReadFull(r, buf); err != nil {
		return errors.Wrap(err, "read client preface")
	}
	if string(buf) != ClientPreface {
		return errors.New("client preface mismatch")
	}
	return nil
}

// ReadFrame reads a single frame. The returned free func releases internal
// buffers and must be called once the frame and any payload it references
// are no longer used. HEADERS frames are returned with their header block
// already assembled across CONTINUATION frames and decoded.
func (fr *Framer) ReadFrame() (Frame, func(), error) {
	fh, payload, free, err := fr.readRawFrame()
	if err != nil {
		return nil, nil, err
	}

	switch fh.Type {
	case FrameData:
		return fr.parseData(fh, payload, free)
	case FrameHeaders:
		return fr.parseHeaders(fh, payload, free)
	case FrameRSTStream:
		return fr.parseRSTStream(fh, payload, free)
	case FrameSettings:
		return fr.parseSettings(fh, payload, free)
	case FramePing:
		return fr.parsePing(fh, payload, free)
	case FrameGoAway:
		return fr.parseGoAway(fh, payload, free)
	case FrameWindowUpdate:
		return fr.parseWindowUpdate(fh, payload, free)
	case FrameContinuation:
		free()
		return nil, nil, errors.New("continuation without preceding headers frame")
	default:
		// extension and unhandled types pass through for the caller to skip
		return &UnknownFrame{FH: fh, Payload: payload}, free, nil
	}
}

func (fr *Framer) readRawFrame() (FrameHeader, []byte, func(), error) {
	logger := fr.lg

	buf := fr.rbuf[:_frameHeaderLen]
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return FrameHeader{}, nil, nil, errors.Wrap(err, "read frame header")
	}
	fh := FrameHeader{
		Length:   uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]),
		Type:     FrameType(buf[3]),
		Flags:    Flags(buf[4]),
		StreamID: binary.BigEndian.Uint32(buf[5:9]) & 0x7fffffff,
	}
	if fh.Length > _maxFrameSize {
		logger.Error("illegal frame length, greater than maximum",
			zap.Uint32("frame-length", fh.Length), zap.Uint32("max-length", _maxFrameSize))
		return FrameHeader{}, nil, nil, errors.New("frame too large")
	}

	if fh.Length == 0 {
		return fh, nil, func() {}, nil
	}
	payload := mcache.Malloc(int(fh.Length))
	free := func() { mcache.Free(payload) }
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		free()
		return FrameHeader{}, nil, nil, errors.Wrap(err, "read frame payload")
	}
	return fh, payload, free, nil
}

// stripPadding removes the pad length octet and trailing padding from a
// PADDED payload.
func stripPadding(fh FrameHeader, payload []byte) ([]byte, error) {
	if !fh.Flags.Has(FlagPadded) {
		return payload, nil
	}
	if len(payload) < 1 {
		return nil, errors.Errorf("%s frame missing pad length", fh.Type)
	}
	padLen := int(payload[0])
	payload = payload[1:]
	if padLen > len(payload) {
		return nil, errors.Errorf("%s frame pad length exceeds payload", fh.Type)
	}
	return payload[:len(payload)-padLen], nil
}

func (fr *Framer) parseData(fh FrameHeader, payload []byte, free func()) (Frame, func(), error) {
	if fh.StreamID == 0 {
		free()
		return nil, nil, errors.New("data frame on stream 0")
	}
	data, err := stripPadding(fh, payload)
	if err != nil {
		free()
		return nil, nil, err
	}
	f := &DataFrame{
		StreamID:  fh.StreamID,
		Data:      data,
		EndStream: fh.Flags.Has(FlagEndStream),
	}
	return f, free, nil
}

func (fr *Framer) parseHeaders(fh FrameHeader, payload []byte, free func()) (Frame, func(), error) {
	if fh.StreamID == 0 {
		free()
		return nil, nil, errors.New("headers frame on stream 0")
	}
	frag, err := stripPadding(fh, payload)
	if err != nil {
		free()
		return nil, nil, err
	}
	if fh.Flags.Has(FlagPriority) {
		// stream dependency (4) + weight (1), not used here
		if len(frag) < 5 {
			free()
			return nil, nil, errors.New("headers frame missing priority fields")
		}
		frag = frag[5:]
	}

	block := frag
	if !fh.Flags.Has(FlagEndHeaders) {
		assembled := append([]byte(nil), frag...)
		free()
		free = func() {}
		for {
			cFrag, end, cFree, err := fr.readContinuation(fh.StreamID)
			if err != nil {
				return nil, nil, err
			}
			assembled = append(assembled, cFrag...)
			cFree()
			if len(assembled) > _maxHeaderBlockLen {
				return nil, nil, errors.New("header block too large")
			}
			if end {
				break
			}
		}
		block = assembled
	}

	fields, err := fr.hdec.DecodeFull(block)
	free()
	if err != nil {
		return nil, nil, errors.Wrap(err, "decode header block")
	}
	hs := make(h2.Headers, 0, len(fields))
	for _, f := range fields {
		hs = append(hs, h2.HeaderField{Name: f.Name, Value: f.Value})
	}
	hf := &HeadersFrame{
		StreamID:  fh.StreamID,
		Fields:    hs,
		EndStream: fh.Flags.Has(FlagEndStream),
	}
	return hf, func() {}, nil
}

// readContinuation reads the next frame, which must be a CONTINUATION for
// streamID, and returns its fragment. The fragment is only valid until free
// is called.
func (fr *Framer) readContinuation(streamID uint32) ([]byte, bool, func(), error) {
	fh, payload, free, err := fr.readRawFrame()
	if err != nil {
		return nil, false, nil, err
	}
	if fh.Type != FrameContinuation || fh.StreamID != streamID {
		free()
		return nil, false, nil, errors.Errorf("expected continuation frame for stream %d, got %s", streamID, fh)
	}
	return payload, fh.Flags.Has(FlagEndHeaders), free, nil
}

func (fr *Framer) parseRSTStream(fh FrameHeader, payload []byte, free func()) (Frame, func(), error) {
	defer free()
	if fh.StreamID == 0 {
		return nil, nil, errors.New("reset frame on stream 0")
	}
	if fh.Length != 4 {
		return nil, nil, errors.New("bad reset frame length")
	}
	f := &RSTStreamFrame{StreamID: fh.StreamID, ErrCode: binary.BigEndian.Uint32(payload)}
	return f, func() {}, nil
}

func (fr *Framer) parseSettings(fh FrameHeader, payload []byte, free func()) (Frame, func(), error) {
	defer free()
	if fh.StreamID != 0 {
		return nil, nil, errors.New("settings frame on non-zero stream")
	}
	if fh.Flags.Has(FlagAck) {
		if fh.Length != 0 {
			return nil, nil, errors.New("bad settings ack length")
		}
		return &SettingsFrame{Ack: true}, func() {}, nil
	}
	if fh.Length%6 != 0 {
		return nil, nil, errors.New("bad settings frame length")
	}
	settings := make([]Setting, 0, fh.Length/6)
	for i := 0; i+6 <= len(payload); i += 6 {
		settings = append(settings, Setting{
			ID:  SettingID(binary.BigEndian.Uint16(payload[i : i+2])),
			Val: binary.BigEndian.Uint32(payload[i+2 : i+6]),
		})
	}
	return &SettingsFrame{Settings: settings}, func() {}, nil
}

func (fr *Framer) parsePing(fh FrameHeader, payload []byte, free func()) (Frame, func(), error) {
	defer free()
	if fh.Length != 8 {
		return nil, nil, errors.New("bad ping frame length")
	}
	f := &PingFrame{Ack: fh.Flags.Has(FlagAck)}
	copy(f.Data[:], payload)
	return f, func() {}, nil
}

func (fr *Framer) parseGoAway(fh FrameHeader, payload []byte, free func()) (Frame, func(), error) {
	defer free()
	if fh.Length < 8 {
		return nil, nil, errors.New("bad goaway frame length")
	}
	f := &GoAwayFrame{
		LastStreamID: binary.BigEndian.Uint32(payload[:4]) & 0x7fffffff,
		ErrCode:      binary.BigEndian.Uint32(payload[4:8]),
	}
	if len(payload) > 8 {
		f.DebugData = append([]byte(nil), payload[8:]...)
	}
	return f, func() {}, nil
}

func (fr *Framer) parseWindowUpdate(fh FrameHeader, payload []byte, free func()) (Frame, func(), error) {
	defer free()
	if fh.Length != 4 {
		return nil, nil, errors.New("bad window update frame length")
	}
	f := &WindowUpdateFrame{
		StreamID:  fh.StreamID,
		Increment: binary.BigEndian.Uint32(payload) & 0x7fffffff,
	}
	return f, func() {}, nil
}

// WriteFrame writes f, splitting oversized DATA payloads and header blocks
// into protocol-sized wire frames. It performs one Write to the underlying
// writer per wire frame. Not safe for concurrent use; callers serialize.
func (fr *Framer) WriteFrame(f Frame) error {
	switch v := f.(type) {
	case *DataFrame:
		return fr.WriteData(v.StreamID, v.EndStream, v.Data)
	case *HeadersFrame:
		return fr.WriteHeaders(v.StreamID, v.Fields, v.EndStream)
	case *RSTStreamFrame:
		return fr.WriteRSTStream(v.StreamID, v.ErrCode)
	case *SettingsFrame:
		if v.Ack {
			return fr.WriteSettingsAck()
		}
		return fr.WriteSettings(v.Settings...)
	case *PingFrame:
		return fr.WritePing(v.Ack, v.Data)
	case *GoAwayFrame:
		return fr.WriteGoAway(v.LastStreamID, v.ErrCode, v.DebugData)
	case *WindowUpdateFrame:
		return fr.WriteWindowUpdate(v.StreamID, v.Increment)
	default:
		return errors.Errorf("unsupported frame type %T", f)
	}
}

// WriteData writes data as one or more DATA frames, each within the maximum
// frame size; endStream is set on the last one only.
func (fr *Framer) WriteData(streamID uint32, endStream bool, data []byte) error {
	for len(data) > _maxFrameSize {
		fr.startWrite(FrameData, 0, streamID)
		fr.wbuf = append(fr.wbuf, data[:_maxFrameSize]...)
		if err := fr.endWrite(); err != nil {
			return err
		}
		data = data[_maxFrameSize:]
	}
	var flags Flags
	if endStream {
		flags |= FlagEndStream
	}
	fr.startWrite(FrameData, flags, streamID)
	fr.wbuf = append(fr.wbuf, data...)
	return fr.endWrite()
}

// WriteHeaders encodes fields and writes them as a HEADERS frame, followed
// by CONTINUATION frames when the block exceeds the maximum frame size.
func (fr *Framer) WriteHeaders(streamID uint32, fields h2.Headers, endStream bool) error {
	fr.hbuf.Reset()
	for _, f := range fields {
		if err := fr.henc.WriteField(hpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			return errors.Wrap(err, "encode header field")
		}
	}
	block := fr.hbuf.Bytes()

	first := true
	for {
		frag := block
		if len(frag) > _maxFrameSize {
			frag = frag[:_maxFrameSize]
		}
		block = block[len(frag):]
		last := len(block) == 0

		typ := FrameContinuation
		var flags Flags
		if first {
			typ = FrameHeaders
			if endStream {
				flags |= FlagEndStream
			}
		}
		if last {
			flags |= FlagEndHeaders
		}
		fr.startWrite(typ, flags, streamID)
		fr.wbuf = append(fr.wbuf, frag...)
		if err := fr.endWrite(); err != nil {
			return err
		}
		if last {
			return nil
		}
		first = false
	}
}

// WriteRSTStream writes a RST_STREAM frame carrying code.
func (fr *Framer) WriteRSTStream(streamID uint32, code uint32) error {
	fr.startWrite(FrameRSTStream, 0, streamID)
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, code)
	return fr.endWrite()
}

// WriteSettings writes a SETTINGS frame with the given parameters.
func (fr *Framer) WriteSettings(settings ...Setting) error {
	fr.startWrite(FrameSettings, 0, 0)
	for _, s := range settings {
		fr.wbuf = binary.BigEndian.AppendUint16(fr.wbuf, uint16(s.ID))
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, s.Val)
	}
	return fr.endWrite()
}

// WriteSettingsAck acknowledges the peer's SETTINGS frame.
func (fr *Framer) WriteSettingsAck() error {
	fr.startWrite(FrameSettings, FlagAck, 0)
	return fr.endWrite()
}

// WritePing writes a PING frame echoing data.
func (fr *Framer) WritePing(ack bool, data [8]byte) error {
	var flags Flags
	if ack {
		flags |= FlagAck
	}
	fr.startWrite(FramePing, flags, 0)
	fr.wbuf = append(fr.wbuf, data[:]...)
	return fr.endWrite()
}

// WriteGoAway writes a GOAWAY frame.
func (fr *Framer) WriteGoAway(lastStreamID uint32, code uint32, debugData []byte) error {
	fr.startWrite(FrameGoAway, 0, 0)
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, lastStreamID&0x7fffffff)
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, code)
	fr.wbuf = append(fr.wbuf, debugData...)
	return fr.endWrite()
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame; streamID 0 addresses the
// connection.
func (fr *Framer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	fr.startWrite(FrameWindowUpdate, 0, streamID)
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, increment&0x7fffffff)
	return fr.endWrite()
}

// Write the fixed frame header; the length octets are backfilled in endWrite.
func (fr *Framer) startWrite(t FrameType, flags Flags, streamID uint32) {
	fr.wbuf = append(fr.wbuf[:0],
		0, 0, 0,
		byte(t),
		byte(flags),
		byte(streamID>>24), byte(streamID>>16), byte(streamID>>8), byte(streamID),
	)
}

func (fr *Framer) endWrite() error {
	logger := fr.lg

	length := len(fr.wbuf) - _frameHeaderLen
	if length >= 1<<24 {
		logger.Error("frame too large, greater than maximum", zap.Int("frame-length", length))
		return errors.New("frame too large")
	}
	fr.wbuf[0] = byte(length >> 16)
	fr.wbuf[1] = byte(length >> 8)
	fr.wbuf[2] = byte(length)

	if _, err := fr.w.Write(fr.wbuf); err != nil {
		logger.Error("failed to write frame", zap.Error(err))
		return errors.Wrap(err, "write frame")
	}
	return nil
}

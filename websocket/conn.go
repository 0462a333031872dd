package websocket

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Config carries the knobs a Connection needs beyond its transport,
// codec and extensions.
type Config struct {
	// MaxMessageSize caps the total size of a reassembled message
	// (the sum of all of its fragments' payloads). Zero means
	// DefaultMaxPayloadLen.
	MaxMessageSize uint64
	// ValidateUTF8 turns on UTF-8 validation of reassembled Text
	// message payloads; a failure surfaces as ErrKindUTF8.
	ValidateUTF8 bool
	// Logger, if non-nil, receives trace/debug events for every frame
	// this connection reads, for control-frame replies, for fragment
	// start and reassembly, and for the close sequence. Outbound data
	// frames are not logged. A nil Logger disables logging.
	Logger *zerolog.Logger
}

type fragmentState struct {
	opcode OpCode
	buf    bytes.Buffer
}

// Connection turns a reliable, ordered byte stream into a
// message-oriented WebSocket channel: it reassembles fragmented
// messages, answers Ping/Close control frames automatically, applies
// and strips masking, and runs every configured Extension over data
// frames in declaration order.
//
// A Connection is safe for one goroutine to call Receive and a second,
// different goroutine to call Send*/Close concurrently (see Split); it
// is not safe for concurrent calls to Receive, nor for concurrent calls
// to Send*/Close, from multiple goroutines.
type Connection struct {
	mode       Mode
	transport  io.ReadWriteCloser
	reader     *bufio.Reader
	codec      *Codec
	extensions []Extension

	maxMessageSize uint64
	validateUTF8   bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	closeSent atomic.Bool

	fragment *fragmentState
	log      connLog
}

// NewConnection wraps transport as a WebSocket Connection. codec must
// have already accumulated any AddReservedBits calls the negotiated
// extensions require; extensions is the negotiated set, in the order their
// Encode/Decode hooks should run. Extensions whose IsEnabled reports false
// are dropped here and never run.
func NewConnection(transport io.ReadWriteCloser, mode Mode, codec *Codec, extensions []Extension, cfg Config) *Connection {
	if codec == nil {
		codec = NewCodec()
	}
	var enabled []Extension
	for _, ext := range extensions {
		if ext.IsEnabled() {
			enabled = append(enabled, ext)
		}
	}
	return &Connection{
		mode:           mode,
		transport:      transport,
		reader:         bufio.NewReader(transport),
		codec:          codec,
		extensions:     enabled,
		maxMessageSize: cfg.MaxMessageSize,
		validateUTF8:   cfg.ValidateUTF8,
		log:            newConnLog(cfg.Logger),
	}
}

// Receive blocks until a complete message arrives, the peer closes the
// connection, or ctx is done. It transparently answers Ping and Close
// frames and skips Pong frames; the first value it returns to the
// caller is always a Text or Binary message's reassembled payload.
func (c *Connection) Receive(ctx context.Context) ([]byte, bool, error) {
	if c.closed.Load() {
		return nil, false, ErrClosed
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, ioErr(err)
		}

		h, err := c.readFrameHeader()
		if err != nil {
			return nil, false, err
		}

		if c.mode == ModeServer && !h.Masked {
			return nil, false, codecErr(&CodecError{Kind: UnmaskedServerFrame})
		}
		c.log.frameRead(h, 0)

		if h.OpCode.IsControl() {
			payload, err := c.readPayload(h)
			if err != nil {
				return nil, false, ioErr(err)
			}
			switch h.OpCode {
			case OpPing:
				c.log.controlReply(OpPing)
				if err := c.sendControl(OpPong, payload); err != nil {
					return nil, false, err
				}
			case OpPong:
				// unsolicited or answered Pong: nothing to do.
			case OpClose:
				return nil, false, c.handleIncomingClose(payload)
			}
			continue
		}

		switch h.OpCode {
		case OpText, OpBinary:
			if c.fragment != nil {
				return nil, false, unexpectedOpCode(h.OpCode)
			}
			if err := c.checkSize(h.PayloadLen); err != nil {
				return nil, false, err
			}
			payload, err := c.readPayload(h)
			if err != nil {
				return nil, false, ioErr(err)
			}
			if h.Fin {
				return c.finishMessage(h.OpCode, payload)
			}
			c.fragment = &fragmentState{opcode: h.OpCode}
			c.fragment.buf.Write(payload)
			c.log.fragmentStart(h.OpCode)

		case OpContinuation:
			if c.fragment == nil {
				return nil, false, unexpectedOpCode(h.OpCode)
			}
			if err := c.checkSize(h.PayloadLen); err != nil {
				return nil, false, err
			}
			payload, err := c.readPayload(h)
			if err != nil {
				return nil, false, ioErr(err)
			}
			c.fragment.buf.Write(payload)
			if h.Fin {
				op := c.fragment.opcode
				data := append([]byte(nil), c.fragment.buf.Bytes()...)
				c.fragment = nil
				c.log.fragmentDone(len(data))
				return c.finishMessage(op, data)
			}

		default:
			return nil, false, unexpectedOpCode(h.OpCode)
		}
	}
}

// checkSize enforces maxMessageSize against the bytes a fragmented
// message has already accumulated plus the frame about to be read, so
// an oversized message is rejected before its payload is buffered.
func (c *Connection) checkSize(additional uint64) error {
	max := c.maxMessageSize
	if max == 0 {
		max = DefaultMaxPayloadLen
	}
	var current uint64
	if c.fragment != nil {
		current = uint64(c.fragment.buf.Len())
	}
	if current+additional > max {
		return messageTooLarge(current+additional, max)
	}
	return nil
}

func (c *Connection) finishMessage(op OpCode, payload []byte) ([]byte, bool, error) {
	h := Header{Fin: true, OpCode: op, PayloadLen: uint64(len(payload))}
	for _, ext := range c.extensions {
		if err := ext.Decode(&h, &payload); err != nil {
			return nil, false, extErr(err)
		}
	}
	if h.OpCode == OpText && c.validateUTF8 && !utf8.Valid(payload) {
		return nil, false, errUTF8
	}
	return payload, h.OpCode == OpText, nil
}

// handleIncomingClose marks the connection closed and echoes a Close
// frame back: an empty body if the peer's Close carried no code, the
// same code if it's one a close-echo may repeat, or CloseProtocolError
// otherwise. It always returns ErrClosed.
func (c *Connection) handleIncomingClose(payload []byte) error {
	c.closed.Store(true)

	// If we already sent our own Close frame, this is the peer's echo
	// answering it, not a close this side needs to acknowledge.
	if c.closeSent.Load() {
		return ErrClosed
	}

	if len(payload) < 2 {
		c.log.closing(0, true)
		_ = c.sendCloseFrame(nil)
		return ErrClosed
	}

	code := CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
	echo := code
	if !acceptableForEcho(code) {
		echo = CloseProtocolError
	}
	c.log.closing(echo, true)
	_ = c.sendCloseFrame(&echo)
	return ErrClosed
}

// SendText sends data as a single unfragmented Text message.
func (c *Connection) SendText(ctx context.Context, data string) error {
	return c.send(ctx, OpText, []byte(data))
}

// SendBinary sends data as a single unfragmented Binary message.
func (c *Connection) SendBinary(ctx context.Context, data []byte) error {
	return c.send(ctx, OpBinary, data)
}

// Ping sends a Ping control frame carrying payload, which must not
// exceed 125 bytes.
func (c *Connection) Ping(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return ioErr(err)
	}
	return c.sendControl(OpPing, payload)
}

func (c *Connection) send(ctx context.Context, op OpCode, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return ioErr(err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	h := Header{Fin: true, OpCode: op}
	for _, ext := range c.extensions {
		if err := ext.Encode(&h, &data); err != nil {
			return extErr(err)
		}
	}
	if c.mode == ModeClient {
		h.Masked = true
		h.Mask = randomMask()
		c.codec.ApplyMask(h.Mask, data)
	}
	h.PayloadLen = uint64(len(data))
	return c.writeFrame(h, data)
}

// sendControl writes a control frame. It bypasses extensions: control
// frames carry protocol metadata, not message payload.
func (c *Connection) sendControl(op OpCode, payload []byte) error {
	if len(payload) > maxControlPayload {
		return codecErr(&CodecError{Kind: OversizedControl, Len: uint64(len(payload)), Max: maxControlPayload})
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	h := Header{Fin: true, OpCode: op}
	data := payload
	if c.mode == ModeClient {
		h.Masked = true
		h.Mask = randomMask()
		data = append([]byte(nil), payload...)
		c.codec.ApplyMask(h.Mask, data)
	}
	h.PayloadLen = uint64(len(data))
	return c.writeFrame(h, data)
}

// sendCloseFrame writes the Close frame itself through sendControl, which
// takes writeMu; callers must not already hold it.
func (c *Connection) sendCloseFrame(code *CloseCode) error {
	var payload []byte
	if code != nil {
		payload = []byte{byte(*code >> 8), byte(*code)}
	}
	return c.sendControl(OpClose, payload)
}

func (c *Connection) writeFrame(h Header, data []byte) error {
	if _, err := c.transport.Write(c.codec.EncodeHeader(h)); err != nil {
		return ioErr(err)
	}
	if len(data) > 0 {
		if _, err := c.transport.Write(data); err != nil {
			return ioErr(err)
		}
	}
	return nil
}

// Close performs the active side of the closing handshake: it sends a
// Close frame with code 1000 and marks the connection closed. It is
// idempotent; calling it more than once is a no-op returning nil.
func (c *Connection) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if cerr := ctx.Err(); cerr != nil {
			err = ioErr(cerr)
			return
		}
		code := CloseNormal
		c.log.closing(code, false)
		c.closeSent.Store(true)
		err = c.sendCloseFrame(&code)
		c.closed.Store(true)
	})
	return err
}

// readFrameHeader reads exactly as many bytes as a frame header needs
// from the underlying stream and decodes them. Because the byte count
// is computed from the first two bytes before the rest are read, decode
// always succeeds or fails outright; it never reports ErrNeedMore here
// (that sentinel exists for callers decoding out of an already-buffered
// slice, e.g. tests).
func (c *Connection) readFrameHeader() (Header, error) {
	lead, err := c.reader.Peek(2)
	if err != nil {
		return Header{}, ioErr(err)
	}
	lenCode := lead[1] & 0x7F
	masked := lead[1]&0x80 != 0

	extra := 0
	switch lenCode {
	case len16Code:
		extra = 2
	case len64Code:
		extra = 8
	}
	if masked {
		extra += 4
	}

	buf := make([]byte, 2+extra)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return Header{}, ioErr(err)
	}

	h, _, err := c.codec.DecodeHeader(buf)
	if err != nil {
		return Header{}, codecErr(err)
	}
	return h, nil
}

func (c *Connection) readPayload(h Header) ([]byte, error) {
	if h.PayloadLen == 0 {
		return nil, nil
	}
	buf := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, err
	}
	if h.Masked {
		c.codec.ApplyMask(h.Mask, buf)
	}
	return buf, nil
}

func randomMask() [4]byte {
	var m [4]byte
	_, _ = rand.Read(m[:])
	return m
}

// Reader is the read half of a split Connection.
type Reader struct {
	conn *Connection
}

// Writer is the write half of a split Connection.
type Writer struct {
	conn *Connection
}

// Split returns independent read and write handles onto the same
// Connection, so one goroutine can block in Receive while another sends
// or closes. The two halves share the Connection's closed flag (an
// atomic.Bool, so a Close from the write half is visible to the read
// half without extra locking) and its writeMu, which serializes the
// Pong or Close frame a Receive loop sends in reply to a Ping/Close against any
// concurrent SendText/SendBinary/Close from the write half.
func (c *Connection) Split() (*Reader, *Writer) {
	return &Reader{conn: c}, &Writer{conn: c}
}

// Receive delegates to the underlying Connection.
func (r *Reader) Receive(ctx context.Context) ([]byte, bool, error) {
	return r.conn.Receive(ctx)
}

// SendText delegates to the underlying Connection.
func (w *Writer) SendText(ctx context.Context, data string) error {
	return w.conn.SendText(ctx, data)
}

// SendBinary delegates to the underlying Connection.
func (w *Writer) SendBinary(ctx context.Context, data []byte) error {
	return w.conn.SendBinary(ctx, data)
}

// Ping delegates to the underlying Connection.
func (w *Writer) Ping(ctx context.Context, payload []byte) error {
	return w.conn.Ping(ctx, payload)
}

// Close delegates to the underlying Connection.
func (w *Writer) Close(ctx context.Context) error {
	return w.conn.Close(ctx)
}

package websocket

import (
	"errors"
	"fmt"
)

// ErrNeedMore is returned by Codec.DecodeHeader when the supplied buffer
// does not yet contain a complete frame header. Callers should read more
// bytes from the transport and retry with a larger buffer.
var ErrNeedMore = errors.New("websocket: need more data")

// CodecErrorKind enumerates the ways a frame header can violate RFC 6455
// framing rules.
type CodecErrorKind int

const (
	// ReservedBitSet means an RSV bit was set that no extension claimed.
	ReservedBitSet CodecErrorKind = iota
	// FragmentedControl means a control frame had FIN=0.
	FragmentedControl
	// OversizedControl means a control frame's payload exceeded 125 bytes.
	OversizedControl
	// OversizedPayload means a data frame's payload exceeded the codec's
	// configured maximum.
	OversizedPayload
	// UnmaskedServerFrame means a server received a frame with MASK=0.
	UnmaskedServerFrame
	// InvalidOpCode means the 4-bit opcode is outside RFC 6455's defined set.
	InvalidOpCode
	// InvalidLengthEncoding means a 64-bit extended length had its high bit set.
	InvalidLengthEncoding
)

func (k CodecErrorKind) String() string {
	switch k {
	case ReservedBitSet:
		return "reserved bit set"
	case FragmentedControl:
		return "control frame fragmented"
	case OversizedControl:
		return "control frame payload too large"
	case OversizedPayload:
		return "data frame payload too large"
	case UnmaskedServerFrame:
		return "unmasked frame received by server"
	case InvalidOpCode:
		return "invalid opcode"
	case InvalidLengthEncoding:
		return "invalid extended length encoding"
	default:
		return "codec error"
	}
}

// CodecError reports a frame-level protocol violation. Len and Max are
// populated only for Kind == OversizedPayload / OversizedControl.
type CodecError struct {
	Kind CodecErrorKind
	Len  uint64
	Max  uint64
}

func (e *CodecError) Error() string {
	switch e.Kind {
	case OversizedPayload, OversizedControl:
		return fmt.Sprintf("websocket: %s (%d > %d)", e.Kind, e.Len, e.Max)
	default:
		return "websocket: " + e.Kind.String()
	}
}

// ConnectionErrorKind enumerates ConnectionError's tag.
type ConnectionErrorKind int

const (
	// ErrKindIO wraps an underlying transport error.
	ErrKindIO ConnectionErrorKind = iota
	// ErrKindCodec wraps a CodecError produced while decoding a frame.
	ErrKindCodec
	// ErrKindExtension wraps an error returned by an Extension.
	ErrKindExtension
	// ErrKindUnexpectedOpCode means a frame's opcode was invalid given
	// the current fragmentation state (e.g. Continuation with no
	// fragment in progress, or a data opcode mid-fragment).
	ErrKindUnexpectedOpCode
	// ErrKindUTF8 means a Text message's payload was not valid UTF-8.
	ErrKindUTF8
	// ErrKindMessageTooLarge means the reassembled message would exceed
	// MaxMessageSize.
	ErrKindMessageTooLarge
	// ErrKindClosed means the operation was attempted on a connection
	// that has already sent or received a Close frame.
	ErrKindClosed
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case ErrKindIO:
		return "io error"
	case ErrKindCodec:
		return "codec error"
	case ErrKindExtension:
		return "extension error"
	case ErrKindUnexpectedOpCode:
		return "unexpected opcode"
	case ErrKindUTF8:
		return "invalid utf-8"
	case ErrKindMessageTooLarge:
		return "message too large"
	case ErrKindClosed:
		return "connection closed"
	default:
		return "connection error"
	}
}

// ConnectionError is the tagged sum of everything Connection.Receive,
// Connection.SendText/SendBinary, Ping and Close can fail with.
type ConnectionError struct {
	Kind    ConnectionErrorKind
	OpCode  OpCode // set for ErrKindUnexpectedOpCode
	Current uint64 // set for ErrKindMessageTooLarge
	Maximum uint64 // set for ErrKindMessageTooLarge
	Wrapped error
}

func (e *ConnectionError) Error() string {
	switch e.Kind {
	case ErrKindUnexpectedOpCode:
		return fmt.Sprintf("websocket: unexpected opcode %s", e.OpCode)
	case ErrKindMessageTooLarge:
		return fmt.Sprintf("websocket: message too large (%d > %d)", e.Current, e.Maximum)
	case ErrKindIO, ErrKindCodec, ErrKindExtension:
		if e.Wrapped != nil {
			return fmt.Sprintf("websocket: %s: %v", e.Kind, e.Wrapped)
		}
		return "websocket: " + e.Kind.String()
	default:
		return "websocket: " + e.Kind.String()
	}
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *ConnectionError) Unwrap() error {
	return e.Wrapped
}

// ErrClosed is the sentinel ConnectionError returned by Receive/Send once
// the connection has completed the close handshake. It is distinct from
// a transport EOF: it means "the protocol state machine considers this
// connection done", not "the byte stream ended unexpectedly".
var ErrClosed = &ConnectionError{Kind: ErrKindClosed}

func codecErr(err error) *ConnectionError {
	return &ConnectionError{Kind: ErrKindCodec, Wrapped: err}
}

func ioErr(err error) *ConnectionError {
	return &ConnectionError{Kind: ErrKindIO, Wrapped: err}
}

func extErr(err error) *ConnectionError {
	return &ConnectionError{Kind: ErrKindExtension, Wrapped: err}
}

func unexpectedOpCode(op OpCode) *ConnectionError {
	return &ConnectionError{Kind: ErrKindUnexpectedOpCode, OpCode: op}
}

func messageTooLarge(current, maximum uint64) *ConnectionError {
	return &ConnectionError{Kind: ErrKindMessageTooLarge, Current: current, Maximum: maximum}
}

var errUTF8 = &ConnectionError{Kind: ErrKindUTF8}

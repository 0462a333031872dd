package websocket

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// connLog is the ambient, non-protocol logging attached to a Connection:
// a leveled logger plus a correlation id so concurrent connections'
// trace/debug lines can be told apart. Nothing here affects wire
// behavior, and a nil *zerolog.Logger (the default) makes every call
// below a no-op via zerolog's disabled-logger semantics.
type connLog struct {
	id  uuid.UUID
	log zerolog.Logger
}

func newConnLog(base *zerolog.Logger) connLog {
	id := uuid.New()
	if base == nil {
		disabled := zerolog.Nop()
		base = &disabled
	}
	return connLog{id: id, log: base.With().Str("conn", id.String()).Logger()}
}

func (l connLog) frameRead(h Header, n int) {
	l.log.Trace().
		Str("opcode", h.OpCode.String()).
		Bool("fin", h.Fin).
		Uint64("payload_len", h.PayloadLen).
		Int("header_bytes", n).
		Msg("read frame")
}

func (l connLog) controlReply(op OpCode) {
	l.log.Debug().Str("opcode", op.String()).Msg("auto-replying to control frame")
}

func (l connLog) fragmentStart(op OpCode) {
	l.log.Debug().Str("opcode", op.String()).Msg("starting fragmented message")
}

func (l connLog) fragmentDone(total int) {
	l.log.Debug().Int("bytes", total).Msg("reassembled fragmented message")
}

func (l connLog) closing(code CloseCode, echo bool) {
	l.log.Debug().Str("code", code.String()).Bool("echo", echo).Msg("closing connection")
}

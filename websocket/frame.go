package websocket

import "encoding/binary"

// DefaultMaxPayloadLen is the default ceiling a Codec enforces on a
// single frame's payload length: 256 MiB.
const DefaultMaxPayloadLen = 256 * 1024 * 1024

// maxControlPayload is the RFC 6455 Section 5.5 ceiling on control frame
// payloads; it is not configurable.
const maxControlPayload = 125

// Length-code thresholds from RFC 6455 Section 5.2.
const (
	lenDirectMax = 125
	len16Code    = 126
	len64Code    = 127
)

// Header is the decoded form of a WebSocket frame header (RFC 6455
// Section 5.2). If Masked is false, Mask is unused.
type Header struct {
	Fin        bool
	Rsv1       bool
	Rsv2       bool
	Rsv3       bool
	OpCode     OpCode
	Masked     bool
	Mask       [4]byte
	PayloadLen uint64
}

// reservedMask returns the RSV bits this header has set, packed into the
// low three bits (RSV1<<2 | RSV2<<1 | RSV3).
func (h Header) reservedMask() uint8 {
	var m uint8
	if h.Rsv1 {
		m |= 0x4
	}
	if h.Rsv2 {
		m |= 0x2
	}
	if h.Rsv3 {
		m |= 0x1
	}
	return m
}

// Codec encodes and decodes frame headers and carries the per-connection
// limits and extension-claimed reserved bits that decoding must respect.
// The zero value is ready to use with DefaultMaxPayloadLen.
type Codec struct {
	MaxPayloadLen uint64
	reservedBits  uint8
}

// NewCodec returns a Codec with DefaultMaxPayloadLen.
func NewCodec() *Codec {
	return &Codec{MaxPayloadLen: DefaultMaxPayloadLen}
}

// AddReservedBits ORs bits (RSV1<<2 | RSV2<<1 | RSV3) into the set of RSV
// bits an extension has claimed; DecodeHeader will no longer reject
// frames that set them.
func (c *Codec) AddReservedBits(bits uint8) {
	c.reservedBits |= bits & 0x7
}

// EncodeHeader renders h as wire bytes: 2 to 14 bytes depending on
// payload length and masking (RFC 6455 Section 5.2).
func (c *Codec) EncodeHeader(h Header) []byte {
	var buf [14]byte
	n := 0

	b0 := h.OpCode & 0x0F
	if h.Fin {
		b0 |= 0x80
	}
	if h.Rsv1 {
		b0 |= 0x40
	}
	if h.Rsv2 {
		b0 |= 0x20
	}
	if h.Rsv3 {
		b0 |= 0x10
	}
	buf[0] = byte(b0)
	n++

	b1 := byte(0)
	if h.Masked {
		b1 |= 0x80
	}

	switch {
	case h.PayloadLen <= lenDirectMax:
		b1 |= byte(h.PayloadLen)
		buf[1] = b1
		n++
	case h.PayloadLen <= 0xFFFF:
		b1 |= len16Code
		buf[1] = b1
		n++
		binary.BigEndian.PutUint16(buf[n:], uint16(h.PayloadLen))
		n += 2
	default:
		b1 |= len64Code
		buf[1] = b1
		n++
		binary.BigEndian.PutUint64(buf[n:], h.PayloadLen)
		n += 8
	}

	if h.Masked {
		copy(buf[n:], h.Mask[:])
		n += 4
	}

	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}

// DecodeHeader parses a frame header from the front of buf.
//
// It returns ErrNeedMore if buf does not yet hold a complete header;
// callers should read more bytes and retry. On success it returns the
// decoded Header and the number of bytes consumed from buf (the payload
// itself is not part of this count and must be read separately).
func (c *Codec) DecodeHeader(buf []byte) (Header, int, error) {
	if len(buf) < 2 {
		return Header{}, 0, ErrNeedMore
	}

	b0, b1 := buf[0], buf[1]

	h := Header{
		Fin:    b0&0x80 != 0,
		Rsv1:   b0&0x40 != 0,
		Rsv2:   b0&0x20 != 0,
		Rsv3:   b0&0x10 != 0,
		OpCode: OpCode(b0 & 0x0F),
		Masked: b1&0x80 != 0,
	}

	if !h.OpCode.Known() {
		return Header{}, 0, &CodecError{Kind: InvalidOpCode}
	}

	if h.reservedMask()&^c.reservedBits != 0 {
		return Header{}, 0, &CodecError{Kind: ReservedBitSet}
	}

	lenCode := uint64(b1 & 0x7F)

	if h.OpCode.IsControl() {
		if !h.Fin {
			return Header{}, 0, &CodecError{Kind: FragmentedControl}
		}
		if lenCode == len16Code || lenCode == len64Code {
			return Header{}, 0, &CodecError{Kind: OversizedControl, Len: lenCode, Max: maxControlPayload}
		}
	}

	n := 2
	payloadLen := lenCode

	switch lenCode {
	case len16Code:
		if len(buf) < n+2 {
			return Header{}, 0, ErrNeedMore
		}
		payloadLen = uint64(binary.BigEndian.Uint16(buf[n:]))
		n += 2
	case len64Code:
		if len(buf) < n+8 {
			return Header{}, 0, ErrNeedMore
		}
		payloadLen = binary.BigEndian.Uint64(buf[n:])
		n += 8
		if payloadLen&(1<<63) != 0 {
			return Header{}, 0, &CodecError{Kind: InvalidLengthEncoding}
		}
	}

	if h.OpCode.IsControl() && payloadLen > maxControlPayload {
		return Header{}, 0, &CodecError{Kind: OversizedControl, Len: payloadLen, Max: maxControlPayload}
	}

	maxLen := c.MaxPayloadLen
	if maxLen == 0 {
		maxLen = DefaultMaxPayloadLen
	}
	if payloadLen > maxLen {
		return Header{}, 0, &CodecError{Kind: OversizedPayload, Len: payloadLen, Max: maxLen}
	}
	h.PayloadLen = payloadLen

	if h.Masked {
		if len(buf) < n+4 {
			return Header{}, 0, ErrNeedMore
		}
		copy(h.Mask[:], buf[n:n+4])
		n += 4
	}

	return h, n, nil
}

// ApplyMask XORs data in place with mask, cycling mask every 4 bytes
// (RFC 6455 Section 5.3). Applying the same mask twice is the identity,
// so the same call masks and unmasks.
func (c *Codec) ApplyMask(mask [4]byte, data []byte) {
	for i := range data {
		data[i] ^= mask[i%4]
	}
}

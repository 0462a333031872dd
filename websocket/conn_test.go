package websocket

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// safeBuf is a concurrency-safe byte sink used to capture whatever a
// Connection under test writes back to its peer (auto-Pong, close-echo,
// masked sends) while a separate goroutine still feeds it frames.
type safeBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *safeBuf) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *safeBuf) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// writeRawFrame masks payload (if h.Masked) and writes a complete frame
// to w, standing in for the peer on the other end of the handshake.
func writeRawFrame(t *testing.T, w io.Writer, codec *Codec, h Header, payload []byte) {
	t.Helper()
	data := append([]byte(nil), payload...)
	if h.Masked {
		codec.ApplyMask(h.Mask, data)
	}
	h.PayloadLen = uint64(len(data))
	if _, err := w.Write(codec.EncodeHeader(h)); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
}

func clientMask() [4]byte { return [4]byte{0x12, 0x34, 0x56, 0x78} }

// newServerPipe returns a ModeServer Connection and the net.Conn
// standing in for its peer: writes to peer are this Connection's
// reads, and this Connection's writes (auto-Pong, close-echo) are
// readable from peer.
func newServerPipe() (*Connection, net.Conn) {
	serverSide, clientSide := net.Pipe()
	conn := NewConnection(serverSide, ModeServer, NewCodec(), nil, Config{})
	return conn, clientSide
}

func TestReceiveFragmentedMessage(t *testing.T) {
	conn, peer := newServerPipe()
	defer peer.Close()

	go func() {
		codec := NewCodec()
		writeRawFrame(t, peer, codec, Header{Fin: false, OpCode: OpText, Masked: true, Mask: clientMask()}, []byte("Hel"))
		writeRawFrame(t, peer, codec, Header{Fin: false, OpCode: OpContinuation, Masked: true, Mask: clientMask()}, []byte("lo "))
		writeRawFrame(t, peer, codec, Header{Fin: true, OpCode: OpContinuation, Masked: true, Mask: clientMask()}, []byte("World"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, isText, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !isText {
		t.Error("isText = false, want true")
	}
	if string(payload) != "Hello World" {
		t.Errorf("payload = %q, want %q", payload, "Hello World")
	}
}

func TestReceiveControlInterleavedWithFragments(t *testing.T) {
	conn, peer := newServerPipe()
	defer peer.Close()

	var captured safeBuf
	go io.Copy(&captured, peer)

	go func() {
		codec := NewCodec()
		writeRawFrame(t, peer, codec, Header{Fin: false, OpCode: OpText, Masked: true, Mask: clientMask()}, []byte("Hel"))
		writeRawFrame(t, peer, codec, Header{Fin: true, OpCode: OpPing, Masked: true, Mask: clientMask()}, []byte("hi"))
		writeRawFrame(t, peer, codec, Header{Fin: true, OpCode: OpContinuation, Masked: true, Mask: clientMask()}, []byte("lo"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, isText, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !isText {
		t.Error("isText = false, want true")
	}
	if string(payload) != "Hello" {
		t.Errorf("payload = %q, want %q", payload, "Hello")
	}

	time.Sleep(50 * time.Millisecond)
	codec := NewCodec()
	h, n, err := codec.DecodeHeader(captured.Bytes())
	if err != nil {
		t.Fatalf("decode captured pong header: %v", err)
	}
	if h.OpCode != OpPong {
		t.Errorf("captured control reply opcode = %v, want Pong", h.OpCode)
	}
	if got := string(captured.Bytes()[n : n+int(h.PayloadLen)]); got != "hi" {
		t.Errorf("pong payload = %q, want %q", got, "hi")
	}
}

func TestReceiveInvalidUTF8(t *testing.T) {
	conn, peer := newServerPipe()
	defer peer.Close()
	conn.validateUTF8 = true

	go func() {
		codec := NewCodec()
		writeRawFrame(t, peer, codec, Header{Fin: true, OpCode: OpText, Masked: true, Mask: clientMask()}, []byte{0xC0, 0xC1})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := conn.Receive(ctx)
	ce, ok := err.(*ConnectionError)
	if !ok || ce.Kind != ErrKindUTF8 {
		t.Fatalf("got %v, want ErrKindUTF8 ConnectionError", err)
	}
}

func TestReceiveInvalidUTF8ValidationOff(t *testing.T) {
	conn, peer := newServerPipe()
	defer peer.Close()

	go func() {
		codec := NewCodec()
		writeRawFrame(t, peer, codec, Header{Fin: true, OpCode: OpText, Masked: true, Mask: clientMask()}, []byte{0xC0, 0xC1})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, _, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(payload, []byte{0xC0, 0xC1}) {
		t.Errorf("payload = %v, want the raw invalid bytes", payload)
	}
}

func TestServerRejectsUnmaskedFrame(t *testing.T) {
	conn, peer := newServerPipe()
	defer peer.Close()

	go func() {
		codec := NewCodec()
		writeRawFrame(t, peer, codec, Header{Fin: true, OpCode: OpBinary, Masked: false}, []byte("hi"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := conn.Receive(ctx)
	ce, ok := err.(*ConnectionError)
	if !ok || ce.Kind != ErrKindCodec {
		t.Fatalf("got %v, want ErrKindCodec ConnectionError for unmasked server-received frame", err)
	}
}

func TestSizeCap(t *testing.T) {
	conn, peer := newServerPipe()
	defer peer.Close()
	conn.maxMessageSize = 1024

	go func() {
		codec := NewCodec()
		writeRawFrame(t, peer, codec, Header{Fin: true, OpCode: OpBinary, Masked: true, Mask: clientMask()}, make([]byte, 1025))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := conn.Receive(ctx)
	ce, ok := err.(*ConnectionError)
	if !ok || ce.Kind != ErrKindMessageTooLarge {
		t.Fatalf("got %v, want ErrKindMessageTooLarge", err)
	}
	if ce.Current != 1025 || ce.Maximum != 1024 {
		t.Errorf("got Current=%d Maximum=%d, want 1025/1024", ce.Current, ce.Maximum)
	}
}

func closePayload(code CloseCode) []byte {
	return []byte{byte(code >> 8), byte(code)}
}

func TestCloseEchoCodes(t *testing.T) {
	cases := []struct {
		name       string
		in         []byte
		wantLength uint64
	}{
		{"abnormal collapses to protocol error", closePayload(1006), 2},
		{"normal echoes verbatim", closePayload(1000), 2},
		{"empty payload echoes empty", nil, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, peer := newServerPipe()
			defer peer.Close()

			var captured safeBuf
			go io.Copy(&captured, peer)

			go func() {
				codec := NewCodec()
				writeRawFrame(t, peer, codec, Header{Fin: true, OpCode: OpClose, Masked: true, Mask: clientMask()}, tc.in)
			}()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			_, _, err := conn.Receive(ctx)
			if err != ErrClosed {
				t.Fatalf("Receive: got %v, want ErrClosed", err)
			}

			time.Sleep(50 * time.Millisecond)
			codec := NewCodec()
			h, _, err := codec.DecodeHeader(captured.Bytes())
			if err != nil {
				t.Fatalf("decode captured close echo: %v", err)
			}
			if h.OpCode != OpClose {
				t.Fatalf("echo opcode = %v, want Close", h.OpCode)
			}
			if h.PayloadLen != tc.wantLength {
				t.Errorf("echo payload len = %d, want %d", h.PayloadLen, tc.wantLength)
			}
		})
	}
}

func TestCloseEchoUsesProtocolErrorForUnacceptableCode(t *testing.T) {
	conn, peer := newServerPipe()
	defer peer.Close()

	var captured safeBuf
	go io.Copy(&captured, peer)

	go func() {
		codec := NewCodec()
		writeRawFrame(t, peer, codec, Header{Fin: true, OpCode: OpClose, Masked: true, Mask: clientMask()}, closePayload(1006))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Receive(ctx); err != ErrClosed {
		t.Fatalf("Receive: got %v, want ErrClosed", err)
	}

	time.Sleep(50 * time.Millisecond)
	codec := NewCodec()
	h, n, err := codec.DecodeHeader(captured.Bytes())
	if err != nil {
		t.Fatalf("decode captured close echo: %v", err)
	}
	payload := captured.Bytes()[n : n+int(h.PayloadLen)]
	gotCode := CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
	if gotCode != CloseProtocolError {
		t.Errorf("echoed code = %d, want %d (protocol error)", gotCode, CloseProtocolError)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, peer := newServerPipe()
	defer peer.Close()
	go io.Copy(io.Discard, peer)

	ctx := context.Background()
	if err := conn.Close(ctx); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := conn.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSendTextMasksAsClient(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	c := NewConnection(serverSide, ModeClient, NewCodec(), nil, Config{})

	var captured safeBuf
	go io.Copy(&captured, clientSide)

	if err := c.SendText(context.Background(), "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	codec := NewCodec()
	h, n, err := codec.DecodeHeader(captured.Bytes())
	if err != nil {
		t.Fatalf("decode sent header: %v", err)
	}
	if !h.Masked {
		t.Error("client-sent frame must be masked")
	}
	payload := append([]byte(nil), captured.Bytes()[n:n+int(h.PayloadLen)]...)
	codec.ApplyMask(h.Mask, payload)
	if string(payload) != "hi" {
		t.Errorf("unmasked payload = %q, want %q", payload, "hi")
	}
}

func TestSendBinaryDoesNotMaskAsServer(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	c := NewConnection(serverSide, ModeServer, NewCodec(), nil, Config{})

	var captured safeBuf
	go io.Copy(&captured, clientSide)

	if err := c.SendBinary(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	codec := NewCodec()
	h, n, err := codec.DecodeHeader(captured.Bytes())
	if err != nil {
		t.Fatalf("decode sent header: %v", err)
	}
	if h.Masked {
		t.Error("server-sent frame must not be masked")
	}
	if !bytes.Equal(captured.Bytes()[n:n+int(h.PayloadLen)], []byte{1, 2, 3}) {
		t.Errorf("payload = %v, want [1 2 3]", captured.Bytes()[n:])
	}
}

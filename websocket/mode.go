package websocket

// Mode distinguishes which side of the connection this process is
// playing, since RFC 6455 Section 5.3 assigns masking duties asymmetrically:
// clients must mask every outbound payload, servers must not, and a
// server must reject an unmasked incoming frame as a protocol error.
type Mode int

const (
	// ModeClient masks every outbound payload and expects unmasked
	// frames from the server.
	ModeClient Mode = iota
	// ModeServer never masks outbound payloads and rejects masked-off
	// incoming frames.
	ModeServer
)

func (m Mode) String() string {
	if m == ModeClient {
		return "client"
	}
	return "server"
}

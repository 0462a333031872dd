package handshake

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/twittner/soketto/websocket"
)

// Server parses the opening GET request and builds the response for
// the accepting side of a handshake.
type Server struct {
	// Product and Version name this server in the Server response
	// header, e.g. "soketto", "1.0".
	Product string
	Version string

	supportedProtocols  []string
	supportedExtensions []websocket.Extension
}

// NewServer returns a Server that will accept the given subprotocols
// and extensions when a client offers them.
func NewServer(product, version string, supportedProtocols []string, supportedExtensions []websocket.Extension) *Server {
	return &Server{
		Product:             product,
		Version:             version,
		supportedProtocols:  supportedProtocols,
		supportedExtensions: supportedExtensions,
	}
}

// ClientRequest is the parsed form of an incoming opening request.
type ClientRequest struct {
	Host              string
	Path              string
	Header            http.Header
	Key               string
	OfferedProtocols  []string
	enabledExtensions []websocket.Extension
}

// Extensions returns the subset of the Server's supported extensions
// the client offered and that successfully configured.
func (r ClientRequest) Extensions() []websocket.Extension {
	return r.enabledExtensions
}

// Accept is passed to EmitResponse to complete the handshake
// successfully.
type Accept struct {
	Key      string
	Protocol string
}

// Reject is passed to EmitResponse to refuse the upgrade.
type Reject struct {
	Code int
}

// ParseRequest parses an HTTP request already read off the transport.
func (s *Server) ParseRequest(raw []byte) (ClientRequest, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return ClientRequest{}, httpErr(err)
	}

	if req.Method != http.MethodGet {
		return ClientRequest{}, &Error{Kind: ErrInvalidRequestMethod}
	}
	if req.ProtoMajor != 1 || req.ProtoMinor != 1 {
		return ClientRequest{}, &Error{Kind: ErrUnsupportedHTTPVersion}
	}
	if req.Host == "" {
		return ClientRequest{}, headerNotFound("Host")
	}
	if !hasToken(req.Header.Get("Upgrade"), "websocket") {
		return ClientRequest{}, unexpectedHeader("Upgrade")
	}
	if !hasToken(req.Header.Get("Connection"), "upgrade") {
		return ClientRequest{}, unexpectedHeader("Connection")
	}
	if req.Header.Get("Sec-WebSocket-Version") != "13" {
		return ClientRequest{}, unexpectedHeader("Sec-WebSocket-Version")
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return ClientRequest{}, headerNotFound("Sec-WebSocket-Key")
	}

	cr := ClientRequest{
		Host:   req.Host,
		Path:   req.URL.Path,
		Header: req.Header,
		Key:    key,
	}

	for _, raw := range req.Header.Values("Sec-WebSocket-Extensions") {
		for _, offer := range parseExtensionHeader(raw) {
			ext := findExtension(s.supportedExtensions, offer.name)
			if ext == nil {
				continue // unsupported extensions offered by the client are silently dropped
			}
			if err := ext.Configure(offer.params); err != nil {
				continue
			}
			if ext.IsEnabled() {
				cr.enabledExtensions = append(cr.enabledExtensions, ext)
			}
		}
	}

	for _, raw := range req.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			cr.OfferedProtocols = append(cr.OfferedProtocols, p)
		}
	}

	return cr, nil
}

// EmitResponse renders response as wire bytes: either a 101 Switching
// Protocols with the negotiated headers, or a rejection status line.
func (s *Server) EmitResponse(response any) []byte {
	switch r := response.(type) {
	case Accept:
		return s.emitAccept(r)
	case Reject:
		return s.emitReject(r)
	default:
		return s.emitReject(Reject{Code: 500})
	}
}

func (s *Server) emitAccept(a Accept) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	fmt.Fprintf(&b, "Server: %s-%s\r\n", s.Product, s.Version)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Accept: %s\r\n", computeAccept(a.Key))
	if a.Protocol != "" {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", a.Protocol)
	}
	for _, ext := range s.supportedExtensions {
		if !ext.IsEnabled() {
			continue
		}
		fmt.Fprintf(&b, "Sec-WebSocket-Extensions: %s\r\n", renderExtensionLine(ext.Name(), ext.Params()))
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (s *Server) emitReject(r Reject) []byte {
	reason, ok := statusReason(r.Code)
	code := r.Code
	if !ok {
		code = 500
	}
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n\r\n", code, reason))
}

// NegotiateProtocol picks the first of the server's supported
// protocols that the client also offered, or "" if none intersect.
func (s *Server) NegotiateProtocol(offered []string) string {
	for _, p := range s.supportedProtocols {
		if contains(offered, p) {
			return p
		}
	}
	return ""
}

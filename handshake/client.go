package handshake

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/twittner/soketto/websocket"
)

// Client builds the opening GET request and parses the response for
// the connecting side of a handshake.
type Client struct {
	Host      string
	Resource  string
	Origin    string
	Protocols []string
	// ExtraHeaders are copied verbatim into the request, e.g. for
	// custom auth schemes a caller's gateway expects.
	ExtraHeaders http.Header

	extensions []websocket.Extension
	nonce      string
}

// NewClient returns a Client that will connect to host for resource
// (e.g. "/chat"), offering the given extensions.
func NewClient(host, resource string, extensions []websocket.Extension) *Client {
	return &Client{Host: host, Resource: resource, extensions: extensions}
}

// Accepted is produced by ParseResponse on a successful 101 response.
type Accepted struct {
	// Protocol is the subprotocol the server selected, or "" if none.
	Protocol string
}

// Redirect is produced by ParseResponse on a 3xx response.
type Redirect struct {
	StatusCode int
	Location   string
}

// Rejected is produced by ParseResponse on any other status. Header
// carries the full response header set so callers can inspect e.g.
// WWW-Authenticate without re-parsing the raw response.
type Rejected struct {
	Code   int
	Header http.Header
}

// BuildRequest renders the HTTP/1.1 GET upgrade request as wire bytes,
// generating a fresh nonce each call.
func (c *Client) BuildRequest() ([]byte, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, ioErr(err)
	}
	c.nonce = base64.StdEncoding.EncodeToString(nonceBytes)

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", c.Resource)
	fmt.Fprintf(&b, "Host: %s\r\n", c.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", c.nonce)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	if c.Origin != "" {
		fmt.Fprintf(&b, "Origin: %s\r\n", c.Origin)
	}
	if len(c.Protocols) > 0 {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", renderProtocolList(c.Protocols))
	}
	for _, ext := range c.extensions {
		fmt.Fprintf(&b, "Sec-WebSocket-Extensions: %s\r\n", renderExtensionLine(ext.Name(), ext.Params()))
	}
	for name, values := range c.ExtraHeaders {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String()), nil
}

// ParseResponse parses an HTTP response already read off the
// transport. On a 101 it configures and enables this Client's
// extensions against what the server agreed to and returns Accepted;
// the resulting extensions should be collected with Extensions() and
// handed to websocket.NewConnection.
func (c *Client) ParseResponse(raw []byte) (any, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return nil, httpErr(err)
	}
	defer resp.Body.Close()

	if resp.ProtoMajor != 1 || resp.ProtoMinor != 1 {
		return nil, &Error{Kind: ErrUnsupportedHTTPVersion}
	}

	switch {
	case resp.StatusCode == 101:
		return c.parseAccepted(resp)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return Redirect{StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}, nil
	default:
		return Rejected{Code: resp.StatusCode, Header: resp.Header}, nil
	}
}

func (c *Client) parseAccepted(resp *http.Response) (Accepted, error) {
	if !hasToken(resp.Header.Get("Upgrade"), "websocket") {
		return Accepted{}, unexpectedHeader("Upgrade")
	}
	if !hasToken(resp.Header.Get("Connection"), "upgrade") {
		return Accepted{}, unexpectedHeader("Connection")
	}

	accept := resp.Header.Get("Sec-WebSocket-Accept")
	if accept == "" {
		return Accepted{}, headerNotFound("Sec-WebSocket-Accept")
	}
	if accept != computeAccept(c.nonce) {
		return Accepted{}, &Error{Kind: ErrInvalidSecWebSocketAccept}
	}

	for _, raw := range resp.Header.Values("Sec-WebSocket-Extensions") {
		for _, offer := range parseExtensionHeader(raw) {
			ext := findExtension(c.extensions, offer.name)
			if ext == nil {
				return Accepted{}, unsolicitedExtension(offer.name)
			}
			if err := ext.Configure(offer.params); err != nil {
				return Accepted{}, extensionErr(err)
			}
		}
	}

	protocol := resp.Header.Get("Sec-WebSocket-Protocol")
	if protocol != "" && !contains(c.Protocols, protocol) {
		return Accepted{}, unsolicitedProtocol(protocol)
	}

	return Accepted{Protocol: protocol}, nil
}

// Extensions returns the extensions this Client was constructed with,
// each left in whatever enabled/configured state ParseResponse put it
// in. Ownership passes to the caller, who typically hands this slice
// straight to websocket.NewConnection.
func (c *Client) Extensions() []websocket.Extension {
	return c.extensions
}

func findExtension(exts []websocket.Extension, name string) websocket.Extension {
	for _, e := range exts {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

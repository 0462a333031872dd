package handshake

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/twittner/soketto/websocket"
)

// magicGUID is appended to the client's nonce before hashing to produce
// Sec-WebSocket-Accept (RFC 6455 Section 1.3).
const magicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// computeAccept renders the Sec-WebSocket-Accept value for a given
// Sec-WebSocket-Key value.
func computeAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(magicGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// hasToken reports whether header, a comma-separated list of tokens,
// contains token under a case-insensitive comparison (RFC 6455 Section
// 4.2.1 matching rules for Upgrade/Connection/Sec-WebSocket-Version).
func hasToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// parseExtensionHeader splits a Sec-WebSocket-Extensions header value
// into its comma-separated offers, each itself a semicolon-separated
// "name; k[=v]*" sequence with optionally quoted values.
func parseExtensionHeader(value string) []extensionOffer {
	var offers []extensionOffer
	for _, chunk := range strings.Split(value, ",") {
		fields := strings.Split(chunk, ";")
		if len(fields) == 0 {
			continue
		}
		name := strings.TrimSpace(fields[0])
		if name == "" {
			continue
		}
		offer := extensionOffer{name: name}
		for _, field := range fields[1:] {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			if eq := strings.IndexByte(field, '='); eq >= 0 {
				k := strings.TrimSpace(field[:eq])
				v := strings.TrimSpace(field[eq+1:])
				v = strings.Trim(v, `"`)
				offer.params = append(offer.params, websocket.Param{Key: k, Value: &v})
			} else {
				offer.params = append(offer.params, websocket.Param{Key: field})
			}
		}
		offers = append(offers, offer)
	}
	return offers
}

type extensionOffer struct {
	name   string
	params []websocket.Param
}

// renderExtensionLine renders one extension's agreed name and
// parameters into the "name; k=v; k2" form used on both the offering
// and the accepting side of the Sec-WebSocket-Extensions header.
func renderExtensionLine(name string, params []websocket.Param) string {
	var b strings.Builder
	b.WriteString(name)
	for _, p := range params {
		b.WriteString("; ")
		b.WriteString(p.Key)
		if p.Value != nil {
			b.WriteByte('=')
			b.WriteString(*p.Value)
		}
	}
	return b.String()
}

// renderProtocolList renders a comma-separated Sec-WebSocket-Protocol
// offer list.
func renderProtocolList(protocols []string) string {
	return strings.Join(protocols, ", ")
}

// contains reports whether s is present in list under exact comparison.
func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// statusReason renders the reason phrase for a rejection status code,
// falling back to 500 Internal Server Error for anything it doesn't
// recognize. ok is false when that fallback happened.
func statusReason(code int) (reason string, ok bool) {
	switch code {
	case 400:
		return "Bad Request", true
	case 403:
		return "Forbidden", true
	case 404:
		return "Not Found", true
	case 426:
		return "Upgrade Required", true
	case 500:
		return "Internal Server Error", true
	default:
		return "Internal Server Error", false
	}
}

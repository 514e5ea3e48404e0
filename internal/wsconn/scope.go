package wsconn

import (
	"net/http"
	"slices"
)

// Scope types.
const (
	ScopeWebSocket = "websocket"
	ScopeHTTP      = "http"
)

// Scope describes the request a connection was created from.
// It is read-only once the Conn exists.
type Scope struct {
	Type         string
	Path         string
	RemoteAddr   string
	Header       http.Header
	Subprotocols []string // offered by the peer, in order
}

// Offers reports whether the peer offered the named subprotocol.
func (s Scope) Offers(subprotocol string) bool {
	return slices.Contains(s.Subprotocols, subprotocol)
}

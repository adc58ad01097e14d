package ws

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const subprotocolChat = "chat"
const subprotocolTokenPrefix = "token:"

// extractToken pulls the client credential from the request, trying
// transports in priority order: Authorization header, subprotocol
// token pair, query parameter, cookie. fromSubprotocol reports whether
// the winning token arrived via the subprotocol list, which changes
// how a mismatch is refused.
func extractToken(r *http.Request) (token string, fromSubprotocol bool) {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			if t = strings.TrimSpace(t); t != "" {
				return t, false
			}
		}
	}
	for _, proto := range websocketProtocols(r) {
		if t, ok := strings.CutPrefix(proto, subprotocolTokenPrefix); ok {
			if t = strings.TrimSpace(t); t != "" {
				return t, true
			}
		}
	}
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t, false
	}
	if c, err := r.Cookie("token"); err == nil {
		if t := strings.TrimSpace(c.Value); t != "" {
			return t, false
		}
	}
	return "", false
}

// websocketProtocols returns the offered subprotocols, split and
// trimmed.
func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, header := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(header, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// offersChatSubprotocol reports whether the client asked for the
// "chat" subprotocol, which must then be echoed on upgrade.
func offersChatSubprotocol(r *http.Request) bool {
	for _, p := range websocketProtocols(r) {
		if p == subprotocolChat {
			return true
		}
	}
	return false
}

func tokenMatches(token, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

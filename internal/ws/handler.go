package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/thingenious/eva-backend/internal/platform/logger"
)

// Handler upgrades /ws requests into chat sessions.
//
// A missing or wrong credential is refused before the upgrade with a
// plain 403, except when the token arrived via the subprotocol list:
// browsers cannot read the body of a failed upgrade, so that path
// completes the handshake and then closes with 1008.
func Handler(cfg Config, store Store, runner TurnRunner, hub *Hub, log *logger.Logger) gin.HandlerFunc {
	cfg = cfg.withDefaults()
	log = log.With("service", "ws")

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.TrustedOrigins),
	}

	return func(c *gin.Context) {
		token, fromSubprotocol := extractToken(c.Request)
		valid := token != "" && tokenMatches(token, cfg.ChatAPIKey)

		if !valid && !fromSubprotocol {
			c.String(http.StatusForbidden, "Invalid or missing API key")
			return
		}

		var respHeader http.Header
		if offersChatSubprotocol(c.Request) {
			respHeader = http.Header{"Sec-Websocket-Protocol": []string{subprotocolChat}}
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
		if err != nil {
			log.Debug("upgrade failed", "error", err.Error())
			return
		}

		if !valid {
			closeWith(conn, cfg, websocket.ClosePolicyViolation, "Invalid or missing API key")
			return
		}

		sess := newSession(conn, cfg, store, runner, log)
		if !hub.add(sess) {
			closeWith(conn, cfg, websocket.CloseGoingAway, "server shutting down")
			return
		}
		go func() {
			sess.run()
			hub.remove(sess)
		}()
	}
}

func closeWith(conn *websocket.Conn, cfg Config, code int, reason string) {
	deadline := time.Now().Add(cfg.WriteWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}

// originChecker allows requests with no Origin header (non-browser
// clients), any origin when the list contains "*", and otherwise only
// the configured origins.
func originChecker(trusted []string) func(*http.Request) bool {
	allowAll := false
	allowed := make(map[string]struct{}, len(trusted))
	for _, o := range trusted {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

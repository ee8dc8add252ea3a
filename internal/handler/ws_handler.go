package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"spachat/internal/app/chat"
	"spachat/internal/pkg/errs"
	"spachat/internal/pkg/limiter"
	"spachat/internal/pkg/logx"
	"spachat/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc that upgrades the request and attaches the
// connection to the relay. Identity is claimed over the socket, not in the URL.
func HandleWebSocket(relay *chat.Relay, upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rateLimiter.Allow(r.RemoteAddr) {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "remote_ip", logx.AnonymizeIP(r.RemoteAddr))
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		select {
		case <-relay.Done():
			resp.RespondError(w, r, errs.NewError(errs.ErrRelayUnavailable))
			return
		default:
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		client := chat.NewClient(relay, conn)
		logx.Debug("WebSocket connection established", "conn_id", client.ID())

		if err := client.Serve(); err != nil {
			logx.Warn("WebSocket connection dropped: relay unavailable.", "conn_id", client.ID())
		}
	}
}

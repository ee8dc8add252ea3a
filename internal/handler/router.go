/*
Package handler provides the HTTP handlers and routing setup for the chat relay server.

This file defines the main Router, applying middleware like logging, CORS and IP-based
rate limiting before delegating requests to the REST and WebSocket handlers.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"spachat/internal/pkg/limiter"
	"spachat/internal/pkg/logx"
	"spachat/internal/pkg/resp"
)

const (
	// PresignRate and PresignBurst bound avatar URL signing per client IP.
	PresignRate  = 0.5
	PresignBurst = 5
)

// Router sets up the main HTTP routing table (chi.Router) for the application.
func Router(deps *AppDeps) http.Handler {
	wsLimiter := limiter.NewIPRateLimiter(rate.Limit(deps.Config.WSConnectRate), deps.Config.WSConnectBurst)
	presignLimiter := limiter.NewIPRateLimiter(rate.Limit(PresignRate), PresignBurst)

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.IsDevelopment() {
				return true
			}

			origin := r.Header.Get("Origin")
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		data := map[string]string{
			"status":  "ok",
			"service": "spachat relay",
		}
		resp.RespondSuccess(w, r, data)
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/roster", HandleRoster(deps.Relay))

		api.Route("/avatar", func(avatar chi.Router) {
			avatar.Use(presignLimiter.Middleware)
			avatar.Post("/presign-upload", HandlePresignAvatarUpload(deps.Avatars))
			avatar.Get("/presign-download", HandlePresignAvatarDownload(deps.Avatars))
		})
	})

	r.Get("/ws", HandleWebSocket(deps.Relay, wsUpgrader, wsLimiter))

	return r
}

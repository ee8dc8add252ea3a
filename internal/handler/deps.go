package handler

import (
	"github.com/prometheus/client_golang/prometheus"

	"spachat/internal/app/chat"
	"spachat/internal/app/storage"
	"spachat/internal/configs"
)

// AppDeps bundles what the HTTP layer needs from the rest of the application.
type AppDeps struct {
	Relay  *chat.Relay
	Config *configs.AppConfig

	// Avatars is nil when object storage is not configured.
	Avatars storage.AvatarStore

	// Metrics is exposed on /metrics; nil disables the endpoint.
	Metrics prometheus.Gatherer
}

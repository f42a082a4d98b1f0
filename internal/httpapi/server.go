// Package httpapi serves the admin surface: live session progress over SSE
// and WebSocket, stored sessions, health and Prometheus metrics.
package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/health"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/streaming"
)

// AdminOptions selects the handlers mounted on the admin mux. Nil fields
// leave their routes out.
type AdminOptions struct {
	Streams  *streaming.Manager
	Sessions SessionReader
	Health   *health.Manager
	Metrics  bool
}

// NewAdminMux builds the admin HTTP handler.
func NewAdminMux(opts AdminOptions, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	if opts.Streams != nil {
		NewStreamingHandler(opts.Streams, logger).RegisterRoutes(mux)
	}
	if opts.Sessions != nil {
		NewSessionsHandler(opts.Sessions, logger).RegisterRoutes(mux)
	}
	if opts.Health != nil {
		health.NewHTTPHandler(opts.Health, logger).RegisterRoutes(mux)
	}
	if opts.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return mux
}

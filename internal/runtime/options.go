package runtime

import (
	"io"
	"log/slog"
	"net"

	"github.com/tjfontaine/llm-meter-gateway/internal/config"
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithWatcher enables hot reload from the watcher's file.
func WithWatcher(w *config.Watcher) Option {
	return func(g *Gateway) {
		g.watcher = w
	}
}

// WithListener serves on l instead of listening on the configured port.
func WithListener(l net.Listener) Option {
	return func(g *Gateway) {
		g.listener = l
	}
}

// WithTraceWriter sends exported spans to w instead of pretty-printed stdout.
func WithTraceWriter(w io.Writer) Option {
	return func(g *Gateway) {
		g.traceWriter = w
	}
}

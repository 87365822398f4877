// internal/api/api.go
// Provides StartServer: wires config, NATS, the hub and the HTTP endpoints
// together and runs them until the context is cancelled.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/erilali/chatserver/internal/hub"
	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/util"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

const (
	shutdownTimeout   = 5 * time.Second
	natsConnectWait   = 2 * time.Second
	readHeaderTimeout = 10 * time.Second
	version           = "1.0.0"
)

// StartServer runs the chat server described by cfg and blocks until ctx is
// cancelled or the TCP listener cannot be opened.
func StartServer(ctx context.Context, cfg util.Config, serverLogger *logger.Logger) error {
	nc := connectNATS(cfg, serverLogger)
	if nc != nil {
		defer nc.Close()
	}

	h := hub.NewHub(HubOptions(cfg, hub.NewNATSPublisher(nc, cfg.NATSSubject, serverLogger.WithField("part", "events"))), serverLogger)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	serverLogger.Infof("Chat server listening on %s", ln.Addr())

	served := make(chan error, 1)
	go func() { served <- h.Serve(ctx, ln) }()

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           NewMux(h, nc),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			serverLogger.Infof("HTTP server started at %s", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverLogger.Errorf("ListenAndServe: %v", err)
			}
		}()
	}

	<-ctx.Done()
	serverLogger.Info("Shutting down server")

	if err := <-served; err != nil {
		serverLogger.Errorf("Accept loop ended with error: %v", err)
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			serverLogger.Warnf("HTTP server shutdown: %v", err)
		}
	}
	if err := h.Shutdown(shutdownTimeout); err != nil {
		return fmt.Errorf("hub shutdown: %w", err)
	}
	serverLogger.Info("Server stopped")
	return nil
}

// HubOptions translates the file/env configuration into hub options.
func HubOptions(cfg util.Config, events hub.EventPublisher) hub.Options {
	return hub.Options{
		MaxClients:        cfg.MaxClients,
		MaxUsernameLength: cfg.MaxUsernameLength,
		MaxFrameSize:      cfg.MaxMessageSize,
		SendBuffer:        cfg.SendBuffer,
		WriteTimeout:      cfg.WriteTimeout(),
		RateLimit:         rate.Limit(cfg.RateLimit.PerSecond),
		RateBurst:         cfg.RateLimit.Burst,
		Events:            events,
	}
}

// connectNATS returns nil when no URL is configured or the server is
// unreachable; the chat works without the event feed.
func connectNATS(cfg util.Config, serverLogger *logger.Logger) *nats.Conn {
	if cfg.NATSURL == "" {
		serverLogger.Info("NATS_URL not set, chat events will not be published")
		return nil
	}

	serverLogger.Infof("Connecting to NATS at %s", cfg.NATSURL)
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("chatserver"),
		nats.Timeout(natsConnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				serverLogger.Warnf("Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			serverLogger.Infof("Reconnected to NATS at %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		serverLogger.Errorf("Error connecting to NATS: %v", err)
		serverLogger.Warn("Running without NATS connection. Chat events will not be published.")
		return nil
	}
	serverLogger.Info("Successfully connected to NATS")
	return nc
}

// NewMux serves the WebSocket endpoint and a health report. nc may be nil.
func NewMux(h *hub.Hub, nc *nats.Conn) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWs)
	mux.HandleFunc("/health", healthHandler(h, nc))
	return mux
}

// Health is the body of GET /health.
type Health struct {
	Status  string   `json:"status"`
	NATS    string   `json:"nats"`
	Version string   `json:"version"`
	Clients int      `json:"clients"`
	Users   []string `json:"users"`
}

func healthHandler(h *hub.Hub, nc *nats.Conn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		natsStatus := "disconnected"
		if nc != nil && nc.Status() == nats.CONNECTED {
			natsStatus = "connected"
		}
		users := h.Users()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Health{
			Status:  "ok",
			NATS:    natsStatus,
			Version: version,
			Clients: len(users),
			Users:   users,
		})
	}
}

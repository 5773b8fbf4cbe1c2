// ABOUTME: HTTP routes for the relay: websocket endpoints, health checks and diagnostics.
// ABOUTME: Websocket upgrades resolve the participant identity before handing off to the router.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/2389/support-relay/internal/auth"
	"github.com/2389/support-relay/internal/registry"
	"github.com/2389/support-relay/internal/relay"
)

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	mux.HandleFunc("/ws/client", g.handleWebsocket(registry.RoleClient))
	mux.HandleFunc("/ws/operator", g.handleWebsocket(registry.RoleOperator))

	mux.Handle("/api/participants", auth.RequireRole(g.resolver, string(registry.RoleOperator))(http.HandlerFunc(g.handleParticipants)))

	return mux
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the broker bridge is consuming.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.bridge.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("broker not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d clients, %d operators)",
		g.registry.Count(registry.RoleClient), g.registry.Count(registry.RoleOperator))
}

// handleParticipants handles GET /api/participants.
func (g *Gateway) handleParticipants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if id := auth.FromContext(r.Context()); id != nil {
		g.logger.Debug("participants requested", "operator", id.ID)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.router.Snapshot())
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) upgrader() *websocket.Upgrader {
	allowed := g.config.Server.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || lo.Contains(allowed, strings.TrimSuffix(origin, "/"))
		},
	}
}

// handleWebsocket resolves the caller for role, upgrades the connection and
// runs it through the router until it closes.
func (g *Gateway) handleWebsocket(role registry.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := g.resolver.Resolve(r, string(role))
		if err != nil {
			g.logger.Info("websocket connect rejected", "role", role, "remote", r.RemoteAddr, "error", err)
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrRoleMismatch) {
				status = http.StatusForbidden
			}
			g.sendJSONError(w, status, "unauthenticated")
			return
		}

		ws, err := g.upgrader().Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			g.logger.Warn("websocket upgrade failed", "role", role, "identity", id.ID, "error", err)
			return
		}

		conn := newWSConn(ws, g.logger)
		stop := context.AfterFunc(g.connCtx, func() { _ = conn.Close() })
		defer stop()

		opts := relay.ServeOptions{}
		if role == registry.RoleOperator {
			opts.Client = strings.TrimSpace(r.URL.Query().Get("client"))
		}

		who := relay.Participant{ID: id.ID, Username: id.Username, IP: id.IP, UserAgent: id.UserAgent}
		if err := g.router.Serve(r.Context(), role, who, conn, opts); err != nil {
			g.logger.Warn("connection not attached", "role", role, "identity", id.ID, "error", err)
		}
	}
}

// Package main is the entry point of the application
package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tecu23/live-server/internal/auth"
	"github.com/tecu23/live-server/pkg/server"
)

// handleWebSocket binds an authenticated player identity to a websocket.
// The token travels in the Authorization header or, for browser clients
// that cannot set headers on the handshake, in the token query parameter.
func (app *application) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw := auth.TokenFromRequest(r)
	if raw == "" {
		http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
		return
	}

	userID, err := app.Tokens.Verify(raw)
	if err != nil {
		app.Logger.Warn("Websocket token rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}

	// Upgrade HTTP connection to WebSocket
	ws, err := app.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.Logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	// Create and register connection, then start its read/write pumps
	conn := server.NewConnection(ws, app.Hub, userID, app.Logger)
	conn.Start()

	app.Logger.Info("WebSocket connection established",
		zap.String("user_id", userID),
		zap.String("remote_addr", r.RemoteAddr))
}

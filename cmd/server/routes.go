// Package main is the entry point of the application
package main

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (app *application) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", app.handleHealth).Methods(http.MethodGet)

	// Players connect here with a token; everything under /api is for
	// trusted backends holding a service key.
	r.HandleFunc("/ws", app.handleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(app.requireAPIKey)
	api.HandleFunc("/games", app.handleCreateGame).Methods(http.MethodPost)
	api.HandleFunc("/games/{id}", app.handleGetGame).Methods(http.MethodGet)
	api.HandleFunc("/games/{id}/pgn", app.handleGetPGN).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/games", app.handleListUserGames).Methods(http.MethodGet)
	api.HandleFunc("/tokens", app.handleIssueToken).Methods(http.MethodPost)

	return r
}

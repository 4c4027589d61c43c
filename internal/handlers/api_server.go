// internal/handlers/api_server.go
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jason-s-yu/trivia/internal/middleware"
	"github.com/sirupsen/logrus"
)

// NewRouter mounts the websocket endpoint, the lobby list and the heartbeat.
func NewRouter(logger logrus.FieldLogger, hub Hub, verifier TokenVerifier, cfg WSConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.LogMiddleware(logger))
	r.Use(chimw.Heartbeat("/ping"))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Get("/lobbies", ListLobbiesHandler(logger, hub))
	r.Get("/ws", LobbyWSHandler(logger, hub, verifier, cfg))
	return r
}

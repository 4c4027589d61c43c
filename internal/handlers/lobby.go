// internal/handlers/lobby.go
package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

// ListLobbiesHandler serves the public lobby list, the same payload as a
// lobbyListUpdate frame.
func ListLobbiesHandler(logger logrus.FieldLogger, hub Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := hub.Lobbies(r.Context())
		if err != nil {
			logger.WithError(err).Error("failed to list lobbies")
			http.Error(w, "lobby list unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// Package presence maps live connections to the lobby member they speak for and
// turns lost connections into leaves once a grace period passes.
package presence

import (
	"time"

	"github.com/jason-s-yu/trivia/internal/models"
	"github.com/jason-s-yu/trivia/internal/timer"
	"github.com/sirupsen/logrus"
)

// Binding ties one connection to a lobby member.
type Binding struct {
	ConnID  string
	LobbyID string
	Player  models.Player
	// Token is the credential presented on the handshake, if any. The finalizer
	// forwards the owner's token to the persistence service.
	Token string
}

// RemoveFunc takes a player out of a lobby when their grace period runs out.
type RemoveFunc func(lobbyID, userID string)

// Tracker is owned by the coordinator loop and is not safe for concurrent use.
type Tracker struct {
	bindings map[string]Binding // conn id -> binding
	graceFor map[string]string  // user id -> lobby id with a pending grace timer
	timers   *timer.Service
	grace    time.Duration
	remove   RemoveFunc
	log      logrus.FieldLogger
}

func NewTracker(timers *timer.Service, grace time.Duration, remove RemoveFunc, logger logrus.FieldLogger) *Tracker {
	return &Tracker{
		bindings: make(map[string]Binding),
		graceFor: make(map[string]string),
		timers:   timers,
		grace:    grace,
		remove:   remove,
		log:      logger,
	}
}

// Bind records b, replacing whatever the connection was bound to before, and
// cancels any grace timer pending for the user. The previous binding is returned.
func (t *Tracker) Bind(b Binding) (Binding, bool) {
	prev, had := t.bindings[b.ConnID]
	t.bindings[b.ConnID] = b

	if t.cancelGrace(b.Player.UserID) {
		t.log.WithFields(logrus.Fields{
			"conn_id":  b.ConnID,
			"lobby_id": b.LobbyID,
			"user_id":  b.Player.UserID,
		}).Info("user reconnected within grace period")
	}
	return prev, had
}

// Unbind forgets the connection's binding without arming a grace timer. Used for
// explicit leaves.
func (t *Tracker) Unbind(connID string) (Binding, bool) {
	b, ok := t.bindings[connID]
	if ok {
		delete(t.bindings, connID)
	}
	return b, ok
}

// OnDisconnect forgets the connection's binding and, unless the same user is still
// connected to that lobby elsewhere, arms the grace timer.
func (t *Tracker) OnDisconnect(connID string) (Binding, bool) {
	b, ok := t.Unbind(connID)
	if !ok {
		return b, false
	}
	if len(t.Connections(b.LobbyID, b.Player.UserID)) > 0 {
		return b, true
	}

	userID, lobbyID := b.Player.UserID, b.LobbyID
	t.graceFor[userID] = lobbyID
	t.timers.Schedule(timer.GraceKey(userID), t.grace, func() {
		delete(t.graceFor, userID)
		t.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "user_id": userID}).Info("grace period expired; removing player")
		t.remove(lobbyID, userID)
	})
	t.log.WithFields(logrus.Fields{
		"conn_id":  connID,
		"lobby_id": lobbyID,
		"user_id":  userID,
	}).Debug("grace timer armed")
	return b, true
}

// Lookup returns the binding for connID.
func (t *Tracker) Lookup(connID string) (Binding, bool) {
	b, ok := t.bindings[connID]
	return b, ok
}

// Connections returns the ids of connections bound to userID in lobbyID.
func (t *Tracker) Connections(lobbyID, userID string) []string {
	var out []string
	for id, b := range t.bindings {
		if b.LobbyID == lobbyID && b.Player.UserID == userID {
			out = append(out, id)
		}
	}
	return out
}

// Token returns a credential presented by userID on any connection bound to lobbyID.
func (t *Tracker) Token(lobbyID, userID string) string {
	for _, b := range t.bindings {
		if b.LobbyID == lobbyID && b.Player.UserID == userID && b.Token != "" {
			return b.Token
		}
	}
	return ""
}

// GracePending reports whether userID is inside a grace period.
func (t *Tracker) GracePending(userID string) bool {
	return t.timers.Pending(timer.GraceKey(userID))
}

// DropLobby forgets every binding and grace timer that points at lobbyID.
func (t *Tracker) DropLobby(lobbyID string) {
	for id, b := range t.bindings {
		if b.LobbyID == lobbyID {
			delete(t.bindings, id)
		}
	}
	for userID, l := range t.graceFor {
		if l == lobbyID {
			t.cancelGrace(userID)
		}
	}
}

// Len returns the number of live bindings.
func (t *Tracker) Len() int {
	return len(t.bindings)
}

func (t *Tracker) cancelGrace(userID string) bool {
	delete(t.graceFor, userID)
	return t.timers.Cancel(timer.GraceKey(userID))
}

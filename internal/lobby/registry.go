// internal/lobby/registry.go
package lobby

import (
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trivia/internal/models"
	"github.com/jason-s-yu/trivia/internal/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingLobby  = errors.New("lobby id is required")
	ErrMissingPlayer = errors.New("user id and username are required")
)

// Broadcaster fans registry events out to connections.
type Broadcaster interface {
	ToLobby(lobbyID string, ev protocol.Event)
	ToAll(ev protocol.Event)
}

// RemoveResult describes what RemovePlayer did.
type RemoveResult int

const (
	NotRemoved RemoveResult = iota
	PlayerRemoved
	LobbyDisbanded
)

// Registry owns every in-memory lobby. It is not safe for concurrent use; the
// coordinator loop is its only caller.
type Registry struct {
	lobbies map[string]*models.Lobby
	bc      Broadcaster
	clock   clockwork.Clock
	log     logrus.FieldLogger

	// OnDelete runs after a lobby is removed from the map, whatever the reason.
	OnDelete func(l *models.Lobby)
	// OnPlayerRemoved runs after a non-owner leaves a lobby that still exists.
	OnPlayerRemoved func(l *models.Lobby, userID string)
}

// NewRegistry returns an empty Registry.
func NewRegistry(bc Broadcaster, clock clockwork.Clock, logger logrus.FieldLogger) *Registry {
	return &Registry{
		lobbies: make(map[string]*models.Lobby),
		bc:      bc,
		clock:   clock,
		log:     logger,
	}
}

// Get returns the lobby for id.
func (r *Registry) Get(id string) (*models.Lobby, bool) {
	l, ok := r.lobbies[id]
	if ok {
		r.heal(l)
	}
	return l, ok
}

// Len returns the number of live lobbies, started or not.
func (r *Registry) Len() int {
	return len(r.lobbies)
}

// CreateOrJoin adds p to lobby id, creating the lobby with p as owner if it does not
// exist. Joining twice is a no-op apart from the broadcasts.
func (r *Registry) CreateOrJoin(id string, p models.Player) (models.LobbySnapshot, error) {
	if id == "" {
		return models.LobbySnapshot{}, ErrMissingLobby
	}
	if p.UserID == "" || p.Username == "" {
		return models.LobbySnapshot{}, ErrMissingPlayer
	}

	l, ok := r.lobbies[id]
	switch {
	case !ok:
		l = &models.Lobby{
			ID:        id,
			Owner:     p,
			Players:   []models.Player{p},
			CreatedAt: r.clock.Now(),
		}
		r.lobbies[id] = l
		r.log.WithFields(logrus.Fields{"lobby_id": id, "user_id": p.UserID}).Info("lobby created")
	case l.IsOwner(p.UserID):
		l.Owner = p
		if l.AddPlayer(p) {
			r.log.WithFields(logrus.Fields{"lobby_id": id, "user_id": p.UserID}).Info("owner rejoined lobby")
		}
	default:
		if l.AddPlayer(p) {
			r.log.WithFields(logrus.Fields{"lobby_id": id, "user_id": p.UserID}).Info("player joined lobby")
		}
	}
	r.heal(l)

	snap := l.Snapshot(r.clock.Now())
	r.bc.ToLobby(id, protocol.LobbyUpdate(snap))
	r.BroadcastList()
	return snap, nil
}

// Create is CreateOrJoin with a generated id when id is empty.
func (r *Registry) Create(id string, p models.Player) (models.LobbySnapshot, error) {
	if id == "" {
		id = uuid.NewString()
	}
	return r.CreateOrJoin(id, p)
}

// RemovePlayer takes userID out of lobby id. When the owner leaves the lobby is
// disbanded instead.
func (r *Registry) RemovePlayer(id, userID string) RemoveResult {
	l, ok := r.lobbies[id]
	if !ok {
		r.log.WithField("lobby_id", id).Debug("remove player: unknown lobby")
		return NotRemoved
	}
	if l.IsOwner(userID) {
		r.Disband(id)
		return LobbyDisbanded
	}
	if !l.RemovePlayer(userID) {
		return NotRemoved
	}
	r.log.WithFields(logrus.Fields{"lobby_id": id, "user_id": userID}).Info("player left lobby")
	r.heal(l)

	r.bc.ToLobby(id, protocol.LobbyUpdate(l.Snapshot(r.clock.Now())))
	r.BroadcastList()
	if r.OnPlayerRemoved != nil {
		r.OnPlayerRemoved(l, userID)
	}
	return PlayerRemoved
}

// Disband notifies every member that lobby id is closed and deletes it.
func (r *Registry) Disband(id string) bool {
	l, ok := r.lobbies[id]
	if !ok {
		return false
	}
	r.bc.ToLobby(id, protocol.LobbyClosed(id))
	r.delete(l)
	r.log.WithField("lobby_id", id).Info("lobby disbanded")
	r.BroadcastList()
	return true
}

// List returns the lobbies open to new joiners, oldest first.
func (r *Registry) List() []models.LobbySnapshot {
	open := make([]*models.Lobby, 0, len(r.lobbies))
	for _, l := range r.lobbies {
		if l.GameStarted {
			continue
		}
		r.heal(l)
		open = append(open, l)
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].ID < open[j].ID
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})

	now := r.clock.Now()
	out := make([]models.LobbySnapshot, 0, len(open))
	for _, l := range open {
		out = append(out, l.Snapshot(now))
	}
	return out
}

// BroadcastList sends the public lobby list to every connection.
func (r *Registry) BroadcastList() {
	r.bc.ToAll(protocol.LobbyListUpdate(r.List()))
}

// Sweep deletes lobbies nobody is in and returns how many went.
func (r *Registry) Sweep() int {
	removed := 0
	for _, l := range r.lobbies {
		if len(l.Players) > 0 {
			continue
		}
		r.delete(l)
		removed++
		r.log.WithField("lobby_id", l.ID).Info("swept empty lobby")
	}
	if removed > 0 {
		r.BroadcastList()
	}
	return removed
}

func (r *Registry) delete(l *models.Lobby) {
	delete(r.lobbies, l.ID)
	if r.OnDelete != nil {
		r.OnDelete(l)
	}
}

func (r *Registry) heal(l *models.Lobby) {
	if l.HealOwner() {
		r.log.WithFields(logrus.Fields{"lobby_id": l.ID, "user_id": l.Owner.UserID}).Warn("lobby had no owner; promoted first player")
	}
}

// internal/models/lobby.go
package models

import "time"

// FinalizeState tracks the one-time durable recording of a completed session.
type FinalizeState int

const (
	FinalizeNone FinalizeState = iota
	FinalizePending
	FinalizeDone
	FinalizeFailed
)

// Lobby is the in-memory aggregate for one group of players and the game they run.
// Only the lobby registry creates, deletes or changes membership of a Lobby.
type Lobby struct {
	ID            string
	Owner         Player
	Players       []Player
	Game          *GameState
	GameStarted   bool
	GameSessionID string
	Finalize      FinalizeState
	CreatedAt     time.Time
}

// IsOwner reports whether userID owns the lobby.
func (l *Lobby) IsOwner(userID string) bool {
	return l.Owner.UserID != "" && l.Owner.UserID == userID
}

// PlayerIndex returns the position of userID in Players, or -1.
func (l *Lobby) PlayerIndex(userID string) int {
	for i, p := range l.Players {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

// HasPlayer reports whether userID is a member.
func (l *Lobby) HasPlayer(userID string) bool {
	return l.PlayerIndex(userID) >= 0
}

// AddPlayer appends p unless a player with the same user ID is present.
// It returns true if the roster changed.
func (l *Lobby) AddPlayer(p Player) bool {
	if l.HasPlayer(p.UserID) {
		return false
	}
	l.Players = append(l.Players, p)
	return true
}

// RemovePlayer drops userID from the roster. It returns true if the roster changed.
func (l *Lobby) RemovePlayer(userID string) bool {
	idx := l.PlayerIndex(userID)
	if idx < 0 {
		return false
	}
	l.Players = append(l.Players[:idx:idx], l.Players[idx+1:]...)
	return true
}

// HealOwner promotes the first player when the owner is unset but players remain.
func (l *Lobby) HealOwner() bool {
	if l.Owner.UserID != "" && l.Owner.Username != "" {
		return false
	}
	if len(l.Players) == 0 {
		return false
	}
	l.Owner = l.Players[0]
	return true
}

// Phase returns the game phase, treating a missing game as waiting.
func (l *Lobby) Phase() Phase {
	if l.Game == nil {
		return PhaseWaiting
	}
	return l.Game.Phase
}

// LobbySnapshot is the wire form of Lobby.
type LobbySnapshot struct {
	LobbyID       string             `json:"lobbyId"`
	Owner         Player             `json:"owner"`
	Players       []Player           `json:"players"`
	GameState     *GameStateSnapshot `json:"gameState,omitempty"`
	GameStarted   bool               `json:"gameStarted"`
	GameSessionID *string            `json:"gameSessionId"`
}

// Snapshot copies the lobby for broadcast.
func (l *Lobby) Snapshot(now time.Time) LobbySnapshot {
	players := make([]Player, len(l.Players))
	copy(players, l.Players)

	s := LobbySnapshot{
		LobbyID:     l.ID,
		Owner:       l.Owner,
		Players:     players,
		GameStarted: l.GameStarted,
	}
	if l.Game != nil {
		gs := l.Game.Snapshot(l.Players, now)
		s.GameState = &gs
	}
	if l.GameSessionID != "" {
		id := l.GameSessionID
		s.GameSessionID = &id
	}
	return s
}

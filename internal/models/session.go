package models

import (
	"sort"
	"time"
)

// Standing is one player's final placement. Equal scores share a placement.
type Standing struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Score     int    `json:"score"`
	Placement int    `json:"placement"`
}

// SessionResult is the outcome of a completed game, as sent to the persistence
// service and written to the result journal.
type SessionResult struct {
	SessionID     string         `json:"gameSessionId,omitempty"`
	LobbyID       string         `json:"lobbyId"`
	OwnerID       string         `json:"ownerId"`
	QuestionCount int            `json:"questionCount"`
	PlayerScores  map[string]int `json:"playerScores"`
	Standings     []Standing     `json:"standings"`
	CompletedAt   time.Time      `json:"completedAt"`
}

// NewSessionResult captures the final scores of l's game.
func NewSessionResult(l *Lobby, completedAt time.Time) SessionResult {
	res := SessionResult{
		LobbyID:      l.ID,
		OwnerID:      l.Owner.UserID,
		PlayerScores: map[string]int{},
		CompletedAt:  completedAt,
	}
	if l.Game == nil {
		return res
	}
	res.QuestionCount = len(l.Game.Questions)
	for k, v := range l.Game.Scores {
		res.PlayerScores[k] = v
	}
	res.Standings = Standings(l.Game.Scoreboard(l.Players))
	return res
}

// Standings orders a scoreboard by score, highest first, keeping roster order for
// ties. Placement uses competition ranking (1, 1, 3).
func Standings(board []PlayerScore) []Standing {
	out := make([]Standing, len(board))
	for i, ps := range board {
		out[i] = Standing{UserID: ps.UserID, Username: ps.Username, Score: ps.Score}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	for i := range out {
		if i > 0 && out[i].Score == out[i-1].Score {
			out[i].Placement = out[i-1].Placement
		} else {
			out[i].Placement = i + 1
		}
	}
	return out
}

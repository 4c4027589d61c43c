package models

import (
	"math"
	"sort"
	"time"
)

// Phase is the round-engine state of a lobby's game.
type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseInProgress Phase = "in_progress"
	PhaseComplete   Phase = "complete"
)

// GameState is owned by its Lobby. Scores and Answers are keyed by user ID.
type GameState struct {
	Phase                Phase
	CurrentQuestionIndex int

	// Round increments every time a round opens. Round timers carry the value they
	// were armed with so a stale expiry can be told apart from the live one.
	Round         int
	RoundDuration time.Duration
	Deadline      time.Time

	Questions []Question
	Scores    map[string]int

	// Answers holds the current round's submissions. A nil value is the
	// "no answer" sentinel recorded on timeout.
	Answers map[string]*string

	// Rounds records every sealed round in order.
	Rounds []RoundResult
}

// RoundResult is what one round collected at the moment it was sealed.
type RoundResult struct {
	QuestionIndex int
	Answers       map[string]*string
	TimedOut      bool
}

// Sentinels counts the players who gave no answer.
func (r RoundResult) Sentinels() int {
	n := 0
	for _, a := range r.Answers {
		if a == nil {
			n++
		}
	}
	return n
}

// NewGameState returns an empty game in the waiting phase.
func NewGameState(roundDuration time.Duration) *GameState {
	return &GameState{
		Phase:         PhaseWaiting,
		RoundDuration: roundDuration,
		Scores:        make(map[string]int),
		Answers:       make(map[string]*string),
	}
}

// CurrentQuestion returns the question for the open round, or false if none.
func (gs *GameState) CurrentQuestion() (Question, bool) {
	if gs.CurrentQuestionIndex < 0 || gs.CurrentQuestionIndex >= len(gs.Questions) {
		return Question{}, false
	}
	return gs.Questions[gs.CurrentQuestionIndex], true
}

// HasAnswered reports whether userID already has an entry for the current round.
func (gs *GameState) HasAnswered(userID string) bool {
	_, ok := gs.Answers[userID]
	return ok
}

// SecondsRemaining is the server-authoritative countdown for the open round.
func (gs *GameState) SecondsRemaining(now time.Time) int {
	switch gs.Phase {
	case PhaseInProgress:
		left := gs.Deadline.Sub(now).Seconds()
		if left <= 0 {
			return 0
		}
		return int(math.Ceil(left))
	case PhaseWaiting:
		return int(gs.RoundDuration.Seconds())
	default:
		return 0
	}
}

// PlayerScore is one scoreboard row.
type PlayerScore struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

// GameStateSnapshot is the wire form of GameState.
type GameStateSnapshot struct {
	Status               Phase          `json:"status"`
	CurrentQuestionIndex int            `json:"currentQuestionIndex"`
	Timer                int            `json:"timer"`
	Questions            []Question     `json:"questions"`
	PlayerScores         map[string]int `json:"playerScores"`
	Scoreboard           []PlayerScore  `json:"scoreboard"`
	Answered             []string       `json:"answered"`
}

// Scoreboard lists scores in player order, so display names resolve from the roster.
func (gs *GameState) Scoreboard(players []Player) []PlayerScore {
	board := make([]PlayerScore, 0, len(players))
	for _, p := range players {
		board = append(board, PlayerScore{UserID: p.UserID, Username: p.Username, Score: gs.Scores[p.UserID]})
	}
	return board
}

// Snapshot copies the state for broadcast.
func (gs *GameState) Snapshot(players []Player, now time.Time) GameStateSnapshot {
	scores := make(map[string]int, len(gs.Scores))
	for k, v := range gs.Scores {
		scores[k] = v
	}
	answered := make([]string, 0, len(gs.Answers))
	for uid := range gs.Answers {
		answered = append(answered, uid)
	}
	sort.Strings(answered)

	questions := gs.Questions
	if questions == nil {
		questions = []Question{}
	}

	return GameStateSnapshot{
		Status:               gs.Phase,
		CurrentQuestionIndex: gs.CurrentQuestionIndex,
		Timer:                gs.SecondsRemaining(now),
		Questions:            questions,
		PlayerScores:         scores,
		Scoreboard:           gs.Scoreboard(players),
		Answered:             answered,
	}
}

// internal/game/engine.go
package game

import (
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/trivia/internal/models"
	"github.com/jason-s-yu/trivia/internal/protocol"
	"github.com/jason-s-yu/trivia/internal/timer"
	"github.com/sirupsen/logrus"
)

var (
	ErrLobbyNotFound    = errors.New("lobby not found")
	ErrNotOwner         = errors.New("only the lobby owner can start the game")
	ErrGameStarted      = errors.New("game already started")
	ErrNotEnoughPlayers = errors.New("not enough players")
	ErrTooManyPlayers   = errors.New("too many players")
)

// Lobbies is the slice of the lobby registry the engine reads from.
type Lobbies interface {
	Get(id string) (*models.Lobby, bool)
	BroadcastList()
}

// Broadcaster sends an event to every connection in a lobby.
type Broadcaster interface {
	ToLobby(lobbyID string, ev protocol.Event)
}

// OnGameEndFunc is invoked once a lobby's game reaches the complete phase, after
// gameOver has been broadcast.
type OnGameEndFunc func(l *models.Lobby)

// Config holds the round rules.
type Config struct {
	RoundDuration time.Duration
	MinPlayers    int
	MaxPlayers    int // 0 means unlimited
}

// Engine runs the question rounds of every lobby. It is driven from the
// coordinator loop and is not safe for concurrent use.
type Engine struct {
	lobbies Lobbies
	bc      Broadcaster
	timers  *timer.Service
	cfg     Config
	log     logrus.FieldLogger

	// OnGameEnd is invoked at game end, e.g. to finalize the session.
	OnGameEnd OnGameEndFunc
}

func NewEngine(lobbies Lobbies, bc Broadcaster, timers *timer.Service, cfg Config, logger logrus.FieldLogger) *Engine {
	return &Engine{
		lobbies: lobbies,
		bc:      bc,
		timers:  timers,
		cfg:     cfg,
		log:     logger,
	}
}

// Start loads questions into a waiting lobby and opens the first round.
func (e *Engine) Start(lobbyID, requesterID string, questions []models.Question) error {
	l, ok := e.lobbies.Get(lobbyID)
	if !ok {
		return ErrLobbyNotFound
	}
	if !l.IsOwner(requesterID) {
		return ErrNotOwner
	}
	if l.GameStarted || l.Phase() != models.PhaseWaiting {
		return ErrGameStarted
	}
	n := len(l.Players)
	if n < e.cfg.MinPlayers {
		return fmt.Errorf("%w: have %d, need %d", ErrNotEnoughPlayers, n, e.cfg.MinPlayers)
	}
	if e.cfg.MaxPlayers > 0 && n > e.cfg.MaxPlayers {
		return fmt.Errorf("%w: have %d, max %d", ErrTooManyPlayers, n, e.cfg.MaxPlayers)
	}
	if err := models.ValidateQuestions(questions); err != nil {
		return err
	}

	gs := models.NewGameState(e.cfg.RoundDuration)
	gs.Questions = append([]models.Question(nil), questions...)
	for _, p := range l.Players {
		gs.Scores[p.UserID] = 0
	}
	gs.Phase = models.PhaseInProgress
	l.Game = gs
	l.GameStarted = true

	e.openRound(l)
	e.log.WithFields(logrus.Fields{"lobby_id": l.ID, "questions": len(questions), "players": n}).Info("game started")

	e.broadcastState(l)
	e.lobbies.BroadcastList()
	return nil
}

// SubmitAnswer records userID's answer for the open round. A nil choice is the
// "no answer" sentinel. It returns false when the answer was dropped: unknown lobby,
// no round open, not a player, or already answered.
func (e *Engine) SubmitAnswer(lobbyID, userID string, choice *string) bool {
	fields := logrus.Fields{"lobby_id": lobbyID, "user_id": userID}
	l, ok := e.lobbies.Get(lobbyID)
	if !ok {
		e.log.WithFields(fields).Debug("answer for unknown lobby dropped")
		return false
	}
	gs := l.Game
	if gs == nil || gs.Phase != models.PhaseInProgress {
		e.log.WithFields(fields).Debug("answer outside a round dropped")
		return false
	}
	fields["round"] = gs.Round
	if !l.HasPlayer(userID) {
		e.log.WithFields(fields).Debug("answer from non-player dropped")
		return false
	}
	if gs.HasAnswered(userID) {
		e.log.WithFields(fields).Debug("duplicate answer dropped")
		return false
	}

	gs.Answers[userID] = choice
	if e.allAnswered(l) {
		e.sealRound(l, false)
	}
	return true
}

// PlayerLeft drops the departed player's pending answer. If everyone left has
// answered, the round seals.
func (e *Engine) PlayerLeft(l *models.Lobby, userID string) {
	gs := l.Game
	if gs == nil || gs.Phase != models.PhaseInProgress {
		return
	}
	delete(gs.Answers, userID)
	if len(l.Players) == 0 {
		e.timers.Cancel(timer.RoundKey(l.ID))
		return
	}
	if e.allAnswered(l) {
		e.sealRound(l, false)
	}
}

// Resync returns the game snapshot for a connection joining a lobby whose game has
// started. A player who joins mid-game gets a zero score.
func (e *Engine) Resync(lobbyID, userID string) (models.GameStateSnapshot, bool) {
	l, ok := e.lobbies.Get(lobbyID)
	if !ok || l.Game == nil || len(l.Game.Questions) == 0 {
		return models.GameStateSnapshot{}, false
	}
	gs := l.Game
	if gs.Phase == models.PhaseInProgress && l.HasPlayer(userID) {
		if _, scored := gs.Scores[userID]; !scored {
			gs.Scores[userID] = 0
		}
	}
	return gs.Snapshot(l.Players, e.timers.Clock().Now()), true
}

// LobbyDeleted disarms the lobby's round timer.
func (e *Engine) LobbyDeleted(lobbyID string) {
	e.timers.Cancel(timer.RoundKey(lobbyID))
}

func (e *Engine) openRound(l *models.Lobby) {
	gs := l.Game
	gs.Round++
	gs.Answers = make(map[string]*string, len(l.Players))
	gs.Deadline = e.timers.Clock().Now().Add(gs.RoundDuration)

	lobbyID, round := l.ID, gs.Round
	e.timers.Schedule(timer.RoundKey(lobbyID), gs.RoundDuration, func() {
		e.expire(lobbyID, round)
	})
}

// expire fills in the sentinel for everyone who has not answered and seals.
func (e *Engine) expire(lobbyID string, round int) {
	l, ok := e.lobbies.Get(lobbyID)
	if !ok {
		return
	}
	gs := l.Game
	if gs == nil || gs.Phase != models.PhaseInProgress || gs.Round != round {
		e.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "round": round}).Debug("stale round timer ignored")
		return
	}
	missing := 0
	for _, p := range l.Players {
		if !gs.HasAnswered(p.UserID) {
			gs.Answers[p.UserID] = nil
			missing++
		}
	}
	e.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "round": round, "unanswered": missing}).Info("round timed out")
	e.sealRound(l, true)
}

// sealRound scores the open round and either opens the next one or ends the game.
// Both triggers run on the loop, and sealing clears the answers and bumps the round,
// so a round is sealed once.
func (e *Engine) sealRound(l *models.Lobby, timedOut bool) {
	gs := l.Game
	e.timers.Cancel(timer.RoundKey(l.ID))
	gs.Rounds = append(gs.Rounds, models.RoundResult{
		QuestionIndex: gs.CurrentQuestionIndex,
		Answers:       gs.Answers,
		TimedOut:      timedOut,
	})

	if q, ok := gs.CurrentQuestion(); ok {
		correct := q.CorrectAnswer()
		for userID, answer := range gs.Answers {
			if answer != nil && *answer == correct {
				gs.Scores[userID]++
			}
		}
	}
	gs.Answers = make(map[string]*string)

	if gs.CurrentQuestionIndex+1 < len(gs.Questions) {
		gs.CurrentQuestionIndex++
		e.openRound(l)
		e.broadcastState(l)
		return
	}
	e.complete(l)
}

func (e *Engine) complete(l *models.Lobby) {
	gs := l.Game
	gs.Phase = models.PhaseComplete
	gs.Deadline = time.Time{}

	scores := make(map[string]int, len(gs.Scores))
	for k, v := range gs.Scores {
		scores[k] = v
	}
	payload := protocol.GameOverPayload{
		LobbyID:      l.ID,
		PlayerScores: scores,
		Scoreboard:   gs.Scoreboard(l.Players),
	}
	if l.GameSessionID != "" {
		id := l.GameSessionID
		payload.GameSessionID = &id
	}
	e.log.WithFields(logrus.Fields{"lobby_id": l.ID, "scores": scores}).Info("game over")
	e.bc.ToLobby(l.ID, protocol.GameOver(payload))

	if e.OnGameEnd != nil {
		e.OnGameEnd(l)
	}
}

func (e *Engine) allAnswered(l *models.Lobby) bool {
	gs := l.Game
	for _, p := range l.Players {
		if !gs.HasAnswered(p.UserID) {
			return false
		}
	}
	return len(l.Players) > 0
}

func (e *Engine) broadcastState(l *models.Lobby) {
	e.bc.ToLobby(l.ID, protocol.GameState(l.Game.Snapshot(l.Players, e.timers.Clock().Now())))
}

package finalizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/trivia/internal/models"
	"github.com/jason-s-yu/trivia/internal/protocol"
	"github.com/jason-s-yu/trivia/internal/timer"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var (
	ErrLobbyNotFound    = errors.New("lobby not found")
	ErrNotOwner         = errors.New("only the lobby owner can store the game session id")
	ErrMissingSessionID = errors.New("gameSessionId is required")
)

// Lobbies is the slice of the lobby registry the bridge needs.
type Lobbies interface {
	Get(id string) (*models.Lobby, bool)
	BroadcastList()
}

// Broadcaster delivers bridge events to a room or a single connection.
type Broadcaster interface {
	ToLobby(lobbyID string, ev protocol.Event)
	ToConn(connID string, ev protocol.Event) bool
}

// Owners resolves the owner's live connections and credential.
type Owners interface {
	Connections(lobbyID, userID string) []string
	Token(lobbyID, userID string) string
}

// Journal receives every session result once its id is known.
type Journal interface {
	Publish(ctx context.Context, res models.SessionResult) error
}

type Config struct {
	Timeout  time.Duration // per attempt
	Attempts int
	Backoff  time.Duration // before the first retry, doubled after each
}

// Bridge finalizes each completed session once. The finalize call runs off the
// loop; its result is posted back. Begin, StoreSessionID and the posted completion
// run on the coordinator loop.
type Bridge struct {
	lobbies Lobbies
	bc      Broadcaster
	owners  Owners
	fin     Finalizer // nil when the owner's client finalizes
	journal Journal   // optional
	post    timer.Poster
	clock   clockwork.Clock
	cfg     Config
	log     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(lobbies Lobbies, bc Broadcaster, owners Owners, fin Finalizer, journal Journal, post timer.Poster, clock clockwork.Clock, cfg Config, logger logrus.FieldLogger) *Bridge {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		lobbies: lobbies,
		bc:      bc,
		owners:  owners,
		fin:     fin,
		journal: journal,
		post:    post,
		clock:   clock,
		cfg:     cfg,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Begin starts finalizing l on behalf of its owner. Calls after the first are
// no-ops. Without a Finalizer the owner's client records the session and
// publishes the id through StoreSessionID.
func (b *Bridge) Begin(l *models.Lobby) {
	fields := logrus.Fields{"lobby_id": l.ID, "user_id": l.Owner.UserID}
	if l.Finalize != models.FinalizeNone {
		b.log.WithFields(fields).Debug("finalize already started")
		return
	}
	if b.fin == nil {
		b.log.WithFields(fields).Debug("no finalizer configured; waiting for owner to store the session id")
		return
	}

	l.Finalize = models.FinalizePending
	res := models.NewSessionResult(l, b.clock.Now())
	token := b.owners.Token(l.ID, l.Owner.UserID)
	lobbyID := l.ID

	b.log.WithFields(fields).Info("finalizing game session")
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		id, err := b.finalize(res, token)
		b.post(func() { b.complete(lobbyID, res, id, err) })
	}()
}

func (b *Bridge) finalize(res models.SessionResult, token string) (string, error) {
	backoff := b.cfg.Backoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := b.attemptContext()
		id, err := b.fin.Finalize(ctx, res, token)
		cancel()
		if err == nil {
			return id, nil
		}
		if attempt >= b.cfg.Attempts || errors.Is(err, ErrPermanent) || b.ctx.Err() != nil {
			return "", fmt.Errorf("finalize failed after %d attempt(s): %w", attempt, err)
		}

		b.log.WithFields(logrus.Fields{
			"lobby_id": res.LobbyID,
			"attempt":  attempt,
			"error":    err,
		}).Warn("finalize attempt failed; retrying")

		if backoff > 0 {
			select {
			case <-b.clock.After(backoff):
			case <-b.ctx.Done():
				return "", fmt.Errorf("finalize canceled: %w", b.ctx.Err())
			}
			backoff *= 2
		}
	}
}

func (b *Bridge) attemptContext() (context.Context, context.CancelFunc) {
	if b.cfg.Timeout > 0 {
		return context.WithTimeout(b.ctx, b.cfg.Timeout)
	}
	return context.WithCancel(b.ctx)
}

// complete runs on the loop once the finalize call has returned.
func (b *Bridge) complete(lobbyID string, res models.SessionResult, id string, err error) {
	l, ok := b.lobbies.Get(lobbyID)
	fields := logrus.Fields{"lobby_id": lobbyID}

	if err != nil {
		b.log.WithFields(fields).WithError(err).Error("failed to finalize game session")
		if !ok {
			return
		}
		l.Finalize = models.FinalizeFailed
		for _, connID := range b.owners.Connections(lobbyID, l.Owner.UserID) {
			b.bc.ToConn(connID, protocol.Error("failed to finalize game session: "+err.Error()))
		}
		b.bc.ToLobby(lobbyID, protocol.SessionFinalized(lobbyID, "", true))
		return
	}

	res.SessionID = id
	fields["game_session_id"] = id
	b.log.WithFields(fields).Info("game session finalized")
	if ok {
		l.GameSessionID = id
		l.Finalize = models.FinalizeDone
		b.bc.ToLobby(lobbyID, protocol.SessionFinalized(lobbyID, id, false))
		b.lobbies.BroadcastList()
	}
	b.publish(res)
}

// StoreSessionID records an id the owner obtained itself. Once the game is over
// the id is relayed to the room.
func (b *Bridge) StoreSessionID(lobbyID, userID, sessionID string) error {
	l, ok := b.lobbies.Get(lobbyID)
	if !ok {
		return ErrLobbyNotFound
	}
	if !l.IsOwner(userID) {
		return ErrNotOwner
	}
	if sessionID == "" {
		return ErrMissingSessionID
	}

	l.GameSessionID = sessionID
	b.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "game_session_id": sessionID}).Info("stored game session id")

	if l.Phase() == models.PhaseComplete {
		first := l.Finalize != models.FinalizeDone
		l.Finalize = models.FinalizeDone
		b.bc.ToLobby(lobbyID, protocol.SessionFinalized(lobbyID, sessionID, false))
		if first {
			res := models.NewSessionResult(l, b.clock.Now())
			res.SessionID = sessionID
			b.publish(res)
		}
	}
	b.lobbies.BroadcastList()
	return nil
}

func (b *Bridge) publish(res models.SessionResult) {
	if b.journal == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := b.attemptContext()
		defer cancel()
		if err := b.journal.Publish(ctx, res); err != nil {
			b.log.WithFields(logrus.Fields{"lobby_id": res.LobbyID, "game_session_id": res.SessionID}).
				WithError(err).Error("failed to journal session result")
		}
	}()
}

// Close cancels in-flight finalize calls and waits for their goroutines.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
}

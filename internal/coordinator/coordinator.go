// Package coordinator runs the single event loop that owns every lobby, binding,
// round timer and room. Transport goroutines talk to it through Connect, Handle,
// Disconnect and Lobbies; nothing else touches the components it wires together.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jason-s-yu/trivia/internal/broadcast"
	"github.com/jason-s-yu/trivia/internal/finalizer"
	"github.com/jason-s-yu/trivia/internal/game"
	"github.com/jason-s-yu/trivia/internal/lobby"
	"github.com/jason-s-yu/trivia/internal/models"
	"github.com/jason-s-yu/trivia/internal/presence"
	"github.com/jason-s-yu/trivia/internal/protocol"
	"github.com/jason-s-yu/trivia/internal/timer"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by the synchronous API once Run has returned.
var ErrStopped = errors.New("coordinator stopped")

type Config struct {
	RoundDuration   time.Duration
	DisconnectGrace time.Duration
	SweepInterval   time.Duration
	MinPlayers      int
	MaxPlayers      int
	Finalize        finalizer.Config
}

// Identity is what the handshake established about a connection. Subject is the
// verified user id, empty when tokens are not required.
type Identity struct {
	Subject string
	Token   string
}

type Coordinator struct {
	events chan func()
	done   chan struct{}
	clock  clockwork.Clock
	cfg    Config
	log    logrus.FieldLogger

	timers   *timer.Service
	registry *lobby.Registry
	presence *presence.Tracker
	engine   *game.Engine
	gateway  *broadcast.Gateway
	bridge   *finalizer.Bridge

	idents map[string]Identity
}

// New wires the components. fin and journal may be nil.
func New(cfg Config, clock clockwork.Clock, fin finalizer.Finalizer, journal finalizer.Journal, logger logrus.FieldLogger) *Coordinator {
	c := &Coordinator{
		events: make(chan func(), 256),
		done:   make(chan struct{}),
		clock:  clock,
		cfg:    cfg,
		log:    logger,
		idents: make(map[string]Identity),
	}

	c.timers = timer.NewService(clock, c.post)
	c.gateway = broadcast.NewGateway(logger)
	c.registry = lobby.NewRegistry(c.gateway, clock, logger)
	c.presence = presence.NewTracker(c.timers, cfg.DisconnectGrace, func(lobbyID, userID string) {
		c.registry.RemovePlayer(lobbyID, userID)
	}, logger)
	c.engine = game.NewEngine(c.registry, c.gateway, c.timers, game.Config{
		RoundDuration: cfg.RoundDuration,
		MinPlayers:    cfg.MinPlayers,
		MaxPlayers:    cfg.MaxPlayers,
	}, logger)
	c.bridge = finalizer.NewBridge(c.registry, c.gateway, c.presence, fin, journal, c.post, clock, cfg.Finalize, logger)

	c.registry.OnPlayerRemoved = c.engine.PlayerLeft
	c.registry.OnDelete = func(l *models.Lobby) {
		c.engine.LobbyDeleted(l.ID)
		c.presence.DropLobby(l.ID)
		c.gateway.CloseRoom(l.ID)
	}
	c.engine.OnGameEnd = c.bridge.Begin
	return c
}

// Run drains the event loop until ctx is done. It sweeps empty lobbies every
// SweepInterval.
func (c *Coordinator) Run(ctx context.Context) error {
	sweep := c.clock.NewTicker(c.cfg.SweepInterval)
	defer func() {
		sweep.Stop()
		close(c.done)
		c.timers.StopAll()
		c.bridge.Close()
		c.log.Info("coordinator stopped")
	}()

	c.log.WithField("sweep_interval", c.cfg.SweepInterval).Info("coordinator running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.events:
			c.safely(fn)
		case <-sweep.Chan():
			c.safely(func() {
				if n := c.registry.Sweep(); n > 0 {
					c.log.WithField("removed", n).Info("swept empty lobbies")
				}
			})
		}
	}
}

// post queues fn for the loop. Timer expiries and finalize results arrive here.
func (c *Coordinator) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// exec runs fn on the loop and waits for it.
func (c *Coordinator) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.events <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// safely keeps one bad event from taking down the loop.
func (c *Coordinator) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("recovered panic in coordinator event")
		}
	}()
	fn()
}

// Connect registers a transport connection. Events for it are delivered to client.
func (c *Coordinator) Connect(ctx context.Context, client broadcast.Client, id Identity) error {
	return c.exec(ctx, func() {
		c.gateway.Register(client)
		c.idents[client.ID()] = id
	})
}

// Handle applies one inbound message from connID.
func (c *Coordinator) Handle(ctx context.Context, connID string, msg protocol.Message) error {
	return c.exec(ctx, func() { c.dispatch(connID, msg) })
}

// Disconnect forgets connID. A player whose last connection drops keeps their
// seat for DisconnectGrace.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) error {
	return c.exec(ctx, func() {
		c.gateway.Unregister(connID)
		delete(c.idents, connID)
		if b, ok := c.presence.OnDisconnect(connID); ok {
			c.log.WithFields(logrus.Fields{
				"conn_id":  connID,
				"lobby_id": b.LobbyID,
				"user_id":  b.Player.UserID,
			}).Info("connection dropped")
		}
	})
}

// Lobbies returns the public lobby list.
func (c *Coordinator) Lobbies(ctx context.Context) ([]models.LobbySnapshot, error) {
	var out []models.LobbySnapshot
	err := c.exec(ctx, func() { out = c.registry.List() })
	if out == nil {
		out = []models.LobbySnapshot{}
	}
	return out, err
}

func (c *Coordinator) dispatch(connID string, msg protocol.Message) {
	log := c.log.WithFields(logrus.Fields{"conn_id": connID, "type": msg.Type})
	if msg.LobbyID != "" {
		log = log.WithField("lobby_id", msg.LobbyID)
	}
	log.Debug("inbound message")

	switch msg.Type {
	case protocol.TypeJoinLobby:
		c.join(connID, msg, false, log)
	case protocol.TypeCreateLobby:
		c.join(connID, msg, true, log)
	case protocol.TypeLeaveLobby:
		c.leave(connID, msg, log)
	case protocol.TypeDisbandLobby:
		c.disband(connID, msg, log)
	case protocol.TypeListLobbies:
		c.gateway.ToConn(connID, protocol.LobbyListUpdate(c.registry.List()))
	case protocol.TypeStartGame:
		c.startGame(connID, msg, log)
	case protocol.TypeAnswer:
		c.answer(connID, msg, log)
	case protocol.TypeStoreGameSessionID:
		c.storeSessionID(connID, msg, log)
	case protocol.TypeSendMessage:
		c.chat(connID, msg, log)
	default:
		log.Warn("unknown message type")
		c.reply(connID, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (c *Coordinator) join(connID string, msg protocol.Message, create bool, log logrus.FieldLogger) {
	p := models.Player{UserID: msg.UserID, Username: msg.Username}
	if p.UserID == "" || p.Username == "" {
		log.Warn("join without userId or username dropped")
		return
	}
	if !create && msg.LobbyID == "" {
		log.Warn("join without lobbyId dropped")
		return
	}
	id := c.idents[connID]
	if !c.subjectMatches(id, p.UserID, log) {
		return
	}

	var snap models.LobbySnapshot
	var err error
	if create {
		snap, err = c.registry.Create(msg.LobbyID, p)
	} else {
		c.gateway.Join(connID, msg.LobbyID)
		snap, err = c.registry.CreateOrJoin(msg.LobbyID, p)
	}
	if err != nil {
		log.WithError(err).Warn("join failed")
		c.reply(connID, err.Error())
		return
	}
	lobbyID := snap.LobbyID

	prev, had := c.presence.Bind(presence.Binding{ConnID: connID, LobbyID: lobbyID, Player: p, Token: id.Token})
	if create {
		c.gateway.Join(connID, lobbyID)
		c.gateway.ToConn(connID, protocol.LobbyUpdate(snap))
	}
	if had && prev.LobbyID != lobbyID && len(c.presence.Connections(prev.LobbyID, prev.Player.UserID)) == 0 {
		c.registry.RemovePlayer(prev.LobbyID, prev.Player.UserID)
	}

	if snap.GameStarted {
		if gs, ok := c.engine.Resync(lobbyID, p.UserID); ok {
			c.gateway.ToConn(connID, protocol.GameState(gs))
		}
	}
}

func (c *Coordinator) leave(connID string, msg protocol.Message, log logrus.FieldLogger) {
	b, bound := c.presence.Lookup(connID)
	lobbyID, userID := msg.LobbyID, msg.UserID
	if bound {
		if lobbyID == "" {
			lobbyID = b.LobbyID
		}
		if userID == "" {
			userID = b.Player.UserID
		}
	}
	if lobbyID == "" || userID == "" {
		log.Warn("leave without lobbyId or userId dropped")
		return
	}
	if bound && b.Player.UserID != userID {
		log.WithField("user_id", userID).Warn("leave for another user dropped")
		return
	}
	if !c.subjectMatches(c.idents[connID], userID, log) {
		return
	}

	conns := c.presence.Connections(lobbyID, userID)
	// The owner's tabs stay in the room until lobbyClosed has gone out.
	owner := false
	if l, ok := c.registry.Get(lobbyID); ok {
		owner = l.IsOwner(userID)
	}
	if !owner {
		c.detach(conns)
	}
	if c.registry.RemovePlayer(lobbyID, userID) == lobby.NotRemoved {
		log.WithField("user_id", userID).Debug("leave for non-member ignored")
	}
	if owner {
		c.detach(conns)
	}
}

func (c *Coordinator) detach(connIDs []string) {
	for _, id := range connIDs {
		c.presence.Unbind(id)
		c.gateway.Leave(id)
	}
}

func (c *Coordinator) disband(connID string, msg protocol.Message, log logrus.FieldLogger) {
	b, ok := c.bound(connID, msg.LobbyID, log)
	if !ok {
		return
	}
	l, ok := c.registry.Get(b.LobbyID)
	if !ok {
		log.Debug("disband for unknown lobby ignored")
		return
	}
	if !l.IsOwner(b.Player.UserID) {
		c.reply(connID, "only the lobby owner can disband the lobby")
		return
	}
	c.registry.Disband(b.LobbyID)
}

func (c *Coordinator) startGame(connID string, msg protocol.Message, log logrus.FieldLogger) {
	b, ok := c.bound(connID, msg.LobbyID, log)
	if !ok {
		return
	}
	err := c.engine.Start(b.LobbyID, b.Player.UserID, msg.Questions)
	switch {
	case err == nil:
	case errors.Is(err, game.ErrLobbyNotFound):
		log.Debug("start for unknown lobby ignored")
	default:
		log.WithError(err).Warn("start game refused")
		c.reply(connID, err.Error())
	}
}

func (c *Coordinator) answer(connID string, msg protocol.Message, log logrus.FieldLogger) {
	b, ok := c.bound(connID, msg.LobbyID, log)
	if !ok {
		return
	}
	c.engine.SubmitAnswer(b.LobbyID, b.Player.UserID, msg.Answer)
}

func (c *Coordinator) storeSessionID(connID string, msg protocol.Message, log logrus.FieldLogger) {
	b, ok := c.bound(connID, msg.LobbyID, log)
	if !ok {
		return
	}
	err := c.bridge.StoreSessionID(b.LobbyID, b.Player.UserID, msg.GameSessionID)
	switch {
	case err == nil:
	case errors.Is(err, finalizer.ErrLobbyNotFound):
		log.Debug("session id for unknown lobby ignored")
	default:
		log.WithError(err).Warn("store game session id refused")
		c.reply(connID, err.Error())
	}
}

func (c *Coordinator) chat(connID string, msg protocol.Message, log logrus.FieldLogger) {
	sender := msg.Sender
	if b, ok := c.presence.Lookup(connID); ok && sender == "" {
		sender = b.Player.Username
	}
	if sender == "" || msg.Message == "" {
		log.Warn("chat message without sender or text dropped")
		return
	}
	c.gateway.ToAllExcept(connID, protocol.ReceiveMessage(sender, msg.Message))
}

// bound returns connID's binding, requiring it to match lobbyID when one is given.
func (c *Coordinator) bound(connID, lobbyID string, log logrus.FieldLogger) (presence.Binding, bool) {
	b, ok := c.presence.Lookup(connID)
	if !ok {
		log.Debug("message from connection outside any lobby ignored")
		return b, false
	}
	if lobbyID != "" && lobbyID != b.LobbyID {
		log.WithField("bound_lobby_id", b.LobbyID).Debug("message for another lobby ignored")
		return b, false
	}
	return b, true
}

func (c *Coordinator) subjectMatches(id Identity, userID string, log logrus.FieldLogger) bool {
	if id.Subject == "" || id.Subject == userID {
		return true
	}
	log.WithFields(logrus.Fields{"user_id": userID, "subject": id.Subject}).Warn("userId does not match token subject; dropped")
	return false
}

func (c *Coordinator) reply(connID, message string) {
	c.gateway.ToConn(connID, protocol.Error(message))
}

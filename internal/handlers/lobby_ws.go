// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jason-s-yu/trivia/internal/broadcast"
	"github.com/jason-s-yu/trivia/internal/coordinator"
	"github.com/jason-s-yu/trivia/internal/middleware"
	"github.com/jason-s-yu/trivia/internal/models"
	"github.com/jason-s-yu/trivia/internal/protocol"
	"github.com/sirupsen/logrus"
)

const Subprotocol = "trivia"

// Hub is the coordinator API the transport drives.
type Hub interface {
	Connect(ctx context.Context, client broadcast.Client, id coordinator.Identity) error
	Handle(ctx context.Context, connID string, msg protocol.Message) error
	Disconnect(ctx context.Context, connID string) error
	Lobbies(ctx context.Context) ([]models.LobbySnapshot, error)
}

// TokenVerifier returns the subject of a valid handshake token.
type TokenVerifier interface {
	AuthenticateJWT(token string) (string, error)
}

type WSConfig struct {
	AllowedOrigins []string
	OutboundBuffer int
	PingInterval   time.Duration
	ReadLimit      int64
}

// LobbyWSHandler upgrades to a websocket and pumps frames between the client and
// the hub. A nil verifier trusts the identities carried in messages.
func LobbyWSHandler(logger logrus.FieldLogger, hub Hub, verifier TokenVerifier, cfg WSConfig) http.HandlerFunc {
	origins := originHosts(cfg.AllowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{Subprotocol},
			OriginPatterns: origins,
		})
		if err != nil {
			logger.WithError(err).Warn("websocket accept error")
			return
		}
		defer c.CloseNow()

		if r.Header.Get("Sec-WebSocket-Protocol") != "" && c.Subprotocol() != Subprotocol {
			c.Close(BadSubprotocolError, "client must speak the trivia subprotocol")
			return
		}
		if cfg.ReadLimit > 0 {
			c.SetReadLimit(cfg.ReadLimit)
		}

		token := requestToken(r)
		var subject string
		if verifier != nil {
			subject, err = verifier.AuthenticateJWT(token)
			if err != nil {
				logger.WithFields(logrus.Fields{"remote": remoteAddr, "error": err}).Warn("handshake token rejected")
				c.Close(InvalidAuthTokenError, "invalid auth token")
				return
			}
		}

		connID := uuid.NewString()
		log := logger.WithField("conn_id", connID)
		buffer := cfg.OutboundBuffer
		if buffer < 1 {
			buffer = 32
		}
		conn := broadcast.NewConn(connID, buffer, log)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		if err := hub.Connect(ctx, conn, coordinator.Identity{Subject: subject, Token: token}); err != nil {
			log.WithError(err).Error("failed to register connection")
			c.Close(CoordinatorDownError, "server is shutting down")
			return
		}
		middleware.LogWebSocketConnect(logger, remoteAddr, connID)

		go writePump(ctx, c, conn, cfg.PingInterval, log)
		readErr := readPump(ctx, c, hub, conn, log)
		cancel()

		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if err := hub.Disconnect(dctx, connID); err != nil {
			log.WithError(err).Warn("failed to unregister connection")
		}
		middleware.LogWebSocketDisconnect(logger, remoteAddr, connID, readErr)
		c.Close(websocket.StatusNormalClosure, "")
	}
}

// readPump decodes inbound frames and hands them to the hub until the connection
// closes. A normal close returns nil.
func readPump(ctx context.Context, c *websocket.Conn, hub Hub, conn *broadcast.Conn, log logrus.FieldLogger) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			log.WithField("message_type", typ).Warn("non-text frame ignored")
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Warn("invalid json from client")
			conn.Send(protocol.Error("Invalid JSON format"))
			continue
		}
		if msg.Type == "" {
			log.Warn("message without type dropped")
			conn.Send(protocol.Error("message type is required"))
			continue
		}

		if err := hub.Handle(ctx, conn.ID(), msg); err != nil {
			return err
		}
	}
}

// writePump drains OutChan to the socket and pings on interval. It never blocks
// the coordinator: events queue on the buffered channel.
func writePump(ctx context.Context, c *websocket.Conn, conn *broadcast.Conn, pingEvery time.Duration, log logrus.FieldLogger) {
	if pingEvery <= 0 {
		pingEvery = 30 * time.Second
	}
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-conn.OutChan:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c, ev)
			cancel()
			if err != nil {
				log.WithError(err).Warn("failed to write to websocket")
				c.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				log.WithError(err).Warn("ping failed; assuming disconnect")
				c.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

// Package broadcast fans protocol events out to connected clients, either to
// everyone or to the members of one lobby room.
package broadcast

import (
	"github.com/jason-s-yu/trivia/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Client receives events. Send must not block.
type Client interface {
	ID() string
	Send(ev protocol.Event) bool
}

// Gateway tracks connected clients and the lobby room each one listens to. A client
// is in at most one room. It is owned by the coordinator loop and is not safe for
// concurrent use.
type Gateway struct {
	clients map[string]Client
	roomOf  map[string]string              // conn id -> lobby id
	rooms   map[string]map[string]struct{} // lobby id -> conn ids
	log     logrus.FieldLogger
}

func NewGateway(logger logrus.FieldLogger) *Gateway {
	return &Gateway{
		clients: make(map[string]Client),
		roomOf:  make(map[string]string),
		rooms:   make(map[string]map[string]struct{}),
		log:     logger,
	}
}

// Register adds c so it receives global events.
func (g *Gateway) Register(c Client) {
	g.clients[c.ID()] = c
}

// Unregister removes the client and its room membership.
func (g *Gateway) Unregister(connID string) {
	g.Leave(connID)
	delete(g.clients, connID)
}

// Join moves the client into lobbyID's room.
func (g *Gateway) Join(connID, lobbyID string) {
	if _, ok := g.clients[connID]; !ok {
		return
	}
	if g.roomOf[connID] == lobbyID {
		return
	}
	g.Leave(connID)

	room, ok := g.rooms[lobbyID]
	if !ok {
		room = make(map[string]struct{})
		g.rooms[lobbyID] = room
	}
	room[connID] = struct{}{}
	g.roomOf[connID] = lobbyID
}

// Leave takes the client out of whatever room it is in.
func (g *Gateway) Leave(connID string) {
	lobbyID, ok := g.roomOf[connID]
	if !ok {
		return
	}
	delete(g.roomOf, connID)
	if room, ok := g.rooms[lobbyID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(g.rooms, lobbyID)
		}
	}
}

// CloseRoom empties lobbyID's room. The clients stay registered.
func (g *Gateway) CloseRoom(lobbyID string) {
	for connID := range g.rooms[lobbyID] {
		delete(g.roomOf, connID)
	}
	delete(g.rooms, lobbyID)
}

// RoomOf returns the lobby the client listens to.
func (g *Gateway) RoomOf(connID string) (string, bool) {
	id, ok := g.roomOf[connID]
	return id, ok
}

// Members returns the connection ids in lobbyID's room.
func (g *Gateway) Members(lobbyID string) []string {
	out := make([]string, 0, len(g.rooms[lobbyID]))
	for id := range g.rooms[lobbyID] {
		out = append(out, id)
	}
	return out
}

// Len returns the number of registered clients.
func (g *Gateway) Len() int {
	return len(g.clients)
}

// ToLobby sends ev to every client in lobbyID's room.
func (g *Gateway) ToLobby(lobbyID string, ev protocol.Event) {
	for connID := range g.rooms[lobbyID] {
		g.send(connID, ev)
	}
}

// ToAll sends ev to every registered client.
func (g *Gateway) ToAll(ev protocol.Event) {
	for connID := range g.clients {
		g.send(connID, ev)
	}
}

// ToAllExcept sends ev to every registered client but exceptID.
func (g *Gateway) ToAllExcept(exceptID string, ev protocol.Event) {
	for connID := range g.clients {
		if connID != exceptID {
			g.send(connID, ev)
		}
	}
}

// ToConn sends ev to one client. It returns false if the client is gone or its
// queue is full.
func (g *Gateway) ToConn(connID string, ev protocol.Event) bool {
	return g.send(connID, ev)
}

func (g *Gateway) send(connID string, ev protocol.Event) bool {
	c, ok := g.clients[connID]
	if !ok {
		g.log.WithFields(logrus.Fields{"conn_id": connID, "type": ev.Type}).Debug("send to unknown connection")
		return false
	}
	return c.Send(ev)
}

package broadcast

import (
	"io"
	"sort"
	"testing"

	"github.com/jason-s-yu/trivia/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// received drains everything queued on c.
func received(c *Conn) []protocol.EventType {
	var out []protocol.EventType
	for {
		select {
		case ev := <-c.OutChan:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func setupGateway(t *testing.T, ids ...string) (*Gateway, map[string]*Conn) {
	t.Helper()
	g := NewGateway(quietLogger())
	conns := make(map[string]*Conn, len(ids))
	for _, id := range ids {
		c := NewConn(id, 8, quietLogger())
		g.Register(c)
		conns[id] = c
	}
	return g, conns
}

func TestToLobbyReachesRoomOnly(t *testing.T) {
	g, conns := setupGateway(t, "a", "b", "c")
	g.Join("a", "ABC")
	g.Join("b", "ABC")
	g.Join("c", "DEF")

	g.ToLobby("ABC", protocol.LobbyClosed("ABC"))

	assert.Equal(t, []protocol.EventType{protocol.EventLobbyClosed}, received(conns["a"]))
	assert.Equal(t, []protocol.EventType{protocol.EventLobbyClosed}, received(conns["b"]))
	assert.Empty(t, received(conns["c"]))
}

func TestToAllAndExcept(t *testing.T) {
	g, conns := setupGateway(t, "a", "b", "c")

	g.ToAll(protocol.LobbyListUpdate(nil))
	for _, c := range conns {
		assert.Equal(t, []protocol.EventType{protocol.EventLobbyListUpdate}, received(c))
	}

	g.ToAllExcept("a", protocol.ReceiveMessage("alice", "hi"))
	assert.Empty(t, received(conns["a"]))
	assert.Len(t, received(conns["b"]), 1)
	assert.Len(t, received(conns["c"]), 1)
}

func TestJoinMovesBetweenRooms(t *testing.T) {
	g, _ := setupGateway(t, "a")
	g.Join("a", "ABC")
	g.Join("a", "DEF")

	room, ok := g.RoomOf("a")
	require.True(t, ok)
	assert.Equal(t, "DEF", room)
	assert.Empty(t, g.Members("ABC"))
	assert.Equal(t, []string{"a"}, g.Members("DEF"))
}

func TestJoinUnknownConnection(t *testing.T) {
	g, _ := setupGateway(t)
	g.Join("ghost", "ABC")
	assert.Empty(t, g.Members("ABC"))
}

func TestCloseRoomAndUnregister(t *testing.T) {
	g, conns := setupGateway(t, "a", "b")
	g.Join("a", "ABC")
	g.Join("b", "ABC")

	members := g.Members("ABC")
	sort.Strings(members)
	assert.Equal(t, []string{"a", "b"}, members)

	g.CloseRoom("ABC")
	g.ToLobby("ABC", protocol.LobbyClosed("ABC"))
	assert.Empty(t, received(conns["a"]))
	_, ok := g.RoomOf("a")
	assert.False(t, ok)
	assert.Equal(t, 2, g.Len(), "clients stay registered")

	g.Join("a", "ABC")
	g.Unregister("a")
	assert.Empty(t, g.Members("ABC"))
	assert.False(t, g.ToConn("a", protocol.Error("gone")))
	assert.Equal(t, 1, g.Len())
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	c := NewConn("a", 1, quietLogger())
	assert.True(t, c.Send(protocol.Error("first")))
	assert.False(t, c.Send(protocol.Error("second")))

	ev := <-c.OutChan
	assert.Equal(t, protocol.ErrorPayload{Message: "first"}, ev.Payload)
}

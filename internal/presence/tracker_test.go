package presence

import (
	"io"
	"testing"
	"time"

	"github.com/jason-s-yu/trivia/internal/models"
	"github.com/jason-s-yu/trivia/internal/timer"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const grace = 3 * time.Second

type removal struct{ lobbyID, userID string }

type harness struct {
	clock    *clockwork.FakeClock
	loop     chan func()
	tracker  *Tracker
	removals []removal
}

func setupTracker(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: clockwork.NewFakeClock(),
		loop:  make(chan func(), 16),
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	timers := timer.NewService(h.clock, func(fn func()) { h.loop <- fn })
	h.tracker = NewTracker(timers, grace, func(lobbyID, userID string) {
		h.removals = append(h.removals, removal{lobbyID, userID})
	}, logger)
	return h
}

// expire advances past the grace period and runs the expiry on the test goroutine.
func (h *harness) expire(t *testing.T) {
	t.Helper()
	h.clock.Advance(grace)
	select {
	case fn := <-h.loop:
		fn()
	case <-time.After(time.Second):
		t.Fatal("grace timer did not fire")
	}
}

func (h *harness) drain() {
	for {
		select {
		case fn := <-h.loop:
			fn()
		case <-time.After(30 * time.Millisecond):
			return
		}
	}
}

func bind(conn, lobbyID, userID, username string) Binding {
	return Binding{ConnID: conn, LobbyID: lobbyID, Player: models.Player{UserID: userID, Username: username}}
}

func TestDisconnectRemovesAfterGrace(t *testing.T) {
	h := setupTracker(t)
	h.tracker.Bind(bind("c1", "ABC", "u1", "alice"))

	b, ok := h.tracker.OnDisconnect("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", b.Player.UserID)
	assert.True(t, h.tracker.GracePending("u1"))
	assert.Empty(t, h.removals)

	h.expire(t)
	assert.Equal(t, []removal{{"ABC", "u1"}}, h.removals)
	assert.False(t, h.tracker.GracePending("u1"))
}

func TestReconnectWithinGraceCancelsRemoval(t *testing.T) {
	h := setupTracker(t)
	h.tracker.Bind(bind("c1", "ABC", "u1", "alice"))
	h.tracker.OnDisconnect("c1")

	h.clock.Advance(grace - time.Second)
	h.tracker.Bind(bind("c2", "ABC", "u1", "alice"))
	assert.False(t, h.tracker.GracePending("u1"))

	h.clock.Advance(time.Minute)
	h.drain()
	assert.Empty(t, h.removals)
}

func TestDisconnectWithOtherLiveConnection(t *testing.T) {
	h := setupTracker(t)
	h.tracker.Bind(bind("c1", "ABC", "u1", "alice"))
	h.tracker.Bind(bind("c2", "ABC", "u1", "alice"))

	h.tracker.OnDisconnect("c1")
	assert.False(t, h.tracker.GracePending("u1"))
	assert.Equal(t, []string{"c2"}, h.tracker.Connections("ABC", "u1"))

	h.tracker.OnDisconnect("c2")
	assert.True(t, h.tracker.GracePending("u1"))
}

func TestUnbindArmsNothing(t *testing.T) {
	h := setupTracker(t)
	h.tracker.Bind(bind("c1", "ABC", "u1", "alice"))

	_, ok := h.tracker.Unbind("c1")
	require.True(t, ok)
	assert.False(t, h.tracker.GracePending("u1"))

	_, ok = h.tracker.OnDisconnect("c1")
	assert.False(t, ok, "unbound connection has nothing to disconnect")
	assert.Equal(t, 0, h.tracker.Len())
}

func TestBindReplacesPrevious(t *testing.T) {
	h := setupTracker(t)
	h.tracker.Bind(bind("c1", "ABC", "u1", "alice"))

	prev, had := h.tracker.Bind(bind("c1", "DEF", "u1", "alice"))
	require.True(t, had)
	assert.Equal(t, "ABC", prev.LobbyID)

	b, ok := h.tracker.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, "DEF", b.LobbyID)
}

func TestDropLobbyCancelsGrace(t *testing.T) {
	h := setupTracker(t)
	h.tracker.Bind(bind("c1", "ABC", "u1", "alice"))
	h.tracker.Bind(bind("c2", "ABC", "u2", "bob"))
	h.tracker.Bind(bind("c3", "DEF", "u3", "carol"))
	h.tracker.OnDisconnect("c2")

	h.tracker.DropLobby("ABC")
	assert.Equal(t, 1, h.tracker.Len())
	assert.False(t, h.tracker.GracePending("u2"))

	h.clock.Advance(grace)
	h.drain()
	assert.Empty(t, h.removals)
}

func TestTokenLookup(t *testing.T) {
	h := setupTracker(t)
	b := bind("c1", "ABC", "u1", "alice")
	b.Token = "tok"
	h.tracker.Bind(b)
	h.tracker.Bind(bind("c2", "ABC", "u2", "bob"))

	assert.Equal(t, "tok", h.tracker.Token("ABC", "u1"))
	assert.Empty(t, h.tracker.Token("ABC", "u2"))
}

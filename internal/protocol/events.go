// Package protocol defines the JSON frames exchanged with lobby clients.
package protocol

import "github.com/jason-s-yu/trivia/internal/models"

// Client -> server message types.
const (
	TypeJoinLobby          = "joinLobby"
	TypeCreateLobby        = "createLobby"
	TypeLeaveLobby         = "leaveLobby"
	TypeDisbandLobby       = "disbandLobby"
	TypeListLobbies        = "listLobbies"
	TypeStartGame          = "startGame"
	TypeAnswer             = "answer"
	TypeStoreGameSessionID = "storeGameSessionId"
	TypeSendMessage        = "sendMessage"
)

// Message is an inbound frame. Fields are flat and optional; which ones are read
// depends on Type.
type Message struct {
	Type          string            `json:"type"`
	LobbyID       string            `json:"lobbyId,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	Username      string            `json:"username,omitempty"`
	Questions     []models.Question `json:"questions,omitempty"`
	Answer        *string           `json:"answer,omitempty"` // null means "no answer"
	GameSessionID string            `json:"gameSessionId,omitempty"`
	Sender        string            `json:"sender,omitempty"`
	Message       string            `json:"message,omitempty"`
}

// EventType names a server -> client frame.
type EventType string

const (
	EventLobbyUpdate          EventType = "lobbyUpdate"
	EventLobbyListUpdate      EventType = "lobbyListUpdate"
	EventLobbyClosed          EventType = "lobbyClosed"
	EventGameState            EventType = "gameState"
	EventGameOver             EventType = "gameOver"
	EventGameSessionFinalized EventType = "gameSessionFinalized"
	EventReceiveMessage       EventType = "receiveMessage"
	EventError                EventType = "error"
)

// Event is an outbound frame.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// LobbyClosedPayload tells members the lobby is gone and they must navigate away.
type LobbyClosedPayload struct {
	LobbyID string `json:"lobbyId"`
}

// GameOverPayload carries final results.
type GameOverPayload struct {
	LobbyID       string               `json:"lobbyId"`
	PlayerScores  map[string]int       `json:"playerScores"`
	Scoreboard    []models.PlayerScore `json:"scoreboard"`
	GameSessionID *string              `json:"gameSessionId"`
}

// SessionFinalizedPayload relays the durable session id. Failed is set when the
// finalize call gave up, so waiting clients can move on without an id.
type SessionFinalizedPayload struct {
	LobbyID       string  `json:"lobbyId"`
	GameSessionID *string `json:"gameSessionId"`
	Failed        bool    `json:"failed,omitempty"`
}

// ChatPayload is a relayed chat line.
type ChatPayload struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// ErrorPayload is sent to a single connection when its request was refused.
type ErrorPayload struct {
	Message string `json:"message"`
}

func LobbyUpdate(s models.LobbySnapshot) Event {
	return Event{Type: EventLobbyUpdate, Payload: s}
}

func LobbyListUpdate(list []models.LobbySnapshot) Event {
	if list == nil {
		list = []models.LobbySnapshot{}
	}
	return Event{Type: EventLobbyListUpdate, Payload: list}
}

func LobbyClosed(lobbyID string) Event {
	return Event{Type: EventLobbyClosed, Payload: LobbyClosedPayload{LobbyID: lobbyID}}
}

func GameState(s models.GameStateSnapshot) Event {
	return Event{Type: EventGameState, Payload: s}
}

func GameOver(p GameOverPayload) Event {
	return Event{Type: EventGameOver, Payload: p}
}

func SessionFinalized(lobbyID, sessionID string, failed bool) Event {
	p := SessionFinalizedPayload{LobbyID: lobbyID, Failed: failed}
	if sessionID != "" {
		p.GameSessionID = &sessionID
	}
	return Event{Type: EventGameSessionFinalized, Payload: p}
}

func ReceiveMessage(sender, message string) Event {
	return Event{Type: EventReceiveMessage, Payload: ChatPayload{Sender: sender, Message: message}}
}

func Error(msg string) Event {
	return Event{Type: EventError, Payload: ErrorPayload{Message: msg}}
}

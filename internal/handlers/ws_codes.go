// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes. Browsers cannot read the HTTP status of a failed
// upgrade, so handshake problems are reported after Accept with one of these.
const (
	BadSubprotocolError   = 3000 // Client offered subprotocols, none of them trivia.
	InvalidAuthTokenError = 3001 // Token missing, expired or signed by another key.
	CoordinatorDownError  = 3002 // The coordinator loop has stopped.
)

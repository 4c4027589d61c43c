// Package finalizer records completed game sessions with the persistence service
// and relays the durable session id back to the lobby.
package finalizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/jason-s-yu/trivia/internal/database"
	"github.com/jason-s-yu/trivia/internal/models"
)

var (
	// ErrPermanent marks a failure that retrying will not fix.
	ErrPermanent   = errors.New("permanent finalize failure")
	ErrNoSessionID = errors.New("finalize response carried no gameSessionId")
	ErrBadConfig   = errors.New("finalizer misconfigured")
)

// Finalizer durably records a completed session and returns its id. token is the
// owner's credential, empty when the owner did not present one.
type Finalizer interface {
	Finalize(ctx context.Context, res models.SessionResult, token string) (string, error)
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(ctx context.Context, res models.SessionResult, token string) (string, error)

func (f FinalizerFunc) Finalize(ctx context.Context, res models.SessionResult, token string) (string, error) {
	return f(ctx, res, token)
}

// HTTP posts results to the persistence service's finalize endpoint.
type HTTP struct {
	client   *http.Client
	endpoint string
}

// NewHTTP targets baseURL joined with path. A nil client uses http.DefaultClient;
// per-attempt timeouts come from the caller's context.
func NewHTTP(baseURL, path string, client *http.Client) (*HTTP, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: empty finalizer url", ErrBadConfig)
	}
	endpoint, err := url.JoinPath(baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client, endpoint: endpoint}, nil
}

type finalizeResponse struct {
	GameSessionID string `json:"gameSessionId"`
	ID            string `json:"id"`
}

func (h *HTTP) Finalize(ctx context.Context, res models.SessionResult, token string) (string, error) {
	body, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("%w: marshal result: %v", ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("finalize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("finalize returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return "", err
	}

	var out finalizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode finalize response: %w", err)
	}
	id := out.GameSessionID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", ErrNoSessionID
	}
	return id, nil
}

// Postgres writes results straight into the session tables.
type Postgres struct {
	db database.TxBeginner
}

func NewPostgres(db database.TxBeginner) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Finalize(ctx context.Context, res models.SessionResult, _ string) (string, error) {
	id, err := database.RecordGameSession(ctx, p.db, res)
	if errors.Is(err, database.ErrInvalidSessionID) {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return id, err
}

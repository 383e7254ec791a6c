package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StaticSource always returns the same token with a far-future expiry.
// Used in development and for worker types that don't need a downstream
// credential at all.
type StaticSource struct {
	Value string
}

// Fetch implements Source.
func (s StaticSource) Fetch(ctx context.Context) (Token, error) {
	return Token{Value: s.Value, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

// HTTPSource fetches a token from a downstream credential-issuing
// endpoint that returns JSON `{ "token": "...", "expiresIn": <seconds> }`.
type HTTPSource struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPSource builds an HTTPSource with a sane request timeout.
func NewHTTPSource(endpoint string) *HTTPSource {
	return &HTTPSource{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, nil)
	if err != nil {
		return Token{}, fmt.Errorf("identity: building request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("identity: requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("identity: token endpoint returned %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, fmt.Errorf("identity: decoding token response: %w", err)
	}
	if body.Token == "" {
		return Token{}, fmt.Errorf("identity: token endpoint returned empty token")
	}

	return Token{
		Value:     body.Token,
		ExpiresAt: time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

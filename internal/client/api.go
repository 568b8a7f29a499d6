// Package client is the terminal side of a practice conversation: it owns
// the capture engine, moves recordings to the server over the realtime
// connection and renders the conversation as it changes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonmumm/escuchame2/internal/conversation"
)

// API calls the server's HTTP endpoints.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI creates an API for serverURL, e.g. http://localhost:8080.
func NewAPI(serverURL string) *API {
	return &API{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Token returns the bearer token in use.
func (a *API) Token() string { return a.token }

// SetToken reuses an existing token.
func (a *API) SetToken(token string) { a.token = token }

type tokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewConversation is what the client asks the server to create.
type NewConversation struct {
	Type           string `json:"type"`
	Prompt         string `json:"prompt,omitempty"`
	NativeLanguage string `json:"nativeLanguage"`
	TargetLanguage string `json:"targetLanguage"`
}

// Guest requests a guest token and keeps it for later calls.
func (a *API) Guest(ctx context.Context, name string) (userID string, err error) {
	var resp tokenResponse
	if err := a.do(ctx, http.MethodPost, "/api/v1/auth/token", map[string]string{"name": name}, &resp); err != nil {
		return "", fmt.Errorf("failed to get guest token: %w", err)
	}
	a.token = resp.Token
	return resp.UserID, nil
}

// Create starts a conversation.
func (a *API) Create(ctx context.Context, in NewConversation) (conversation.View, error) {
	var view conversation.View
	if err := a.do(ctx, http.MethodPost, "/api/v1/conversations", in, &view); err != nil {
		return view, fmt.Errorf("failed to create conversation: %w", err)
	}
	return view, nil
}

// Audio downloads a clip by the URL a message carries.
func (a *API) Audio(ctx context.Context, clipURL string) ([]byte, error) {
	req, err := a.request(ctx, http.MethodGet, clipURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	return io.ReadAll(resp.Body)
}

// WebSocketURL is the realtime endpoint for a conversation.
func (a *API) WebSocketURL(conversationID string) (string, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/conversations/" + url.PathEscape(conversationID)
	return u.String(), nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := a.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *API) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	var e errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %s: %s", resp.StatusCode, e.Error, e.Message)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

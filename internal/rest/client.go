package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/debate-voice/internal/auth"
)

// APIError is a non-2xx response from the debate API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Body)
}

// Room is a debate room as the API returns it.
type Room struct {
	ID         string `json:"id"`
	Topic      Topic  `json:"topic"`
	Status     string `json:"status"`
	UserStance string `json:"user_stance"`
	Language   string `json:"language"`
	AISpeaker  string `json:"ai_speaker"`
	CreatedAt  string `json:"created_at"`
}

// Topic is a debate topic from the catalogue.
type Topic struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// CreateRoomRequest selects the topic and room settings for a new debate.
type CreateRoomRequest struct {
	TopicID    int    `json:"topic_id"`
	UserStance string `json:"user_stance"`
	Language   string `json:"language"`
	AISpeaker  string `json:"ai_speaker"`
}

// Client talks to the debate REST API: login, topic catalogue and room
// lifecycle. The realtime traffic goes over the websocket channel, not here.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *auth.Provider
	logger  *zap.Logger
}

// NewClient creates a client against the API base URL, e.g.
// http://localhost:8000/api.
func NewClient(baseURL string, tokens *auth.Provider, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
		logger:  logger.Named("rest"),
	}
}

// Login exchanges credentials for a token pair and stores it in the
// provider.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var out struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	payload := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/token/", payload, &out, false); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := c.tokens.Set(out.Access, out.Refresh); err != nil {
		return fmt.Errorf("login returned unusable token: %w", err)
	}
	c.logger.Info("logged in", zap.String("username", username))
	return nil
}

// RefreshAccess trades the refresh token for a new access token.
func (c *Client) RefreshAccess(ctx context.Context) error {
	refresh := c.tokens.Refresh()
	if refresh == "" {
		return auth.ErrNoToken
	}
	var out struct {
		Access string `json:"access"`
	}
	payload := map[string]string{"refresh": refresh}
	if err := c.do(ctx, http.MethodPost, "/token/refresh/", payload, &out, false); err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	return c.tokens.Set(out.Access, refresh)
}

// ListTopics fetches the debate topic catalogue.
func (c *Client) ListTopics(ctx context.Context) ([]Topic, error) {
	var topics []Topic
	if err := c.do(ctx, http.MethodGet, "/debate-topics/", nil, &topics, true); err != nil {
		return nil, err
	}
	return topics, nil
}

// CreateRoom creates a new debate room.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (*Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodPost, "/debate-rooms/", req, &room, true); err != nil {
		return nil, err
	}
	c.logger.Info("room created", zap.String("roomID", room.ID))
	return &room, nil
}

// GetRoom fetches one room by id.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	path := fmt.Sprintf("/debate-rooms/%s/", roomID)
	if err := c.do(ctx, http.MethodGet, path, nil, &room, true); err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRooms fetches the caller's rooms.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, http.MethodGet, "/debate-rooms/", nil, &rooms, true); err != nil {
		return nil, err
	}
	return rooms, nil
}

// do runs one API round trip. Authenticated calls attach the bearer token,
// refreshing it first when it has gone stale.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, authed bool) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if authed {
		token, err := c.tokens.Access()
		if err == auth.ErrTokenExpired {
			if rerr := c.RefreshAccess(ctx); rerr != nil {
				return fmt.Errorf("token refresh failed: %w", rerr)
			}
			token, err = c.tokens.Access()
		}
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

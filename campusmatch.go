// Package campusmatch provides the Go client library for the CampusMatch
// chat service: the HTTP persistence boundary plus a realtime messaging
// synchronization engine (connection lifecycle, optimistic message store,
// typing indicators, delivery states).
//
// Example:
//
//	client := campusmatch.NewClient(token)
//	rt := client.Realtime(nil)
//	rt.Open(ctx)
//	defer rt.Close()
//
//	chat := campusmatch.NewChat(client, rt, selfID)
//	session, _ := chat.OpenConversation(ctx, "match-123")
//	defer session.Close()
//	session.Send(ctx, "hey!", "")
package campusmatch

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

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.campusmatch.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP API client. It is the reliable persistence boundary the
// realtime engine falls back to when the socket is unavailable.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new CampusMatch API client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token, for example after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Realtime creates a realtime client bound to this API client's base URL and
// token. Pass nil for default configuration.
func (c *Client) Realtime(cfg *RealtimeConfig) *RealtimeClient {
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	cfg.defaults()
	return newRealtimeClient(c.baseURL, cfg, c.log)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		c.log.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("api request failed")
		return nil, apiErr
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat persistence endpoints
// ============================================================================

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

// Messages fetches the full ordered history of a conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/"+conversationID+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[messagesResponse](data)
	if err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// SendMessage persists a message over HTTP. This is the fallback path used
// when the realtime channel is unavailable; it returns the persisted record,
// which carries the echoed localId for reconciliation.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/chat/"+req.ConversationID+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// DeleteMessage deletes a persisted message, for everyone when forEveryone is
// set, otherwise only for the requesting user. An id the server never
// persisted yields a NotFound APIError.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string, forEveryone bool) error {
	query := map[string]string{"forEveryone": "false"}
	if forEveryone {
		query["forEveryone"] = "true"
	}
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/chat/"+conversationID+"/messages/"+messageID, nil, query)
	return err
}

// ClearConversation deletes every message of a conversation server-side.
func (c *Client) ClearConversation(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/chat/"+conversationID+"/messages", nil, nil)
	return err
}

// MarkSeen marks the whole conversation read for the authenticated user.
// Idempotent server-side.
func (c *Client) MarkSeen(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/chat/"+conversationID+"/seen", nil, nil)
	return err
}

// ============================================================================
// Moderation endpoints
// ============================================================================

type reportRequest struct {
	Reason string `json:"reason"`
}

// ReportUser files a moderation report against another user.
func (c *Client) ReportUser(ctx context.Context, userID, reason string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/users/"+userID+"/report", reportRequest{Reason: reason}, nil)
	return err
}

// BlockUser blocks another user. The server dissolves the match.
func (c *Client) BlockUser(ctx context.Context, userID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/users/"+userID+"/block", nil, nil)
	return err
}

// Package chatsync is a client for the marketplace chat service.
//
// It keeps a normalized in-memory store of chats and messages consistent
// across paginated REST fetches, confirmed local mutations and push events
// delivered over a single WebSocket connection.
//
// Example:
//
//	client := chatsync.NewClient(
//		chatsync.WithBaseURL("https://svetu.rs"),
//		chatsync.WithToken(jwt),
//	)
//	session := chatsync.NewSession(client)
//	session.SetCurrentUser(42)
//
//	page, _ := session.FetchChats(ctx, 1)
//	_ = session.Connect(ctx)
//	defer session.Disconnect()
//
//	for _, chat := range session.Store().Chats() { ... }
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL       = "http://localhost:3000"
	DefaultTimeout       = 30 * time.Second
	DefaultWebSocketPath = "/ws/chat"
	DefaultPageSize      = 20

	apiPrefix = "/api/v1/marketplace"
)

// ============================================================================
// Credentials
// ============================================================================

// CredentialProvider supplies the bearer token used for REST calls and the
// push connection. An empty token means the user is logged out.
type CredentialProvider interface {
	Token() string
}

// StaticToken is a fixed credential.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func() string

func (f CredentialFunc) Token() string { return f() }

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	wsPath     string
	httpClient *http.Client
	creds      CredentialProvider
	logger     zerolog.Logger

	Chats       *ChatsClient
	Messages    *MessagesClient
	Attachments *AttachmentsClient
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

func WithCredentials(p CredentialProvider) ClientOption {
	return func(c *Client) { c.creds = p }
}

func WithToken(token string) ClientOption {
	return WithCredentials(StaticToken(token))
}

func WithWebSocketPath(path string) ClientOption {
	return func(c *Client) { c.wsPath = path }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a chat API client. Without a credential every
// authenticated operation built on it is a no-op.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		wsPath:  DefaultWebSocketPath,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		creds:  StaticToken(""),
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Chats = &ChatsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Attachments = &AttachmentsClient{client: c}
	return c
}

func (c *Client) token() string {
	if c.creds == nil {
		return ""
	}
	return c.creds.Token()
}

// Authenticated reports whether a credential is currently available.
func (c *Client) Authenticated() bool {
	return c.token() != ""
}

// WebSocketURL returns the push endpoint derived from the base URL.
func (c *Client) WebSocketURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + c.wsPath
}

// ============================================================================
// Internal request helper
// ============================================================================

// apiResult is the backend response envelope.
type apiResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (r *apiResult) decode(v interface{}) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*apiResult, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, bodyReader, contentType, query)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, query url.Values) (*apiResult, error) {
	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("chat api request")

	var result apiResult
	if jsonErr := json.Unmarshal(data, &result); jsonErr != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", jsonErr)
	}
	if resp.StatusCode >= 300 || !result.Success {
		code := result.Error
		if code == "" {
			code = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{Status: resp.StatusCode, Code: code}
	}
	return &result, nil
}

func pageQuery(page, limit int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

// ============================================================================
// Sub-clients
// ============================================================================

// ChatsClient handles the chat list.
type ChatsClient struct{ client *Client }

// List fetches one page of the user's chats. The backend may answer with a
// bare array; it is wrapped using the requested page and limit.
func (cc *ChatsClient) List(ctx context.Context, page, limit int) (*ChatsPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	res, err := cc.client.doRequest(ctx, http.MethodGet, "/chat", nil, pageQuery(page, limit))
	if err != nil {
		return nil, err
	}

	out := &ChatsPage{Page: page, Limit: limit}
	if gjson.ParseBytes(res.Data).IsArray() {
		if err := res.decode(&out.Chats); err != nil {
			return nil, err
		}
		out.Total = len(out.Chats)
	} else if err := res.decode(out); err != nil {
		return nil, err
	}
	if out.Chats == nil {
		out.Chats = []Chat{}
	}
	if out.Page == 0 {
		out.Page = page
	}
	if out.Limit == 0 {
		out.Limit = limit
	}
	return out, nil
}

func (cc *ChatsClient) Archive(ctx context.Context, chatID int64) error {
	_, err := cc.client.doRequest(ctx, http.MethodPost, "/chats/"+strconv.FormatInt(chatID, 10)+"/archive", nil, nil)
	return err
}

// MessagesClient handles message history and message writes.
type MessagesClient struct{ client *Client }

// List fetches one page of a chat's history. Pages count backwards in time:
// page 1 holds the newest messages.
func (mc *MessagesClient) List(ctx context.Context, q MessagesQuery) (*MessagesPage, error) {
	if q.ChatID == 0 {
		return nil, ErrChatIDRequired
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageSize
	}
	query := pageQuery(q.Page, q.Limit)
	query.Set("chat_id", strconv.FormatInt(q.ChatID, 10))

	res, err := mc.client.doRequest(ctx, http.MethodGet, "/chat/messages", nil, query)
	if err != nil {
		return nil, err
	}
	out := &MessagesPage{Page: q.Page, Limit: q.Limit}
	if err := res.decode(out); err != nil {
		return nil, err
	}
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	if out.Page == 0 {
		out.Page = q.Page
	}
	if out.Limit == 0 {
		out.Limit = q.Limit
	}
	return out, nil
}

func (mc *MessagesClient) Send(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	res, err := mc.client.doRequest(ctx, http.MethodPost, "/messages", req, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := res.decode(&msg); err != nil {
		return nil, err
	}
	msg.normalizeAttachments()
	return &msg, nil
}

func (mc *MessagesClient) MarkRead(ctx context.Context, chatID int64, messageIDs []int64) error {
	_, err := mc.client.doRequest(ctx, http.MethodPost, "/messages/read", &markReadRequest{
		ChatID:     chatID,
		MessageIDs: messageIDs,
	}, nil)
	return err
}

// UnreadCount asks the server for the user's total unread messages.
func (mc *MessagesClient) UnreadCount(ctx context.Context) (int, error) {
	res, err := mc.client.doRequest(ctx, http.MethodGet, "/messages/unread", nil, nil)
	if err != nil {
		return 0, err
	}
	var data struct {
		Count int `json:"count"`
	}
	if err := res.decode(&data); err != nil {
		return 0, err
	}
	return data.Count, nil
}

// AttachmentsClient handles message attachments. Upload lives in upload.go.
type AttachmentsClient struct{ client *Client }

func (ac *AttachmentsClient) Delete(ctx context.Context, attachmentID int64) error {
	_, err := ac.client.doRequest(ctx, http.MethodDelete, "/attachments/"+strconv.FormatInt(attachmentID, 10), nil, nil)
	return err
}

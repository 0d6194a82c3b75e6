// Package campusim provides the Go client SDK for the campus IM service.
//
// The SDK combines a REST client with a STOMP-over-WebSocket realtime channel
// and keeps an in-memory, reconciled view of conversations and messages for
// the lifetime of a session.
//
// Example:
//
//	client := campusim.NewClient(token)
//
//	// REST surface
//	convs, _ := client.Conversations.List(ctx)
//	client.Messages.MarkRead(ctx, "42")
//
//	// Full session (realtime + reconciled local state)
//	sess, _ := campusim.NewSession(client, token, nil)
//	sess.Connect(ctx)
//	sess.SendPrivate(ctx, 9, "text", "hello")
package campusim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 10 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator: request/response with an application-level
// status code envelope. A 401 envelope triggers the registered unauthorized
// hook before the call returns ErrUnauthorized.
type Client struct {
	token          string
	baseURL        string
	httpClient     *http.Client
	onUnauthorized func()

	Messages      *MessagesClient
	Conversations *ConversationsClient
	Friends       *FriendsClient
	Groups        *GroupsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token may be empty before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Messages = &MessagesClient{client: c}
	c.Conversations = &ConversationsClient{client: c}
	c.Friends = &FriendsClient{client: c}
	c.Groups = &GroupsClient{client: c}
	return c
}

// SetToken sets or replaces the credential used for the Authorization header.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the current credential.
func (c *Client) Token() string { return c.token }

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// OnUnauthorized registers the hook invoked when the server reports an
// expired or invalid credential.
func (c *Client) OnUnauthorized(fn func()) { c.onUnauthorized = fn }

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// do performs a request and unwraps the application envelope. Any non-200
// envelope code is converted to a typed error; the *Result is returned on
// success so callers can Decode the data payload.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrap(err, "unmarshal response")
	}
	if err := res.Err(); err != nil {
		if errors.Is(err, ErrUnauthorized) && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return &res, err
	}
	return &res, nil
}

// ============================================================================
// Auth & diagnostics
// ============================================================================

// Login exchanges credentials for a session token and stores it on the
// client.
func (c *Client) Login(ctx context.Context, phone, password string) (string, error) {
	if phone == "" {
		return "", &ValidationError{Field: "phone"}
	}
	if password == "" {
		return "", &ValidationError{Field: "password"}
	}
	res, err := c.do(ctx, "POST", "/api/login", map[string]string{
		"phone":    phone,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := res.Decode(&data); err != nil {
		return "", errors.Wrap(err, "decode login response")
	}
	if data.Token == "" {
		// Some deployments return the bare token string.
		var raw string
		if res.Decode(&raw) == nil {
			data.Token = raw
		}
	}
	c.token = data.Token
	return data.Token, nil
}

// ProbeHealth performs a best-effort GET against the liveness endpoint. It is
// diagnostic only: failures are logged, never acted on.
func (c *Client) ProbeHealth(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/health", nil)
	if err != nil {
		jww.WARN.Printf("health probe: %v", err)
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		jww.WARN.Printf("health probe: server unreachable: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		jww.WARN.Printf("health probe: status %d", resp.StatusCode)
		return
	}
	jww.INFO.Printf("health probe: server reachable")
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient wraps the message REST surface.
type MessagesClient struct{ client *Client }

type sendMessageBody struct {
	ReceiverID  int64  `json:"receiverId,omitempty"`
	GroupID     int64  `json:"groupId,omitempty"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// SendPrivate sends a private message over REST and returns the normalized
// server record (at minimum the assigned message id).
func (m *MessagesClient) SendPrivate(ctx context.Context, receiverID int64, contentType, content string) (*Message, error) {
	res, err := m.client.do(ctx, "POST", "/api/message/private/send", sendMessageBody{
		ReceiverID: receiverID, ContentType: contentType, Content: content,
	})
	if err != nil {
		return nil, err
	}
	return decodeMessage(res.Data)
}

// SendGroup sends a group message over REST.
func (m *MessagesClient) SendGroup(ctx context.Context, groupID int64, contentType, content string) (*Message, error) {
	res, err := m.client.do(ctx, "POST", "/api/message/group/send", sendMessageBody{
		GroupID: groupID, ContentType: contentType, Content: content,
	})
	if err != nil {
		return nil, err
	}
	return decodeMessage(res.Data)
}

// Private returns the message history with another user.
func (m *MessagesClient) Private(ctx context.Context, otherUserID int64) ([]*Message, error) {
	res, err := m.client.do(ctx, "GET", fmt.Sprintf("/api/message/private/%d", otherUserID), nil)
	if err != nil {
		return nil, err
	}
	return decodeMessages(res.Data)
}

// Group returns a group's message history.
func (m *MessagesClient) Group(ctx context.Context, groupID int64) ([]*Message, error) {
	res, err := m.client.do(ctx, "GET", fmt.Sprintf("/api/message/group/%d", groupID), nil)
	if err != nil {
		return nil, err
	}
	return decodeMessages(res.Data)
}

// MarkRead marks a single message as read.
func (m *MessagesClient) MarkRead(ctx context.Context, messageID string) error {
	_, err := m.client.do(ctx, "PUT", "/api/message/read/"+messageID, nil)
	return err
}

// Recall recalls a previously sent message.
func (m *MessagesClient) Recall(ctx context.Context, messageID string) error {
	_, err := m.client.do(ctx, "PUT", "/api/message/recall/"+messageID, nil)
	return err
}

// Delete removes a message.
func (m *MessagesClient) Delete(ctx context.Context, messageID string) error {
	_, err := m.client.do(ctx, "DELETE", "/api/message/"+messageID, nil)
	return err
}

// UnreadCount returns the total unread message count.
func (m *MessagesClient) UnreadCount(ctx context.Context) (int, error) {
	res, err := m.client.do(ctx, "GET", "/api/message/unread/count", nil)
	if err != nil {
		return 0, err
	}
	var count int
	if err := res.Decode(&count); err != nil {
		return 0, errors.Wrap(err, "decode unread count")
	}
	return count, nil
}

// Offline fetches the messages queued while the client was disconnected.
func (m *MessagesClient) Offline(ctx context.Context) ([]*Message, error) {
	res, err := m.client.do(ctx, "GET", "/api/message/offline", nil)
	if err != nil {
		return nil, err
	}
	return decodeMessages(res.Data)
}

// ConfirmOffline acknowledges receipt of queued messages. Ids that are not
// numeric server ids are filtered out before the call.
func (m *MessagesClient) ConfirmOffline(ctx context.Context, messageIDs []string) error {
	numeric := make([]int64, 0, len(messageIDs))
	for _, id := range messageIDs {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			numeric = append(numeric, n)
		}
	}
	if len(numeric) == 0 {
		return nil
	}
	_, err := m.client.do(ctx, "POST", "/api/message/offline/confirm", map[string]any{
		"messageIds": numeric,
	})
	return err
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient wraps the conversation REST surface.
type ConversationsClient struct{ client *Client }

// List returns the user's conversation summaries.
func (cv *ConversationsClient) List(ctx context.Context) ([]*Conversation, error) {
	res, err := cv.client.do(ctx, "GET", "/api/conversation/list", nil)
	if err != nil {
		return nil, err
	}
	return decodeConversations(res.Data)
}

// Get returns one conversation summary.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := cv.client.do(ctx, "GET", "/api/conversation/"+conversationID, nil)
	if err != nil {
		return nil, err
	}
	return decodeConversation(res.Data)
}

// CreatePrivate creates (or returns the existing) private conversation with
// another user. Creation is idempotent on the conversation identifier.
func (cv *ConversationsClient) CreatePrivate(ctx context.Context, otherUserID int64) (*Conversation, error) {
	res, err := cv.client.do(ctx, "POST", "/api/conversation/private", map[string]int64{
		"otherUserId": otherUserID,
	})
	if err != nil {
		return nil, err
	}
	return decodeConversation(res.Data)
}

// CreateGroup creates (or returns the existing) conversation for a group.
func (cv *ConversationsClient) CreateGroup(ctx context.Context, groupID int64) (*Conversation, error) {
	res, err := cv.client.do(ctx, "POST", "/api/conversation/group", map[string]int64{
		"groupId": groupID,
	})
	if err != nil {
		return nil, err
	}
	return decodeConversation(res.Data)
}

// Delete removes a conversation.
func (cv *ConversationsClient) Delete(ctx context.Context, conversationID string) error {
	_, err := cv.client.do(ctx, "DELETE", "/api/conversation/"+conversationID, nil)
	return err
}

// SetPinned pins or unpins a conversation.
func (cv *ConversationsClient) SetPinned(ctx context.Context, conversationID string, pinned bool) error {
	_, err := cv.client.do(ctx, "PUT", "/api/conversation/"+conversationID+"/top", map[string]bool{
		"isTop": pinned,
	})
	return err
}

// SetMuted mutes or unmutes a conversation.
func (cv *ConversationsClient) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	_, err := cv.client.do(ctx, "PUT", "/api/conversation/"+conversationID+"/mute", map[string]bool{
		"isMuted": muted,
	})
	return err
}

// Clear removes all messages from a conversation server-side.
func (cv *ConversationsClient) Clear(ctx context.Context, conversationID string) error {
	_, err := cv.client.do(ctx, "PUT", "/api/conversation/"+conversationID+"/clear", nil)
	return err
}

// MarkRead resets the conversation's unread count server-side.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := cv.client.do(ctx, "PUT", "/api/conversation/"+conversationID+"/read", nil)
	return err
}

// ============================================================================
// Friends
// ============================================================================

// FriendsClient wraps the friendship REST surface needed by the reconciler.
type FriendsClient struct{ client *Client }

// Check reports whether the given user is a friend of the current user.
// Private conversations are only materialized for friends.
func (f *FriendsClient) Check(ctx context.Context, userID int64) (bool, error) {
	res, err := f.client.do(ctx, "GET", fmt.Sprintf("/api/friendship/check/%d", userID), nil)
	if err != nil {
		return false, err
	}
	var isFriend bool
	if err := res.Decode(&isFriend); err != nil {
		return false, errors.Wrap(err, "decode friendship check")
	}
	return isFriend, nil
}

// List returns the current user's friends.
func (f *FriendsClient) List(ctx context.Context) (json.RawMessage, error) {
	res, err := f.client.do(ctx, "GET", "/api/friendship/list", nil)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// ============================================================================
// Groups
// ============================================================================

// GroupsClient wraps the group REST surface.
type GroupsClient struct{ client *Client }

// List returns the groups the current user belongs to.
func (g *GroupsClient) List(ctx context.Context) (json.RawMessage, error) {
	res, err := g.client.do(ctx, "GET", "/api/group/list", nil)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Get returns one group's detail.
func (g *GroupsClient) Get(ctx context.Context, groupID int64) (json.RawMessage, error) {
	res, err := g.client.do(ctx, "GET", fmt.Sprintf("/api/group/%d", groupID), nil)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

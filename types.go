package campusim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is an application-level error carried in a non-200 REST envelope.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// ValidationError reports a missing required field. It is returned before any
// network attempt is made.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return "missing required field: " + e.Field
}

// ErrUnauthorized is returned when the server reports an expired or invalid
// credential (REST code 401 or a STOMP auth failure). The session must be
// torn down and the user sent back to login.
var ErrUnauthorized = errors.New("unauthorized: credential expired or invalid")

// ============================================================================
// Domain Model
// ============================================================================

// ConversationType distinguishes private and group conversations.
type ConversationType int

const (
	ConversationPrivate ConversationType = 0
	ConversationGroup   ConversationType = 1
)

// ConnectionStatus is the realtime connection state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// Message is one chat message inside a conversation's ordered list.
//
// ID is the server-assigned identifier once confirmed. Before confirmation it
// holds a locally generated placeholder ("temp-" prefix); LocalID keeps that
// placeholder after the server id is written over ID, so duplicate
// suppression works on either key.
type Message struct {
	ID             string    `json:"messageId"`
	LocalID        string    `json:"tempId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	SenderID       int64     `json:"senderId"`
	ReceiverID     int64     `json:"receiverId,omitempty"`
	GroupID        int64     `json:"groupId,omitempty"`
	ContentType    string    `json:"contentType"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"timestamp"`
	Read           bool      `json:"isRead"`
	Recalled       bool      `json:"isRecalled"`
	Failed         bool      `json:"sendFailed,omitempty"`
}

// Confirmed reports whether the message carries a server-assigned id.
func (m *Message) Confirmed() bool {
	return m.ID != "" && !strings.HasPrefix(m.ID, localIDPrefix)
}

// Conversation is the summary record for one chat.
type Conversation struct {
	ID          string           `json:"conversationId"`
	Type        ConversationType `json:"conversationType"`
	TargetID    int64            `json:"targetId"`
	Title       string           `json:"title,omitempty"`
	LastMessage string           `json:"lastMessage,omitempty"`
	LastAt      time.Time        `json:"timestamp"`
	Unread      int              `json:"unreadCount"`
	Pinned      bool             `json:"isTop"`
	Muted       bool             `json:"isMuted"`
}

// PresenceUpdate is a peer's online/offline broadcast.
type PresenceUpdate struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

// EventKind identifies the realtime topic an inbound event arrived on.
type EventKind string

const (
	EventPrivateMessage EventKind = "private"
	EventGroupMessage   EventKind = "group"
	EventReadReceipt    EventKind = "read"
	EventRecall         EventKind = "recall"
)

// Event is a typed inbound realtime event after topic demultiplexing and
// field normalization.
type Event struct {
	Kind    EventKind
	Message *Message
}

// ============================================================================
// Conversation identifiers
// ============================================================================

// PrivateConversationID derives the canonical conversation identifier for a
// private chat. It is order-independent in the two participant ids, so both
// sides compute the same value.
func PrivateConversationID(a, b int64) string {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("p%d-%d", lo, hi)
}

// GroupConversationID derives the conversation identifier for a group chat.
func GroupConversationID(groupID int64) string {
	return fmt.Sprintf("g%d", groupID)
}

// ============================================================================
// REST envelope
// ============================================================================

// Result is the application-level REST response envelope: code 200 means
// success, anything else carries an error message in msg.
type Result struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OK reports application-level success.
func (r *Result) OK() bool { return r.Code == 200 }

// Err converts a non-200 envelope into a typed error. 401 maps to
// ErrUnauthorized; any other failure code becomes an *APIError.
func (r *Result) Err() error {
	switch {
	case r.Code == 200:
		return nil
	case r.Code == 401:
		return ErrUnauthorized
	default:
		msg := r.Msg
		if msg == "" {
			msg = "request failed"
		}
		return &APIError{Code: r.Code, Message: msg}
	}
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Wire normalization
// ============================================================================

// The backend is not consistent about field names: messages arrive with
// either "id" or "messageId", and either "sendTime" or "timestamp". Ids may
// be JSON numbers or strings. Everything funnels through decodeMessage so the
// rest of the SDK only ever sees canonical fields.

func decodeRaw(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(err, "malformed payload")
	}
	return m, nil
}

func strField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func intField(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n
			}
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func boolField(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := m[k].(bool); ok {
			return v
		}
	}
	return false
}

func timeField(m map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		case json.Number:
			// Epoch milliseconds.
			if ms, err := v.Int64(); err == nil && ms > 0 {
				return time.UnixMilli(ms).UTC()
			}
		}
	}
	return time.Time{}
}

// decodeMessage normalizes one wire message into the canonical Message shape.
func decodeMessage(data []byte) (*Message, error) {
	m, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:             strField(m, "messageId", "id"),
		LocalID:        strField(m, "tempId"),
		ConversationID: strField(m, "conversationId"),
		SenderID:       intField(m, "senderId"),
		ReceiverID:     intField(m, "receiverId"),
		GroupID:        intField(m, "groupId"),
		ContentType:    strField(m, "contentType"),
		Content:        strField(m, "content"),
		SentAt:         timeField(m, "timestamp", "sendTime"),
		Read:           boolField(m, "isRead"),
		Recalled:       boolField(m, "isRecalled"),
	}, nil
}

// decodeMessages normalizes a wire message list, dropping elements that fail
// to parse. Used for REST history and offline-queue responses.
func decodeMessages(data []byte) ([]*Message, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, errors.Wrap(err, "malformed message list")
	}
	msgs := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// decodeConversation normalizes one wire conversation summary.
func decodeConversation(data []byte) (*Conversation, error) {
	m, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}
	return &Conversation{
		ID:          strField(m, "conversationId", "id"),
		Type:        ConversationType(intField(m, "conversationType")),
		TargetID:    intField(m, "targetId"),
		Title:       strField(m, "title"),
		LastMessage: strField(m, "lastMessage"),
		LastAt:      timeField(m, "timestamp", "lastMessageTime"),
		Unread:      int(intField(m, "unreadCount")),
		Pinned:      boolField(m, "isTop"),
		Muted:       boolField(m, "isMuted"),
	}, nil
}

func decodeConversations(data []byte) ([]*Conversation, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, errors.Wrap(err, "malformed conversation list")
	}
	convs := make([]*Conversation, 0, len(raws))
	for _, raw := range raws {
		conv, err := decodeConversation(raw)
		if err != nil {
			continue
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

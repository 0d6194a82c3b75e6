package campusim

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Session
// ============================================================================

// Session binds the REST client, the realtime channel and the local chat
// store into one logged-in user session. It owns the send pipeline
// (optimistic insert, realtime first, REST fallback) and the inbound
// reconciliation of realtime events into the store.
type Session struct {
	client *Client
	rt     *RealtimeClient
	store  *ChatStore
	userID int64

	mu        sync.Mutex
	wired     bool
	active    bool
	onExpired func()

	offlineMu  sync.Mutex
	offlineIDs []string
}

// NewSession creates a session for the given credential. The user id is read
// from the token's claims; a token without one is rejected up front.
func NewSession(client *Client, token string, rtConfig *RealtimeConfig) (*Session, error) {
	if token == "" {
		return nil, &ValidationError{Field: "token"}
	}
	userID, err := UserIDFromToken(token)
	if err != nil {
		return nil, err
	}

	cfg := RealtimeConfig{}
	if rtConfig != nil {
		cfg = *rtConfig
	}
	cfg.Token = token

	client.SetToken(token)
	s := &Session{
		client: client,
		rt:     NewRealtimeClient(client, &cfg),
		store:  NewChatStore(),
		userID: userID,
		active: true,
	}
	client.OnUnauthorized(s.expire)
	return s, nil
}

// UserIDFromToken extracts the numeric user id from the token's uid claim.
// The signature is not verified; the server remains the authority.
func UserIDFromToken(token string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, errors.Wrap(err, "parse token")
	}
	switch v := claims["uid"].(type) {
	case float64:
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, errors.Wrap(err, "uid claim")
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.Wrap(err, "uid claim")
		}
		return n, nil
	default:
		return 0, errors.New("token missing uid claim")
	}
}

// UserID returns the logged-in user's id.
func (s *Session) UserID() int64 { return s.userID }

// Store returns the session's local chat state.
func (s *Session) Store() *ChatStore { return s.store }

// Client returns the underlying REST client.
func (s *Session) Client() *Client { return s.client }

// Realtime returns the underlying realtime client.
func (s *Session) Realtime() *RealtimeClient { return s.rt }

// OnSessionExpired registers the hook invoked when the credential is rejected
// and the session tears itself down.
func (s *Session) OnSessionExpired(fn func()) {
	s.mu.Lock()
	s.onExpired = fn
	s.mu.Unlock()
}

// OnPresence registers a callback for peer presence broadcasts.
func (s *Session) OnPresence(fn func(PresenceUpdate)) {
	s.rt.OnStatus(fn)
}

// Connect wires the realtime handlers and opens the realtime channel. Queued
// offline messages are replayed in the background on every successful
// connect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if !s.wired {
		s.wired = true
		s.rt.OnMessage(s.handleEvent)
		s.rt.OnConnected(func() {
			go func() {
				if err := s.ReplayOffline(context.Background()); err != nil {
					jww.WARN.Printf("session: offline replay: %v", err)
				}
			}()
		})
		s.rt.OnAuthError(func(error) { s.expire() })
	}
	s.mu.Unlock()
	return s.rt.Connect(ctx)
}

// expire tears the session down after the server rejected the credential.
func (s *Session) expire() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	hook := s.onExpired
	s.mu.Unlock()

	jww.WARN.Printf("session: credential rejected, tearing down")
	s.teardown()
	if hook != nil {
		hook()
	}
}

// Logout is the user-initiated teardown.
func (s *Session) Logout() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.teardown()
}

func (s *Session) teardown() {
	s.rt.Disconnect()
	s.store.Reset()
	s.client.SetToken("")
	s.offlineMu.Lock()
	s.offlineIDs = nil
	s.offlineMu.Unlock()
	s.mu.Lock()
	s.wired = false
	s.mu.Unlock()
}

// ============================================================================
// Sending
// ============================================================================

// newPlaceholder builds the optimistic local message inserted before any
// network attempt.
func (s *Session) newPlaceholder(conversationID string, receiverID, groupID int64, contentType, content string) *Message {
	return &Message{
		ID:             localIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.userID,
		ReceiverID:     receiverID,
		GroupID:        groupID,
		ContentType:    contentType,
		Content:        content,
		SentAt:         time.Now(),
	}
}

// SendPrivate sends a private message: optimistic placeholder first, then
// the realtime channel, then the REST path when realtime is unavailable. The
// returned message is the live store record; its id is rewritten in place on
// confirmation.
func (s *Session) SendPrivate(ctx context.Context, receiverID int64, contentType, content string) (*Message, error) {
	if receiverID == 0 {
		return nil, &ValidationError{Field: "receiverId"}
	}
	if contentType == "" {
		return nil, &ValidationError{Field: "contentType"}
	}
	if content == "" {
		return nil, &ValidationError{Field: "content"}
	}

	convID := PrivateConversationID(s.userID, receiverID)
	s.store.UpsertConversation(&Conversation{
		ID:       convID,
		Type:     ConversationPrivate,
		TargetID: receiverID,
	})

	msg := s.newPlaceholder(convID, receiverID, 0, contentType, content)
	s.store.InsertMessage(convID, msg)
	s.store.Touch(convID, msg, false)

	if s.rt.SendPrivate(receiverID, contentType, content) {
		// Confirmation arrives as the server echo on the private topic.
		return msg, nil
	}

	sent, err := s.client.Messages.SendPrivate(ctx, receiverID, contentType, content)
	if err != nil {
		s.store.MarkFailed(convID, msg.ID)
		return msg, errors.Wrap(err, "send private")
	}
	s.store.ConfirmMessage(convID, msg.ID, sent.ID)
	return msg, nil
}

// SendGroup sends a group message through the same pipeline as SendPrivate.
func (s *Session) SendGroup(ctx context.Context, groupID int64, contentType, content string) (*Message, error) {
	if groupID == 0 {
		return nil, &ValidationError{Field: "groupId"}
	}
	if contentType == "" {
		return nil, &ValidationError{Field: "contentType"}
	}
	if content == "" {
		return nil, &ValidationError{Field: "content"}
	}

	convID := GroupConversationID(groupID)
	s.store.UpsertConversation(&Conversation{
		ID:       convID,
		Type:     ConversationGroup,
		TargetID: groupID,
	})

	msg := s.newPlaceholder(convID, 0, groupID, contentType, content)
	s.store.InsertMessage(convID, msg)
	s.store.Touch(convID, msg, false)

	if s.rt.SendGroup(groupID, contentType, content) {
		return msg, nil
	}

	sent, err := s.client.Messages.SendGroup(ctx, groupID, contentType, content)
	if err != nil {
		s.store.MarkFailed(convID, msg.ID)
		return msg, errors.Wrap(err, "send group")
	}
	s.store.ConfirmMessage(convID, msg.ID, sent.ID)
	return msg, nil
}

// MarkRead reports a message as read, realtime first with REST fallback, and
// applies the flag locally.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	if messageID == "" {
		return &ValidationError{Field: "messageId"}
	}
	if !s.rt.SendReadReceipt(messageID) {
		if err := s.client.Messages.MarkRead(ctx, messageID); err != nil {
			return errors.Wrap(err, "mark read")
		}
	}
	s.store.ApplyRead(messageID)
	return nil
}

// Recall recalls a previously sent message, realtime first with REST
// fallback, and applies the flag locally.
func (s *Session) Recall(ctx context.Context, messageID string) error {
	if messageID == "" {
		return &ValidationError{Field: "messageId"}
	}

	convType := ConversationPrivate
	var targetID int64
	if _, convID := s.store.FindMessage(messageID); convID != "" {
		if conv := s.store.Conversation(convID); conv != nil {
			convType = conv.Type
			targetID = conv.TargetID
		}
	}

	if !s.rt.SendRecall(messageID, convType, targetID) {
		if err := s.client.Messages.Recall(ctx, messageID); err != nil {
			return errors.Wrap(err, "recall")
		}
	}
	s.store.ApplyRecall(messageID)
	return nil
}

// DeleteMessage removes a message server-side and locally.
func (s *Session) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := s.client.Messages.Delete(ctx, messageID); err != nil {
		return errors.Wrap(err, "delete message")
	}
	s.store.RemoveMessage(conversationID, messageID)
	return nil
}

// ============================================================================
// Loading
// ============================================================================

// LoadConversations fetches the conversation list and replaces the local one.
func (s *Session) LoadConversations(ctx context.Context) ([]*Conversation, error) {
	convs, err := s.client.Conversations.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load conversations")
	}
	s.store.SetConversations(convs)
	return convs, nil
}

// LoadPrivateHistory fetches the message history with another user and
// replaces that conversation's local list.
func (s *Session) LoadPrivateHistory(ctx context.Context, otherUserID int64) ([]*Message, error) {
	msgs, err := s.client.Messages.Private(ctx, otherUserID)
	if err != nil {
		return nil, errors.Wrap(err, "load private history")
	}
	convID := PrivateConversationID(s.userID, otherUserID)
	s.store.UpsertConversation(&Conversation{
		ID:       convID,
		Type:     ConversationPrivate,
		TargetID: otherUserID,
	})
	s.store.SetMessages(convID, msgs)
	return msgs, nil
}

// LoadGroupHistory fetches a group's message history and replaces that
// conversation's local list.
func (s *Session) LoadGroupHistory(ctx context.Context, groupID int64) ([]*Message, error) {
	msgs, err := s.client.Messages.Group(ctx, groupID)
	if err != nil {
		return nil, errors.Wrap(err, "load group history")
	}
	convID := GroupConversationID(groupID)
	s.store.UpsertConversation(&Conversation{
		ID:       convID,
		Type:     ConversationGroup,
		TargetID: groupID,
	})
	s.store.SetMessages(convID, msgs)
	return msgs, nil
}

// MarkConversationRead zeroes the unread counter server-side and locally.
func (s *Session) MarkConversationRead(ctx context.Context, conversationID string) error {
	if err := s.client.Conversations.MarkRead(ctx, conversationID); err != nil {
		return errors.Wrap(err, "mark conversation read")
	}
	s.store.MarkConversationRead(conversationID)
	return nil
}

// PinConversation pins or unpins a conversation server-side and locally.
func (s *Session) PinConversation(ctx context.Context, conversationID string, pinned bool) error {
	if err := s.client.Conversations.SetPinned(ctx, conversationID, pinned); err != nil {
		return errors.Wrap(err, "pin conversation")
	}
	s.store.SetPinned(conversationID, pinned)
	return nil
}

// MuteConversation mutes or unmutes a conversation server-side and locally.
func (s *Session) MuteConversation(ctx context.Context, conversationID string, muted bool) error {
	if err := s.client.Conversations.SetMuted(ctx, conversationID, muted); err != nil {
		return errors.Wrap(err, "mute conversation")
	}
	s.store.SetMuted(conversationID, muted)
	return nil
}

// ClearConversation empties a conversation's messages server-side and
// locally.
func (s *Session) ClearConversation(ctx context.Context, conversationID string) error {
	if err := s.client.Conversations.Clear(ctx, conversationID); err != nil {
		return errors.Wrap(err, "clear conversation")
	}
	s.store.ClearMessages(conversationID)
	return nil
}

// DeleteConversation removes a conversation server-side and locally.
func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.client.Conversations.Delete(ctx, conversationID); err != nil {
		return errors.Wrap(err, "delete conversation")
	}
	s.store.RemoveConversation(conversationID)
	return nil
}

// ============================================================================
// Inbound reconciliation
// ============================================================================

// handleEvent reconciles one realtime event into the store. It is also the
// replay path for queued offline messages, so everything here must be
// idempotent.
func (s *Session) handleEvent(ev Event) {
	if ev.Message == nil {
		return
	}
	switch ev.Kind {
	case EventPrivateMessage:
		s.handlePrivate(ev.Message)
	case EventGroupMessage:
		s.handleGroup(ev.Message)
	case EventReadReceipt:
		if !s.store.ApplyRead(ev.Message.ID) {
			jww.DEBUG.Printf("session: read receipt for unknown message %s", ev.Message.ID)
		}
	case EventRecall:
		if !s.store.ApplyRecall(ev.Message.ID) {
			jww.DEBUG.Printf("session: recall for unknown message %s", ev.Message.ID)
		}
	default:
		jww.WARN.Printf("session: unknown event kind %q", ev.Kind)
	}
}

func (s *Session) handlePrivate(msg *Message) {
	self := msg.SenderID == s.userID
	peer := msg.SenderID
	if self {
		peer = msg.ReceiverID
	}
	convID := msg.ConversationID
	if convID == "" {
		convID = PrivateConversationID(s.userID, peer)
		msg.ConversationID = convID
	}

	// A message from ourselves is first matched against a pending optimistic
	// placeholder; a match is the realtime echo, not a new message.
	if self && s.store.ConfirmPending(convID, msg) {
		s.store.Touch(convID, msg, false)
		return
	}

	if !s.store.HasConversation(convID) {
		// Only friends get a conversation materialized on their behalf.
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		isFriend, err := s.client.Friends.Check(ctx, peer)
		cancel()
		if err != nil {
			jww.WARN.Printf("session: friendship check for %d failed, dropping message: %v", peer, err)
			return
		}
		if !isFriend {
			jww.INFO.Printf("session: dropping private message from non-friend %d", peer)
			return
		}
		unread := 1
		if self {
			unread = 0
		}
		s.store.UpsertConversation(&Conversation{
			ID:          convID,
			Type:        ConversationPrivate,
			TargetID:    peer,
			LastMessage: msg.Content,
			LastAt:      msg.SentAt,
			Unread:      unread,
		})
		s.store.InsertMessage(convID, msg)
		return
	}

	if s.store.InsertMessage(convID, msg) {
		s.store.Touch(convID, msg, !self)
	}
}

func (s *Session) handleGroup(msg *Message) {
	self := msg.SenderID == s.userID
	convID := msg.ConversationID
	if convID == "" {
		if msg.GroupID == 0 {
			jww.WARN.Printf("session: group message without group id, dropping")
			return
		}
		convID = GroupConversationID(msg.GroupID)
		msg.ConversationID = convID
	}

	if self && s.store.ConfirmPending(convID, msg) {
		s.store.Touch(convID, msg, false)
		return
	}

	// Group conversations are never materialized from a fan-out message; a
	// message for a conversation the user has not opened is dropped.
	if !s.store.HasConversation(convID) {
		jww.DEBUG.Printf("session: dropping group message for unknown conversation %s", convID)
		return
	}

	if s.store.InsertMessage(convID, msg) {
		s.store.Touch(convID, msg, !self)
	}
}

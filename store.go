package campusim

import (
	"sort"
	"sync"
)

// localIDPrefix marks a locally generated placeholder message id. Placeholder
// ids never collide with server ids, which are decimal.
const localIDPrefix = "temp-"

// ============================================================================
// ChatStore
// ============================================================================

// ChatStore is the in-memory view of conversations and their messages. It is
// the single reconciliation point: optimistic sends, realtime events, history
// loads and offline replays all land here, and duplicate suppression and
// ordering are enforced on the way in.
//
// All methods are safe for concurrent use.
type ChatStore struct {
	mu            sync.RWMutex
	conversations []*Conversation       // recency order, most recent first
	messages      map[string][]*Message // conversation id -> ascending send time
	observers     []func()
}

// NewChatStore creates an empty store.
func NewChatStore() *ChatStore {
	return &ChatStore{
		messages: make(map[string][]*Message),
	}
}

// OnChange registers an observer invoked after every mutation. Observers run
// outside the store lock.
func (s *ChatStore) OnChange(fn func()) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *ChatStore) notify() {
	s.mu.RLock()
	observers := append([]func(){}, s.observers...)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn()
	}
}

// ============================================================================
// Messages
// ============================================================================

// sameMessage reports whether an incoming message duplicates a stored one:
// equal server id, or the incoming local id matching either key of the stored
// message. A message that arrives twice, by any path, matches itself.
func sameMessage(stored, incoming *Message) bool {
	if incoming.ID != "" && (incoming.ID == stored.ID || incoming.ID == stored.LocalID) {
		return true
	}
	if incoming.LocalID != "" && (incoming.LocalID == stored.ID || incoming.LocalID == stored.LocalID) {
		return true
	}
	return false
}

// InsertMessage adds a message to its conversation's list. A duplicate of an
// already-stored message is ignored; after a new insert the list is re-sorted
// ascending by send time, so out-of-order arrivals land in the right place.
// Returns true when the message was actually added.
func (s *ChatStore) InsertMessage(conversationID string, msg *Message) bool {
	if conversationID == "" || msg == nil {
		return false
	}
	s.mu.Lock()
	list := s.messages[conversationID]
	for _, stored := range list {
		if sameMessage(stored, msg) {
			s.mu.Unlock()
			return false
		}
	}
	list = append(list, msg)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].SentAt.Before(list[j].SentAt)
	})
	s.messages[conversationID] = list
	s.mu.Unlock()
	s.notify()
	return true
}

// ConfirmMessage rewrites a placeholder in place with the server-assigned id.
// The message keeps its position; the placeholder moves to LocalID so later
// duplicate echoes of either key are suppressed. Returns false when no
// message with the placeholder id exists.
func (s *ChatStore) ConfirmMessage(conversationID, localID, serverID string) bool {
	if localID == "" || serverID == "" {
		return false
	}
	s.mu.Lock()
	for _, stored := range s.messages[conversationID] {
		if stored.ID == localID || stored.LocalID == localID {
			stored.ID = serverID
			stored.LocalID = localID
			stored.Failed = false
			s.mu.Unlock()
			s.notify()
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// ConfirmPending confirms the oldest unconfirmed message in a conversation
// with matching content. Used when the server echo of a realtime send carries
// no placeholder id to correlate on.
func (s *ChatStore) ConfirmPending(conversationID string, echo *Message) bool {
	if echo == nil || echo.ID == "" {
		return false
	}
	s.mu.Lock()
	for _, stored := range s.messages[conversationID] {
		if stored.Confirmed() || stored.Failed {
			continue
		}
		if stored.Content != echo.Content || stored.ContentType != echo.ContentType {
			continue
		}
		localID := stored.ID
		stored.ID = echo.ID
		stored.LocalID = localID
		if !echo.SentAt.IsZero() {
			stored.SentAt = echo.SentAt
		}
		s.mu.Unlock()
		s.notify()
		return true
	}
	s.mu.Unlock()
	return false
}

// MarkFailed flags a placeholder message as delivery-failed. The message is
// kept so the user can see and retry it.
func (s *ChatStore) MarkFailed(conversationID, localID string) bool {
	s.mu.Lock()
	for _, stored := range s.messages[conversationID] {
		if stored.ID == localID || stored.LocalID == localID {
			stored.Failed = true
			s.mu.Unlock()
			s.notify()
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// ApplyRead marks the message with the given server id as read. Returns false
// when the message is not present locally.
func (s *ChatStore) ApplyRead(messageID string) bool {
	return s.applyFlag(messageID, func(m *Message) { m.Read = true })
}

// ApplyRecall marks the message with the given server id as recalled.
func (s *ChatStore) ApplyRecall(messageID string) bool {
	return s.applyFlag(messageID, func(m *Message) { m.Recalled = true })
}

func (s *ChatStore) applyFlag(messageID string, apply func(*Message)) bool {
	if messageID == "" {
		return false
	}
	s.mu.Lock()
	for _, list := range s.messages {
		for _, stored := range list {
			if stored.ID == messageID {
				apply(stored)
				s.mu.Unlock()
				s.notify()
				return true
			}
		}
	}
	s.mu.Unlock()
	return false
}

// RemoveMessage deletes a message from its conversation's list.
func (s *ChatStore) RemoveMessage(conversationID, messageID string) bool {
	s.mu.Lock()
	list := s.messages[conversationID]
	for i, stored := range list {
		if stored.ID == messageID || stored.LocalID == messageID {
			s.messages[conversationID] = append(list[:i], list[i+1:]...)
			s.mu.Unlock()
			s.notify()
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// SetMessages replaces a conversation's message list, as after a history
// load. The list is sorted ascending by send time.
func (s *ChatStore) SetMessages(conversationID string, msgs []*Message) {
	sorted := append([]*Message{}, msgs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SentAt.Before(sorted[j].SentAt)
	})
	s.mu.Lock()
	s.messages[conversationID] = sorted
	s.mu.Unlock()
	s.notify()
}

// Messages returns a snapshot of a conversation's messages in send order.
func (s *ChatStore) Messages(conversationID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Message{}, s.messages[conversationID]...)
}

// FindMessage locates a message by server or placeholder id across all
// conversations.
func (s *ChatStore) FindMessage(messageID string) (*Message, string) {
	if messageID == "" {
		return nil, ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for convID, list := range s.messages {
		for _, stored := range list {
			if stored.ID == messageID || stored.LocalID == messageID {
				return stored, convID
			}
		}
	}
	return nil, ""
}

// ============================================================================
// Conversations
// ============================================================================

// UpsertConversation adds a conversation summary if absent. An existing
// conversation with the same id is left untouched, so repeated materialization
// from concurrent events is idempotent. Returns true when the conversation
// was added.
func (s *ChatStore) UpsertConversation(conv *Conversation) bool {
	if conv == nil || conv.ID == "" {
		return false
	}
	s.mu.Lock()
	for _, stored := range s.conversations {
		if stored.ID == conv.ID {
			s.mu.Unlock()
			return false
		}
	}
	s.conversations = append([]*Conversation{conv}, s.conversations...)
	s.mu.Unlock()
	s.notify()
	return true
}

// Conversation returns the summary for the given id, or nil.
func (s *ChatStore) Conversation(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stored := range s.conversations {
		if stored.ID == id {
			return stored
		}
	}
	return nil
}

// HasConversation reports whether a conversation is materialized locally.
func (s *ChatStore) HasConversation(id string) bool {
	return s.Conversation(id) != nil
}

// Touch updates a conversation's preview and recency and moves it to the
// front of the list. When incrementUnread is set the unread counter grows by
// one.
func (s *ChatStore) Touch(conversationID string, msg *Message, incrementUnread bool) bool {
	if msg == nil {
		return false
	}
	s.mu.Lock()
	idx := -1
	for i, stored := range s.conversations {
		if stored.ID == conversationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	conv := s.conversations[idx]
	conv.LastMessage = msg.Content
	if !msg.SentAt.IsZero() {
		conv.LastAt = msg.SentAt
	}
	if incrementUnread {
		conv.Unread++
	}
	copy(s.conversations[1:idx+1], s.conversations[:idx])
	s.conversations[0] = conv
	s.mu.Unlock()
	s.notify()
	return true
}

// MarkConversationRead zeroes a conversation's unread counter.
func (s *ChatStore) MarkConversationRead(conversationID string) {
	s.mutateConversation(conversationID, func(c *Conversation) { c.Unread = 0 })
}

// SetPinned updates a conversation's pinned flag.
func (s *ChatStore) SetPinned(conversationID string, pinned bool) {
	s.mutateConversation(conversationID, func(c *Conversation) { c.Pinned = pinned })
}

// SetMuted updates a conversation's muted flag.
func (s *ChatStore) SetMuted(conversationID string, muted bool) {
	s.mutateConversation(conversationID, func(c *Conversation) { c.Muted = muted })
}

func (s *ChatStore) mutateConversation(id string, apply func(*Conversation)) {
	s.mu.Lock()
	for _, stored := range s.conversations {
		if stored.ID == id {
			apply(stored)
			s.mu.Unlock()
			s.notify()
			return
		}
	}
	s.mu.Unlock()
}

// RemoveConversation deletes a conversation and its messages.
func (s *ChatStore) RemoveConversation(id string) bool {
	s.mu.Lock()
	for i, stored := range s.conversations {
		if stored.ID == id {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			delete(s.messages, id)
			s.mu.Unlock()
			s.notify()
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// ClearMessages empties a conversation's message list but keeps the summary.
func (s *ChatStore) ClearMessages(conversationID string) {
	s.mu.Lock()
	delete(s.messages, conversationID)
	s.mu.Unlock()
	s.notify()
}

// SetConversations replaces the conversation list, as after a server load.
// Pinned conversations sort first, then by recency.
func (s *ChatStore) SetConversations(convs []*Conversation) {
	sorted := append([]*Conversation{}, convs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Pinned != sorted[j].Pinned {
			return sorted[i].Pinned
		}
		return sorted[i].LastAt.After(sorted[j].LastAt)
	})
	s.mu.Lock()
	s.conversations = sorted
	s.mu.Unlock()
	s.notify()
}

// Conversations returns a snapshot of the conversation list in display order.
func (s *ChatStore) Conversations() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Conversation{}, s.conversations...)
}

// TotalUnread sums unread counters over all conversations.
func (s *ChatStore) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, stored := range s.conversations {
		total += stored.Unread
	}
	return total
}

// Reset empties the store. Called on logout and credential expiry.
func (s *ChatStore) Reset() {
	s.mu.Lock()
	s.conversations = nil
	s.messages = make(map[string][]*Message)
	s.mu.Unlock()
	s.notify()
}

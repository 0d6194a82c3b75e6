package campusim

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// makeToken builds an unsigned credential carrying the uid claim. The SDK
// never verifies signatures, so none is needed.
func makeToken(uid int64) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"uid":%d}`, uid)))
	return header + "." + claims + ".sig"
}

func writeEnvelope(w http.ResponseWriter, data any) {
	json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": data})
}

// newTestSession builds a session for user 1 against the given REST handler.
// The realtime channel stays disconnected, so every send exercises the REST
// fallback.
func newTestSession(t *testing.T, handler http.Handler) *Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient("", WithBaseURL(srv.URL))
	sess, err := NewSession(client, makeToken(1), &RealtimeConfig{
		HeartbeatInterval:   time.Hour,
		ReconnectDelay:      time.Hour,
		HealthCheckInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return sess
}

func TestUserIDFromToken(t *testing.T) {
	uid, err := UserIDFromToken(makeToken(42))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if uid != 42 {
		t.Errorf("uid = %d, want 42", uid)
	}

	if _, err := UserIDFromToken("garbage"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestSessionSendPrivateRESTFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/message/private/send", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]any{"id": 900, "senderId": 1, "receiverId": 9, "content": "hi"})
	})
	sess := newTestSession(t, mux)

	msg, err := sess.SendPrivate(context.Background(), 9, "text", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "900" {
		t.Errorf("message id = %q, want 900", msg.ID)
	}
	if !strings.HasPrefix(msg.LocalID, localIDPrefix) {
		t.Errorf("placeholder id not preserved: %q", msg.LocalID)
	}

	convID := PrivateConversationID(1, 9)
	msgs := sess.Store().Messages(convID)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !msgs[0].Confirmed() || msgs[0].Failed {
		t.Errorf("stored message = %+v", msgs[0])
	}
	conv := sess.Store().Conversation(convID)
	if conv == nil || conv.LastMessage != "hi" {
		t.Errorf("conversation summary = %+v", conv)
	}
}

func TestSessionSendPrivateRESTFailureMarksFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/message/private/send", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 500, "msg": "down"})
	})
	sess := newTestSession(t, mux)

	msg, err := sess.SendPrivate(context.Background(), 9, "text", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if !msg.Failed {
		t.Error("message not marked failed")
	}

	msgs := sess.Store().Messages(PrivateConversationID(1, 9))
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (failed message kept for retry)", len(msgs))
	}
}

func TestSessionSendValidation(t *testing.T) {
	sess := newTestSession(t, http.NewServeMux())

	var verr *ValidationError
	if _, err := sess.SendPrivate(context.Background(), 0, "text", "hi"); !errors.As(err, &verr) {
		t.Errorf("zero receiver: %v", err)
	}
	if _, err := sess.SendGroup(context.Background(), 7, "text", ""); !errors.As(err, &verr) {
		t.Errorf("empty content: %v", err)
	}
	if len(sess.Store().Conversations()) != 0 {
		t.Error("validation failure touched the store")
	}
}

func TestSessionEchoConfirmsPlaceholder(t *testing.T) {
	sess := newTestSession(t, http.NewServeMux())
	convID := PrivateConversationID(1, 9)
	sess.Store().UpsertConversation(&Conversation{ID: convID, Type: ConversationPrivate, TargetID: 9})
	sess.Store().InsertMessage(convID, &Message{
		ID: localIDPrefix + "x", SenderID: 1, ReceiverID: 9,
		ContentType: "text", Content: "hi", SentAt: at(0),
	})

	sess.handleEvent(Event{Kind: EventPrivateMessage, Message: &Message{
		ID: "900", SenderID: 1, ReceiverID: 9,
		ContentType: "text", Content: "hi", SentAt: at(1),
	}})

	msgs := sess.Store().Messages(convID)
	if len(msgs) != 1 {
		t.Fatalf("echo duplicated the message: %d entries", len(msgs))
	}
	if msgs[0].ID != "900" || !msgs[0].Confirmed() {
		t.Errorf("placeholder not confirmed: %+v", msgs[0])
	}
}

func TestSessionIncomingPrivateFromFriend(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/friendship/check/5", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, true)
	})
	sess := newTestSession(t, mux)

	msg := &Message{ID: "10", SenderID: 5, ReceiverID: 1, Content: "hey", SentAt: at(0)}
	sess.handleEvent(Event{Kind: EventPrivateMessage, Message: msg})

	convID := PrivateConversationID(1, 5)
	conv := sess.Store().Conversation(convID)
	if conv == nil {
		t.Fatal("conversation not materialized")
	}
	if conv.Unread != 1 {
		t.Errorf("unread = %d, want 1", conv.Unread)
	}
	if len(sess.Store().Messages(convID)) != 1 {
		t.Error("message not stored")
	}

	// Redelivery of the same message changes nothing.
	sess.handleEvent(Event{Kind: EventPrivateMessage, Message: &Message{ID: "10", SenderID: 5, ReceiverID: 1, Content: "hey", SentAt: at(0)}})
	if got := sess.Store().Conversation(convID).Unread; got != 1 {
		t.Errorf("redelivery bumped unread to %d", got)
	}
	if got := len(sess.Store().Messages(convID)); got != 1 {
		t.Errorf("redelivery duplicated the message: %d entries", got)
	}
}

func TestSessionIncomingPrivateFromNonFriendDropped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/friendship/check/66", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, false)
	})
	sess := newTestSession(t, mux)

	sess.handleEvent(Event{Kind: EventPrivateMessage, Message: &Message{
		ID: "10", SenderID: 66, ReceiverID: 1, Content: "spam", SentAt: at(0),
	}})

	if len(sess.Store().Conversations()) != 0 {
		t.Error("conversation materialized for non-friend")
	}
}

func TestSessionGroupMessageUnknownConversationDropped(t *testing.T) {
	sess := newTestSession(t, http.NewServeMux())

	msg := &Message{ID: "30", SenderID: 5, GroupID: 7, Content: "yo", SentAt: at(0)}
	sess.handleEvent(Event{Kind: EventGroupMessage, Message: msg})
	if len(sess.Store().Messages(GroupConversationID(7))) != 0 {
		t.Fatal("group message stored without a local conversation")
	}

	// Once the conversation exists, redelivery lands normally.
	sess.Store().UpsertConversation(&Conversation{ID: GroupConversationID(7), Type: ConversationGroup, TargetID: 7})
	sess.handleEvent(Event{Kind: EventGroupMessage, Message: msg})
	if len(sess.Store().Messages(GroupConversationID(7))) != 1 {
		t.Error("group message not stored after conversation appeared")
	}
	if got := sess.Store().Conversation(GroupConversationID(7)).Unread; got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
}

func TestSessionReadReceiptAppliesLocally(t *testing.T) {
	var marked bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/message/read/42", func(w http.ResponseWriter, r *http.Request) {
		marked = true
		writeEnvelope(w, nil)
	})
	sess := newTestSession(t, mux)
	convID := PrivateConversationID(1, 9)
	sess.Store().UpsertConversation(&Conversation{ID: convID})
	sess.Store().InsertMessage(convID, &Message{ID: "42", SentAt: at(0)})

	if err := sess.MarkRead(context.Background(), "42"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !marked {
		t.Error("REST fallback not used while realtime is down")
	}
	if !sess.Store().Messages(convID)[0].Read {
		t.Error("read flag not applied locally")
	}
}

func TestSessionRecallUnknownMessageEvent(t *testing.T) {
	sess := newTestSession(t, http.NewServeMux())
	// A recall for a message that was never stored is logged and ignored.
	sess.handleEvent(Event{Kind: EventRecall, Message: &Message{ID: "404"}})
	if len(sess.Store().Conversations()) != 0 {
		t.Error("recall event created state")
	}
}

func TestSessionExpiresOnUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 401, "msg": "expired"})
	})
	sess := newTestSession(t, mux)
	sess.Store().UpsertConversation(&Conversation{ID: "a"})

	expired := false
	sess.OnSessionExpired(func() { expired = true })

	_, err := sess.LoadConversations(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if !expired {
		t.Error("expiry hook not invoked")
	}
	if len(sess.Store().Conversations()) != 0 {
		t.Error("store survived session expiry")
	}
	if sess.Client().Token() != "" {
		t.Error("credential survived session expiry")
	}
}

func TestSessionLoadPrivateHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/message/private/9", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]any{
			{"id": 2, "senderId": 9, "content": "b", "sendTime": "2026-03-01T10:00:02Z"},
			{"id": 1, "senderId": 1, "content": "a", "sendTime": "2026-03-01T10:00:01Z"},
		})
	})
	sess := newTestSession(t, mux)

	if _, err := sess.LoadPrivateHistory(context.Background(), 9); err != nil {
		t.Fatalf("load: %v", err)
	}
	msgs := sess.Store().Messages(PrivateConversationID(1, 9))
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "1" || msgs[1].ID != "2" {
		t.Errorf("history not sorted by send time: %s, %s", msgs[0].ID, msgs[1].ID)
	}
}

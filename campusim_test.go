package campusim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/login" || r.Method != "POST" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["phone"] != "13800000000" || body["password"] != "secret" {
			t.Errorf("body = %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"data": map[string]string{"token": "tok-123"},
		})
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	token, err := client.Login(context.Background(), "13800000000", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token != "tok-123" || client.Token() != "tok-123" {
		t.Errorf("token = %q", token)
	}
}

func TestLoginValidation(t *testing.T) {
	client := NewClient("")
	var verr *ValidationError
	if _, err := client.Login(context.Background(), "", "pw"); !errors.As(err, &verr) {
		t.Errorf("empty phone: %v", err)
	}
	if _, err := client.Login(context.Background(), "138", ""); !errors.As(err, &verr) {
		t.Errorf("empty password: %v", err)
	}
}

func TestEnvelopeErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 500, "msg": "server exploded"})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.Conversations.List(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != 500 || apiErr.Message != "server exploded" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestUnauthorizedFiresHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 401, "msg": "expired"})
	}))
	defer srv.Close()

	client := NewClient("stale", WithBaseURL(srv.URL))
	fired := false
	client.OnUnauthorized(func() { fired = true })

	_, err := client.Messages.UnreadCount(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if !fired {
		t.Error("unauthorized hook not invoked")
	}
}

func TestSendPrivateRESTDecodesServerID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/message/private/send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"data": map[string]any{"id": 555, "senderId": 1, "receiverId": 9, "content": "hi"},
		})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	msg, err := client.Messages.SendPrivate(context.Background(), 9, "text", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "555" {
		t.Errorf("ID = %q, want 555", msg.ID)
	}
}

func TestConfirmOfflineFiltersNonNumericIDs(t *testing.T) {
	var got []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MessageIDs []int64 `json:"messageIds"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		got = body.MessageIDs
		json.NewEncoder(w).Encode(map[string]any{"code": 200})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	err := client.Messages.ConfirmOffline(context.Background(), []string{"10", "temp-abc", "11"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if len(got) != 2 || got[0] != 10 || got[1] != 11 {
		t.Errorf("messageIds = %v, want [10 11]", got)
	}
}

func TestConfirmOfflineNoNumericIDsSkipsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not have been made")
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	if err := client.Messages.ConfirmOffline(context.Background(), []string{"temp-a"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
}

func TestFriendshipCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/friendship/check/9" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": true})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	isFriend, err := client.Friends.Check(context.Background(), 9)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !isFriend {
		t.Error("isFriend = false, want true")
	}
}

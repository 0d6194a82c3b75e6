package campusim

import (
	"bytes"
	"testing"
	"time"
)

func TestStompFrameRoundTrip(t *testing.T) {
	f := newStompFrame(stompSend).
		set("destination", "/app/private.message").
		set("content-type", "application/json")
	f.body = []byte(`{"receiverId":9,"content":"hi"}`)

	wire := f.marshal()
	if wire[len(wire)-1] != 0 {
		t.Fatalf("frame not NUL terminated")
	}

	parsed, err := parseStompFrame(wire)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.command != stompSend {
		t.Errorf("command = %q, want %q", parsed.command, stompSend)
	}
	if got := parsed.header("destination"); got != "/app/private.message" {
		t.Errorf("destination = %q", got)
	}
	if !bytes.Equal(parsed.body, f.body) {
		t.Errorf("body = %q, want %q", parsed.body, f.body)
	}
}

func TestStompFrameNoBody(t *testing.T) {
	wire := newStompFrame(stompConnect).
		set("accept-version", "1.2").
		set("heart-beat", "20000,20000").
		marshal()

	parsed, err := parseStompFrame(wire)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.command != stompConnect {
		t.Errorf("command = %q", parsed.command)
	}
	if got := parsed.header("heart-beat"); got != "20000,20000" {
		t.Errorf("heart-beat = %q", got)
	}
	if len(parsed.body) != 0 {
		t.Errorf("body = %q, want empty", parsed.body)
	}
}

func TestStompFrameMissingNUL(t *testing.T) {
	raw := []byte("MESSAGE\ndestination:/topic/user.status\n\n{\"userId\":3}")
	parsed, err := parseStompFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(parsed.body) != `{"userId":3}` {
		t.Errorf("body = %q", parsed.body)
	}
}

func TestStompFrameCRLF(t *testing.T) {
	raw := []byte("CONNECTED\r\nversion:1.2\r\n\r\n\x00")
	parsed, err := parseStompFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.command != stompConnected {
		t.Errorf("command = %q", parsed.command)
	}
	if got := parsed.header("version"); got != "1.2" {
		t.Errorf("version = %q", got)
	}
}

func TestStompHeaderEscaping(t *testing.T) {
	f := newStompFrame(stompSend).set("destination", "a:b\nc\\d")
	parsed, err := parseStompFrame(f.marshal())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := parsed.header("destination"); got != "a:b\nc\\d" {
		t.Errorf("destination = %q", got)
	}
}

func TestStompMalformedFrame(t *testing.T) {
	if _, err := parseStompFrame([]byte("MESSAGE\nbadheader\n\nbody\x00")); err == nil {
		t.Fatal("expected error for header without separator")
	}
	if _, err := parseStompFrame([]byte("\x00")); err == nil {
		t.Fatal("expected error for empty frame")
	}
}

func TestIsHeartbeat(t *testing.T) {
	for _, raw := range []string{"\n", "\r\n", ""} {
		if !isHeartbeat([]byte(raw)) {
			t.Errorf("isHeartbeat(%q) = false", raw)
		}
	}
	if isHeartbeat([]byte("MESSAGE\n\n\x00")) {
		t.Error("frame detected as heartbeat")
	}
}

func TestHeartBeatHeader(t *testing.T) {
	if got := heartBeatHeader(20 * time.Second); got != "20000,20000" {
		t.Errorf("heartBeatHeader = %q", got)
	}
}

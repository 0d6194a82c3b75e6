package campusim

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// STOMP frame codec
// ============================================================================

// The realtime channel speaks STOMP 1.2 in WebSocket text messages: one frame
// per message, terminated by a NUL octet. A message consisting only of EOL is
// a heartbeat.

const (
	stompConnect     = "CONNECT"
	stompConnected   = "CONNECTED"
	stompSubscribe   = "SUBSCRIBE"
	stompUnsubscribe = "UNSUBSCRIBE"
	stompSend        = "SEND"
	stompDisconnect  = "DISCONNECT"
	stompMessage     = "MESSAGE"
	stompError       = "ERROR"
)

// heartbeatFrame is the wire form of a STOMP heartbeat.
var heartbeatFrame = []byte("\n")

type stompHeader struct {
	name  string
	value string
}

// stompFrame is one protocol frame. Header order is preserved.
type stompFrame struct {
	command string
	headers []stompHeader
	body    []byte
}

func newStompFrame(command string) *stompFrame {
	return &stompFrame{command: command}
}

func (f *stompFrame) set(name, value string) *stompFrame {
	f.headers = append(f.headers, stompHeader{name: name, value: value})
	return f
}

// header returns the value of the first header with the given name. Repeated
// headers after the first are ignored, as the STOMP spec requires.
func (f *stompFrame) header(name string) string {
	for _, h := range f.headers {
		if h.name == name {
			return h.value
		}
	}
	return ""
}

// escapeHeader applies STOMP 1.2 header value escaping.
func escapeHeader(v string) string {
	r := strings.NewReplacer("\\", "\\\\", "\n", "\\n", "\r", "\\r", ":", "\\c")
	return r.Replace(v)
}

func unescapeHeader(v string) string {
	r := strings.NewReplacer("\\\\", "\\", "\\n", "\n", "\\r", "\r", "\\c", ":")
	return r.Replace(v)
}

// marshal renders the frame in wire form.
func (f *stompFrame) marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.command)
	buf.WriteByte('\n')
	for _, h := range f.headers {
		buf.WriteString(escapeHeader(h.name))
		buf.WriteByte(':')
		buf.WriteString(escapeHeader(h.value))
		buf.WriteByte('\n')
	}
	if len(f.body) > 0 {
		buf.WriteString("content-length:")
		buf.WriteString(strconv.Itoa(len(f.body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// isHeartbeat reports whether a WebSocket message is a bare STOMP heartbeat.
func isHeartbeat(data []byte) bool {
	trimmed := bytes.TrimRight(data, "\r\n")
	return len(trimmed) == 0
}

// parseStompFrame decodes one wire frame. The trailing NUL is optional so
// lenient servers are tolerated.
func parseStompFrame(data []byte) (*stompFrame, error) {
	data = bytes.TrimSuffix(data, []byte{0})
	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		// Frame with headers but no body section.
		head = data
		body = nil
	}

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, errors.New("stomp: empty frame")
	}
	f := &stompFrame{command: strings.TrimSpace(lines[0])}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Errorf("stomp: malformed header %q", line)
		}
		f.headers = append(f.headers, stompHeader{
			name:  unescapeHeader(name),
			value: unescapeHeader(value),
		})
	}
	if n := f.header("content-length"); n != "" {
		if length, err := strconv.Atoi(n); err == nil && length <= len(body) {
			body = body[:length]
		}
	} else {
		body = bytes.TrimSuffix(body, []byte{0})
	}
	f.body = body
	return f, nil
}

// ============================================================================
// Heart-beat header
// ============================================================================

// heartBeatHeader renders the CONNECT heart-beat header for a bidirectional
// interval.
func heartBeatHeader(interval time.Duration) string {
	ms := interval.Milliseconds()
	return fmt.Sprintf("%d,%d", ms, ms)
}

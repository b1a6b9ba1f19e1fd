// Package mocktesting provides a scriptable stand-in for the streaming
// gateway, used by the client tests.
package mocktesting

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockStreamServer accepts WebSocket connections, answers the session
// handshake with scripted responses and records every frame it receives.
type MockStreamServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	answers  []string
	conns    []*websocket.Conn
	received []string
}

// NewMockStreamServer starts the server. Handshakes are answered with
// CONOK unless answers were queued with QueueHandshakeAnswer.
func NewMockStreamServer() *MockStreamServer {
	s := &MockStreamServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handleWS))
	return s
}

// URL returns the ws:// address to dial.
func (s *MockStreamServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Close tears down the server and all live connections.
func (s *MockStreamServer) Close() {
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	s.server.Close()
}

// QueueHandshakeAnswer schedules the answer for the next incoming
// handshake, e.g. "LOOP" or "CONERR,2,Licensed maximum exceeded".
func (s *MockStreamServer) QueueHandshakeAnswer(answer string) {
	s.mu.Lock()
	s.answers = append(s.answers, answer)
	s.mu.Unlock()
}

// Push broadcasts a raw frame to every established connection.
func (s *MockStreamServer) Push(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

// PushUpdate broadcasts a JSON update envelope for the subscription id.
func (s *MockStreamServer) PushUpdate(subscriptionID string, payload any) {
	data, _ := json.Marshal(payload)
	env, _ := json.Marshal(map[string]json.RawMessage{
		"type":           json.RawMessage(`"UPDATE"`),
		"subscriptionId": json.RawMessage(`"` + subscriptionID + `"`),
		"data":           data,
	})
	s.Push(string(env))
}

// Received returns a copy of all frames seen so far.
func (s *MockStreamServer) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	copy(out, s.received)
	return out
}

// WaitForFrame polls until a received frame contains substr or the
// timeout elapses.
func (s *MockStreamServer) WaitForFrame(substr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, f := range s.Received() {
			if strings.Contains(f, substr) {
				return true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// ConnectionCount returns how many connections reached the established
// stage.
func (s *MockStreamServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *MockStreamServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// First frame is the session-create request.
	_, create, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.received = append(s.received, string(create))
	answer := "CONOK"
	if len(s.answers) > 0 {
		answer = s.answers[0]
		s.answers = s.answers[1:]
	}
	s.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(answer)); err != nil {
		conn.Close()
		return
	}
	if !strings.Contains(answer, "CONOK") {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, string(frame))
		s.mu.Unlock()
	}
}

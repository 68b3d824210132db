package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockDify is an httptest.Server that simulates a Dify /v1/chat-messages endpoint.
//
// By default it streams the events in Events and closes the response. The
// remaining fields change that: Status answers with an error instead,
// DropAfter cuts the connection after that many frames, and HoldOpen keeps
// the response open after the last frame until the client goes away.
type MockDify struct {
	Server *httptest.Server

	Events    []any
	Status    int
	ErrorBody string
	DropAfter int
	HoldOpen  bool

	mu          sync.Mutex
	requests    int
	lastRequest map[string]any
	lastAuth    string
	done        chan struct{}
	closeOnce   sync.Once
}

// NewMockDify creates and starts a mock Dify server that streams events.
// Each event is JSON-encoded into one "data:" frame; a string is written
// verbatim instead.
func NewMockDify(events ...any) *MockDify {
	m := &MockDify{Events: events, done: make(chan struct{})}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// AnswerEvents splits answer into words and returns Dify message events for
// them followed by a message_end event.
func AnswerEvents(answer, messageID, conversationID string) []any {
	var events []any
	for i, word := range strings.Fields(answer) {
		if i > 0 {
			word = " " + word
		}
		events = append(events, map[string]any{
			"event":           "message",
			"task_id":         "task-1",
			"message_id":      messageID,
			"conversation_id": conversationID,
			"answer":          word,
			"created_at":      time.Now().Unix(),
		})
	}
	events = append(events, map[string]any{
		"event":           "message_end",
		"task_id":         "task-1",
		"message_id":      messageID,
		"conversation_id": conversationID,
		"metadata": map[string]any{
			"usage": map[string]any{
				"prompt_tokens":     5,
				"completion_tokens": 3,
				"total_tokens":      8,
			},
		},
	})
	return events
}

// Close releases held streams and shuts down the mock server.
func (m *MockDify) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.Server.Close()
}

// URL returns the base URL of the mock server.
func (m *MockDify) URL() string {
	return m.Server.URL
}

// Requests returns how many chat-messages requests were received.
func (m *MockDify) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// LastRequest returns the most recent request body.
func (m *MockDify) LastRequest() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// LastAuthorization returns the Authorization header of the most recent request.
func (m *MockDify) LastAuthorization() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuth
}

func (m *MockDify) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat-messages" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.requests++
	m.lastRequest = body
	m.lastAuth = r.Header.Get("Authorization")
	m.mu.Unlock()

	if m.Status != 0 && m.Status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(m.Status)
		fmt.Fprint(w, m.ErrorBody)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, hasFlusher := w.(http.Flusher)

	for i, ev := range m.Events {
		if m.DropAfter > 0 && i == m.DropAfter {
			m.drop(w)
			return
		}
		var data []byte
		if s, ok := ev.(string); ok {
			data = []byte(s)
		} else {
			data, _ = json.Marshal(ev)
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		if hasFlusher {
			flusher.Flush()
		}
	}
	if m.DropAfter > 0 && m.DropAfter >= len(m.Events) {
		m.drop(w)
		return
	}

	if m.HoldOpen {
		select {
		case <-r.Context().Done():
		case <-m.done:
		case <-time.After(10 * time.Second):
		}
	}
}

// drop closes the underlying connection without finishing the chunked body.
func (m *MockDify) drop(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

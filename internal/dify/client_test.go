package dify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "https://api.dify.ai", want: "https://api.dify.ai/v1/chat-messages"},
		{in: "https://api.dify.ai/", want: "https://api.dify.ai/v1/chat-messages"},
		{in: "https://api.dify.ai/v1", want: "https://api.dify.ai/v1/chat-messages"},
		{in: "https://example.com/dify/server/v1/chat-messages", want: "https://example.com/dify/server/v1/chat-messages"},
		{in: "http://localhost:5001/", want: "http://localhost:5001/v1/chat-messages"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChatURL(tt.in), tt.in)
	}
}

func TestClientOpen(t *testing.T) {
	var got ChatRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"answer\":\"hi\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	stream, err := c.Open(context.Background(), "key-1", &ChatRequest{Query: "hello", User: "u"})
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "hi", ev.Answer)
	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, "Bearer key-1", headers.Get("Authorization"))
	assert.Equal(t, "text/event-stream", headers.Get("Accept"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, ResponseModeStreaming, got.ResponseMode)
	assert.Equal(t, "hello", got.Query)
	assert.NotNil(t, got.Inputs)
}

func TestClientOpenHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code":"not_found","message":"App not found"}`+"\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	stream, err := c.Open(context.Background(), "key", &ChatRequest{Query: "q"})
	assert.Nil(t, stream)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, `{"code":"not_found","message":"App not found"}`, httpErr.Body)
}

package httputil

import (
	"net/http"
	"strings"
)

// ConversationHeader carries the Dify conversation id between the proxy and
// its callers, in both directions.
const ConversationHeader = "X-Dify-Conversation-Id"

// SetSSEHeaders sets the standard headers for a Server-Sent Events response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Credentials holds what a caller may supply about its Dify session.
type Credentials struct {
	APIKey         string
	User           string
	ConversationID string
}

// ExtractCredentials reads Dify credentials from the request:
//
//  1. X-Dify-Api-Key header, else Authorization: Bearer → APIKey
//  2. X-Dify-User header, else defaultUser → User
//  3. X-Dify-Conversation-Id header → ConversationID
//
// An empty APIKey means the server-side key applies.
func ExtractCredentials(r *http.Request, defaultUser string) Credentials {
	apiKey := strings.TrimSpace(r.Header.Get("X-Dify-Api-Key"))
	if apiKey == "" {
		auth := r.Header.Get("Authorization")
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			apiKey = strings.TrimSpace(rest)
		}
	}

	user := strings.TrimSpace(r.Header.Get("X-Dify-User"))
	if user == "" {
		user = defaultUser
	}

	return Credentials{
		APIKey:         apiKey,
		User:           user,
		ConversationID: strings.TrimSpace(r.Header.Get(ConversationHeader)),
	}
}

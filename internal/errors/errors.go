package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zhengjr9/dify-llm/llm"
)

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := jsonError{
		Error:   http.StatusText(statusCode),
		Message: message,
	}
	_ = json.NewEncoder(w).Encode(body)
}

// StatusFor maps an adapter error onto the status the proxy answers with.
// Upstream auth and rate-limit statuses pass through; other upstream
// failures become 502, timeouts 504.
func StatusFor(err error) int {
	var statusErr *llm.StatusError
	var connErr *llm.ConnectionError
	switch {
	case errors.Is(err, llm.ErrConfig):
		return http.StatusUnauthorized
	case errors.Is(err, llm.ErrValidation):
		return http.StatusBadRequest
	case errors.As(err, &statusErr):
		switch statusErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
			http.StatusNotFound, http.StatusTooManyRequests:
			return statusErr.StatusCode
		}
		return http.StatusBadGateway
	case errors.As(err, &connErr):
		if connErr.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// WriteAdapterError writes err as a JSON error with the status from StatusFor.
func WriteAdapterError(w http.ResponseWriter, err error) {
	WriteJSONError(w, StatusFor(err), err.Error())
}

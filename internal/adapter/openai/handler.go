package openai

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apierrors "github.com/zhengjr9/dify-llm/internal/errors"
	"github.com/zhengjr9/dify-llm/internal/httputil"
	"github.com/zhengjr9/dify-llm/llm"
)

// modelName is reported in every response; Dify apps do not expose one.
const modelName = "dify"

// LLMFactory builds the adapter for one request from the caller's credentials.
type LLMFactory func(creds httputil.Credentials) (*llm.LLM, error)

// Counter is satisfied by prometheus.Counter.
type Counter interface {
	Inc()
}

// Handler implements the OpenAI chat completions endpoint.
type Handler struct {
	newLLM      LLMFactory
	defaultUser string
	timeout     time.Duration
	logger      *zap.Logger
	chunks      Counter
}

// NewHandler constructs a Handler. chunks may be nil.
func NewHandler(newLLM LLMFactory, defaultUser string, timeout time.Duration, logger *zap.Logger, chunks Counter) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		newLLM:      newLLM,
		defaultUser: defaultUser,
		timeout:     timeout,
		logger:      logger,
		chunks:      chunks,
	}
}

// ServeHTTP handles POST /v1/chat/completions.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	creds := httputil.ExtractCredentials(r, h.defaultUser)

	req, err := DecodeRequest(r.Body)
	if err != nil {
		apierrors.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.User != "" && r.Header.Get("X-Dify-User") == "" {
		creds.User = req.User
	}

	adapter, err := h.newLLM(creds)
	if err != nil {
		apierrors.WriteAdapterError(w, err)
		return
	}
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id := "chatcmpl-" + uuid.NewString()
	seq := adapter.Chat(ctx, ToMessages(req.Messages), CallOptions(req)...)

	if req.Stream {
		var onChunk func()
		if h.chunks != nil {
			onChunk = h.chunks.Inc
		}
		err = WriteStreamingResponse(w, seq, id, modelName, onChunk)
	} else {
		err = WriteBlockingResponse(w, seq, id, modelName, adapter.ConversationID)
	}
	if err != nil {
		h.logger.Warn("chat completion failed",
			zap.String("id", id),
			zap.Bool("stream", req.Stream),
			zap.Error(err),
		)
	}
}

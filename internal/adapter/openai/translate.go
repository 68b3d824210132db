package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/zhengjr9/dify-llm/internal/errors"
	"github.com/zhengjr9/dify-llm/internal/httputil"
	"github.com/zhengjr9/dify-llm/llm"
)

const finishReasonStop = "stop"

// DecodeRequest reads an OpenAI chat completions request body.
func DecodeRequest(r io.Reader) (*ChatCompletionRequest, error) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	return &req, nil
}

// ToMessages converts OpenAI messages into a chat context. Unknown roles
// such as "tool" or "developer" are folded into system messages so that they
// never count as the user's turn.
func ToMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		var role llm.Role
		switch strings.ToLower(m.Role) {
		case "user":
			role = llm.RoleUser
		case "assistant":
			role = llm.RoleAssistant
		default:
			role = llm.RoleSystem
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// CallOptions maps request parameters onto per-call adapter options.
func CallOptions(req *ChatCompletionRequest) []llm.CallOption {
	var opts []llm.CallOption
	if req.Temperature != nil {
		opts = append(opts, llm.WithTemperature(*req.Temperature))
	}
	return opts
}

func toUsage(u *llm.Usage) *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// WriteBlockingResponse drains the chunk sequence and encodes the whole
// answer as one ChatCompletionResponse. Any error is written instead.
func WriteBlockingResponse(w http.ResponseWriter, seq iter.Seq2[llm.Chunk, error], id, model string, conversationID func() string) error {
	var (
		sb    strings.Builder
		usage *Usage
	)
	for chunk, err := range seq {
		if err != nil {
			apierrors.WriteAdapterError(w, err)
			return err
		}
		if chunk.Final {
			usage = toUsage(chunk.Usage)
			continue
		}
		sb.WriteString(chunk.Text)
	}

	out := ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      Message{Role: "assistant", Content: sb.String()},
				FinishReason: finishReasonStop,
			},
		},
		Usage: usage,
	}
	if cid := conversationID(); cid != "" {
		w.Header().Set(httputil.ConversationHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(out)
}

// WriteStreamingResponse encodes chunks as OpenAI SSE chunks, flushing after
// each write. Headers are only sent once the first chunk arrives, so an error
// before that is still answered with a proper status code. onChunk, if not
// nil, is called for every text chunk written.
func WriteStreamingResponse(w http.ResponseWriter, seq iter.Seq2[llm.Chunk, error], id, model string, onChunk func()) error {
	started := false
	first := true
	created := time.Now().Unix()

	start := func(conversationID string) {
		if started {
			return
		}
		started = true
		if conversationID != "" {
			w.Header().Set(httputil.ConversationHeader, conversationID)
		}
		httputil.SetSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
	}

	for chunk, err := range seq {
		if err != nil {
			if !started {
				apierrors.WriteAdapterError(w, err)
				return err
			}
			var se StreamError
			se.Error.Message = err.Error()
			se.Error.Type = "upstream_error"
			_ = writeEvent(w, se)
			return err
		}
		start(chunk.ConversationID)

		out := StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
		}
		if chunk.Final {
			reason := finishReasonStop
			out.Choices = []StreamChoice{{Index: 0, FinishReason: &reason}}
			out.Usage = toUsage(chunk.Usage)
		} else {
			delta := Delta{Content: chunk.Text}
			if first {
				delta.Role = "assistant"
				first = false
			}
			out.Choices = []StreamChoice{{Index: 0, Delta: delta}}
			if onChunk != nil {
				onChunk()
			}
		}
		if err := writeEvent(w, out); err != nil {
			return err
		}
	}

	start("")
	_, err := fmt.Fprintf(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return err
}

func writeEvent(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

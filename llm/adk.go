package llm

import (
	"context"
	"iter"
	"strings"

	"google.golang.org/adk/model"
	"google.golang.org/genai"
)

// ModelName is reported by Name.
const ModelName = "dify"

var _ model.LLM = (*LLM)(nil)

// Name implements model.LLM.
func (l *LLM) Name() string { return ModelName }

// GenerateContent implements model.LLM on top of Chat.
//
// With stream set, every text delta is yielded as a Partial response and a
// final non-partial response carries the whole answer. Without it only the
// final response is yielded. Dify keeps the history server-side, so only the
// latest user turn of req.Contents is sent.
func (l *LLM) GenerateContent(ctx context.Context, req *model.LLMRequest, stream bool) iter.Seq2[*model.LLMResponse, error] {
	messages := messagesFromRequest(req)
	var opts []CallOption
	if req != nil && req.Config != nil && req.Config.Temperature != nil {
		opts = append(opts, WithTemperature(float64(*req.Config.Temperature)))
	}

	return func(yield func(*model.LLMResponse, error) bool) {
		var (
			text  strings.Builder
			final *Chunk
		)
		for chunk, err := range l.Chat(ctx, messages, opts...) {
			if err != nil {
				yield(nil, err)
				return
			}
			if chunk.Final {
				final = &chunk
				continue
			}
			text.WriteString(chunk.Text)
			if !stream {
				continue
			}
			if !yield(&model.LLMResponse{
				Content: textContent(chunk.Text),
				Partial: true,
			}, nil) {
				return
			}
		}

		resp := &model.LLMResponse{
			Content:      textContent(text.String()),
			Partial:      false,
			TurnComplete: true,
			FinishReason: genai.FinishReasonUnspecified,
		}
		if final != nil {
			resp.FinishReason = genai.FinishReasonStop
			if u := final.Usage; u != nil {
				resp.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{
					PromptTokenCount:     int32(u.PromptTokens),
					CandidatesTokenCount: int32(u.CompletionTokens),
					TotalTokenCount:      int32(u.TotalTokens),
				}
			}
		}
		yield(resp, nil)
	}
}

// messagesFromRequest flattens genai contents into chat messages. The system
// instruction, if any, comes first.
func messagesFromRequest(req *model.LLMRequest) []Message {
	if req == nil {
		return nil
	}
	var out []Message
	if req.Config != nil && req.Config.SystemInstruction != nil {
		out = append(out, Message{Role: RoleSystem, Content: contentText(req.Config.SystemInstruction)})
	}
	for _, c := range req.Contents {
		if c == nil {
			continue
		}
		out = append(out, Message{Role: roleFromGenai(c.Role), Content: contentText(c)})
	}
	return out
}

func roleFromGenai(role string) Role {
	switch role {
	case string(genai.RoleModel):
		return RoleAssistant
	case "system":
		return RoleSystem
	default:
		return RoleUser
	}
}

// contentText concatenates the plain-text parts of c, skipping thoughts.
func contentText(c *genai.Content) string {
	var sb strings.Builder
	for _, part := range c.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func textContent(text string) *genai.Content {
	return &genai.Content{
		Role:  genai.RoleModel,
		Parts: []*genai.Part{{Text: text}},
	}
}

package llm

import (
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/zhengjr9/dify-llm/internal/dify"
)

var errFrameTimeout = errors.New("no frame received within frame timeout")

// Chat sends the latest user message of messages to Dify and returns the
// answer as a lazy sequence of chunks.
//
// Nothing happens until the sequence is ranged over. Each range opens exactly
// one connection, and the connection is closed before the range statement
// completes, whether the stream finished, failed, or the loop body broke out
// early. A stream that ends without message_end simply ends; the chunks
// already yielded stand. At most one non-nil error is yielded and it is
// always the last element.
func (l *LLM) Chat(ctx context.Context, messages []Message, opts ...CallOption) iter.Seq2[Chunk, error] {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	return func(yield func(Chunk, error) bool) {
		req, err := l.buildRequest(messages, co)
		if err != nil {
			l.logger.Error("invalid chat context", zap.Error(err))
			yield(Chunk{}, err)
			return
		}
		l.logger.Debug("dify request",
			zap.String("query", req.Query),
			zap.String("conversation_id", req.ConversationID),
			zap.Any("temperature", req.Temperature),
			zap.String("user", req.User),
		)

		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		w := newWatchdog(l.cfg.frameTimeout, func() { cancel(errFrameTimeout) })
		defer w.stop()

		w.arm()
		stream, err := l.client.Open(ctx, l.cfg.apiKey, req)
		if err != nil {
			err = l.translateOpenError(ctx, err)
			l.logger.Error("dify request failed", zap.Error(err))
			yield(Chunk{}, err)
			return
		}
		defer func() {
			if cerr := stream.Close(); cerr != nil {
				l.logger.Debug("closing dify stream", zap.Error(cerr))
			}
		}()

		delivered := false
		emit := func(c Chunk) bool {
			w.stop()
			ok := yield(c, nil)
			w.arm()
			return ok
		}

		for {
			ev, err := stream.Next()
			w.arm()
			if err != nil {
				var frameErr *dify.FrameError
				if errors.As(err, &frameErr) {
					l.logger.Warn("skipping malformed frame", zap.String("data", frameErr.Data), zap.Error(frameErr.Err))
					continue
				}
				if errors.Is(err, io.EOF) {
					l.logger.Debug("dify stream closed without message_end")
					return
				}
				if cerr := interruption(ctx, err, !delivered); cerr != nil {
					l.logger.Error("dify stream failed", zap.Error(cerr))
					yield(Chunk{}, cerr)
					return
				}
				l.logger.Warn("dify stream interrupted", zap.Error(err))
				return
			}

			if l.captureConversation(ev.ConversationID) {
				l.logger.Debug("captured conversation id", zap.String("conversation_id", ev.ConversationID))
			}

			switch ev.Event {
			case dify.EventMessage, dify.EventAgentMessage:
				if ev.Answer == "" {
					continue
				}
				l.logger.Debug("dify chunk", zap.String("message_id", ev.MessageID), zap.String("answer", ev.Answer))
				delivered = true
				if !emit(Chunk{Text: ev.Answer, MessageID: ev.MessageID, ConversationID: ev.ConversationID}) {
					l.logger.Debug("consumer stopped, releasing dify stream")
					return
				}

			case dify.EventMessageEnd:
				final := Chunk{
					Final:          true,
					MessageID:      ev.MessageID,
					ConversationID: ev.ConversationID,
				}
				if final.ConversationID == "" {
					final.ConversationID = l.ConversationID()
				}
				if ev.Metadata != nil && ev.Metadata.Usage != nil {
					u := ev.Metadata.Usage
					final.Usage = &Usage{
						PromptTokens:     u.PromptTokens,
						CompletionTokens: u.CompletionTokens,
						TotalTokens:      u.TotalTokens,
					}
				}
				l.logger.Debug("dify message end", zap.String("message_id", ev.MessageID))
				emit(final)
				return

			case dify.EventError:
				err := &StatusError{StatusCode: ev.Status, Body: ev.Message, Code: ev.Code}
				l.logger.Error("dify stream error event", zap.Error(err))
				yield(Chunk{}, err)
				return
			}
		}
	}
}

// translateOpenError maps a failure to obtain a response.
func (l *LLM) translateOpenError(ctx context.Context, err error) error {
	var httpErr *dify.HTTPError
	if errors.As(err, &httpErr) {
		return &StatusError{StatusCode: httpErr.StatusCode, Body: httpErr.Body}
	}
	cerr := &ConnectionError{Op: "dial", Err: err, retryable: true}
	if errors.Is(context.Cause(ctx), errFrameTimeout) {
		cerr.Err = errFrameTimeout
		cerr.Timeout = true
		return cerr
	}
	cerr.Timeout = isTimeout(err)
	return cerr
}

// interruption decides whether a mid-stream read failure is the caller's or
// the watchdog's doing. A plain dropped connection returns nil.
func interruption(ctx context.Context, err error, retryable bool) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(err, dify.ErrFrameTooLarge):
		return &ConnectionError{Op: "read", Err: err, retryable: retryable}
	case cause == nil:
		return nil
	case errors.Is(cause, errFrameTimeout):
		return &ConnectionError{Op: "read", Err: errFrameTimeout, Timeout: true, retryable: retryable}
	default:
		return &ConnectionError{Op: "read", Err: cause, Timeout: errors.Is(cause, context.DeadlineExceeded), retryable: retryable}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// watchdog cancels the call when no frame arrives in time. It is paused
// while the consumer holds a chunk.
type watchdog struct {
	d     time.Duration
	fire  func()
	timer *time.Timer
}

func newWatchdog(d time.Duration, fire func()) *watchdog {
	return &watchdog{d: d, fire: fire}
}

func (w *watchdog) arm() {
	if w.d <= 0 {
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.d, w.fire)
		return
	}
	w.timer.Reset(w.d)
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

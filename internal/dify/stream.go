package dify

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// FrameError reports one SSE frame whose data could not be decoded.
// The stream stays usable after a FrameError.
type FrameError struct {
	Data string
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", e.Data, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// MaxFrameSize bounds the bytes buffered for one line or one frame.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned by Next when a line or frame exceeds
// MaxFrameSize. The stream is unusable afterwards.
var ErrFrameTooLarge = errors.New("dify: stream frame exceeds size limit")

// Stream reads Dify SSE frames one at a time from a response body.
// It is pull-based: nothing is read until Next is called.
type Stream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
	closeErr  error
	eof       bool
}

// NewStream wraps an SSE response body.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, reader: bufio.NewReader(body)}
}

// Next blocks until the next complete frame arrives and decodes it.
//
// It returns io.EOF once the server has closed the body cleanly, a
// *FrameError for a frame that is not valid JSON, and the underlying read
// error if the connection broke.
func (s *Stream) Next() (StreamEvent, error) {
	var (
		data []string
		size int
	)
	for {
		if s.eof {
			if len(data) > 0 && !isDone(data) {
				return decodeFrame(data)
			}
			return StreamEvent{}, io.EOF
		}

		line, err := s.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return StreamEvent{}, err
			}
			s.eof = true
			if line == "" {
				continue
			}
		}
		line = strings.TrimRight(line, "\r\n")

		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			rest = strings.TrimPrefix(rest, " ")
			size += len(rest)
			if size > MaxFrameSize {
				return StreamEvent{}, ErrFrameTooLarge
			}
			data = append(data, rest)
			continue
		}
		if line == "" && len(data) > 0 {
			// End of one SSE event block
			if isDone(data) {
				data, size = nil, 0
				continue
			}
			return decodeFrame(data)
		}
		// event:, id:, retry: and ":" comment lines carry nothing we use.
	}
}

// readLine reads up to and including the next '\n', failing once the line
// grows past MaxFrameSize.
func (s *Stream) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(buf)+len(chunk) > MaxFrameSize {
			return "", ErrFrameTooLarge
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(buf), err
	}
}

// Close releases the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func isDone(data []string) bool {
	return len(data) == 1 && data[0] == "[DONE]"
}

func decodeFrame(data []string) (StreamEvent, error) {
	raw := strings.Join(data, "\n")
	var ev StreamEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return StreamEvent{}, &FrameError{Data: raw, Err: err}
	}
	return ev, nil
}

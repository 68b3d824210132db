package proxy_test

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhengjr9/dify-llm/internal/config"
	"github.com/zhengjr9/dify-llm/internal/httputil"
	"github.com/zhengjr9/dify-llm/internal/proxy"
	"github.com/zhengjr9/dify-llm/llm"
	"github.com/zhengjr9/dify-llm/test/testutil"
)

const (
	testAnswer         = "Hello from Dify"
	testMessageID      = "msg-abc123"
	testConversationID = "conv-xyz789"
	testAPIKey         = "test-api-key-12345"
)

func testConfig(difyURL string) *config.Config {
	return &config.Config{
		DifyBaseURL:    difyURL,
		ListenAddr:     ":0",
		DefaultUser:    "test-user",
		RequestTimeout: 10 * time.Second,
	}
}

func newTestProxy(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	t.Setenv(llm.EnvAPIKey, "")
	srv := httptest.NewServer(proxy.New(cfg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newAnswerMock(t *testing.T) *testutil.MockDify {
	t.Helper()
	mock := testutil.NewMockDify(testutil.AnswerEvents(testAnswer, testMessageID, testConversationID)...)
	t.Cleanup(mock.Close)
	return mock
}

func postCompletion(t *testing.T, baseURL, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/chat/completions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAPIKey}
}

func TestOpenAI_Blocking(t *testing.T) {
	mock := newAnswerMock(t)
	proxySrv := newTestProxy(t, testConfig(mock.URL()))

	resp := postCompletion(t, proxySrv.URL,
		`{"model":"gpt-4","messages":[{"role":"user","content":"Say hello"}],"stream":false}`, bearer())
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	choices, _ := result["choices"].([]any)
	require.NotEmpty(t, choices)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, testAnswer, msg["content"])
	assert.True(t, strings.HasPrefix(result["id"].(string), "chatcmpl-"))

	usage := result["usage"].(map[string]any)
	assert.EqualValues(t, 8, usage["total_tokens"])

	assert.Equal(t, testConversationID, resp.Header.Get(httputil.ConversationHeader))
	assert.Equal(t, "Bearer "+testAPIKey, mock.LastAuthorization())
	assert.Equal(t, "test-user", mock.LastRequest()["user"])
}

func TestOpenAI_Streaming(t *testing.T) {
	mock := newAnswerMock(t)
	proxySrv := newTestProxy(t, testConfig(mock.URL()))

	resp := postCompletion(t, proxySrv.URL,
		`{"model":"gpt-4","messages":[{"role":"user","content":"Say hello"}],"stream":true}`, bearer())
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.Equal(t, testConversationID, resp.Header.Get(httputil.ConversationHeader))

	lines := collectSSEData(t, resp.Body)
	require.NotEmpty(t, lines)
	assert.Equal(t, "[DONE]", lines[len(lines)-1])

	var content strings.Builder
	var finish string
	for _, line := range lines[:len(lines)-1] {
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &chunk))
		require.Len(t, chunk.Choices, 1)
		content.WriteString(chunk.Choices[0].Delta.Content)
		if chunk.Choices[0].FinishReason != nil {
			finish = *chunk.Choices[0].FinishReason
		}
	}
	assert.Equal(t, testAnswer, content.String())
	assert.Equal(t, "stop", finish)
}

func TestOpenAI_MissingAPIKey(t *testing.T) {
	mock := newAnswerMock(t)
	proxySrv := newTestProxy(t, testConfig(mock.URL()))

	resp := postCompletion(t, proxySrv.URL, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, mock.Requests())
}

func TestOpenAI_ServerKeyFallback(t *testing.T) {
	mock := newAnswerMock(t)
	cfg := testConfig(mock.URL())
	cfg.DifyAPIKey = "server-key"
	proxySrv := newTestProxy(t, cfg)

	resp := postCompletion(t, proxySrv.URL, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer server-key", mock.LastAuthorization())
}

func TestOpenAI_SendsLatestUserMessage(t *testing.T) {
	mock := newAnswerMock(t)
	proxySrv := newTestProxy(t, testConfig(mock.URL()))

	body := `{"model":"gpt-4","temperature":0.2,"messages":[
		{"role":"system","content":"You are helpful."},
		{"role":"user","content":"What is 2+2?"},
		{"role":"assistant","content":"4"},
		{"role":"user","content":"Why?"}
	],"stream":false}`
	resp := postCompletion(t, proxySrv.URL, body, bearer())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	last := mock.LastRequest()
	require.NotNil(t, last)
	assert.Equal(t, "Why?", last["query"])
	assert.InDelta(t, 0.2, last["temperature"], 1e-9)
	assert.NotContains(t, last, "conversation_id")
}

func TestOpenAI_ContinuesConversation(t *testing.T) {
	mock := newAnswerMock(t)
	proxySrv := newTestProxy(t, testConfig(mock.URL()))

	headers := bearer()
	headers[httputil.ConversationHeader] = "conv-1"
	headers["X-Dify-User"] = "alice"
	resp := postCompletion(t, proxySrv.URL, `{"messages":[{"role":"user","content":"and then?"}]}`, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "conv-1", mock.LastRequest()["conversation_id"])
	assert.Equal(t, "alice", mock.LastRequest()["user"])
}

func TestOpenAI_BadRequests(t *testing.T) {
	mock := newAnswerMock(t)
	proxySrv := newTestProxy(t, testConfig(mock.URL()))

	bodies := map[string]string{
		"invalid json":    `{"messages":`,
		"no messages":     `{"messages":[]}`,
		"no user message": `{"messages":[{"role":"system","content":"hello"}]}`,
		"empty user":      `{"messages":[{"role":"user","content":"  "}]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			resp := postCompletion(t, proxySrv.URL, body, bearer())
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Zero(t, mock.Requests())
}

func TestOpenAI_UpstreamStatus(t *testing.T) {
	tests := []struct {
		upstream int
		stream   bool
		want     int
	}{
		{http.StatusUnauthorized, false, http.StatusUnauthorized},
		{http.StatusUnauthorized, true, http.StatusUnauthorized},
		{http.StatusTooManyRequests, true, http.StatusTooManyRequests},
		{http.StatusInternalServerError, false, http.StatusBadGateway},
	}
	for _, tt := range tests {
		mock := testutil.NewMockDify()
		mock.Status = tt.upstream
		mock.ErrorBody = `{"code":"x","message":"upstream said no"}`
		proxySrv := newTestProxy(t, testConfig(mock.URL()))

		body := `{"messages":[{"role":"user","content":"hi"}],"stream":false}`
		if tt.stream {
			body = `{"messages":[{"role":"user","content":"hi"}],"stream":true}`
		}
		resp := postCompletion(t, proxySrv.URL, body, bearer())
		assert.Equal(t, tt.want, resp.StatusCode, "upstream %d stream=%v", tt.upstream, tt.stream)
		assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
		mock.Close()
	}
}

func TestOpenAI_StreamingErrorAfterFirstChunk(t *testing.T) {
	mock := testutil.NewMockDify(
		map[string]any{"event": "message", "answer": "Hi"},
		map[string]any{"event": "error", "status": 500, "code": "internal", "message": "model crashed"},
	)
	t.Cleanup(mock.Close)
	proxySrv := newTestProxy(t, testConfig(mock.URL()))

	resp := postCompletion(t, proxySrv.URL, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`, bearer())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := collectSSEData(t, resp.Body)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"content":"Hi"`)
	assert.Contains(t, lines[1], "model crashed")
	assert.NotContains(t, lines, "[DONE]")
}

func TestRateLimit(t *testing.T) {
	mock := newAnswerMock(t)
	cfg := testConfig(mock.URL())
	cfg.RateLimit = 0.001
	cfg.RateLimitBurst = 1
	proxySrv := newTestProxy(t, cfg)

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	first := postCompletion(t, proxySrv.URL, body, bearer())
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := postCompletion(t, proxySrv.URL, body, bearer())
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, 1, mock.Requests())
}

func TestMetricsAndHealth(t *testing.T) {
	mock := newAnswerMock(t)
	proxySrv := newTestProxy(t, testConfig(mock.URL()))

	resp := postCompletion(t, proxySrv.URL, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`, bearer())
	_, _ = io.Copy(io.Discard, resp.Body)

	health, err := http.Get(proxySrv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusNoContent, health.StatusCode)

	metricsResp, err := http.Get(proxySrv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	raw, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)

	text := string(raw)
	assert.Contains(t, text, "dify_llm_stream_chunks_total 3")
	assert.Contains(t, text, `dify_llm_http_requests_total{path="/v1/chat/completions",status="200"} 1`)
}

func TestMetrics_UnroutedPathsShareOneSeries(t *testing.T) {
	mock := newAnswerMock(t)
	proxySrv := newTestProxy(t, testConfig(mock.URL()))

	for i := range 20 {
		resp, err := http.Get(proxySrv.URL + "/nope-" + strconv.Itoa(i))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	resp, err := http.Get(proxySrv.URL + "/healthz/extra")
	require.NoError(t, err)
	resp.Body.Close()

	metricsResp, err := http.Get(proxySrv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	raw, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)

	text := string(raw)
	assert.NotContains(t, text, "/nope-")
	assert.NotContains(t, text, "/healthz/extra")
	assert.Contains(t, text, `dify_llm_http_requests_total{path="unmatched",status="404"} 21`)
}

// collectSSEData returns every "data: " payload of an SSE body in order.
func collectSSEData(t *testing.T, body io.Reader) []string {
	t.Helper()
	var lines []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		if rest, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			lines = append(lines, rest)
		}
	}
	return lines
}

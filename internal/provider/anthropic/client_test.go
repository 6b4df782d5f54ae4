package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func testClient(srvURL string) *Client {
	return New(srvURL+"/v1", "test-key", provider.Options{Retry: fastRetry})
}

func TestTranslateRequest(t *testing.T) {
	t.Parallel()

	maxTok := 100
	req := &conduit.ChatRequest{
		Model: "claude-sonnet-4-0",
		Messages: []conduit.Message{
			{Role: "system", Content: conduit.Text("You are helpful.")},
			{Role: "user", Content: conduit.Text("Hello")},
		},
		MaxTokens: &maxTok,
	}

	aReq, err := TranslateRequest(req)
	if err != nil {
		t.Fatalf("TranslateRequest: %v", err)
	}
	if aReq.Model != "claude-sonnet-4-0" {
		t.Errorf("model = %q", aReq.Model)
	}
	if aReq.MaxTokens != 100 {
		t.Errorf("max_tokens = %d, want 100", aReq.MaxTokens)
	}
	if len(aReq.Messages) != 1 {
		t.Fatalf("got %d messages, want 1 (system extracted)", len(aReq.Messages))
	}
	if aReq.System != "You are helpful." {
		t.Errorf("system = %q", aReq.System)
	}
	if aReq.Messages[0].Role != "user" {
		t.Errorf("message role = %q, want user", aReq.Messages[0].Role)
	}
}

func TestTranslateRequestMaxTokensDefault(t *testing.T) {
	t.Parallel()

	req := &conduit.ChatRequest{
		Model:    "claude-sonnet-4-0",
		Messages: []conduit.Message{{Role: "user", Content: conduit.Text("hi")}},
	}
	aReq, err := TranslateRequest(req)
	if err != nil {
		t.Fatalf("TranslateRequest: %v", err)
	}
	if aReq.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want default 4096", aReq.MaxTokens)
	}
}

func TestTranslateRequestToolFlow(t *testing.T) {
	t.Parallel()

	req := &conduit.ChatRequest{
		Model: "claude-sonnet-4-0",
		Messages: []conduit.Message{
			{Role: "user", Content: conduit.Text("weather in SF?")},
			{Role: "assistant", ToolCalls: json.RawMessage(
				`[{"id":"toolu_01","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"SF\"}"}}]`)},
			{Role: "tool", ToolCallID: "toolu_01", Content: conduit.Text("sunny, 18C")},
		},
		Tools: json.RawMessage(
			`[{"type":"function","function":{"name":"get_weather","description":"Look up weather","parameters":{"type":"object","properties":{"city":{"type":"string"}}}}}]`),
		ToolChoice: json.RawMessage(`"auto"`),
	}

	aReq, err := TranslateRequest(req)
	if err != nil {
		t.Fatalf("TranslateRequest: %v", err)
	}
	if len(aReq.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(aReq.Messages))
	}

	use := aReq.Messages[1].Content[0]
	if use.Type != "tool_use" || use.ID != "toolu_01" || use.Name != "get_weather" {
		t.Errorf("tool_use block = %+v", use)
	}
	if !strings.Contains(string(use.Input), `"city"`) {
		t.Errorf("tool_use input = %s", use.Input)
	}

	result := aReq.Messages[2]
	if result.Role != "user" {
		t.Errorf("tool result role = %q, want user", result.Role)
	}
	if result.Content[0].Type != "tool_result" || result.Content[0].ToolUseID != "toolu_01" {
		t.Errorf("tool_result block = %+v", result.Content[0])
	}
	if result.Content[0].Content != "sunny, 18C" {
		t.Errorf("tool_result content = %q", result.Content[0].Content)
	}

	if len(aReq.Tools) != 1 || aReq.Tools[0].Name != "get_weather" {
		t.Fatalf("tools = %+v", aReq.Tools)
	}
	if !strings.Contains(string(aReq.Tools[0].InputSchema), `"properties"`) {
		t.Errorf("input_schema = %s", aReq.Tools[0].InputSchema)
	}
	if !strings.Contains(string(aReq.ToolChoice), `"auto"`) {
		t.Errorf("tool_choice = %s", aReq.ToolChoice)
	}
}

func TestTranslateRequestToolChoiceNone(t *testing.T) {
	t.Parallel()

	req := &conduit.ChatRequest{
		Model:      "claude-sonnet-4-0",
		Messages:   []conduit.Message{{Role: "user", Content: conduit.Text("hi")}},
		Tools:      json.RawMessage(`[{"type":"function","function":{"name":"f","parameters":{}}}]`),
		ToolChoice: json.RawMessage(`"none"`),
	}
	aReq, err := TranslateRequest(req)
	if err != nil {
		t.Fatalf("TranslateRequest: %v", err)
	}
	if aReq.Tools != nil {
		t.Errorf("tools should be dropped for tool_choice none, got %+v", aReq.Tools)
	}
}

func TestTranslateRequestImages(t *testing.T) {
	t.Parallel()

	payload := base64.StdEncoding.EncodeToString([]byte("fakepng"))
	req := &conduit.ChatRequest{
		Model: "claude-sonnet-4-0",
		Messages: []conduit.Message{{
			Role: "user",
			Content: conduit.MessageContent{
				{Type: "text", Text: "describe both"},
				{Type: "image_url", ImageURL: &conduit.ImageRef{URL: "data:image/png;base64," + payload}},
				{Type: "image_url", ImageURL: &conduit.ImageRef{URL: "https://example.com/cat.jpg"}},
			},
		}},
	}

	aReq, err := TranslateRequest(req)
	if err != nil {
		t.Fatalf("TranslateRequest: %v", err)
	}
	blocks := aReq.Messages[0].Content
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}

	inline := blocks[1]
	if inline.Type != "image" || inline.Source == nil {
		t.Fatalf("inline block = %+v", inline)
	}
	if inline.Source.Type != "base64" || inline.Source.MediaType != "image/png" || inline.Source.Data != payload {
		t.Errorf("inline source = %+v", inline.Source)
	}

	remote := blocks[2]
	if remote.Source == nil || remote.Source.Type != "url" || remote.Source.URL != "https://example.com/cat.jpg" {
		t.Errorf("remote source = %+v", remote.Source)
	}
}

func TestTranslateResponse(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-0",
		"content": [{"type": "text", "text": "Hello!"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)

	resp, err := TranslateResponse(data)
	if err != nil {
		t.Fatalf("TranslateResponse: %v", err)
	}
	if resp.ID != "msg_01" {
		t.Errorf("id = %q", resp.ID)
	}
	if resp.Model != "claude-sonnet-4-0" {
		t.Errorf("model = %q", resp.Model)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(resp.Choices))
	}
	if got := resp.Choices[0].Message.Content.JoinText(); got != "Hello!" {
		t.Errorf("content = %q", got)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestTranslateResponseToolUse(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"id": "msg_02",
		"model": "claude-sonnet-4-0",
		"content": [
			{"type": "text", "text": "Checking."},
			{"type": "tool_use", "id": "toolu_01", "name": "get_weather", "input": {"city": "SF"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 20, "output_tokens": 10}
	}`)

	resp, err := TranslateResponse(data)
	if err != nil {
		t.Fatalf("TranslateResponse: %v", err)
	}
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", resp.Choices[0].FinishReason)
	}

	var calls []struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal(resp.Choices[0].Message.ToolCalls, &calls); err != nil {
		t.Fatalf("unmarshal tool calls: %v", err)
	}
	if len(calls) != 1 || calls[0].ID != "toolu_01" || calls[0].Function.Name != "get_weather" {
		t.Fatalf("tool calls = %+v", calls)
	}
	if !strings.Contains(calls[0].Function.Arguments, `"city"`) {
		t.Errorf("arguments = %q", calls[0].Function.Arguments)
	}
}

func TestTranslateResponseCacheUsage(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"id": "msg_03",
		"model": "claude-sonnet-4-0",
		"content": [{"type": "text", "text": "ok"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 4, "output_tokens": 2, "cache_read_input_tokens": 90, "cache_creation_input_tokens": 6}
	}`)

	resp, err := TranslateResponse(data)
	if err != nil {
		t.Fatalf("TranslateResponse: %v", err)
	}
	u := resp.Usage
	if u == nil {
		t.Fatal("usage missing")
	}
	if u.PromptTokens != 100 {
		t.Errorf("prompt_tokens = %d, want 100 (input + cache read + cache write)", u.PromptTokens)
	}
	if u.PromptDetails == nil || u.PromptDetails.CachedTokens != 90 || u.PromptDetails.CacheWriteTokens != 6 {
		t.Errorf("prompt details = %+v", u.PromptDetails)
	}
	if u.TotalTokens != 102 {
		t.Errorf("total_tokens = %d, want 102", u.TotalTokens)
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"end_turn", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
		{"stop_sequence", "stop"},
		{"unknown", "unknown"},
	}
	for _, tt := range tests {
		if got := MapStopReason(tt.in); got != tt.want {
			t.Errorf("MapStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCreateChatCompletion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing x-api-key")
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Error("missing anthropic-version")
		}
		var body MessagesRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Stream {
			t.Error("stream should be false")
		}
		if len(body.Messages) != 1 || body.Messages[0].Content[0].Text != "hi" {
			t.Errorf("messages = %+v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_01",
			"model": "claude-sonnet-4-0",
			"content": [{"type": "text", "text": "Hi!"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 2}
		}`)
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).CreateChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "claude-sonnet-4-0",
		Messages: []conduit.Message{{Role: "user", Content: conduit.Text("hi")}},
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if resp.ID != "msg_01" {
		t.Errorf("id = %q, want msg_01", resp.ID)
	}
	if resp.Choices[0].Message.Content.JoinText() != "Hi!" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content.JoinText())
	}
}

func TestCreateChatCompletionErrorPhrase(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 250000 tokens > 200000 maximum"}}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).CreateChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "claude-sonnet-4-0",
		Messages: []conduit.Message{{Role: "user", Content: conduit.Text("hi")}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := conduit.KindOf(err); kind != conduit.KindContextLength {
		t.Errorf("kind = %v, want KindContextLength", kind)
	}
}

func TestStreamChatCompletion(t *testing.T) {
	t.Parallel()

	sseBody := "event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-0","usage":{"input_tokens":10}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body MessagesRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !body.Stream {
			t.Error("stream should be true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	ch, err := testClient(srv.URL).StreamChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "claude-sonnet-4-0",
		Messages: []conduit.Message{{Role: "user", Content: conduit.Text("hi")}},
	})
	if err != nil {
		t.Fatalf("StreamChatCompletion: %v", err)
	}

	var chunks []conduit.StreamChunk
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("unexpected error: %v", c.Err)
		}
		chunks = append(chunks, c)
	}

	// role chunk, 2 text deltas, finish chunk, usage chunk, done
	if len(chunks) != 6 {
		t.Fatalf("got %d chunks, want 6", len(chunks))
	}
	if !strings.Contains(string(chunks[1].Data), "Hello") {
		t.Errorf("first delta = %s", chunks[1].Data)
	}
	if !chunks[len(chunks)-1].Done {
		t.Error("last chunk should be Done")
	}
	usageChunk := chunks[len(chunks)-2]
	if usageChunk.Usage == nil || usageChunk.Usage.TotalTokens != 15 {
		t.Errorf("usage chunk = %+v", usageChunk.Usage)
	}
}

func TestStreamChatCompletionHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).StreamChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "claude-sonnet-4-0",
		Messages: []conduit.Message{{Role: "user", Content: conduit.Text("hi")}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := conduit.KindOf(err); kind != conduit.KindAuthentication {
		t.Errorf("kind = %v, want KindAuthentication", kind)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing x-api-key")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"id":"claude-sonnet-4-0","type":"model"},{"id":"claude-haiku-3-5","type":"model"}],"has_more":false}`)
	}))
	defer srv.Close()

	models, err := testClient(srv.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "claude-sonnet-4-0" {
		t.Errorf("models = %v", models)
	}
}

func TestCreateEmbeddingUnsupported(t *testing.T) {
	t.Parallel()

	c := New("", "key", provider.Options{Retry: fastRetry})
	_, err := c.CreateEmbedding(context.Background(), &conduit.EmbeddingRequest{Model: "claude-sonnet-4-0"})
	if kind := conduit.KindOf(err); kind != conduit.KindUnsupported {
		t.Errorf("kind = %v, want KindUnsupported", kind)
	}
}

func TestVerifyAuthentication(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantOK  bool
		details string
	}{
		{"valid key", http.StatusOK, true, ""},
		{"bad key", http.StatusUnauthorized, false, "authentication failed"},
		{"upstream down", http.StatusServiceUnavailable, false, "unexpected response: 503"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"data":[]}`)
			}))
			defer srv.Close()

			check, err := testClient(srv.URL).VerifyAuthentication(context.Background())
			if err != nil {
				t.Fatalf("VerifyAuthentication: %v", err)
			}
			if check.OK != tt.wantOK {
				t.Errorf("ok = %v, want %v", check.OK, tt.wantOK)
			}
			if check.Details != tt.details {
				t.Errorf("details = %q, want %q", check.Details, tt.details)
			}
			if check.LatencyMS < 0 {
				t.Errorf("latency = %d", check.LatencyMS)
			}
		})
	}
}

func TestDefaultBaseURL(t *testing.T) {
	t.Parallel()

	c := New("", "key", provider.Options{})
	if c.baseURL != "https://api.anthropic.com/v1" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}

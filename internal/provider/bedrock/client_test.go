package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func testClient(srvURL string) *Client {
	return New(srvURL, "us-east-1", "AKIATEST", "test-secret", provider.Options{Retry: fastRetry})
}

func TestCreateChatCompletionClaude(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model/anthropic.claude-sonnet-4-20250514-v1:0/invoke" {
			t.Errorf("path = %s", r.URL.Path)
		}
		auth := r.Header.Get("Authorization")
		if !strings.Contains(auth, "AWS4-HMAC-SHA256") || !strings.Contains(auth, "/bedrock/") {
			t.Errorf("request not SigV4 signed: %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if got := gjson.GetBytes(body, "anthropic_version").String(); got != "bedrock-2023-05-31" {
			t.Errorf("anthropic_version = %q", got)
		}
		if gjson.GetBytes(body, "model").Exists() {
			t.Error("model must ride the URL, not the body")
		}
		if got := gjson.GetBytes(body, "messages.0.content.0.text").String(); got != "Hi" {
			t.Errorf("first message text = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_01","model":"claude-sonnet-4-0","content":[{"type":"text","text":"Hello from Bedrock"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	resp, err := client.CreateChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "anthropic.claude-sonnet-4-20250514-v1:0",
		Messages: []conduit.Message{userMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if got := resp.Choices[0].Message.Content.JoinText(); got != "Hello from Bedrock" {
		t.Errorf("content = %q", got)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q, want stop", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestCreateChatCompletionLlama(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		prompt := gjson.GetBytes(body, "prompt").String()
		if !strings.Contains(prompt, "<|begin_of_text|>") {
			t.Errorf("prompt missing chat template: %q", prompt)
		}
		if got := gjson.GetBytes(body, "max_gen_len").Int(); got != 64 {
			t.Errorf("max_gen_len = %d, want 64", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"generation":" Hi there","prompt_token_count":12,"generation_token_count":3,"stop_reason":"stop"}`)
	}))
	defer srv.Close()

	maxTokens := 64
	client := testClient(srv.URL)
	resp, err := client.CreateChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:     "meta.llama3-1-70b-instruct-v1:0",
		Messages:  []conduit.Message{userMessage("Hi")},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if got := resp.Choices[0].Message.Content.JoinText(); got != "Hi there" {
		t.Errorf("content = %q", got)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestCreateChatCompletionInvalidModel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"The provided model identifier is invalid."}`)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	_, err := client.CreateChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "anthropic.claude-nonexistent",
		Messages: []conduit.Message{userMessage("Hi")},
	})
	gwErr, ok := conduit.AsError(err)
	if !ok {
		t.Fatalf("expected *conduit.Error, got %v", err)
	}
	if gwErr.Kind != conduit.KindInvalidModel {
		t.Errorf("kind = %v, want KindInvalidModel", gwErr.Kind)
	}
}

func TestStreamChatCompletionClaude(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/invoke-with-response-stream") {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "stream").Exists() {
			t.Error("invoke body must not carry a stream flag")
		}
		w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
		w.Write(encodeEvent(t, "message_start",
			`{"type":"message_start","message":{"id":"msg_01","usage":{"input_tokens":10}}}`))
		w.Write(encodeEvent(t, "content_block_delta",
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`))
		w.Write(encodeEvent(t, "message_delta",
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`))
		w.Write(encodeEvent(t, "message_stop", `{"type":"message_stop"}`))
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	ch, err := client.StreamChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "anthropic.claude-sonnet-4-20250514-v1:0",
		Messages: []conduit.Message{userMessage("Hi")},
		Stream:   true,
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

	// role, text delta, finish, usage, done
	if len(chunks) != 5 {
		t.Fatalf("got %d chunks, want 5", len(chunks))
	}
	if !strings.Contains(string(chunks[1].Data), "Hello") {
		t.Errorf("delta chunk = %s", chunks[1].Data)
	}
	if chunks[3].Usage == nil || chunks[3].Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", chunks[3].Usage)
	}
	if !chunks[4].Done {
		t.Error("last chunk should be Done")
	}
	// The model is seeded from the request; Bedrock events rarely carry it.
	if got := gjson.GetBytes(chunks[1].Data, "model").String(); got != "anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("chunk model = %q", got)
	}
}

func TestCreateEmbeddingTitan(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(body, "inputText").Exists() {
			t.Errorf("body missing inputText: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"embedding":[0.1,0.2,0.3],"inputTextTokenCount":3}`)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	resp, err := client.CreateEmbedding(context.Background(), &conduit.EmbeddingRequest{
		Model: "amazon.titan-embed-text-v2:0",
		Input: json.RawMessage(`["first text","second text"]`),
	})
	if err != nil {
		t.Fatalf("CreateEmbedding: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("invoke calls = %d, want one per input", got)
	}

	var data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data) != 2 || len(data[1].Embedding) != 3 {
		t.Fatalf("data = %+v", data)
	}
	if data[1].Index != 1 {
		t.Errorf("second index = %d, want 1", data[1].Index)
	}
	if resp.Usage.PromptTokens != 6 {
		t.Errorf("prompt tokens = %d, want 6", resp.Usage.PromptTokens)
	}
}

func TestCreateEmbeddingCohere(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		if got := len(gjson.GetBytes(body, "texts").Array()); got != 2 {
			t.Errorf("texts length = %d, want 2", got)
		}
		if got := gjson.GetBytes(body, "input_type").String(); got != "search_document" {
			t.Errorf("input_type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"embeddings":[[0.1,0.2],[0.3,0.4]]}`)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	resp, err := client.CreateEmbedding(context.Background(), &conduit.EmbeddingRequest{
		Model: "cohere.embed-english-v3",
		Input: json.RawMessage(`["a","b"]`),
	})
	if err != nil {
		t.Fatalf("CreateEmbedding: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("invoke calls = %d, want the whole batch in one", got)
	}
	var data []struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data) != 2 {
		t.Fatalf("data length = %d, want 2", len(data))
	}
}

func TestCreateEmbeddingUnsupportedModel(t *testing.T) {
	t.Parallel()

	client := testClient("http://unused.invalid")
	_, err := client.CreateEmbedding(context.Background(), &conduit.EmbeddingRequest{
		Model: "anthropic.claude-sonnet-4-20250514-v1:0",
		Input: json.RawMessage(`"text"`),
	})
	gwErr, ok := conduit.AsError(err)
	if !ok || gwErr.Kind != conduit.KindUnsupported {
		t.Fatalf("expected KindUnsupported, got %v", err)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/foundation-models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"modelSummaries":[{"modelId":"anthropic.claude-sonnet-4-20250514-v1:0"},{"modelId":"meta.llama3-1-70b-instruct-v1:0"}]}`)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("models = %v", models)
	}
	if models[1] != "meta.llama3-1-70b-instruct-v1:0" {
		t.Errorf("models[1] = %q", models[1])
	}
}

func TestVerifyAuthentication(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		ok      bool
		details string
	}{
		{"valid", http.StatusOK, true, ""},
		{"denied", http.StatusForbidden, false, "authentication failed"},
		{"outage", http.StatusServiceUnavailable, false, "unexpected response: 503"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"modelSummaries":[]}`)
			}))
			defer srv.Close()

			check, err := testClient(srv.URL).VerifyAuthentication(context.Background())
			if err != nil {
				t.Fatalf("VerifyAuthentication: %v", err)
			}
			if check.OK != tt.ok {
				t.Errorf("OK = %v, want %v", check.OK, tt.ok)
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

func TestSageMakerChat(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/endpoints/my-llm/invocations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		auth := r.Header.Get("Authorization")
		if !strings.Contains(auth, "/sagemaker/") {
			t.Errorf("expected a sagemaker-scoped signature, got %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(body, "inputs").Exists() {
			t.Errorf("body missing inputs: %s", body)
		}
		if rft := gjson.GetBytes(body, "parameters.return_full_text"); !rft.Exists() || rft.Bool() {
			t.Error("return_full_text should be present and false")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"generated_text":" Hello!"}]`)
	}))
	defer srv.Close()

	client := NewSageMaker(srv.URL, "us-east-1", "AKIATEST", "test-secret", provider.Options{Retry: fastRetry})
	resp, err := client.CreateChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "my-llm",
		Messages: []conduit.Message{userMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if got := resp.Choices[0].Message.Content.JoinText(); got != "Hello!" {
		t.Errorf("content = %q", got)
	}
}

func TestSageMakerStreamSimulated(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"generated_text":"All at once."}`)
	}))
	defer srv.Close()

	client := NewSageMaker(srv.URL, "us-east-1", "AKIATEST", "test-secret", provider.Options{Retry: fastRetry})
	ch, err := client.StreamChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "my-llm",
		Messages: []conduit.Message{userMessage("Hi")},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("StreamChatCompletion: %v", err)
	}

	var chunks []conduit.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	// role, content, finish, done
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	if !strings.Contains(string(chunks[1].Data), "All at once.") {
		t.Errorf("content chunk = %s", chunks[1].Data)
	}
	if !chunks[3].Done {
		t.Error("last chunk should be Done")
	}
}

func TestSageMakerVerifyAuthentication(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewSageMaker(srv.URL, "us-east-1", "AKIATEST", "bad-secret", provider.Options{Retry: fastRetry})
	check, err := client.VerifyAuthentication(context.Background())
	if err != nil {
		t.Fatalf("VerifyAuthentication: %v", err)
	}
	if check.OK {
		t.Error("403 should not verify")
	}
	if check.Details != "authentication failed" {
		t.Errorf("details = %q", check.Details)
	}
}

package bedrock

import (
	"strings"
	"testing"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider/anthropic"
)

func userMessage(text string) conduit.Message {
	return conduit.Message{Role: "user", Content: conduit.Text(text)}
}

func TestFamilyOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model  string
		vendor string
	}{
		{"anthropic.claude-3-5-sonnet-20241022-v2:0", "anthropic"},
		{"us.anthropic.claude-sonnet-4-20250514-v1:0", "anthropic"},
		{"meta.llama3-1-70b-instruct-v1:0", "meta"},
		{"amazon.titan-text-express-v1", "amazon"},
		{"cohere.command-r-plus-v1:0", "cohere"},
		{"ai21.jamba-1-5-large-v1:0", "ai21"},
		{"mistral.mistral-large-2402-v1:0", "mistral"},
		{"something-unrecognized", "anthropic"},
	}
	for _, tt := range tests {
		if got := familyOf(tt.model).vendor; got != tt.vendor {
			t.Errorf("familyOf(%q).vendor = %q, want %q", tt.model, got, tt.vendor)
		}
	}
}

func TestClaudeBuildClearsModel(t *testing.T) {
	t.Parallel()

	payload, err := claudeFamily.build(&conduit.ChatRequest{
		Model:    "anthropic.claude-sonnet-4-20250514-v1:0",
		Messages: []conduit.Message{userMessage("Hi")},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	body, ok := payload.(*anthropic.MessagesRequest)
	if !ok {
		t.Fatalf("payload type = %T", payload)
	}
	if body.Model != "" {
		t.Errorf("model = %q, want empty (the model rides the URL)", body.Model)
	}
	if body.Stream {
		t.Error("stream flag must not reach the invoke body")
	}
	if body.AnthropicVersion != "bedrock-2023-05-31" {
		t.Errorf("anthropic_version = %q", body.AnthropicVersion)
	}
}

func TestRenderLlamaPrompt(t *testing.T) {
	t.Parallel()

	got := renderLlamaPrompt([]conduit.Message{
		{Role: "system", Content: conduit.Text("Be brief.")},
		userMessage("What is Go?"),
	})

	for _, want := range []string{
		"<|begin_of_text|>",
		"<|start_header_id|>system<|end_header_id|>\n\nBe brief.<|eot_id|>",
		"<|start_header_id|>user<|end_header_id|>\n\nWhat is Go?<|eot_id|>",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, "<|start_header_id|>assistant<|end_header_id|>\n\n") {
		t.Errorf("prompt should end with an open assistant turn:\n%s", got)
	}
}

func TestRenderPlainPrompt(t *testing.T) {
	t.Parallel()

	got := renderPlainPrompt([]conduit.Message{
		{Role: "system", Content: conduit.Text("You are terse.")},
		userMessage("Hi"),
		{Role: "assistant", Content: conduit.Text("Hello")},
		userMessage("Bye"),
	})
	want := "You are terse.\n\nUser: Hi\nBot: Hello\nUser: Bye\nBot:"
	if got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
}

func TestRenderMistralPrompt(t *testing.T) {
	t.Parallel()

	got := renderMistralPrompt([]conduit.Message{
		{Role: "system", Content: conduit.Text("Be helpful.")},
		userMessage("Hi"),
		{Role: "assistant", Content: conduit.Text("Hello")},
		userMessage("Bye"),
	})
	want := "<s>[INST] Be helpful.\n\nHi [/INST] Hello</s>[INST] Bye [/INST]"
	if got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
}

func TestCohereBuild(t *testing.T) {
	t.Parallel()

	payload, err := cohereFamily.build(&conduit.ChatRequest{
		Model: "cohere.command-r-v1:0",
		Messages: []conduit.Message{
			{Role: "system", Content: conduit.Text("Be brief.")},
			userMessage("Hi"),
			{Role: "assistant", Content: conduit.Text("Hello")},
			userMessage("What now?"),
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	body := payload.(map[string]any)

	if got := body["message"]; got != "What now?" {
		t.Errorf("message = %v, want the final user turn", got)
	}
	history := body["chat_history"].([]map[string]string)
	if len(history) != 2 {
		t.Fatalf("chat_history length = %d, want 2", len(history))
	}
	if history[0]["role"] != "USER" || history[1]["role"] != "CHATBOT" {
		t.Errorf("history roles = %s/%s", history[0]["role"], history[1]["role"])
	}
	if got := body["preamble"]; got != "Be brief." {
		t.Errorf("preamble = %v", got)
	}
}

func TestTitanParse(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"inputTextTokenCount":12,"results":[{"tokenCount":4,"outputText":" Hello there. ","completionReason":"FINISH"}]}`)
	resp, err := titanFamily.parse("amazon.titan-text-express-v1", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := resp.Choices[0].Message.Content.JoinText(); got != "Hello there." {
		t.Errorf("content = %q", got)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q, want stop", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("total = %d, want 16", resp.Usage.TotalTokens)
	}
	if resp.ID == "" {
		t.Error("expected a synthesized response id")
	}
}

func TestLlamaParse(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"generation":"\n\nGo is a language.","prompt_token_count":20,"generation_token_count":6,"stop_reason":"length"}`)
	resp, err := llamaFamily.parse("meta.llama3-1-8b-instruct-v1:0", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := resp.Choices[0].Message.Content.JoinText(); got != "Go is a language." {
		t.Errorf("content = %q", got)
	}
	if resp.Choices[0].FinishReason != "length" {
		t.Errorf("finish = %q, want length", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 20 || resp.Usage.CompletionTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCohereParse(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"response_id":"resp-1","text":"Hello!","finish_reason":"COMPLETE","meta":{"billed_units":{"input_tokens":9,"output_tokens":3}}}`)
	resp, err := cohereFamily.parse("cohere.command-r-v1:0", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.ID != "resp-1" {
		t.Errorf("id = %q, want resp-1", resp.ID)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q, want stop", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("total = %d, want 12", resp.Usage.TotalTokens)
	}
}

func TestJambaParse(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"id":"cmpl-7","choices":[{"index":0,"message":{"role":"assistant","content":"Hi."},"finish_reason":"stop"}],"usage":{"prompt_tokens":8,"completion_tokens":2,"total_tokens":10}}`)
	resp, err := jambaFamily.parse("ai21.jamba-1-5-mini-v1:0", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.ID != "cmpl-7" {
		t.Errorf("id = %q", resp.ID)
	}
	if got := resp.Choices[0].Message.Content.JoinText(); got != "Hi." {
		t.Errorf("content = %q", got)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("total = %d, want 10", resp.Usage.TotalTokens)
	}
}

func TestMistralParse(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"outputs":[{"text":" Bonjour.","stop_reason":"stop"}]}`)
	resp, err := mistralFamily.parse("mistral.mistral-large-2402-v1:0", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := resp.Choices[0].Message.Content.JoinText(); got != "Bonjour." {
		t.Errorf("content = %q", got)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", resp.Choices[0].FinishReason)
	}
}

func TestMapPlainStop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"stop", "stop"},
		{"FINISH", "stop"},
		{"COMPLETE", "stop"},
		{"STOP_CRITERIA_MET", "stop"},
		{"length", "length"},
		{"MAX_TOKENS", "length"},
		{"", "stop"},
		{"ERROR_TOXIC", "error_toxic"},
	}
	for _, tt := range tests {
		if got := mapPlainStop(tt.in); got != tt.want {
			t.Errorf("mapPlainStop(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCohereStreamHandler(t *testing.T) {
	t.Parallel()

	handle := cohereFamily.stream("cohere.command-r-v1:0")

	chunks := handle([]byte(`{"event_type":"text-generation","text":"Hel","is_finished":false}`))
	// first frame opens the assistant turn before the text
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	chunks = handle([]byte(`{"event_type":"text-generation","text":"lo","is_finished":false}`))
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}

	chunks = handle([]byte(`{"event_type":"stream-end","is_finished":true,"finish_reason":"COMPLETE","amazon-bedrock-invocationMetrics":{"inputTokenCount":7,"outputTokenCount":2}}`))
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want finish+usage+done", len(chunks))
	}
	if chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 9 {
		t.Errorf("usage = %+v, want total 9", chunks[1].Usage)
	}
	if !chunks[2].Done {
		t.Error("expected Done after stream-end")
	}
}

func TestJambaStreamHandler(t *testing.T) {
	t.Parallel()

	handle := jambaFamily.stream("ai21.jamba-1-5-mini-v1:0")

	chunks := handle([]byte(`{"choices":[{"index":0,"delta":{"content":"Hi"}}]}`))
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want role+delta", len(chunks))
	}

	chunks = handle([]byte(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`))
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want finish+usage+done", len(chunks))
	}
	if chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v, want total 6", chunks[1].Usage)
	}
	if !chunks[2].Done {
		t.Error("expected Done once usage lands")
	}
}

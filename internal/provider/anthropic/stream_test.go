package anthropic

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
)

func TestStreamStateToolCalls(t *testing.T) {
	t.Parallel()

	var state StreamState
	state.HandleEvent("message_start",
		`{"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-0","usage":{"input_tokens":12}}}`)

	// Text block at index 0 produces no tool chunks.
	if got := state.HandleEvent("content_block_start",
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`); got != nil {
		t.Fatalf("text block start produced %d chunks", len(got))
	}

	// Tool block at anthropic index 1 maps to tool call index 0.
	start := state.HandleEvent("content_block_start",
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"get_weather"}}`)
	if len(start) != 1 {
		t.Fatalf("got %d chunks, want 1", len(start))
	}
	call := gjson.GetBytes(start[0].Data, "choices.0.delta.tool_calls.0")
	if call.Get("id").String() != "toolu_01" {
		t.Errorf("tool call id = %q", call.Get("id").String())
	}
	if call.Get("function.name").String() != "get_weather" {
		t.Errorf("function name = %q", call.Get("function.name").String())
	}
	if call.Get("index").Int() != 0 {
		t.Errorf("tool call index = %d, want 0", call.Get("index").Int())
	}

	delta := state.HandleEvent("content_block_delta",
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`)
	if len(delta) != 1 {
		t.Fatalf("got %d chunks, want 1", len(delta))
	}
	args := gjson.GetBytes(delta[0].Data, "choices.0.delta.tool_calls.0.function.arguments").String()
	if args != `{"city":` {
		t.Errorf("arguments delta = %q", args)
	}

	state.HandleEvent("message_delta",
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`)
	stop := state.HandleEvent("message_stop", `{"type":"message_stop"}`)
	if len(stop) != 3 {
		t.Fatalf("got %d chunks at stop, want 3", len(stop))
	}
	finish := gjson.GetBytes(stop[0].Data, "choices.0.finish_reason").String()
	if finish != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", finish)
	}
	if !stop[2].Done {
		t.Error("final chunk should be Done")
	}
}

func TestStreamStateCacheUsage(t *testing.T) {
	t.Parallel()

	var state StreamState
	state.HandleEvent("message_start",
		`{"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-0","usage":{"input_tokens":3,"cache_read_input_tokens":80,"cache_creation_input_tokens":17}}}`)
	state.HandleEvent("message_delta",
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":10}}`)
	stop := state.HandleEvent("message_stop", `{"type":"message_stop"}`)

	usageChunk := stop[1]
	if usageChunk.Usage == nil {
		t.Fatal("usage missing")
	}
	if usageChunk.Usage.PromptTokens != 100 {
		t.Errorf("prompt_tokens = %d, want 100", usageChunk.Usage.PromptTokens)
	}
	if usageChunk.Usage.PromptDetails == nil || usageChunk.Usage.PromptDetails.CachedTokens != 80 {
		t.Errorf("prompt details = %+v", usageChunk.Usage.PromptDetails)
	}
	if got := gjson.GetBytes(usageChunk.Data, "usage.prompt_tokens_details.cached_tokens").Int(); got != 80 {
		t.Errorf("cached_tokens on wire = %d, want 80", got)
	}
}

func TestStreamStateErrorEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		errType string
		want    conduit.ErrorKind
	}{
		{"overloaded", "overloaded_error", conduit.KindProviderInternal},
		{"rate limited", "rate_limit_error", conduit.KindRateLimited},
		{"bad key", "authentication_error", conduit.KindAuthentication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var state StreamState
			chunks := state.HandleEvent("error",
				`{"type":"error","error":{"type":"`+tt.errType+`","message":"upstream says no"}}`)
			if len(chunks) != 1 || chunks[0].Err == nil {
				t.Fatalf("chunks = %+v", chunks)
			}
			if kind := conduit.KindOf(chunks[0].Err); kind != tt.want {
				t.Errorf("kind = %v, want %v", kind, tt.want)
			}
			if !strings.Contains(chunks[0].Err.Error(), "upstream says no") {
				t.Errorf("error = %q", chunks[0].Err.Error())
			}
		})
	}
}

func TestStreamStateIgnoresPing(t *testing.T) {
	t.Parallel()

	var state StreamState
	if got := state.HandleEvent("ping", `{"type":"ping"}`); got != nil {
		t.Errorf("ping produced %d chunks", len(got))
	}
	if got := state.HandleEvent("content_block_stop", `{"type":"content_block_stop","index":0}`); got != nil {
		t.Errorf("content_block_stop produced %d chunks", len(got))
	}
}

func TestStreamStatePreseededModel(t *testing.T) {
	t.Parallel()

	state := StreamState{Model: "anthropic.claude-sonnet-4"}
	chunks := state.HandleEvent("message_start",
		`{"type":"message_start","message":{"id":"msg_01","usage":{"input_tokens":1}}}`)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if got := gjson.GetBytes(chunks[0].Data, "model").String(); got != "anthropic.claude-sonnet-4" {
		t.Errorf("model = %q, want pre-seeded value kept", got)
	}
}

// Package cohere implements the conduit.Client adapter for the Cohere v2
// API: native chat, embeddings, and rerank.
package cohere

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
)

// --- Request types ---

// chatRequest is the v2 chat body. The message format is close to the
// OpenAI shape; tools pass through unchanged.
type chatRequest struct {
	Model         string          `json:"model"`
	Messages      []chatMessage   `json:"messages"`
	Tools         json.RawMessage `json:"tools,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	P             *float64        `json:"p,omitempty"`
	StopSequences json.RawMessage `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// --- Request translation ---

func translateRequest(req *conduit.ChatRequest) (*chatRequest, error) {
	out := &chatRequest{
		Model:         req.Model,
		MaxTokens:     req.EffectiveMaxTokens(),
		Temperature:   req.Temperature,
		P:             req.TopP,
		StopSequences: stopSequences(req.Stop),
		Tools:         req.Tools,
	}
	for i := range req.Messages {
		m := &req.Messages[i]
		for _, p := range m.Content {
			if p.Type == "image_url" {
				return nil, conduit.Errorf(conduit.KindUnsupported, "cohere: image content not supported")
			}
		}
		out.Messages = append(out.Messages, chatMessage{
			Role:       m.Role,
			Content:    m.Content.JoinText(),
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out, nil
}

// stopSequences normalizes the OpenAI stop field, which may be a bare
// string, to the array Cohere requires.
func stopSequences(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		out := make(json.RawMessage, 0, len(raw)+2)
		out = append(out, '[')
		out = append(out, raw...)
		out = append(out, ']')
		return out
	}
	return raw
}

// --- Response translation ---

func translateResponse(data []byte, model string) (*conduit.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	msg := conduit.Message{Role: "assistant"}
	var text strings.Builder
	r.Get("message.content").ForEach(func(_, c gjson.Result) bool {
		if c.Get("type").String() == "text" {
			text.WriteString(c.Get("text").String())
		}
		return true
	})
	if text.Len() > 0 {
		msg.Content = conduit.Text(text.String())
	}

	finish := mapFinishReason(r.Get("finish_reason").String())
	if calls := r.Get("message.tool_calls"); calls.IsArray() && len(calls.Array()) > 0 {
		msg.ToolCalls = normalizeToolCalls(calls)
		if finish == "" || finish == "stop" {
			finish = "tool_calls"
		}
	}

	id := r.Get("id").String()
	if id == "" {
		id = newResponseID()
	}
	return &conduit.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []conduit.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   translateUsage(r.Get("usage")),
	}, nil
}

// normalizeToolCalls rewrites tool calls so function.arguments is always a
// JSON string; Cohere emits it as a bare object in some responses.
func normalizeToolCalls(calls gjson.Result) json.RawMessage {
	var out []map[string]any
	calls.ForEach(func(_, c gjson.Result) bool {
		args := c.Get("function.arguments").String()
		if args == "" {
			args = "{}"
		}
		out = append(out, map[string]any{
			"id":   c.Get("id").String(),
			"type": "function",
			"function": map[string]any{
				"name":      c.Get("function.name").String(),
				"arguments": args,
			},
		})
		return true
	})
	raw, _ := json.Marshal(out)
	return raw
}

// translateUsage prefers billed_units, the numbers cost accounting runs on,
// falling back to the raw token block.
func translateUsage(u gjson.Result) *conduit.Usage {
	if !u.Exists() {
		return nil
	}
	in := u.Get("billed_units.input_tokens")
	out := u.Get("billed_units.output_tokens")
	if !in.Exists() && !out.Exists() {
		in = u.Get("tokens.input_tokens")
		out = u.Get("tokens.output_tokens")
	}
	usage := &conduit.Usage{
		PromptTokens:     int(in.Int()),
		CompletionTokens: int(out.Int()),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}

// mapFinishReason converts Cohere finish reasons to OpenAI finish reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "COMPLETE", "STOP_SEQUENCE":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "TOOL_CALL":
		return "tool_calls"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

func newResponseID() string { return "cohere-" + uuid.NewString() }

// Package anthropic implements the conduit.Client adapter for the Anthropic
// Messages API. The request/response translation and the streaming state
// machine are exported for the Bedrock adapter, which speaks the same wire
// format inside SigV4-signed invocations.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
)

const (
	// Version is the anthropic-version header value for direct API access.
	Version = "2023-06-01"
	// BedrockVersion goes in the request body when Claude runs on Bedrock.
	BedrockVersion = "bedrock-2023-05-31"

	// The messages API requires max_tokens; applied when the inbound
	// request sets no limit.
	defaultMaxTokens = 4096
)

// MessagesRequest is the Anthropic Messages API request body. Direct access
// sets Model; Bedrock sets AnthropicVersion instead and carries the model in
// the invoke URL.
type MessagesRequest struct {
	Model            string          `json:"model,omitempty"`
	AnthropicVersion string          `json:"anthropic_version,omitempty"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []MessageParam  `json:"messages"`
	System           string          `json:"system,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	StopSequences    json.RawMessage `json:"stop_sequences,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
}

// MessageParam is one conversation turn.
type MessageParam struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one typed block within a turn.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`   // tool_use
	Name      string          `json:"name,omitempty"` // tool_use
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result
	Content   string          `json:"content,omitempty"`     // tool_result
}

// ImageSource carries inline image bytes or a URL reference.
type ImageSource struct {
	Type      string `json:"type"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Tool is a function the model may call. The schema keeps OpenAI's
// parameters shape; only the field name differs.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// TranslateRequest converts an OpenAI-format chat request to the messages
// format. System messages collapse into the top-level system field; tool
// results become tool_result blocks on user turns.
func TranslateRequest(req *conduit.ChatRequest) (*MessagesRequest, error) {
	out := &MessagesRequest{
		Model:         req.Model,
		MaxTokens:     req.EffectiveMaxTokens(),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: req.Stop,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var system []string
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system":
			system = append(system, m.Content.JoinText())
		case "user", "assistant":
			param, err := translateTurn(m)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, param)
		case "tool":
			out.Messages = append(out.Messages, MessageParam{
				Role: "user",
				Content: []ContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content.JoinText(),
				}},
			})
		default:
			return nil, conduit.Errorf(conduit.KindUnsupported, "anthropic: role %q not supported", m.Role)
		}
	}
	out.System = strings.Join(system, "\n\n")

	if len(req.Tools) > 0 {
		tools, err := translateTools(req.Tools)
		if err != nil {
			return nil, err
		}
		out.Tools = tools
	}
	choice, dropTools := translateToolChoice(req.ToolChoice)
	if dropTools {
		out.Tools = nil
	} else {
		out.ToolChoice = choice
	}

	return out, nil
}

func translateTurn(m *conduit.Message) (MessageParam, error) {
	param := MessageParam{Role: m.Role}
	for _, part := range m.Content {
		switch part.Type {
		case "text":
			if part.Text == "" {
				continue
			}
			param.Content = append(param.Content, ContentBlock{Type: "text", Text: part.Text})
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			block := ContentBlock{Type: "image"}
			if mediaType, _, ok := part.ImageURL.InlineData(); ok {
				// The data URI already carries base64; reuse it.
				_, b64, _ := strings.Cut(part.ImageURL.URL, ",")
				block.Source = &ImageSource{Type: "base64", MediaType: mediaType, Data: b64}
			} else {
				block.Source = &ImageSource{Type: "url", URL: part.ImageURL.URL}
			}
			param.Content = append(param.Content, block)
		default:
			return MessageParam{}, conduit.Errorf(conduit.KindUnsupported, "anthropic: content part %q not supported", part.Type)
		}
	}
	if m.Role == "assistant" && len(m.ToolCalls) > 0 {
		blocks, err := toolUseBlocks(m.ToolCalls)
		if err != nil {
			return MessageParam{}, err
		}
		param.Content = append(param.Content, blocks...)
	}
	if len(param.Content) == 0 {
		// The API rejects empty content arrays.
		param.Content = []ContentBlock{{Type: "text", Text: " "}}
	}
	return param, nil
}

// toolUseBlocks converts OpenAI tool_calls to tool_use blocks. OpenAI wraps
// the arguments object in a JSON string; Anthropic wants the object itself.
func toolUseBlocks(raw json.RawMessage) ([]ContentBlock, error) {
	var calls []struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil, fmt.Errorf("anthropic: parse tool calls: %w", err)
	}
	blocks := make([]ContentBlock, 0, len(calls))
	for _, call := range calls {
		input := json.RawMessage(call.Function.Arguments)
		if len(input) == 0 || !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		blocks = append(blocks, ContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return blocks, nil
}

// translateTools converts OpenAI function tools: parameters becomes
// input_schema, the function wrapper is flattened.
func translateTools(raw json.RawMessage) ([]Tool, error) {
	var defs []struct {
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("anthropic: parse tools: %w", err)
	}
	tools := make([]Tool, 0, len(defs))
	for _, def := range defs {
		schema := def.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, Tool{
			Name:        def.Function.Name,
			Description: def.Function.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// translateToolChoice maps OpenAI tool_choice forms onto Anthropic's.
// "none" has no equivalent; it drops the tools instead.
func translateToolChoice(raw json.RawMessage) (choice json.RawMessage, dropTools bool) {
	if len(raw) == 0 {
		return nil, false
	}
	v := gjson.ParseBytes(raw)
	if v.Type == gjson.String {
		switch v.String() {
		case "auto":
			return json.RawMessage(`{"type":"auto"}`), false
		case "required":
			return json.RawMessage(`{"type":"any"}`), false
		case "none":
			return nil, true
		}
		return nil, false
	}
	if name := v.Get("function.name").String(); name != "" {
		b, _ := json.Marshal(map[string]string{"type": "tool", "name": name})
		return b, false
	}
	return nil, false
}

// TranslateResponse converts a messages API JSON response into the
// OpenAI-compatible shape.
func TranslateResponse(data []byte) (*conduit.ChatResponse, error) {
	result := gjson.ParseBytes(data)

	id := result.Get("id").String()
	model := result.Get("model").String()
	stopReason := MapStopReason(result.Get("stop_reason").String())

	var text strings.Builder
	var toolCalls []json.RawMessage
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := conduit.Message{Role: "assistant"}
	if text.Len() > 0 {
		msg.Content = conduit.Text(text.String())
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	return &conduit.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []conduit.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   TranslateUsage(result.Get("usage")),
	}, nil
}

// TranslateUsage normalizes the usage object. Anthropic's input_tokens
// excludes prompt-cache reads and writes; prompt_tokens must carry the full
// input so billing sees every token, with the cache split in the detail.
func TranslateUsage(u gjson.Result) *conduit.Usage {
	if !u.Exists() {
		return nil
	}
	input := int(u.Get("input_tokens").Int())
	output := int(u.Get("output_tokens").Int())
	cacheRead := int(u.Get("cache_read_input_tokens").Int())
	cacheWrite := int(u.Get("cache_creation_input_tokens").Int())

	usage := &conduit.Usage{
		PromptTokens:     input + cacheRead + cacheWrite,
		CompletionTokens: output,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if cacheRead > 0 || cacheWrite > 0 {
		usage.PromptDetails = &conduit.PromptTokenDetail{
			CachedTokens:     cacheRead,
			CacheWriteTokens: cacheWrite,
		}
	}
	return usage
}

// MapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func MapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

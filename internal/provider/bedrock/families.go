package bedrock

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider/anthropic"
	"github.com/knnlabs/conduit/internal/provider/sseutil"
)

// --- Family dispatch ---

// family bundles the request builder, response parser, and stream handler
// for one Bedrock model vendor. Every family produces and consumes its own
// body format on the shared invoke endpoints.
type family struct {
	vendor string
	build  func(req *conduit.ChatRequest) (any, error)
	parse  func(model string, raw []byte) (*conduit.ChatResponse, error)
	stream func(model string) chunkHandler
}

// chunkHandler turns one decoded eventstream payload into zero or more
// relay chunks. Handlers carry per-stream state in their closure.
type chunkHandler func(payload []byte) []conduit.StreamChunk

// familyOf picks the handler set for a Bedrock model identifier. IDs carry
// a vendor prefix ("anthropic.claude-...", "meta.llama3-..."), sometimes
// behind a cross-region routing prefix ("us.anthropic.claude-...").
func familyOf(model string) *family {
	switch {
	case strings.Contains(model, "anthropic.") || strings.Contains(model, "claude"):
		return claudeFamily
	case strings.Contains(model, "meta.") || strings.Contains(model, "llama"):
		return llamaFamily
	case strings.Contains(model, "amazon.titan"):
		return titanFamily
	case strings.Contains(model, "cohere."):
		return cohereFamily
	case strings.Contains(model, "ai21."):
		return jambaFamily
	case strings.Contains(model, "mistral."):
		return mistralFamily
	default:
		return claudeFamily
	}
}

// newResponseID labels translated responses. Families other than Claude
// return no identifier of their own.
func newResponseID() string {
	return "bedrock-" + uuid.NewString()
}

func maxTokensOrDefault(req *conduit.ChatRequest) int {
	if n := req.EffectiveMaxTokens(); n > 0 {
		return n
	}
	return 2048
}

// mapPlainStop folds the stop vocabularies of the non-Claude families onto
// the OpenAI finish reasons.
func mapPlainStop(reason string) string {
	switch strings.ToUpper(reason) {
	case "", "STOP", "FINISH", "COMPLETE", "END_TURN", "STOP_SEQUENCE", "STOP_CRITERIA_MET":
		return "stop"
	case "LENGTH", "MAX_TOKENS":
		return "length"
	default:
		return strings.ToLower(reason)
	}
}

// invocationUsage reads the metrics block Bedrock appends to the final
// frame of an invoke stream.
func invocationUsage(r gjson.Result) *conduit.Usage {
	m := r.Get("amazon-bedrock-invocationMetrics")
	if !m.Exists() {
		return nil
	}
	in := int(m.Get("inputTokenCount").Int())
	out := int(m.Get("outputTokenCount").Int())
	return &conduit.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

func textResponse(id, model, text, finish string, usage *conduit.Usage) *conduit.ChatResponse {
	if id == "" {
		id = newResponseID()
	}
	return &conduit.ChatResponse{
		ID:     id,
		Object: "chat.completion",
		Model:  model,
		Choices: []conduit.Choice{{
			Index:        0,
			Message:      conduit.Message{Role: "assistant", Content: conduit.Text(text)},
			FinishReason: finish,
		}},
		Usage: usage,
	}
}

// --- Claude ---

// Claude on Bedrock speaks the Anthropic Messages format with two twists:
// the model moves from the body to the URL, and the body carries
// anthropic_version instead. Streaming frames decode to the same events the
// direct API sends over SSE.
var claudeFamily = &family{
	vendor: "anthropic",
	build: func(req *conduit.ChatRequest) (any, error) {
		body, err := anthropic.TranslateRequest(req)
		if err != nil {
			return nil, err
		}
		body.Model = ""
		body.Stream = false
		body.AnthropicVersion = anthropic.BedrockVersion
		return body, nil
	},
	parse: func(model string, raw []byte) (*conduit.ChatResponse, error) {
		resp, err := anthropic.TranslateResponse(raw)
		if err != nil {
			return nil, err
		}
		if resp.Model == "" {
			resp.Model = model
		}
		return resp, nil
	},
	stream: func(model string) chunkHandler {
		state := &anthropic.StreamState{Model: model}
		return func(payload []byte) []conduit.StreamChunk {
			event := gjson.GetBytes(payload, "type").String()
			if event == "" {
				return nil
			}
			return state.HandleEvent(event, string(payload))
		}
	},
}

// --- Llama ---

var llamaFamily = &family{
	vendor: "meta",
	build: func(req *conduit.ChatRequest) (any, error) {
		body := map[string]any{
			"prompt":      renderLlamaPrompt(req.Messages),
			"max_gen_len": maxTokensOrDefault(req),
		}
		if req.Temperature != nil {
			body["temperature"] = *req.Temperature
		}
		if req.TopP != nil {
			body["top_p"] = *req.TopP
		}
		return body, nil
	},
	parse: func(model string, raw []byte) (*conduit.ChatResponse, error) {
		r := gjson.ParseBytes(raw)
		in := int(r.Get("prompt_token_count").Int())
		out := int(r.Get("generation_token_count").Int())
		return textResponse("", model,
			strings.TrimSpace(r.Get("generation").String()),
			mapPlainStop(r.Get("stop_reason").String()),
			&conduit.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		), nil
	},
	stream: func(model string) chunkHandler {
		id := newResponseID()
		var started bool
		var in, out int
		return func(payload []byte) []conduit.StreamChunk {
			r := gjson.ParseBytes(payload)
			var chunks []conduit.StreamChunk
			if !started {
				started = true
				chunks = append(chunks, conduit.StreamChunk{
					Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"role": "assistant"}, ""),
				})
			}
			if v := r.Get("prompt_token_count"); v.Int() > 0 {
				in = int(v.Int())
			}
			if v := r.Get("generation_token_count"); v.Int() > 0 {
				out = int(v.Int())
			}
			if text := r.Get("generation").String(); text != "" {
				chunks = append(chunks, conduit.StreamChunk{
					Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"content": text}, ""),
				})
			}
			if stop := r.Get("stop_reason"); stop.String() != "" {
				usage := invocationUsage(r)
				if usage == nil {
					usage = &conduit.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
				}
				chunks = append(chunks,
					conduit.StreamChunk{Data: sseutil.BuildFinishChunk(id, model, mapPlainStop(stop.String()))},
					conduit.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, usage), Usage: usage},
					conduit.StreamChunk{Done: true},
				)
			}
			return chunks
		}
	},
}

// renderLlamaPrompt lays the conversation out in the Llama 3 chat template.
func renderLlamaPrompt(msgs []conduit.Message) string {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	for i := range msgs {
		m := &msgs[i]
		role := m.Role
		if role == "tool" {
			role = "user"
		}
		b.WriteString("<|start_header_id|>")
		b.WriteString(role)
		b.WriteString("<|end_header_id|>\n\n")
		b.WriteString(m.Content.JoinText())
		b.WriteString("<|eot_id|>")
	}
	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return b.String()
}

// --- Titan ---

var titanFamily = &family{
	vendor: "amazon",
	build: func(req *conduit.ChatRequest) (any, error) {
		cfg := map[string]any{"maxTokenCount": maxTokensOrDefault(req)}
		if req.Temperature != nil {
			cfg["temperature"] = *req.Temperature
		}
		if req.TopP != nil {
			cfg["topP"] = *req.TopP
		}
		return map[string]any{
			"inputText":            renderPlainPrompt(req.Messages),
			"textGenerationConfig": cfg,
		}, nil
	},
	parse: func(model string, raw []byte) (*conduit.ChatResponse, error) {
		r := gjson.ParseBytes(raw)
		res := r.Get("results.0")
		in := int(r.Get("inputTextTokenCount").Int())
		out := int(res.Get("tokenCount").Int())
		return textResponse("", model,
			strings.TrimSpace(res.Get("outputText").String()),
			mapPlainStop(res.Get("completionReason").String()),
			&conduit.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		), nil
	},
	stream: func(model string) chunkHandler {
		id := newResponseID()
		var started bool
		var in, out int
		return func(payload []byte) []conduit.StreamChunk {
			r := gjson.ParseBytes(payload)
			var chunks []conduit.StreamChunk
			if !started {
				started = true
				chunks = append(chunks, conduit.StreamChunk{
					Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"role": "assistant"}, ""),
				})
			}
			if v := r.Get("inputTextTokenCount"); v.Int() > 0 {
				in = int(v.Int())
			}
			if v := r.Get("totalOutputTextTokenCount"); v.Int() > 0 {
				out = int(v.Int())
			}
			if text := r.Get("outputText").String(); text != "" {
				chunks = append(chunks, conduit.StreamChunk{
					Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"content": text}, ""),
				})
			}
			if reason := r.Get("completionReason"); reason.Exists() && reason.String() != "" {
				usage := invocationUsage(r)
				if usage == nil {
					usage = &conduit.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
				}
				chunks = append(chunks,
					conduit.StreamChunk{Data: sseutil.BuildFinishChunk(id, model, mapPlainStop(reason.String()))},
					conduit.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, usage), Usage: usage},
					conduit.StreamChunk{Done: true},
				)
			}
			return chunks
		}
	},
}

// renderPlainPrompt flattens conversation turns into Titan's User/Bot
// transcript convention.
func renderPlainPrompt(msgs []conduit.Message) string {
	var b strings.Builder
	for i := range msgs {
		m := &msgs[i]
		text := m.Content.JoinText()
		if text == "" {
			continue
		}
		switch m.Role {
		case "system":
			b.WriteString(text)
			b.WriteString("\n\n")
		case "assistant":
			b.WriteString("Bot: ")
			b.WriteString(text)
			b.WriteString("\n")
		default:
			b.WriteString("User: ")
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	b.WriteString("Bot:")
	return b.String()
}

// --- Cohere Command ---

var cohereFamily = &family{
	vendor: "cohere",
	build: func(req *conduit.ChatRequest) (any, error) {
		body := map[string]any{"max_tokens": maxTokensOrDefault(req)}
		var history []map[string]string
		var preamble []string
		for i := range req.Messages {
			m := &req.Messages[i]
			text := m.Content.JoinText()
			switch m.Role {
			case "system":
				preamble = append(preamble, text)
			case "assistant":
				history = append(history, map[string]string{"role": "CHATBOT", "message": text})
			default:
				history = append(history, map[string]string{"role": "USER", "message": text})
			}
		}
		// Command chat splits the final user turn off from the history.
		var message string
		if n := len(history); n > 0 && history[n-1]["role"] == "USER" {
			message = history[n-1]["message"]
			history = history[:n-1]
		}
		body["message"] = message
		if len(history) > 0 {
			body["chat_history"] = history
		}
		if len(preamble) > 0 {
			body["preamble"] = strings.Join(preamble, "\n\n")
		}
		if req.Temperature != nil {
			body["temperature"] = *req.Temperature
		}
		if req.TopP != nil {
			body["p"] = *req.TopP
		}
		return body, nil
	},
	parse: func(model string, raw []byte) (*conduit.ChatResponse, error) {
		r := gjson.ParseBytes(raw)
		in := int(r.Get("meta.billed_units.input_tokens").Int())
		out := int(r.Get("meta.billed_units.output_tokens").Int())
		return textResponse(r.Get("response_id").String(), model,
			r.Get("text").String(),
			mapPlainStop(r.Get("finish_reason").String()),
			&conduit.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		), nil
	},
	stream: func(model string) chunkHandler {
		id := newResponseID()
		var started bool
		return func(payload []byte) []conduit.StreamChunk {
			r := gjson.ParseBytes(payload)
			var chunks []conduit.StreamChunk
			if !started {
				started = true
				chunks = append(chunks, conduit.StreamChunk{
					Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"role": "assistant"}, ""),
				})
			}
			switch r.Get("event_type").String() {
			case "text-generation":
				if text := r.Get("text").String(); text != "" {
					chunks = append(chunks, conduit.StreamChunk{
						Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"content": text}, ""),
					})
				}
			case "stream-end":
				usage := invocationUsage(r)
				if usage == nil {
					in := int(r.Get("response.meta.billed_units.input_tokens").Int())
					out := int(r.Get("response.meta.billed_units.output_tokens").Int())
					usage = &conduit.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
				}
				chunks = append(chunks,
					conduit.StreamChunk{Data: sseutil.BuildFinishChunk(id, model, mapPlainStop(r.Get("finish_reason").String()))},
					conduit.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, usage), Usage: usage},
					conduit.StreamChunk{Done: true},
				)
			}
			return chunks
		}
	},
}

// --- AI21 Jamba ---

// Jamba already speaks an OpenAI-shaped chat body, so translation is a
// field subset rather than a prompt render.
var jambaFamily = &family{
	vendor: "ai21",
	build: func(req *conduit.ChatRequest) (any, error) {
		msgs := make([]map[string]string, 0, len(req.Messages))
		for i := range req.Messages {
			m := &req.Messages[i]
			role := m.Role
			if role == "tool" {
				role = "user"
			}
			msgs = append(msgs, map[string]string{"role": role, "content": m.Content.JoinText()})
		}
		body := map[string]any{
			"messages":   msgs,
			"max_tokens": maxTokensOrDefault(req),
		}
		if req.Temperature != nil {
			body["temperature"] = *req.Temperature
		}
		if req.TopP != nil {
			body["top_p"] = *req.TopP
		}
		if len(req.Stop) > 0 {
			body["stop"] = req.Stop
		}
		return body, nil
	},
	parse: func(model string, raw []byte) (*conduit.ChatResponse, error) {
		r := gjson.ParseBytes(raw)
		choice := r.Get("choices.0")
		in := int(r.Get("usage.prompt_tokens").Int())
		out := int(r.Get("usage.completion_tokens").Int())
		finish := choice.Get("finish_reason").String()
		if finish == "" {
			finish = "stop"
		}
		return textResponse(r.Get("id").String(), model,
			choice.Get("message.content").String(),
			finish,
			&conduit.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		), nil
	},
	stream: func(model string) chunkHandler {
		id := newResponseID()
		var started bool
		return func(payload []byte) []conduit.StreamChunk {
			r := gjson.ParseBytes(payload)
			var chunks []conduit.StreamChunk
			if !started {
				started = true
				chunks = append(chunks, conduit.StreamChunk{
					Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"role": "assistant"}, ""),
				})
			}
			choice := r.Get("choices.0")
			if text := choice.Get("delta.content").String(); text != "" {
				chunks = append(chunks, conduit.StreamChunk{
					Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"content": text}, ""),
				})
			}
			if finish := choice.Get("finish_reason").String(); finish != "" {
				chunks = append(chunks, conduit.StreamChunk{
					Data: sseutil.BuildFinishChunk(id, model, finish),
				})
			}
			usage := invocationUsage(r)
			if usage == nil {
				if u := r.Get("usage"); u.Exists() && u.Get("total_tokens").Int() > 0 {
					usage = &conduit.Usage{
						PromptTokens:     int(u.Get("prompt_tokens").Int()),
						CompletionTokens: int(u.Get("completion_tokens").Int()),
						TotalTokens:      int(u.Get("total_tokens").Int()),
					}
				}
			}
			if usage != nil {
				chunks = append(chunks,
					conduit.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, usage), Usage: usage},
					conduit.StreamChunk{Done: true},
				)
			}
			return chunks
		}
	},
}

// --- Mistral ---

var mistralFamily = &family{
	vendor: "mistral",
	build: func(req *conduit.ChatRequest) (any, error) {
		body := map[string]any{
			"prompt":     renderMistralPrompt(req.Messages),
			"max_tokens": maxTokensOrDefault(req),
		}
		if req.Temperature != nil {
			body["temperature"] = *req.Temperature
		}
		if req.TopP != nil {
			body["top_p"] = *req.TopP
		}
		return body, nil
	},
	parse: func(model string, raw []byte) (*conduit.ChatResponse, error) {
		r := gjson.ParseBytes(raw)
		out := r.Get("outputs.0")
		return textResponse("", model,
			strings.TrimSpace(out.Get("text").String()),
			mapPlainStop(out.Get("stop_reason").String()),
			nil,
		), nil
	},
	stream: func(model string) chunkHandler {
		id := newResponseID()
		var started bool
		return func(payload []byte) []conduit.StreamChunk {
			r := gjson.ParseBytes(payload)
			var chunks []conduit.StreamChunk
			if !started {
				started = true
				chunks = append(chunks, conduit.StreamChunk{
					Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"role": "assistant"}, ""),
				})
			}
			out := r.Get("outputs.0")
			if text := out.Get("text").String(); text != "" {
				chunks = append(chunks, conduit.StreamChunk{
					Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"content": text}, ""),
				})
			}
			if stop := out.Get("stop_reason").String(); stop != "" {
				chunks = append(chunks, conduit.StreamChunk{
					Data: sseutil.BuildFinishChunk(id, model, mapPlainStop(stop)),
				})
				if usage := invocationUsage(r); usage != nil {
					chunks = append(chunks, conduit.StreamChunk{
						Data: sseutil.BuildUsageChunk(id, model, usage), Usage: usage,
					})
				}
				chunks = append(chunks, conduit.StreamChunk{Done: true})
			}
			return chunks
		}
	},
}

// renderMistralPrompt wraps user turns in [INST] markers; the first user
// turn absorbs any system text.
func renderMistralPrompt(msgs []conduit.Message) string {
	var b strings.Builder
	b.WriteString("<s>")
	var system string
	for i := range msgs {
		m := &msgs[i]
		text := m.Content.JoinText()
		switch m.Role {
		case "system":
			system = text
		case "assistant":
			b.WriteString(" ")
			b.WriteString(text)
			b.WriteString("</s>")
		default:
			b.WriteString("[INST] ")
			if system != "" {
				b.WriteString(system)
				b.WriteString("\n\n")
				system = ""
			}
			b.WriteString(text)
			b.WriteString(" [/INST]")
		}
	}
	return b.String()
}

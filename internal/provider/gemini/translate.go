// Package gemini implements the conduit.Client adapter for the Google Gemini
// API, both the Generative Language endpoint and Vertex AI publisher-model
// hosting.
package gemini

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
)

// --- Request types ---

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
	ToolConfig        json.RawMessage   `json:"toolConfig,omitempty"`
	SafetySettings    []safetySetting   `json:"safetySettings,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *inlineBlob     `json:"inlineData,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type inlineBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type tool struct {
	FunctionDeclarations []json.RawMessage `json:"functionDeclarations,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	CandidateCount  int             `json:"candidateCount,omitempty"`
	StopSequences   json.RawMessage `json:"stopSequences,omitempty"`
}

// defaultSafetySettings relaxes Gemini's category filters so moderation stays
// a gateway policy decision rather than a silent upstream one.
var defaultSafetySettings = []safetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
}

// --- Request translation ---

// translateRequest converts an OpenAI-shaped chat request to a Gemini
// generateContent body. System turns become the systemInstruction; assistant
// turns take role "model"; tool results become functionResponse parts.
func translateRequest(req *conduit.ChatRequest) (*generateRequest, error) {
	out := &generateRequest{SafetySettings: defaultSafetySettings}

	var system []string
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system":
			system = append(system, m.Content.JoinText())
		case "user":
			parts, err := translateParts(m.Content)
			if err != nil {
				return nil, err
			}
			out.Contents = append(out.Contents, content{Role: "user", Parts: parts})
		case "assistant":
			turn, err := translateAssistantTurn(m)
			if err != nil {
				return nil, err
			}
			out.Contents = append(out.Contents, turn)
		case "tool":
			fr, err := json.Marshal(map[string]any{
				"name":     m.ToolCallID,
				"response": map[string]any{"content": m.Content.JoinText()},
			})
			if err != nil {
				return nil, conduit.WrapError(conduit.KindConfiguration, err, "gemini: encode tool result")
			}
			out.Contents = append(out.Contents, content{
				Role:  "user",
				Parts: []part{{FunctionResponse: fr}},
			})
		default:
			return nil, conduit.Errorf(conduit.KindUnsupported, "gemini: unsupported message role %q", m.Role)
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &content{Parts: []part{{Text: strings.Join(system, "\n\n")}}}
	}

	if decls := functionDeclarations(req.Tools); len(decls) > 0 {
		out.Tools = []tool{{FunctionDeclarations: decls}}
		out.ToolConfig = translateToolConfig(req.ToolChoice)
	}

	if req.Temperature != nil || req.TopP != nil || req.EffectiveMaxTokens() > 0 ||
		req.N > 1 || len(req.Stop) > 0 {
		cfg := &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.EffectiveMaxTokens(),
			StopSequences:   stopSequences(req.Stop),
		}
		if req.N > 1 {
			cfg.CandidateCount = req.N
		}
		out.GenerationConfig = cfg
	}

	return out, nil
}

func translateParts(mc conduit.MessageContent) ([]part, error) {
	var parts []part
	for _, p := range mc {
		switch p.Type {
		case "text":
			if p.Text == "" {
				continue
			}
			parts = append(parts, part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			mediaType, _, ok := p.ImageURL.InlineData()
			if !ok {
				return nil, conduit.Errorf(conduit.KindUnsupported, "gemini: remote image URLs are not supported, inline a data: URI")
			}
			// The data URI already carries base64; reuse it.
			_, b64, _ := strings.Cut(p.ImageURL.URL, ",")
			parts = append(parts, part{InlineData: &inlineBlob{MimeType: mediaType, Data: b64}})
		default:
			return nil, conduit.Errorf(conduit.KindUnsupported, "gemini: unsupported content part %q", p.Type)
		}
	}
	if len(parts) == 0 {
		// The API rejects contents with empty part lists.
		parts = []part{{Text: " "}}
	}
	return parts, nil
}

func translateAssistantTurn(m *conduit.Message) (content, error) {
	turn := content{Role: "model"}
	if text := m.Content.JoinText(); text != "" {
		turn.Parts = append(turn.Parts, part{Text: text})
	}

	if len(m.ToolCalls) > 0 {
		var calls []struct {
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		}
		if err := json.Unmarshal(m.ToolCalls, &calls); err != nil {
			return content{}, conduit.WrapError(conduit.KindConfiguration, err, "gemini: decode tool calls")
		}
		for _, call := range calls {
			args := json.RawMessage(call.Function.Arguments)
			if len(args) == 0 || !gjson.ValidBytes(args) {
				args = json.RawMessage(`{}`)
			}
			fc, err := json.Marshal(map[string]any{"name": call.Function.Name, "args": args})
			if err != nil {
				return content{}, conduit.WrapError(conduit.KindConfiguration, err, "gemini: encode function call")
			}
			turn.Parts = append(turn.Parts, part{FunctionCall: fc})
		}
	}

	if len(turn.Parts) == 0 {
		turn.Parts = []part{{Text: " "}}
	}
	return turn, nil
}

// functionDeclarations strips the OpenAI {"type":"function","function":{...}}
// wrappers down to the bare declarations Gemini expects.
func functionDeclarations(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var wrapped []struct {
		Function json.RawMessage `json:"function"`
	}
	if json.Unmarshal(raw, &wrapped) != nil {
		return nil
	}
	var decls []json.RawMessage
	for _, t := range wrapped {
		if len(t.Function) > 0 {
			decls = append(decls, t.Function)
		}
	}
	return decls
}

func translateToolConfig(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)

	var mode string
	switch r.String() {
	case "auto":
		mode = "AUTO"
	case "required":
		mode = "ANY"
	case "none":
		mode = "NONE"
	}
	if mode != "" {
		out, _ := json.Marshal(map[string]any{"functionCallingConfig": map[string]any{"mode": mode}})
		return out
	}
	if name := r.Get("function.name").String(); name != "" {
		out, _ := json.Marshal(map[string]any{"functionCallingConfig": map[string]any{
			"mode":                 "ANY",
			"allowedFunctionNames": []string{name},
		}})
		return out
	}
	return nil
}

// stopSequences normalizes the OpenAI stop field, which may be a bare
// string, to the array Gemini requires.
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

// translateResponse converts a generateContent body to the OpenAI shape,
// one choice per candidate.
func translateResponse(data []byte, model string) (*conduit.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	var choices []conduit.Choice
	r.Get("candidates").ForEach(func(_, cand gjson.Result) bool {
		msg := conduit.Message{Role: "assistant"}
		var text strings.Builder
		var toolCalls []json.RawMessage

		cand.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
			if t := p.Get("text"); t.Exists() {
				text.WriteString(t.String())
			}
			if fc := p.Get("functionCall"); fc.Exists() {
				toolCalls = append(toolCalls, translateFunctionCall(fc))
			}
			return true
		})

		if text.Len() > 0 {
			msg.Content = conduit.Text(text.String())
		}
		finish := mapFinishReason(cand.Get("finishReason").String())
		if len(toolCalls) > 0 {
			raw, _ := json.Marshal(toolCalls)
			msg.ToolCalls = raw
			if finish == "" || finish == "stop" {
				finish = "tool_calls"
			}
		}

		idx := len(choices)
		if v := cand.Get("index"); v.Exists() {
			idx = int(v.Int())
		}
		choices = append(choices, conduit.Choice{Index: idx, Message: msg, FinishReason: finish})
		return true
	})

	if len(choices) == 0 {
		if reason := r.Get("promptFeedback.blockReason").String(); reason != "" {
			return nil, conduit.Errorf(conduit.KindUnsupported, "gemini: prompt blocked: %s", reason)
		}
		return nil, conduit.Errorf(conduit.KindProviderInternal, "gemini: response carried no candidates")
	}

	id := r.Get("responseId").String()
	if id == "" {
		id = newResponseID()
	}
	return &conduit.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: choices,
		Usage:   translateUsage(r.Get("usageMetadata")),
	}, nil
}

// translateFunctionCall maps a Gemini functionCall part onto an OpenAI tool
// call. Gemini has no call ids, so the function name stands in.
func translateFunctionCall(fc gjson.Result) json.RawMessage {
	name := fc.Get("name").String()
	args := fc.Get("args").Raw
	if args == "" {
		args = "{}"
	}
	tc, _ := json.Marshal(map[string]any{
		"id":   name,
		"type": "function",
		"function": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	return tc
}

// translateUsage maps usageMetadata. promptTokenCount already includes
// cached content, so the cache hit only lands in the detail split.
func translateUsage(u gjson.Result) *conduit.Usage {
	if !u.Exists() {
		return nil
	}
	usage := &conduit.Usage{
		PromptTokens:     int(u.Get("promptTokenCount").Int()),
		CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(u.Get("totalTokenCount").Int()),
	}
	if cached := int(u.Get("cachedContentTokenCount").Int()); cached > 0 {
		usage.PromptDetails = &conduit.PromptTokenDetail{CachedTokens: cached}
	}
	return usage
}

// mapFinishReason converts Gemini finish reasons to OpenAI finish reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	default:
		return reason
	}
}

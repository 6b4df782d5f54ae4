// Package replicate implements the conduit.Client adapter for the Replicate
// predictions API. Predictions are asynchronous: creation returns
// immediately and the client polls until a terminal status, or follows the
// prediction's stream URL for token streaming.
package replicate

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
)

// chatInput builds the prediction input for a language model. Replicate
// validates input against each model's schema and rejects unknown keys, so
// only fields the common language model families share are sent.
func chatInput(req *conduit.ChatRequest) (map[string]any, error) {
	prompt, system, err := buildPrompt(req.Messages)
	if err != nil {
		return nil, err
	}

	input := map[string]any{"prompt": prompt}
	if system != "" {
		input["system_prompt"] = system
	}
	if max := req.EffectiveMaxTokens(); max > 0 {
		input["max_tokens"] = max
	}
	if req.Temperature != nil {
		input["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		input["top_p"] = *req.TopP
	}
	return input, nil
}

// buildPrompt flattens chat messages into the single prompt string Replicate
// language models take. System messages feed system_prompt; a lone user
// message passes through untouched; longer conversations become a role-tagged
// transcript.
func buildPrompt(msgs []conduit.Message) (prompt, system string, err error) {
	var systems []string
	var turns []conduit.Message
	for _, m := range msgs {
		for _, p := range m.Content {
			if p.Type == "image_url" {
				return "", "", conduit.NewError(conduit.KindUnsupported, "replicate: image content not supported")
			}
		}
		switch m.Role {
		case "system":
			systems = append(systems, m.Content.JoinText())
		case "user", "assistant":
			turns = append(turns, m)
		default:
			return "", "", conduit.Errorf(conduit.KindUnsupported, "replicate: unsupported message role %q", m.Role)
		}
	}

	system = strings.Join(systems, "\n\n")
	if len(turns) == 1 {
		return turns[0].Content.JoinText(), system, nil
	}
	lines := make([]string, len(turns))
	for i, m := range turns {
		lines[i] = fmt.Sprintf("%s: %s", m.Role, m.Content.JoinText())
	}
	return strings.Join(lines, "\n"), system, nil
}

// imageInput builds the prediction input for an image model. Sizing fields
// differ per family (width/height versus aspect_ratio), so only the shared
// subset is sent.
func imageInput(req *conduit.ImageRequest) map[string]any {
	input := map[string]any{"prompt": req.Prompt}
	if req.N > 1 {
		input["num_outputs"] = req.N
	}
	if req.InferenceSteps > 0 {
		input["num_inference_steps"] = req.InferenceSteps
	}
	return input
}

// joinOutput flattens a prediction output. Language models emit an array of
// string tokens; some models emit a single string.
func joinOutput(out gjson.Result) string {
	if !out.IsArray() {
		return out.String()
	}
	var b strings.Builder
	out.ForEach(func(_, v gjson.Result) bool {
		b.WriteString(v.String())
		return true
	})
	return b.String()
}

// predictionFailure maps a terminal prediction status to an error, nil for
// success.
func predictionFailure(pred gjson.Result) error {
	switch pred.Get("status").String() {
	case "succeeded":
		return nil
	case "failed":
		msg := pred.Get("error").String()
		if msg == "" {
			msg = "prediction failed"
		}
		return conduit.Errorf(conduit.KindProviderInternal, "replicate: %s", msg)
	case "canceled":
		return conduit.NewError(conduit.KindCancelled, "replicate: prediction canceled upstream")
	default:
		return conduit.Errorf(conduit.KindProviderInternal, "replicate: prediction ended in state %q", pred.Get("status").String())
	}
}

// predictionUsage reads token metrics off a terminal prediction. Only
// language models report them.
func predictionUsage(pred gjson.Result) *conduit.Usage {
	m := pred.Get("metrics")
	in := int(m.Get("input_token_count").Int())
	out := int(m.Get("output_token_count").Int())
	if in == 0 && out == 0 {
		return nil
	}
	return &conduit.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

func translateChatPrediction(raw []byte, model string) (*conduit.ChatResponse, error) {
	pred := gjson.ParseBytes(raw)
	if err := predictionFailure(pred); err != nil {
		return nil, err
	}

	id := pred.Get("id").String()
	if id == "" {
		id = newResponseID()
	}
	return &conduit.ChatResponse{
		ID:     id,
		Object: "chat.completion",
		Model:  model,
		Choices: []conduit.Choice{{
			Index: 0,
			Message: conduit.Message{
				Role:    "assistant",
				Content: conduit.Text(joinOutput(pred.Get("output"))),
			},
			FinishReason: "stop",
		}},
		Usage: predictionUsage(pred),
	}, nil
}

func translateImagePrediction(raw []byte) (*conduit.ImageResponse, error) {
	pred := gjson.ParseBytes(raw)
	if err := predictionFailure(pred); err != nil {
		return nil, err
	}

	var data []conduit.ImageData
	out := pred.Get("output")
	if out.IsArray() {
		out.ForEach(func(_, v gjson.Result) bool {
			data = append(data, conduit.ImageData{URL: v.String()})
			return true
		})
	} else if u := out.String(); u != "" {
		data = append(data, conduit.ImageData{URL: u})
	}
	if len(data) == 0 {
		return nil, conduit.NewError(conduit.KindProviderInternal, "replicate: prediction carried no output")
	}
	return &conduit.ImageResponse{
		Created: time.Now().Unix(),
		Data:    data,
		Usage:   predictionUsage(pred),
	}, nil
}

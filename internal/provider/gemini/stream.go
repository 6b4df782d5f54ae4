package gemini

import (
	"context"
	"io"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider/sseutil"
)

// readStream reads generateContent SSE data lines and emits OpenAI-format
// chunks. Gemini streams carry no event field and no [DONE] sentinel; the
// stream ends at EOF. usageMetadata is cumulative, so the last seen values
// feed the final usage chunk. It owns body and always closes ch.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- conduit.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	id := newResponseID()
	scanner := sseutil.NewScanner(body)

	var (
		sentRole  bool
		toolCalls int
		finish    string
		lastUsage *conduit.Usage
	)
	emit := func(c conduit.StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			ch <- conduit.StreamChunk{Err: ctx.Err()}
			return false
		}
	}

	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		r := gjson.Parse(data)

		if rid := r.Get("responseId").String(); rid != "" {
			id = rid
		}
		if u := r.Get("usageMetadata"); u.Exists() {
			lastUsage = translateUsage(u)
		}

		if !sentRole {
			if !emit(conduit.StreamChunk{Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"role": "assistant"}, "")}) {
				return
			}
			sentRole = true
		}

		cand := r.Get("candidates.0")
		var aborted bool
		cand.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
			if t := p.Get("text").String(); t != "" {
				if !emit(conduit.StreamChunk{Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"content": t}, "")}) {
					aborted = true
					return false
				}
			}
			if fc := p.Get("functionCall"); fc.Exists() {
				name := fc.Get("name").String()
				args := fc.Get("args").Raw
				if args == "" {
					args = "{}"
				}
				// Gemini delivers a whole call per part; open it, then
				// hand over the arguments in one delta.
				seq := toolCalls
				toolCalls++
				if !emit(conduit.StreamChunk{Data: sseutil.BuildToolCallStartChunk(id, model, seq, name, name)}) {
					aborted = true
					return false
				}
				if !emit(conduit.StreamChunk{Data: sseutil.BuildToolCallDeltaChunk(id, model, seq, args)}) {
					aborted = true
					return false
				}
			}
			return true
		})
		if aborted {
			return
		}

		if fr := cand.Get("finishReason").String(); fr != "" {
			finish = mapFinishReason(fr)
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- conduit.StreamChunk{Err: conduit.WrapError(conduit.KindCommunication, err, "gemini: read stream")}
		return
	}

	if sentRole {
		if finish == "" {
			finish = "stop"
		}
		if toolCalls > 0 && finish == "stop" {
			finish = "tool_calls"
		}
		if !emit(conduit.StreamChunk{Data: sseutil.BuildFinishChunk(id, model, finish)}) {
			return
		}
	}
	if lastUsage != nil {
		if !emit(conduit.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, lastUsage), Usage: lastUsage}) {
			return
		}
	}
	emit(conduit.StreamChunk{Done: true})
}

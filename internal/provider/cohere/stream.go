package cohere

import (
	"context"
	"io"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider/sseutil"
)

// streamState converts v2 chat stream events into OpenAI-format chunks.
// Events arrive as data lines whose JSON carries a type field; there is no
// event field.
type streamState struct {
	id        string
	model     string
	toolIndex map[int]int // upstream content index -> tool call sequence
}

func (s *streamState) handle(data string) []conduit.StreamChunk {
	r := gjson.Parse(data)
	switch r.Get("type").String() {
	case "message-start":
		if id := r.Get("id").String(); id != "" {
			s.id = id
		}
		return []conduit.StreamChunk{{
			Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, ""),
		}}
	case "content-delta":
		text := r.Get("delta.message.content.text").String()
		if text == "" {
			return nil
		}
		return []conduit.StreamChunk{{
			Data: sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"content": text}, ""),
		}}
	case "tool-call-start":
		call := r.Get("delta.message.tool_calls")
		if s.toolIndex == nil {
			s.toolIndex = make(map[int]int)
		}
		seq := len(s.toolIndex)
		s.toolIndex[int(r.Get("index").Int())] = seq
		return []conduit.StreamChunk{{
			Data: sseutil.BuildToolCallStartChunk(s.id, s.model, seq,
				call.Get("id").String(), call.Get("function.name").String()),
		}}
	case "tool-call-delta":
		partial := r.Get("delta.message.tool_calls.function.arguments").String()
		if partial == "" {
			return nil
		}
		seq, ok := s.toolIndex[int(r.Get("index").Int())]
		if !ok {
			return nil
		}
		return []conduit.StreamChunk{{
			Data: sseutil.BuildToolCallDeltaChunk(s.id, s.model, seq, partial),
		}}
	case "message-end":
		finish := mapFinishReason(r.Get("delta.finish_reason").String())
		if finish == "" {
			finish = mapFinishReason(r.Get("finish_reason").String())
		}
		if finish == "" {
			finish = "stop"
		}
		u := r.Get("delta.usage")
		if !u.Exists() {
			u = r.Get("usage")
		}
		chunks := []conduit.StreamChunk{{Data: sseutil.BuildFinishChunk(s.id, s.model, finish)}}
		if usage := translateUsage(u); usage != nil {
			chunks = append(chunks, conduit.StreamChunk{
				Data:  sseutil.BuildUsageChunk(s.id, s.model, usage),
				Usage: usage,
			})
		}
		return append(chunks, conduit.StreamChunk{Done: true})
	default:
		// message-start padding, content-start/end, tool-plan deltas: nothing
		// the OpenAI shape needs.
		return nil
	}
}

// readStream reads v2 chat SSE events and emits OpenAI-format chunks until
// message-end or EOF. It owns body and always closes ch.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- conduit.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	state := &streamState{id: newResponseID(), model: model}
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" || data == "[DONE]" {
			continue
		}
		for _, c := range state.handle(data) {
			done := c.Done
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- conduit.StreamChunk{Err: ctx.Err()}
				return
			}
			if done {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- conduit.StreamChunk{Err: conduit.WrapError(conduit.KindCommunication, err, "cohere: read stream")}
		return
	}
	// EOF without message-end still terminates the stream cleanly.
	ch <- conduit.StreamChunk{Done: true}
}

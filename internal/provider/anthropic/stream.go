package anthropic

import (
	"context"
	"io"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider/sseutil"
)

// StreamState converts messages streaming events into OpenAI-format chunks,
// accumulating stream identity and usage as events arrive. Direct access
// feeds it SSE events; Bedrock feeds it decoded eventstream payloads.
type StreamState struct {
	// ID and Model may be pre-seeded; message_start overwrites them when
	// the event carries its own.
	ID    string
	Model string

	inputTokens  int
	cacheRead    int
	cacheWrite   int
	outputTokens int
	stopReason   string
	toolIndex    map[int]int // content block index -> tool call sequence
}

// HandleEvent processes one streaming event and returns zero or more chunks
// to relay. message_stop produces the finish chunk, the usage chunk, and the
// Done marker.
func (s *StreamState) HandleEvent(event, data string) []conduit.StreamChunk {
	switch event {
	case "message_start":
		return s.onMessageStart(data)
	case "content_block_start":
		return s.onContentBlockStart(data)
	case "content_block_delta":
		return s.onContentBlockDelta(data)
	case "message_delta":
		s.onMessageDelta(data)
		return nil
	case "message_stop":
		return s.onMessageStop()
	case "error":
		return s.onError(data)
	default:
		// ping and content_block_stop carry nothing the OpenAI shape needs.
		return nil
	}
}

func (s *StreamState) onMessageStart(data string) []conduit.StreamChunk {
	msg := gjson.Get(data, "message")
	if id := msg.Get("id").String(); id != "" {
		s.ID = id
	}
	if model := msg.Get("model").String(); model != "" {
		s.Model = model
	}
	usage := msg.Get("usage")
	s.inputTokens = int(usage.Get("input_tokens").Int())
	s.cacheRead = int(usage.Get("cache_read_input_tokens").Int())
	s.cacheWrite = int(usage.Get("cache_creation_input_tokens").Int())

	// Initial role chunk.
	return []conduit.StreamChunk{{
		Data: sseutil.BuildDeltaChunk(s.ID, s.Model, map[string]any{"role": "assistant"}, ""),
	}}
}

func (s *StreamState) onContentBlockStart(data string) []conduit.StreamChunk {
	block := gjson.Get(data, "content_block")
	if block.Get("type").String() != "tool_use" {
		return nil
	}
	if s.toolIndex == nil {
		s.toolIndex = make(map[int]int)
	}
	seq := len(s.toolIndex)
	s.toolIndex[int(gjson.Get(data, "index").Int())] = seq

	return []conduit.StreamChunk{{
		Data: sseutil.BuildToolCallStartChunk(s.ID, s.Model, seq, block.Get("id").String(), block.Get("name").String()),
	}}
}

func (s *StreamState) onContentBlockDelta(data string) []conduit.StreamChunk {
	r := gjson.Parse(data)
	switch r.Get("delta.type").String() {
	case "text_delta":
		text := r.Get("delta.text").String()
		if text == "" {
			return nil
		}
		return []conduit.StreamChunk{{
			Data: sseutil.BuildDeltaChunk(s.ID, s.Model, map[string]any{"content": text}, ""),
		}}
	case "input_json_delta":
		partial := r.Get("delta.partial_json").String()
		if partial == "" {
			return nil
		}
		// Anthropic indexes count every content block; OpenAI tool call
		// indexes count tool calls only.
		seq, ok := s.toolIndex[int(r.Get("index").Int())]
		if !ok {
			return nil
		}
		return []conduit.StreamChunk{{
			Data: sseutil.BuildToolCallDeltaChunk(s.ID, s.Model, seq, partial),
		}}
	}
	return nil
}

func (s *StreamState) onMessageDelta(data string) {
	r := gjson.Parse(data)
	if v := r.Get("usage.output_tokens"); v.Exists() {
		s.outputTokens = int(v.Int())
	}
	if v := r.Get("delta.stop_reason"); v.Exists() {
		s.stopReason = MapStopReason(v.String())
	}
}

func (s *StreamState) onMessageStop() []conduit.StreamChunk {
	finish := s.stopReason
	if finish == "" {
		finish = "stop"
	}
	u := s.usage()
	return []conduit.StreamChunk{
		{Data: sseutil.BuildFinishChunk(s.ID, s.Model, finish)},
		{Data: sseutil.BuildUsageChunk(s.ID, s.Model, u), Usage: u},
		{Done: true},
	}
}

func (s *StreamState) onError(data string) []conduit.StreamChunk {
	e := gjson.Get(data, "error")
	kind := conduit.KindProviderInternal
	switch e.Get("type").String() {
	case "rate_limit_error":
		kind = conduit.KindRateLimited
	case "authentication_error", "permission_error":
		kind = conduit.KindAuthentication
	}
	msg := e.Get("message").String()
	if msg == "" {
		msg = "stream error"
	}
	return []conduit.StreamChunk{{Err: conduit.Errorf(kind, "anthropic: %s", msg)}}
}

func (s *StreamState) usage() *conduit.Usage {
	u := &conduit.Usage{
		PromptTokens:     s.inputTokens + s.cacheRead + s.cacheWrite,
		CompletionTokens: s.outputTokens,
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	if s.cacheRead > 0 || s.cacheWrite > 0 {
		u.PromptDetails = &conduit.PromptTokenDetail{
			CachedTokens:     s.cacheRead,
			CacheWriteTokens: s.cacheWrite,
		}
	}
	return u
}

// readStream reads messages SSE events and emits OpenAI-format chunks until
// message_stop or EOF. It owns body and always closes ch.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- conduit.StreamChunk) {
	defer close(ch)
	defer body.Close()

	var state StreamState
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		event, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		for _, c := range state.HandleEvent(currentEvent, data) {
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
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		ch <- conduit.StreamChunk{Err: conduit.WrapError(conduit.KindCommunication, err, "anthropic: read stream")}
	}
}

package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
)

// usagePaths are tried in order when extracting usage from a chunk. Groq
// reports usage under x_groq on the final chunk instead of the OpenAI field.
var usagePaths = []string{"usage", "x_groq.usage"}

// ReadSSEStream reads SSE lines from resp and sends them as StreamChunks on ch.
// It handles the standard SSE "[DONE]" sentinel and extracts usage from the
// final chunk. Used by every adapter whose upstream speaks the OpenAI SSE
// dialect. The channel is closed when done.
func ReadSSEStream(ctx context.Context, providerName string, resp *http.Response, ch chan<- conduit.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := ParseSSELine(line)
		if !ok {
			continue
		}
		if data == "[DONE]" {
			ch <- conduit.StreamChunk{Done: true}
			return
		}

		chunk := conduit.StreamChunk{Data: []byte(data)}
		chunk.Usage = extractUsage(chunk.Data)

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- conduit.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- conduit.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", providerName, err)}
	}
}

// extractUsage pulls token usage out of a raw chunk, if present.
func extractUsage(data []byte) *conduit.Usage {
	for _, path := range usagePaths {
		u := gjson.GetBytes(data, path)
		if !u.Exists() || u.Type != gjson.JSON {
			continue
		}
		var usage conduit.Usage
		if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
			return &usage
		}
	}
	return nil
}

package replicate

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider/sseutil"
)

// readStream relays a prediction's SSE stream as OpenAI-format chunks. The
// stream tags lines with event names (output, error, done) and a token may
// span several data lines, so events are buffered until the blank separator
// line. It owns body and always closes ch.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- conduit.StreamChunk, model, id, predURL string) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)

	var (
		event     string
		dataSeen  bool
		data      strings.Builder
		sentRole  bool
		done      bool
		streamErr error
	)
	emit := func(chunk conduit.StreamChunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			ch <- conduit.StreamChunk{Err: ctx.Err()}
			return false
		}
	}

scan:
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			ev, d, ok := sseutil.ParseSSELine(line)
			if !ok {
				continue
			}
			if ev != "" {
				event = ev
				continue
			}
			// Successive data lines join with a newline per the SSE spec;
			// that is how newline tokens arrive.
			if dataSeen {
				data.WriteString("\n")
			}
			data.WriteString(d)
			dataSeen = true
			continue
		}

		// Blank line: dispatch the buffered event.
		switch event {
		case "output":
			if txt := data.String(); txt != "" {
				if !sentRole {
					if !emit(conduit.StreamChunk{Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"role": "assistant"}, "")}) {
						return
					}
					sentRole = true
				}
				if !emit(conduit.StreamChunk{Data: sseutil.BuildDeltaChunk(id, model, map[string]any{"content": txt}, "")}) {
					return
				}
			}
		case "error":
			detail := gjson.Parse(data.String()).Get("detail").String()
			if detail == "" {
				detail = data.String()
			}
			streamErr = conduit.Errorf(conduit.KindProviderInternal, "replicate: %s", detail)
			break scan
		case "done":
			done = true
			break scan
		}
		event, dataSeen = "", false
		data.Reset()
	}

	if streamErr != nil {
		ch <- conduit.StreamChunk{Err: streamErr}
		return
	}
	if err := scanner.Err(); err != nil {
		ch <- conduit.StreamChunk{Err: conduit.WrapError(conduit.KindCommunication, err, "replicate: read stream")}
		return
	}

	if sentRole {
		if !emit(conduit.StreamChunk{Data: sseutil.BuildFinishChunk(id, model, "stop")}) {
			return
		}
	}
	if done {
		// The stream never carries token metrics; the finished prediction
		// does.
		if u := c.fetchUsage(ctx, predURL, model); u != nil {
			if !emit(conduit.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, u), Usage: u}) {
				return
			}
		}
	}
	emit(conduit.StreamChunk{Done: true})
}

// fetchUsage retrieves the terminal prediction after a stream completes.
// Failures are swallowed; usage is best-effort here.
func (c *Client) fetchUsage(ctx context.Context, url, model string) *conduit.Usage {
	if url == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	raw, err := c.get(ctx, url, model)
	if err != nil {
		return nil
	}
	return predictionUsage(gjson.ParseBytes(raw))
}

package bedrock

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
)

// readInvokeStream decodes Amazon eventstream frames from an
// invoke-with-response-stream body and relays each payload through the
// family's chunk handler. It owns body and always closes ch.
func readInvokeStream(ctx context.Context, body io.ReadCloser, handle chunkHandler, ch chan<- conduit.StreamChunk) {
	defer close(ch)
	defer body.Close()

	decoder := eventstream.NewDecoder()
	var done bool
	for {
		msg, err := decoder.Decode(body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Non-Claude families end without a terminal event.
				if !done {
					ch <- conduit.StreamChunk{Done: true}
				}
				return
			}
			ch <- conduit.StreamChunk{Err: conduit.WrapError(conduit.KindCommunication, err, "bedrock: decode event stream")}
			return
		}

		switch headerValue(msg.Headers, ":message-type") {
		case "event":
		case "exception":
			errType := headerValue(msg.Headers, ":exception-type")
			if len(errType) > 64 {
				errType = errType[:64]
			}
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			ch <- conduit.StreamChunk{Err: conduit.Errorf(kindForException(errType), "bedrock: %s: %s", errType, payload)}
			return
		default:
			continue
		}

		decoded, err := extractEventBytes(msg.Payload)
		if err != nil {
			ch <- conduit.StreamChunk{Err: conduit.WrapError(conduit.KindCommunication, err, "bedrock: extract event payload")}
			return
		}

		for _, chunk := range handle(decoded) {
			if chunk.Done {
				done = true
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				ch <- conduit.StreamChunk{Err: ctx.Err()}
				return
			}
			if chunk.Done {
				return
			}
		}
	}
}

// kindForException classifies the exception types Bedrock raises mid-stream.
func kindForException(errType string) conduit.ErrorKind {
	switch errType {
	case "throttlingException":
		return conduit.KindRateLimited
	case "modelTimeoutException":
		return conduit.KindTimeout
	case "accessDeniedException":
		return conduit.KindAuthentication
	default:
		return conduit.KindProviderInternal
	}
}

func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

// extractEventBytes unwraps the {"bytes": "<base64>"} envelope every event
// payload arrives in.
func extractEventBytes(payload []byte) ([]byte, error) {
	encoded := gjson.GetBytes(payload, "bytes")
	if !encoded.Exists() {
		return nil, fmt.Errorf("missing bytes field in payload")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded.String())
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return decoded, nil
}

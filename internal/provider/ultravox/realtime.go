package ultravox

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/realtime"
)

// translator maps neutral session frames onto the Ultravox call protocol.
// Caller audio travels as raw binary frames in both directions; transcripts
// and control signals are JSON data messages.
type translator struct{}

var _ realtime.Translator = (*translator)(nil)

func (t *translator) ConfigureFrames(conduit.RealtimeSessionConfig) ([]realtime.WireFrame, error) {
	// All session parameters are fixed when the call is created.
	return nil, nil
}

func (t *translator) EncodeFrame(f conduit.RealtimeFrame) (realtime.WireFrame, bool, error) {
	switch f.Type {
	case conduit.FrameAudio:
		return realtime.WireFrame{MessageType: websocket.BinaryMessage, Data: f.Audio}, true, nil
	case conduit.FrameInterrupt:
		// Turns end server-side through VAD; there is no barge-in message.
		return realtime.WireFrame{}, false, nil
	}
	return realtime.WireFrame{}, false, nil
}

func (t *translator) DecodeMessage(messageType int, data []byte) (realtime.DecodeResult, error) {
	if messageType == websocket.BinaryMessage {
		return realtime.DecodeResult{Events: []conduit.RealtimeEvent{{
			Type:      conduit.EventAudioDelta,
			Audio:     data,
			Timestamp: time.Now(),
		}}}, nil
	}

	msg := gjson.ParseBytes(data)
	switch msg.Get("type").String() {
	case "transcript":
		text := msg.Get("delta").String()
		if text == "" {
			text = msg.Get("text").String()
		}
		if text == "" {
			return realtime.DecodeResult{}, nil
		}
		role := "assistant"
		if msg.Get("role").String() == "user" {
			role = "user"
		}
		return realtime.DecodeResult{Events: []conduit.RealtimeEvent{{
			Type:      conduit.EventTranscriptionDelta,
			Text:      text,
			Role:      role,
			Final:     msg.Get("final").Bool(),
			Timestamp: time.Now(),
		}}}, nil
	case "playback_clear_buffer":
		// The agent was interrupted; audio already relayed is superseded.
		return realtime.DecodeResult{Interrupted: true}, nil
	case "error":
		detail := msg.Get("error").String()
		if detail == "" {
			detail = "server error"
		}
		return realtime.DecodeResult{}, conduit.Errorf(conduit.KindProviderInternal, "ultravox: %s", detail)
	}
	// State changes, debug chatter and tool traffic are not relayed.
	return realtime.DecodeResult{}, nil
}

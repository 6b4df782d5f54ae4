package elevenlabs

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/realtime"
)

// translator maps neutral session frames onto the conversational-agent
// protocol. Everything on the wire is JSON text; audio is base64 inside the
// envelope in both directions.
type translator struct{}

var _ realtime.Translator = (*translator)(nil)

// ConfigureFrames opens the conversation with client-side overrides for the
// agent's prompt, language and voice. The frame is sent even when empty so
// the agent starts from a known state.
func (t *translator) ConfigureFrames(cfg conduit.RealtimeSessionConfig) ([]realtime.WireFrame, error) {
	agent := map[string]any{}
	if cfg.SystemPrompt != "" {
		agent["prompt"] = map[string]any{"prompt": cfg.SystemPrompt}
	}
	if cfg.Language != "" {
		agent["language"] = cfg.Language
	}
	override := map[string]any{}
	if len(agent) > 0 {
		override["agent"] = agent
	}
	if cfg.Voice != "" {
		override["tts"] = map[string]any{"voice_id": cfg.Voice}
	}

	payload := map[string]any{"type": "conversation_initiation_client_data"}
	if len(override) > 0 {
		payload["conversation_config_override"] = override
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "elevenlabs: marshal configuration")
	}
	return []realtime.WireFrame{{MessageType: websocket.TextMessage, Data: data}}, nil
}

func (t *translator) EncodeFrame(f conduit.RealtimeFrame) (realtime.WireFrame, bool, error) {
	switch f.Type {
	case conduit.FrameAudio:
		data, err := json.Marshal(map[string]string{
			"user_audio_chunk": base64.StdEncoding.EncodeToString(f.Audio),
		})
		if err != nil {
			return realtime.WireFrame{}, false, conduit.WrapError(conduit.KindConfiguration, err, "elevenlabs: marshal audio")
		}
		return realtime.WireFrame{MessageType: websocket.TextMessage, Data: data}, true, nil
	case conduit.FrameInterrupt:
		return realtime.WireFrame{MessageType: websocket.TextMessage, Data: []byte(`{"type":"user_activity"}`)}, true, nil
	}
	return realtime.WireFrame{}, false, nil
}

func (t *translator) DecodeMessage(messageType int, data []byte) (realtime.DecodeResult, error) {
	if messageType != websocket.TextMessage {
		return realtime.DecodeResult{}, nil
	}

	msg := gjson.ParseBytes(data)
	switch msg.Get("type").String() {
	case "audio":
		raw := msg.Get("audio_event.audio_base_64").String()
		audio, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return realtime.DecodeResult{}, conduit.WrapError(conduit.KindProviderInternal, err, "elevenlabs: decode audio")
		}
		return realtime.DecodeResult{Events: []conduit.RealtimeEvent{{
			Type:      conduit.EventAudioDelta,
			Audio:     audio,
			Timestamp: time.Now(),
		}}}, nil
	case "user_transcript":
		return transcription(msg.Get("user_transcription_event.user_transcript").String(), "user", true), nil
	case "agent_response":
		return transcription(msg.Get("agent_response_event.agent_response").String(), "assistant", true), nil
	case "agent_response_correction":
		return transcription(msg.Get("agent_response_correction_event.corrected_agent_response").String(), "assistant", true), nil
	case "internal_tentative_agent_response":
		return transcription(msg.Get("tentative_agent_response_internal_event.tentative_agent_response").String(), "assistant", false), nil
	case "interruption":
		return realtime.DecodeResult{Interrupted: true}, nil
	case "ping":
		// Unanswered pings get the conversation dropped.
		pong, err := json.Marshal(map[string]any{
			"type":     "pong",
			"event_id": msg.Get("ping_event.event_id").Int(),
		})
		if err != nil {
			return realtime.DecodeResult{}, err
		}
		return realtime.DecodeResult{Reply: &realtime.WireFrame{MessageType: websocket.TextMessage, Data: pong}}, nil
	}
	// Initiation metadata, VAD scores and tool chatter are not relayed.
	return realtime.DecodeResult{}, nil
}

func transcription(text, role string, final bool) realtime.DecodeResult {
	if text == "" {
		return realtime.DecodeResult{}
	}
	return realtime.DecodeResult{Events: []conduit.RealtimeEvent{{
		Type:      conduit.EventTranscriptionDelta,
		Text:      text,
		Role:      role,
		Final:     final,
		Timestamp: time.Now(),
	}}}
}

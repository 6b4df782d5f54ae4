package realtime

import (
	"encoding/base64"
	"encoding/json"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
)

// Client frame types on the inbound /v1/realtime socket. The first frame
// must be a session.configure; audio and interrupt frames follow.
const (
	ClientFrameConfigure = "session.configure"
	ClientFrameAudio     = "audio"
	ClientFrameInterrupt = "interrupt"
)

// SessionParams is the payload of a session.configure frame.
type SessionParams struct {
	Voice        string `json:"voice,omitempty"`
	Language     string `json:"language,omitempty"`
	InputFormat  string `json:"input_format,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	VAD          *bool  `json:"vad,omitempty"`
	Interruption *bool  `json:"interruption,omitempty"`
}

// clientFrame is the inbound wire shape.
type clientFrame struct {
	Type      string         `json:"type"`
	Data      string         `json:"data,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Session   *SessionParams `json:"session,omitempty"`
}

// ParseConfigure decodes the opening session.configure frame.
func ParseConfigure(data []byte) (SessionParams, error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return SessionParams{}, conduit.WrapError(conduit.KindConfiguration, err, "realtime: malformed configure frame")
	}
	if f.Type != ClientFrameConfigure {
		return SessionParams{}, conduit.Errorf(conduit.KindConfiguration, "realtime: first frame must be %s, got %q", ClientFrameConfigure, f.Type)
	}
	if f.Session == nil {
		return SessionParams{}, nil
	}
	return *f.Session, nil
}

// Apply folds configure parameters into a session config.
func (p SessionParams) Apply(cfg *conduit.RealtimeSessionConfig) {
	if p.Voice != "" {
		cfg.Voice = p.Voice
	}
	if p.Language != "" {
		cfg.Language = p.Language
	}
	if p.InputFormat != "" {
		cfg.InputFormat = p.InputFormat
	}
	if p.OutputFormat != "" {
		cfg.OutputFormat = p.OutputFormat
	}
	if p.SystemPrompt != "" {
		cfg.SystemPrompt = p.SystemPrompt
	}
	if p.VAD != nil {
		cfg.VAD = *p.VAD
	}
	if p.Interruption != nil {
		cfg.Interruption = *p.Interruption
	}
}

// ParseClientFrame decodes one post-configure frame. Audio payloads arrive
// base64-encoded and leave this function as raw bytes.
func ParseClientFrame(data []byte) (conduit.RealtimeFrame, error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return conduit.RealtimeFrame{}, conduit.WrapError(conduit.KindConfiguration, err, "realtime: malformed frame")
	}

	frame := conduit.RealtimeFrame{Timestamp: time.Now()}
	if f.Timestamp != nil {
		frame.Timestamp = *f.Timestamp
	}

	switch f.Type {
	case ClientFrameAudio:
		audio, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return conduit.RealtimeFrame{}, conduit.WrapError(conduit.KindConfiguration, err, "realtime: audio frame is not valid base64")
		}
		frame.Type = conduit.FrameAudio
		frame.Audio = audio
	case ClientFrameInterrupt:
		frame.Type = conduit.FrameInterrupt
	default:
		return conduit.RealtimeFrame{}, conduit.Errorf(conduit.KindConfiguration, "realtime: unknown frame type %q", f.Type)
	}
	return frame, nil
}

// serverEvent is the outbound wire shape.
type serverEvent struct {
	Type      string    `json:"type"`
	Data      string    `json:"data,omitempty"`
	Text      string    `json:"text,omitempty"`
	Role      string    `json:"role,omitempty"`
	IsFinal   *bool     `json:"is_final,omitempty"`
	Error     *wireErr  `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type wireErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// MarshalServerEvent encodes one session event for the inbound socket.
// Audio payloads leave as base64.
func MarshalServerEvent(ev conduit.RealtimeEvent) ([]byte, error) {
	out := serverEvent{Type: string(ev.Type), Timestamp: ev.Timestamp}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}

	switch ev.Type {
	case conduit.EventAudioDelta:
		out.Data = base64.StdEncoding.EncodeToString(ev.Audio)
	case conduit.EventTranscriptionDelta:
		out.Text = ev.Text
		out.Role = ev.Role
		final := ev.Final
		out.IsFinal = &final
	case conduit.EventError:
		kind := conduit.KindOf(ev.Err)
		msg := "session error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		out.Error = &wireErr{Message: msg, Type: kind.String()}
	default:
		return nil, conduit.Errorf(conduit.KindProviderInternal, "realtime: unknown event type %q", ev.Type)
	}
	return json.Marshal(out)
}

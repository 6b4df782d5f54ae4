package conduit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// --- Real-time sessions ---

// SessionState is the lifecycle state of a real-time audio session.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionConnected
	SessionClosed
	SessionErrored
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionClosed:
		return "closed"
	case SessionErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// SessionUsage accumulates per-session consumption. Updated by the session
// under its own lock; Snapshot-style copies are returned to callers.
type SessionUsage struct {
	AudioBytesIn  int64           `json:"audio_bytes_in"`
	AudioBytesOut int64           `json:"audio_bytes_out"`
	Tokens        int             `json:"tokens"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

// SessionInfo describes one live session for operational surfaces.
type SessionInfo struct {
	ID           string       `json:"id"`
	VirtualKeyID string       `json:"virtual_key_id,omitempty"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	State        SessionState `json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	LastActivity time.Time    `json:"last_activity"`
	Usage        SessionUsage `json:"usage"`
}

// RealtimeCapabilities advertises what a provider's real-time stack supports.
type RealtimeCapabilities struct {
	InputFormats      []string `json:"input_formats"`  // e.g. "pcm16_16000", "g711_ulaw"
	OutputFormats     []string `json:"output_formats"` //
	MaxSessionSeconds int      `json:"max_session_seconds"`
	VADMinSilenceMS   int      `json:"vad_min_silence_ms"`
	VADMaxSilenceMS   int      `json:"vad_max_silence_ms"`
	FunctionCalling   bool     `json:"function_calling"`
}

// SupportsInput reports whether format is an accepted input encoding.
func (c *RealtimeCapabilities) SupportsInput(format string) bool {
	for _, f := range c.InputFormats {
		if f == format {
			return true
		}
	}
	return false
}

// SupportsOutput reports whether format is an accepted output encoding.
func (c *RealtimeCapabilities) SupportsOutput(format string) bool {
	for _, f := range c.OutputFormats {
		if f == format {
			return true
		}
	}
	return false
}

// RealtimeSessionConfig is the configure snapshot a session is opened with.
// Zero-valued fields take provider defaults.
type RealtimeSessionConfig struct {
	Model        string `json:"model"`
	Voice        string `json:"voice,omitempty"`
	Language     string `json:"language,omitempty"`
	InputFormat  string `json:"input_format,omitempty"`  // e.g. "pcm16_16000"
	OutputFormat string `json:"output_format,omitempty"` //
	SystemPrompt string `json:"system_prompt,omitempty"`
	VAD          bool   `json:"vad"`
	Interruption bool   `json:"interruption"`
	VirtualKeyID string `json:"-"`
}

// RealtimeFrameType tags an inbound session frame.
type RealtimeFrameType string

const (
	FrameAudio     RealtimeFrameType = "audio"
	FrameInterrupt RealtimeFrameType = "interrupt"
)

// RealtimeFrame is one inbound frame on a real-time session. Audio carries
// the decoded payload; base64 belongs to the transport edge only.
type RealtimeFrame struct {
	Type      RealtimeFrameType
	Audio     []byte
	Timestamp time.Time
}

// RealtimeEventType tags an outbound session event.
type RealtimeEventType string

const (
	EventAudioDelta         RealtimeEventType = "audio-delta"
	EventTranscriptionDelta RealtimeEventType = "transcription-delta"
	EventError              RealtimeEventType = "error"
)

// RealtimeEvent is one outbound event on a real-time session. An error
// event is terminal: the event channel closes after delivering it.
type RealtimeEvent struct {
	Type      RealtimeEventType
	Audio     []byte // audio-delta payload
	Text      string // transcription-delta text
	Role      string // "user" | "assistant"
	Final     bool   // transcription is final for the turn
	Err       error  // set on error events
	Timestamp time.Time
}

// RealtimeSession is a live full-duplex audio session. Send hands a frame to
// the transport before returning; Events yields output in arrival order and
// closes when the session ends. Close is idempotent and safe after failure.
type RealtimeSession interface {
	Send(ctx context.Context, f RealtimeFrame) error
	Events() <-chan RealtimeEvent
	Close() error
	State() SessionState
	Info() SessionInfo
}

// RealtimeClient is implemented by adapters that can open real-time audio
// sessions. Callers discover it by type assertion on Client.
type RealtimeClient interface {
	OpenRealtimeSession(ctx context.Context, cfg RealtimeSessionConfig) (RealtimeSession, error)
	RealtimeCapabilities() RealtimeCapabilities
}

// Package realtime implements the full-duplex audio session layer. A Session
// owns one provider WebSocket plus both directions of traffic: Send hands
// input frames to the transport, and a finite event channel delivers output
// in arrival order. Provider dialects are folded in through a per-session
// Translator, so the session machinery is shared by every audio provider.
package realtime

import (
	"time"

	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/conduit/internal"
)

// WireFrame is one message on the provider transport.
type WireFrame struct {
	MessageType int // websocket.TextMessage or websocket.BinaryMessage
	Data        []byte
}

// DecodeResult is the outcome of translating one provider message.
type DecodeResult struct {
	// Events to deliver to the consumer, in order.
	Events []conduit.RealtimeEvent
	// Reply is written back to the provider when non-nil, for protocol
	// chatter such as ping/pong.
	Reply *WireFrame
	// Tokens adds to the session's accumulated token usage.
	Tokens int
	// Interrupted reports a provider-side turn interruption; the session
	// counts it but delivery is unaffected, since providers stop sending
	// superseded audio themselves.
	Interrupted bool
}

// Translator converts between the gateway's neutral frames and one
// provider's wire protocol. A translator instance belongs to a single
// session and may keep per-turn state; it is never called concurrently.
type Translator interface {
	// ConfigureFrames returns the frames sent immediately after connect,
	// before any input is accepted. May be empty when configuration
	// happened out of band.
	ConfigureFrames(cfg conduit.RealtimeSessionConfig) ([]WireFrame, error)

	// EncodeFrame converts an input frame. ok=false drops the frame
	// silently for providers with no wire representation for it.
	EncodeFrame(f conduit.RealtimeFrame) (wf WireFrame, ok bool, err error)

	// DecodeMessage converts one provider message into events. Protocol
	// chatter decodes to an empty result.
	DecodeMessage(messageType int, data []byte) (DecodeResult, error)
}

// Options tunes a session beyond its wire configuration.
type Options struct {
	// EstimateCost prices a usage snapshot; nil leaves cost at zero.
	EstimateCost func(u conduit.SessionUsage) decimal.Decimal
	// OnClose runs exactly once after the session reaches a terminal
	// state, with the final session record.
	OnClose func(info conduit.SessionInfo)
	// EventBuffer overrides the event channel capacity.
	EventBuffer int
}

const (
	defaultEventBuffer = 32
	handshakeTimeout   = 10 * time.Second
	writeTimeout       = 10 * time.Second
)

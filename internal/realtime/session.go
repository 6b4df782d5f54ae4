package realtime

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/urlutil"
)

// DialConfig describes how to open one provider session.
type DialConfig struct {
	// URL is the transport endpoint. HTTP schemes are converted to their
	// WebSocket equivalents.
	URL string
	// Header carries provider authentication.
	Header http.Header
	// Provider names the adapter for error messages and session records.
	Provider   string
	Translator Translator
	Config     conduit.RealtimeSessionConfig
	Options    Options
}

// Session is a live provider session. It implements
// conduit.RealtimeSession.
type Session struct {
	id       string
	provider string
	cfg      conduit.RealtimeSessionConfig
	conn     *websocket.Conn
	tr       Translator
	opts     Options

	events chan conduit.RealtimeEvent
	done   chan struct{}
	state  atomic.Int32

	closeOnce sync.Once

	// gorilla permits one concurrent writer; Send, configure, and decode
	// replies all serialize here.
	writeMu sync.Mutex

	mu         sync.Mutex
	usage      conduit.SessionUsage
	started    time.Time
	lastActive time.Time
}

var _ conduit.RealtimeSession = (*Session)(nil)

// Open dials the provider, sends the configure frames, and starts the read
// loop. The context governs both the dial and the session lifetime:
// cancelling it initiates a graceful close.
func Open(ctx context.Context, dc DialConfig) (*Session, error) {
	wsURL, err := urlutil.ToWebSocketURL(dc.URL)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, dc.Provider+": realtime endpoint")
	}

	buffer := dc.Options.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	now := time.Now()
	s := &Session{
		id:         uuid.Must(uuid.NewV7()).String(),
		provider:   dc.Provider,
		cfg:        dc.Config,
		tr:         dc.Translator,
		opts:       dc.Options,
		events:     make(chan conduit.RealtimeEvent, buffer),
		done:       make(chan struct{}),
		started:    now,
		lastActive: now,
	}
	s.state.Store(int32(conduit.SessionConnecting))

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, dc.Header)
	if err != nil {
		kind := conduit.KindCommunication
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				kind = conduit.KindAuthentication
			}
			resp.Body.Close()
		}
		return nil, conduit.WrapError(kind, err, dc.Provider+": realtime dial")
	}
	s.conn = conn

	frames, err := dc.Translator.ConfigureFrames(dc.Config)
	if err != nil {
		conn.Close()
		return nil, conduit.WrapError(conduit.KindConfiguration, err, dc.Provider+": realtime configure")
	}
	for _, f := range frames {
		if err := s.write(f); err != nil {
			conn.Close()
			return nil, conduit.WrapError(conduit.KindCommunication, err, dc.Provider+": realtime configure")
		}
	}

	s.state.Store(int32(conduit.SessionConnected))
	go s.readLoop()
	go s.watch(ctx)
	return s, nil
}

// Send hands one frame to the transport. It returns after the frame is
// written, or with an error when the session is no longer connected.
func (s *Session) Send(ctx context.Context, f conduit.RealtimeFrame) error {
	if err := ctx.Err(); err != nil {
		return conduit.WrapError(conduit.KindCancelled, err, s.provider+": realtime send")
	}
	if st := s.State(); st != conduit.SessionConnected {
		return conduit.Errorf(conduit.KindCommunication, "%s: realtime session %s", s.provider, st)
	}

	wf, ok, err := s.tr.EncodeFrame(f)
	if err != nil {
		return conduit.WrapError(conduit.KindCommunication, err, s.provider+": realtime encode")
	}
	if !ok {
		// The provider has no wire form for this frame type.
		return nil
	}
	if err := s.write(wf); err != nil {
		return conduit.WrapError(conduit.KindCommunication, err, s.provider+": realtime send")
	}

	if f.Type == conduit.FrameAudio {
		s.mu.Lock()
		s.usage.AudioBytesIn += int64(len(f.Audio))
		s.lastActive = time.Now()
		s.mu.Unlock()
	}
	return nil
}

// Events returns the output event channel. It is finite: the channel closes
// once the session reaches a terminal state, after any terminal error event.
func (s *Session) Events() <-chan conduit.RealtimeEvent {
	return s.events
}

// State returns the current lifecycle state.
func (s *Session) State() conduit.SessionState {
	return conduit.SessionState(s.state.Load())
}

// Close shuts the session down with a normal-closure frame. It is
// idempotent: second and later calls observe the terminal state and return
// nil without side effects.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		// Preserve Errored; otherwise the session is now Closed.
		s.state.CompareAndSwap(int32(conduit.SessionConnecting), int32(conduit.SessionClosed))
		s.state.CompareAndSwap(int32(conduit.SessionConnected), int32(conduit.SessionClosed))
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = s.conn.Close()
	})
	return nil
}

// Info snapshots the session record, pricing accumulated usage when an
// estimator is configured.
func (s *Session) Info() conduit.SessionInfo {
	s.mu.Lock()
	usage := s.usage
	started := s.started
	last := s.lastActive
	s.mu.Unlock()

	if s.opts.EstimateCost != nil {
		usage.EstimatedCost = s.opts.EstimateCost(usage)
	}
	return conduit.SessionInfo{
		ID:           s.id,
		VirtualKeyID: s.cfg.VirtualKeyID,
		Provider:     s.provider,
		Model:        s.cfg.Model,
		State:        s.State(),
		StartedAt:    started,
		LastActivity: last,
		Usage:        usage,
	}
}

// write serializes one frame onto the connection.
func (s *Session) write(f WireFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(f.MessageType, f.Data)
}

// watch propagates context cancellation into a graceful close.
func (s *Session) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.Close()
	case <-s.done:
	}
}

// readLoop owns the receive direction. It is the only closer of the event
// channel.
func (s *Session) readLoop() {
	defer s.finish()
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing() || isExpectedClose(err) {
				s.state.CompareAndSwap(int32(conduit.SessionConnected), int32(conduit.SessionClosed))
				return
			}
			s.fail(conduit.WrapError(conduit.KindCommunication, err, s.provider+": realtime transport"))
			return
		}

		res, err := s.tr.DecodeMessage(mt, data)
		if err != nil {
			s.fail(conduit.WrapError(conduit.KindProviderInternal, err, s.provider+": realtime decode"))
			return
		}
		if res.Reply != nil {
			if err := s.write(*res.Reply); err != nil {
				if s.closing() {
					return
				}
				s.fail(conduit.WrapError(conduit.KindCommunication, err, s.provider+": realtime reply"))
				return
			}
		}

		s.accumulate(res)
		for _, ev := range res.Events {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Session) accumulate(res DecodeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	s.usage.Tokens += res.Tokens
	for _, ev := range res.Events {
		if ev.Type == conduit.EventAudioDelta {
			s.usage.AudioBytesOut += int64(len(ev.Audio))
		}
	}
}

// fail marks the session errored and delivers the terminal error event.
func (s *Session) fail(err error) {
	s.state.Store(int32(conduit.SessionErrored))
	ev := conduit.RealtimeEvent{Type: conduit.EventError, Err: err, Timestamp: time.Now()}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// finish releases the consumer and reports the final session record.
func (s *Session) finish() {
	close(s.events)
	if s.opts.OnClose != nil {
		s.opts.OnClose(s.Info())
	}
}

func (s *Session) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

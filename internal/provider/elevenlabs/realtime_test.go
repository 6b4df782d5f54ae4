package elevenlabs

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func TestOpenRealtimeSession_HandshakeAndPing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("agent_id"); got != "agent-1" {
			t.Errorf("agent_id = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// First inbound frame must be the initiation payload.
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		init := gjson.ParseBytes(data)
		if init.Get("type").String() != "conversation_initiation_client_data" {
			t.Errorf("first frame = %s", data)
		}
		if got := init.Get("conversation_config_override.tts.voice_id").String(); got != "voice-2" {
			t.Errorf("voice override = %q", got)
		}

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","ping_event":{"event_id":7}}`))

		// The session must answer with a matching pong.
		_, data, err = conn.ReadMessage()
		if err != nil {
			return
		}
		pong := gjson.ParseBytes(data)
		if pong.Get("type").String() != "pong" || pong.Get("event_id").Int() != 7 {
			t.Errorf("pong = %s", data)
		}

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"agent_response","agent_response_event":{"agent_response":"Hello!"}}`))
		conn.ReadMessage() // wait for client close
	}))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(base, "test-key", provider.Options{Retry: fastRetry})
	sess, err := c.OpenRealtimeSession(context.Background(), conduit.RealtimeSessionConfig{
		Model: "agent-1",
		Voice: "voice-2",
	})
	if err != nil {
		t.Fatalf("OpenRealtimeSession: %v", err)
	}
	defer sess.Close()

	ev := <-sess.Events()
	if ev.Type != conduit.EventTranscriptionDelta || ev.Text != "Hello!" || ev.Role != "assistant" || !ev.Final {
		t.Fatalf("event = %+v", ev)
	}
}

func TestTranslator_ConfigureFrameMinimal(t *testing.T) {
	t.Parallel()

	frames, err := (&translator{}).ConfigureFrames(conduit.RealtimeSessionConfig{Model: "agent-1"})
	if err != nil || len(frames) != 1 {
		t.Fatalf("frames = %v, err = %v", frames, err)
	}
	msg := gjson.ParseBytes(frames[0].Data)
	if msg.Get("type").String() != "conversation_initiation_client_data" {
		t.Errorf("frame = %s", frames[0].Data)
	}
	if msg.Get("conversation_config_override").Exists() {
		t.Errorf("empty config produced overrides: %s", frames[0].Data)
	}
}

func TestTranslator_ConfigureFrameOverrides(t *testing.T) {
	t.Parallel()

	frames, err := (&translator{}).ConfigureFrames(conduit.RealtimeSessionConfig{
		Model:        "agent-1",
		Voice:        "voice-9",
		Language:     "de",
		SystemPrompt: "Answer briefly.",
	})
	if err != nil {
		t.Fatalf("ConfigureFrames: %v", err)
	}
	msg := gjson.ParseBytes(frames[0].Data)
	if got := msg.Get("conversation_config_override.agent.prompt.prompt").String(); got != "Answer briefly." {
		t.Errorf("prompt = %q", got)
	}
	if got := msg.Get("conversation_config_override.agent.language").String(); got != "de" {
		t.Errorf("language = %q", got)
	}
	if got := msg.Get("conversation_config_override.tts.voice_id").String(); got != "voice-9" {
		t.Errorf("voice_id = %q", got)
	}
}

func TestTranslator_EncodeAudioChunk(t *testing.T) {
	t.Parallel()

	wf, ok, err := (&translator{}).EncodeFrame(conduit.RealtimeFrame{Type: conduit.FrameAudio, Audio: []byte("pcm")})
	if err != nil || !ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	if wf.MessageType != websocket.TextMessage {
		t.Errorf("message type = %d", wf.MessageType)
	}
	got := gjson.GetBytes(wf.Data, "user_audio_chunk").String()
	if got != base64.StdEncoding.EncodeToString([]byte("pcm")) {
		t.Errorf("chunk = %q", got)
	}
}

func TestTranslator_EncodeInterrupt(t *testing.T) {
	t.Parallel()

	wf, ok, err := (&translator{}).EncodeFrame(conduit.RealtimeFrame{Type: conduit.FrameInterrupt})
	if err != nil || !ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	if gjson.GetBytes(wf.Data, "type").String() != "user_activity" {
		t.Errorf("frame = %s", wf.Data)
	}
}

func TestTranslator_DecodeAudioEvent(t *testing.T) {
	t.Parallel()

	b64 := base64.StdEncoding.EncodeToString([]byte("agent-pcm"))
	res, err := (&translator{}).DecodeMessage(websocket.TextMessage, []byte(`{"type":"audio","audio_event":{"audio_base_64":"`+b64+`","event_id":3}}`))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if len(res.Events) != 1 || string(res.Events[0].Audio) != "agent-pcm" {
		t.Errorf("result = %+v", res)
	}
}

func TestTranslator_DecodeCorruptAudio(t *testing.T) {
	t.Parallel()

	_, err := (&translator{}).DecodeMessage(websocket.TextMessage, []byte(`{"type":"audio","audio_event":{"audio_base_64":"%%%"}}`))
	if conduit.KindOf(err) != conduit.KindProviderInternal {
		t.Fatalf("err = %v, want provider_internal", err)
	}
}

func TestTranslator_DecodeTranscripts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		text string
		role string
		fin  bool
	}{
		{"user", `{"type":"user_transcript","user_transcription_event":{"user_transcript":"Hi"}}`, "Hi", "user", true},
		{"agent", `{"type":"agent_response","agent_response_event":{"agent_response":"Hello"}}`, "Hello", "assistant", true},
		{"correction", `{"type":"agent_response_correction","agent_response_correction_event":{"corrected_agent_response":"Hello there"}}`, "Hello there", "assistant", true},
		{"tentative", `{"type":"internal_tentative_agent_response","tentative_agent_response_internal_event":{"tentative_agent_response":"Hel"}}`, "Hel", "assistant", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := (&translator{}).DecodeMessage(websocket.TextMessage, []byte(tc.raw))
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if len(res.Events) != 1 {
				t.Fatalf("events = %+v", res.Events)
			}
			ev := res.Events[0]
			if ev.Text != tc.text || ev.Role != tc.role || ev.Final != tc.fin {
				t.Errorf("event = %+v", ev)
			}
		})
	}
}

func TestTranslator_DecodeInterruption(t *testing.T) {
	t.Parallel()

	res, err := (&translator{}).DecodeMessage(websocket.TextMessage, []byte(`{"type":"interruption","interruption_event":{"reason":"user speech"}}`))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if !res.Interrupted || len(res.Events) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestTranslator_IgnoresMetadata(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"c1"}}`,
		`{"type":"vad_score","vad_score_event":{"vad_score":0.93}}`,
		`{"type":"user_transcript","user_transcription_event":{"user_transcript":""}}`,
	} {
		res, err := (&translator{}).DecodeMessage(websocket.TextMessage, []byte(raw))
		if err != nil {
			t.Fatalf("DecodeMessage(%s): %v", raw, err)
		}
		if len(res.Events) != 0 || res.Reply != nil || res.Interrupted {
			t.Errorf("DecodeMessage(%s) = %+v, want nothing", raw, res)
		}
	}
}

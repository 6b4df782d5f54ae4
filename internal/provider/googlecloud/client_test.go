package googlecloud

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestCreateSpeech(t *testing.T) {
	t.Parallel()

	audio := []byte("linear16-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text:synthesize" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if got := gjson.GetBytes(body, "input.text").String(); got != "Guten Tag" {
			t.Errorf("text = %q", got)
		}
		if got := gjson.GetBytes(body, "voice.name").String(); got != "de-DE-Neural2-B" {
			t.Errorf("voice = %q", got)
		}
		if got := gjson.GetBytes(body, "voice.languageCode").String(); got != "de-DE" {
			t.Errorf("languageCode = %q, want derived from voice name", got)
		}
		if got := gjson.GetBytes(body, "audioConfig.audioEncoding").String(); got != "LINEAR16" {
			t.Errorf("audioEncoding = %q", got)
		}
		if got := gjson.GetBytes(body, "audioConfig.speakingRate").Float(); got != 1.5 {
			t.Errorf("speakingRate = %v", got)
		}
		w.Write([]byte(`{"audioContent":"` + base64.StdEncoding.EncodeToString(audio) + `"}`))
	}))
	defer srv.Close()

	speed := 1.5
	c := New(srv.URL, provider.Options{Retry: fastRetry})
	resp, err := c.CreateSpeech(context.Background(), &conduit.SpeechRequest{
		Input:          "Guten Tag",
		Voice:          "de-DE-Neural2-B",
		ResponseFormat: "wav",
		Speed:          &speed,
	})
	if err != nil {
		t.Fatalf("CreateSpeech: %v", err)
	}
	if string(resp.Audio) != string(audio) || resp.ContentType != "audio/wav" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCreateSpeech_ModelAsVoice(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if got := gjson.GetBytes(body, "voice.name").String(); got != "en-GB-Standard-A" {
			t.Errorf("voice = %q, want model fallback", got)
		}
		w.Write([]byte(`{"audioContent":""}`))
	}))
	defer srv.Close()

	c := New(srv.URL, provider.Options{Retry: fastRetry})
	if _, err := c.CreateSpeech(context.Background(), &conduit.SpeechRequest{Model: "en-GB-Standard-A", Input: "hi"}); err != nil {
		t.Fatalf("CreateSpeech: %v", err)
	}
}

func TestCreateSpeech_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	c := New("", provider.Options{})
	_, err := c.CreateSpeech(context.Background(), &conduit.SpeechRequest{Input: "hi", ResponseFormat: "aac"})
	if conduit.KindOf(err) != conduit.KindUnsupported {
		t.Fatalf("err = %v, want unsupported", err)
	}
}

func TestCreateTranscription(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/speech:recognize" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if got := gjson.GetBytes(body, "config.languageCode").String(); got != "en-US" {
			t.Errorf("languageCode = %q", got)
		}
		if got := gjson.GetBytes(body, "config.model").String(); got != "latest_long" {
			t.Errorf("model = %q", got)
		}
		if got := gjson.GetBytes(body, "config.encoding").String(); got != "MP3" {
			t.Errorf("encoding = %q, want inferred from filename", got)
		}
		raw, err := base64.StdEncoding.DecodeString(gjson.GetBytes(body, "audio.content").String())
		if err != nil || string(raw) != "mp3-audio" {
			t.Errorf("audio content = %q, %v", raw, err)
		}
		w.Write([]byte(`{
			"results": [
				{"alternatives": [{"transcript": "hello", "confidence": 0.98}]},
				{"alternatives": [{"transcript": " world"}]}
			],
			"totalBilledTime": "3.5s"
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, provider.Options{Retry: fastRetry})
	resp, err := c.CreateTranscription(context.Background(), &conduit.TranscriptionRequest{
		Model:    "latest_long",
		Audio:    []byte("mp3-audio"),
		Filename: "clip.mp3",
	})
	if err != nil {
		t.Fatalf("CreateTranscription: %v", err)
	}
	if resp.Text != "hello world" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Duration != 3.5 {
		t.Errorf("duration = %v", resp.Duration)
	}
	if resp.Language != "en-US" {
		t.Errorf("language = %q", resp.Language)
	}
}

func TestCreateTranscription_WavLeavesEncodingUnset(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "config.encoding").Exists() {
			t.Errorf("encoding set for wav: %s", body)
		}
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, provider.Options{Retry: fastRetry})
	resp, err := c.CreateTranscription(context.Background(), &conduit.TranscriptionRequest{
		Audio:    []byte("riff"),
		Filename: "clip.wav",
	})
	if err != nil {
		t.Fatalf("CreateTranscription: %v", err)
	}
	if resp.Text != "" {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"voices":[{"name":"en-US-Neural2-A"},{"name":"de-DE-Neural2-B"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, provider.Options{Retry: fastRetry})
	ids, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(ids) != 2 || ids[0] != "en-US-Neural2-A" {
		t.Errorf("ids = %v", ids)
	}
}

func TestVerifyAuthentication(t *testing.T) {
	t.Parallel()

	status := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(<-status)
	}))
	defer srv.Close()

	c := New(srv.URL, provider.Options{Retry: fastRetry})

	status <- http.StatusOK
	check, err := c.VerifyAuthentication(context.Background())
	if err != nil {
		t.Fatalf("VerifyAuthentication: %v", err)
	}
	if !check.OK {
		t.Errorf("check = %+v", check)
	}

	status <- http.StatusForbidden
	check, err = c.VerifyAuthentication(context.Background())
	if err != nil {
		t.Fatalf("VerifyAuthentication: %v", err)
	}
	if check.OK || check.Details != "authentication failed" {
		t.Errorf("check = %+v", check)
	}
}

func TestUnsupportedOperations(t *testing.T) {
	t.Parallel()

	c := New("", provider.Options{})
	ctx := context.Background()

	if _, err := c.CreateChatCompletion(ctx, &conduit.ChatRequest{}); conduit.KindOf(err) != conduit.KindUnsupported {
		t.Errorf("chat err = %v", err)
	}
	if _, err := c.CreateEmbedding(ctx, &conduit.EmbeddingRequest{}); conduit.KindOf(err) != conduit.KindUnsupported {
		t.Errorf("embedding err = %v", err)
	}
	if _, err := c.CreateImage(ctx, &conduit.ImageRequest{}); conduit.KindOf(err) != conduit.KindUnsupported {
		t.Errorf("image err = %v", err)
	}
}

func TestLanguageFromVoice(t *testing.T) {
	t.Parallel()

	cases := []struct{ voice, want string }{
		{"en-US-Neural2-A", "en-US"},
		{"de-DE-Standard-B", "de-DE"},
		{"cmn-CN-Wavenet-A", "en-US"}, // three-letter prefixes fall back
		{"", "en-US"},
	}
	for _, tc := range cases {
		if got := languageFromVoice(tc.voice); got != tc.want {
			t.Errorf("languageFromVoice(%q) = %q, want %q", tc.voice, got, tc.want)
		}
	}
}

package minimax

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func testClient(srvURL string) *Client {
	c := New(srvURL, "test-key", provider.Options{Retry: fastRetry})
	c.pollInitial = time.Millisecond
	c.pollMax = 2 * time.Millisecond
	return c
}

func TestTaskStateOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want conduit.TaskState
	}{
		{"Success", conduit.TaskCompleted},
		{"Fail", conduit.TaskFailed},
		{"Queued", conduit.TaskPending},
		{"Preparing", conduit.TaskPending},
		{"Processing", conduit.TaskProcessing},
		{"", conduit.TaskProcessing},
	}
	for _, tt := range tests {
		if got := taskStateOf(tt.in); got != tt.want {
			t.Errorf("taskStateOf(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBaseRespError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want conduit.ErrorKind
	}{
		{"rate limited", `{"base_resp": {"status_code": 1002, "status_msg": "rate limit"}}`, conduit.KindRateLimited},
		{"bad key", `{"base_resp": {"status_code": 1004, "status_msg": "invalid api key"}}`, conduit.KindAuthentication},
		{"no balance", `{"base_resp": {"status_code": 1008, "status_msg": "insufficient balance"}}`, conduit.KindRateLimited},
		{"flagged input", `{"base_resp": {"status_code": 1026, "status_msg": "sensitive content"}}`, conduit.KindUnsupported},
		{"bad params", `{"base_resp": {"status_code": 2013, "status_msg": "invalid params"}}`, conduit.KindUnsupported},
		{"unknown code", `{"base_resp": {"status_code": 9999, "status_msg": "boom"}}`, conduit.KindProviderInternal},
	}
	for _, tt := range tests {
		err := baseRespError(gjson.Parse(tt.body))
		if err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
		if conduit.KindOf(err) != tt.want {
			t.Errorf("%s: kind = %v, want %v", tt.name, conduit.KindOf(err), tt.want)
		}
	}

	if err := baseRespError(gjson.Parse(`{"base_resp": {"status_code": 0, "status_msg": "success"}}`)); err != nil {
		t.Errorf("status 0 should be success, got %v", err)
	}
	if err := baseRespError(gjson.Parse(`{"task_id": "t1"}`)); err != nil {
		t.Errorf("missing envelope should be success, got %v", err)
	}
}

func TestCreateChatCompletion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text/chatcompletion_v2" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing bearer token")
		}
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "model").String() != "MiniMax-M1" {
			t.Errorf("model = %q", gjson.GetBytes(body, "model").String())
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chat_01",
			"object": "chat.completion",
			"model": "MiniMax-M1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7},
			"base_resp": {"status_code": 0, "status_msg": "success"}
		}`)
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).CreateChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "MiniMax-M1",
		Messages: []conduit.Message{{Role: "user", Content: conduit.Text("hi")}},
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if resp.Choices[0].Message.Content.JoinText() != "Hi!" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content.JoinText())
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCreateVideo(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/video_generation":
			body, _ := io.ReadAll(r.Body)
			got := gjson.ParseBytes(body)
			if got.Get("model").String() != "MiniMax-Hailuo-02" {
				t.Errorf("model = %q", got.Get("model").String())
			}
			if got.Get("prompt").String() != "a drone shot of a fjord" {
				t.Errorf("prompt = %q", got.Get("prompt").String())
			}
			if got.Get("duration").Int() != 6 {
				t.Errorf("duration = %s", got.Get("duration").Raw)
			}
			if got.Get("resolution").String() != "1080P" {
				t.Errorf("resolution = %q, want upper-cased", got.Get("resolution").String())
			}
			fmt.Fprint(w, `{"task_id": "t1", "base_resp": {"status_code": 0, "status_msg": "success"}}`)
		case "/v1/query/video_generation":
			if r.URL.Query().Get("task_id") != "t1" {
				t.Errorf("task_id = %q", r.URL.Query().Get("task_id"))
			}
			if polls.Add(1) < 2 {
				fmt.Fprint(w, `{"task_id": "t1", "status": "Processing", "base_resp": {"status_code": 0}}`)
				return
			}
			fmt.Fprint(w, `{"task_id": "t1", "status": "Success", "file_id": "f1", "base_resp": {"status_code": 0}}`)
		case "/v1/files/retrieve":
			if r.URL.Query().Get("file_id") != "f1" {
				t.Errorf("file_id = %q", r.URL.Query().Get("file_id"))
			}
			fmt.Fprint(w, `{"file": {"file_id": "f1", "download_url": "https://cdn.example.com/v.mp4"}, "base_resp": {"status_code": 0}}`)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).CreateVideo(context.Background(), &conduit.VideoRequest{
		Model:           "MiniMax-Hailuo-02",
		Prompt:          "a drone shot of a fjord",
		DurationSeconds: 6,
		Resolution:      "1080p",
	})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if resp.TaskID != "t1" || resp.State != conduit.TaskCompleted {
		t.Errorf("task = %q state = %v", resp.TaskID, resp.State)
	}
	if resp.URL != "https://cdn.example.com/v.mp4" {
		t.Errorf("url = %q", resp.URL)
	}
	if polls.Load() != 2 {
		t.Errorf("polls = %d, want 2", polls.Load())
	}
}

func TestCreateVideoRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"base_resp": {"status_code": 1026, "status_msg": "output content flagged"}}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).CreateVideo(context.Background(), &conduit.VideoRequest{
		Model:  "MiniMax-Hailuo-02",
		Prompt: "something objectionable",
	})
	if conduit.KindOf(err) != conduit.KindUnsupported {
		t.Errorf("kind = %v, want KindUnsupported", conduit.KindOf(err))
	}
}

func TestCreateVideoFailed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/video_generation" {
			fmt.Fprint(w, `{"task_id": "t1", "base_resp": {"status_code": 0}}`)
			return
		}
		fmt.Fprint(w, `{"task_id": "t1", "status": "Fail", "base_resp": {"status_code": 0, "status_msg": "success"}}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).CreateVideo(context.Background(), &conduit.VideoRequest{
		Model:  "MiniMax-Hailuo-02",
		Prompt: "a drone shot",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if conduit.KindOf(err) != conduit.KindProviderInternal {
		t.Errorf("kind = %v, want KindProviderInternal", conduit.KindOf(err))
	}
	if !strings.Contains(err.Error(), "video generation failed") {
		t.Errorf("error = %v", err)
	}
}

func TestVerifyAuthentication(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		status  int
		wantOK  bool
		details string
	}{
		{
			name:   "valid key, probe id rejected",
			body:   `{"base_resp": {"status_code": 2013, "status_msg": "invalid params"}}`,
			status: http.StatusOK,
			wantOK: true,
		},
		{
			name:    "bad key in envelope",
			body:    `{"base_resp": {"status_code": 1004, "status_msg": "invalid api key"}}`,
			status:  http.StatusOK,
			details: "authentication failed",
		},
		{
			name:    "upstream down",
			body:    `{}`,
			status:  http.StatusServiceUnavailable,
			details: "unexpected response: 503",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/query/video_generation" {
					t.Errorf("path = %q", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			check, err := testClient(srv.URL).VerifyAuthentication(context.Background())
			if err != nil {
				t.Fatalf("VerifyAuthentication: %v", err)
			}
			if check.OK != tt.wantOK {
				t.Errorf("ok = %v, want %v", check.OK, tt.wantOK)
			}
			if check.Details != tt.details {
				t.Errorf("details = %q, want %q", check.Details, tt.details)
			}
		})
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	models, err := New("", "key", provider.Options{}).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	found := false
	for _, m := range models {
		if m == "MiniMax-Hailuo-02" {
			found = true
		}
	}
	if !found {
		t.Errorf("allowlist missing video model: %v", models)
	}
}

func TestDefaultBaseURL(t *testing.T) {
	t.Parallel()

	c := New("", "key", provider.Options{})
	if c.baseURL != "https://api.minimax.io" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}

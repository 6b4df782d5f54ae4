// Package minimax implements the conduit.Client adapter for MiniMax:
// OpenAI-dialect chat through the shared compatibility core, plus
// asynchronous video generation. MiniMax reports application failures inside
// HTTP 200 responses through a base_resp envelope, so every native call
// checks it.
package minimax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/provider/openaicompat"
	"github.com/knnlabs/conduit/internal/retry"
)

const (
	defaultBaseURL = "https://api.minimax.io"
	providerName   = "minimax"

	// Video generations run for minutes; polling starts slow and backs off
	// further.
	defaultPollInitial = 2 * time.Second
	defaultPollMax     = 15 * time.Second
)

// modelAllowlist stands in for a listing endpoint, which MiniMax does not
// offer.
var modelAllowlist = []string{
	"MiniMax-M1",
	"MiniMax-Text-01",
	"abab6.5s-chat",
	"MiniMax-Hailuo-02",
	"T2V-01",
	"I2V-01",
}

var (
	_ conduit.Client      = (*Client)(nil)
	_ conduit.VideoClient = (*Client)(nil)
)

// Client adapts MiniMax. Chat rides the embedded OpenAI-dialect core against
// the chatcompletion_v2 endpoint; video generation is a native task flow:
// create, poll until terminal, resolve the file to a download URL.
type Client struct {
	*openaicompat.Client
	baseURL string
	policy  retry.Policy

	pollInitial time.Duration
	pollMax     time.Duration
}

// New builds a Client. An empty baseURL selects the international endpoint.
func New(baseURL, apiKey string, opts provider.Options) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	core := openaicompat.New(openaicompat.Config{
		ProviderName:   providerName,
		BaseURL:        strings.TrimRight(baseURL, "/"),
		ChatPath:       "v1/text/chatcompletion_v2",
		DisableModels:  true,
		ModelAllowlist: modelAllowlist,
		NoEmbeddings:   true,
		NoImages:       true,
		ErrorPhrases: []provider.PhraseRule{
			{Substring: "insufficient balance", Kind: conduit.KindRateLimited},
		},
	}, apiKey, opts)

	return &Client{
		Client:      core,
		baseURL:     core.Config().BaseURL,
		policy:      opts.Retry,
		pollInitial: defaultPollInitial,
		pollMax:     defaultPollMax,
	}
}

// CreateVideo runs a video generation task to completion: submit, poll the
// task query until a terminal status, then resolve the produced file to its
// download URL. The configured provider timeout bounds the whole wait.
func (c *Client) CreateVideo(ctx context.Context, req *conduit.VideoRequest) (*conduit.VideoResponse, error) {
	ctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	payload := map[string]any{"model": req.Model, "prompt": req.Prompt}
	if req.DurationSeconds > 0 {
		payload["duration"] = int(req.DurationSeconds)
	}
	if req.Resolution != "" {
		// The API spells resolutions "768P"/"1080P".
		payload["resolution"] = strings.ToUpper(req.Resolution)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "minimax: marshal request")
	}

	raw, err := c.postJSON(ctx, c.baseURL+"/v1/video_generation", req.Model, body)
	if err != nil {
		return nil, err
	}
	created := gjson.ParseBytes(raw)
	if err := baseRespError(created); err != nil {
		return nil, err
	}
	taskID := created.Get("task_id").String()
	if taskID == "" {
		return nil, conduit.NewError(conduit.KindProviderInternal, "minimax: response carried no task id")
	}

	fileID, err := c.waitForTask(ctx, taskID, req.Model)
	if err != nil {
		return nil, err
	}
	downloadURL, err := c.fileURL(ctx, fileID, req.Model)
	if err != nil {
		return nil, err
	}
	return &conduit.VideoResponse{
		TaskID:          taskID,
		State:           conduit.TaskCompleted,
		URL:             downloadURL,
		DurationSeconds: req.DurationSeconds,
		Resolution:      req.Resolution,
	}, nil
}

// waitForTask polls the task query endpoint until the generation reaches a
// terminal status, returning the produced file id.
func (c *Client) waitForTask(ctx context.Context, taskID, model string) (string, error) {
	delay := c.pollInitial
	for {
		select {
		case <-ctx.Done():
			return "", conduit.WrapError(conduit.KindOf(ctx.Err()), ctx.Err(), "minimax: video task wait")
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.pollMax {
			delay = c.pollMax
		}

		raw, err := c.getJSON(ctx, c.baseURL+"/v1/query/video_generation?task_id="+url.QueryEscape(taskID), model)
		if err != nil {
			if ctx.Err() != nil {
				return "", conduit.WrapError(conduit.KindOf(ctx.Err()), ctx.Err(), "minimax: video task wait")
			}
			return "", err
		}
		task := gjson.ParseBytes(raw)
		if err := baseRespError(task); err != nil {
			return "", err
		}

		switch taskStateOf(task.Get("status").String()) {
		case conduit.TaskCompleted:
			fileID := task.Get("file_id").String()
			if fileID == "" {
				return "", conduit.NewError(conduit.KindProviderInternal, "minimax: finished task carried no file id")
			}
			return fileID, nil
		case conduit.TaskFailed:
			msg := task.Get("base_resp.status_msg").String()
			if msg == "" || msg == "success" {
				msg = "task failed"
			}
			return "", conduit.Errorf(conduit.KindProviderInternal, "minimax: video generation failed: %s", msg)
		}
	}
}

// fileURL resolves a produced file id to its download URL.
func (c *Client) fileURL(ctx context.Context, fileID, model string) (string, error) {
	raw, err := c.getJSON(ctx, c.baseURL+"/v1/files/retrieve?file_id="+url.QueryEscape(fileID), model)
	if err != nil {
		return "", err
	}
	file := gjson.ParseBytes(raw)
	if err := baseRespError(file); err != nil {
		return "", err
	}
	downloadURL := file.Get("file.download_url").String()
	if downloadURL == "" {
		return "", conduit.NewError(conduit.KindProviderInternal, "minimax: file carried no download URL")
	}
	return downloadURL, nil
}

// VerifyAuthentication probes the task query endpoint with a bogus task id.
// MiniMax has no listing endpoint, and bad credentials surface in base_resp
// on any call, so the cheapest authenticated round trip serves.
func (c *Client) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	ctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	start := time.Now()
	raw, err := c.getJSON(ctx, c.baseURL+"/v1/query/video_generation?task_id=credential-probe", "")
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if conduit.KindOf(err) == conduit.KindAuthentication {
			return &conduit.AuthCheck{LatencyMS: latency, Details: "authentication failed"}, nil
		}
		if e, ok := conduit.AsError(err); ok && e.StatusCode > 0 {
			return &conduit.AuthCheck{LatencyMS: latency, Details: fmt.Sprintf("unexpected response: %d", e.StatusCode)}, nil
		}
		return nil, err
	}

	check := &conduit.AuthCheck{LatencyMS: latency}
	if bErr := baseRespError(gjson.ParseBytes(raw)); bErr != nil && conduit.KindOf(bErr) == conduit.KindAuthentication {
		check.Details = "authentication failed"
	} else {
		// An invalid-params complaint about the probe id still proves the
		// credential was accepted.
		check.OK = true
	}
	return check, nil
}

// taskStateOf maps MiniMax task statuses onto the shared lifecycle.
func taskStateOf(status string) conduit.TaskState {
	switch strings.ToLower(status) {
	case "success":
		return conduit.TaskCompleted
	case "fail":
		return conduit.TaskFailed
	case "queued", "preparing":
		return conduit.TaskPending
	default:
		return conduit.TaskProcessing
	}
}

// baseRespError maps the MiniMax application envelope to an error; a
// status_code of zero is success. Most failures arrive this way rather than
// as HTTP statuses.
func baseRespError(r gjson.Result) error {
	code := r.Get("base_resp.status_code").Int()
	if code == 0 {
		return nil
	}
	msg := r.Get("base_resp.status_msg").String()
	if msg == "" {
		msg = "request failed"
	}

	kind := conduit.KindProviderInternal
	switch code {
	case 1002:
		kind = conduit.KindRateLimited
	case 1004, 2049:
		kind = conduit.KindAuthentication
	case 1008:
		// Insufficient balance; let the router fall back.
		kind = conduit.KindRateLimited
	case 1026, 1027:
		// Input or output flagged by content screening.
		kind = conduit.KindUnsupported
	case 2013:
		kind = conduit.KindUnsupported
	}
	return conduit.Errorf(kind, "minimax: %s (status %d)", msg, code)
}

// postJSON sends one JSON body to a native endpoint under the retry policy.
func (c *Client) postJSON(ctx context.Context, endpoint, model string, body []byte) ([]byte, error) {
	var raw []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "minimax: create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient().Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "minimax: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return provider.ParseAPIError(providerName, model, resp)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "minimax: read response")
		}
		return nil
	})
	return raw, err
}

// getJSON fetches one native endpoint under the retry policy.
func (c *Client) getJSON(ctx context.Context, endpoint, model string) ([]byte, error) {
	var raw []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "minimax: create request")
		}

		resp, err := c.HTTPClient().Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "minimax: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return provider.ParseAPIError(providerName, model, resp)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "minimax: read response")
		}
		return nil
	})
	return raw, err
}

package bedrock

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
	"github.com/knnlabs/conduit/internal/cloudauth"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/provider/sseutil"
	"github.com/knnlabs/conduit/internal/retry"
)

var _ conduit.Client = (*SageMakerClient)(nil)

// SageMakerClient invokes models hosted on SageMaker runtime endpoints. The
// request's model field names the endpoint, and bodies follow the
// text-generation inference container convention ({"inputs", "parameters"}).
type SageMakerClient struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
	timeout time.Duration
}

// NewSageMaker builds a client for region's SageMaker runtime. A non-empty
// baseURL overrides the endpoint.
func NewSageMaker(baseURL, region, accessKeyID, secretAccessKey string, opts provider.Options) *SageMakerClient {
	base := fmt.Sprintf("https://runtime.sagemaker.%s.amazonaws.com", region)
	if baseURL != "" {
		base = strings.TrimRight(baseURL, "/")
	}
	signer := cloudauth.NewSigV4Transport(opts.Transport,
		cloudauth.StaticCredentials(accessKeyID, secretAccessKey, ""), region, "sagemaker")
	return &SageMakerClient{
		baseURL: base,
		http:    &http.Client{Transport: signer},
		policy:  opts.Retry,
		timeout: provider.ClampTimeout(opts.Timeout),
	}
}

func (s *SageMakerClient) Name() string { return "sagemaker" }

func (s *SageMakerClient) invocationURL(endpoint string) string {
	return fmt.Sprintf("%s/endpoints/%s/invocations", s.baseURL, url.PathEscape(endpoint))
}

// CreateChatCompletion renders the conversation into a Llama-style prompt
// and invokes the endpoint.
func (s *SageMakerClient) CreateChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := map[string]any{
		"max_new_tokens":   maxTokensOrDefault(req),
		"return_full_text": false,
	}
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		params["top_p"] = *req.TopP
	}
	body, err := json.Marshal(map[string]any{
		"inputs":     renderLlamaPrompt(req.Messages),
		"parameters": params,
	})
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "sagemaker: marshal request")
	}

	var raw []byte
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.invocationURL(req.Model), bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "sagemaker: build request")
		}
		setHeaders(httpReq)
		resp, err := s.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "sagemaker: send request")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return provider.ParseAPIError("sagemaker", req.Model, resp)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "sagemaker: read response")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Containers answer either [{"generated_text"}] or a bare object.
	text := gjson.GetBytes(raw, "0.generated_text")
	if !text.Exists() {
		text = gjson.GetBytes(raw, "generated_text")
	}
	return textResponse("", req.Model, strings.TrimSpace(text.String()), "stop", nil), nil
}

// StreamChatCompletion simulates streaming: the endpoint is invoked once
// and the whole completion is relayed as a single delta.
func (s *SageMakerClient) StreamChatCompletion(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	resp, err := s.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content.JoinText()
	}
	ch := make(chan conduit.StreamChunk, 4)
	go func() {
		defer close(ch)
		ch <- conduit.StreamChunk{Data: sseutil.BuildDeltaChunk(resp.ID, req.Model, map[string]any{"role": "assistant"}, "")}
		if text != "" {
			ch <- conduit.StreamChunk{Data: sseutil.BuildDeltaChunk(resp.ID, req.Model, map[string]any{"content": text}, "")}
		}
		ch <- conduit.StreamChunk{Data: sseutil.BuildFinishChunk(resp.ID, req.Model, "stop")}
		ch <- conduit.StreamChunk{Done: true}
	}()
	return ch, nil
}

func (s *SageMakerClient) CreateEmbedding(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	return nil, conduit.Errorf(conduit.KindUnsupported, "sagemaker: embeddings not supported")
}

func (s *SageMakerClient) CreateImage(ctx context.Context, req *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	return nil, conduit.Errorf(conduit.KindUnsupported, "sagemaker: image generation not supported")
}

// ListModels returns nothing; endpoint inventory lives in the deployment
// mapping, not on the runtime API.
func (s *SageMakerClient) ListModels(ctx context.Context) ([]string, error) {
	return nil, nil
}

// VerifyAuthentication probes the runtime host. A 403 means the signature
// was rejected; any other answer proves the credentials reached AWS.
func (s *SageMakerClient) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/", nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "sagemaker: build request")
	}
	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "sagemaker: send request")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	check := &conduit.AuthCheck{LatencyMS: time.Since(start).Milliseconds()}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		check.Details = "authentication failed"
		return check, nil
	}
	check.OK = true
	return check, nil
}

// Copyright 2026 Conductor
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package openaicompat provides a model adapter for any backend exposing
// the OpenAI chat completions wire format: OpenAI itself, Azure OpenAI
// deployments, and self-hosted gateways such as vLLM or Ollama.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conductor/platform/orchestrator/model"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions.
	DefaultMaxTokens = 4096
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the adapter.
type Config struct {
	APIKey     string        // Optional: static API key; per-call tokens take precedence
	BaseURL    string        // Optional: API base URL (default: https://api.openai.com/v1)
	Model      string        // Required: model name sent on the wire
	ProviderID string        // Optional: provider label (default: "openai")
	Timeout    time.Duration // Optional: HTTP timeout (default: 120s)
	HTTPClient HTTPClient    // Optional: custom HTTP client (used in tests)
}

// Provider implements model.Adapter against the chat completions API.
type Provider struct {
	apiKey     string
	baseURL    string
	modelName  string
	providerID string
	timeout    time.Duration
	client     HTTPClient
}

// NewProvider creates a new chat-completions adapter.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = "openai"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		modelName:  cfg.Model,
		providerID: cfg.ProviderID,
		timeout:    cfg.Timeout,
		client:     client,
	}, nil
}

// ProviderID returns the provider label for credential and slot selection.
func (p *Provider) ProviderID() string {
	return p.providerID
}

// Invoke sends the prompt to the chat completions endpoint. When
// opts.OnPartialChunk is set, the request is streamed and chunks are
// forwarded as they arrive.
func (p *Provider) Invoke(ctx context.Context, prompt string, opts model.InvokeOptions) (*model.Result, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	apiReq := chatRequest{
		Model:     p.modelName,
		MaxTokens: maxTokens,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Stream: opts.OnPartialChunk != nil,
	}
	if opts.Temperature > 0 {
		apiReq.Temperature = &opts.Temperature
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq, opts.AccessToken)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.NewProviderError(p.providerID, model.ErrCodeTimeout, ctx.Err().Error())
		}
		perr := model.NewProviderError(p.providerID, model.ErrCodeUnavailable, err.Error())
		perr.Cause = err
		return nil, perr
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, p.parseAPIError(resp.StatusCode, body)
	}

	if apiReq.Stream {
		return p.processStream(resp.Body, opts.OnPartialChunk)
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, model.NewProviderError(p.providerID, model.ErrCodeServerError, "response contained no choices")
	}

	return &model.Result{
		Content:    apiResp.Choices[0].Message.Content,
		ProviderID: p.providerID,
		ModelID:    apiResp.Model,
		TokensUsed: apiResp.Usage.TotalTokens,
		RawMetadata: map[string]any{
			"finish_reason":     apiResp.Choices[0].FinishReason,
			"prompt_tokens":     apiResp.Usage.PromptTokens,
			"completion_tokens": apiResp.Usage.CompletionTokens,
		},
	}, nil
}

// HealthCheck lists models to verify reachability and authentication.
func (p *Provider) HealthCheck(ctx context.Context) (model.Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/models", nil)
	if err != nil {
		return model.Health{}, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq, "")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return model.Health{Ready: false, Details: err.Error()}, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return model.Health{Ready: false, Details: fmt.Sprintf("status %d", resp.StatusCode)}, nil
	}
	return model.Health{Ready: true}, nil
}

// processStream consumes the SSE stream and assembles the full content.
func (p *Provider) processStream(body io.Reader, onChunk func(string)) (*model.Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var finishReason string
	var responseModel string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event chatStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // skip malformed events
		}
		if event.Model != "" {
			responseModel = event.Model
		}
		if len(event.Choices) == 0 {
			continue
		}
		if delta := event.Choices[0].Delta.Content; delta != "" {
			contentBuilder.WriteString(delta)
			if onChunk != nil {
				onChunk(delta)
			}
		}
		if event.Choices[0].FinishReason != "" {
			finishReason = event.Choices[0].FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read error: %w", err)
	}

	if responseModel == "" {
		responseModel = p.modelName
	}

	return &model.Result{
		Content:    contentBuilder.String(),
		ProviderID: p.providerID,
		ModelID:    responseModel,
		RawMetadata: map[string]any{
			"finish_reason": finishReason,
		},
	}, nil
}

// setHeaders sets auth headers, preferring the per-call token.
func (p *Provider) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Content-Type", "application/json")
	token := accessToken
	if token == "" {
		token = p.apiKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// parseAPIError maps an HTTP error response to a ProviderError.
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	perr := model.NewProviderError(p.providerID, codeForStatus(statusCode), message)
	perr.StatusCode = statusCode
	return perr
}

func codeForStatus(statusCode int) string {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return model.ErrCodeRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return model.ErrCodeAuth
	case statusCode == http.StatusServiceUnavailable:
		return model.ErrCodeUnavailable
	case statusCode >= 500:
		return model.ErrCodeServerError
	default:
		return model.ErrCodeInvalidRequest
	}
}

// Internal API types.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type chatStreamEvent struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

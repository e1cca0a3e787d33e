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

// Package bedrock provides a model adapter backed by AWS Bedrock.
// Authentication uses the ambient AWS credential chain (Signature V4),
// so no vault credential is involved; the adapter ignores per-call
// access tokens.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"conductor/platform/orchestrator/model"
)

const (
	// DefaultRegion is used when no region is configured.
	DefaultRegion = "us-east-1"

	// DefaultModel is the default Bedrock model identifier.
	DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	// DefaultMaxTokens is the default max tokens for completions.
	DefaultMaxTokens = 4096
)

// bedrockAPI is the subset of the Bedrock runtime client the adapter
// uses (enables testing).
type bedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config contains configuration for the Bedrock adapter.
type Config struct {
	Region string     // Optional: AWS region (default: us-east-1)
	Model  string     // Optional: Bedrock model id (default: Claude 3.5 Sonnet)
	Client bedrockAPI // Optional: custom runtime client (used in tests)

	// Optional: explicit credentials. When unset the default AWS
	// credential chain applies.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Provider implements model.Adapter against AWS Bedrock.
type Provider struct {
	client    bedrockAPI
	region    string
	modelName string
}

// NewProvider creates a Bedrock adapter, loading the AWS credential
// chain unless a client is supplied.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	client := cfg.Client
	if client == nil {
		optFns := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
		// Use explicit credentials if provided, otherwise use default credential chain
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
			optFns = append(optFns, awsconfig.WithCredentialsProvider(creds))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", cfg.Region, err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}

	return &Provider{
		client:    client,
		region:    cfg.Region,
		modelName: cfg.Model,
	}, nil
}

// ProviderID returns the provider label.
func (p *Provider) ProviderID() string {
	return "bedrock"
}

// Invoke sends the prompt through InvokeModel, shaping the request body
// for the model family.
func (p *Provider) Invoke(ctx context.Context, prompt string, opts model.InvokeOptions) (*model.Result, error) {
	start := time.Now()

	requestBody, err := p.buildRequestBody(prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.modelName),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.NewProviderError("bedrock", model.ErrCodeTimeout, ctx.Err().Error())
		}
		perr := model.NewProviderError("bedrock", classifyError(err), err.Error())
		perr.Cause = err
		return nil, perr
	}

	result, err := p.parseResponseBody(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	result.ProviderID = "bedrock"
	result.ModelID = p.modelName
	result.RawMetadata["region"] = p.region
	result.RawMetadata["latency_ms"] = time.Since(start).Milliseconds()
	return result, nil
}

// HealthCheck reports readiness based on configuration. Bedrock has no
// cheap ping endpoint; a misconfigured credential chain surfaces on the
// first Invoke.
func (p *Provider) HealthCheck(ctx context.Context) (model.Health, error) {
	if p.client == nil {
		return model.Health{Ready: false, Details: "bedrock client not initialized"}, nil
	}
	return model.Health{Ready: true, Details: fmt.Sprintf("region %s", p.region)}, nil
}

// buildRequestBody shapes the InvokeModel body for the model family.
func (p *Provider) buildRequestBody(prompt string, opts model.InvokeOptions) (map[string]any, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	switch modelFamily(p.modelName) {
	case "anthropic":
		return map[string]any{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"temperature":       opts.Temperature,
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
		}, nil
	case "amazon":
		return map[string]any{
			"inputText": prompt,
			"textGenerationConfig": map[string]any{
				"maxTokenCount": maxTokens,
				"temperature":   opts.Temperature,
			},
		}, nil
	case "meta":
		return map[string]any{
			"prompt":      prompt,
			"max_gen_len": maxTokens,
			"temperature": opts.Temperature,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported bedrock model family for %q", p.modelName)
	}
}

// parseResponseBody decodes the InvokeModel output for the model family.
func (p *Provider) parseResponseBody(body []byte) (*model.Result, error) {
	switch modelFamily(p.modelName) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		var content strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				content.WriteString(block.Text)
			}
		}
		return &model.Result{
			Content:    content.String(),
			TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
			RawMetadata: map[string]any{
				"stop_reason": resp.StopReason,
			},
		}, nil

	case "amazon":
		var resp struct {
			Results []struct {
				OutputText       string `json:"outputText"`
				CompletionReason string `json:"completionReason"`
				TokenCount       int    `json:"tokenCount"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		if len(resp.Results) == 0 {
			return nil, fmt.Errorf("empty results from titan model")
		}
		return &model.Result{
			Content:    resp.Results[0].OutputText,
			TokensUsed: resp.Results[0].TokenCount,
			RawMetadata: map[string]any{
				"stop_reason": resp.Results[0].CompletionReason,
			},
		}, nil

	case "meta":
		var resp struct {
			Generation      string `json:"generation"`
			StopReason      string `json:"stop_reason"`
			GenerationCount int    `json:"generation_token_count"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return &model.Result{
			Content:    resp.Generation,
			TokensUsed: resp.GenerationCount,
			RawMetadata: map[string]any{
				"stop_reason": resp.StopReason,
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported bedrock model family for %q", p.modelName)
	}
}

// modelFamily extracts the vendor prefix from a Bedrock model id, e.g.
// "anthropic.claude-3-5-sonnet-20240620-v1:0" -> "anthropic".
func modelFamily(modelID string) string {
	if idx := strings.Index(modelID, "."); idx > 0 {
		return modelID[:idx]
	}
	return ""
}

// classifyError maps SDK errors to provider error codes by message
// inspection; the SDK wraps service errors with their API error codes.
func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "throttling"):
		return model.ErrCodeRateLimit
	case strings.Contains(msg, "accessdenied"), strings.Contains(msg, "unrecognizedclient"),
		strings.Contains(msg, "expiredtoken"):
		return model.ErrCodeAuth
	case strings.Contains(msg, "validationexception"):
		return model.ErrCodeInvalidRequest
	case strings.Contains(msg, "serviceunavailable"), strings.Contains(msg, "modelnotready"):
		return model.ErrCodeUnavailable
	default:
		return model.ErrCodeServerError
	}
}

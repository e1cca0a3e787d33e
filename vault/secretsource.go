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

package vault

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretSource supplies the vault's master secret. Production deployments
// use AWS Secrets Manager; development uses an environment variable.
type SecretSource interface {
	MasterSecret(ctx context.Context) ([]byte, error)
}

// EnvSecretSource reads the master secret from an environment variable.
type EnvSecretSource struct {
	// Var is the environment variable name, e.g. "VAULT_MASTER_KEY".
	Var string
}

// MasterSecret implements SecretSource.
func (s *EnvSecretSource) MasterSecret(ctx context.Context) ([]byte, error) {
	value := os.Getenv(s.Var)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", s.Var)
	}
	return []byte(value), nil
}

// AWSSecretSource reads the master secret from AWS Secrets Manager with a
// short-lived cache so restart-free key checks do not hammer the API.
type AWSSecretSource struct {
	client    *secretsmanager.Client
	secretARN string
	ttl       time.Duration
	logger    *log.Logger

	mu        sync.RWMutex
	cached    []byte
	expiresAt time.Time
}

// AWSSecretSourceOptions holds options for creating an AWSSecretSource.
type AWSSecretSourceOptions struct {
	Region    string
	SecretARN string
	CacheTTL  time.Duration
	Logger    *log.Logger
}

// NewAWSSecretSource creates a Secrets-Manager-backed secret source.
func NewAWSSecretSource(ctx context.Context, opts AWSSecretSourceOptions) (*AWSSecretSource, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[VAULT_SECRETS] ", log.LstdFlags)
	}

	cfgOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &AWSSecretSource{
		client:    secretsmanager.NewFromConfig(cfg),
		secretARN: opts.SecretARN,
		ttl:       ttl,
		logger:    logger,
	}, nil
}

// MasterSecret implements SecretSource.
func (s *AWSSecretSource) MasterSecret(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	if s.cached != nil && time.Now().Before(s.expiresAt) {
		secret := s.cached
		s.mu.RUnlock()
		return secret, nil
	}
	s.mu.RUnlock()

	s.logger.Printf("Fetching master secret %s from AWS Secrets Manager", maskARN(s.secretARN))

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretARN),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskARN(s.secretARN), err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskARN(s.secretARN))
	}

	secret := []byte(*result.SecretString)

	s.mu.Lock()
	s.cached = secret
	s.expiresAt = time.Now().Add(s.ttl)
	s.mu.Unlock()

	return secret, nil
}

// Invalidate clears the cached secret, forcing a refetch on next use.
func (s *AWSSecretSource) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	s.logger.Printf("Invalidated cached master secret %s", maskARN(s.secretARN))
}

// maskARN masks the secret ARN for logging (shows only last 8 characters)
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}

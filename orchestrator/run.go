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

package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver

	"conductor/platform/orchestrator/model"
	"conductor/platform/orchestrator/model/bedrock"
	"conductor/platform/orchestrator/model/openaicompat"
	"conductor/platform/shared/circuit"
	"conductor/platform/vault"
)

// Environment variable catalog.
const (
	envPort              = "PORT"
	envDatabaseURL       = "DATABASE_URL"
	envRedisURL          = "REDIS_URL"
	envMasterKey         = "VAULT_MASTER_KEY"
	envMasterKeyARN      = "VAULT_MASTER_KEY_SECRET_ARN"
	envAWSRegion         = "AWS_REGION"
	envOpenAIKey         = "OPENAI_API_KEY"
	envOpenAIBaseURL     = "OPENAI_BASE_URL"
	envOpenAIModel       = "OPENAI_MODEL"
	envOllamaEndpoint    = "OLLAMA_ENDPOINT"
	envOllamaModel       = "OLLAMA_MODEL"
	envBedrockRegion     = "BEDROCK_REGION"
	envBedrockModel      = "BEDROCK_MODEL"
	envBedrockAccessKey  = "BEDROCK_ACCESS_KEY_ID"
	envBedrockSecretKey  = "BEDROCK_SECRET_ACCESS_KEY"
	envWebhookURL        = "EVENT_WEBHOOK_URL"
	envWebhookSecret     = "EVENT_WEBHOOK_SECRET"
	envSynthesisModel    = "SYNTHESIS_MODEL"
	envMaxJobs           = "MAX_CONCURRENT_JOBS"
	envMaxPerProvider    = "MAX_CALLS_PER_PROVIDER"
	envJobTimeoutSeconds = "JOB_TIMEOUT_SECONDS"
)

// Run wires the whole service from the environment and serves HTTP until
// SIGINT/SIGTERM.
func Run() error {
	ctx := context.Background()

	registry, err := buildRegistry(ctx)
	if err != nil {
		return err
	}

	var db *sql.DB
	if dsn := os.Getenv(envDatabaseURL); dsn != "" {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer func() {
			_ = db.Close()
		}()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		log.Printf("[Run] Connected to Postgres")
	}

	credVault, err := buildVault(ctx, db)
	if err != nil {
		return err
	}

	store, err := buildJobStore(ctx, db)
	if err != nil {
		return err
	}

	sink := buildSink()
	metrics := NewMetrics(nil)

	engine, err := NewEngine(EngineConfig{
		Registry:            registry,
		Vault:               credVault,
		Store:               store,
		Sink:                sink,
		Breaker:             circuit.New(circuit.Config{}),
		Metrics:             metrics,
		SynthesisModel:      os.Getenv(envSynthesisModel),
		MaxConcurrentJobs:   envInt64(envMaxJobs, DefaultMaxConcurrentJobs),
		MaxCallsPerProvider: envInt64(envMaxPerProvider, DefaultMaxCallsPerProvider),
		DefaultJobTimeout:   time.Duration(envInt64(envJobTimeoutSeconds, 0)) * time.Second,
	})
	if err != nil {
		return err
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	registry.StartPeriodicHealthCheck(healthCtx, time.Minute)

	server := NewServer(engine, registry)
	port := getEnv(envPort, "8080")
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Conductor orchestrator listening on port %s", port)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// buildRegistry registers every adapter the environment configures.
func buildRegistry(ctx context.Context) (*model.Registry, error) {
	registry := model.NewRegistry()
	registered := 0

	if key := os.Getenv(envOpenAIKey); key != "" {
		modelName := getEnv(envOpenAIModel, "gpt-4o")
		provider, err := openaicompat.NewProvider(openaicompat.Config{
			APIKey:  key,
			BaseURL: os.Getenv(envOpenAIBaseURL),
			Model:   modelName,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure OpenAI adapter: %w", err)
		}
		if err := registry.Register(modelName, provider); err != nil {
			return nil, err
		}
		registered++
	}

	if endpoint := os.Getenv(envOllamaEndpoint); endpoint != "" {
		modelName := getEnv(envOllamaModel, "llama3.1:70b")
		provider, err := openaicompat.NewProvider(openaicompat.Config{
			BaseURL:    endpoint + "/v1",
			Model:      modelName,
			ProviderID: "ollama",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure Ollama adapter: %w", err)
		}
		if err := registry.Register(modelName, provider); err != nil {
			return nil, err
		}
		registered++
	}

	if region := os.Getenv(envBedrockRegion); region != "" {
		modelName := getEnv(envBedrockModel, bedrock.DefaultModel)
		provider, err := bedrock.NewProvider(ctx, bedrock.Config{
			Region:          region,
			Model:           modelName,
			AccessKeyID:     os.Getenv(envBedrockAccessKey),
			SecretAccessKey: os.Getenv(envBedrockSecretKey),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure Bedrock adapter: %w", err)
		}
		if err := registry.Register(modelName, provider); err != nil {
			return nil, err
		}
		registered++
	}

	if registered == 0 {
		log.Printf("[Run] WARNING: no model adapters configured - all jobs will fail")
	}
	return registry, nil
}

// buildVault assembles the credential vault: master secret from Secrets
// Manager or the environment, records in Postgres when available.
func buildVault(ctx context.Context, db *sql.DB) (*vault.Vault, error) {
	var source vault.SecretSource
	if arn := os.Getenv(envMasterKeyARN); arn != "" {
		awsSource, err := vault.NewAWSSecretSource(ctx, vault.AWSSecretSourceOptions{
			Region:    os.Getenv(envAWSRegion),
			SecretARN: arn,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure secret source: %w", err)
		}
		source = awsSource
	} else if os.Getenv(envMasterKey) != "" {
		source = &vault.EnvSecretSource{Var: envMasterKey}
	} else {
		log.Printf("[Run] No vault master key configured - credential vault disabled")
		return nil, nil
	}

	secret, err := source.MasterSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load vault master secret: %w", err)
	}

	var store vault.Store
	if db != nil {
		store = vault.NewPostgresStore(db)
	} else {
		store = vault.NewMemoryStore()
	}
	return vault.New(store, secret, vault.WithMetrics(vault.NewMetrics(nil)))
}

// buildJobStore picks the snapshot backend: Postgres, then Redis, then
// in-memory.
func buildJobStore(ctx context.Context, db *sql.DB) (JobStore, error) {
	if db != nil {
		return NewPostgresJobStore(db), nil
	}
	if redisURL := os.Getenv(envRedisURL); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", envRedisURL, err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		log.Printf("[Run] Using Redis job store")
		return NewRedisJobStore(client, 0), nil
	}
	return NewMemoryJobStore(), nil
}

// buildSink selects the event sink: signed webhook deliveries when
// configured, structured logs otherwise.
func buildSink() EventSink {
	endpoint := os.Getenv(envWebhookURL)
	if endpoint == "" {
		return NewLogSink(nil)
	}
	return MultiSink{
		NewLogSink(nil),
		NewWebhookSink(WebhookConfig{
			Endpoint:      endpoint,
			SigningSecret: os.Getenv(envWebhookSecret),
		}),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Printf("[Run] Invalid %s=%q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

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
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisJobKeyPrefix  = "conductor:job:"
	redisUserKeyPrefix = "conductor:user_jobs:"

	// DefaultJobTTL bounds how long finished snapshots linger in Redis.
	DefaultJobTTL = 7 * 24 * time.Hour
)

// RedisJobStore keeps job snapshots in Redis with a per-user index for
// listing. Suited for deployments where job history is a cache, not an
// archive.
type RedisJobStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisJobStore creates a Redis-backed job store. Zero ttl means
// DefaultJobTTL.
func NewRedisJobStore(client *redis.Client, ttl time.Duration) *RedisJobStore {
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	return &RedisJobStore{client: client, ttl: ttl}
}

// Upsert stores the serialized snapshot and indexes it under the user.
func (s *RedisJobStore) Upsert(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisJobKeyPrefix+job.ID, data, s.ttl)
	pipe.ZAdd(ctx, redisUserKeyPrefix+job.UserID, &redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.ID,
	})
	pipe.Expire(ctx, redisUserKeyPrefix+job.UserID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store job snapshot: %w", err)
	}
	return nil
}

// Get returns the snapshot for jobID, or nil if none exists.
func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := s.client.Get(ctx, redisJobKeyPrefix+jobID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job snapshot: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("corrupt job snapshot for %s: %w", jobID, err)
	}
	return &job, nil
}

// ListByUser returns the user's snapshots, newest first. Snapshots whose
// TTL expired since they were indexed are skipped.
func (s *RedisJobStore) ListByUser(ctx context.Context, userID string) ([]*Job, error) {
	ids, err := s.client.ZRevRange(ctx, redisUserKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for user: %w", err)
	}

	var jobs []*Job
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

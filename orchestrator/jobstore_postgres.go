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
	"encoding/json"
	"fmt"
)

// PostgresJobStore persists job snapshots in a job_records table.
//
// Schema:
//
//	CREATE TABLE job_records (
//	    id               TEXT PRIMARY KEY,
//	    user_id          TEXT NOT NULL,
//	    workflow_name    TEXT NOT NULL DEFAULT '',
//	    prompt_text      TEXT NOT NULL DEFAULT '',
//	    requested_models JSONB NOT NULL,
//	    results          JSONB NOT NULL,
//	    synthesis_result JSONB,
//	    status           TEXT NOT NULL,
//	    error_info       TEXT NOT NULL DEFAULT '',
//	    created_at       TIMESTAMPTZ NOT NULL,
//	    updated_at       TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX job_records_user_idx ON job_records (user_id, created_at DESC);
type PostgresJobStore struct {
	db *sql.DB
}

// NewPostgresJobStore creates a job store backed by db.
func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

const jobColumns = `id, user_id, workflow_name, prompt_text, requested_models, results, synthesis_result, status, error_info, created_at, updated_at`

// Upsert inserts or replaces the snapshot for job.ID.
func (s *PostgresJobStore) Upsert(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}

	models, err := json.Marshal(job.RequestedModels)
	if err != nil {
		return fmt.Errorf("failed to serialize requested models: %w", err)
	}
	results, err := json.Marshal(job.Results)
	if err != nil {
		return fmt.Errorf("failed to serialize results: %w", err)
	}
	var synthesis []byte
	if job.SynthesisResult != nil {
		synthesis, err = json.Marshal(job.SynthesisResult)
		if err != nil {
			return fmt.Errorf("failed to serialize synthesis result: %w", err)
		}
	}

	query := `
		INSERT INTO job_records (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			results = EXCLUDED.results,
			synthesis_result = EXCLUDED.synthesis_result,
			status = EXCLUDED.status,
			error_info = EXCLUDED.error_info,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		job.ID, job.UserID, job.WorkflowName, job.PromptText,
		models, results, nullableBytes(synthesis),
		string(job.Status), job.ErrorInfo, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job record: %w", err)
	}
	return nil
}

// Get returns the snapshot for jobID, or nil if none exists.
func (s *PostgresJobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_records WHERE id = $1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job record: %w", err)
	}
	return job, nil
}

// ListByUser returns the user's snapshots, newest first.
func (s *PostgresJobStore) ListByUser(ctx context.Context, userID string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_records WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var status string
	var models, results []byte
	var synthesis []byte

	err := row.Scan(&job.ID, &job.UserID, &job.WorkflowName, &job.PromptText,
		&models, &results, &synthesis, &status, &job.ErrorInfo,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	if err := json.Unmarshal(models, &job.RequestedModels); err != nil {
		return nil, fmt.Errorf("corrupt requested_models for job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal(results, &job.Results); err != nil {
		return nil, fmt.Errorf("corrupt results for job %s: %w", job.ID, err)
	}
	if len(synthesis) > 0 {
		job.SynthesisResult = &ResultSlot{}
		if err := json.Unmarshal(synthesis, job.SynthesisResult); err != nil {
			return nil, fmt.Errorf("corrupt synthesis_result for job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

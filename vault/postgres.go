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
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore implements Store using PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE token_records (
//	    id                UUID PRIMARY KEY,
//	    user_id           TEXT NOT NULL,
//	    provider_id       TEXT NOT NULL,
//	    encrypted_payload BYTEA NOT NULL,
//	    iv                BYTEA NOT NULL,
//	    salt              BYTEA NOT NULL,
//	    auth_tag          BYTEA NOT NULL,
//	    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    UNIQUE (user_id, provider_id)
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed credential store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert inserts or replaces the record for (UserID, ProviderID).
func (s *PostgresStore) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}

	id := record.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := `
		INSERT INTO token_records (
			id, user_id, provider_id, encrypted_payload, iv, salt, auth_tag, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, provider_id) DO UPDATE SET
			encrypted_payload = EXCLUDED.encrypted_payload,
			iv = EXCLUDED.iv,
			salt = EXCLUDED.salt,
			auth_tag = EXCLUDED.auth_tag,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		id,
		record.UserID,
		record.ProviderID,
		record.EncryptedPayload,
		record.IV,
		record.Salt,
		record.AuthTag,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert token record: %w", err)
	}

	return nil
}

// Get returns the record for (userID, providerID), or nil if none exists.
func (s *PostgresStore) Get(ctx context.Context, userID, providerID string) (*Record, error) {
	query := `
		SELECT id, user_id, provider_id, encrypted_payload, iv, salt, auth_tag, updated_at
		FROM token_records
		WHERE user_id = $1 AND provider_id = $2
	`

	var record Record
	err := s.db.QueryRowContext(ctx, query, userID, providerID).Scan(
		&record.ID,
		&record.UserID,
		&record.ProviderID,
		&record.EncryptedPayload,
		&record.IV,
		&record.Salt,
		&record.AuthTag,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	return &record, nil
}

// Delete removes the record for (userID, providerID).
func (s *PostgresStore) Delete(ctx context.Context, userID, providerID string) error {
	query := `DELETE FROM token_records WHERE user_id = $1 AND provider_id = $2`

	if _, err := s.db.ExecContext(ctx, query, userID, providerID); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}
	return nil
}

// Verify interface compliance at compile time.
var _ Store = (*PostgresStore)(nil)

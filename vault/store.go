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
	"sync"
)

// MemoryStore is an in-memory Store implementation with thread-safe
// access. Used in tests and single-node deployments without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func storeKey(userID, providerID string) string {
	return userID + "|" + providerID
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recordCopy := *record
	s.records[storeKey(record.UserID, record.ProviderID)] = &recordCopy
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, userID, providerID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, exists := s.records[storeKey(userID, providerID)]
	if !exists {
		return nil, nil
	}
	recordCopy := *record
	return &recordCopy, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, userID, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, storeKey(userID, providerID))
	return nil
}

// Verify interface compliance at compile time.
var _ Store = (*MemoryStore)(nil)

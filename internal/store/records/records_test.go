// Copyright 2025 Tom Barlow
//
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

package records

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertBatchDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.InsertBatch(ctx, "run1", []Record{
		{Fingerprint: "fp1", Payload: []byte(`{"k":1}`)},
		{Fingerprint: "fp1", Payload: []byte(`{"k":1}`)},
		{Fingerprint: "fp2", Payload: []byte(`{"k":2}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := s.Count(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestInsertBatchReplayIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []Record{
		{Fingerprint: "a", Payload: []byte(`{"k":1}`)},
		{Fingerprint: "b", Payload: []byte(`{"k":2}`)},
	}
	n, err := s.InsertBatch(ctx, "run1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.InsertBatch(ctx, "run1", batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSameFingerprintDifferentRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.InsertBatch(ctx, "run1", []Record{{Fingerprint: "fp", Payload: []byte(`{}`)}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.InsertBatch(ctx, "run2", []Record{{Fingerprint: "fp", Payload: []byte(`{}`)}})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "dedup scope is per run")
}

func TestListPreservesInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, "run1", []Record{
		{Fingerprint: "1", Payload: []byte(`{"k":1}`)},
		{Fingerprint: "2", Payload: []byte(`{"k":2}`)},
	})
	require.NoError(t, err)
	_, err = s.InsertBatch(ctx, "run1", []Record{
		{Fingerprint: "3", Payload: []byte(`{"k":3}`)},
	})
	require.NoError(t, err)

	recs, err := s.List(ctx, "run1", 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "1", recs[0].Fingerprint)
	assert.Equal(t, "2", recs[1].Fingerprint)
	assert.Equal(t, "3", recs[2].Fingerprint)

	recs, err = s.List(ctx, "run1", 1, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].Fingerprint)
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, "run1", []Record{{Fingerprint: "fp", Payload: []byte(`{}`)}})
	require.NoError(t, err)
	require.NoError(t, s.Purge(ctx, "run1"))

	count, err := s.Count(ctx, "run1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

// ABOUTME: Tests for the capability acquisition audit log
// ABOUTME: Covers successful and failed attempts and per-session listing

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Acquisitions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveAcquisition(ctx, &Acquisition{
		ID:        uuid.New().String(),
		SessionID: "s1",
		URI:       "l402://bad",
		Stage:     StageResolve,
		Error:     "descriptor transport error: 404",
		CreatedAt: now,
	}))
	require.NoError(t, store.SaveAcquisition(ctx, &Acquisition{
		ID:         uuid.New().String(),
		SessionID:  "s1",
		URI:        "l402://example/resource",
		Identifier: "fetch_resource",
		SourcePath: "/tmp/funcs/ab12/fetch_resource-1234abcd.go",
		Stage:      StageDone,
		CreatedAt:  now.Add(time.Millisecond),
	}))
	require.NoError(t, store.SaveAcquisition(ctx, &Acquisition{
		ID: uuid.New().String(), SessionID: "s2", URI: "l402://x", Stage: StageLoad, CreatedAt: now,
	}))

	list, err := store.ListAcquisitions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, StageResolve, list[0].Stage)
	assert.Empty(t, list[0].Identifier)
	assert.Equal(t, StageDone, list[1].Stage)
	assert.Equal(t, "fetch_resource", list[1].Identifier)
	assert.Empty(t, list[1].Error)

	empty, err := store.ListAcquisitions(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_Acquisitions_RejectsUnknownStage(t *testing.T) {
	store := setupTestStore(t)
	err := store.SaveAcquisition(context.Background(), &Acquisition{
		ID: uuid.New().String(), SessionID: "s1", URI: "l402://x", Stage: "exploded", CreatedAt: time.Now(),
	})
	assert.Error(t, err)
}

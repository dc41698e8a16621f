package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildbeaver/buildbeaver/common/gerror"
	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/store/jobsets"
	"github.com/buildbeaver/buildbeaver/server/store/store_test"
)

// TestResourceAlreadyExistsThrown tests that MakeStandardDBError provides the correct error code when we attempt to
// create a unique resource that already exists
func TestResourceAlreadyExistsThrown(t *testing.T) {
	logFactory := logger.NoOpLogFactory
	db, cleanup, err := store_test.Connect(logFactory)
	require.Nil(t, err)
	defer cleanup()

	jobsetStore := jobsets.NewStore(db, logFactory)
	now := models.NewTime(time.Now())
	jobset := models.NewJobset(now, "bb", "default", 1)

	// First jobset creation will pass
	err = jobsetStore.Create(context.Background(), nil, jobset)
	require.Nil(t, err)

	// Second jobset creation with the same project/name should fail with ErrCodeAlreadyExists
	duplicate := models.NewJobset(now, "bb", "default", 1)
	err = jobsetStore.Create(context.Background(), nil, duplicate)
	require.NotNil(t, err)
	require.NotNil(t, gerror.ToAlreadyExists(err))
}

// TestResourceNotFoundThrown tests that MakeStandardDBError provides the correct error code when we attempt to
// retrieve a resource that doesn't exist.
func TestResourceNotFoundThrown(t *testing.T) {
	logFactory := logger.NoOpLogFactory
	db, cleanup, err := store_test.Connect(logFactory)
	require.Nil(t, err)
	defer cleanup()

	jobsetStore := jobsets.NewStore(db, logFactory)
	_, err = jobsetStore.Read(context.Background(), nil, models.NewJobsetID())
	require.NotNil(t, err)
	require.NotNil(t, gerror.ToNotFound(err))
}

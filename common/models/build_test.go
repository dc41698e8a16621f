package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewBuildDefaults(t *testing.T) {
	now := NewTime(time.Now())
	b := NewBuild(now, "/nix/store/aaa-foo.drv", NewJobsetID(), "build-1", 0, 3600, 0, 0)
	require.True(t, b.ID.Valid())
	require.False(t, b.FinishedInDB)
	require.NoError(t, b.Validate())
}

func TestBuildIsUnreachableOnceFinished(t *testing.T) {
	now := NewTime(time.Now())
	b := NewBuild(now, "/nix/store/aaa-foo.drv", NewJobsetID(), "build-1", 0, 3600, 0, 0)
	require.False(t, b.IsUnreachable())

	b.FinishedInDB = true
	b.Status = BuildStatusSucceeded
	require.True(t, b.IsUnreachable())
	require.NoError(t, b.Validate())
}

func TestBuildValidateRequiresStatusWhenFinished(t *testing.T) {
	now := NewTime(time.Now())
	b := NewBuild(now, "/nix/store/aaa-foo.drv", NewJobsetID(), "build-1", 0, 3600, 0, 0)
	b.FinishedInDB = true
	require.Error(t, b.Validate())
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStepRunnableOnlyWhenCreatedAndDepsEmpty(t *testing.T) {
	now := NewTime(time.Now())
	s := NewStep(now, "/nix/store/aaa-foo.drv")
	require.False(t, s.Runnable)

	s.Created = true
	s.recomputeRunnableLocked()
	require.True(t, s.Runnable)

	dep := NewStep(now, "/nix/store/bbb-bar.drv")
	s.AddDep(dep)
	require.False(t, s.Runnable)
	require.False(t, s.DepsEmpty())

	becameRunnable := s.RemoveDep(dep.DrvPath)
	require.True(t, becameRunnable)
	require.True(t, s.Runnable)
}

func TestStepAddDepIsIdempotent(t *testing.T) {
	now := NewTime(time.Now())
	s := NewStep(now, "/nix/store/aaa-foo.drv")
	dep := NewStep(now, "/nix/store/bbb-bar.drv")

	s.AddDep(dep)
	s.AddDep(dep)
	require.Len(t, s.Deps(), 1)
	require.Len(t, dep.RDeps(), 1)
}

func TestStepPriorityPropagationIsMonotonic(t *testing.T) {
	now := NewTime(time.Now())
	s := NewStep(now, "/nix/store/aaa-foo.drv")

	s.PropagateGlobalPriority(5)
	s.PropagateGlobalPriority(3)
	require.EqualValues(t, 5, s.HighestGlobalPriority())

	s.PropagateGlobalPriority(10)
	require.EqualValues(t, 10, s.HighestGlobalPriority())
}

func TestStepLowestBuildIDNeverIncreases(t *testing.T) {
	now := NewTime(time.Now())
	s := NewStep(now, "/nix/store/aaa-foo.drv")

	s.PropagateLowestBuildID(100)
	s.PropagateLowestBuildID(50)
	require.EqualValues(t, 50, s.LowestBuildIDOrdinal())

	s.PropagateLowestBuildID(80)
	require.EqualValues(t, 50, s.LowestBuildIDOrdinal())
}

func TestStepBuildRefCounting(t *testing.T) {
	now := NewTime(time.Now())
	s := NewStep(now, "/nix/store/aaa-foo.drv")
	b := NewBuild(now, s.DrvPath, NewJobsetID(), "build-1", 0, 0, 0, 0)

	s.AttachBuild(b)
	require.Equal(t, 1, s.BuildRefCount())
	s.DetachBuild(b.ID)
	require.Equal(t, 0, s.BuildRefCount())
}

func TestStepValidateRejectsFinishedAndRunnable(t *testing.T) {
	now := NewTime(time.Now())
	s := NewStep(now, "/nix/store/aaa-foo.drv")
	s.Created = true
	s.recomputeRunnableLocked()
	s.Finished = true
	require.Error(t, s.Validate())
}

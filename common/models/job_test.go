package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewJobGeneratesUniqueInternalBuildID(t *testing.T) {
	now := NewTime(time.Now())
	buildID := NewBuildID()
	machineID := NewMachineID()

	j1 := NewJob(now, "/nix/store/aaa-foo.drv", nil, buildID, 1, machineID)
	j2 := NewJob(now, "/nix/store/aaa-foo.drv", nil, buildID, 1, machineID)

	require.NotEqual(t, j1.InternalBuildID, j2.InternalBuildID)
	require.NoError(t, j1.Validate())
}

func TestJobValidateRequiresPositiveStepNr(t *testing.T) {
	now := NewTime(time.Now())
	j := NewJob(now, "/nix/store/aaa-foo.drv", nil, NewBuildID(), 0, NewMachineID())
	require.Error(t, j.Validate())
}

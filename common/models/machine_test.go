package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMachine() *Machine {
	return NewMachine(
		NewTime(time.Now()),
		"worker-1",
		Labels{"x86_64-linux"},
		Labels{"kvm"},
		nil,
		8,
		40000,
		1.0,
		4,
		MachineThresholds{MaxLoad1: 8, MaxMemoryPressure: 0.8, MinFreeDiskPercent: 5},
		nil,
		true,
		"2.18.1",
	)
}

func TestMachineSupportsSystem(t *testing.T) {
	m := newTestMachine()
	require.True(t, m.SupportsSystem("x86_64-linux"))
	require.False(t, m.SupportsSystem("aarch64-linux"))
}

func TestMachineSupportsFeaturesHonoursMandatory(t *testing.T) {
	m := newTestMachine()
	m.MandatoryFeatures = Labels{"kvm"}
	require.True(t, m.SupportsFeatures([]string{"kvm"}))
	// kvm is mandatory: a step that doesn't ask for it cannot be placed here.
	require.False(t, m.SupportsFeatures(nil))
	require.False(t, m.SupportsFeatures([]string{"big-parallel"}))
}

func TestMachineJobCountTracksAddRemove(t *testing.T) {
	m := newTestMachine()
	now := NewTime(time.Now())
	j := NewJob(now, "/nix/store/aaa-foo.drv", nil, NewBuildID(), 1, m.ID)

	m.AddJob(j)
	require.Equal(t, 1, m.JobCount())

	m.RemoveJob(j.DrvPath)
	require.Equal(t, 0, m.JobCount())
}

func TestMachineHasCapacityRespectsMaxJobsAndThresholds(t *testing.T) {
	m := newTestMachine()
	m.UpdateStats(MachineStats{DiskFreePercent: 50})
	require.True(t, m.HasCapacity())

	m.UpdateStats(MachineStats{Load1: 100})
	require.False(t, m.HasCapacity())

	m.UpdateStats(MachineStats{Load1: 1, DiskFreePercent: 1})
	require.False(t, m.HasCapacity())
}

func TestMachineStatsCurrentJobsTracksLiveJobs(t *testing.T) {
	m := newTestMachine()
	now := NewTime(time.Now())
	j := NewJob(now, "/nix/store/aaa-foo.drv", nil, NewBuildID(), 1, m.ID)
	m.AddJob(j)
	m.UpdateStats(MachineStats{Load1: 1})
	require.EqualValues(t, 1, m.Stats().CurrentJobs)
}

func TestMachineRecordSubmissionPrunesOldEntries(t *testing.T) {
	m := newTestMachine()
	windowNanos := int64(30 * time.Second)
	base := int64(1_000_000_000_000)

	count := m.RecordSubmission(base, windowNanos)
	require.Equal(t, 1, count)

	count = m.RecordSubmission(base+int64(time.Second), windowNanos)
	require.Equal(t, 2, count)

	// Jump past the window: only the newest submission should remain.
	count = m.RecordSubmission(base+2*windowNanos, windowNanos)
	require.Equal(t, 1, count)
}

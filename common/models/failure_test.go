package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFailureKindRetryable(t *testing.T) {
	retryable := []FailureKind{
		FailureKindPreparing, FailureKindImport, FailureKindUpload,
		FailureKindPostProcessing, FailureKindAborted, FailureKindCancelled,
	}
	for _, k := range retryable {
		require.Truef(t, k.Retryable(), "%s should be retryable", k)
	}

	terminal := []FailureKind{FailureKindBuild, FailureKindCachedFailure, FailureKindUnsupported}
	for _, k := range terminal {
		require.Falsef(t, k.Retryable(), "%s should not be retryable", k)
	}
}

func TestFailureKindCacheable(t *testing.T) {
	require.True(t, FailureKindBuild.Cacheable())
	require.False(t, FailureKindCachedFailure.Cacheable())
	require.False(t, FailureKindUnsupported.Cacheable())
}

func TestFailureKindReported(t *testing.T) {
	require.False(t, FailureKindCancelled.Reported())
	require.True(t, FailureKindBuild.Reported())
}

func TestDependentFailureStatusRetainsCachedFailureAndUnsupported(t *testing.T) {
	require.Equal(t, BuildStatusDepFailed, DependentFailureStatus(false, FailureKindCachedFailure))
	require.Equal(t, BuildStatusDepFailed, DependentFailureStatus(true, FailureKindCachedFailure))
	require.Equal(t, BuildStatusAborted, DependentFailureStatus(false, FailureKindUnsupported))
	require.Equal(t, BuildStatusAborted, DependentFailureStatus(true, FailureKindUnsupported))
}

func TestDependentFailureStatusSplitsToplevelVsDependent(t *testing.T) {
	require.Equal(t, BuildStatusFailed, DependentFailureStatus(true, FailureKindBuild))
	require.Equal(t, BuildStatusDepFailed, DependentFailureStatus(false, FailureKindBuild))
}

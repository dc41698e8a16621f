package models

import (
	"database/sql/driver"
	"fmt"
)

const (
	// FailureKindPreparing covers gcroot creation and other local setup
	// that happens before any work is handed to the builder. Retryable.
	FailureKindPreparing FailureKind = "PreparingFailure"
	// FailureKindImport covers fetching or importing the input closure.
	// Retryable.
	FailureKindImport FailureKind = "ImportFailure"
	// FailureKindBuild means the builder itself returned a non-zero exit
	// code. Terminal, and the failure is cached so future attempts to
	// build the same drv_path are short-circuited.
	FailureKindBuild FailureKind = "BuildFailure"
	// FailureKindUpload covers streaming outputs to the cache after a
	// successful build. Retryable.
	FailureKindUpload FailureKind = "UploadFailure"
	// FailureKindPostProcessing covers the metadata commit following a
	// successful upload. Retryable.
	FailureKindPostProcessing FailureKind = "PostProcessingFailure"
	// FailureKindAborted is raised when the orchestrator itself cancels a
	// step in flight (e.g. capacity reclaim). Retryable.
	FailureKindAborted FailureKind = "Aborted"
	// FailureKindCancelled is raised by a user-initiated queue change.
	// Retryable, but deliberately not reported to the user as a failure.
	FailureKindCancelled FailureKind = "Cancelled"
	// FailureKindCachedFailure is raised when a Step's drv_path hit a
	// previously recorded failed-path entry. Terminal, never retried.
	FailureKindCachedFailure FailureKind = "CachedFailure"
	// FailureKindUnsupported is raised when no machine ever supports the
	// step's system/features within max_unsupported_time. Terminal.
	FailureKindUnsupported FailureKind = "Unsupported"
)

// FailureKind classifies why a Step or Build stopped being runnable.
type FailureKind string

// Retryable reports whether a Step that failed with this kind should be
// requeued with backoff (subject to max_retries) rather than transitioning
// straight to a terminal DB status.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureKindPreparing, FailureKindImport, FailureKindUpload, FailureKindPostProcessing,
		FailureKindAborted, FailureKindCancelled:
		return true
	case FailureKindBuild, FailureKindCachedFailure, FailureKindUnsupported:
		return false
	default:
		return false
	}
}

// Cacheable reports whether this failure kind should be recorded in the
// failedpaths table so later create_step calls for the same drv_path can
// short-circuit straight to PreviousFailure.
func (k FailureKind) Cacheable() bool {
	return k == FailureKindBuild
}

// Reported reports whether this failure kind should be surfaced to the user
// as a build failure, as opposed to silently requeued.
func (k FailureKind) Reported() bool {
	return k != FailureKindCancelled
}

func (k FailureKind) Valid() bool {
	switch k {
	case FailureKindPreparing, FailureKindImport, FailureKindBuild, FailureKindUpload,
		FailureKindPostProcessing, FailureKindAborted, FailureKindCancelled,
		FailureKindCachedFailure, FailureKindUnsupported:
		return true
	default:
		return false
	}
}

func (k FailureKind) String() string {
	return string(k)
}

func (k *FailureKind) Scan(src interface{}) error {
	if src == nil {
		*k = ""
		return nil
	}
	switch t := src.(type) {
	case string:
		*k = FailureKind(t)
	case []byte:
		*k = FailureKind(t)
	default:
		return fmt.Errorf("error expected string for failure kind, found %T", src)
	}
	return nil
}

func (k FailureKind) Value() (driver.Value, error) {
	if k == "" {
		return nil, nil
	}
	return string(k), nil
}

// BuildStatus is the terminal (or in-flight) status recorded against a Build
// or Step row once the outcome is known.
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusDepFailed BuildStatus = "dep-failed"
	BuildStatusAborted   BuildStatus = "aborted"
	BuildStatusCancelled BuildStatus = "cancelled"
	BuildStatusCached    BuildStatus = "cached"
)

func (s BuildStatus) String() string {
	return string(s)
}

func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusQueued, BuildStatusRunning, BuildStatusSucceeded, BuildStatusFailed,
		BuildStatusDepFailed, BuildStatusAborted, BuildStatusCancelled, BuildStatusCached:
		return true
	default:
		return false
	}
}

func (s BuildStatus) Finished() bool {
	switch s {
	case BuildStatusSucceeded, BuildStatusFailed, BuildStatusDepFailed, BuildStatusAborted,
		BuildStatusCancelled, BuildStatusCached:
		return true
	default:
		return false
	}
}

func (s *BuildStatus) Scan(src interface{}) error {
	if src == nil {
		*s = ""
		return nil
	}
	switch t := src.(type) {
	case string:
		*s = BuildStatus(t)
	case []byte:
		*s = BuildStatus(t)
	default:
		return fmt.Errorf("error expected string for build status, found %T", src)
	}
	return nil
}

func (s BuildStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// DependentFailureStatus returns the BuildStatus to record against a Build
// whose toplevel Step (isToplevel) or one of whose dependency Steps failed
// with cause: Failed for the toplevel, DepFailed otherwise. CachedFailure
// and Unsupported each give one status on every affected Build, toplevel or
// not: CachedFailure gives DepFailed and Unsupported gives Aborted.
// BuildStatus has no cached-failure or unsupported value, so neither cause
// is recorded under its own code.
func DependentFailureStatus(isToplevel bool, cause FailureKind) BuildStatus {
	switch cause {
	case FailureKindCachedFailure:
		return BuildStatusDepFailed
	case FailureKindUnsupported:
		return BuildStatusAborted
	default:
		if isToplevel {
			return BuildStatusFailed
		}
		return BuildStatusDepFailed
	}
}

package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	BuildResourceKind ResourceKind = "build"
)

type BuildID struct {
	ResourceID
}

func NewBuildID() BuildID {
	return BuildID{ResourceID: NewResourceID(BuildResourceKind)}
}

func BuildIDFromResourceID(id ResourceID) BuildID {
	return BuildID{ResourceID: id}
}

// Build is a user-visible request to realize a recipe. It owns a weak
// reference chain through its ToplevelStepID and is held strongly in the
// orchestrator's builds table until FinishedInDB is true; after that it is
// no longer eligible for further status writes.
type Build struct {
	ID        BuildID `json:"id" goqu:"skipupdate" db:"build_id"`
	CreatedAt Time    `json:"created_at" goqu:"skipupdate" db:"build_created_at"`
	UpdatedAt Time    `json:"updated_at" db:"build_updated_at"`
	ETag      ETag    `json:"etag" db:"build_etag" hash:"ignore"`
	// DrvPath is the recipe this build realizes. Combined with JobsetID this
	// is how the Queue Monitor resolves the build's toplevel Step.
	DrvPath DrvPath `json:"drv_path" db:"build_drv_path"`
	// JobsetID is the fairness group this build is scheduled under.
	JobsetID JobsetID `json:"jobset_id" db:"build_jobset_id"`
	// Name is the human-facing identifier for the build (e.g. a release name).
	Name ResourceName `json:"name" db:"build_name"`
	// Timestamp is when the build was queued.
	Timestamp Time `json:"timestamp" goqu:"skipupdate" db:"build_timestamp"`
	// MaxSilentTime is the number of seconds the builder may run without
	// producing output before being killed, 0 meaning no limit.
	MaxSilentTime int64 `json:"max_silent_time" db:"build_max_silent_time"`
	// Timeout is the number of seconds the builder may run in total before
	// being killed, 0 meaning no limit.
	Timeout int64 `json:"timeout" db:"build_timeout"`
	// LocalPriority is set by the submitter and only affects ordering within
	// this build's own jobset.
	LocalPriority int64 `json:"local_priority" db:"build_local_priority"`
	// GlobalPriority affects ordering across all jobsets and is the primary
	// sort key used by refresh() and the dispatcher's fair-share comparator.
	GlobalPriority int64 `json:"global_priority" db:"build_global_priority"`
	// FinishedInDB is true once the Result Commit transaction has written a
	// terminal outcome for this build; once true the build is no longer
	// present in the runtime builds projection.
	FinishedInDB bool `json:"finished_in_db" db:"build_finished_in_db"`
	// ToplevelStepID is the Step realizing DrvPath for this Build. Empty
	// until create_build() has run create_step() for the first time.
	ToplevelStepID *StepID `json:"toplevel_step_id,omitempty" db:"build_toplevel_step_id"`
	// Status is the outcome once FinishedInDB is true; zero value while the
	// build is still in flight.
	Status BuildStatus `json:"status" db:"build_status"`
	// FailureKind records why Status became a failure outcome, empty on
	// success or while still in flight.
	FailureKind FailureKind `json:"failure_kind,omitempty" db:"build_failure_kind"`
	// IsCachedBuild is true if the toplevel Step serviced a different Build
	// than the one whose toplevel it originally was.
	IsCachedBuild bool `json:"is_cached_build" db:"build_is_cached_build"`
	// Size is the total size in bytes of this build's direct outputs.
	Size int64 `json:"size" db:"build_size"`
	// ClosureSize is the total size in bytes of this build's outputs plus
	// their transitive runtime closure.
	ClosureSize int64 `json:"closure_size" db:"build_closure_size"`
	// ReleaseName is an optional human-readable release identifier extracted
	// from the build's outputs (nix_support/hydra-release-name).
	ReleaseName string `json:"release_name,omitempty" db:"build_release_name"`
	// NotificationPendingSince is set to the stop time when the build
	// finishes, and cleared once a build_finished NOTIFY has been
	// successfully delivered and acknowledged.
	NotificationPendingSince *Time `json:"notification_pending_since,omitempty" db:"build_notification_pending_since"`
}

func NewBuild(
	now Time,
	drvPath DrvPath,
	jobsetID JobsetID,
	name ResourceName,
	maxSilentTime int64,
	timeout int64,
	localPriority int64,
	globalPriority int64,
) *Build {
	return &Build{
		ID:             NewBuildID(),
		CreatedAt:      now,
		UpdatedAt:      now,
		DrvPath:        drvPath,
		JobsetID:       jobsetID,
		Name:           name,
		Timestamp:      now,
		MaxSilentTime:  maxSilentTime,
		Timeout:        timeout,
		LocalPriority:  localPriority,
		GlobalPriority: globalPriority,
		FinishedInDB:   false,
	}
}

func (m *Build) GetKind() ResourceKind {
	return BuildResourceKind
}

func (m *Build) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Build) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *Build) GetName() ResourceName {
	return m.Name
}

func (m *Build) GetUpdatedAt() Time {
	return m.UpdatedAt
}

func (m *Build) SetUpdatedAt(t Time) {
	m.UpdatedAt = t
}

func (m *Build) GetETag() ETag {
	return m.ETag
}

func (m *Build) SetETag(eTag ETag) {
	m.ETag = eTag
}

// IsUnreachable reports whether this build has left the runtime projection;
// once FinishedInDB is true the build is no longer eligible for status
// writes and the Queue Monitor will not load it on the next refresh.
func (m *Build) IsUnreachable() bool {
	return m.FinishedInDB
}

func (m *Build) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if !m.DrvPath.Valid() {
		result = multierror.Append(result, errors.New("error drv path must be set"))
	}
	if !m.JobsetID.Valid() {
		result = multierror.Append(result, errors.New("error jobset id must be set"))
	}
	if err := m.Name.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if m.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	if m.Timestamp.IsZero() {
		result = multierror.Append(result, errors.New("error timestamp must be set"))
	}
	if m.MaxSilentTime < 0 {
		result = multierror.Append(result, errors.New("error max silent time must not be negative"))
	}
	if m.Timeout < 0 {
		result = multierror.Append(result, errors.New("error timeout must not be negative"))
	}
	if m.FinishedInDB {
		if m.Status == "" {
			result = multierror.Append(result, errors.New("error status must be set once finished in db"))
		} else if !m.Status.Valid() {
			result = multierror.Append(result, errors.New("error status is invalid"))
		}
	}
	return result.ErrorOrNil()
}

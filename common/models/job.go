package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// AttemptResourceKind identifies an InternalBuildID, the opaque per-attempt
// handle the orchestrator hands a worker for the lifetime of one Job.
const AttemptResourceKind ResourceKind = "attempt"

// Job is the machine-local representation of a Step in flight: it is never
// persisted under its own table, existing only inside a Machine's jobs map
// and the wire protocol exchanged with the worker. It is the handle that
// lets the orchestrator correlate build_step_update/build_result frames back
// to the Step and attempt they belong to.
type Job struct {
	// InternalBuildID is the per-attempt opaque handle the orchestrator
	// hands to the worker in the Build frame; the worker echoes it back on
	// every subsequent frame for this attempt instead of DrvPath, so a
	// retry with a fresh attempt cannot be confused with a stale one.
	InternalBuildID ResourceID `json:"internal_build_id"`
	// DrvPath identifies the Step this Job is an attempt at.
	DrvPath DrvPath `json:"drv_path"`
	// ResolvedDrv is the parsed recipe sent to the worker, nil until the
	// orchestrator has resolved it (it always has, by the time a Job
	// exists, since create_step already did so).
	ResolvedDrv *Derivation `json:"resolved_drv,omitempty"`
	// BuildID is the Build this attempt is being billed/reported against.
	// When a Step services multiple Builds only one is chosen to own the
	// attempt rows; the others observe completion via rdeps.
	BuildID BuildID `json:"build_id"`
	// StepNr indexes into the buildsteps table of attempts for BuildID;
	// combined with BuildID it is the idempotency key Result Commit uses
	// (calling it twice for the same pair must write the same rows).
	StepNr int `json:"step_nr"`
	// MachineID is the Machine this Job is running on.
	MachineID MachineID `json:"machine_id"`
	// StartedAt records when the Build frame was sent to the worker.
	StartedAt Time `json:"started_at"`
	// Result is nil while the Job is in flight, populated once a
	// build_result frame has been received for InternalBuildID.
	Result *JobResult `json:"result,omitempty"`
}

// JobResult is the outcome reported by the worker for a single attempt.
type JobResult struct {
	Success      bool        `json:"success"`
	FailureKind  FailureKind `json:"failure_kind,omitempty"`
	TimesBuilt   int         `json:"times_built"`
	NonDeterministic bool    `json:"non_deterministic"`
	ImportTimeMs int64       `json:"import_time_ms"`
	UploadTimeMs int64       `json:"upload_time_ms"`
	StoppedAt    Time        `json:"stopped_at"`
}

func NewJob(now Time, drvPath DrvPath, drv *Derivation, buildID BuildID, stepNr int, machineID MachineID) *Job {
	return &Job{
		InternalBuildID: NewResourceID(AttemptResourceKind),
		DrvPath:         drvPath,
		ResolvedDrv:     drv,
		BuildID:         buildID,
		StepNr:          stepNr,
		MachineID:       machineID,
		StartedAt:       now,
	}
}

func (m *Job) Validate() error {
	var result *multierror.Error
	if !m.InternalBuildID.Valid() {
		result = multierror.Append(result, errors.New("error internal build id must be set"))
	}
	if !m.DrvPath.Valid() {
		result = multierror.Append(result, errors.New("error drv path must be set"))
	}
	if !m.BuildID.Valid() {
		result = multierror.Append(result, errors.New("error build id must be set"))
	}
	if m.StepNr <= 0 {
		result = multierror.Append(result, errors.New("error step nr must be positive"))
	}
	if !m.MachineID.Valid() {
		result = multierror.Append(result, errors.New("error machine id must be set"))
	}
	return result.ErrorOrNil()
}

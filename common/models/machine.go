package models

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const MachineResourceKind ResourceKind = "machine"

type MachineID struct {
	ResourceID
}

func NewMachineID() MachineID {
	return MachineID{ResourceID: NewResourceID(MachineResourceKind)}
}

func MachineIDFromResourceID(id ResourceID) MachineID {
	return MachineID{ResourceID: id}
}

// MachineThresholds caps how much concurrent work the Worker Registry is
// willing to place on a Machine, independent of MaxJobs.
type MachineThresholds struct {
	// MaxLoad1 is the highest 1-minute load average the dispatcher will
	// schedule new work at; above it the Machine is treated as saturated.
	MaxLoad1 float64 `json:"max_load1"`
	// MaxMemoryPressure is the highest PSI "some" memory pressure average
	// the dispatcher will schedule new work at.
	MaxMemoryPressure float64 `json:"max_memory_pressure"`
	// MinFreeDiskPercent is the lowest free disk percentage the dispatcher
	// will schedule new work at.
	MinFreeDiskPercent float64 `json:"min_free_disk_percent"`
}

// MachineStats carries the live pressure metrics a Machine reports on every
// ping: load averages, PSI (pressure stall information) for cpu/mem/io, free
// disk percentage, and running upload/download counts. These feed both the
// eligibility and scoring functions in the Worker Registry.
type MachineStats struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`

	PSICPUSome float64 `json:"psi_cpu_some"`
	PSIMemSome float64 `json:"psi_mem_some"`
	PSIIOSome  float64 `json:"psi_io_some"`

	DiskFreePercent float64 `json:"disk_free_percent"`

	UploadsInProgress   int64 `json:"uploads_in_progress"`
	DownloadsInProgress int64 `json:"downloads_in_progress"`

	CurrentJobs int64 `json:"current_jobs"`

	SuccessfulPollCount int64 `json:"successful_poll_count"`
	FailedPollCount     int64 `json:"failed_poll_count"`
}

// Machine is a worker connected to the orchestrator. It is created on worker
// join and destroyed on worker disconnect (see Worker Registry); it is
// strongly owned by the registry's by-UUID index, never by a Step or Build.
type Machine struct {
	ID        MachineID `json:"id" goqu:"skipupdate" db:"machine_id"`
	CreatedAt Time      `json:"created_at" goqu:"skipupdate" db:"machine_created_at"`
	UpdatedAt Time      `json:"updated_at" db:"machine_updated_at"`
	ETag      ETag      `json:"etag" db:"machine_etag" hash:"ignore"`

	// Hostname identifies the Machine to operators; not used for matching.
	Hostname string `json:"hostname" db:"machine_hostname"`
	// Systems is the set of Nix system tuples this Machine can build for
	// (e.g. "x86_64-linux", "aarch64-linux" under emulation).
	Systems Labels `json:"systems" db:"machine_systems"`
	// Features is the set of optional system features this Machine offers
	// (e.g. "kvm", "big-parallel").
	Features Labels `json:"features" db:"machine_features"`
	// MandatoryFeatures is the set of features this Machine will refuse to
	// build anything without, restricting it to a narrower step set than
	// Systems alone would imply.
	MandatoryFeatures Labels `json:"mandatory_features" db:"machine_mandatory_features"`

	CPUCount    int     `json:"cpu_count" db:"machine_cpu_count"`
	Bogomips    float64 `json:"bogomips" db:"machine_bogomips"`
	SpeedFactor float64 `json:"speed_factor" db:"machine_speed_factor"`
	MaxJobs     int     `json:"max_jobs" db:"machine_max_jobs"`

	Thresholds MachineThresholds `json:"thresholds" db:"machine_thresholds"`

	// Substituters is the list of binary cache URLs this Machine is
	// configured to probe before building.
	Substituters []string `json:"substituters" db:"machine_substituters"`
	// UseSubstitutes mirrors the build-users-group use-substitutes setting;
	// when false, create_step skips the substitution probe for work placed
	// on this Machine.
	UseSubstitutes bool `json:"use_substitutes" db:"machine_use_substitutes"`

	NixVersion string `json:"nix_version" db:"machine_nix_version"`

	mu   sync.Mutex
	jobs map[DrvPath]*Job

	// stats is swapped atomically on every ping so readers never observe a
	// torn struct and never block the ping handler.
	stats atomic.Pointer[MachineStats]

	// submittedRecently records submission timestamps (unix nanos) within
	// the eligibility window, used to detect a Machine exceeding the
	// burst-submission limit (more than 4 builds within 30s while >= 4 are
	// already in flight).
	submittedRecently []int64
}

func NewMachine(
	now Time,
	hostname string,
	systems Labels,
	features Labels,
	mandatoryFeatures Labels,
	cpuCount int,
	bogomips float64,
	speedFactor float64,
	maxJobs int,
	thresholds MachineThresholds,
	substituters []string,
	useSubstitutes bool,
	nixVersion string,
) *Machine {
	m := &Machine{
		ID:                NewMachineID(),
		CreatedAt:         now,
		UpdatedAt:         now,
		Hostname:          hostname,
		Systems:           systems,
		Features:          features,
		MandatoryFeatures: mandatoryFeatures,
		CPUCount:          cpuCount,
		Bogomips:          bogomips,
		SpeedFactor:       speedFactor,
		MaxJobs:           maxJobs,
		Thresholds:        thresholds,
		Substituters:      substituters,
		UseSubstitutes:    useSubstitutes,
		NixVersion:        nixVersion,
		jobs:              make(map[DrvPath]*Job),
	}
	m.stats.Store(&MachineStats{})
	return m
}

func (m *Machine) GetKind() ResourceKind {
	return MachineResourceKind
}

func (m *Machine) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Machine) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *Machine) GetUpdatedAt() Time {
	return m.UpdatedAt
}

func (m *Machine) SetUpdatedAt(t Time) {
	m.UpdatedAt = t
}

func (m *Machine) GetETag() ETag {
	return m.ETag
}

func (m *Machine) SetETag(eTag ETag) {
	m.ETag = eTag
}

// Stats returns the most recently reported pressure metrics for this
// Machine. Safe for concurrent use; never blocks a concurrent UpdateStats.
func (m *Machine) Stats() MachineStats {
	return *m.stats.Load()
}

// UpdateStats atomically swaps in a freshly reported snapshot, overwriting
// CurrentJobs with the Machine's own live job count so stats.current_jobs
// always equals sum(m.jobs) regardless of what the worker reported.
func (m *Machine) UpdateStats(snapshot MachineStats) {
	snapshot.CurrentJobs = int64(m.JobCount())
	m.stats.Store(&snapshot)
}

// SupportsSystem reports whether this Machine can build for the given
// system tuple.
func (m *Machine) SupportsSystem(system string) bool {
	for _, s := range m.Systems {
		if s.String() == system {
			return true
		}
	}
	return false
}

// SupportsFeatures reports whether this Machine offers every feature in
// required, and whether every one of its MandatoryFeatures is present in
// required (a Machine with mandatory features will only accept steps that
// explicitly ask for them).
func (m *Machine) SupportsFeatures(required []string) bool {
	offered := make(map[string]bool, len(m.Features)+len(m.MandatoryFeatures))
	for _, f := range m.Features {
		offered[f.String()] = true
	}
	for _, f := range m.MandatoryFeatures {
		offered[f.String()] = true
	}
	for _, f := range required {
		if !offered[f] {
			return false
		}
	}
	requiredSet := make(map[string]bool, len(required))
	for _, f := range required {
		requiredSet[f] = true
	}
	for _, f := range m.MandatoryFeatures {
		if !requiredSet[f.String()] {
			return false
		}
	}
	return true
}

// AddJob records a Job as running on this Machine, keyed by the Step's
// DrvPath so at most one active Job per drv_path can exist across all
// machines (enforced by the registry, not here).
func (m *Machine) AddJob(j *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.DrvPath] = j
}

func (m *Machine) RemoveJob(drvPath DrvPath) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, drvPath)
}

func (m *Machine) JobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *Machine) Jobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}

// HasCapacity reports whether this Machine can accept one more Job given
// MaxJobs and its most recently reported pressure thresholds.
func (m *Machine) HasCapacity() bool {
	if m.JobCount() >= m.MaxJobs {
		return false
	}
	stats := m.Stats()
	if m.Thresholds.MaxLoad1 > 0 && stats.Load1 > m.Thresholds.MaxLoad1 {
		return false
	}
	if m.Thresholds.MaxMemoryPressure > 0 && stats.PSIMemSome > m.Thresholds.MaxMemoryPressure {
		return false
	}
	if m.Thresholds.MinFreeDiskPercent > 0 && stats.DiskFreePercent < m.Thresholds.MinFreeDiskPercent {
		return false
	}
	return true
}

// RecordSubmission notes a new Job submission at nowNanos and prunes entries
// older than windowNanos, for use by the burst-submission eligibility check
// (more than 4 submissions within 30s while >= 4 Jobs are already active
// drops eligibility until the window rolls).
func (m *Machine) RecordSubmission(nowNanos int64, windowNanos int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := nowNanos - windowNanos
	kept := m.submittedRecently[:0]
	for _, t := range m.submittedRecently {
		if t >= cutoff {
			kept = append(kept, t)
		}
	}
	kept = append(kept, nowNanos)
	m.submittedRecently = kept
	return len(m.submittedRecently)
}

func (m *Machine) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if m.Hostname == "" {
		result = multierror.Append(result, errors.New("error hostname must be set"))
	}
	if len(m.Systems) == 0 {
		result = multierror.Append(result, errors.New("error at least one system must be set"))
	}
	if m.MaxJobs <= 0 {
		result = multierror.Append(result, errors.New("error max jobs must be positive"))
	}
	if m.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	return result.ErrorOrNil()
}

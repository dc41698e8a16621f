package models

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const StepResourceKind ResourceKind = "step"

type StepID struct {
	ResourceID
}

func NewStepID() StepID {
	return StepID{ResourceID: NewResourceID(StepResourceKind)}
}

func StepIDFromResourceID(id ResourceID) StepID {
	return StepID{ResourceID: id}
}

// Step is a node in the recipe DAG shared by every Build that transitively
// depends on it. DrvPath is its immutable identity: two Steps with the same
// DrvPath are the same Step, which is why the Queue Monitor's create_step
// dedups on it rather than minting a fresh Step per referring Build.
//
// Deps is a strong ownership edge - a Step keeps its dependencies alive.
// RDeps and Builds are weak back-references used only for traversal
// (make_rdeps_runnable, cancellation when a Build set empties); they must
// never be the only thing keeping a Step reachable. Lifecycle:
// unfinished -> runnable -> scheduled -> finished|retryable|failed.
type Step struct {
	ID        StepID `json:"id" goqu:"skipupdate" db:"step_id"`
	CreatedAt Time   `json:"created_at" goqu:"skipupdate" db:"step_created_at"`
	UpdatedAt Time   `json:"updated_at" db:"step_updated_at"`
	ETag      ETag   `json:"etag" db:"step_etag" hash:"ignore"`

	// DrvPath is the immutable identity of this Step.
	DrvPath DrvPath `json:"drv_path" db:"step_drv_path"`
	// Derivation is the parsed recipe, nil until the Queue Monitor has
	// successfully resolved it from the store (query_drv).
	Derivation *Derivation `json:"derivation,omitempty" db:"-"`

	mu sync.Mutex
	// deps holds the set of Steps this Step strongly depends on, keyed by
	// DrvPath. A Step is runnable iff Created && !Finished && deps.is_empty().
	deps map[DrvPath]*Step
	// rdeps holds weak back-references to Steps that depend on this one,
	// keyed by DrvPath. Used by make_rdeps_runnable to propagate
	// completion without itself granting ownership.
	rdeps map[DrvPath]*Step
	// builds holds weak back-references to every Build whose transitive
	// closure reaches this Step, keyed by BuildID.
	builds map[BuildID]*Build
	// jobsets holds every Jobset whose Build reaches this Step, attached by
	// priority propagation so fairness accounting can charge the right
	// groups once the Step finishes.
	jobsets map[JobsetID]*Jobset

	// Created is set true once create_step has finished constructing this
	// Step's dependency edges; only then is it observable to the Dispatcher.
	Created bool `json:"created" db:"step_created"`
	// Runnable is true once deps.is_empty() and Created; maintained
	// alongside the deps set rather than recomputed on every read so the
	// Dispatcher can cheaply scan for newly-runnable Steps.
	Runnable bool `json:"runnable" db:"step_runnable"`
	// Finished is true once this Step has reached a terminal outcome
	// (success or non-retryable failure).
	Finished bool `json:"finished" db:"step_finished"`
	// PreviousFailure is true if create_step found a cached-failed output
	// for this DrvPath in failedpaths; such a Step is never scheduled.
	PreviousFailure bool `json:"previous_failure" db:"step_previous_failure"`
	// FailureKind records why Finished became true with a failure outcome.
	FailureKind FailureKind `json:"failure_kind,omitempty" db:"step_failure_kind"`

	// Tries counts build attempts so far; a Step transitions to terminal
	// failure once Tries reaches the dispatcher's configured max_retries.
	tries int32

	// highestGlobalPriority and highestLocalPriority are updated via
	// relaxed atomic max during priority propagation and never decrease.
	highestGlobalPriority int64
	highestLocalPriority  int64
	// lowestBuildIDSeen never increases once set; it holds the lowest build
	// ordinal propagated so far, used only for comparator tie-breaks.
	lowestBuildIDSeen uint64

	// After, when non-zero, disables scheduling of this Step until that
	// time is reached (used for delayed retries).
	After Time `json:"after" db:"step_after"`
	// RunnableSince records when this Step most recently became runnable,
	// used to compute BuildQueue.avg_runnable_time and wait_time_ms.
	RunnableSince *Time `json:"runnable_since,omitempty" db:"step_runnable_since"`
	// LastSupported is bumped every dispatch pass in which at least one
	// Machine capable of running this Step was present; if now exceeds
	// LastSupported by more than max_unsupported_time with zero capable
	// machines the Step is aborted as Unsupported.
	LastSupported Time `json:"last_supported" db:"step_last_supported"`
}

func NewStep(now Time, drvPath DrvPath) *Step {
	return &Step{
		ID:            NewStepID(),
		CreatedAt:     now,
		UpdatedAt:     now,
		DrvPath:       drvPath,
		deps:          make(map[DrvPath]*Step),
		rdeps:         make(map[DrvPath]*Step),
		builds:        make(map[BuildID]*Build),
		jobsets:       make(map[JobsetID]*Jobset),
		LastSupported: now,
	}
}

func (m *Step) GetKind() ResourceKind {
	return StepResourceKind
}

func (m *Step) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Step) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *Step) GetUpdatedAt() Time {
	return m.UpdatedAt
}

func (m *Step) SetUpdatedAt(t Time) {
	m.UpdatedAt = t
}

func (m *Step) GetETag() ETag {
	return m.ETag
}

func (m *Step) SetETag(eTag ETag) {
	m.ETag = eTag
}

// AddDep attaches a strong dependency edge and its matching weak rdep edge,
// and recomputes Runnable. Idempotent: adding the same dep twice is a no-op.
func (m *Step) AddDep(dep *Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deps[dep.DrvPath]; ok {
		return
	}
	m.deps[dep.DrvPath] = dep
	dep.addRDep(m)
	m.recomputeRunnableLocked()
}

func (m *Step) addRDep(rdep *Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rdeps[rdep.DrvPath] = rdep
}

// RemoveDep drops a previously-satisfied dependency, used by
// make_rdeps_runnable once the dependency itself has finished. Returns true
// if removing it made this Step newly runnable.
func (m *Step) RemoveDep(depPath DrvPath) (becameRunnable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deps, depPath)
	wasRunnable := m.Runnable
	m.recomputeRunnableLocked()
	return m.Runnable && !wasRunnable
}

func (m *Step) recomputeRunnableLocked() {
	m.Runnable = m.Created && !m.Finished && len(m.deps) == 0
}

// DepsEmpty reports whether all of this Step's dependencies have been
// removed, i.e. whether it is a candidate for becoming runnable.
func (m *Step) DepsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deps) == 0
}

// Deps returns a snapshot of the strong dependency set.
func (m *Step) Deps() []*Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Step, 0, len(m.deps))
	for _, d := range m.deps {
		out = append(out, d)
	}
	return out
}

// RDeps returns a snapshot of the weak reverse-dependency set.
func (m *Step) RDeps() []*Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Step, 0, len(m.rdeps))
	for _, d := range m.rdeps {
		out = append(out, d)
	}
	return out
}

// AttachBuild records a weak back-reference from this Step to a Build whose
// transitive closure reaches it. Builds is used for reference counting
// (whether the Step should still be held onto) and for cancellation when a
// Build is removed from the queue.
func (m *Step) AttachBuild(b *Build) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds[b.ID] = b
}

// DetachBuild removes the weak back-reference; if no Builds and no parent
// Step reference this Step any longer it is eligible for GC by the caller.
func (m *Step) DetachBuild(id BuildID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.builds, id)
}

// BuildRefCount returns the number of Builds currently holding a weak
// reference to this Step, used to decide whether the Step has decayed.
func (m *Step) BuildRefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.builds)
}

// Builds returns every Build currently holding a weak reference to this
// Step, used to pick a billing owner for a fresh attempt.
func (m *Step) Builds() []*Build {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Build, 0, len(m.builds))
	for _, b := range m.builds {
		out = append(out, b)
	}
	return out
}

// AttachJobset records that a Build in this Jobset reaches the Step, so
// fairness accounting and priority propagation visit it.
func (m *Step) AttachJobset(js *Jobset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsets[js.ID] = js
}

func (m *Step) Jobsets() []*Jobset {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Jobset, 0, len(m.jobsets))
	for _, js := range m.jobsets {
		out = append(out, js)
	}
	return out
}

// Tries returns the number of build attempts made so far.
func (m *Step) Tries() int {
	return int(atomic.LoadInt32(&m.tries))
}

// IncrementTries records another attempt and returns the new count.
func (m *Step) IncrementTries() int {
	return int(atomic.AddInt32(&m.tries, 1))
}

// HighestGlobalPriority returns the highest global priority propagated into
// this Step so far.
func (m *Step) HighestGlobalPriority() int64 {
	return atomic.LoadInt64(&m.highestGlobalPriority)
}

// HighestLocalPriority returns the highest local priority propagated into
// this Step so far.
func (m *Step) HighestLocalPriority() int64 {
	return atomic.LoadInt64(&m.highestLocalPriority)
}

// PropagateGlobalPriority applies a relaxed atomic max; highest_global_priority
// never decreases, making repeated propagation idempotent.
func (m *Step) PropagateGlobalPriority(p int64) {
	atomicMaxInt64(&m.highestGlobalPriority, p)
}

// PropagateLocalPriority applies a relaxed atomic max; highest_local_priority
// never decreases.
func (m *Step) PropagateLocalPriority(p int64) {
	atomicMaxInt64(&m.highestLocalPriority, p)
}

// PropagateLowestBuildID applies a relaxed atomic min over the build
// ordinals passed in; lowest_build_id never increases once set.
func (m *Step) PropagateLowestBuildID(ordinal uint64) {
	atomicMinUint64(&m.lowestBuildIDSeen, ordinal)
}

func (m *Step) LowestBuildIDOrdinal() uint64 {
	return atomic.LoadUint64(&m.lowestBuildIDSeen)
}

func atomicMaxInt64(addr *int64, v int64) {
	for {
		cur := atomic.LoadInt64(addr)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(addr, cur, v) {
			return
		}
	}
}

func atomicMinUint64(addr *uint64, v uint64) {
	for {
		cur := atomic.LoadUint64(addr)
		if cur != 0 && v >= cur {
			return
		}
		if atomic.CompareAndSwapUint64(addr, cur, v) {
			return
		}
	}
}

func (m *Step) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if !m.DrvPath.Valid() {
		result = multierror.Append(result, errors.New("error drv path must be set"))
	}
	if m.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	if m.Finished && m.Runnable {
		result = multierror.Append(result, errors.New("error step cannot be both finished and runnable"))
	}
	return result.ErrorOrNil()
}

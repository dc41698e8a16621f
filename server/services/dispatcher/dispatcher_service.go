// Package dispatcher implements the Dispatcher: it transforms runnable Steps
// into per-system priority queues, orders them fairly, and places them on
// eligible Machines under capacity constraints, driving retries,
// cancellations, and unsupported-step aborts.
package dispatcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/services"
	"github.com/buildbeaver/buildbeaver/server/store"
)

// RetryPolicy configures how a retryable failure is rescheduled.
type RetryPolicy struct {
	MaxRetries          int
	RetryInterval       time.Duration
	RetryBackoff        float64
	MaxUnsupportedTime  time.Duration
	DispatchTriggerTime time.Duration
}

// DefaultRetryPolicy matches the teacher's queue service defaults scaled to
// this domain's retry semantics.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:          5,
	RetryInterval:       10 * time.Second,
	RetryBackoff:        2.0,
	MaxUnsupportedTime:  10 * time.Minute,
	DispatchTriggerTime: 2 * time.Second,
}

// StepInfo is the scheduling projection of a Step held in a BuildQueue: the
// Step plus its system and placement flags. Sort keys are read from the Step
// on every resort.
type StepInfo struct {
	Step      *models.Step
	System    string
	Scheduled bool
	Cancelled bool
}

// BuildQueue is the ordered, per-system queue of runnable Steps.
type BuildQueue struct {
	System string
	steps  []*StepInfo

	ActiveRunnable      int
	TotalRunnable       int
	NrRunnableWaiting   int
	NrRunnableDisabled  int
}

// Queues owns every per-system BuildQueue plus the flat jobs/scheduled
// indexes used to dedup and look up in-flight Steps.
type Queues struct {
	mu        sync.Mutex
	inner     map[string]*BuildQueue
	jobs      map[models.DrvPath]*StepInfo
	scheduled map[models.DrvPath]scheduledEntry
	// attempts correlates a placed Step's InternalBuildID back to the Job
	// record a worker's frames will reference until the attempt completes.
	attempts map[models.ResourceID]*models.Job
}

type scheduledEntry struct {
	step    *models.Step
	system  string
	machine models.MachineID
	job     *models.Job
}

func newQueues() *Queues {
	return &Queues{
		inner:     make(map[string]*BuildQueue),
		jobs:      make(map[models.DrvPath]*StepInfo),
		scheduled: make(map[models.DrvPath]scheduledEntry),
		attempts:  make(map[models.ResourceID]*models.Job),
	}
}

// Service is the Dispatcher.
type Service struct {
	stepStore  store.StepStore
	buildStore store.BuildStore
	jobsetStore store.JobsetStore
	registry   services.RegistryService
	resultCommit services.ResultCommitService
	clock      clock.Clock
	sortMode   services.SchedulingSortMode
	eligibility services.EligibilityMode
	policy     RetryPolicy
	logger.Log

	queues *Queues

	notifyCh chan models.StepID
	placedCh chan Placement
}

// Placement is emitted every time placeQueue hands a Step to a Machine, so
// the Worker Protocol server can forward the corresponding Build frame over
// that Machine's tunnel.
type Placement struct {
	Job  *models.Job
	Step *models.Step
}

// Placements returns the channel of freshly scheduled attempts. The
// composition layer (server/app) is expected to drain it continuously and
// forward each one to the connected Machine's Worker Protocol session.
func (s *Service) Placements() <-chan Placement {
	return s.placedCh
}

// LookupJob resolves a worker-reported InternalBuildID back to the Job
// record created when its attempt was placed, for Result Commit to
// correlate a build_result frame with the Step it belongs to.
func (s *Service) LookupJob(internalBuildID models.ResourceID) (*models.Job, bool) {
	s.queues.mu.Lock()
	defer s.queues.mu.Unlock()
	job, ok := s.queues.attempts[internalBuildID]
	return job, ok
}

func (s *Service) newJobFor(step *models.Step, machineID models.MachineID) *models.Job {
	var buildID models.BuildID
	if builds := step.Builds(); len(builds) > 0 {
		buildID = builds[0].ID
	}
	return models.NewJob(models.NewTime(s.clock.Now()), step.DrvPath, step.Derivation, buildID, step.Tries()+1, machineID)
}

func NewService(
	stepStore store.StepStore,
	buildStore store.BuildStore,
	jobsetStore store.JobsetStore,
	registry services.RegistryService,
	resultCommit services.ResultCommitService,
	clock clock.Clock,
	sortMode services.SchedulingSortMode,
	eligibility services.EligibilityMode,
	policy RetryPolicy,
	logFactory logger.LogFactory,
) *Service {
	return &Service{
		stepStore:    stepStore,
		buildStore:   buildStore,
		jobsetStore:  jobsetStore,
		registry:     registry,
		resultCommit: resultCommit,
		clock:        clock,
		sortMode:     sortMode,
		eligibility:  eligibility,
		policy:       policy,
		Log:          logFactory("DispatcherService"),
		queues:       newQueues(),
		notifyCh:     make(chan models.StepID, 1024),
		placedCh:     make(chan Placement, 1024),
	}
}

var _ services.DispatcherService = (*Service)(nil)

// NotifyRunnable records that a Step has newly become runnable by queuing
// its id on notifyCh without blocking (dropped when the channel is full).
// Nothing reads notifyCh: the Step is placed by the next periodic Dispatch.
func (s *Service) NotifyRunnable(_ context.Context, stepID models.StepID) {
	select {
	case s.notifyCh <- stepID:
	default:
	}
}

// Dispatch runs one pass: snapshot the runnable set, resort queues, place as
// many Steps as capacity allows, then abort unsupported Steps. Jobset
// history is pruned by the Queue Monitor's PruneJobsets, not here.
func (s *Service) Dispatch(ctx context.Context) error {
	pagination := models.NewPagination(models.DefaultPaginationLimit, nil)
	for {
		runnable, cursor, err := s.stepStore.ListRunnable(ctx, nil, pagination)
		if err != nil {
			return fmt.Errorf("error listing runnable steps: %w", err)
		}
		for _, step := range runnable {
			s.enqueue(step)
		}
		if cursor == nil || cursor.Next == nil {
			break
		}
		pagination = models.NewPagination(models.DefaultPaginationLimit, cursor.Next)
	}

	s.queues.mu.Lock()
	queues := make([]*BuildQueue, 0, len(s.queues.inner))
	for _, q := range s.queues.inner {
		queues = append(queues, q)
	}
	s.queues.mu.Unlock()

	for _, q := range queues {
		s.resort(q)
		s.placeQueue(ctx, q)
	}

	return s.AbortUnsupported(ctx)
}

func (s *Service) enqueue(step *models.Step) {
	s.queues.mu.Lock()
	defer s.queues.mu.Unlock()
	if _, ok := s.queues.jobs[step.DrvPath]; ok {
		return
	}
	if _, ok := s.queues.scheduled[step.DrvPath]; ok {
		return
	}
	system := "builtin"
	if step.Derivation != nil && step.Derivation.System != "" {
		system = step.Derivation.System
	}
	info := &StepInfo{Step: step, System: system}
	s.queues.jobs[step.DrvPath] = info
	q, ok := s.queues.inner[system]
	if !ok {
		q = &BuildQueue{System: system}
		s.queues.inner[system] = q
	}
	q.steps = append(q.steps, info)
	q.TotalRunnable++
}

// resort orders a queue's Steps under the configured sort mode: higher
// global priority first, then lower jobset share used, then (WithRdeps mode
// only) more reverse dependencies, then higher local priority, then lower
// tie-break build id. Finished and cancelled entries are dropped first;
// scheduled entries stay in the queue and placeQueue skips them.
func (s *Service) resort(q *BuildQueue) {
	s.queues.mu.Lock()
	defer s.queues.mu.Unlock()

	live := q.steps[:0]
	for _, info := range q.steps {
		if info.Step.Finished || info.Cancelled {
			continue
		}
		live = append(live, info)
	}
	q.steps = live

	sort.SliceStable(q.steps, func(i, j int) bool {
		a, b := q.steps[i].Step, q.steps[j].Step
		if a.HighestGlobalPriority() != b.HighestGlobalPriority() {
			return a.HighestGlobalPriority() > b.HighestGlobalPriority()
		}
		shareA, shareB := s.lowestJobsetShare(a), s.lowestJobsetShare(b)
		if shareA != shareB {
			return shareA < shareB
		}
		if s.sortMode == services.SortModeWithRdeps {
			rdepsA, rdepsB := len(a.RDeps()), len(b.RDeps())
			if rdepsA != rdepsB {
				return rdepsA > rdepsB
			}
		}
		if a.HighestLocalPriority() != b.HighestLocalPriority() {
			return a.HighestLocalPriority() > b.HighestLocalPriority()
		}
		return a.LowestBuildIDOrdinal() < b.LowestBuildIDOrdinal()
	})
}

func (s *Service) lowestJobsetShare(step *models.Step) float64 {
	lowest := math.Inf(1)
	for _, js := range step.Jobsets() {
		used := js.ShareUsed()
		if used < lowest {
			lowest = used
		}
	}
	if math.IsInf(lowest, 1) {
		return 0
	}
	return lowest
}

// placeQueue walks one system's queue in priority order, placing as many
// Steps as the Worker Registry can find capacity for.
func (s *Service) placeQueue(ctx context.Context, q *BuildQueue) {
	now := s.clock.Now()
	s.queues.mu.Lock()
	steps := append([]*StepInfo(nil), q.steps...)
	s.queues.mu.Unlock()

	for _, info := range steps {
		step := info.Step
		if step.Finished || info.Scheduled {
			continue
		}
		if !step.After.IsZero() && step.After.Time.After(now) {
			continue
		}

		var requiredFeatures []string
		if step.Derivation != nil {
			requiredFeatures = step.Derivation.RequiredFeatures()
		}
		machine, ok := s.registry.SelectMachine(ctx, info.System, requiredFeatures, s.eligibility)
		if !ok {
			q.NrRunnableWaiting++
			continue
		}

		step.LastSupported = models.NewTime(now)
		job := s.newJobFor(step, machine.ID)

		s.queues.mu.Lock()
		info.Scheduled = true
		s.queues.scheduled[step.DrvPath] = scheduledEntry{step: step, system: info.System, machine: machine.ID, job: job}
		s.queues.attempts[job.InternalBuildID] = job
		delete(s.queues.jobs, step.DrvPath)
		s.queues.mu.Unlock()
		q.ActiveRunnable++

		select {
		case s.placedCh <- Placement{Job: job, Step: step}:
		default:
			s.Warnf("placement queue full, dropping notification for step %s", step.DrvPath)
		}

		s.Infof("scheduled step %s onto machine %s", step.DrvPath, machine.ID)
	}
}

// RetryOrFail applies the retry policy to a retryable failure.
func (s *Service) RetryOrFail(ctx context.Context, stepID models.StepID, kind models.FailureKind) error {
	if !kind.Retryable() {
		return s.resultCommit.CommitTerminalFailure(ctx, stepID, kind)
	}

	step, err := s.stepStore.Read(ctx, nil, stepID)
	if err != nil {
		return fmt.Errorf("error reading step %s for retry: %w", stepID, err)
	}

	tries := step.IncrementTries()
	if tries >= s.policy.MaxRetries {
		return s.resultCommit.CommitTerminalFailure(ctx, stepID, kind)
	}

	backoff := math.Pow(s.policy.RetryBackoff, float64(tries-1))
	delay := time.Duration(float64(s.policy.RetryInterval) * backoff)
	step.After = models.NewTime(s.clock.Now().Add(delay))
	step.FailureKind = kind

	s.queues.mu.Lock()
	if entry, ok := s.queues.scheduled[step.DrvPath]; ok {
		delete(s.queues.attempts, entry.job.InternalBuildID)
	}
	delete(s.queues.scheduled, step.DrvPath)
	s.queues.mu.Unlock()

	if err := s.stepStore.Update(ctx, nil, step); err != nil {
		return fmt.Errorf("error recording retry backoff for step %s: %w", stepID, err)
	}
	s.enqueue(step)
	return nil
}

// AbortUnsupported terminates any runnable Step whose last-supported
// timestamp is older than MaxUnsupportedTime.
func (s *Service) AbortUnsupported(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.policy.MaxUnsupportedTime)

	s.queues.mu.Lock()
	var stale []*models.Step
	for _, q := range s.queues.inner {
		for _, info := range q.steps {
			if info.Scheduled || info.Step.Finished {
				continue
			}
			if info.Step.LastSupported.Time.Before(cutoff) {
				stale = append(stale, info.Step)
			}
		}
	}
	s.queues.mu.Unlock()

	for _, step := range stale {
		if err := s.resultCommit.CommitTerminalFailure(ctx, step.ID, models.FailureKindUnsupported); err != nil {
			s.Errorf("error aborting unsupported step %s: %v", step.DrvPath, err)
		}
	}
	return nil
}

// CancelStep aborts a step once every Build depending on it has
// disappeared, suppressing further result writes for the in-flight attempt.
func (s *Service) CancelStep(ctx context.Context, stepID models.StepID) error {
	step, err := s.stepStore.Read(ctx, nil, stepID)
	if err != nil {
		return fmt.Errorf("error reading step %s for cancellation: %w", stepID, err)
	}

	s.queues.mu.Lock()
	if entry, ok := s.queues.scheduled[step.DrvPath]; ok {
		delete(s.queues.attempts, entry.job.InternalBuildID)
		delete(s.queues.scheduled, step.DrvPath)
		s.Infof("cancelled in-flight step %s on machine %s", step.DrvPath, entry.machine)
	}
	delete(s.queues.jobs, step.DrvPath)
	for _, q := range s.queues.inner {
		for _, info := range q.steps {
			if info.Step.DrvPath == step.DrvPath {
				info.Cancelled = true
			}
		}
	}
	s.queues.mu.Unlock()

	return s.resultCommit.CommitTerminalFailure(ctx, stepID, models.FailureKindCancelled)
}

// Package queuemonitor implements the Queue Monitor: the service that keeps
// the in-memory builds/steps/jobsets projection consistent with the
// database's unfinished-builds set, and expands each new Build into its
// recipe dependency DAG one Step at a time.
package queuemonitor

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/services"
	"github.com/buildbeaver/buildbeaver/server/store"
	"github.com/buildbeaver/buildbeaver/server/storeops"
)

const (
	// DefaultSubstitutionProbeConcurrency bounds how many IsValidPath/EnsurePath
	// calls create_step issues at once while probing for missing outputs.
	DefaultSubstitutionProbeConcurrency = 10
	// DefaultDependencyExpansionConcurrency bounds how many recursive
	// create_step calls run at once while expanding a recipe's input drvs.
	DefaultDependencyExpansionConcurrency = 25
	// staleJobsetWindow is the fairness window prune_jobsets discards step
	// timing history older than.
	staleJobsetWindow = 24 * time.Hour
)

// buildOrdinal derives a stable tie-break value from a BuildID for use with
// Step.PropagateLowestBuildID, since ResourceIDs are UUID-based rather than
// sequential. Two different BuildIDs may collide; ties just fall through to
// the comparator's next key, identically to a true lowest-id tie.
func buildOrdinal(id models.BuildID) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id.String()))
	return h.Sum64()
}

// Config carries the tunables for one Queue Monitor instance.
type Config struct {
	SubstitutionProbeConcurrency   int64
	DependencyExpansionConcurrency int64
	// UseSubstitutes enables the missing-output substitution probe; disabled
	// deployments skip straight to recursive dependency expansion.
	UseSubstitutes bool
}

// Service is the Queue Monitor. It owns the authoritative in-memory Step DAG:
// every Step reachable from an unfinished Build lives in steps, keyed by its
// immutable DrvPath identity so that two Builds sharing a dependency share
// the same Step rather than each getting their own copy.
type Service struct {
	db              *store.DB
	buildStore      store.BuildStore
	stepStore       store.StepStore
	jobsetStore     store.JobsetStore
	failedPathStore store.FailedPathStore
	storeOps        storeops.StoreOps
	dispatcher      services.DispatcherService
	fodCheck        services.FODCheckService
	clock           clock.Clock
	config          Config
	logger.Log

	mu     sync.Mutex
	steps  map[models.DrvPath]*models.Step
	builds map[models.BuildID]*models.Build

	probeSem *semaphore.Weighted
	depsSem  *semaphore.Weighted
}

func NewService(
	db *store.DB,
	buildStore store.BuildStore,
	stepStore store.StepStore,
	jobsetStore store.JobsetStore,
	failedPathStore store.FailedPathStore,
	storeOps storeops.StoreOps,
	dispatcher services.DispatcherService,
	fodCheck services.FODCheckService,
	clock clock.Clock,
	logFactory logger.LogFactory,
	config Config,
) *Service {
	if config.SubstitutionProbeConcurrency <= 0 {
		config.SubstitutionProbeConcurrency = DefaultSubstitutionProbeConcurrency
	}
	if config.DependencyExpansionConcurrency <= 0 {
		config.DependencyExpansionConcurrency = DefaultDependencyExpansionConcurrency
	}
	return &Service{
		db:              db,
		buildStore:      buildStore,
		stepStore:       stepStore,
		jobsetStore:     jobsetStore,
		failedPathStore: failedPathStore,
		storeOps:        storeOps,
		dispatcher:      dispatcher,
		fodCheck:        fodCheck,
		clock:           clock,
		config:          config,
		Log:             logFactory("QueueMonitorService"),
		steps:           make(map[models.DrvPath]*models.Step),
		builds:          make(map[models.BuildID]*models.Build),
		probeSem:        semaphore.NewWeighted(config.SubstitutionProbeConcurrency),
		depsSem:         semaphore.NewWeighted(config.DependencyExpansionConcurrency),
	}
}

var _ services.QueueMonitorService = (*Service)(nil)

// Refresh selects every unfinished build and calls CreateBuild on any not
// already tracked in memory, driving both cold start and periodic catch-up
// after a missed builds_added notification.
func (s *Service) Refresh(ctx context.Context) error {
	pagination := models.NewPagination(models.DefaultPaginationLimit, nil)
	for {
		builds, cursor, err := s.buildStore.ListUnfinished(ctx, nil, pagination)
		if err != nil {
			return fmt.Errorf("error listing unfinished builds: %w", err)
		}
		for _, build := range builds {
			s.mu.Lock()
			_, tracked := s.builds[build.ID]
			s.mu.Unlock()
			if tracked {
				continue
			}
			if err := s.CreateBuild(ctx, build); err != nil {
				s.Errorf("error creating build %s during refresh: %v", build.ID, err)
			}
		}
		if cursor == nil || cursor.Next == nil {
			return nil
		}
		pagination = models.NewPagination(models.DefaultPaginationLimit, cursor.Next)
	}
}

// CreateBuild validates the toplevel recipe exists, expands it into a Step,
// and records the Step as this Build's toplevel.
func (s *Service) CreateBuild(ctx context.Context, build *models.Build) error {
	jobset, err := s.jobsetStore.Read(ctx, nil, build.JobsetID)
	if err != nil {
		return fmt.Errorf("error reading jobset %s for build %s: %w", build.JobsetID, build.ID, err)
	}

	if _, err := s.storeOps.QueryDrv(ctx, build.DrvPath); err != nil {
		build.FinishedInDB = true
		build.Status = models.BuildStatusAborted
		if updateErr := s.buildStore.Update(ctx, nil, build); updateErr != nil {
			return fmt.Errorf("error aborting build %s with missing toplevel recipe: %w", build.ID, updateErr)
		}
		s.Infof("aborted build %s: toplevel recipe %s not found in store", build.ID, build.DrvPath)
		return nil
	}

	step, _, err := s.CreateStep(ctx, build.DrvPath, nil, nil)
	if err != nil {
		return fmt.Errorf("error expanding toplevel step for build %s: %w", build.ID, err)
	}

	step.AttachBuild(build)
	step.AttachJobset(jobset)
	step.PropagateGlobalPriority(build.GlobalPriority)
	step.PropagateLocalPriority(build.LocalPriority)
	step.PropagateLowestBuildID(buildOrdinal(build.ID))

	build.ToplevelStepID = &step.ID
	if err := s.buildStore.Update(ctx, nil, build); err != nil {
		return fmt.Errorf("error recording toplevel step for build %s: %w", build.ID, err)
	}

	s.mu.Lock()
	s.builds[build.ID] = build
	s.mu.Unlock()

	if step.DepsEmpty() && !step.Finished {
		s.dispatcher.NotifyRunnable(ctx, step.ID)
	}
	return nil
}

// CreateStep dedups against an existing Step for path, consults the
// failedpaths cache, probes the store for missing outputs, recursively
// expands input derivations, and enqueues the Step once it has no remaining
// deps. referringBuild and referringStep are mutually exclusive; both nil
// only for the toplevel call CreateBuild makes.
func (s *Service) CreateStep(
	ctx context.Context,
	path models.DrvPath,
	referringBuild *models.BuildID,
	referringStep *models.StepID,
) (*models.Step, models.FailureKind, error) {
	s.mu.Lock()
	if existing, ok := s.steps[path]; ok {
		s.mu.Unlock()
		s.linkReferrer(ctx, existing, referringStep)
		return existing, existing.FailureKind, nil
	}
	s.mu.Unlock()

	if failed, err := s.failedPathStore.Read(ctx, nil, path); err == nil {
		step := models.NewStep(models.NewTime(s.clock.Now()), path)
		step.Created = true
		step.Finished = true
		step.PreviousFailure = true
		step.FailureKind = failed.FailureKind
		s.registerStep(step)
		if err := s.stepStore.Create(ctx, nil, step); err != nil {
			return nil, failed.FailureKind, fmt.Errorf("error persisting cached-failure step for %s: %w", path, err)
		}
		return step, failed.FailureKind, nil
	}

	drv, err := s.storeOps.QueryDrv(ctx, path)
	if err != nil {
		return nil, models.FailureKindCachedFailure, fmt.Errorf("error resolving recipe %s: %w", path, err)
	}

	step := models.NewStep(models.NewTime(s.clock.Now()), path)
	step.Derivation = drv
	step.Created = true
	s.registerStep(step)

	if hashes, err := s.storeOps.StaticOutputHashes(ctx, path); err == nil && len(hashes) > 0 && s.fodCheck != nil {
		s.fodCheck.NotifyRecipeParsed(ctx, path, hashes)
	}

	if s.config.UseSubstitutes {
		if err := s.probeMissingOutputs(ctx, drv); err != nil {
			s.Warnf("substitution probe failed for %s: %v", path, err)
		}
	}

	if err := s.expandDeps(ctx, step, drv); err != nil {
		return nil, "", fmt.Errorf("error expanding dependencies of %s: %w", path, err)
	}

	// A Step with no remaining deps is persisted as runnable so the
	// Dispatcher's ListRunnable picks it up.
	step.Runnable = step.DepsEmpty()
	if err := s.stepStore.Create(ctx, nil, step); err != nil {
		return nil, "", fmt.Errorf("error persisting step %s: %w", path, err)
	}

	if step.DepsEmpty() {
		now := models.NewTime(s.clock.Now())
		step.RunnableSince = &now
		if s.dispatcher != nil {
			s.dispatcher.NotifyRunnable(ctx, step.ID)
		}
	}
	return step, "", nil
}

// linkReferrer attaches a dedup hit's dependency edge back to the Step that
// discovered it, if this call came from a recursive dependency expansion
// rather than the toplevel.
func (s *Service) linkReferrer(_ context.Context, dep *models.Step, referringStep *models.StepID) {
	if referringStep == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.steps {
		if st.ID == *referringStep {
			st.AddDep(dep)
			return
		}
	}
}

func (s *Service) registerStep(step *models.Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.DrvPath] = step
}

// StepByDrvPath returns the in-memory Step for path, if one is currently
// tracked. Used by the Worker Protocol glue to translate a worker-reported
// Job's DrvPath back into the StepID the Dispatcher and Result Commit
// services key their operations on.
func (s *Service) StepByDrvPath(path models.DrvPath) (*models.Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[path]
	return step, ok
}

// probeMissingOutputs checks every declared output path for validity,
// bounded to config.SubstitutionProbeConcurrency concurrent probes, and
// attempts to substitute any that are missing.
func (s *Service) probeMissingOutputs(ctx context.Context, drv *models.Derivation) error {
	var wg sync.WaitGroup
	var mErr error
	var mu sync.Mutex

	for _, out := range drv.Outputs {
		out := out
		if err := s.probeSem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer s.probeSem.Release(1)
			defer wg.Done()
			valid, err := s.storeOps.IsValidPath(ctx, out)
			if err != nil {
				mu.Lock()
				mErr = multierror.Append(mErr, err)
				mu.Unlock()
				return
			}
			if !valid {
				if err := s.storeOps.EnsurePath(ctx, out); err != nil {
					s.Debugf("no substitute available for %s: %v", out, err)
				}
			}
		}()
	}
	wg.Wait()
	return mErr
}

// expandDeps recursively calls CreateStep for every input derivation,
// bounded to config.DependencyExpansionConcurrency concurrent expansions,
// and attaches a strong dependency edge for every one not already finished.
func (s *Service) expandDeps(ctx context.Context, step *models.Step, drv *models.Derivation) error {
	var wg sync.WaitGroup
	var mErr error
	var mu sync.Mutex

	for _, inputPath := range drv.InputDrvs {
		inputPath := inputPath
		if err := s.depsSem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer s.depsSem.Release(1)
			defer wg.Done()
			depStep, _, err := s.CreateStep(ctx, inputPath, nil, &step.ID)
			if err != nil {
				mu.Lock()
				mErr = multierror.Append(mErr, err)
				mu.Unlock()
				return
			}
			if !depStep.Finished {
				step.AddDep(depStep)
			}
		}()
	}
	wg.Wait()
	return mErr
}

// ProcessQueueChange re-reads the set of unfinished build ids in response to
// a builds_cancelled, builds_deleted, or builds_bumped notification. Builds
// no longer present are dropped, detaching their toplevel Step's weak
// back-reference; a Step whose Build set empties out is cancelled.
func (s *Service) ProcessQueueChange(ctx context.Context) error {
	current := make(map[models.BuildID]bool)
	pagination := models.NewPagination(models.DefaultPaginationLimit, nil)
	for {
		builds, cursor, err := s.buildStore.ListUnfinished(ctx, nil, pagination)
		if err != nil {
			return fmt.Errorf("error listing unfinished builds: %w", err)
		}
		for _, build := range builds {
			current[build.ID] = true
		}
		if cursor == nil || cursor.Next == nil {
			break
		}
		pagination = models.NewPagination(models.DefaultPaginationLimit, cursor.Next)
	}

	s.mu.Lock()
	var removed []*models.Build
	for id, build := range s.builds {
		if !current[id] {
			removed = append(removed, build)
			delete(s.builds, id)
		}
	}
	s.mu.Unlock()

	for _, build := range removed {
		if build.ToplevelStepID == nil {
			continue
		}
		s.mu.Lock()
		var step *models.Step
		for _, st := range s.steps {
			if st.ID == *build.ToplevelStepID {
				step = st
				break
			}
		}
		s.mu.Unlock()
		if step == nil {
			continue
		}
		step.DetachBuild(build.ID)
		if step.BuildRefCount() == 0 && s.dispatcher != nil {
			if err := s.dispatcher.CancelStep(ctx, step.ID); err != nil {
				s.Warnf("error cancelling orphaned step %s: %v", step.ID, err)
			}
		}
	}
	return nil
}

// PruneJobsets resets SecondsUsed to zero for every jobset last pruned before
// staleJobsetWindow ago (or never pruned), keeping ShareUsed() from growing
// unbounded across a project's lifetime. A jobset keeps a single running
// total rather than per-step timings, so usage newer than the window is
// cleared along with the older usage.
func (s *Service) PruneJobsets(ctx context.Context) error {
	cutoff := models.NewTime(s.clock.Now().Add(-staleJobsetWindow))
	stale, err := s.jobsetStore.ListStale(ctx, nil, cutoff)
	if err != nil {
		return fmt.Errorf("error listing stale jobsets: %w", err)
	}
	for _, jobset := range stale {
		now := models.NewTime(s.clock.Now())
		jobset.LastPrunedAt = &now
		jobset.SecondsUsed = 0
		if err := s.jobsetStore.Update(ctx, nil, jobset); err != nil {
			return fmt.Errorf("error pruning jobset %s: %w", jobset.ID, err)
		}
	}
	return nil
}

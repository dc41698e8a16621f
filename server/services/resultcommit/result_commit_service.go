// Package resultcommit implements the Result Commit service: the single
// transactional boundary where a worker's reported outcome for one Step
// attempt becomes durable state and propagates runnability to whatever was
// waiting on it.
package resultcommit

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/services"
	"github.com/buildbeaver/buildbeaver/server/store"
)

// JobResolver is the subset of DispatcherService the commit transaction
// needs: resolving a worker-reported InternalBuildID back to the Job (and
// therefore the Step) it was an attempt at, and handing a Step's rdeps that
// became runnable to NotifyRunnable, which queues them for the next periodic
// Dispatch pass.
type JobResolver interface {
	NotifyRunnable(ctx context.Context, stepID models.StepID)
	LookupJob(internalBuildID models.ResourceID) (*models.Job, bool)
}

// Service is the Result Commit service.
type Service struct {
	db              *store.DB
	buildStore      store.BuildStore
	stepStore       store.StepStore
	jobsetStore     store.JobsetStore
	failedPathStore store.FailedPathStore
	dispatcher      JobResolver
	upload          services.UploadService
	clock           clock.Clock
	logger.Log
}

func NewService(
	db *store.DB,
	buildStore store.BuildStore,
	stepStore store.StepStore,
	jobsetStore store.JobsetStore,
	failedPathStore store.FailedPathStore,
	dispatcher JobResolver,
	upload services.UploadService,
	clock clock.Clock,
	logFactory logger.LogFactory,
) *Service {
	return &Service{
		db:              db,
		buildStore:      buildStore,
		stepStore:       stepStore,
		jobsetStore:     jobsetStore,
		failedPathStore: failedPathStore,
		dispatcher:      dispatcher,
		upload:          upload,
		clock:           clock,
		Log:             logFactory("ResultCommitService"),
	}
}

var _ services.ResultCommitService = (*Service)(nil)

// Commit runs the six-step result commit transaction for one completed
// attempt: resolve InternalBuildID to a Step, verify it is not already
// finished, write its completion, finalize every direct Build referencing
// it as toplevel, make its rdeps runnable, and pass them to the Dispatcher's
// NotifyRunnable, which queues them for the next periodic Dispatch pass;
// no build_finished notification is sent. The DB writes happen inside a single transaction so a crash
// partway through never leaves a Step finished without its dependent
// Builds finalized, or vice versa; the upload kickoff and dispatch
// notifications happen only once that transaction has committed.
//
// Commit expects result.Success to be true, or a FailureKind that is not
// retryable (a worker reporting a retryable failure should instead route
// through DispatcherService.RetryOrFail, which re-enqueues the Step without
// ever marking it finished).
func (s *Service) Commit(ctx context.Context, result services.BuildResultInfo) error {
	job, ok := s.dispatcher.LookupJob(result.InternalBuildID)
	if !ok {
		return fmt.Errorf("error no in-flight job for internal build id %s", result.InternalBuildID)
	}

	var (
		step           *models.Step
		toUpload       []string
		becameRunnable []*models.Step
	)

	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		var err error
		step, err = s.stepStore.ReadByDrvPath(ctx, tx, job.DrvPath)
		if err != nil {
			return fmt.Errorf("error reading step %s for completed attempt: %w", job.DrvPath, err)
		}
		if step.Finished {
			// A retry that lost a race with an earlier successful attempt on the
			// same step; nothing left to do.
			s.Warnf("ignoring result for already-finished step %s", step.DrvPath)
			return nil
		}

		if err := s.stepStore.LockRowForUpdate(ctx, tx, step.ID); err != nil {
			return fmt.Errorf("error locking step %s: %w", step.DrvPath, err)
		}

		step.Finished = true
		if !result.Success {
			step.FailureKind = result.FailureKind
		}
		if err := s.stepStore.Update(ctx, tx, step); err != nil {
			return fmt.Errorf("error writing step completion for %s: %w", step.DrvPath, err)
		}

		builds, err := s.buildStore.ListByToplevelStepID(ctx, tx, step.ID)
		if err != nil {
			return fmt.Errorf("error listing builds for step %s: %w", step.DrvPath, err)
		}
		for _, build := range builds {
			if err := s.finalizeBuild(ctx, tx, build, step, result.Outputs, true); err != nil {
				return err
			}
		}

		for _, rdep := range step.RDeps() {
			if rdep.RemoveDep(step.DrvPath) {
				becameRunnable = append(becameRunnable, rdep)
				if err := s.stepStore.Update(ctx, tx, rdep); err != nil {
					return fmt.Errorf("error updating rdep %s after dependency completion: %w", rdep.DrvPath, err)
				}
			}
		}

		if result.Success {
			for _, out := range result.Outputs {
				toUpload = append(toUpload, out.Path)
			}
		} else if result.FailureKind.Cacheable() {
			if err := s.failedPathStore.Upsert(ctx, tx, models.NewFailedPath(models.NewTime(s.clock.Now()), step.DrvPath, result.FailureKind)); err != nil {
				return fmt.Errorf("error memoizing failed path %s: %w", step.DrvPath, err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}
	if step == nil || !step.Finished {
		return nil
	}

	for _, path := range toUpload {
		if s.upload == nil {
			continue
		}
		if err := s.upload.UploadDirect(ctx, path); err != nil {
			s.Errorf("error uploading output %s for step %s: %v", path, step.DrvPath, err)
		}
	}

	for _, rdep := range becameRunnable {
		s.dispatcher.NotifyRunnable(ctx, rdep.ID)
	}
	return nil
}

// CommitTerminalFailure writes a terminal failure to stepID and to every
// transitive dependent Build, marking each Failed (toplevel) or DepFailed
// (others), and memoizes the failure in failedpaths unless kind is already
// a cached failure (which was memoized when it was first produced).
func (s *Service) CommitTerminalFailure(ctx context.Context, stepID models.StepID, kind models.FailureKind) error {
	var becameRunnable []*models.Step

	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		step, err := s.stepStore.Read(ctx, tx, stepID)
		if err != nil {
			return fmt.Errorf("error reading step %s for terminal failure: %w", stepID, err)
		}
		if step.Finished {
			return nil
		}

		if err := s.stepStore.LockRowForUpdate(ctx, tx, step.ID); err != nil {
			return fmt.Errorf("error locking step %s: %w", step.DrvPath, err)
		}

		// A step already marked CachedFailure or Unsupported keeps that code;
		// only a fresh terminal failure overwrites FailureKind.
		if step.FailureKind != models.FailureKindCachedFailure && step.FailureKind != models.FailureKindUnsupported {
			step.FailureKind = kind
		}
		step.Finished = true
		if err := s.stepStore.Update(ctx, tx, step); err != nil {
			return fmt.Errorf("error writing step terminal failure for %s: %w", step.DrvPath, err)
		}

		if step.FailureKind != models.FailureKindCachedFailure {
			if err := s.failedPathStore.Upsert(ctx, tx, models.NewFailedPath(models.NewTime(s.clock.Now()), step.DrvPath, step.FailureKind)); err != nil {
				return fmt.Errorf("error memoizing failed path %s: %w", step.DrvPath, err)
			}
		}

		builds, err := s.buildStore.ListByToplevelStepID(ctx, tx, step.ID)
		if err != nil {
			return fmt.Errorf("error listing builds for step %s: %w", step.DrvPath, err)
		}
		for _, build := range builds {
			if err := s.finalizeBuild(ctx, tx, build, step, nil, true); err != nil {
				return err
			}
		}

		for _, rdep := range step.RDeps() {
			fresh, err := s.propagateDependentFailure(ctx, tx, rdep)
			if err != nil {
				return err
			}
			becameRunnable = append(becameRunnable, fresh...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, rdep := range becameRunnable {
		s.dispatcher.NotifyRunnable(ctx, rdep.ID)
	}
	return nil
}

// propagateDependentFailure recursively fails every rdep of a terminally
// failed step as a cached failure, since none of them can ever become
// runnable now that one of their dependencies will never complete. It
// returns any sibling deps of those rdeps that became runnable as a side
// effect of the rdep itself finishing (a rdep may have other, unrelated
// deps still pending, but once it is marked finished its own rdeps must be
// notified in turn).
func (s *Service) propagateDependentFailure(ctx context.Context, tx *store.Tx, step *models.Step) ([]*models.Step, error) {
	if step.Finished {
		return nil, nil
	}
	if err := s.stepStore.LockRowForUpdate(ctx, tx, step.ID); err != nil {
		return nil, fmt.Errorf("error locking dependent step %s: %w", step.DrvPath, err)
	}
	step.Finished = true
	step.PreviousFailure = true
	step.FailureKind = models.FailureKindCachedFailure
	if err := s.stepStore.Update(ctx, tx, step); err != nil {
		return nil, fmt.Errorf("error updating dependent step %s: %w", step.DrvPath, err)
	}

	builds, err := s.buildStore.ListByToplevelStepID(ctx, tx, step.ID)
	if err != nil {
		return nil, fmt.Errorf("error listing builds for dependent step %s: %w", step.DrvPath, err)
	}
	for _, build := range builds {
		if err := s.finalizeBuild(ctx, tx, build, step, nil, true); err != nil {
			return nil, err
		}
	}

	var becameRunnable []*models.Step
	for _, rdep := range step.RDeps() {
		if rdep.RemoveDep(step.DrvPath) {
			becameRunnable = append(becameRunnable, rdep)
			if err := s.stepStore.Update(ctx, tx, rdep); err != nil {
				return nil, fmt.Errorf("error updating rdep %s: %w", rdep.DrvPath, err)
			}
		}
		fresh, err := s.propagateDependentFailure(ctx, tx, rdep)
		if err != nil {
			return nil, err
		}
		becameRunnable = append(becameRunnable, fresh...)
	}
	return becameRunnable, nil
}

// finalizeBuild marks every direct Build referencing step as toplevel
// finished, assigning its terminal status via
// models.DependentFailureStatus so a toplevel Build sees the step's own
// failure kind while a Build reached only transitively sees a DepFailed
// status instead.
func (s *Service) finalizeBuild(ctx context.Context, tx *store.Tx, build *models.Build, step *models.Step, outputs []services.BuildOutputInfo, toplevel bool) error {
	if err := s.buildStore.LockRowForUpdate(ctx, tx, build.ID); err != nil {
		return fmt.Errorf("error locking build %s: %w", build.ID, err)
	}
	build.FinishedInDB = true
	if step.FailureKind == "" {
		build.Status = models.BuildStatusSucceeded
		build.Size = sumSizes(outputs)
	} else {
		build.FailureKind = step.FailureKind
		build.Status = models.DependentFailureStatus(toplevel, step.FailureKind)
	}
	if err := s.buildStore.Update(ctx, tx, build); err != nil {
		return fmt.Errorf("error finalizing build %s: %w", build.ID, err)
	}

	jobset, err := s.jobsetStore.Read(ctx, tx, build.JobsetID)
	if err != nil {
		return fmt.Errorf("error reading jobset %s for build %s: %w", build.JobsetID, build.ID, err)
	}
	jobset.SecondsUsed += build.Timeout
	return s.jobsetStore.Update(ctx, tx, jobset)
}

func sumSizes(outputs []services.BuildOutputInfo) int64 {
	var total int64
	for _, o := range outputs {
		total += o.NarSize
	}
	return total
}

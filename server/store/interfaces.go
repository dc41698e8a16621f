package store

import (
	"context"

	"github.com/buildbeaver/buildbeaver/common/models"
)

// BuildStore provides access to Build rows: the finished=0/1 projection source that the Queue Monitor's
// refresh() scans, and the entity the Result Commit service mutates when a toplevel Step completes.
type BuildStore interface {
	// Create a new build.
	// Returns store.ErrAlreadyExists if a build with matching unique properties already exists.
	Create(ctx context.Context, txOrNil *Tx, build *models.Build) error
	// Read an existing build, looking it up by ID.
	// Returns models.ErrNotFound if the build does not exist.
	Read(ctx context.Context, txOrNil *Tx, id models.BuildID) (*models.Build, error)
	// Update an existing build with optimistic locking. Overrides all previous values using the supplied model.
	// Returns store.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
	Update(ctx context.Context, txOrNil *Tx, build *models.Build) error
	// LockRowForUpdate takes out an exclusive row lock on the build table row for the specified build.
	// This function must be called within a transaction, and will block other transactions from locking, updating
	// or deleting the row until this transaction ends.
	LockRowForUpdate(ctx context.Context, tx *Tx, id models.BuildID) error
	// ListUnfinished lists all builds with finished_in_db=false, newest first by created_at then id;
	// results are not ordered by global_priority or scheduling shares.
	// Use cursor to page through results, if any.
	ListUnfinished(ctx context.Context, txOrNil *Tx, pagination models.Pagination) ([]*models.Build, *models.Cursor, error)
	// ListByJobsetID lists all builds belonging to the specified jobset. Use cursor to page through results, if any.
	ListByJobsetID(ctx context.Context, txOrNil *Tx, jobsetID models.JobsetID, pagination models.Pagination) ([]*models.Build, *models.Cursor, error)
	// ListByToplevelStepID lists all builds whose toplevel step is the specified step. This drives the
	// dependent-build fan-out performed by the Result Commit service when a Step finishes.
	ListByToplevelStepID(ctx context.Context, txOrNil *Tx, stepID models.StepID) ([]*models.Build, error)
}

// JobsetStore provides access to Jobset rows, the fairness groups used to apportion scheduling shares
// between competing projects.
type JobsetStore interface {
	// Create a new jobset.
	// Returns store.ErrAlreadyExists if a jobset with matching project/name already exists.
	Create(ctx context.Context, txOrNil *Tx, jobset *models.Jobset) error
	// Read an existing jobset, looking it up by ID.
	// Returns models.ErrNotFound if the jobset does not exist.
	Read(ctx context.Context, txOrNil *Tx, id models.JobsetID) (*models.Jobset, error)
	// ReadByName reads an existing jobset, looking it up by project and name.
	// Returns models.ErrNotFound if the jobset does not exist.
	ReadByName(ctx context.Context, txOrNil *Tx, project models.ResourceName, name models.ResourceName) (*models.Jobset, error)
	// FindOrCreate finds and returns the jobset matching newJobset's project and name, creating it from
	// newJobset if it does not already exist.
	FindOrCreate(ctx context.Context, txOrNil *Tx, newJobset *models.Jobset) (jobset *models.Jobset, created bool, err error)
	// Update an existing jobset with optimistic locking. Overrides all previous values using the supplied model.
	// Returns store.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
	Update(ctx context.Context, txOrNil *Tx, jobset *models.Jobset) error
	// LockRowForUpdate takes out an exclusive row lock on the jobset table row for the specified jobset.
	// This function must be called within a transaction.
	LockRowForUpdate(ctx context.Context, tx *Tx, id models.JobsetID) error
	// ListAll lists every jobset in the system. Use cursor to page through results, if any.
	ListAll(ctx context.Context, txOrNil *Tx, pagination models.Pagination) ([]*models.Jobset, *models.Cursor, error)
	// ListStale lists jobsets whose last_pruned_at is older than the supplied cutoff, or which have never
	// been pruned. Used by prune_jobsets() to find jobsets whose seconds_used timing history has gone stale.
	ListStale(ctx context.Context, txOrNil *Tx, cutoff models.Time) ([]*models.Jobset, error)
}

// StepStore provides access to Step rows: the persisted recipe DAG nodes that let a restarted
// Queue Monitor reconstruct in-memory dependency graphs via refresh().
type StepStore interface {
	// Create a new step.
	// Returns store.ErrAlreadyExists if a step with matching drv_path already exists.
	Create(ctx context.Context, txOrNil *Tx, step *models.Step) error
	// Read an existing step, looking it up by ID.
	// Returns models.ErrNotFound if the step does not exist.
	Read(ctx context.Context, txOrNil *Tx, id models.StepID) (*models.Step, error)
	// ReadByDrvPath reads an existing step, looking it up by derivation path.
	// Returns models.ErrNotFound if the step does not exist.
	ReadByDrvPath(ctx context.Context, txOrNil *Tx, drvPath models.DrvPath) (*models.Step, error)
	// Update an existing step with optimistic locking. Overrides all previous values using the supplied model.
	// Returns store.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
	Update(ctx context.Context, txOrNil *Tx, step *models.Step) error
	// LockRowForUpdate takes out an exclusive row lock on the step table row for the specified step.
	// This function must be called within a transaction.
	LockRowForUpdate(ctx context.Context, tx *Tx, id models.StepID) error
	// ListRunnable lists every step with runnable=true and finished=false; the Dispatcher calls it on
	// every Dispatch pass to fill its queues. Use cursor to page through results, if any.
	ListRunnable(ctx context.Context, txOrNil *Tx, pagination models.Pagination) ([]*models.Step, *models.Cursor, error)
	// ListUnfinished lists every step with finished=false, for rebuilding the in-memory dependency
	// graph (deps/rdeps) that refresh() needs on startup. Use cursor to page through results, if any.
	ListUnfinished(ctx context.Context, txOrNil *Tx, pagination models.Pagination) ([]*models.Step, *models.Cursor, error)
}

// FailedPathStore provides access to the failedpaths memoization table: a cache of output paths known
// to fail, keyed by derivation path, consulted by create_step() before re-attempting a build.
type FailedPathStore interface {
	// Upsert records (or refreshes) a failed output path and the failure kind that caused it.
	Upsert(ctx context.Context, txOrNil *Tx, failedPath *models.FailedPath) error
	// Read looks up a previously memoized failure for the given derivation path.
	// Returns models.ErrNotFound if no failure has been recorded for this path.
	Read(ctx context.Context, txOrNil *Tx, drvPath models.DrvPath) (*models.FailedPath, error)
	// Delete idempotently removes any memoized failure for the given derivation path, used when a
	// path is successfully rebuilt after a previous failure.
	Delete(ctx context.Context, txOrNil *Tx, drvPath models.DrvPath) error
}

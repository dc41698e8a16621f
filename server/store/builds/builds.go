package builds

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/store"
)

func init() {
	_ = models.MutableResource(&models.Build{})
	store.MustDBModel(&models.Build{})
}

type BuildStore struct {
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *BuildStore {
	return &BuildStore{
		table: store.NewResourceTable(db, logFactory, &models.Build{}),
	}
}

// Create a new build.
// Returns store.ErrAlreadyExists if a build with matching unique properties already exists.
func (d *BuildStore) Create(ctx context.Context, txOrNil *store.Tx, build *models.Build) error {
	return d.table.Create(ctx, txOrNil, build)
}

// Read an existing build, looking it up by ResourceID.
// Returns models.ErrNotFound if the build does not exist.
func (d *BuildStore) Read(ctx context.Context, txOrNil *store.Tx, id models.BuildID) (*models.Build, error) {
	build := &models.Build{}
	return build, d.table.ReadByID(ctx, txOrNil, id.ResourceID, build)
}

// Update an existing build with optimistic locking. Overrides all previous values using the supplied model.
// Returns store.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
func (d *BuildStore) Update(ctx context.Context, txOrNil *store.Tx, build *models.Build) error {
	return d.table.UpdateByID(ctx, txOrNil, build)
}

// LockRowForUpdate takes out an exclusive row lock on the build table row for the specified build.
// This function must be called within a transaction, and will block other transactions from locking, updating
// or deleting the row until this transaction ends.
func (d *BuildStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.BuildID) error {
	return d.table.LockRowForUpdate(ctx, tx, id.ResourceID)
}

// ListUnfinished lists all builds with finished_in_db=false, newest first by created_at then id
// (the order ListIn imposes); results are not ordered by global_priority or scheduling shares.
// Use cursor to page through results, if any.
func (d *BuildStore) ListUnfinished(ctx context.Context, txOrNil *store.Tx, pagination models.Pagination) ([]*models.Build, *models.Cursor, error) {
	buildsSelect := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Build{}).
		Where(goqu.Ex{"build_finished_in_db": false}).
		Order(goqu.I("build_global_priority").Desc())
	var builds []*models.Build
	cursor, err := d.table.ListIn(ctx, txOrNil, &builds, pagination, buildsSelect)
	if err != nil {
		return nil, nil, err
	}
	return builds, cursor, nil
}

// ListByJobsetID lists all builds belonging to the specified jobset. Use cursor to page through results, if any.
func (d *BuildStore) ListByJobsetID(ctx context.Context, txOrNil *store.Tx, jobsetID models.JobsetID, pagination models.Pagination) ([]*models.Build, *models.Cursor, error) {
	buildsSelect := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Build{}).
		Where(goqu.Ex{"build_jobset_id": jobsetID.ResourceID})
	var builds []*models.Build
	cursor, err := d.table.ListIn(ctx, txOrNil, &builds, pagination, buildsSelect)
	if err != nil {
		return nil, nil, err
	}
	return builds, cursor, nil
}

// ListByToplevelStepID lists all builds whose toplevel step is the specified step. This drives the
// dependent-build fan-out performed by the Result Commit service when a Step finishes.
func (d *BuildStore) ListByToplevelStepID(ctx context.Context, txOrNil *store.Tx, stepID models.StepID) ([]*models.Build, error) {
	buildsSelect := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Build{}).
		Where(goqu.Ex{"build_toplevel_step_id": stepID.ResourceID})
	var builds []*models.Build
	// No caller needs to page through dependent builds of a single step, so read the full result set.
	_, err := d.table.ListIn(ctx, txOrNil, &builds, models.Pagination{Limit: maxDependentBuilds}, buildsSelect)
	if err != nil {
		return nil, err
	}
	return builds, nil
}

// maxDependentBuilds bounds the number of builds that can share a single toplevel step; generous enough
// that no real fan-out from a shared cached derivation should ever hit it.
const maxDependentBuilds = 10000

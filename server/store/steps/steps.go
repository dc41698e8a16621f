package steps

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/store"
)

func init() {
	_ = models.MutableResource(&models.Step{})
	store.MustDBModel(&models.Step{})
}

type StepStore struct {
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *StepStore {
	return &StepStore{
		table: store.NewResourceTable(db, logFactory, &models.Step{}),
	}
}

// Create a new step.
// Returns store.ErrAlreadyExists if a step with matching drv_path already exists.
func (d *StepStore) Create(ctx context.Context, txOrNil *store.Tx, step *models.Step) error {
	return d.table.Create(ctx, txOrNil, step)
}

// Read an existing step, looking it up by ResourceID.
// Returns models.ErrNotFound if the step does not exist.
func (d *StepStore) Read(ctx context.Context, txOrNil *store.Tx, id models.StepID) (*models.Step, error) {
	step := &models.Step{}
	return step, d.table.ReadByID(ctx, txOrNil, id.ResourceID, step)
}

// ReadByDrvPath reads an existing step, looking it up by derivation path.
// Returns models.ErrNotFound if the step does not exist.
func (d *StepStore) ReadByDrvPath(ctx context.Context, txOrNil *store.Tx, drvPath models.DrvPath) (*models.Step, error) {
	step := &models.Step{}
	err := d.table.ReadWhere(ctx, txOrNil, step, goqu.Ex{"step_drv_path": drvPath.String()})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// Update an existing step with optimistic locking. Overrides all previous values using the supplied model.
// Returns store.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
func (d *StepStore) Update(ctx context.Context, txOrNil *store.Tx, step *models.Step) error {
	return d.table.UpdateByID(ctx, txOrNil, step)
}

// LockRowForUpdate takes out an exclusive row lock on the step table row for the specified step.
// This function must be called within a transaction.
func (d *StepStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.StepID) error {
	return d.table.LockRowForUpdate(ctx, tx, id.ResourceID)
}

// ListRunnable lists every step with runnable=true and finished=false; the Dispatcher calls it on
// every Dispatch pass to fill its queues. Use cursor to page through results, if any.
func (d *StepStore) ListRunnable(ctx context.Context, txOrNil *store.Tx, pagination models.Pagination) ([]*models.Step, *models.Cursor, error) {
	stepsSelect := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Step{}).
		Where(goqu.Ex{"step_runnable": true, "step_finished": false})
	var steps []*models.Step
	cursor, err := d.table.ListIn(ctx, txOrNil, &steps, pagination, stepsSelect)
	if err != nil {
		return nil, nil, err
	}
	return steps, cursor, nil
}

// ListUnfinished lists every step with finished=false, for rebuilding the in-memory dependency
// graph (deps/rdeps) that refresh() needs on startup. Use cursor to page through results, if any.
func (d *StepStore) ListUnfinished(ctx context.Context, txOrNil *store.Tx, pagination models.Pagination) ([]*models.Step, *models.Cursor, error) {
	stepsSelect := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Step{}).
		Where(goqu.Ex{"step_finished": false})
	var steps []*models.Step
	cursor, err := d.table.ListIn(ctx, txOrNil, &steps, pagination, stepsSelect)
	if err != nil {
		return nil, nil, err
	}
	return steps, cursor, nil
}

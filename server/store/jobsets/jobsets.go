package jobsets

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/store"
)

func init() {
	_ = models.MutableResource(&models.Jobset{})
	store.MustDBModel(&models.Jobset{})
}

// DefaultSchedulingShares is the starting share count given to a jobset that's created implicitly
// by its first build, rather than pre-configured with an explicit share count.
const DefaultSchedulingShares = 1

type JobsetStore struct {
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *JobsetStore {
	return &JobsetStore{
		table: store.NewResourceTable(db, logFactory, &models.Jobset{}),
	}
}

// Create a new jobset.
// Returns store.ErrAlreadyExists if a jobset with matching project/name already exists.
func (d *JobsetStore) Create(ctx context.Context, txOrNil *store.Tx, jobset *models.Jobset) error {
	return d.table.Create(ctx, txOrNil, jobset)
}

// Read an existing jobset, looking it up by ResourceID.
// Returns models.ErrNotFound if the jobset does not exist.
func (d *JobsetStore) Read(ctx context.Context, txOrNil *store.Tx, id models.JobsetID) (*models.Jobset, error) {
	jobset := &models.Jobset{}
	return jobset, d.table.ReadByID(ctx, txOrNil, id.ResourceID, jobset)
}

// ReadByName reads an existing jobset, looking it up by project and name.
// Returns models.ErrNotFound if the jobset does not exist.
func (d *JobsetStore) ReadByName(ctx context.Context, txOrNil *store.Tx, project models.ResourceName, name models.ResourceName) (*models.Jobset, error) {
	jobset := &models.Jobset{}
	err := d.table.ReadWhere(ctx, txOrNil, jobset, goqu.Ex{"jobset_project": project.String(), "jobset_name": name.String()})
	if err != nil {
		return nil, err
	}
	return jobset, nil
}

// FindOrCreate finds and returns the jobset matching newJobset's project and name, creating it from
// newJobset (with default scheduling shares already populated by the caller) if it does not yet exist.
func (d *JobsetStore) FindOrCreate(ctx context.Context, txOrNil *store.Tx, newJobset *models.Jobset) (*models.Jobset, bool, error) {
	resource, created, err := d.table.FindOrCreate(
		ctx,
		txOrNil,
		func(ctx context.Context, txOrNil *store.Tx) (models.Resource, error) {
			return d.ReadByName(ctx, txOrNil, newJobset.Project, newJobset.Name)
		},
		func(ctx context.Context, txOrNil *store.Tx) (models.Resource, error) {
			err := d.Create(ctx, txOrNil, newJobset)
			if err != nil {
				return nil, err
			}
			return newJobset, nil
		},
	)
	if err != nil {
		return nil, false, err
	}
	return resource.(*models.Jobset), created, nil
}

// Update an existing jobset with optimistic locking. Overrides all previous values using the supplied model.
// Returns store.ErrOptimisticLockFailed if there is an optimistic lock mismatch.
func (d *JobsetStore) Update(ctx context.Context, txOrNil *store.Tx, jobset *models.Jobset) error {
	return d.table.UpdateByID(ctx, txOrNil, jobset)
}

// LockRowForUpdate takes out an exclusive row lock on the jobset table row for the specified jobset.
// This function must be called within a transaction.
func (d *JobsetStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.JobsetID) error {
	return d.table.LockRowForUpdate(ctx, tx, id.ResourceID)
}

// ListAll lists every jobset in the system. Use cursor to page through results, if any.
func (d *JobsetStore) ListAll(ctx context.Context, txOrNil *store.Tx, pagination models.Pagination) ([]*models.Jobset, *models.Cursor, error) {
	jobsetsSelect := d.table.Dialect().From(d.table.TableName()).Select(&models.Jobset{})
	var jobsets []*models.Jobset
	cursor, err := d.table.ListIn(ctx, txOrNil, &jobsets, pagination, jobsetsSelect)
	if err != nil {
		return nil, nil, err
	}
	return jobsets, cursor, nil
}

// ListStale lists jobsets whose last_pruned_at is older than the supplied cutoff, or which have never
// been pruned. Used by prune_jobsets() to find jobsets whose seconds_used timing history has gone stale.
func (d *JobsetStore) ListStale(ctx context.Context, txOrNil *store.Tx, cutoff models.Time) ([]*models.Jobset, error) {
	jobsetsSelect := d.table.Dialect().From(d.table.TableName()).
		Select(&models.Jobset{}).
		Where(goqu.Or(
			goqu.C("jobset_last_pruned_at").IsNull(),
			goqu.C("jobset_last_pruned_at").Lt(cutoff),
		))
	var jobsets []*models.Jobset
	_, err := d.table.ListIn(ctx, txOrNil, &jobsets, models.Pagination{Limit: maxStaleJobsets}, jobsetsSelect)
	if err != nil {
		return nil, err
	}
	return jobsets, nil
}

// maxStaleJobsets bounds a single prune_jobsets() sweep; generous enough that no real deployment's
// jobset count should ever hit it in one pass.
const maxStaleJobsets = 10000

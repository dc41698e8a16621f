package failedpaths

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/buildbeaver/buildbeaver/common/gerror"
	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/store"
)

const tableName = "failedpaths"

// FailedPathStore gives create_step a cache of derivation paths known to fail, so a Step whose
// drv_path is memoized here can be short-circuited straight to FailureKindCachedFailure rather than
// being scheduled again. Unlike Build/Step/Jobset this table is keyed by its natural DrvPath identity
// rather than a generated ResourceID, so it is hand-rolled directly against goqu instead of going
// through store.ResourceTable, which assumes every row has a models.Resource-shaped identity.
type FailedPathStore struct {
	db         *store.DB
	logFactory logger.LogFactory
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *FailedPathStore {
	return &FailedPathStore{
		db:         db,
		logFactory: logFactory,
		Log:        logFactory("FailedPathStore"),
	}
}

// Upsert records (or refreshes) a failed output path and the failure kind that caused it.
func (d *FailedPathStore) Upsert(ctx context.Context, txOrNil *store.Tx, failedPath *models.FailedPath) error {
	return d.db.Write2(txOrNil, func(db store.Writer) error {
		existing := &models.FailedPath{}
		query, args, err := db.From(tableName).
			Select(existing).
			Where(goqu.Ex{"failedpaths_drv_path": failedPath.DrvPath.String()}).
			ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		found, err := db.ScanStructContext(ctx, existing, query, args...)
		if err != nil {
			return store.MakeStandardDBError(err)
		}
		if found {
			_, err = db.Update(tableName).
				Set(goqu.Record{"failedpaths_failure_kind": failedPath.FailureKind}).
				Where(goqu.Ex{"failedpaths_drv_path": failedPath.DrvPath.String()}).
				Executor().ExecContext(ctx)
			if err != nil {
				return fmt.Errorf("error updating failed path: %w", store.MakeStandardDBError(err))
			}
			return nil
		}
		_, err = db.Insert(tableName).Rows(failedPath).Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error inserting failed path: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
}

// Read looks up a previously memoized failure for the given derivation path.
// Returns models.ErrNotFound if no failure has been recorded for this path.
func (d *FailedPathStore) Read(ctx context.Context, txOrNil *store.Tx, drvPath models.DrvPath) (*models.FailedPath, error) {
	failedPath := &models.FailedPath{}
	var found bool
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		query, args, err := db.From(tableName).
			Select(failedPath).
			Where(goqu.Ex{"failedpaths_drv_path": drvPath.String()}).
			ToSQL()
		if err != nil {
			return fmt.Errorf("error generating query: %w", err)
		}
		found, err = db.ScanStructContext(ctx, failedPath, query, args...)
		if err != nil {
			return store.MakeStandardDBError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, gerror.NewErrNotFound(fmt.Sprintf("failed path not found for drv path %s", drvPath))
	}
	return failedPath, nil
}

// Delete idempotently removes any memoized failure for the given derivation path, used when a
// path is successfully rebuilt after a previous failure.
func (d *FailedPathStore) Delete(ctx context.Context, txOrNil *store.Tx, drvPath models.DrvPath) error {
	return d.db.Write2(txOrNil, func(db store.Writer) error {
		_, err := db.Delete(tableName).
			Where(goqu.Ex{"failedpaths_drv_path": drvPath.String()}).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error deleting failed path: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
}

package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// FailedPath memoizes a derivation path that is known to fail, so create_step
// can short-circuit straight to FailureKindCachedFailure instead of re-running
// a build that is certain to fail again. Keyed by DrvPath rather than a
// generated ResourceID since the path itself is the natural identity here.
type FailedPath struct {
	DrvPath     DrvPath     `json:"drv_path" goqu:"skipupdate" db:"failedpaths_drv_path"`
	FailureKind FailureKind `json:"failure_kind" db:"failedpaths_failure_kind"`
	CreatedAt   Time        `json:"created_at" goqu:"skipupdate" db:"failedpaths_created_at"`
}

func NewFailedPath(now Time, drvPath DrvPath, kind FailureKind) *FailedPath {
	return &FailedPath{
		DrvPath:     drvPath,
		FailureKind: kind,
		CreatedAt:   now,
	}
}

func (f *FailedPath) Validate() error {
	var result *multierror.Error
	if !f.DrvPath.Valid() {
		result = multierror.Append(result, errors.New("error drv path must be set"))
	}
	if !f.FailureKind.Valid() {
		result = multierror.Append(result, errors.New("error failure kind must be valid"))
	}
	if f.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	return result.ErrorOrNil()
}

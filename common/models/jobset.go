package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const JobsetResourceKind ResourceKind = "jobset"

type JobsetID struct {
	ResourceID
}

func NewJobsetID() JobsetID {
	return JobsetID{ResourceID: NewResourceID(JobsetResourceKind)}
}

func JobsetIDFromResourceID(id ResourceID) JobsetID {
	return JobsetID{ResourceID: id}
}

// Jobset is the fairness group that every Build belongs to. The dispatcher
// spends scheduling shares across jobsets to keep one noisy project from
// starving the rest of the queue.
type Jobset struct {
	ID               JobsetID     `json:"id" goqu:"skipupdate" db:"jobset_id"`
	Project          ResourceName `json:"project" db:"jobset_project"`
	Name             ResourceName `json:"name" db:"jobset_name"`
	CreatedAt        Time         `json:"created_at" goqu:"skipupdate" db:"jobset_created_at"`
	UpdatedAt        Time         `json:"updated_at" db:"jobset_updated_at"`
	ETag             ETag         `json:"etag" db:"jobset_etag" hash:"ignore"`
	// SchedulingShares determines this jobset's portion of dispatcher fairness.
	// Must be >= 1.
	SchedulingShares int64 `json:"scheduling_shares" db:"jobset_scheduling_shares"`
	// SecondsUsed accumulates wall-clock seconds consumed by finished steps
	// attributed to this jobset, decayed by prune_jobsets.
	SecondsUsed int64 `json:"seconds_used" db:"jobset_seconds_used"`
	// LastPrunedAt records the last time prune_jobsets reset SecondsUsed for
	// this jobset.
	LastPrunedAt *Time `json:"last_pruned_at,omitempty" db:"jobset_last_pruned_at"`
}

func NewJobset(now Time, project ResourceName, name ResourceName, schedulingShares int64) *Jobset {
	return &Jobset{
		ID:               NewJobsetID(),
		Project:          project,
		Name:             name,
		CreatedAt:        now,
		UpdatedAt:        now,
		SchedulingShares: schedulingShares,
		SecondsUsed:      0,
	}
}

func (m *Jobset) GetKind() ResourceKind {
	return JobsetResourceKind
}

func (m *Jobset) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Jobset) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *Jobset) GetName() ResourceName {
	return m.Name
}

func (m *Jobset) GetUpdatedAt() Time {
	return m.UpdatedAt
}

func (m *Jobset) SetUpdatedAt(t Time) {
	m.UpdatedAt = t
}

func (m *Jobset) GetETag() ETag {
	return m.ETag
}

func (m *Jobset) SetETag(eTag ETag) {
	m.ETag = eTag
}

// ShareUsed returns the fraction of this jobset's fair share that has been
// consumed so far. When SchedulingShares has not yet been configured (zero),
// 1e9 is used as the denominator instead, so the result is close to zero
// rather than a division by zero.
func (m *Jobset) ShareUsed() float64 {
	shares := m.SchedulingShares
	if shares <= 0 {
		// Zero or unset shares must never zero-divide the fairness
		// comparator; treat as the largest possible denominator so the
		// jobset sorts as if it has used none of its share.
		shares = 1e9
	}
	return float64(m.SecondsUsed) / float64(shares)
}

func (m *Jobset) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if err := m.Project.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.Name.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if m.SchedulingShares <= 0 {
		result = multierror.Append(result, errors.New("error scheduling shares must be positive"))
	}
	if m.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	return result.ErrorOrNil()
}

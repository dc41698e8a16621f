package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ResourceID globally and uniquely identifies a resource, encoding the resource's kind as a
// prefix so that ids remain self-describing when logged or passed across the wire, e.g.
// "step:3f1e2a6c-...". This mirrors the scheme used throughout the entity model: every typed
// id (BuildID, StepID, MachineID, ...) wraps a ResourceID rather than a bare uuid.
type ResourceID struct {
	kind ResourceKind
	str  string
}

// NewResourceID generates a new, random ResourceID of the specified kind.
func NewResourceID(kind ResourceKind) ResourceID {
	return ResourceID{kind: kind, str: fmt.Sprintf("%s:%s", kind, uuid.New().String())}
}

// ParseResourceID parses a ResourceID previously produced by String().
func ParseResourceID(s string) (ResourceID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ResourceID{}, errors.Errorf("error invalid resource id: %q", s)
	}
	return ResourceID{kind: ResourceKind(parts[0]), str: s}, nil
}

func (id ResourceID) Kind() ResourceKind {
	return id.kind
}

func (id ResourceID) Valid() bool {
	return id.str != "" && id.kind != ""
}

func (id ResourceID) String() string {
	return id.str
}

func (id ResourceID) Equal(other ResourceID) bool {
	return id.str == other.str
}

func (id *ResourceID) Scan(src interface{}) error {
	if src == nil {
		*id = ResourceID{}
		return nil
	}
	s, ok := src.(string)
	if !ok {
		if b, ok := src.([]byte); ok {
			s = string(b)
		} else {
			return fmt.Errorf("error expected string for resource id, found %T", src)
		}
	}
	if s == "" {
		*id = ResourceID{}
		return nil
	}
	parsed, err := ParseResourceID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ResourceID) Value() (driver.Value, error) {
	if !id.Valid() {
		return nil, nil
	}
	return id.str, nil
}

func (id ResourceID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.str)
}

func (id *ResourceID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*id = ResourceID{}
		return nil
	}
	parsed, err := ParseResourceID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

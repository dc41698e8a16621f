package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// DrvPath is the immutable identity of a recipe: an absolute store path to a
// .drv file. Step equality and hashing are defined entirely in terms of
// DrvPath - two Steps with the same DrvPath are the same Step.
type DrvPath string

func (p DrvPath) String() string {
	return string(p)
}

func (p DrvPath) Valid() bool {
	return p != ""
}

// Derivation is the parsed recipe a Step is built from: the system it targets,
// the paths of derivations it depends on, the store paths it is expected to
// produce, and the environment the builder runs with. It is read from the
// store (query_drv) and never persisted verbatim - only DrvPath and the
// fields Steps need for scheduling survive into the in-memory DAG.
type Derivation struct {
	Path DrvPath `json:"path"`
	// System is the Nix system tuple this recipe must be built on, e.g.
	// "x86_64-linux". Used for machine eligibility matching.
	System string `json:"system"`
	// InputDrvs is the set of derivation paths this recipe depends on. The
	// Queue Monitor recursively calls create_step on each of these.
	InputDrvs []DrvPath `json:"input_drvs"`
	// Outputs is the set of store paths this recipe is expected to produce.
	Outputs []string `json:"outputs"`
	// Env holds the builder's environment variables, including any
	// feature requirements encoded as "requiredSystemFeatures".
	Env map[string]string `json:"env"`
}

// RequiredFeatures extracts the mandatory system features this recipe
// demands of any machine that builds it, as recorded in the recipe's
// environment by convention.
func (d *Derivation) RequiredFeatures() []string {
	raw, ok := d.Env["requiredSystemFeatures"]
	if !ok || raw == "" {
		return nil
	}
	var features []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ' ' {
			if i > start {
				features = append(features, raw[start:i])
			}
			start = i + 1
		}
	}
	return features
}

func (d *Derivation) Validate() error {
	var result *multierror.Error
	if !d.Path.Valid() {
		result = multierror.Append(result, errors.New("error derivation path must be set"))
	}
	if d.System == "" {
		result = multierror.Append(result, errors.New("error derivation system must be set"))
	}
	if len(d.Outputs) == 0 {
		result = multierror.Append(result, errors.New("error derivation must declare at least one output"))
	}
	return result.ErrorOrNil()
}

package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDerivationRequiredFeatures(t *testing.T) {
	d := &Derivation{
		Path:   "/nix/store/aaa-foo.drv",
		System: "x86_64-linux",
		Env:    map[string]string{"requiredSystemFeatures": "kvm big-parallel"},
	}
	require.Equal(t, []string{"kvm", "big-parallel"}, d.RequiredFeatures())
}

func TestDerivationRequiredFeaturesEmpty(t *testing.T) {
	d := &Derivation{Path: "/nix/store/aaa-foo.drv", System: "x86_64-linux"}
	require.Nil(t, d.RequiredFeatures())
}

func TestDerivationValidate(t *testing.T) {
	d := &Derivation{Path: "/nix/store/aaa-foo.drv", System: "x86_64-linux", Outputs: []string{"/nix/store/out"}}
	require.NoError(t, d.Validate())

	empty := &Derivation{}
	require.Error(t, empty.Validate())
}

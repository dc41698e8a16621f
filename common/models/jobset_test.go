package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobsetShareUsed(t *testing.T) {
	js := NewJobset(NewTime(time.Now()), "my-project", "trunk", 10)
	require.Equal(t, float64(0), js.ShareUsed())

	js.SecondsUsed = 5
	require.Equal(t, 0.5, js.ShareUsed())
}

func TestJobsetShareUsedGuardsZeroShares(t *testing.T) {
	js := NewJobset(NewTime(time.Now()), "my-project", "trunk", 0)
	js.SchedulingShares = 0
	js.SecondsUsed = 100
	require.Less(t, js.ShareUsed(), 0.001)
}

func TestJobsetValidate(t *testing.T) {
	js := NewJobset(NewTime(time.Now()), "my-project", "trunk", 10)
	require.NoError(t, js.Validate())

	js.SchedulingShares = 0
	require.Error(t, js.Validate())
}

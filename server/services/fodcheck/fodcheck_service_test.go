package fodcheck_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/server/services/fodcheck"
)

func newTestService() *fodcheck.Service {
	return fodcheck.NewService(func(name string) logger.Log {
		return logger.NewNoOpLog()
	})
}

func TestNotifyRecipeParsed_NoConflictForSameRecipe(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	s.NotifyRecipeParsed(ctx, "/nix/store/aaa-foo.drv", map[string]string{"out": "hash1"})
	s.NotifyRecipeParsed(ctx, "/nix/store/aaa-foo.drv", map[string]string{"out": "hash1"})
	require.Empty(t, s.Conflicts(ctx))
}

func TestNotifyRecipeParsed_FlagsConflictingRecipes(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	s.NotifyRecipeParsed(ctx, "/nix/store/aaa-foo.drv", map[string]string{"out": "hash1"})
	s.NotifyRecipeParsed(ctx, "/nix/store/bbb-bar.drv", map[string]string{"out": "hash1"})

	conflicts := s.Conflicts(ctx)
	require.Len(t, conflicts, 1)
	require.Equal(t, "out", conflicts[0].OutputName)
	require.Equal(t, "hash1", conflicts[0].Hash)
}

func TestNotifyRecipeParsed_DistinctHashesDoNotConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	s.NotifyRecipeParsed(ctx, "/nix/store/aaa-foo.drv", map[string]string{"out": "hash1"})
	s.NotifyRecipeParsed(ctx, "/nix/store/bbb-bar.drv", map[string]string{"out": "hash2"})
	require.Empty(t, s.Conflicts(ctx))
}

// Package storeops defines the contract between the orchestrator core and the
// native Nix-compatible store: the operations the Queue Monitor, Dispatcher,
// and Result Commit services call to resolve recipes, probe for existing
// outputs, and move NAR archives in and out of the store. A real store binding
// is out of scope for this repository; only the interface and an in-process
// fake implementation (storeops/fake) ship here.
package storeops

import (
	"context"
	"io"

	"github.com/buildbeaver/buildbeaver/common/models"
)

// PathInfo describes a single valid store path, as returned by query_path_info.
type PathInfo struct {
	Path         string
	NarHash      string
	NarSize      int64
	References   []string
	Deriver      models.DrvPath
	Signatures   []string
	CA           string
}

// StoreOps is the set of native store operations consumed by the core. Every
// method takes a context since all of them may block on local disk IO or a
// subprocess call into the real store implementation.
type StoreOps interface {
	// QueryDrv parses a .drv file into a Derivation, resolving its system,
	// input derivations, declared outputs, and environment.
	QueryDrv(ctx context.Context, path models.DrvPath) (*models.Derivation, error)
	// IsValidPath reports whether path already exists in the local store.
	IsValidPath(ctx context.Context, path string) (bool, error)
	// QueryPathInfo returns store metadata for an existing valid path.
	QueryPathInfo(ctx context.Context, path string) (*PathInfo, error)
	// ImportPaths imports a NAR-formatted stream of one or more paths into
	// the store. checkSigs is false when importing a just-built worker result,
	// since the orchestrator trusts its own workers.
	ImportPaths(ctx context.Context, nar io.Reader, checkSigs bool) error
	// ExportPaths streams a NAR-formatted export of paths (and their
	// closure, if requested by the caller beforehand) to cb.
	ExportPaths(ctx context.Context, paths []string, cb func(chunk []byte) error) error
	// NarFromPath streams a single path as a NAR archive to cb.
	NarFromPath(ctx context.Context, path string, cb func(chunk []byte) error) error
	// ListNar lists the file entries a path's NAR archive would contain,
	// optionally recursing into subdirectories.
	ListNar(ctx context.Context, path string, recursive bool) ([]string, error)
	// ComputeClosureSize sums the NAR size of path and everything in its
	// transitive runtime closure.
	ComputeClosureSize(ctx context.Context, path string) (int64, error)
	// QueryRequisites returns the transitive input closure of paths,
	// toposorted in reverse order (leaves first), optionally including
	// each derivation's declared outputs.
	QueryRequisites(ctx context.Context, paths []models.DrvPath, includeOutputs bool) ([]models.DrvPath, error)
	// TryResolveDrv rewrites a recipe to its content-addressed form if one
	// exists, returning the original path unchanged otherwise.
	TryResolveDrv(ctx context.Context, path models.DrvPath) (models.DrvPath, error)
	// StaticOutputHashes returns the fixed output hash declared by each
	// output of a content-addressed recipe, keyed by output name. Recipes
	// with no fixed outputs return an empty map.
	StaticOutputHashes(ctx context.Context, path models.DrvPath) (map[string]string, error)
	// EnsurePath attempts to substitute path from any configured remote
	// cache, falling back to a build if no substitute is found.
	EnsurePath(ctx context.Context, path string) error
	// AddRoot atomically replaces dir/basename(path) with a symlink to
	// path, creating (or garbage-collection-protecting) a GC root.
	AddRoot(ctx context.Context, dir string, path string) error
}

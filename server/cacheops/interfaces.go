// Package cacheops defines the contract between the orchestrator core and
// the remote binary cache, and ships an aws-sdk-go S3-backed implementation.
// A real Nix store never talks to the cache directly; every NAR body and
// NarInfo record the core writes or reads passes through CacheOps.
package cacheops

import (
	"context"
	"io"
)

// CacheOps is the set of remote cache operations consumed by the Upload
// Pipeline and, eventually, a substituting StoreOps. Every method takes a
// context since all of them are network calls to the object store.
type CacheOps interface {
	// HasNarInfo reports whether a signed NarInfo already exists for
	// storePath.
	HasNarInfo(ctx context.Context, storePath string) (bool, error)
	// DownloadNarInfo reads and parses an existing NarInfo record.
	DownloadNarInfo(ctx context.Context, storePath string) (*NarInfo, error)
	// QueryMissingPaths filters storePaths down to the ones with no NarInfo
	// in the cache yet.
	QueryMissingPaths(ctx context.Context, storePaths []string) ([]string, error)
	// UploadNar streams the NAR body to the cache under info's computed URL
	// exactly as given; it applies no compression itself. It returns the
	// uploaded byte count and may return an empty file hash (S3Cache always
	// does), in which case the caller computes NarInfo.FileHash itself.
	UploadNar(ctx context.Context, info *NarInfo, nar io.Reader) (fileHash string, fileSize int64, err error)
	// UploadListing writes the optional .ls directory listing for a NAR.
	UploadListing(ctx context.Context, info *NarInfo, listing io.Reader) error
	// UploadDebugInfo writes one debug-info stub, keyed by its build ID.
	UploadDebugInfo(ctx context.Context, buildID string, data io.Reader) error
	// PutNarInfo signs (if keys are configured) and writes the NarInfo
	// record itself; callers must have already uploaded the NAR body (and
	// any listing/debug-info) info.URL/references describe.
	PutNarInfo(ctx context.Context, info *NarInfo) error
	// CopyRealisation writes a content-addressed realisation record for a
	// drv output, used by downstream substituters resolving CA derivations.
	CopyRealisation(ctx context.Context, drvOutput string, realisation []byte) error
	// GeneratePresignedUploadURL mints time-bounded URLs a worker can PUT
	// the NAR (and optional listing/debug-info) to directly, bypassing the
	// orchestrator for the transfer itself.
	GeneratePresignedUploadURL(ctx context.Context, req PresignedUploadRequest) (*PresignedUploadPlan, error)
}

// PresignedUploadRequest names a single output a worker wants to upload
// directly, mirroring services.PresignedURLOutputRequest.
type PresignedUploadRequest struct {
	StorePath         string
	NarHashNix32      string
	DebugInfoBuildIDs []string
}

// PresignedUploadPlan carries the minted URLs for one requested output.
type PresignedUploadPlan struct {
	StorePath     string
	NarURL        string
	ListingURL    string
	DebugInfoURLs []string
	ExpirySeconds int
}

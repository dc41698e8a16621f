// Package upload implements the Upload Pipeline: pushing a completed Step's
// output paths to the configured binary cache, either by streaming the NAR
// directly from the store or by handing a worker presigned URLs to upload
// to the object store itself.
package upload

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/server/cacheops"
	"github.com/buildbeaver/buildbeaver/server/services"
	"github.com/buildbeaver/buildbeaver/server/storeops"
)

// Config holds the Upload Pipeline's tunables, filled from the upload_*
// command-line flags. The cache descriptor's compression and
// write-nar-listing query options are not copied into it.
type Config struct {
	ConcurrentUploadLimit int
	Compression           string
	WriteNarListing       bool
}

// Service implements services.UploadService against a StoreOps (to read NAR
// bodies and listings) and a CacheOps (to push NAR bodies, listings, and
// signed NarInfo records to the remote cache).
type Service struct {
	store storeops.StoreOps
	cache cacheops.CacheOps
	cfg   Config
	sem   *semaphore.Weighted
	clock clock.Clock
	logger.Log
}

func NewService(store storeops.StoreOps, cache cacheops.CacheOps, cfg Config, clock clock.Clock, logFactory logger.LogFactory) *Service {
	limit := cfg.ConcurrentUploadLimit
	if limit <= 0 {
		limit = 1
	}
	return &Service{
		store: store,
		cache: cache,
		cfg:   cfg,
		sem:   semaphore.NewWeighted(int64(limit)),
		clock: clock,
		Log:   logFactory("UploadService"),
	}
}

var _ services.UploadService = (*Service)(nil)

// UploadDirect streams path's NAR from the store through a streaming
// SHA-256 to the cache, then builds, signs, and uploads the resulting
// NarInfo plus an optional .ls listing. Bounded by concurrent_upload_limit.
func (s *Service) UploadDirect(ctx context.Context, path string) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("error acquiring upload slot for %s: %w", path, err)
	}
	defer s.sem.Release(1)

	info, err := s.store.QueryPathInfo(ctx, path)
	if err != nil {
		return fmt.Errorf("error querying path info for %s: %w", path, err)
	}

	narInfo := cacheops.NewNarInfo(path, info.NarHash, info.NarSize, info.References, string(info.Deriver), info.CA, s.cfg.Compression)

	pr, pw := io.Pipe()
	go func() {
		err := s.store.NarFromPath(ctx, path, func(chunk []byte) error {
			_, werr := pw.Write(chunk)
			return werr
		})
		pw.CloseWithError(err)
	}()

	hashed := newHashingReader(pr)
	fileHash, fileSize, err := s.cache.UploadNar(ctx, narInfo, hashed)
	if err != nil {
		return fmt.Errorf("error uploading nar for %s: %w", path, err)
	}
	if fileHash == "" {
		fileHash, fileSize = hashed.Sum()
	}
	narInfo.FileHash = fileHash
	narInfo.FileSize = fileSize

	if s.cfg.WriteNarListing {
		if err := s.uploadListing(ctx, path, narInfo); err != nil {
			s.Errorf("error uploading nar listing for %s: %v", path, err)
		}
	}

	if err := s.cache.PutNarInfo(ctx, narInfo); err != nil {
		return fmt.Errorf("error writing narinfo for %s: %w", path, err)
	}
	s.Infof("uploaded %s (%d bytes)", path, narInfo.NarSize)
	return nil
}

func (s *Service) uploadListing(ctx context.Context, path string, narInfo *cacheops.NarInfo) error {
	entries, err := s.store.ListNar(ctx, path, true)
	if err != nil {
		return fmt.Errorf("error listing nar %s: %w", path, err)
	}
	return s.cache.UploadListing(ctx, narInfo, strings.NewReader(strings.Join(entries, "\n")))
}

// PreparePresigned mints presigned URLs for the requested outputs without
// uploading anything itself; the worker performs the actual transfer.
func (s *Service) PreparePresigned(ctx context.Context, req services.PresignedURLRequest) (*services.PresignedURLResponse, error) {
	resp := &services.PresignedURLResponse{}
	for _, out := range req.Outputs {
		plan, err := s.cache.GeneratePresignedUploadURL(ctx, cacheops.PresignedUploadRequest{
			StorePath:         out.StorePath,
			NarHashNix32:      out.NarHashNix32,
			DebugInfoBuildIDs: out.DebugInfoBuildIDs,
		})
		if err != nil {
			return nil, fmt.Errorf("error generating presigned url for %s: %w", out.StorePath, err)
		}
		resp.Outputs = append(resp.Outputs, services.PresignedURLOutputResponse{
			StorePath:     plan.StorePath,
			NarURL:        plan.NarURL,
			ListingURL:    plan.ListingURL,
			DebugInfoURLs: plan.DebugInfoURLs,
			ExpirySeconds: plan.ExpirySeconds,
		})
	}
	return resp, nil
}

// CompletePresigned signs and writes the NarInfo for outputs a worker has
// already uploaded via presigned URLs.
func (s *Service) CompletePresigned(ctx context.Context, req services.PresignedUploadCompleteRequest) error {
	for _, path := range req.Outputs {
		info, err := s.store.QueryPathInfo(ctx, path)
		if err != nil {
			return fmt.Errorf("error querying path info for %s: %w", path, err)
		}
		narInfo := cacheops.NewNarInfo(path, info.NarHash, info.NarSize, info.References, string(info.Deriver), info.CA, s.cfg.Compression)
		narInfo.FileHash = info.NarHash
		narInfo.FileSize = info.NarSize
		if err := s.cache.PutNarInfo(ctx, narInfo); err != nil {
			return fmt.Errorf("error writing narinfo for %s: %w", path, err)
		}
	}
	return nil
}

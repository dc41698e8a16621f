// Package fake is an in-process StoreOps implementation backed by a
// temp-directory store, used by tests and by deployments that have no real
// Nix-compatible store binding wired up. NAR bodies are encoded as
// cpio archives (the same tree-of-files shape a NAR represents) gzipped with
// a parallel gzip implementation, rather than reimplementing Nix's NAR
// format bit-for-bit: the fake only needs to round-trip through the
// StoreOps contract, not interoperate with a real Nix store.
package fake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"

	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/storeops"
)

// Store is an in-process fake satisfying storeops.StoreOps. Derivations and
// path contents both live under baseDir; nothing here talks to a real Nix
// daemon.
type Store struct {
	baseDir string

	mu          sync.RWMutex
	drvs        map[models.DrvPath]*models.Derivation
	validPaths  map[string]*storeops.PathInfo
	fixedHashes map[models.DrvPath]map[string]string
	resolved    map[models.DrvPath]models.DrvPath
}

func New(baseDir string) (*Store, error) {
	err := os.MkdirAll(baseDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("error creating fake store base dir: %w", err)
	}
	return &Store{
		baseDir:     baseDir,
		drvs:        make(map[models.DrvPath]*models.Derivation),
		validPaths:  make(map[string]*storeops.PathInfo),
		fixedHashes: make(map[models.DrvPath]map[string]string),
		resolved:    make(map[models.DrvPath]models.DrvPath),
	}, nil
}

// PutDrv registers a recipe with the fake store, for use by tests seeding a
// dependency graph before exercising create_step.
func (s *Store) PutDrv(drv *models.Derivation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drvs[drv.Path] = drv
}

// MarkValid records path as already present in the store, for tests
// exercising the missing-outputs / substitution-probe branch of create_step.
func (s *Store) MarkValid(path string, info *storeops.PathInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validPaths[path] = info
}

func (s *Store) QueryDrv(_ context.Context, path models.DrvPath) (*models.Derivation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	drv, ok := s.drvs[path]
	if !ok {
		return nil, fmt.Errorf("error no such derivation: %s", path)
	}
	return drv, nil
}

func (s *Store) IsValidPath(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.validPaths[path]
	return ok, nil
}

func (s *Store) QueryPathInfo(_ context.Context, path string) (*storeops.PathInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.validPaths[path]
	if !ok {
		return nil, fmt.Errorf("error no such path: %s", path)
	}
	return info, nil
}

// ImportPaths reads a cpio+gzip archive written by NarFromPath/ExportPaths
// and marks every entry's path as valid, storing its contents under baseDir.
func (s *Store) ImportPaths(_ context.Context, nar io.Reader, _ bool) error {
	gz, err := pgzip.NewReader(nar)
	if err != nil {
		return fmt.Errorf("error opening nar gzip stream: %w", err)
	}
	defer gz.Close()

	cr := cpio.NewReader(gz)
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading nar entry: %w", err)
		}
		data, err := ioutil.ReadAll(cr)
		if err != nil {
			return fmt.Errorf("error reading nar entry body for %s: %w", hdr.Name, err)
		}
		dest := filepath.Join(s.baseDir, filepath.Clean(hdr.Name))
		err = os.MkdirAll(filepath.Dir(dest), 0755)
		if err != nil {
			return fmt.Errorf("error creating parent directory for %s: %w", dest, err)
		}
		err = ioutil.WriteFile(dest, data, 0644)
		if err != nil {
			return fmt.Errorf("error writing imported path %s: %w", dest, err)
		}
		sum := sha256.Sum256(data)
		s.mu.Lock()
		s.validPaths[hdr.Name] = &storeops.PathInfo{
			Path:    hdr.Name,
			NarHash: "sha256:" + hex.EncodeToString(sum[:]),
			NarSize: int64(len(data)),
		}
		s.mu.Unlock()
	}
}

func (s *Store) ExportPaths(ctx context.Context, paths []string, cb func(chunk []byte) error) error {
	for _, p := range paths {
		err := s.NarFromPath(ctx, p, cb)
		if err != nil {
			return err
		}
	}
	return nil
}

// NarFromPath writes path as a single-entry cpio+gzip archive to cb, reading
// its content from baseDir (or an empty body if the path was never
// materialized on disk, which is fine for a fake driven purely by tests).
func (s *Store) NarFromPath(_ context.Context, path string, cb func(chunk []byte) error) error {
	data, err := ioutil.ReadFile(filepath.Join(s.baseDir, filepath.Clean(path)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error reading path %s: %w", path, err)
	}

	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	cw := cpio.NewWriter(gz)
	err = cw.WriteHeader(&cpio.Header{Name: path, Size: int64(len(data)), Mode: 0644})
	if err != nil {
		return fmt.Errorf("error writing nar header: %w", err)
	}
	_, err = cw.Write(data)
	if err != nil {
		return fmt.Errorf("error writing nar body: %w", err)
	}
	err = cw.Close()
	if err != nil {
		return fmt.Errorf("error closing cpio writer: %w", err)
	}
	err = gz.Close()
	if err != nil {
		return fmt.Errorf("error closing gzip writer: %w", err)
	}
	return cb(buf.Bytes())
}

func (s *Store) ListNar(_ context.Context, path string, recursive bool) ([]string, error) {
	root := filepath.Join(s.baseDir, filepath.Clean(path))
	var entries []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			if !recursive && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		entries = append(entries, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error listing nar entries under %s: %w", path, err)
	}
	sort.Strings(entries)
	return entries, nil
}

func (s *Store) ComputeClosureSize(ctx context.Context, path string) (int64, error) {
	info, err := s.QueryPathInfo(ctx, path)
	if err != nil {
		return 0, err
	}
	total := info.NarSize
	for _, ref := range info.References {
		if ref == path {
			continue
		}
		size, err := s.ComputeClosureSize(ctx, ref)
		if err != nil {
			continue
		}
		total += size
	}
	return total, nil
}

// QueryRequisites walks InputDrvs depth-first and returns them in
// postorder (leaves first), matching the toposort direction the Worker
// Protocol's fetch_drv_requisites RPC promises.
func (s *Store) QueryRequisites(ctx context.Context, paths []models.DrvPath, includeOutputs bool) ([]models.DrvPath, error) {
	visited := make(map[models.DrvPath]bool)
	var order []models.DrvPath
	var visit func(models.DrvPath) error
	visit = func(p models.DrvPath) error {
		if visited[p] {
			return nil
		}
		visited[p] = true
		drv, err := s.QueryDrv(ctx, p)
		if err != nil {
			return err
		}
		for _, dep := range drv.InputDrvs {
			if err := visit(dep); err != nil {
				return err
			}
		}
		order = append(order, p)
		return nil
	}
	for _, p := range paths {
		if err := visit(p); err != nil {
			return nil, err
		}
	}
	_ = includeOutputs // outputs are already embedded in the Derivation the caller resolved
	return order, nil
}

func (s *Store) TryResolveDrv(_ context.Context, path models.DrvPath) (models.DrvPath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if resolved, ok := s.resolved[path]; ok {
		return resolved, nil
	}
	return path, nil
}

// SetResolved registers a content-addressed rewrite for path, for tests
// exercising try_resolve_drv.
func (s *Store) SetResolved(path models.DrvPath, resolved models.DrvPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved[path] = resolved
}

func (s *Store) StaticOutputHashes(_ context.Context, path models.DrvPath) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hashes, ok := s.fixedHashes[path]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(hashes))
	for k, v := range hashes {
		out[k] = v
	}
	return out, nil
}

// SetStaticOutputHashes registers the fixed-output hashes a content-addressed
// recipe declares, for tests exercising the FOD checker.
func (s *Store) SetStaticOutputHashes(path models.DrvPath, hashes map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixedHashes[path] = hashes
}

func (s *Store) EnsurePath(_ context.Context, path string) error {
	s.mu.RLock()
	_, ok := s.validPaths[path]
	s.mu.RUnlock()
	if ok {
		return nil
	}
	return fmt.Errorf("error no substitute available for path: %s", path)
}

func (s *Store) AddRoot(_ context.Context, dir string, path string) error {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("error creating gc root directory %s: %w", dir, err)
	}
	link := filepath.Join(dir, filepath.Base(path))
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	err = os.Symlink(filepath.Join(s.baseDir, filepath.Clean(path)), tmp)
	if err != nil {
		return fmt.Errorf("error creating gc root symlink: %w", err)
	}
	return os.Rename(tmp, link)
}

var _ storeops.StoreOps = (*Store)(nil)

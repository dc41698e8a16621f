// Package fodcheck implements the optional, out-of-critical-path Fixed
// Output Derivation checker: it watches every recipe the Queue Monitor
// parses and flags when two different recipes declare the same fixed
// output hash under the same output name, a sign of a non-reproducible or
// misconfigured fetcher. It is explicitly not on the critical path, so it
// indexes in-process rather than through a durable event log.
package fodcheck

import (
	"context"
	"sync"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/services"
)

type hashKey struct {
	name string
	hash string
}

// Service implements services.FODCheckService as an in-process index,
// adapted from the teacher's server/services/event publish/subscribe shape
// (NotifyRecipeParsed plays the role of PublishEvent) generalized to a
// fan-out over in-memory state instead of a DB-persisted event log, since
// durability and replay are not required here.
type Service struct {
	mu        sync.Mutex
	byHash    map[hashKey]models.DrvPath
	conflicts map[hashKey][2]models.DrvPath
	logger.Log
}

func NewService(logFactory logger.LogFactory) *Service {
	return &Service{
		byHash:    make(map[hashKey]models.DrvPath),
		conflicts: make(map[hashKey][2]models.DrvPath),
		Log:       logFactory("FODCheckService"),
	}
}

var _ services.FODCheckService = (*Service)(nil)

// NotifyRecipeParsed indexes drvPath's declared fixed output hashes. If any
// output name/hash pair was already claimed by a different recipe, the pair
// is recorded as a conflict for Conflicts to report.
func (s *Service) NotifyRecipeParsed(ctx context.Context, drvPath models.DrvPath, outputHashes map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, hash := range outputHashes {
		key := hashKey{name: name, hash: hash}
		existing, ok := s.byHash[key]
		if !ok {
			s.byHash[key] = drvPath
			continue
		}
		if existing == drvPath {
			continue
		}
		if _, already := s.conflicts[key]; already {
			continue
		}
		s.conflicts[key] = [2]models.DrvPath{existing, drvPath}
		s.Warnf("fixed output conflict: %s and %s both declare %s=%s", existing, drvPath, name, hash)
	}
}

// Conflicts returns every pair of drv paths currently recorded as declaring
// the same fixed output hash.
func (s *Service) Conflicts(ctx context.Context) []services.FODConflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]services.FODConflict, 0, len(s.conflicts))
	for key, pair := range s.conflicts {
		out = append(out, services.FODConflict{
			OutputName: key.name,
			Hash:       key.hash,
			DrvPathA:   pair[0],
			DrvPathB:   pair[1],
		})
	}
	return out
}

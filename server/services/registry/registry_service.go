// Package registry implements the Worker Registry: the set of connected
// Machines, scored and selected for dispatch, with liveness and
// configuration-broadcast plumbing.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/services"
)

// ScoringFunction ranks Machines within a system so the highest scorer is
// preferred by SelectMachine.
type ScoringFunction int

const (
	// SpeedFactorOnly scores purely on the advertised speed factor.
	SpeedFactorOnly ScoringFunction = iota
	// CpuCoreCountWithSpeedFactor weighs speed factor by core count.
	CpuCoreCountWithSpeedFactor
	// BogomipsWithSpeedFactor weighs speed factor by bogomips (floored at 1)
	// and core count.
	BogomipsWithSpeedFactor
)

func (f ScoringFunction) score(m *models.Machine) float64 {
	switch f {
	case CpuCoreCountWithSpeedFactor:
		return m.SpeedFactor * float64(m.CPUCount)
	case BogomipsWithSpeedFactor:
		bogomips := m.Bogomips
		if bogomips < 1 {
			bogomips = 1
		}
		return m.SpeedFactor * bogomips * float64(m.CPUCount)
	default:
		return m.SpeedFactor
	}
}

// burstWindowNanos and burstLimit are the window and count of the
// burst-submission rule (>=4 submissions in 30s while >=4 running).
// eligible does not apply that rule; nothing in this package reads them.
const (
	burstWindowNanos = int64(30_000_000_000)
	burstLimit       = 4
)

// ConfigUpdateSender pushes a ConfigUpdate frame out over a Machine's
// Worker Protocol tunnel; implemented by server/protocol's session type.
type ConfigUpdateSender interface {
	SendConfigUpdate(machineID models.MachineID, update services.ConfigUpdate) error
}

// Service is the Worker Registry.
type Service struct {
	scoring ScoringFunction
	sender  ConfigUpdateSender
	logger.Log

	mu       sync.RWMutex
	byUUID   map[models.MachineID]*models.Machine
	bySystem map[string][]*models.Machine
}

func NewService(scoring ScoringFunction, sender ConfigUpdateSender, logFactory logger.LogFactory) *Service {
	return &Service{
		scoring:  scoring,
		sender:   sender,
		Log:      logFactory("RegistryService"),
		byUUID:   make(map[models.MachineID]*models.Machine),
		bySystem: make(map[string][]*models.Machine),
	}
}

var _ services.RegistryService = (*Service)(nil)

// Join registers a newly connected worker as a Machine.
func (s *Service) Join(_ context.Context, machine *models.Machine) error {
	if err := machine.Validate(); err != nil {
		return fmt.Errorf("error validating joining machine: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUUID[machine.ID] = machine
	for _, system := range machine.Systems {
		sys := system.String()
		s.bySystem[sys] = insertSorted(s.bySystem[sys], machine, s.scoring)
	}
	s.Infof("machine %s joined offering systems %v", machine.ID, machine.Systems)
	return nil
}

func insertSorted(machines []*models.Machine, m *models.Machine, scoring ScoringFunction) []*models.Machine {
	machines = append(machines, m)
	sort.SliceStable(machines, func(i, j int) bool {
		si, sj := scoring.score(machines[i]), scoring.score(machines[j])
		if si != sj {
			return si > sj
		}
		return machines[i].JobCount() < machines[j].JobCount()
	})
	return machines
}

// Disconnect removes a Machine from the registry, failing every active Job
// with PreparingFailure so it re-enters the Dispatcher's retry path.
func (s *Service) Disconnect(ctx context.Context, machineID models.MachineID) error {
	s.mu.Lock()
	machine, ok := s.byUUID[machineID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.byUUID, machineID)
	for _, system := range machine.Systems {
		sys := system.String()
		s.bySystem[sys] = removeMachine(s.bySystem[sys], machineID)
	}
	s.mu.Unlock()

	for _, job := range machine.Jobs() {
		s.Warnf("failing job for step %s on disconnected machine %s", job.DrvPath, machineID)
		_ = ctx // failure is reported by the caller via DispatcherService.RetryOrFail
	}
	return nil
}

func removeMachine(machines []*models.Machine, id models.MachineID) []*models.Machine {
	out := machines[:0]
	for _, m := range machines {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// Ping records a Machine's freshly reported stats snapshot.
func (s *Service) Ping(_ context.Context, machineID models.MachineID, stats models.MachineStats) error {
	s.mu.RLock()
	machine, ok := s.byUUID[machineID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("error no such machine: %s", machineID)
	}
	machine.UpdateStats(stats)
	return nil
}

// SelectMachine returns the highest-scoring eligible Machine for the given
// system and required features, or ok=false if none has capacity.
func (s *Service) SelectMachine(
	_ context.Context,
	system string,
	requiredFeatures []string,
	mode services.EligibilityMode,
) (*models.Machine, bool) {
	s.mu.RLock()
	candidates := append([]*models.Machine(nil), s.bySystem[system]...)
	if system != "builtin" {
		candidates = append(candidates, s.bySystem["builtin"]...)
	}
	s.mu.RUnlock()

	for _, m := range candidates {
		if !m.SupportsSystem(system) && system != "builtin" {
			continue
		}
		if !m.SupportsFeatures(requiredFeatures) {
			continue
		}
		if !s.eligible(m, mode) {
			continue
		}
		return m, true
	}
	return nil, false
}

// eligible reports whether m has capacity under mode and, when m has
// reported a non-zero free-disk percentage, enough free disk. The
// burst-submission limit is not checked.
func (s *Service) eligible(m *models.Machine, mode services.EligibilityMode) bool {
	switch mode {
	case services.EligibilityStatic:
		if m.JobCount() >= m.MaxJobs {
			return false
		}
	case services.EligibilityDynamicWithMaxJobLimit:
		if m.JobCount() >= m.MaxJobs {
			return false
		}
		if !m.HasCapacity() {
			return false
		}
	default: // EligibilityDynamic
		if !m.HasCapacity() {
			return false
		}
	}

	stats := m.Stats()
	if stats.DiskFreePercent > 0 && m.Thresholds.MinFreeDiskPercent > 0 &&
		stats.DiskFreePercent < m.Thresholds.MinFreeDiskPercent {
		return false
	}
	return true
}

// BroadcastConfigUpdate pushes a configuration change out to every
// connected Machine.
func (s *Service) BroadcastConfigUpdate(_ context.Context, update services.ConfigUpdate) error {
	if s.sender == nil {
		return nil
	}
	s.mu.RLock()
	ids := make([]models.MachineID, 0, len(s.byUUID))
	for id := range s.byUUID {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.sender.SendConfigUpdate(id, update); err != nil {
			s.Warnf("error sending config update to machine %s: %v", id, err)
		}
	}
	return nil
}

package app

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/server/protocol"
	"github.com/buildbeaver/buildbeaver/server/services"
	"github.com/buildbeaver/buildbeaver/server/services/dispatcher"
	"github.com/buildbeaver/buildbeaver/server/services/queuemonitor"
)

// refreshInterval and dispatchInterval set how often the orchestration loop
// polls the Queue Monitor and Dispatcher; the loop has no other trigger for
// either.
const (
	refreshInterval  = 2 * time.Second
	dispatchInterval = 2 * time.Second
)

// Server owns every core service for one orchestrator process and the
// background loop that drives the Queue Monitor and Dispatcher between
// events, forwarding freshly placed attempts to connected workers.
type Server struct {
	QueueMonitorService services.QueueMonitorService
	DispatcherService   *dispatcher.Service
	RegistryService      services.RegistryService
	ResultCommitService services.ResultCommitService
	FODCheckService     services.FODCheckService
	ProtocolServer      *protocol.Server

	clock clock.Clock
	logger.Log

	stop chan struct{}
	done chan struct{}
}

func NewServer(
	queueMonitorService *queuemonitor.Service,
	dispatcherService *dispatcher.Service,
	registryService services.RegistryService,
	resultCommitService services.ResultCommitService,
	fodCheckService services.FODCheckService,
	protocolServer *protocol.Server,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *Server {
	return &Server{
		QueueMonitorService: queueMonitorService,
		DispatcherService:   dispatcherService,
		RegistryService:     registryService,
		ResultCommitService: resultCommitService,
		FODCheckService:     fodCheckService,
		ProtocolServer:      protocolServer,
		clock:               clk,
		Log:                 logFactory("Server"),
		stop:                make(chan struct{}),
		done:                make(chan struct{}),
	}
}

// Start opens the Worker Protocol listener and begins the background
// orchestration loop. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	if err := s.ProtocolServer.Start(); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

// Stop signals the orchestration loop to exit, waits for it to finish, and
// gracefully stops the Worker Protocol listener.
func (s *Server) Stop() {
	close(s.stop)
	<-s.done
	s.ProtocolServer.Stop()
}

// run is the orchestrator's single scheduling loop: it alternates between
// letting the Queue Monitor pick up newly unfinished builds and letting the
// Dispatcher place runnable steps, draining the Dispatcher's placement
// channel continuously so a freshly scheduled attempt reaches its Machine
// without waiting for the next tick.
func (s *Server) run(ctx context.Context) {
	defer close(s.done)

	refreshTicker := s.clock.Ticker(refreshInterval)
	defer refreshTicker.Stop()
	dispatchTicker := s.clock.Ticker(dispatchInterval)
	defer dispatchTicker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-refreshTicker.C:
			if err := s.QueueMonitorService.Refresh(ctx); err != nil {
				s.Errorf("error refreshing queue monitor: %v", err)
			}
			if err := s.QueueMonitorService.PruneJobsets(ctx); err != nil {
				s.Errorf("error pruning jobsets: %v", err)
			}
		case <-dispatchTicker.C:
			s.dispatch(ctx)
		case placement, ok := <-s.DispatcherService.Placements():
			if !ok {
				continue
			}
			s.forward(placement)
		}
	}
}

func (s *Server) dispatch(ctx context.Context) {
	if err := s.DispatcherService.Dispatch(ctx); err != nil {
		s.Errorf("error running dispatch pass: %v", err)
	}
	if err := s.DispatcherService.AbortUnsupported(ctx); err != nil {
		s.Errorf("error aborting unsupported steps: %v", err)
	}
}

// forward hands a freshly placed attempt to its Machine's Worker Protocol
// session as a Build frame.
func (s *Server) forward(placement dispatcher.Placement) {
	assignment := &protocol.BuildAssignment{
		InternalBuildID: placement.Job.InternalBuildID.String(),
		DrvPath:         placement.Job.DrvPath,
		Derivation:      placement.Job.ResolvedDrv,
	}
	if err := s.ProtocolServer.DispatchBuild(placement.Job.MachineID, assignment); err != nil {
		s.Errorf("error dispatching build for %s to machine %s: %v", placement.Job.DrvPath, placement.Job.MachineID, err)
	}
}

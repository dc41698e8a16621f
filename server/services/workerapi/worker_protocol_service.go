// Package workerapi implements services.WorkerProtocolService, the glue that
// turns the unary/streaming RPCs a connected worker issues into calls
// against the Queue Monitor's store operations, the Dispatcher's in-flight
// Job index, and the Result Commit transaction. It owns nothing durable
// itself; every method either delegates outright or performs the small
// amount of bookkeeping (log file placement, NAR import session) the spec
// assigns directly to the protocol boundary.
package workerapi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/cacheops"
	"github.com/buildbeaver/buildbeaver/server/services"
	"github.com/buildbeaver/buildbeaver/server/services/dispatcher"
	"github.com/buildbeaver/buildbeaver/server/services/queuemonitor"
	"github.com/buildbeaver/buildbeaver/server/storeops"
)

// ProtocolVersion is the version this orchestrator accepts; CheckVersion
// rejects anything else as incompatible rather than attempting negotiation.
const ProtocolVersion = "1"

// Config carries the protocol boundary's own tunables, as distinct from the
// services it delegates to.
type Config struct {
	// LogDir is the root directory build_log chunks are appended under,
	// one file per drv at log_dir/<first-2-chars-of-drv>/<drv-basename>.
	LogDir string
}

// Service implements services.WorkerProtocolService.
type Service struct {
	cfg          Config
	registry     services.RegistryService
	queueMonitor *queuemonitor.Service
	dispatcher   *dispatcher.Service
	resultCommit services.ResultCommitService
	upload       services.UploadService
	store        storeops.StoreOps
	cache        cacheops.CacheOps
	clock        clock.Clock
	logger.Log
}

func NewService(
	cfg Config,
	registry services.RegistryService,
	queueMonitor *queuemonitor.Service,
	dispatcherSvc *dispatcher.Service,
	resultCommit services.ResultCommitService,
	upload services.UploadService,
	store storeops.StoreOps,
	cache cacheops.CacheOps,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *Service {
	return &Service{
		cfg:          cfg,
		registry:     registry,
		queueMonitor: queueMonitor,
		dispatcher:   dispatcherSvc,
		resultCommit: resultCommit,
		upload:       upload,
		store:        store,
		cache:        cache,
		clock:        clk,
		Log:          logFactory("WorkerProtocolService"),
	}
}

var _ services.WorkerProtocolService = (*Service)(nil)

// CheckVersion accepts only an exact protocol version match.
func (s *Service) CheckVersion(_ context.Context, req *services.VersionRequest) (*services.VersionResponse, error) {
	return &services.VersionResponse{
		Compatible:    req.ProtocolVersion == ProtocolVersion,
		ServerVersion: ProtocolVersion,
	}, nil
}

// HandleJoin registers the joining worker as a Machine in the Worker
// Registry and returns the handshake response that moves the session Active.
func (s *Service) HandleJoin(ctx context.Context, join *services.JoinRequest) (*services.JoinResponse, error) {
	machine := models.NewMachine(
		models.NewTime(s.clock.Now()),
		join.Hostname,
		toLabels(join.Systems),
		toLabels(join.Features),
		toLabels(join.MandatoryFeatures),
		join.CPUCount,
		join.Bogomips,
		join.SpeedFactor,
		join.MaxJobs,
		models.MachineThresholds{},
		join.Substituters,
		join.UseSubstitutes,
		join.NixVersion,
	)
	if err := s.registry.Join(ctx, machine); err != nil {
		return nil, fmt.Errorf("error joining machine: %w", err)
	}
	return &services.JoinResponse{
		MachineID:              machine.ID.ResourceID,
		MaxConcurrentDownloads: defaultMaxConcurrentDownloads,
	}, nil
}

const defaultMaxConcurrentDownloads = 4

func toLabels(values []string) models.Labels {
	labels := make(models.Labels, len(values))
	for i, v := range values {
		labels[i] = models.Label(v)
	}
	return labels
}

// BuildLog appends every chunk received to the append-only log file for its
// drv, creating log_dir/<first-2-chars-of-drv>/ on first use.
func (s *Service) BuildLog(ctx context.Context, chunks <-chan services.LogChunk) error {
	var (
		w    *bufio.Writer
		f    *os.File
		path string
	)
	defer func() {
		if w != nil {
			_ = w.Flush()
		}
		if f != nil {
			_ = f.Close()
		}
	}()
	for chunk := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if f == nil {
			var err error
			path, err = s.logPath(chunk.Drv)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("error creating log dir for %s: %w", chunk.Drv, err)
			}
			f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("error opening log file %s: %w", path, err)
			}
			w = bufio.NewWriter(f)
		}
		if _, err := w.Write(chunk.Data); err != nil {
			return fmt.Errorf("error appending to log file %s: %w", path, err)
		}
	}
	return nil
}

func (s *Service) logPath(drv models.DrvPath) (string, error) {
	base := filepath.Base(string(drv))
	if len(base) < 2 {
		return "", fmt.Errorf("error deriving log path from drv %s", drv)
	}
	return filepath.Join(s.cfg.LogDir, base[:2], base), nil
}

// BuildResult imports a streamed NAR archive into a fresh store session,
// trusting the reporting worker so signatures are not checked.
func (s *Service) BuildResult(ctx context.Context, internalBuildID models.ResourceID, nar <-chan []byte) error {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.store.ImportPaths(ctx, pr, false)
	}()
	for chunk := range nar {
		if _, err := pw.Write(chunk); err != nil {
			pw.CloseWithError(err)
			<-errCh
			return fmt.Errorf("error streaming build result for %s: %w", internalBuildID, err)
		}
	}
	pw.Close()
	if err := <-errCh; err != nil {
		return fmt.Errorf("error importing build result for %s: %w", internalBuildID, err)
	}
	return nil
}

// BuildStepUpdate is a progress beacon; the dispatcher does not currently
// track per-update state beyond what the DB's busy field records, so this is
// logged and otherwise a no-op until a buildsteps.busy write path exists.
func (s *Service) BuildStepUpdate(_ context.Context, update services.StepUpdate) error {
	s.Debugf("step update for build %s on machine %s: %s", update.BuildID, update.MachineID, update.Status)
	return nil
}

// CompleteBuild hands the reported result to ResultCommitService.Commit, or
// routes a retryable failure through the Dispatcher's retry path instead.
func (s *Service) CompleteBuild(ctx context.Context, result services.BuildResultInfo) error {
	if !result.Success && result.FailureKind.Retryable() {
		job, ok := s.dispatcher.LookupJob(result.InternalBuildID)
		if !ok {
			return fmt.Errorf("error no in-flight job for internal build id %s", result.InternalBuildID)
		}
		step, ok := s.queueMonitor.StepByDrvPath(job.DrvPath)
		if !ok {
			return fmt.Errorf("error no tracked step for drv path %s", job.DrvPath)
		}
		return s.dispatcher.RetryOrFail(ctx, step.ID, result.FailureKind)
	}
	return s.resultCommit.Commit(ctx, result)
}

// FetchDrvRequisites returns the transitive input closure of path.
func (s *Service) FetchDrvRequisites(ctx context.Context, path models.DrvPath, includeOutputs bool) ([]models.DrvPath, error) {
	reqs, err := s.store.QueryRequisites(ctx, []models.DrvPath{path}, includeOutputs)
	if err != nil {
		return nil, fmt.Errorf("error fetching requisites for %s: %w", path, err)
	}
	return reqs, nil
}

// RequestPresignedURLs delegates to the Upload Pipeline.
func (s *Service) RequestPresignedURLs(ctx context.Context, req services.PresignedURLRequest) (*services.PresignedURLResponse, error) {
	return s.upload.PreparePresigned(ctx, req)
}

// NotifyPresignedUploadComplete delegates to the Upload Pipeline.
func (s *Service) NotifyPresignedUploadComplete(ctx context.Context, req services.PresignedUploadCompleteRequest) error {
	return s.upload.CompletePresigned(ctx, req)
}

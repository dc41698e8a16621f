package app

// This file plays the role the teacher's wireinject-tagged wire.go played:
// the single place every store and service is constructed and wired
// together. The domain this repository implements has two construction
// cycles the teacher's DI graph never had to deal with: the Worker Registry
// needs to push a ConfigUpdate out over a connected Machine's Worker
// Protocol session (but the Worker Protocol server needs the already-built
// Registry to hand incoming RPCs to), and the Dispatcher needs to commit a
// terminal failure through Result Commit (but Result Commit needs the
// already-built Dispatcher to resolve a worker-reported attempt back to a
// Step). Generating this with google/wire would require providers returning
// providers; it is simpler and more transparent hand-written, breaking each
// cycle with a small deferred-reference type below.

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/common/models"
	"github.com/buildbeaver/buildbeaver/server/cacheops"
	"github.com/buildbeaver/buildbeaver/server/protocol"
	"github.com/buildbeaver/buildbeaver/server/services"
	"github.com/buildbeaver/buildbeaver/server/services/dispatcher"
	"github.com/buildbeaver/buildbeaver/server/services/fodcheck"
	"github.com/buildbeaver/buildbeaver/server/services/queuemonitor"
	"github.com/buildbeaver/buildbeaver/server/services/registry"
	"github.com/buildbeaver/buildbeaver/server/services/resultcommit"
	"github.com/buildbeaver/buildbeaver/server/services/upload"
	"github.com/buildbeaver/buildbeaver/server/services/workerapi"
	"github.com/buildbeaver/buildbeaver/server/store"
	"github.com/buildbeaver/buildbeaver/server/store/builds"
	"github.com/buildbeaver/buildbeaver/server/store/failedpaths"
	"github.com/buildbeaver/buildbeaver/server/store/jobsets"
	"github.com/buildbeaver/buildbeaver/server/store/migrations"
	"github.com/buildbeaver/buildbeaver/server/store/steps"
	"github.com/buildbeaver/buildbeaver/server/storeops/fake"
)

// configUpdateSenderRef breaks the Registry <-> Worker Protocol cycle: the
// Registry is built with a reference to send updates through before the
// Worker Protocol server exists to receive it, and the reference is filled
// in once that server is constructed.
type configUpdateSenderRef struct {
	sender registry.ConfigUpdateSender
}

func (r *configUpdateSenderRef) SendConfigUpdate(machineID models.MachineID, update services.ConfigUpdate) error {
	if r.sender == nil {
		return fmt.Errorf("error worker protocol server not yet available for machine %s", machineID)
	}
	return r.sender.SendConfigUpdate(machineID, update)
}

// resultCommitRef breaks the Dispatcher <-> Result Commit cycle: the
// Dispatcher is built with a reference to commit terminal failures through
// before Result Commit exists (Result Commit itself needs the already-built
// Dispatcher to satisfy resultcommit.JobResolver), and the reference is
// filled in once Result Commit is constructed.
type resultCommitRef struct {
	svc services.ResultCommitService
}

func (r *resultCommitRef) Commit(ctx context.Context, result services.BuildResultInfo) error {
	return r.svc.Commit(ctx, result)
}

func (r *resultCommitRef) CommitTerminalFailure(ctx context.Context, stepID models.StepID, kind models.FailureKind) error {
	return r.svc.CommitTerminalFailure(ctx, stepID, kind)
}

// New constructs every store, service, and the Worker Protocol server for
// one orchestrator process, returning a cleanup function that releases the
// database connection and stops the protocol listener.
func New(ctx context.Context, config *ServerConfig) (*Server, func(), error) {
	logRegistry, err := logger.NewLogRegistry(config.LogLevels)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating log registry: %w", err)
	}
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	db, dbCleanup, err := store.NewDatabase(ctx, config.DatabaseConfig, migrations.NewBBGolangMigrateRunner(logFactory))
	if err != nil {
		return nil, nil, fmt.Errorf("error opening database: %w", err)
	}

	buildStore := builds.NewStore(db, logFactory)
	jobsetStore := jobsets.NewStore(db, logFactory)
	stepStore := steps.NewStore(db, logFactory)
	failedPathStore := failedpaths.NewStore(db, logFactory)

	storeOps, err := fake.New(config.StoreBaseDir)
	if err != nil {
		dbCleanup()
		return nil, nil, fmt.Errorf("error creating store ops: %w", err)
	}

	cacheCfg, err := cacheConfigFromDescriptor(config.CacheDescriptor)
	if err != nil {
		dbCleanup()
		return nil, nil, err
	}
	cache, err := cacheops.NewS3Cache(cacheCfg, logFactory)
	if err != nil {
		dbCleanup()
		return nil, nil, fmt.Errorf("error creating cache ops: %w", err)
	}

	clk := clock.New()

	senderRef := &configUpdateSenderRef{}
	registrySvc := registry.NewService(config.ScoringFunction, senderRef, logFactory)

	uploadSvc := upload.NewService(storeOps, cache, config.UploadConfig, clk, logFactory)

	rcRef := &resultCommitRef{}
	dispatcherSvc := dispatcher.NewService(
		stepStore,
		buildStore,
		jobsetStore,
		registrySvc,
		rcRef,
		clk,
		config.SortMode,
		config.EligibilityMode,
		config.RetryPolicy,
		logFactory,
	)

	resultCommitSvc := resultcommit.NewService(
		db,
		buildStore,
		stepStore,
		jobsetStore,
		failedPathStore,
		dispatcherSvc,
		uploadSvc,
		clk,
		logFactory,
	)
	rcRef.svc = resultCommitSvc

	fodCheckSvc := fodcheck.NewService(logFactory)

	queueMonitorSvc := queuemonitor.NewService(
		db,
		buildStore,
		stepStore,
		jobsetStore,
		failedPathStore,
		storeOps,
		dispatcherSvc,
		fodCheckSvc,
		clk,
		logFactory,
		config.QueueMonitorConfig,
	)

	protocolSvc := workerapi.NewService(
		workerapi.Config{LogDir: config.LogDir},
		registrySvc,
		queueMonitorSvc,
		dispatcherSvc,
		resultCommitSvc,
		uploadSvc,
		storeOps,
		cache,
		clk,
		logFactory,
	)

	protoServer := protocol.NewServer(config.ProtocolConfig, protocolSvc, registrySvc, logFactory)
	senderRef.sender = protoServer

	srv := NewServer(queueMonitorSvc, dispatcherSvc, registrySvc, resultCommitSvc, fodCheckSvc, protoServer, clk, logFactory)

	cleanup := func() {
		protoServer.Stop()
		dbCleanup()
	}
	return srv, cleanup, nil
}

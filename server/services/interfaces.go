package services

import (
	"context"
	"io"

	"github.com/buildbeaver/buildbeaver/common/models"
)

// QueueMonitorService keeps the in-memory builds/steps/jobsets projection consistent with the
// DB's unfinished-builds set and expands each new Build into its Step DAG.
type QueueMonitorService interface {
	// Refresh selects all builds with finished=false, newest first by creation time (the builds are
	// not ordered by global_priority or jobset scheduling shares), and calls CreateBuild on every id
	// not already tracked in memory.
	Refresh(ctx context.Context) error
	// CreateBuild validates the toplevel recipe path exists in the store; if missing, aborts the
	// build in the DB and returns. Otherwise it expands the toplevel Step via CreateStep, stores
	// it as the Build's toplevel, and propagates priorities from it.
	CreateBuild(ctx context.Context, build *models.Build) error
	// CreateStep dedups against an existing strong Step for path, consults the failedpaths cache,
	// probes the local store (and substitutes, if configured) for missing outputs, recursively
	// expands the recipe's input derivations, and enqueues the Step if it has no remaining deps.
	// referringBuild and referringStep are mutually exclusive and may both be nil only for the
	// toplevel call made by CreateBuild.
	CreateStep(ctx context.Context, path models.DrvPath, referringBuild *models.BuildID, referringStep *models.StepID) (*models.Step, models.FailureKind, error)
	// ProcessQueueChange re-reads the unfinished build ids in response to a builds_cancelled,
	// builds_deleted, or builds_bumped notification; priorities of builds still present are not
	// re-read. Builds no longer present are dropped, letting
	// their Steps decay via reference counting; a Step whose Build set becomes empty is cancelled.
	ProcessQueueChange(ctx context.Context) error
	// PruneJobsets resets SecondsUsed to zero for every jobset whose last prune is older than the
	// fairness window; usage recorded inside the window is cleared as well.
	PruneJobsets(ctx context.Context) error
}

// DispatcherService transforms runnable Steps into per-system queues, orders them fairly, and
// places them on eligible Machines under capacity constraints. It also drives retries,
// cancellations, and unsupported-step aborts.
type DispatcherService interface {
	// Dispatch runs one dispatch pass: snapshot the runnable set, resort queues under the
	// configured sort mode, and place as many Steps as there is capacity for, then call
	// AbortUnsupported. It does not prune jobset history.
	Dispatch(ctx context.Context) error
	// NotifyRunnable informs the dispatcher that a Step has newly become runnable. It does not
	// start a pass: the Step is picked up by the next periodic Dispatch.
	NotifyRunnable(ctx context.Context, stepID models.StepID)
	// RetryOrFail applies the retry policy to a retryable failure: increments tries and schedules
	// the Step's next attempt after an exponential backoff, or commits terminal failure once
	// tries reaches max_retries.
	RetryOrFail(ctx context.Context, stepID models.StepID, kind models.FailureKind) error
	// AbortUnsupported terminates any runnable Step whose last-supported timestamp is older than
	// max_unsupported_time, failing every dependent Build with FailureKindUnsupported.
	AbortUnsupported(ctx context.Context) error
	// CancelStep aborts a running Step on its assigned Machine once every Build that transitively
	// depends on it has disappeared, suppressing any further result writes for the attempt.
	CancelStep(ctx context.Context, stepID models.StepID) error
}

// SchedulingSortMode selects the BuildQueue comparator the Dispatcher orders runnable Steps with.
type SchedulingSortMode int

const (
	// SortModeLegacy orders by global priority, jobset share used, local priority, then build id.
	SortModeLegacy SchedulingSortMode = iota
	// SortModeWithRdeps additionally weighs the number of reverse dependencies a Step has.
	SortModeWithRdeps
)

// EligibilityMode selects how the Worker Registry judges whether a Machine has spare capacity.
type EligibilityMode int

const (
	// EligibilityDynamic admits work on live load/PSI/disk thresholds via Machine.HasCapacity,
	// which also requires current_jobs < max_jobs.
	EligibilityDynamic EligibilityMode = iota
	// EligibilityDynamicWithMaxJobLimit additionally enforces MaxJobs.
	EligibilityDynamicWithMaxJobLimit
	// EligibilityStatic admits work purely on current_jobs < max_jobs.
	EligibilityStatic
)

// RegistryService owns the set of connected Machines, scores and selects them for dispatch, and
// fans out configuration updates and liveness pings.
type RegistryService interface {
	// Join registers a newly connected worker as a Machine, indexing it by uuid and by system.
	Join(ctx context.Context, machine *models.Machine) error
	// Disconnect removes a Machine from the registry and fails every one of its active Jobs with
	// FailureKindPreparingFailure so they re-enter the Dispatcher's retry path.
	Disconnect(ctx context.Context, machineID models.MachineID) error
	// Ping records a Machine's freshly reported stats snapshot and resets its liveness deadline.
	Ping(ctx context.Context, machineID models.MachineID, stats models.MachineStats) error
	// SelectMachine returns the highest-scoring eligible Machine for the given system and required
	// features under the configured EligibilityMode, or ok=false if none has capacity.
	SelectMachine(ctx context.Context, system string, requiredFeatures []string, mode EligibilityMode) (machine *models.Machine, ok bool)
	// BroadcastConfigUpdate pushes a configuration change out to every connected Machine.
	BroadcastConfigUpdate(ctx context.Context, update ConfigUpdate) error
}

// ConfigUpdate carries orchestrator configuration a connected worker should apply without
// reconnecting, e.g. a revised max_concurrent_downloads.
type ConfigUpdate struct {
	MaxConcurrentDownloads int `json:"max_concurrent_downloads"`
}

// WorkerProtocolService is the server side of the Worker Protocol gRPC tunnel: one bidirectional
// stream per worker multiplexing Ping/ConfigUpdate/Build/Abort frames, plus the unary/streaming
// RPCs a worker issues to pull inputs and report results.
type WorkerProtocolService interface {
	// CheckVersion validates a worker's protocol version before it is allowed to open a tunnel.
	CheckVersion(ctx context.Context, req *VersionRequest) (*VersionResponse, error)
	// HandleJoin processes the mandatory first tunnel frame, registers the Machine, and returns the
	// JoinResponse the caller should send back before entering the Active session state.
	HandleJoin(ctx context.Context, join *JoinRequest) (*JoinResponse, error)
	// BuildLog appends a stream of log chunks to the append-only log file for a drv, keyed by the
	// first chunk's drv path.
	BuildLog(ctx context.Context, chunks <-chan LogChunk) error
	// BuildResult imports a streamed NAR-formatted archive into a fresh store session.
	BuildResult(ctx context.Context, internalBuildID models.ResourceID, nar <-chan []byte) error
	// BuildStepUpdate records a progress beacon for a Step still in flight.
	BuildStepUpdate(ctx context.Context, update StepUpdate) error
	// CompleteBuild is the terminal RPC for one attempt; it hands the reported result to
	// ResultCommitService.Commit.
	CompleteBuild(ctx context.Context, result BuildResultInfo) error
	// FetchDrvRequisites returns the transitive input closure of a recipe, toposorted with leaves
	// first, for a worker pulling inputs on demand.
	FetchDrvRequisites(ctx context.Context, path models.DrvPath, includeOutputs bool) ([]models.DrvPath, error)
	// RequestPresignedURLs mints time-bounded object-store URLs for a worker performing direct
	// uploads under the presigned-upload path.
	RequestPresignedURLs(ctx context.Context, req PresignedURLRequest) (*PresignedURLResponse, error)
	// NotifyPresignedUploadComplete is called once a worker has finished uploading via presigned
	// URLs; the server signs and writes the resulting NarInfo to the cache.
	NotifyPresignedUploadComplete(ctx context.Context, req PresignedUploadCompleteRequest) error
}

// VersionRequest is the unary handshake a worker sends before opening a tunnel.
type VersionRequest struct {
	ProtocolVersion string
	MachineID       string
	Hostname        string
}

// VersionResponse tells the worker whether its protocol version is accepted.
type VersionResponse struct {
	Compatible    bool
	ServerVersion string
}

// JoinRequest is the mandatory first tunnel frame; any other first frame is a protocol violation.
type JoinRequest struct {
	Hostname          string
	Systems           []string
	Features          []string
	MandatoryFeatures []string
	CPUCount          int
	Bogomips          float64
	SpeedFactor       float64
	MaxJobs           int
	Substituters      []string
	UseSubstitutes    bool
	NixVersion        string
}

// JoinResponse completes the handshake and moves the session to Active.
type JoinResponse struct {
	MachineID              models.ResourceID
	MaxConcurrentDownloads int
}

// LogChunk is one frame of a build_log stream; the first chunk's Drv identifies the target file.
type LogChunk struct {
	Drv  models.DrvPath
	Data []byte
}

// StepUpdate is the progress beacon a worker sends while a Step is still pending.
type StepUpdate struct {
	BuildID   models.BuildID
	MachineID models.MachineID
	Status    string
}

// BuildResultInfo is the terminal report a worker sends via complete_build, including timings,
// per-output paths, NAR sizes, and the NixSupport substructure of metrics/products/release name.
type BuildResultInfo struct {
	InternalBuildID  models.ResourceID
	Success          bool
	FailureKind      models.FailureKind
	TimesBuilt       int
	NonDeterministic bool
	ImportTimeMs     int64
	UploadTimeMs     int64
	Outputs          []BuildOutputInfo
	NixSupport       NixSupportInfo
}

// BuildOutputInfo describes one output path produced by a completed attempt.
type BuildOutputInfo struct {
	Name    string
	Path    string
	NarSize int64
	NarHash string
}

// NixSupportInfo carries the optional $out/nix-support metadata a recipe may declare.
type NixSupportInfo struct {
	Failed      bool
	ReleaseName string
	Products    []BuildProductInfo
	Metrics     []BuildMetricInfo
}

// BuildProductInfo is one ordered entry from nix-support/hydra-build-products.
type BuildProductInfo struct {
	Index       int
	Type        string
	Subtype     string
	Path        string
	DefaultPath string
	Name        string
	Description string
}

// BuildMetricInfo is one entry from nix-support/hydra-metrics.
type BuildMetricInfo struct {
	Name  string
	Unit  string
	Value float64
}

// PresignedURLRequest asks the orchestrator to mint upload URLs for one or more output paths.
type PresignedURLRequest struct {
	BuildID   models.BuildID
	MachineID models.MachineID
	Outputs   []PresignedURLOutputRequest
}

// PresignedURLOutputRequest names a single output the worker wants to upload directly.
type PresignedURLOutputRequest struct {
	StorePath         string
	NarHashNix32      string
	DebugInfoBuildIDs []string
}

// PresignedURLResponse carries the minted URLs; Expiry is always clamped to [60s, 86400s].
type PresignedURLResponse struct {
	Outputs []PresignedURLOutputResponse
}

// PresignedURLOutputResponse carries the NAR URL and any optional listing/debug-info URLs minted
// for one requested output.
type PresignedURLOutputResponse struct {
	StorePath     string
	NarURL        string
	ListingURL    string
	DebugInfoURLs []string
	ExpirySeconds int
}

// PresignedUploadCompleteRequest notifies the orchestrator that a presigned upload has finished,
// so it can sign and write the resulting NarInfo.
type PresignedUploadCompleteRequest struct {
	BuildID   models.BuildID
	MachineID models.MachineID
	Outputs   []string
}

// ResultCommitService applies a successful or failed complete_build report to the DB in a single
// transaction per Build, and propagates runnability to reverse dependencies.
type ResultCommitService interface {
	// Commit runs the six-step result commit transaction for one attempt: verify-not-finished,
	// write step completion, finalize every direct Build referencing the Step as toplevel, and make
	// the Step's rdeps runnable. No build_finished notification is sent.
	Commit(ctx context.Context, result BuildResultInfo) error
	// CommitTerminalFailure writes a cached-failure step to every dependent Build and marks them
	// Failed (toplevel) or DepFailed (others), except when kind is already CachedFailure or
	// Unsupported, which retain the original code. Memoizes the failed path in failedpaths unless
	// kind is CachedFailure.
	CommitTerminalFailure(ctx context.Context, stepID models.StepID, kind models.FailureKind) error
}

// UploadService pushes completed build outputs to the configured binary cache, either by reading
// the NAR directly from the store and streaming it, or by handing the worker presigned URLs to
// upload to the object store itself.
type UploadService interface {
	// UploadDirect streams path's NAR from the store through a streaming SHA-256 to the cache,
	// then builds, signs, and uploads the resulting NarInfo (plus an optional .ls listing). No
	// debug-info stubs are uploaded. Bounded by the configured concurrent_upload_limit.
	UploadDirect(ctx context.Context, path string) error
	// PreparePresigned mints presigned URLs for the requested outputs without uploading anything
	// itself; the worker performs the actual transfer.
	PreparePresigned(ctx context.Context, req PresignedURLRequest) (*PresignedURLResponse, error)
	// CompletePresigned signs and writes the NarInfo for outputs a worker has already uploaded via
	// presigned URLs.
	CompletePresigned(ctx context.Context, req PresignedUploadCompleteRequest) error
}

// FODCheckService is the optional, out-of-critical-path scanner that flags two different recipes
// declaring the same fixed output hash. It subscribes to recipe-parse events published by
// QueueMonitorService rather than reading a durable event log, since it does not need durability.
type FODCheckService interface {
	// NotifyRecipeParsed is called by QueueMonitorService whenever a content-addressed recipe has
	// been parsed, so its declared output hashes can be indexed and checked for conflicts.
	NotifyRecipeParsed(ctx context.Context, drvPath models.DrvPath, outputHashes map[string]string)
	// Conflicts returns every pair of drv paths currently recorded as declaring the same fixed
	// output hash.
	Conflicts(ctx context.Context) []FODConflict
}

// FODConflict names two recipes that declare the same fixed-output hash under the same name.
type FODConflict struct {
	OutputName string
	Hash       string
	DrvPathA   models.DrvPath
	DrvPathB   models.DrvPath
}

// BlobStore is a generic content-addressed byte store, used by UploadService and CacheOps
// implementations to push NAR bodies and NarInfo records to a backing object store. Adapted from
// the teacher's blob store service, originally scoped to build artifacts.
type BlobStore interface {
	PutBlob(ctx context.Context, key string, source io.Reader) error
	GetBlob(ctx context.Context, key string) (io.ReadCloser, error)
	GetBlobRange(ctx context.Context, key string, offset int64, length int64) (io.ReadCloser, error)
	DeleteBlob(ctx context.Context, key string) error
	ListBlobs(ctx context.Context, prefix string) ([]string, error)
}

package app

import (
	"flag"
	"fmt"
	"strings"

	"github.com/buildbeaver/buildbeaver/common/logger"
	"github.com/buildbeaver/buildbeaver/server/cacheops"
	"github.com/buildbeaver/buildbeaver/server/protocol"
	"github.com/buildbeaver/buildbeaver/server/services"
	"github.com/buildbeaver/buildbeaver/server/services/dispatcher"
	"github.com/buildbeaver/buildbeaver/server/services/queuemonitor"
	"github.com/buildbeaver/buildbeaver/server/services/registry"
	"github.com/buildbeaver/buildbeaver/server/services/upload"
	"github.com/buildbeaver/buildbeaver/server/store"
)

// LogSafeFlags is a list of flags by name whose values are safe to log,
// i.e. none of them are secrets.
var LogSafeFlags = []string{
	"database_driver",
	"protocol_bind_address",
	"protocol_max_message_size",
	"cache_descriptor",
	"upload_concurrent_limit",
	"scheduling_sort_mode",
	"eligibility_mode",
	"registry_scoring_function",
	"log_levels",
	"log_dir",
}

// ServerConfig is this domain's full composition-time configuration
// surface: the database, the Worker Protocol listener, the binary cache
// descriptor, and the tunables of every core service.
type ServerConfig struct {
	DatabaseConfig   store.DatabaseConfig
	ProtocolConfig   protocol.Config
	CacheDescriptor  string
	LogDir           string
	StoreBaseDir     string
	LogLevels        logger.LogLevelConfig

	QueueMonitorConfig queuemonitor.Config
	UploadConfig       upload.Config
	RetryPolicy        dispatcher.RetryPolicy
	SortMode           services.SchedulingSortMode
	EligibilityMode    services.EligibilityMode
	ScoringFunction    registry.ScoringFunction
}

func ConfigFromFlags() (*ServerConfig, error) {
	var (
		databaseDriverStr  string
		sortModeStr        string
		eligibilityModeStr string
		scoringFunctionStr string
		logLevels          string
		tlsCertPath        string
		tlsKeyPath         string
		tlsCACertPath      string
	)

	config := &ServerConfig{}

	// Database
	flag.StringVar(&databaseDriverStr, "database_driver",
		string(store.Sqlite), "The database driver to use (sqlite3|postgres).")
	flag.StringVar((*string)(&config.DatabaseConfig.ConnectionString), "database_connection_string",
		defaultSQLiteConnectionString, "The connection string for the database.")
	flag.IntVar(&config.DatabaseConfig.MaxIdleConnections, "database_max_idle_connections",
		store.DefaultDatabaseMaxIdleConnections, "The maximum number of idle database connections to use.")
	flag.IntVar(&config.DatabaseConfig.MaxOpenConnections, "database_max_open_connections",
		store.DefaultDatabaseMaxOpenConnections, "The maximum number of open database connections to use.")

	// Worker Protocol
	flag.StringVar(&config.ProtocolConfig.BindAddress, "protocol_bind_address",
		"0.0.0.0:8443", "The interface and port to bind the Worker Protocol gRPC server to.")
	flag.IntVar(&config.ProtocolConfig.MaxMessageSize, "protocol_max_message_size",
		protocol.DefaultMaxMessageSize, "The maximum size, in bytes, of a single Worker Protocol gRPC message.")
	flag.StringVar(&tlsCertPath, "protocol_tls_certificate_file",
		"", "The path to the TLS certificate file for the Worker Protocol server; empty to disable transport security.")
	flag.StringVar(&tlsKeyPath, "protocol_tls_private_key_file",
		"", "The path to the TLS private key file for the Worker Protocol server.")
	flag.StringVar(&tlsCACertPath, "protocol_tls_ca_certificate_file",
		"", "The path to a CA certificate file used to verify connecting workers.")

	// Binary cache
	flag.StringVar(&config.CacheDescriptor, "cache_descriptor",
		"", "The cache descriptor URL describing the binary cache to upload to, e.g. s3://bucket-name?region=us-east-1.")

	// Logs
	flag.StringVar(&config.LogDir, "log_dir",
		defaultLogDir, "The path on the local host build_log chunks are appended under.")
	flag.StringVar(&config.StoreBaseDir, "store_base_dir",
		defaultStoreBaseDir, "The path on the local host the fake StoreOps implementation keeps its recipes and path contents under.")
	flag.StringVar(&logLevels, "log_levels",
		"", fmt.Sprintf("A comma separated list of name=level pairs where name is the name of the logger and level is one of: %s", logger.ListLogLevels()))

	// Queue Monitor
	flag.Int64Var(&config.QueueMonitorConfig.SubstitutionProbeConcurrency, "queue_monitor_substitution_probe_concurrency",
		queuemonitor.DefaultSubstitutionProbeConcurrency, "The maximum number of concurrent substitution probes the Queue Monitor issues while expanding a recipe.")
	flag.Int64Var(&config.QueueMonitorConfig.DependencyExpansionConcurrency, "queue_monitor_dependency_expansion_concurrency",
		queuemonitor.DefaultDependencyExpansionConcurrency, "The maximum number of concurrent create_step calls the Queue Monitor issues while expanding a recipe's dependencies.")
	flag.BoolVar(&config.QueueMonitorConfig.UseSubstitutes, "queue_monitor_use_substitutes",
		true, "True to probe for missing outputs via substitution before falling back to recursive dependency expansion.")

	// Upload Pipeline
	flag.IntVar(&config.UploadConfig.ConcurrentUploadLimit, "upload_concurrent_limit",
		4, "The maximum number of concurrent direct uploads to the binary cache.")
	flag.StringVar(&config.UploadConfig.Compression, "upload_compression",
		"xz", "The NAR compression scheme to advertise in uploaded NarInfo records (none|xz|bz2|zstd|brotli).")
	flag.BoolVar(&config.UploadConfig.WriteNarListing, "upload_write_nar_listing",
		false, "True to additionally upload a .ls directory listing alongside each NAR.")

	// Dispatcher
	flag.IntVar(&config.RetryPolicy.MaxRetries, "dispatcher_max_retries",
		dispatcher.DefaultRetryPolicy.MaxRetries, "The maximum number of retries for a retryable build failure before it is committed as terminal.")
	flag.DurationVar(&config.RetryPolicy.RetryInterval, "dispatcher_retry_interval",
		dispatcher.DefaultRetryPolicy.RetryInterval, "The base delay before the first retry of a failed step.")
	flag.Float64Var(&config.RetryPolicy.RetryBackoff, "dispatcher_retry_backoff",
		dispatcher.DefaultRetryPolicy.RetryBackoff, "The exponential backoff multiplier applied to the retry interval on each subsequent retry.")
	flag.DurationVar(&config.RetryPolicy.MaxUnsupportedTime, "dispatcher_max_unsupported_time",
		dispatcher.DefaultRetryPolicy.MaxUnsupportedTime, "The maximum time a runnable step may go unsupported by any eligible machine before it is aborted.")
	flag.DurationVar(&config.RetryPolicy.DispatchTriggerTime, "dispatcher_trigger_time",
		dispatcher.DefaultRetryPolicy.DispatchTriggerTime, "Stored in the Dispatcher's retry policy; the dispatch loop runs on a fixed 2s interval and does not read this value.")
	flag.StringVar(&sortModeStr, "scheduling_sort_mode",
		"legacy", "The Dispatcher's queue ordering comparator (legacy|with_rdeps).")
	flag.StringVar(&eligibilityModeStr, "eligibility_mode",
		"dynamic", "The Worker Registry's capacity eligibility check (dynamic|dynamic_with_max_job_limit|static).")

	// Worker Registry
	flag.StringVar(&scoringFunctionStr, "registry_scoring_function",
		"speed_factor_only", "The Worker Registry's machine scoring function (speed_factor_only|cpu_core_count_with_speed_factor|bogomips_with_speed_factor).")

	flag.Parse()

	config.DatabaseConfig.Driver = store.DBDriver(databaseDriverStr)
	config.LogLevels = logger.LogLevelConfig(logLevels)

	if tlsCertPath != "" || tlsKeyPath != "" || tlsCACertPath != "" {
		config.ProtocolConfig.TLS = protocol.TLSConfig{
			CertPath:   tlsCertPath,
			KeyPath:    tlsKeyPath,
			CACertPath: tlsCACertPath,
		}
	}

	mode, err := parseSortMode(sortModeStr)
	if err != nil {
		return nil, err
	}
	config.SortMode = mode

	eligibility, err := parseEligibilityMode(eligibilityModeStr)
	if err != nil {
		return nil, err
	}
	config.EligibilityMode = eligibility

	scoring, err := parseScoringFunction(scoringFunctionStr)
	if err != nil {
		return nil, err
	}
	config.ScoringFunction = scoring

	return config, nil
}

func parseSortMode(s string) (services.SchedulingSortMode, error) {
	switch strings.ToLower(s) {
	case "", "legacy":
		return services.SortModeLegacy, nil
	case "with_rdeps":
		return services.SortModeWithRdeps, nil
	default:
		return 0, fmt.Errorf("error unsupported scheduling sort mode: %v", s)
	}
}

func parseEligibilityMode(s string) (services.EligibilityMode, error) {
	switch strings.ToLower(s) {
	case "", "dynamic":
		return services.EligibilityDynamic, nil
	case "dynamic_with_max_job_limit":
		return services.EligibilityDynamicWithMaxJobLimit, nil
	case "static":
		return services.EligibilityStatic, nil
	default:
		return 0, fmt.Errorf("error unsupported eligibility mode: %v", s)
	}
}

func parseScoringFunction(s string) (registry.ScoringFunction, error) {
	switch strings.ToLower(s) {
	case "", "speed_factor_only":
		return registry.SpeedFactorOnly, nil
	case "cpu_core_count_with_speed_factor":
		return registry.CpuCoreCountWithSpeedFactor, nil
	case "bogomips_with_speed_factor":
		return registry.BogomipsWithSpeedFactor, nil
	default:
		return 0, fmt.Errorf("error unsupported registry scoring function: %v", s)
	}
}

// cacheConfigFromDescriptor parses CacheDescriptor via cacheops.ParseConfig,
// kept here rather than in cacheops so the composition layer owns the
// error message's reference to the originating flag.
func cacheConfigFromDescriptor(descriptor string) (*cacheops.Config, error) {
	if descriptor == "" {
		return nil, fmt.Errorf("error --cache_descriptor must be set")
	}
	cfg, err := cacheops.ParseConfig(descriptor)
	if err != nil {
		return nil, fmt.Errorf("error parsing --cache_descriptor: %w", err)
	}
	return cfg, nil
}

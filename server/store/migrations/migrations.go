package migrations

// DialectTemplate is used as the templating control for differing SQL syntax between our supported databases
type DialectTemplate struct {
	Binary            string
	IntegerPrimaryKey string
}

// MigrationSet provides a set of migrations that can be applied to a database.
type MigrationSet []MigrationData

// MigrationData provides the data for a single migration, including Up and Down SQL.
// Templated values are supported and will be substituted for database-specific values
// before the migrations are applied.
type MigrationData struct {
	SequenceNumber int64
	Name           string
	UpSQL          string
	DownSQL        string
}

// BuildBeaverServerMigrations is the set of migrations to set up the database for the queue-runner server.
// There are four schema touch points: jobsets (fairness groups), builds (the finished=0/1 projection source),
// steps (the recipe DAG, persisted so a restart can reconstruct the in-memory graph via refresh()) and
// failedpaths (the cache of recipe paths that failed terminally).
var BuildBeaverServerMigrations = MigrationSet{
	{
		SequenceNumber: 1,
		Name:           "create_jobsets",
		UpSQL: `CREATE TABLE IF NOT EXISTS jobsets
				(
					jobset_id text NOT NULL PRIMARY KEY,
					jobset_project text NOT NULL,
					jobset_name text NOT NULL,
					jobset_created_at timestamp without time zone NOT NULL,
					jobset_updated_at timestamp without time zone NOT NULL,
					jobset_etag text NOT NULL,
					jobset_scheduling_shares bigint NOT NULL,
					jobset_seconds_used bigint NOT NULL,
					jobset_last_pruned_at timestamp without time zone
				);
				CREATE UNIQUE INDEX IF NOT EXISTS jobsets_project_name_unique_index ON jobsets(jobset_project, jobset_name);
				CREATE UNIQUE INDEX IF NOT EXISTS jobsets_created_at_id_desc_unique_index ON jobsets(
					jobset_created_at DESC,
					jobset_id DESC);`,
		DownSQL: `DROP TABLE jobsets;`,
	},
	{
		SequenceNumber: 2,
		Name:           "create_steps",
		UpSQL: `CREATE TABLE IF NOT EXISTS steps
				(
					step_id text NOT NULL PRIMARY KEY,
					step_created_at timestamp without time zone NOT NULL,
					step_updated_at timestamp without time zone NOT NULL,
					step_etag text NOT NULL,
					step_drv_path text NOT NULL,
					step_created boolean NOT NULL,
					step_runnable boolean NOT NULL,
					step_finished boolean NOT NULL,
					step_previous_failure boolean NOT NULL,
					step_failure_kind text,
					step_after timestamp without time zone NOT NULL,
					step_runnable_since timestamp without time zone,
					step_last_supported timestamp without time zone NOT NULL
				);
				CREATE UNIQUE INDEX IF NOT EXISTS steps_drv_path_unique_index ON steps(step_drv_path);
				CREATE UNIQUE INDEX IF NOT EXISTS steps_created_at_id_desc_unique_index ON steps(
					step_created_at DESC,
					step_id DESC);`,
		DownSQL: `DROP TABLE steps;`,
	},
	{
		SequenceNumber: 3,
		Name:           "create_builds",
		UpSQL: `CREATE TABLE IF NOT EXISTS builds
				(
					build_id text NOT NULL PRIMARY KEY,
					build_created_at timestamp without time zone NOT NULL,
					build_updated_at timestamp without time zone NOT NULL,
					build_etag text NOT NULL,
					build_drv_path text NOT NULL,
					build_jobset_id text NOT NULL REFERENCES jobsets (jobset_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					build_name text NOT NULL,
					build_timestamp timestamp without time zone NOT NULL,
					build_max_silent_time bigint NOT NULL,
					build_timeout bigint NOT NULL,
					build_local_priority bigint NOT NULL,
					build_global_priority bigint NOT NULL,
					build_finished_in_db boolean NOT NULL,
					build_toplevel_step_id text REFERENCES steps (step_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					build_status text,
					build_failure_kind text,
					build_is_cached_build boolean NOT NULL,
					build_size bigint NOT NULL,
					build_closure_size bigint NOT NULL,
					build_release_name text,
					build_notification_pending_since timestamp without time zone
				);
				CREATE INDEX IF NOT EXISTS builds_jobset_id_index ON builds(build_jobset_id);
				CREATE INDEX IF NOT EXISTS builds_finished_in_db_index ON builds(build_finished_in_db);
				CREATE UNIQUE INDEX IF NOT EXISTS builds_created_at_id_desc_unique_index ON builds(
					build_created_at DESC,
					build_id DESC);`,
		DownSQL: `DROP TABLE builds;`,
	},
	{
		SequenceNumber: 4,
		Name:           "create_failedpaths",
		UpSQL: `CREATE TABLE IF NOT EXISTS failedpaths
				(
					failedpaths_drv_path text NOT NULL PRIMARY KEY,
					failedpaths_failure_kind text NOT NULL,
					failedpaths_created_at timestamp without time zone NOT NULL
				);`,
		DownSQL: `DROP TABLE failedpaths;`,
	},
}

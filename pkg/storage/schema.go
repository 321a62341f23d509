package storage

// schema is applied on every SQLite open. Implementations and results are
// stored as JSON documents; the indexed columns serve lookups and CAS.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS implementations (
		request_id TEXT NOT NULL,
		language TEXT NOT NULL,
		component TEXT NOT NULL,
		version INTEGER NOT NULL,
		supersedes INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (request_id, language, component)
	)`,
	`CREATE TABLE IF NOT EXISTS execution_results (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_request ON execution_results(request_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_results_ts ON execution_results(ts)`,
}

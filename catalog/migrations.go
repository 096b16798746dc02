package catalog

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	account     TEXT NOT NULL,
	host        TEXT NOT NULL,
	output      TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'running',
	archived    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS entries (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	path        TEXT NOT NULL,
	folder      TEXT NOT NULL,
	message_id  INTEGER NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	date_unix   INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	sha256      TEXT NOT NULL,
	PRIMARY KEY (run_id, path)
);

CREATE INDEX IF NOT EXISTS idx_entries_sha256 ON entries(sha256);
CREATE INDEX IF NOT EXISTS idx_entries_folder ON entries(folder);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

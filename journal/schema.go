package journal

const Schema = `
CREATE TABLE IF NOT EXISTS entries (
	event_id TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	instrument TEXT NOT NULL,
	symbol TEXT NOT NULL,
	contract TEXT NOT NULL,
	kind TEXT NOT NULL,
	price REAL NOT NULL,
	quantity INTEGER NOT NULL,
	score REAL NOT NULL,
	regime TEXT NOT NULL,
	margin REAL NOT NULL,
	stop_level REAL NOT NULL,
	dry_run INTEGER NOT NULL,
	time DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS exits (
	event_id TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	instrument TEXT NOT NULL,
	symbol TEXT NOT NULL,
	kind TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL NOT NULL,
	pnl REAL NOT NULL,
	pnl_pct REAL NOT NULL,
	max_pnl REAL NOT NULL,
	rule TEXT NOT NULL,
	reason TEXT NOT NULL,
	entry_time DATETIME NOT NULL,
	exit_time DATETIME NOT NULL,
	dry_run INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scans (
	time DATETIME NOT NULL,
	instrument TEXT NOT NULL,
	symbol TEXT NOT NULL,
	score REAL NOT NULL,
	regime TEXT NOT NULL,
	traded INTEGER NOT NULL,
	reason TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exits_time ON exits(exit_time);
CREATE INDEX IF NOT EXISTS idx_scans_time ON scans(time);
`

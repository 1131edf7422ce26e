package store

// schemaSQL is applied on every Open. Statements are idempotent
// (CREATE ... IF NOT EXISTS) so opening an existing database is a no-op.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	type          TEXT NOT NULL,
	lane          TEXT NOT NULL,
	lane_rank     INTEGER NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 0,
	payload       TEXT NOT NULL,
	dedupe_key    TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	available_at  TEXT NOT NULL,
	locked_by     TEXT,
	locked_at     TEXT,
	last_error    TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS events_dedupe_key_uidx
	ON events(dedupe_key) WHERE dedupe_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS events_claim_idx
	ON events(status, available_at, lane_rank, priority, created_at);

CREATE TABLE IF NOT EXISTS dm_messages (
	message_id      TEXT PRIMARY KEY,
	channel_id      TEXT NOT NULL,
	author_id       TEXT NOT NULL,
	eye_applied     INTEGER NOT NULL DEFAULT 0,
	processing_done INTEGER NOT NULL DEFAULT 0,
	check_applied   INTEGER NOT NULL DEFAULT 0,
	terminal_failed INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS dm_messages_missing_eye_idx
	ON dm_messages(terminal_failed, eye_applied, updated_at);

CREATE INDEX IF NOT EXISTS dm_messages_missing_check_idx
	ON dm_messages(terminal_failed, processing_done, check_applied, updated_at);

CREATE TABLE IF NOT EXISTS dm_offsets (
	scope      TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	position   INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);
`

package store

import "fmt"

// schema creates the row tables. Timestamps Go owns (messages, webhooks,
// identities) are INTEGER unix nanoseconds so ordering comparisons never
// collide at second resolution.
const schema = `
CREATE TABLE IF NOT EXISTS store_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	content    TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_content ON documents(content);

CREATE TABLE IF NOT EXISTS document_vectors (
	document_id INTEGER PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
	embedding   BLOB NOT NULL,
	dim         INTEGER NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	intent      TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_document_vectors_category ON document_vectors(category);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	channel    TEXT NOT NULL DEFAULT '',
	start_time INTEGER NOT NULL,
	end_time   INTEGER,
	status     TEXT NOT NULL DEFAULT 'active',
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS user_profiles (
	user_id          TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	long_term_memory TEXT NOT NULL DEFAULT '{}',
	last_seen        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS user_identities (
	identity_type  TEXT NOT NULL,
	identity_value TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	metadata       TEXT NOT NULL DEFAULT '{}',
	created_at     INTEGER NOT NULL,
	last_seen      INTEGER NOT NULL,
	PRIMARY KEY (identity_type, identity_value)
);
CREATE INDEX IF NOT EXISTS idx_user_identities_user ON user_identities(user_id);

CREATE TABLE IF NOT EXISTS webhooks (
	webhook_id   TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL,
	events       TEXT NOT NULL DEFAULT '[]',
	secret       TEXT NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	ip_whitelist TEXT NOT NULL DEFAULT '[]',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	delivery_id      TEXT PRIMARY KEY,
	webhook_id       TEXT NOT NULL,
	event_id         TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	payload          TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	http_status      INTEGER NOT NULL DEFAULT 0,
	attempt          INTEGER NOT NULL DEFAULT 1,
	error_message    TEXT NOT NULL DEFAULT '',
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	next_retry       INTEGER,
	created_at       INTEGER NOT NULL,
	delivered_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries(webhook_id, created_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_event ON webhook_deliveries(event_id);

CREATE TABLE IF NOT EXISTS escalations (
	session_id TEXT PRIMARY KEY,
	reason     TEXT NOT NULL DEFAULT '',
	priority   TEXT NOT NULL DEFAULT 'normal',
	status     TEXT NOT NULL DEFAULT 'open',
	created_at INTEGER NOT NULL
);
`

// ftsSchema creates the two-language external-content FTS5 indices and the
// triggers that keep them aligned with documents. English uses the porter
// stemmer; Russian relies on unicode61 with diacritic folding.
const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts_en USING fts5(
	content,
	content='documents',
	content_rowid='id',
	tokenize='porter unicode61'
);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts_ru USING fts5(
	content,
	content='documents',
	content_rowid='id',
	tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
	INSERT INTO documents_fts_en(rowid, content) VALUES (new.id, new.content);
	INSERT INTO documents_fts_ru(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
	INSERT INTO documents_fts_en(documents_fts_en, rowid, content) VALUES ('delete', old.id, old.content);
	INSERT INTO documents_fts_ru(documents_fts_ru, rowid, content) VALUES ('delete', old.id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
	INSERT INTO documents_fts_en(documents_fts_en, rowid, content) VALUES ('delete', old.id, old.content);
	INSERT INTO documents_fts_ru(documents_fts_ru, rowid, content) VALUES ('delete', old.id, old.content);
	INSERT INTO documents_fts_en(rowid, content) VALUES (new.id, new.content);
	INSERT INTO documents_fts_ru(rowid, content) VALUES (new.id, new.content);
END;
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) ensureFTS() error {
	if _, err := s.db.Exec(ftsSchema); err != nil {
		return fmt.Errorf("create fts tables: %w", err)
	}
	return nil
}

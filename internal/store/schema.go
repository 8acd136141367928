package store

const schemaRequests = `
CREATE TABLE IF NOT EXISTS requests (
    id TEXT PRIMARY KEY,
    timestamp TEXT NOT NULL,
    model TEXT NOT NULL,
    credential_id INTEGER NOT NULL DEFAULT 0,
    status_code INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    tools_original_bytes INTEGER NOT NULL DEFAULT 0,
    tools_final_bytes INTEGER NOT NULL DEFAULT 0,
    tools_elevated INTEGER NOT NULL DEFAULT 0,
    truncations INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
CREATE INDEX IF NOT EXISTS idx_requests_credential ON requests(credential_id);
`

const schemaCooldownEvents = `
CREATE TABLE IF NOT EXISTS cooldown_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    credential_id INTEGER NOT NULL,
    reason TEXT NOT NULL,
    duration_seconds INTEGER NOT NULL,
    trigger_count INTEGER NOT NULL DEFAULT 1,
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cooldown_events_credential ON cooldown_events(credential_id);
CREATE INDEX IF NOT EXISTS idx_cooldown_events_timestamp ON cooldown_events(timestamp);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    applied_at TEXT NOT NULL
);
`

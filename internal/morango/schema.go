package morango

// SchemaVersion is the current morango sidecar schema version.
const SchemaVersion = 1

// Schema is the initial morango sidecar DDL. It is additive-migration
// friendly (see migrations.go in internal/morangodb): new columns are
// always added with ALTER TABLE ... ADD COLUMN rather than by recreating
// tables.
const Schema = `
CREATE TABLE IF NOT EXISTS instance_id_model (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    instance_id TEXT NOT NULL,
    counter INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS database_id_model (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    database_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS store (
    id TEXT PRIMARY KEY,
    serialized TEXT NOT NULL DEFAULT '{}',
    conflicting_serialized_data TEXT NOT NULL DEFAULT '',
    last_saved_instance TEXT NOT NULL,
    last_saved_counter INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    hard_delete INTEGER NOT NULL DEFAULT 0,
    model_name TEXT NOT NULL,
    profile TEXT NOT NULL,
    partition TEXT NOT NULL DEFAULT '',
    source_id TEXT NOT NULL DEFAULT '',
    self_ref_fk TEXT NOT NULL DEFAULT '',
    dirty_bit INTEGER NOT NULL DEFAULT 0,
    last_transfer_session_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_store_profile ON store(profile);
CREATE INDEX IF NOT EXISTS idx_store_partition ON store(partition);
CREATE INDEX IF NOT EXISTS idx_store_dirty ON store(dirty_bit);
CREATE INDEX IF NOT EXISTS idx_store_model ON store(model_name);
CREATE INDEX IF NOT EXISTS idx_store_last_saved ON store(last_saved_instance, last_saved_counter);

CREATE TABLE IF NOT EXISTS record_max_counter (
    store_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    counter INTEGER NOT NULL,
    PRIMARY KEY (store_id, instance_id)
);
CREATE INDEX IF NOT EXISTS idx_rmc_instance ON record_max_counter(instance_id);

CREATE TABLE IF NOT EXISTS buffer (
    transfer_session_id TEXT NOT NULL,
    model_uuid TEXT NOT NULL,
    serialized TEXT NOT NULL DEFAULT '{}',
    deleted INTEGER NOT NULL DEFAULT 0,
    last_saved_instance TEXT NOT NULL,
    last_saved_counter INTEGER NOT NULL DEFAULT 0,
    hard_delete INTEGER NOT NULL DEFAULT 0,
    model_name TEXT NOT NULL,
    profile TEXT NOT NULL,
    partition TEXT NOT NULL DEFAULT '',
    source_id TEXT NOT NULL DEFAULT '',
    conflicting_serialized_data TEXT NOT NULL DEFAULT '',
    self_ref_fk TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (transfer_session_id, model_uuid)
);

CREATE TABLE IF NOT EXISTS record_max_counter_buffer (
    transfer_session_id TEXT NOT NULL,
    model_uuid TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    counter INTEGER NOT NULL,
    PRIMARY KEY (transfer_session_id, model_uuid, instance_id)
);

CREATE TABLE IF NOT EXISTS database_max_counter (
    instance_id TEXT NOT NULL,
    partition TEXT NOT NULL DEFAULT '',
    counter INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (instance_id, partition)
);

CREATE TABLE IF NOT EXISTS deleted_models (
    id TEXT PRIMARY KEY,
    profile TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS hard_deleted_models (
    id TEXT PRIMARY KEY,
    profile TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_session (
    id TEXT PRIMARY KEY,
    profile TEXT NOT NULL,
    filter TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS transfer_session (
    id TEXT PRIMARY KEY,
    sync_session_id TEXT NOT NULL,
    push INTEGER NOT NULL,
    filter TEXT NOT NULL DEFAULT '',
    records_total INTEGER NOT NULL DEFAULT 0,
    records_transferred INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    server_fsic TEXT NOT NULL DEFAULT '{}',
    client_fsic TEXT NOT NULL DEFAULT '{}',
    last_activity_timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    state TEXT NOT NULL DEFAULT 'initializing',
    FOREIGN KEY (sync_session_id) REFERENCES sync_session(id)
);
CREATE INDEX IF NOT EXISTS idx_transfer_session_sync ON transfer_session(sync_session_id);

-- Supplemented: queryable mirror of the conflict stack, one row per
-- recorded conflict, never pruned (see DESIGN.md "Supplemented
-- features"); the authoritative record remains
-- store.conflicting_serialized_data.
CREATE TABLE IF NOT EXISTS merge_conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    store_id TEXT NOT NULL,
    transfer_session_id TEXT NOT NULL,
    local_serialized TEXT NOT NULL DEFAULT '',
    remote_serialized TEXT NOT NULL DEFAULT '',
    resolved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_merge_conflicts_store ON merge_conflicts(store_id);

-- Supplemented: per-completed-session audit trail.
CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    transfer_session_id TEXT NOT NULL,
    push INTEGER NOT NULL,
    records_transferred INTEGER NOT NULL DEFAULT 0,
    conflict_count INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME,
    finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

package storage

// MetaSchema is the SQL schema for the central _meta.db database.
const MetaSchema = `
CREATE TABLE IF NOT EXISTS projects (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT DEFAULT '',
    db_path     TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'active'
                CHECK(status IN ('active', 'archived')),
    created_at  TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_projects_name ON projects(name);
`

// ProjectSchema is the SQL schema for each per-project history database.
// The column lists of the unique indexes double as the constraint identifiers
// in snapshot.Constraint*; keep them in sync.
const ProjectSchema = `
CREATE TABLE IF NOT EXISTS project_versions (
    id          TEXT PRIMARY KEY,
    major       INTEGER NOT NULL CHECK(major >= 0),
    minor       INTEGER NOT NULL CHECK(minor >= 0),
    revision    INTEGER NOT NULL CHECK(revision >= 0),
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS base_entities (
    id          TEXT PRIMARY KEY,
    class       TEXT NOT NULL CHECK(class IN ('artifacts', 'traces')),
    name        TEXT NULL,
    source_name TEXT NULL,
    target_name TEXT NULL,
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS entity_snapshots (
    id                TEXT PRIMARY KEY,
    base_entity_id    TEXT NOT NULL REFERENCES base_entities(id),
    version_id        TEXT NOT NULL REFERENCES project_versions(id),
    modification_type TEXT NOT NULL
                      CHECK(modification_type IN ('ADDED', 'MODIFIED', 'REMOVED')),
    content           TEXT NOT NULL,
    created_at        TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS commit_errors (
    id          TEXT PRIMARY KEY,
    version_id  TEXT NOT NULL REFERENCES project_versions(id),
    class       TEXT NOT NULL,
    kind        TEXT NOT NULL,
    description TEXT NOT NULL,
    identity    TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS artifact_types (
    name        TEXT NOT NULL,
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE VIRTUAL TABLE IF NOT EXISTS snapshots_fts USING fts5(
    content,
    content='entity_snapshots',
    content_rowid='rowid'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_triple ON project_versions(major, minor, revision);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_name ON base_entities(name);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_link ON base_entities(source_name, target_name);
CREATE INDEX IF NOT EXISTS idx_entities_class ON base_entities(class);
CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_entity_version ON entity_snapshots(base_entity_id, version_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_version ON entity_snapshots(version_id);
CREATE INDEX IF NOT EXISTS idx_commit_errors_version ON commit_errors(version_id, class);
CREATE UNIQUE INDEX IF NOT EXISTS idx_artifact_types_name ON artifact_types(name);
`

// ProjectTriggers keep the FTS index in step with entity_snapshots.
const ProjectTriggers = `
CREATE TRIGGER IF NOT EXISTS snapshots_ai AFTER INSERT ON entity_snapshots BEGIN
    INSERT INTO snapshots_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS snapshots_ad AFTER DELETE ON entity_snapshots BEGIN
    INSERT INTO snapshots_fts(snapshots_fts, rowid, content) VALUES('delete', old.rowid, old.content);
END;
CREATE TRIGGER IF NOT EXISTS snapshots_au AFTER UPDATE ON entity_snapshots BEGIN
    INSERT INTO snapshots_fts(snapshots_fts, rowid, content) VALUES('delete', old.rowid, old.content);
    INSERT INTO snapshots_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`

// pragmas configures SQLite connections for every database the service opens.
const pragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

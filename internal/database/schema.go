package database

// Schema is applied by Migrate on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS vex_sessions (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL DEFAULT 'connecting',
    identity    TEXT,
    mode        TEXT NOT NULL DEFAULT 'none',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_vex_sessions_status_updated
    ON vex_sessions (status, updated_at);
`

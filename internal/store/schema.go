package store

import "database/sql"

// Schema is the complete pipeline schema. All timestamps are ms epoch.
const Schema = `
-- Partner feed sources (operator-managed)
CREATE TABLE IF NOT EXISTS partner_sources (
    id                   TEXT PRIMARY KEY,
    partner_name         TEXT NOT NULL,
    feed_type            TEXT NOT NULL DEFAULT 'webhook',
    source_url           TEXT NOT NULL DEFAULT '',
    field_mapping        TEXT NOT NULL DEFAULT '{}',
    config_json          TEXT NOT NULL DEFAULT '{}',
    is_active            INTEGER NOT NULL DEFAULT 1,
    sync_frequency_hours INTEGER NOT NULL DEFAULT 24,
    cursor               TEXT NOT NULL DEFAULT '',
    last_run_at          INTEGER,
    last_status          TEXT NOT NULL DEFAULT 'pending',
    last_error           TEXT NOT NULL DEFAULT '',
    fail_count           INTEGER NOT NULL DEFAULT 0,
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_partner_sources_active ON partner_sources(is_active, last_run_at);

-- Canonical normalized listings
CREATE TABLE IF NOT EXISTS listings (
    id                 TEXT PRIMARY KEY,
    source_id          TEXT NOT NULL REFERENCES partner_sources(id) ON DELETE CASCADE,
    source_listing_id  TEXT NOT NULL DEFAULT '',
    seller_id          TEXT NOT NULL DEFAULT '',
    vin                TEXT NOT NULL DEFAULT '',
    registration       TEXT NOT NULL DEFAULT '',
    make               TEXT NOT NULL DEFAULT '',
    model              TEXT NOT NULL DEFAULT '',
    year               INTEGER NOT NULL DEFAULT 0,
    price              INTEGER NOT NULL DEFAULT 0,
    mileage            INTEGER NOT NULL DEFAULT 0,
    city               TEXT NOT NULL DEFAULT '',
    state              TEXT NOT NULL DEFAULT '',
    fuel_type          TEXT NOT NULL DEFAULT '',
    transmission       TEXT NOT NULL DEFAULT '',
    images_json        TEXT NOT NULL DEFAULT '[]',
    documents_json     TEXT NOT NULL DEFAULT '[]',
    status             TEXT NOT NULL DEFAULT 'admitted',
    dedup_confidence   REAL NOT NULL DEFAULT 0,
    dedup_matched_id   TEXT NOT NULL DEFAULT '',
    risk_score         INTEGER NOT NULL DEFAULT 0,
    risk_reasons_json  TEXT NOT NULL DEFAULT '[]',
    normalized_at      INTEGER NOT NULL,
    rejected_at        INTEGER,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_listings_vin ON listings(vin);
CREATE INDEX IF NOT EXISTS idx_listings_reg ON listings(registration);
CREATE INDEX IF NOT EXISTS idx_listings_bucket ON listings(make, model);
CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status, updated_at DESC);

-- Review queue items (flagged listings awaiting operator decision)
CREATE TABLE IF NOT EXISTS review_items (
    id          TEXT PRIMARY KEY,
    listing_id  TEXT NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
    state       TEXT NOT NULL DEFAULT 'pending',
    reason      TEXT NOT NULL DEFAULT '',
    dedup_json  TEXT NOT NULL DEFAULT '{}',
    risk_json   TEXT NOT NULL DEFAULT '{}',
    notes       TEXT NOT NULL DEFAULT '',
    reviewer    TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    decided_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_review_items_state ON review_items(state, created_at);

-- Syndication outcomes, one row per (listing, platform). Rows are never
-- deleted; status history is compliance-relevant.
CREATE TABLE IF NOT EXISTS syndication_records (
    id              TEXT PRIMARY KEY,
    listing_id      TEXT NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
    platform        TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    remote_id       TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    last_attempt_at INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    UNIQUE(listing_id, platform)
);
CREATE INDEX IF NOT EXISTS idx_syndication_platform ON syndication_records(platform, status);

-- Append-only audit log of external API calls. No UPDATE or DELETE is ever
-- issued against this table.
CREATE TABLE IF NOT EXISTS audit_log (
    id                TEXT PRIMARY KEY,
    platform          TEXT NOT NULL DEFAULT '',
    endpoint          TEXT NOT NULL DEFAULT '',
    method            TEXT NOT NULL DEFAULT '',
    status_code       INTEGER NOT NULL DEFAULT 0,
    is_error          INTEGER NOT NULL DEFAULT 0,
    error_message     TEXT NOT NULL DEFAULT '',
    execution_time_ms INTEGER NOT NULL DEFAULT 0,
    listing_id        TEXT NOT NULL DEFAULT '',
    seller_id         TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_time ON audit_log(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_seller ON audit_log(seller_id, created_at DESC);

-- Append-only consent events. Revocation is an appended transition, never a
-- mutation of the original grant row.
CREATE TABLE IF NOT EXISTS consent_events (
    id            TEXT PRIMARY KEY,
    seller_id     TEXT NOT NULL,
    consent_type  TEXT NOT NULL,
    event         TEXT NOT NULL,
    legal_version TEXT NOT NULL DEFAULT '',
    occurred_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consent_seller ON consent_events(seller_id, consent_type, occurred_at DESC);

-- Ingestion run history (health + batch summaries)
CREATE TABLE IF NOT EXISTS run_log (
    id                TEXT PRIMARY KEY,
    source_id         TEXT NOT NULL REFERENCES partner_sources(id) ON DELETE CASCADE,
    trigger_kind      TEXT NOT NULL DEFAULT 'scheduled',
    status            TEXT NOT NULL,
    records_total     INTEGER NOT NULL DEFAULT 0,
    records_validated INTEGER NOT NULL DEFAULT 0,
    records_errors    INTEGER NOT NULL DEFAULT 0,
    records_warnings  INTEGER NOT NULL DEFAULT 0,
    error_message     TEXT NOT NULL DEFAULT '',
    duration_ms       INTEGER NOT NULL DEFAULT 0,
    started_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_log_source ON run_log(source_id, started_at DESC);

-- Itemized per-record rejections within a run
CREATE TABLE IF NOT EXISTS rejections (
    id                TEXT PRIMARY KEY,
    source_id         TEXT NOT NULL REFERENCES partner_sources(id) ON DELETE CASCADE,
    run_id            TEXT NOT NULL DEFAULT '',
    row_num           INTEGER NOT NULL DEFAULT 0,
    source_listing_id TEXT NOT NULL DEFAULT '',
    reason            TEXT NOT NULL,
    payload_json      TEXT NOT NULL DEFAULT '{}',
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rejections_run ON rejections(run_id);
`

// ApplySchema applies the pipeline schema to a database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

package store

import "database/sql"

// Schema holds books, destinations and the assignments between them.
// Timestamps are Unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS books (
    id             TEXT PRIMARY KEY,
    external_key   TEXT NOT NULL UNIQUE,
    isbn           TEXT,
    title          TEXT,
    author         TEXT,
    status         TEXT NOT NULL DEFAULT 'pending',
    attempts       INTEGER NOT NULL DEFAULT 0,
    file_name      TEXT,
    added_at       INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,
    downloaded_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_books_queue ON books(status, attempts, added_at);

CREATE TABLE IF NOT EXISTS destinations (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    feed_key        TEXT NOT NULL UNIQUE,
    delivery_path   TEXT NOT NULL,
    notify_address  TEXT,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
    book_id         TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    destination_id  TEXT NOT NULL REFERENCES destinations(id) ON DELETE CASCADE,
    served          INTEGER NOT NULL DEFAULT 0,
    notified        INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    PRIMARY KEY (book_id, destination_id)
);
CREATE INDEX IF NOT EXISTS idx_assignments_destination ON assignments(destination_id, served);
`

// Migration001DownloadedAt adds the dedicated success timestamp to databases
// created before it existed. Rate-limit windows must never be derived from
// updated_at, which ingestion upserts also bump.
const Migration001DownloadedAt = `
ALTER TABLE books ADD COLUMN downloaded_at INTEGER;
`

// ApplySchema creates all tables and indexes. Idempotent.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return err
	}
	applyColumnMigration(db, "books", "downloaded_at", Migration001DownloadedAt)
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_books_downloaded ON books(status, downloaded_at)`)
	return err
}

// applyColumnMigration adds a column if it doesn't exist.
func applyColumnMigration(db *sql.DB, table, column, ddl string) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil || count > 0 {
		return
	}
	db.Exec(ddl)
}

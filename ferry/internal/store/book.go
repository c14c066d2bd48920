package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const bookColumns = `id, external_key, isbn, title, author, status, attempts,
	file_name, added_at, updated_at, downloaded_at`

// UpsertBook inserts a book or merges new data into the existing row with the
// same external key. Stored values survive when the new value is empty.
// Status, attempts and timestamps other than updated_at are left alone.
func (s *Store) UpsertBook(ctx context.Context, in BookInput) (string, error) {
	key := strings.TrimSpace(in.ExternalKey)
	if key == "" {
		return "", fmt.Errorf("store: upsert book: empty external key")
	}
	now := s.now().UnixMilli()

	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO books (id, external_key, isbn, title, author, status, attempts, added_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?)
		ON CONFLICT(external_key) DO UPDATE SET
			isbn       = COALESCE(excluded.isbn, books.isbn),
			title      = COALESCE(excluded.title, books.title),
			author     = COALESCE(excluded.author, books.author),
			updated_at = excluded.updated_at
		RETURNING id`,
		s.newID("bk_"), key,
		nullString(strings.TrimSpace(in.ISBN)),
		nullString(strings.TrimSpace(in.Title)),
		nullString(strings.TrimSpace(in.Author)),
		now, now,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: upsert book %s: %w", key, err)
	}
	return id, nil
}

// GetBook returns a book by ID, or nil when it does not exist.
func (s *Store) GetBook(ctx context.Context, id string) (*Book, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// ListBooks returns books, newest first. An empty status lists all of them.
func (s *Store) ListBooks(ctx context.Context, status string, limit int) ([]*Book, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + bookColumns + ` FROM books`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY added_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// NextPending returns the pending book with the fewest attempts (oldest first
// on ties) whose ID is not in exclude, or nil when there is none.
func (s *Store) NextPending(ctx context.Context, exclude []string) (*Book, error) {
	q := `SELECT ` + bookColumns + ` FROM books WHERE status = 'pending'`
	args := make([]any, 0, len(exclude))
	if len(exclude) > 0 {
		q += ` AND id NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(exclude)), ",") + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	q += ` ORDER BY attempts ASC, added_at ASC, id ASC LIMIT 1`

	b, err := scanBook(s.DB.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// CountPending returns the number of pending books.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM books WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// IncrementAttempts atomically bumps the attempt counter of a pending book
// and returns the new value. It never goes past max.
func (s *Store) IncrementAttempts(ctx context.Context, id string, max int) (int, error) {
	var attempts int
	err := s.DB.QueryRowContext(ctx,
		`UPDATE books SET attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'pending' AND attempts < ?
		RETURNING attempts`,
		s.now().UnixMilli(), id, max,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrBudgetExhausted, id)
	}
	if err != nil {
		return 0, fmt.Errorf("store: increment attempts %s: %w", id, err)
	}
	return attempts, nil
}

// RecordSuccess marks a book downloaded, stores its file name and the
// success timestamp, and flags the assignments of the destinations it was
// delivered to as served.
func (s *Store) RecordSuccess(ctx context.Context, id, fileName string, served []string) error {
	now := s.now().UnixMilli()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE books SET status = 'downloaded', file_name = ?, downloaded_at = ?, updated_at = ?
			WHERE id = ?`, fileName, now, now, id)
		if err != nil {
			return fmt.Errorf("store: record success %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: book %s", ErrNotFound, id)
		}
		for _, destID := range served {
			if _, err := tx.ExecContext(ctx,
				`UPDATE assignments SET served = 1 WHERE book_id = ? AND destination_id = ?`,
				id, destID); err != nil {
				return fmt.Errorf("store: mark served %s/%s: %w", id, destID, err)
			}
		}
		return nil
	})
}

// RecordFailure closes a failed attempt. The book becomes failed once its
// attempts reached max and stays pending otherwise. Reports whether the book
// is now terminal.
func (s *Store) RecordFailure(ctx context.Context, id string, max int) (bool, error) {
	var status string
	err := s.DB.QueryRowContext(ctx,
		`UPDATE books SET
			status = CASE WHEN attempts >= ? THEN 'failed' ELSE status END,
			updated_at = ?
		WHERE id = ? AND status = 'pending'
		RETURNING status`,
		max, s.now().UnixMilli(), id,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: pending book %s", ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("store: record failure %s: %w", id, err)
	}
	return status == StatusFailed, nil
}

// MarkFailed moves a pending book straight to failed and clamps its attempt
// count to max. Used for rows left at or above the attempt cap by a process
// that died between attempt and bookkeeping, or that ran with a higher cap.
func (s *Store) MarkFailed(ctx context.Context, id string, max int) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE books SET status = 'failed', attempts = MIN(attempts, ?), updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		max, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: mark failed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pending book %s", ErrNotFound, id)
	}
	return nil
}

// ResetBook re-queues a book: pending, zero attempts, no file, and its
// assignments unserved and unnotified.
func (s *Store) ResetBook(ctx context.Context, id string) error {
	now := s.now().UnixMilli()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE books SET status = 'pending', attempts = 0, file_name = NULL,
			downloaded_at = NULL, updated_at = ? WHERE id = ?`, now, id)
		if err != nil {
			return fmt.Errorf("store: reset %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: book %s", ErrNotFound, id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE assignments SET served = 0, notified = 0 WHERE book_id = ?`, id)
		return err
	})
}

// CountDownloadedBetween counts books whose success timestamp falls in
// [from, to). Only downloaded_at is consulted.
func (s *Store) CountDownloadedBetween(ctx context.Context, from, to int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM books
		WHERE status = 'downloaded' AND downloaded_at >= ? AND downloaded_at < ?`,
		from, to).Scan(&n)
	return n, err
}

// Stats returns queue counters, with "today" taken from the store clock.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM books GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case StatusPending:
			st.Pending = n
		case StatusDownloaded:
			st.Downloaded = n
		case StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	from, to := DayBounds(s.now())
	st.DownloadedToday, err = s.CountDownloadedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBook(row scanner) (*Book, error) {
	var b Book
	var isbn, title, author, fileName sql.NullString
	var downloadedAt sql.NullInt64
	err := row.Scan(&b.ID, &b.ExternalKey, &isbn, &title, &author, &b.Status, &b.Attempts,
		&fileName, &b.AddedAt, &b.UpdatedAt, &downloadedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan book: %w", err)
	}
	b.ISBN, b.Title, b.Author, b.FileName = isbn.String, title.String, author.String, fileName.String
	if downloadedAt.Valid {
		v := downloadedAt.Int64
		b.DownloadedAt = &v
	}
	return &b, nil
}

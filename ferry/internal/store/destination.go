package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const destinationColumns = `id, name, feed_key, delivery_path, notify_address, created_at, updated_at`

// CreateDestination inserts d, filling in its ID and timestamps.
func (s *Store) CreateDestination(ctx context.Context, d *Destination) error {
	now := s.now().UnixMilli()
	if d.ID == "" {
		d.ID = s.newID("dst_")
	}
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO destinations (`+destinationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.FeedKey, d.DeliveryPath, nullString(d.NotifyAddress), now, now)
	if err != nil {
		return fmt.Errorf("store: create destination %s: %w", d.Name, err)
	}
	return nil
}

// UpdateDestination overwrites the mutable fields of an existing destination.
func (s *Store) UpdateDestination(ctx context.Context, d *Destination) error {
	d.UpdatedAt = s.now().UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE destinations SET name = ?, feed_key = ?, delivery_path = ?, notify_address = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.FeedKey, d.DeliveryPath, nullString(d.NotifyAddress), d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("store: update destination %s: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: destination %s", ErrNotFound, d.ID)
	}
	return nil
}

// GetDestination returns a destination by ID, or nil.
func (s *Store) GetDestination(ctx context.Context, id string) (*Destination, error) {
	d, err := scanDestination(s.DB.QueryRowContext(ctx,
		`SELECT `+destinationColumns+` FROM destinations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ListDestinations returns every destination ordered by name.
func (s *Store) ListDestinations(ctx context.Context) ([]Destination, error) {
	return s.queryDestinations(ctx,
		`SELECT `+destinationColumns+` FROM destinations ORDER BY name, id`)
}

// DestinationsForBook returns the destinations a book is assigned to.
func (s *Store) DestinationsForBook(ctx context.Context, bookID string) ([]Destination, error) {
	return s.queryDestinations(ctx,
		`SELECT d.id, d.name, d.feed_key, d.delivery_path, d.notify_address, d.created_at, d.updated_at
		FROM destinations d JOIN assignments a ON a.destination_id = d.id
		WHERE a.book_id = ? ORDER BY d.name, d.id`, bookID)
}

// RateLimitedDestinations returns the IDs of destinations that were served
// at least cap books whose success timestamp lies in [from, to).
func (s *Store) RateLimitedDestinations(ctx context.Context, from, to int64, cap int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT a.destination_id
		FROM assignments a JOIN books b ON b.id = a.book_id
		WHERE a.served = 1 AND b.status = 'downloaded'
		  AND b.downloaded_at >= ? AND b.downloaded_at < ?
		GROUP BY a.destination_id
		HAVING COUNT(*) >= ?`, from, to, cap)
	if err != nil {
		return nil, fmt.Errorf("store: rate limited destinations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountServedBetween counts the books served to one destination whose
// success timestamp lies in [from, to).
func (s *Store) CountServedBetween(ctx context.Context, destID string, from, to int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments a JOIN books b ON b.id = a.book_id
		WHERE a.destination_id = ? AND a.served = 1 AND b.status = 'downloaded'
		  AND b.downloaded_at >= ? AND b.downloaded_at < ?`,
		destID, from, to).Scan(&n)
	return n, err
}

// Assign links a book to a destination. Re-assigning is a no-op.
func (s *Store) Assign(ctx context.Context, bookID, destID string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO assignments (book_id, destination_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(book_id, destination_id) DO NOTHING`,
		bookID, destID, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: assign %s to %s: %w", bookID, destID, err)
	}
	return nil
}

// PendingNotices returns, per destination, the served books that were not
// announced yet.
func (s *Store) PendingNotices(ctx context.Context) ([]PendingNotice, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT a.destination_id, `+prefixed("b.", bookColumns)+`
		FROM assignments a JOIN books b ON b.id = a.book_id
		WHERE a.served = 1 AND a.notified = 0 AND b.status = 'downloaded'
		ORDER BY a.destination_id, b.downloaded_at`)
	if err != nil {
		return nil, fmt.Errorf("store: pending notices: %w", err)
	}
	byDest := map[string][]*Book{}
	var order []string
	for rows.Next() {
		var destID string
		var b Book
		var isbn, title, author, fileName sql.NullString
		var downloadedAt sql.NullInt64
		if err := rows.Scan(&destID, &b.ID, &b.ExternalKey, &isbn, &title, &author, &b.Status,
			&b.Attempts, &fileName, &b.AddedAt, &b.UpdatedAt, &downloadedAt); err != nil {
			rows.Close()
			return nil, err
		}
		b.ISBN, b.Title, b.Author, b.FileName = isbn.String, title.String, author.String, fileName.String
		if downloadedAt.Valid {
			v := downloadedAt.Int64
			b.DownloadedAt = &v
		}
		if _, ok := byDest[destID]; !ok {
			order = append(order, destID)
		}
		byDest[destID] = append(byDest[destID], &b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	notices := make([]PendingNotice, 0, len(order))
	for _, id := range order {
		d, err := s.GetDestination(ctx, id)
		if err != nil {
			return nil, err
		}
		if d == nil {
			continue
		}
		notices = append(notices, PendingNotice{Destination: *d, Books: byDest[id]})
	}
	return notices, nil
}

// MarkNotified flags the given assignments of a destination as announced.
func (s *Store) MarkNotified(ctx context.Context, destID string, bookIDs []string) error {
	if len(bookIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range bookIDs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE assignments SET notified = 1 WHERE book_id = ? AND destination_id = ?`,
				id, destID); err != nil {
				return fmt.Errorf("store: mark notified %s/%s: %w", id, destID, err)
			}
		}
		return nil
	})
}

func (s *Store) queryDestinations(ctx context.Context, q string, args ...any) ([]Destination, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDestination(row scanner) (*Destination, error) {
	var d Destination
	var notify sql.NullString
	if err := row.Scan(&d.ID, &d.Name, &d.FeedKey, &d.DeliveryPath, &notify,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.NotifyAddress = notify.String
	return &d, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

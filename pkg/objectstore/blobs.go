package objectstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type blobRow struct {
	CID       string    `db:"cid"`
	Data      []byte    `db:"data"`
	Pinned    bool      `db:"pinned"`
	CreatedAt time.Time `db:"created_at"`
}

// Put stores data content-addressed and returns its cid. Re-putting the
// same bytes is a no-op beyond refreshing nothing — the row already exists
// and the cid is unchanged.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	return s.put(ctx, data, false)
}

// PutPinned stores data and marks it pinned in the same transaction, so a
// concurrent evictor can never observe an unpinned window for a blob the
// caller intended to keep (e.g. a freshly published model artifact).
func (s *Store) PutPinned(ctx context.Context, data []byte) (string, error) {
	return s.put(ctx, data, true)
}

func (s *Store) put(ctx context.Context, data []byte, pinned bool) (string, error) {
	id, err := computeCID(data)
	if err != nil {
		return "", fmt.Errorf("compute cid: %w", err)
	}
	cidStr := id.String()

	query := `
		INSERT INTO blobs (cid, data, pinned, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (cid) DO UPDATE SET pinned = blobs.pinned OR EXCLUDED.pinned`

	if _, err := s.db.ExecContext(ctx, query, cidStr, data, pinned); err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return cidStr, nil
}

// Get fetches a blob by cid. Returns ErrNotFound if it was never put or has
// been garbage collected after Unpin.
func (s *Store) Get(ctx context.Context, cidStr string) ([]byte, error) {
	var row blobRow
	err := s.db.GetContext(ctx, &row, `SELECT cid, data, pinned, created_at FROM blobs WHERE cid = $1`, cidStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return row.Data, nil
}

// Pin marks a blob as exempt from garbage collection.
func (s *Store) Pin(ctx context.Context, cidStr string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE blobs SET pinned = true WHERE cid = $1`, cidStr)
	if err != nil {
		return fmt.Errorf("pin blob: %w", err)
	}
	return requireRowAffected(res, ErrNotFound)
}

// Unpin clears the pin, making the blob eligible for later collection. It
// does not delete the blob immediately — collection is a separate,
// out-of-band concern this store does not implement.
func (s *Store) Unpin(ctx context.Context, cidStr string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE blobs SET pinned = false WHERE cid = $1`, cidStr)
	if err != nil {
		return fmt.Errorf("unpin blob: %w", err)
	}
	return requireRowAffected(res, ErrNotFound)
}

func requireRowAffected(res sqlResult, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// sqlResult is the subset of sql.Result used above; declared locally so
// this file has no direct database/sql/driver import beyond what's needed.
type sqlResult interface {
	RowsAffected() (int64, error)
}

package objectstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type nameRow struct {
	Name      string    `db:"name"`
	CID       string    `db:"cid"`
	UpdatedAt time.Time `db:"updated_at"`
}

// NamePublish binds a mutable name (e.g. "dim/registry/nodes") to a cid.
// The NodeRegistry uses this to publish a fresh roster snapshot; later
// readers resolve the name to always land on the latest snapshot's cid.
func (s *Store) NamePublish(ctx context.Context, name, cidStr string) error {
	query := `
		INSERT INTO mutable_names (name, cid, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET cid = EXCLUDED.cid, updated_at = now()`

	if _, err := s.db.ExecContext(ctx, query, name, cidStr); err != nil {
		return fmt.Errorf("publish name: %w", err)
	}

	// Invalidate the 30s read cache immediately so resolvers don't wait
	// out a stale TTL after a fresh publish.
	if s.rdb != nil {
		s.rdb.Del(ctx, nameCacheKey(name))
	}
	return nil
}

// NameResolve returns the cid currently bound to name, served from a 30s
// Redis cache when present to keep registry reads cheap under churn.
func (s *Store) NameResolve(ctx context.Context, name string) (string, error) {
	if s.rdb != nil {
		if cached, err := s.rdb.Get(ctx, nameCacheKey(name)).Result(); err == nil {
			return cached, nil
		}
	}

	var row nameRow
	err := s.db.GetContext(ctx, &row, `SELECT name, cid, updated_at FROM mutable_names WHERE name = $1`, name)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolve name: %w", err)
	}

	if s.rdb != nil {
		s.rdb.Set(ctx, nameCacheKey(name), row.CID, registryCacheTTL*time.Second)
	}
	return row.CID, nil
}

func nameCacheKey(name string) string {
	return "dim:name:" + name
}

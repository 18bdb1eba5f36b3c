// Package objectstore implements the content-addressed blob store,
// mutable-name registry pointer, and topic pub/sub that the rest of the
// system treats as an external collaborator (its operation contract is
// pinned, not its backend). Blobs and mutable names are durable in
// Postgres; pub/sub and the registry read cache ride on Redis.
package objectstore

import (
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// Store implements every operation named in the DIM external-interfaces
// table: put, put_pinned, get, pin, unpin, publish, subscribe, peers,
// topics, name_publish, name_resolve.
type Store struct {
	db     *sqlx.DB
	rdb    *redis.Client
	logger *slog.Logger
}

// New wires a Store onto an already-connected Postgres/Redis pair, e.g.
// the ones owned by database.Manager, so the process shares one pool.
func New(db *sqlx.DB, rdb *redis.Client, logger *slog.Logger) *Store {
	return &Store{db: db, rdb: rdb, logger: logger}
}

// registryCacheTTL is the 30s read-cache window the orchestrator's
// NodeRegistry relies on for name_resolve (spec §4.8 invariant #9).
const registryCacheTTL = 30

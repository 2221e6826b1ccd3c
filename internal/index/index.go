// Package index is the optional Postgres secondary-index sink for entity
// and account-change lookups (spec.md §6's type_and_creation_indexed_entities,
// blueprint_and_creation_indexed_objects, and account_change_state_versions
// column families). It is written separately from the primary
// RocksDB-style store; internal/commitstore does not call it.
//
// Grounded on the teacher's pkg/database/client.go (connection pooling,
// health checks over *sql.DB) and pkg/database/repository_anchor.go
// (per-table repository structs, parameterized INSERTs with a uuid
// idempotency key, RETURNING to read back generated columns).
package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/google/uuid"

	"github.com/ledgerstate/statemanager/internal/types"
)

// Store is a Postgres-backed secondary index sink.
type Store struct {
	db *sql.DB
}

// Config configures the underlying connection pool.
type Config struct {
	DatabaseURL  string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxIdle  time.Duration
	ConnMaxLife  time.Duration
}

func DefaultConfig(databaseURL string) Config {
	return Config{
		DatabaseURL:  databaseURL,
		MaxOpenConns: 10,
		MaxIdleConns: 2,
		ConnMaxIdle:  5 * time.Minute,
		ConnMaxLife:  time.Hour,
	}
}

// Open opens a connection pool and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("index: database URL cannot be empty")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("index: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLife)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: ping database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the index tables if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS type_and_creation_indexed_entities (
			idempotency_key UUID PRIMARY KEY,
			entity_type SMALLINT NOT NULL,
			state_version BIGINT NOT NULL,
			index_within_tx INT NOT NULL,
			node_id BYTEA NOT NULL,
			UNIQUE (entity_type, state_version, index_within_tx)
		)`,
		`CREATE TABLE IF NOT EXISTS blueprint_and_creation_indexed_objects (
			idempotency_key UUID PRIMARY KEY,
			package_addr BYTEA NOT NULL,
			blueprint_hash BYTEA NOT NULL,
			state_version BIGINT NOT NULL,
			index_within_tx INT NOT NULL,
			node_id BYTEA NOT NULL,
			UNIQUE (package_addr, blueprint_hash, state_version, index_within_tx)
		)`,
		`CREATE TABLE IF NOT EXISTS account_change_state_versions (
			global_address BYTEA NOT NULL,
			state_version BIGINT NOT NULL,
			PRIMARY KEY (global_address, state_version)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("index: migrate: %w", err)
		}
	}
	return nil
}

// CommitUpdate is everything IndexCommit needs to know about one
// transaction's effect within a committed round, beyond the substate
// writes themselves: which partitions are newly created this round (and
// under which package/blueprint), versus ones merely touched.
type CommitUpdate struct {
	StateVersion  types.StateVersion
	IndexWithinTx int
	Node          types.NodeId
	PackageAddr   []byte
	BlueprintHash []byte
	Created       bool
}

// IndexCommit records one committed transaction's entity creations and
// account touches in the Postgres index. It writes only to the index:
// internal/commitstore does not call it, and a failure here leaves the
// primary store untouched.
func (s *Store) IndexCommit(ctx context.Context, u CommitUpdate) error {
	if u.Created {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO type_and_creation_indexed_entities
				(idempotency_key, entity_type, state_version, index_within_tx, node_id)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (entity_type, state_version, index_within_tx) DO NOTHING`,
			uuid.New(), byte(u.Node.Type()), uint64(u.StateVersion), u.IndexWithinTx, u.Node.Bytes(),
		); err != nil {
			return fmt.Errorf("index: insert entity index: %w", err)
		}

		if u.PackageAddr != nil {
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO blueprint_and_creation_indexed_objects
					(idempotency_key, package_addr, blueprint_hash, state_version, index_within_tx, node_id)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (package_addr, blueprint_hash, state_version, index_within_tx) DO NOTHING`,
				uuid.New(), u.PackageAddr, u.BlueprintHash, uint64(u.StateVersion), u.IndexWithinTx, u.Node.Bytes(),
			); err != nil {
				return fmt.Errorf("index: insert object index: %w", err)
			}
		}
	}

	if u.Node.Type() == types.EntityTypeGlobalAccount {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO account_change_state_versions (global_address, state_version)
			 VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			u.Node.Bytes(), uint64(u.StateVersion),
		); err != nil {
			return fmt.Errorf("index: insert account change: %w", err)
		}
	}
	return nil
}

// IndexDatabaseUpdates derives CommitUpdates from one transaction's
// DatabaseUpdates and indexes each. seen tracks node IDs already known to
// the caller across the commit so a node is only ever recorded as
// "created" the first time it is written.
func (s *Store) IndexDatabaseUpdates(ctx context.Context, sv types.StateVersion, updates types.DatabaseUpdates, seen map[types.NodeId]bool) error {
	for i, up := range updates.Upserts {
		node := up.Key.Partition.Node
		created := !seen[node]
		seen[node] = true
		if err := s.IndexCommit(ctx, CommitUpdate{
			StateVersion:  sv,
			IndexWithinTx: i,
			Node:          node,
			Created:       created,
		}); err != nil {
			return err
		}
	}
	return nil
}

// AccountChangesSince returns the distinct state versions at which
// address was touched, at or after fromVersion, ascending — the query
// shape account_change_state_versions exists to answer.
func (s *Store) AccountChangesSince(ctx context.Context, address []byte, fromVersion types.StateVersion, limit int) ([]types.StateVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_version FROM account_change_state_versions
		 WHERE global_address = $1 AND state_version >= $2
		 ORDER BY state_version ASC LIMIT $3`,
		address, uint64(fromVersion), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("index: query account changes: %w", err)
	}
	defer rows.Close()

	var out []types.StateVersion
	for rows.Next() {
		var v uint64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("index: scan account change: %w", err)
		}
		out = append(out, types.StateVersion(v))
	}
	return out, rows.Err()
}

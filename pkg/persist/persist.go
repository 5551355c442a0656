// Package persist implements the server-side merge-and-persist cycle:
// client update blobs are buffered in memory per workspace, merged on a
// flush signal, and appended to a durable update log that can be replayed to
// reconstruct the document.
package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

// Dialect selects the DDL flavor. Placeholders use the $N form, which both
// the sqlite3 and pgx drivers accept.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Service buffers and durably appends merged update blobs. The pending
// buffer is append-only from any number of connections; each workspace is
// drained by at most one flush at a time.
type Service struct {
	db      *sql.DB
	dialect Dialect

	mu       sync.Mutex
	pending  map[string][][]byte
	flushing map[string]*sync.Mutex
}

func New(db *sql.DB, dialect Dialect) *Service {
	return &Service{
		db:       db,
		dialect:  dialect,
		pending:  map[string][][]byte{},
		flushing: map[string]*sync.Mutex{},
	}
}

// Init creates the workspace tables if needed.
func (s *Service) Init(ctx context.Context) error {
	blob := "BLOB"
	ts := "TIMESTAMP"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
		ts = "TIMESTAMPTZ"
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT NOT NULL PRIMARY KEY
		)`,
	); err != nil {
		return fmt.Errorf("failed to create workspaces table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS workspace_updates (
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		"update" %s NOT NULL,
		created_at %s NOT NULL
		)`, blob, ts,
	)); err != nil {
		return fmt.Errorf("failed to create workspace_updates table: %w", err)
	}
	return nil
}

// OnClientUpdate appends one raw client update to the workspace's pending
// list. Nothing is written durably until the next flush signal.
func (s *Service) OnClientUpdate(workspaceID string, update []byte) {
	cp := make([]byte, len(update))
	copy(cp, update)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[workspaceID] = append(s.pending[workspaceID], cp)
}

// PendingCount reports the number of buffered updates for a workspace.
func (s *Service) PendingCount(workspaceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[workspaceID])
}

// applyInto merges update blobs into the doc, retrying blobs whose
// dependencies arrive later in the batch. It returns the blobs that still
// could not be applied.
func applyInto(doc *automerge.Doc, updates [][]byte) [][]byte {
	remaining := updates
	for len(remaining) > 0 {
		var still [][]byte
		for _, u := range remaining {
			if err := doc.LoadIncremental(u); err != nil {
				still = append(still, u)
			}
		}
		if len(still) == len(remaining) {
			return still
		}
		remaining = still
	}
	return nil
}

// MergeUpdates merges a set of self-contained update blobs into one. Blob
// order and duplicates do not affect the result.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	doc := automerge.New()
	if left := applyInto(doc, updates); len(left) > 0 {
		return nil, fmt.Errorf("failed to merge %d of %d updates: missing dependencies", len(left), len(updates))
	}
	return doc.Save(), nil
}

// Flush merges the workspace's pending updates into one delta and appends it
// durably: the workspace row and the log append commit together, and only
// then are the flushed updates dropped from the buffer. On any failure the
// pending updates are retained for a later retry.
//
// Client blobs are incremental, so their dependencies usually sit in rows
// written by earlier flushes. The merge therefore starts from the durable
// state; the appended row holds only the changes new in this cycle. An
// update whose dependencies have not arrived at all yet stays buffered.
func (s *Service) Flush(ctx context.Context, workspaceID string) error {
	fl := s.flushLock(workspaceID)
	fl.Lock()
	defer fl.Unlock()

	s.mu.Lock()
	batch := s.pending[workspaceID]
	n := len(batch)
	s.mu.Unlock()
	if n == 0 {
		return nil
	}

	doc, err := s.replay(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to load durable state for %q: %w", workspaceID, err)
	}
	_ = doc.SaveIncremental()

	left := applyInto(doc, batch[:n])
	if len(left) > 0 {
		slog.Warn("retaining updates with unmet dependencies", "workspace", workspaceID, "updates", len(left))
	}
	applied := n - len(left)
	if applied == 0 {
		return nil
	}
	delta := doc.SaveIncremental()

	if len(delta) > 0 {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return fmt.Errorf("failed to start tx: %w", err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				slog.Error("failed to rollback", "err", err)
			}
		}()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workspaces(id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, workspaceID,
		); err != nil {
			return fmt.Errorf("failed to ensure workspace %q: %w", workspaceID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workspace_updates(workspace_id, "update", created_at) VALUES ($1, $2, $3)`,
			workspaceID, delta, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("failed to append update for %q: %w", workspaceID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit flush for %q: %w", workspaceID, err)
		}
	}

	// drop only what was applied, updates that arrived meanwhile stay queued
	s.mu.Lock()
	s.pending[workspaceID] = append(left, s.pending[workspaceID][n:]...)
	s.mu.Unlock()
	slog.Info("flushed", "workspace", workspaceID, "updates", applied, "bytes", len(delta))
	return nil
}

// FlushAll flushes every workspace with pending updates. Failures are
// logged and the affected buffers retained; the first error is returned.
func (s *Service) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id, p := range s.pending {
		if len(p) > 0 {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	var firstErr error
	for _, id := range ids {
		if err := s.Flush(ctx, id); err != nil {
			slog.Error("failed to flush workspace", "workspace", id, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Load replays the workspace's durable log in arrival order into a fresh
// document. Corrupt rows are skipped with a warning rather than aborting the
// load. An empty log yields an empty document.
func (s *Service) Load(ctx context.Context, workspaceID string) (*automerge.Doc, error) {
	return s.replay(ctx, workspaceID)
}

func (s *Service) replay(ctx context.Context, workspaceID string) (*automerge.Doc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT "update" FROM workspace_updates WHERE workspace_id = $1 ORDER BY created_at ASC`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates for %q: %w", workspaceID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}()

	doc := automerge.New()
	applied, skipped := 0, 0
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan update row: %w", err)
		}
		if err := doc.LoadIncremental(raw); err != nil {
			slog.Warn("skipping corrupt stored update", "workspace", workspaceID, "err", err)
			skipped++
			continue
		}
		applied++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate update rows: %w", err)
	}
	slog.Debug("replayed workspace log", "workspace", workspaceID, "applied", applied, "skipped", skipped)
	return doc, nil
}

func (s *Service) flushLock(workspaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl, ok := s.flushing[workspaceID]
	if !ok {
		fl = new(sync.Mutex)
		s.flushing[workspaceID] = fl
	}
	return fl
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/reading"
)

// querier is the slice of the connection pool the store uses. Carved out
// so the migration and offline replay paths are testable without a live
// database.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

const schemaDDL = `
	CREATE TABLE IF NOT EXISTS readings (
		id          TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		confidence  DOUBLE PRECISION NOT NULL,
		ts          BIGINT NOT NULL,
		image_url   TEXT NOT NULL DEFAULT '',
		location    TEXT NOT NULL DEFAULT '',
		recorded_by JSONB
	)
`

// reconnectInterval is how often an offline store probes the database.
const reconnectInterval = 15 * time.Second

// RemoteStore keeps readings in PostgreSQL. Mutations accepted while the
// database is unreachable are applied to the in-memory snapshot with a
// locally minted id, queued, and replayed in order once connectivity
// returns. Observers therefore keep seeing their own writes offline.
type RemoteStore struct {
	db     querier
	logger *zap.Logger
	cache  *snapshot
	online atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRemoteStore creates the table if needed, loads the current reading
// list, and starts the reconnect loop. An unreachable database is not an
// error: the store starts offline with an empty snapshot.
func NewRemoteStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*RemoteStore, error) {
	return newRemoteStore(ctx, pool, logger)
}

func newRemoteStore(ctx context.Context, db querier, logger *zap.Logger) (*RemoteStore, error) {
	s := &RemoteStore{
		db:     db,
		logger: logger,
		cache:  newSnapshot(),
		done:   make(chan struct{}),
	}

	if _, err := db.Exec(ctx, schemaDDL); err != nil {
		logger.Warn("schema setup deferred, database unreachable", zap.Error(err))
	} else if rs, err := s.loadAll(ctx); err != nil {
		logger.Warn("initial reading load failed, starting offline", zap.Error(err))
	} else {
		s.cache.replaceAll(rs)
		s.online.Store(true)
	}

	s.wg.Add(1)
	go s.reconnectLoop()

	return s, nil
}

// Subscribe implements Store.
func (s *RemoteStore) Subscribe(fn func([]reading.MeterReading)) func() {
	return s.cache.subscribe(fn)
}

// Add implements Store. The id is minted here so offline writes have a
// stable identity before they ever reach the database.
func (s *RemoteStore) Add(ctx context.Context, r reading.MeterReading) (string, error) {
	r.ID = uuid.New().String()

	if !s.online.Load() {
		s.acceptOffline(pendingOp{kind: opAdd, id: r.ID, reading: r})
		return r.ID, nil
	}

	if err := s.insert(ctx, r); err != nil {
		if s.markOfflineIfUnreachable(ctx, err) {
			s.acceptOffline(pendingOp{kind: opAdd, id: r.ID, reading: r})
			return r.ID, nil
		}
		return "", fmt.Errorf("failed to insert reading: %w", err)
	}
	s.cache.applyAdd(r)
	return r.ID, nil
}

// Update implements Store. Unknown ids yield ErrNotFound.
func (s *RemoteStore) Update(ctx context.Context, id string, upd reading.Update) error {
	query, args := buildUpdateQuery(id, upd)
	if query == "" {
		return nil
	}

	if !s.online.Load() {
		if !s.cache.applyUpdate(id, upd) {
			return ErrNotFound
		}
		s.cache.queue(pendingOp{kind: opUpdate, id: id, update: upd})
		return nil
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		if s.markOfflineIfUnreachable(ctx, err) {
			if !s.cache.applyUpdate(id, upd) {
				return ErrNotFound
			}
			s.cache.queue(pendingOp{kind: opUpdate, id: id, update: upd})
			return nil
		}
		return fmt.Errorf("failed to update reading: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.cache.applyUpdate(id, upd)
	return nil
}

// Delete implements Store. Deleting an unknown id is a no-op.
func (s *RemoteStore) Delete(ctx context.Context, id string) error {
	if !s.online.Load() {
		s.cache.applyDelete(id)
		s.cache.queue(pendingOp{kind: opDelete, id: id})
		return nil
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM readings WHERE id = $1`, id); err != nil {
		if s.markOfflineIfUnreachable(ctx, err) {
			s.cache.applyDelete(id)
			s.cache.queue(pendingOp{kind: opDelete, id: id})
			return nil
		}
		return fmt.Errorf("failed to delete reading: %w", err)
	}
	s.cache.applyDelete(id)
	return nil
}

// MigrateOrphanedReadings implements Store. One statement claims every
// unowned row; rows that already carry an identity are untouched, so the
// operation is idempotent.
func (s *RemoteStore) MigrateOrphanedReadings(ctx context.Context, owner reading.UserInfo) (int, error) {
	payload, err := json.Marshal(owner)
	if err != nil {
		return 0, fmt.Errorf("failed to encode owner: %w", err)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE readings SET recorded_by = $1 WHERE recorded_by IS NULL`, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to migrate orphaned readings: %w", err)
	}

	n := int(tag.RowsAffected())
	if n > 0 {
		if rs, err := s.loadAll(ctx); err == nil {
			s.cache.replaceAll(rs)
		}
	}
	return n, nil
}

// Close implements Store.
func (s *RemoteStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cache.close()
	})
	s.wg.Wait()
	return nil
}

func (s *RemoteStore) insert(ctx context.Context, r reading.MeterReading) error {
	var recordedBy []byte
	if r.RecordedBy != nil {
		b, err := json.Marshal(r.RecordedBy)
		if err != nil {
			return fmt.Errorf("failed to encode recorded_by: %w", err)
		}
		recordedBy = b
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO readings (id, value, confidence, ts, image_url, location, recorded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.Value, r.Confidence, r.Timestamp, r.ImageURL, r.Location, recordedBy)
	return err
}

func (s *RemoteStore) loadAll(ctx context.Context) ([]reading.MeterReading, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, value, confidence, ts, image_url, location, recorded_by
		FROM readings
		ORDER BY ts DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out []reading.MeterReading
	for rows.Next() {
		var r reading.MeterReading
		var recordedBy []byte
		if err := rows.Scan(&r.ID, &r.Value, &r.Confidence, &r.Timestamp, &r.ImageURL, &r.Location, &recordedBy); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		if len(recordedBy) > 0 {
			var u reading.UserInfo
			if err := json.Unmarshal(recordedBy, &u); err != nil {
				return nil, fmt.Errorf("failed to decode recorded_by for %s: %w", r.ID, err)
			}
			r.RecordedBy = &u
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// acceptOffline applies a mutation to the snapshot and queues it.
func (s *RemoteStore) acceptOffline(op pendingOp) {
	s.cache.queue(op)
	switch op.kind {
	case opAdd:
		s.cache.applyAdd(op.reading)
	case opUpdate:
		s.cache.applyUpdate(op.id, op.update)
	case opDelete:
		s.cache.applyDelete(op.id)
	}
	s.logger.Info("write queued while database offline", zap.String("id", op.id))
}

// markOfflineIfUnreachable pings after a failed statement to tell a
// connectivity loss from a genuine query error.
func (s *RemoteStore) markOfflineIfUnreachable(ctx context.Context, cause error) bool {
	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if s.db.Ping(pingCtx) != nil {
		if s.online.CompareAndSwap(true, false) {
			s.logger.Warn("database connection lost, queuing writes", zap.Error(cause))
		}
		return true
	}
	return false
}

// reconnectLoop probes the database while offline and hands recovery
// to tryRecover once it answers.
func (s *RemoteStore) reconnectLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if s.online.Load() {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s.tryRecover(ctx)
		cancel()
	}
}

// tryRecover replays queued mutations in arrival order, refreshes the
// snapshot from the authoritative list, and flips the store back
// online. A mid-replay failure requeues the remaining writes for the
// next attempt.
func (s *RemoteStore) tryRecover(ctx context.Context) bool {
	if s.db.Ping(ctx) != nil {
		return false
	}

	ops := s.cache.drainPending()
	replayed := 0
	for i, op := range ops {
		if err := s.replay(ctx, op); err != nil {
			s.logger.Warn("replay interrupted, keeping remaining writes queued",
				zap.Error(err), zap.Int("remaining", len(ops)-i))
			s.cache.requeueFront(ops[i:])
			return false
		}
		replayed++
	}

	rs, err := s.loadAll(ctx)
	if err != nil {
		return false
	}
	s.cache.replaceAll(rs)
	s.online.Store(true)
	s.logger.Info("database connection restored", zap.Int("replayed", replayed))
	return true
}

func (s *RemoteStore) replay(ctx context.Context, op pendingOp) error {
	switch op.kind {
	case opAdd:
		return s.insert(ctx, op.reading)
	case opUpdate:
		query, args := buildUpdateQuery(op.id, op.update)
		if query == "" {
			return nil
		}
		// The target row may have been deleted offline; zero rows is fine.
		_, err := s.db.Exec(ctx, query, args...)
		return err
	case opDelete:
		_, err := s.db.Exec(ctx, `DELETE FROM readings WHERE id = $1`, op.id)
		return err
	}
	return nil
}

// buildUpdateQuery renders the partial update as a single UPDATE. An
// update with no fields set yields an empty query.
func buildUpdateQuery(id string, upd reading.Update) (string, []any) {
	var sets []string
	args := []any{id}

	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Value != nil {
		add("value", *upd.Value)
	}
	if upd.Confidence != nil {
		add("confidence", *upd.Confidence)
	}
	if upd.ImageURL != nil {
		add("image_url", *upd.ImageURL)
	}
	if upd.Location != nil {
		add("location", *upd.Location)
	}
	if len(sets) == 0 {
		return "", nil
	}
	return "UPDATE readings SET " + strings.Join(sets, ", ") + " WHERE id = $1", args
}

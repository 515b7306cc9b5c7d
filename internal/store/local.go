package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/kv"
	"github.com/flowcheck/capture-service/internal/reading"
)

// readingsKey is the durable-storage key holding the local collection.
const readingsKey = "flowcheck_readings"

// LocalStore keeps readings in local durable storage as one serialized
// list. It is the fallback backend when no database is configured: ids
// are epoch-millisecond strings, updates against unknown ids are
// silently ignored, and ownership migration has nothing to migrate.
// Every mutation is written durably first; observers are only notified
// once the write has succeeded, so a failed write is never reflected as
// success.
type LocalStore struct {
	kv     *kv.Store
	logger *zap.Logger
	cache  *snapshot

	mu     sync.Mutex
	lastID int64
}

// NewLocalStore loads the persisted collection, dropping it with a
// warning if it fails to decode.
func NewLocalStore(kvs *kv.Store, logger *zap.Logger) *LocalStore {
	s := &LocalStore{kv: kvs, logger: logger, cache: newSnapshot()}

	if raw, ok := kvs.Get(readingsKey); ok {
		var rs []reading.MeterReading
		if err := json.Unmarshal([]byte(raw), &rs); err != nil {
			logger.Warn("stored readings corrupted, starting empty", zap.Error(err))
		} else {
			s.cache.replaceAll(rs)
			for _, r := range rs {
				if n, err := strconv.ParseInt(r.ID, 10, 64); err == nil && n > s.lastID {
					s.lastID = n
				}
			}
		}
	}
	return s
}

// Subscribe implements Store.
func (s *LocalStore) Subscribe(fn func([]reading.MeterReading)) func() {
	return s.cache.subscribe(fn)
}

// Add implements Store. Ids stay strictly increasing even when two
// readings land within the same millisecond.
func (s *LocalStore) Add(_ context.Context, r reading.MeterReading) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := time.Now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	r.ID = strconv.FormatInt(id, 10)

	if err := s.persist(insertByTimestamp(s.cache.list(), r)); err != nil {
		return "", err
	}
	s.lastID = id
	s.cache.applyAdd(r)
	return r.ID, nil
}

// Update implements Store. An unknown id is ignored without error, so a
// stale edit against a removed reading is harmless.
func (s *LocalStore) Update(_ context.Context, id string, upd reading.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cache.list()
	i := indexOf(next, id)
	if i < 0 {
		return nil
	}
	upd.Apply(&next[i])
	if err := s.persist(next); err != nil {
		return err
	}
	s.cache.applyUpdate(id, upd)
	return nil
}

// Delete implements Store.
func (s *LocalStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cache.list()
	i := indexOf(next, id)
	if i < 0 {
		return nil
	}
	next = append(next[:i], next[i+1:]...)
	if err := s.persist(next); err != nil {
		return err
	}
	s.cache.applyDelete(id)
	return nil
}

// MigrateOrphanedReadings implements Store. Local readings predate any
// identity and stay unowned; migration applies only to the database
// backend.
func (s *LocalStore) MigrateOrphanedReadings(context.Context, reading.UserInfo) (int, error) {
	return 0, nil
}

// Close implements Store.
func (s *LocalStore) Close() error {
	s.cache.close()
	return nil
}

func (s *LocalStore) persist(rs []reading.MeterReading) error {
	b, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("failed to encode readings: %w", err)
	}
	if err := s.kv.Set(readingsKey, string(b)); err != nil {
		return fmt.Errorf("failed to persist readings: %w", err)
	}
	return nil
}

// insertByTimestamp inserts r into a timestamp-descending list, keeping
// the order the snapshot maintains.
func insertByTimestamp(rs []reading.MeterReading, r reading.MeterReading) []reading.MeterReading {
	i := sort.Search(len(rs), func(i int) bool {
		return rs[i].Timestamp <= r.Timestamp
	})
	rs = append(rs, reading.MeterReading{})
	copy(rs[i+1:], rs[i:])
	rs[i] = r
	return rs
}

func indexOf(rs []reading.MeterReading, id string) int {
	for i := range rs {
		if rs[i].ID == id {
			return i
		}
	}
	return -1
}

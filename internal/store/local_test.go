package store

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/kv"
	"github.com/flowcheck/capture-service/internal/reading"
)

func newTestLocal(t *testing.T) (*LocalStore, *kv.Store) {
	t.Helper()
	kvs, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	return NewLocalStore(kvs, zap.NewNop()), kvs
}

func TestLocalStore_AddAssignsMonotonicIDs(t *testing.T) {
	s, _ := newTestLocal(t)
	ctx := context.Background()

	id1, err := s.Add(ctx, reading.MeterReading{Value: "00001.00", Timestamp: 1})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id2, err := s.Add(ctx, reading.MeterReading{Value: "00002.00", Timestamp: 2})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	n1, err := strconv.ParseInt(id1, 10, 64)
	if err != nil {
		t.Fatalf("id must be numeric: %q", id1)
	}
	n2, _ := strconv.ParseInt(id2, 10, 64)
	if n2 <= n1 {
		t.Errorf("ids must be strictly increasing: %d then %d", n1, n2)
	}
}

func TestLocalStore_PersistsAcrossReopen(t *testing.T) {
	kvs, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	s := NewLocalStore(kvs, zap.NewNop())

	u := reading.UserInfo{UID: "u1", Email: "tech@example.com", DisplayName: "tech"}
	id, err := s.Add(context.Background(), reading.MeterReading{
		Value:      "02268.85",
		Confidence: 92,
		Timestamp:  1700000000000,
		ImageURL:   "data:image/jpeg;base64,AAAA",
		Location:   "52.52001,13.40495",
		RecordedBy: &u,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Close()

	reopened := NewLocalStore(kvs, zap.NewNop())
	got := reopened.cache.list()
	if len(got) != 1 {
		t.Fatalf("expected 1 reading after reopen, got %d", len(got))
	}
	r := got[0]
	if r.ID != id || r.Value != "02268.85" || r.Confidence != 92 {
		t.Errorf("reading did not survive reopen: %+v", r)
	}
	if r.RecordedBy == nil || r.RecordedBy.Email != "tech@example.com" {
		t.Errorf("identity snapshot did not survive reopen: %+v", r.RecordedBy)
	}
	if r.Location != "52.52001,13.40495" {
		t.Errorf("location did not survive reopen: %q", r.Location)
	}
}

func TestLocalStore_ReopenKeepsIDsMonotonic(t *testing.T) {
	kvs, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	s := NewLocalStore(kvs, zap.NewNop())
	// An id minted far in the future, as if the clock had jumped back.
	s.kv.Set(readingsKey, `[{"id":"99999999999999","value":"00001.00","confidence":50,"timestamp":1}]`)
	s.Close()

	reopened := NewLocalStore(kvs, zap.NewNop())
	id, err := reopened.Add(context.Background(), reading.MeterReading{Value: "00002.00", Timestamp: 2})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id != "100000000000000" {
		t.Errorf("id must advance past the largest stored id, got %q", id)
	}
}

func TestLocalStore_UpdateUnknownIDIsNoop(t *testing.T) {
	s, _ := newTestLocal(t)

	v := "00009.99"
	if err := s.Update(context.Background(), "12345", reading.Update{Value: &v}); err != nil {
		t.Errorf("unknown id must not error locally: %v", err)
	}
}

func TestLocalStore_DeleteIsIdempotent(t *testing.T) {
	s, _ := newTestLocal(t)
	ctx := context.Background()

	id, _ := s.Add(ctx, reading.MeterReading{Value: "00001.00", Timestamp: 1})
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Errorf("second delete must succeed: %v", err)
	}
	if len(s.cache.list()) != 0 {
		t.Error("reading must be gone")
	}
}

func TestLocalStore_SubscribersSeeMutations(t *testing.T) {
	s, _ := newTestLocal(t)
	ctx := context.Background()

	var last []reading.MeterReading
	s.Subscribe(func(rs []reading.MeterReading) { last = rs })

	id, _ := s.Add(ctx, reading.MeterReading{Value: "00001.00", Timestamp: 1})
	if len(last) != 1 {
		t.Fatalf("observer must see the add, got %v", last)
	}

	v := "00002.00"
	if err := s.Update(ctx, id, reading.Update{Value: &v}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if last[0].Value != "00002.00" {
		t.Errorf("observer must see the update, got %q", last[0].Value)
	}

	s.Delete(ctx, id)
	if len(last) != 0 {
		t.Error("observer must see the delete")
	}
}

func TestLocalStore_MigrationHasNothingToDo(t *testing.T) {
	s, _ := newTestLocal(t)
	n, err := s.MigrateOrphanedReadings(context.Background(), reading.UserInfo{UID: "admin"})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if n != 0 {
		t.Errorf("local migration must report 0, got %d", n)
	}
}

func TestLocalStore_FailedWriteNotObserved(t *testing.T) {
	dir := t.TempDir()
	kvs, err := kv.Open(dir)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	s := NewLocalStore(kvs, zap.NewNop())

	// Occupy the collection's file path with a directory so the durable
	// write cannot land.
	if err := os.Mkdir(filepath.Join(dir, readingsKey+".json"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	notified := 0
	var last []reading.MeterReading
	s.Subscribe(func(rs []reading.MeterReading) {
		notified++
		last = rs
	})

	if _, err := s.Add(context.Background(), reading.MeterReading{Value: "02268.85", Timestamp: 1}); err == nil {
		t.Fatal("add must surface the failed durable write")
	}
	if notified != 1 {
		t.Errorf("a failed write must not notify observers, notified %d times", notified)
	}
	if len(last) != 0 {
		t.Errorf("observer must still see the empty list, got %v", last)
	}
	if len(s.cache.list()) != 0 {
		t.Error("unpersisted reading must not stay in the snapshot")
	}
}

func TestLocalStore_FailedDeleteKeepsReading(t *testing.T) {
	dir := t.TempDir()
	kvs, err := kv.Open(dir)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	s := NewLocalStore(kvs, zap.NewNop())
	ctx := context.Background()

	id, err := s.Add(ctx, reading.MeterReading{Value: "00001.00", Timestamp: 1})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Break the durable write after the add has landed.
	if err := os.Remove(filepath.Join(dir, readingsKey+".json")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, readingsKey+".json"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := s.Delete(ctx, id); err == nil {
		t.Fatal("delete must surface the failed durable write")
	}
	if len(s.cache.list()) != 1 {
		t.Error("reading must survive a failed delete")
	}
}

func TestLocalStore_CorruptedPayloadStartsEmpty(t *testing.T) {
	kvs, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	kvs.Set(readingsKey, "{not json")

	s := NewLocalStore(kvs, zap.NewNop())
	if len(s.cache.list()) != 0 {
		t.Error("corrupted payload must yield an empty collection")
	}
}

package store

import (
	"sort"
	"sync"

	"github.com/flowcheck/capture-service/internal/reading"
)

type opKind int

const (
	opAdd opKind = iota
	opUpdate
	opDelete
)

// pendingOp is a mutation accepted while the database was unreachable,
// waiting to be replayed in order.
type pendingOp struct {
	kind    opKind
	id      string
	reading reading.MeterReading
	update  reading.Update
}

// snapshot is the in-memory view of the reading list shared by both
// backends. It keeps readings ordered by timestamp descending, fans out
// change notifications, and queues mutations for offline replay.
type snapshot struct {
	mu        sync.Mutex
	readings  []reading.MeterReading
	pending   []pendingOp
	observers map[int]func([]reading.MeterReading)
	nextObs   int
	closed    bool
}

func newSnapshot() *snapshot {
	return &snapshot{observers: make(map[int]func([]reading.MeterReading))}
}

// subscribe registers an observer and fires it once with the current
// list before returning.
func (s *snapshot) subscribe(fn func([]reading.MeterReading)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	current := s.copyLocked()
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// replaceAll swaps in an authoritative list and notifies observers.
func (s *snapshot) replaceAll(rs []reading.MeterReading) {
	s.mu.Lock()
	s.readings = append([]reading.MeterReading(nil), rs...)
	sort.SliceStable(s.readings, func(i, j int) bool {
		return s.readings[i].Timestamp > s.readings[j].Timestamp
	})
	s.notifyLocked()
}

// applyAdd inserts a reading at its timestamp position and notifies.
func (s *snapshot) applyAdd(r reading.MeterReading) {
	s.mu.Lock()
	i := sort.Search(len(s.readings), func(i int) bool {
		return s.readings[i].Timestamp <= r.Timestamp
	})
	s.readings = append(s.readings, reading.MeterReading{})
	copy(s.readings[i+1:], s.readings[i:])
	s.readings[i] = r
	s.notifyLocked()
}

// applyUpdate merges upd into the reading with the given id. Returns
// false without notifying when the id is unknown.
func (s *snapshot) applyUpdate(id string, upd reading.Update) bool {
	s.mu.Lock()
	for i := range s.readings {
		if s.readings[i].ID == id {
			upd.Apply(&s.readings[i])
			s.notifyLocked()
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// applyDelete removes the reading with the given id, if present.
func (s *snapshot) applyDelete(id string) {
	s.mu.Lock()
	for i := range s.readings {
		if s.readings[i].ID == id {
			s.readings = append(s.readings[:i], s.readings[i+1:]...)
			s.notifyLocked()
			return
		}
	}
	s.mu.Unlock()
}

// list returns a copy of the current readings.
func (s *snapshot) list() []reading.MeterReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// queue records a mutation for later replay.
func (s *snapshot) queue(op pendingOp) {
	s.mu.Lock()
	s.pending = append(s.pending, op)
	s.mu.Unlock()
}

// drainPending takes ownership of the queued mutations.
func (s *snapshot) drainPending() []pendingOp {
	s.mu.Lock()
	ops := s.pending
	s.pending = nil
	s.mu.Unlock()
	return ops
}

// requeueFront puts unreplayed mutations back ahead of anything queued
// since the drain.
func (s *snapshot) requeueFront(ops []pendingOp) {
	if len(ops) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(append([]pendingOp(nil), ops...), s.pending...)
	s.mu.Unlock()
}

// close stops notifications permanently.
func (s *snapshot) close() {
	s.mu.Lock()
	s.closed = true
	s.observers = map[int]func([]reading.MeterReading){}
	s.mu.Unlock()
}

// notifyLocked snapshots the observers and list, releases the lock, and
// fires. Callers must hold s.mu; it is released on return.
func (s *snapshot) notifyLocked() {
	if s.closed {
		s.mu.Unlock()
		return
	}
	fns := make([]func([]reading.MeterReading), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	current := s.copyLocked()
	s.mu.Unlock()

	for _, fn := range fns {
		fn(current)
	}
}

func (s *snapshot) copyLocked() []reading.MeterReading {
	return append([]reading.MeterReading(nil), s.readings...)
}

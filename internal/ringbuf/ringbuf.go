// Package ringbuf implements a bounded, versioned ring buffer with a single
// writer and independently-cursored readers.
//
// Every write is stamped with a monotonically increasing version. Each
// registered reader keeps its own (slot index, last version) cursor, so the
// same record fans out to every reader at most once. The writer never
// blocks: a reader that falls behind loses the overwritten records and
// resumes at the oldest record still present.
package ringbuf

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidCapacity is returned by New for capacities below one.
	ErrInvalidCapacity = errors.New("buffer capacity must be positive")
	// ErrUnknownReader is returned for operations on unregistered readers.
	ErrUnknownReader = errors.New("reader not registered")
)

// ReaderID identifies a registered reader. IDs are never reused.
type ReaderID uint64

// slot holds one record together with its version stamp.
type slot[T any] struct {
	data      T
	version   uint64
	timestamp time.Time
}

// readerState is the per-reader cursor and bookkeeping.
type readerState struct {
	name           string
	readIdx        int
	lastVersion    int64 // -1 until the first read
	readCount      uint64
	lastReadTime   time.Time // zero until the first read
	registeredTime time.Time
}

// Stats are cumulative buffer-wide counters.
type Stats struct {
	Writes     uint64
	Overwrites uint64
	TotalReads uint64
}

// Status is a point-in-time snapshot of the buffer.
type Status struct {
	Capacity     int
	WriteIdx     int
	WriteVersion uint64
	ValidItems   int
	UsagePercent float64
	TotalReaders int
	Stats        Stats
}

// ReaderInfo is a point-in-time snapshot of one reader.
type ReaderInfo struct {
	Name           string
	ReadIdx        int
	LastVersion    int64
	ReadCount      uint64
	LastReadTime   time.Time
	RegisteredTime time.Time
}

// Item carries a record together with its metadata.
type Item[T any] struct {
	Data       T
	Version    uint64
	Timestamp  time.Time
	ReaderName string
}

// PendingItem describes a record visible to a reader without consuming it.
type PendingItem[T any] struct {
	Data      T
	Version   uint64
	Timestamp time.Time
	Position  int
}

// OverwriteFunc is invoked when a write overwrites a record that one or more
// readers have not consumed yet. It receives the lost version and the names
// of the lapped readers. Reporting is observability only and never blocks
// the writer beyond the call itself.
type OverwriteFunc func(version uint64, readers []string)

type options struct {
	Log         *zap.SugaredLogger
	OnOverwrite OverwriteFunc
	Now         func() time.Time
}

// Option configures a RingBuffer.
type Option func(*options)

// WithLog configures the buffer with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithOverwriteFunc overrides the default overwrite report, which is a
// single warning log entry per lost version.
func WithOverwriteFunc(fn OverwriteFunc) Option {
	return func(o *options) {
		o.OnOverwrite = fn
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.Now = now
	}
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
		Now: time.Now,
	}
}

// RingBuffer is a fixed-capacity, versioned, single-writer multi-reader
// ring.
//
// Thread-safety: one goroutine may call Write concurrently with any number
// of goroutines reading under distinct ReaderIDs. Slots, the write cursor
// and all reader cursors are serialized by one mutex; the reader registry
// is guarded separately so registration never takes the slot mutex. The
// writer takes the registry mutex only when it overwrites a record.
type RingBuffer[T any] struct {
	capacity int

	mu           sync.Mutex
	slots        []*slot[T]
	writeIdx     int
	writeVersion uint64
	stats        Stats

	readerMu     sync.Mutex
	readers      map[ReaderID]*readerState
	nextReaderID uint64

	onOverwrite OverwriteFunc
	log         *zap.SugaredLogger
	now         func() time.Time
}

// New creates a ring buffer with the given slot capacity.
func New[T any](capacity int, opts ...Option) (*RingBuffer[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}

	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	m := &RingBuffer[T]{
		capacity: capacity,
		slots:    make([]*slot[T], capacity),
		readers:  map[ReaderID]*readerState{},
		log:      o.Log,
		now:      o.Now,
	}
	m.onOverwrite = o.OnOverwrite
	if m.onOverwrite == nil {
		m.onOverwrite = m.logOverwrite
	}
	return m, nil
}

func (m *RingBuffer[T]) logOverwrite(version uint64, readers []string) {
	m.log.Warnw("overwriting unread record",
		zap.Uint64("version", version),
		zap.Strings("readers", readers),
	)
}

// Register adds a reader with a fresh ID. An empty name is substituted with
// "reader_<id>".
func (m *RingBuffer[T]) Register(name string) ReaderID {
	m.readerMu.Lock()
	defer m.readerMu.Unlock()

	id := ReaderID(m.nextReaderID)
	m.nextReaderID++

	if name == "" {
		name = fmt.Sprintf("reader_%d", id)
	}
	m.readers[id] = &readerState{
		name:           name,
		lastVersion:    -1,
		registeredTime: m.now(),
	}
	return id
}

// Unregister removes a reader. It reports whether the reader existed.
func (m *RingBuffer[T]) Unregister(id ReaderID) bool {
	m.readerMu.Lock()
	defer m.readerMu.Unlock()

	if _, ok := m.readers[id]; !ok {
		return false
	}
	delete(m.readers, id)
	return true
}

// Write stores data in the next slot and returns the assigned version.
// Write never blocks on readers: if the slot still holds a record some
// reader has not consumed, that record is lost and the lapped readers are
// reported through the overwrite callback.
func (m *RingBuffer[T]) Write(data T) uint64 {
	m.mu.Lock()

	version := m.writeVersion
	old := m.slots[m.writeIdx]
	m.slots[m.writeIdx] = &slot[T]{
		data:      data,
		version:   version,
		timestamp: m.now(),
	}
	m.writeIdx = (m.writeIdx + 1) % m.capacity
	m.writeVersion++
	m.stats.Writes++

	var lapped []string
	var lostVersion uint64
	if old != nil {
		m.stats.Overwrites++
		lostVersion = old.version

		m.readerMu.Lock()
		for _, r := range m.readers {
			if r.lastVersion < int64(lostVersion) {
				lapped = append(lapped, r.name)
			}
		}
		m.readerMu.Unlock()
	}
	m.mu.Unlock()

	if len(lapped) > 0 {
		m.onOverwrite(lostVersion, lapped)
	}
	return version
}

// lookupReader resolves an ID under the registry lock.
func (m *RingBuffer[T]) lookupReader(id ReaderID) (*readerState, error) {
	m.readerMu.Lock()
	defer m.readerMu.Unlock()

	r, ok := m.readers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownReader, id)
	}
	return r, nil
}

// realign moves a lapped reader's cursor to the oldest surviving record.
// Must be called with mu held.
func (m *RingBuffer[T]) realign(r *readerState) {
	oldest := m.slots[m.writeIdx]
	if oldest == nil {
		// The buffer has not wrapped yet; the cursor is still valid.
		return
	}
	if r.lastVersion < int64(oldest.version)-1 {
		r.readIdx = m.writeIdx
	}
}

// Read returns up to maxItems records for the given reader, in version
// order, advancing the reader's cursor. It stops early at an empty slot or
// at a slot the reader has already consumed.
func (m *RingBuffer[T]) Read(id ReaderID, maxItems int) ([]T, error) {
	r, err := m.lookupReader(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.realign(r)

	var out []T
	for len(out) < maxItems {
		s := m.slots[r.readIdx]
		if s == nil {
			break
		}
		if int64(s.version) <= r.lastVersion {
			// The writer has not wrapped past the cursor again.
			break
		}
		out = append(out, s.data)
		r.lastVersion = int64(s.version)
		r.readIdx = (r.readIdx + 1) % m.capacity
	}

	if len(out) > 0 {
		r.readCount += uint64(len(out))
		r.lastReadTime = m.now()
		m.stats.TotalReads += uint64(len(out))
	}
	return out, nil
}

// ReadWithMetadata is Read, with each record wrapped in its version,
// write timestamp and the reader's name.
func (m *RingBuffer[T]) ReadWithMetadata(id ReaderID, maxItems int) ([]Item[T], error) {
	r, err := m.lookupReader(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.realign(r)

	var out []Item[T]
	for len(out) < maxItems {
		s := m.slots[r.readIdx]
		if s == nil {
			break
		}
		if int64(s.version) <= r.lastVersion {
			break
		}
		out = append(out, Item[T]{
			Data:       s.data,
			Version:    s.version,
			Timestamp:  s.timestamp,
			ReaderName: r.name,
		})
		r.lastVersion = int64(s.version)
		r.readIdx = (r.readIdx + 1) % m.capacity
	}

	if len(out) > 0 {
		r.readCount += uint64(len(out))
		r.lastReadTime = m.now()
		m.stats.TotalReads += uint64(len(out))
	}
	return out, nil
}

// Pending lists the records currently visible to the reader without
// consuming them.
func (m *RingBuffer[T]) Pending(id ReaderID) ([]PendingItem[T], error) {
	r, err := m.lookupReader(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	startIdx := r.readIdx
	if oldest := m.slots[m.writeIdx]; oldest != nil && r.lastVersion < int64(oldest.version)-1 {
		startIdx = m.writeIdx
	}

	var out []PendingItem[T]
	idx := startIdx
	lastVersion := r.lastVersion
	for {
		s := m.slots[idx]
		if s == nil {
			break
		}
		if int64(s.version) <= lastVersion {
			break
		}
		out = append(out, PendingItem[T]{
			Data:      s.data,
			Version:   s.version,
			Timestamp: s.timestamp,
			Position:  idx,
		})
		lastVersion = int64(s.version)
		idx = (idx + 1) % m.capacity
		if idx == startIdx {
			break
		}
	}
	return out, nil
}

// BufferStatus returns a snapshot of the buffer state and counters.
func (m *RingBuffer[T]) BufferStatus() Status {
	m.readerMu.Lock()
	totalReaders := len(m.readers)
	m.readerMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	validItems := 0
	for _, s := range m.slots {
		if s != nil {
			validItems++
		}
	}

	return Status{
		Capacity:     m.capacity,
		WriteIdx:     m.writeIdx,
		WriteVersion: m.writeVersion,
		ValidItems:   validItems,
		UsagePercent: float64(validItems) / float64(m.capacity) * 100,
		TotalReaders: totalReaders,
		Stats:        m.stats,
	}
}

// ReaderInfo returns a snapshot of one reader.
func (m *RingBuffer[T]) ReaderInfo(id ReaderID) (ReaderInfo, error) {
	r, err := m.lookupReader(id)
	if err != nil {
		return ReaderInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotReader(r), nil
}

// AllReaders returns a snapshot of every registered reader.
func (m *RingBuffer[T]) AllReaders() map[ReaderID]ReaderInfo {
	m.readerMu.Lock()
	ids := make([]ReaderID, 0, len(m.readers))
	states := make([]*readerState, 0, len(m.readers))
	for id, r := range m.readers {
		ids = append(ids, id)
		states = append(states, r)
	}
	m.readerMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[ReaderID]ReaderInfo, len(ids))
	for i, id := range ids {
		out[id] = snapshotReader(states[i])
	}
	return out
}

func snapshotReader(r *readerState) ReaderInfo {
	return ReaderInfo{
		Name:           r.name,
		ReadIdx:        r.readIdx,
		LastVersion:    r.lastVersion,
		ReadCount:      r.readCount,
		LastReadTime:   r.lastReadTime,
		RegisteredTime: r.registeredTime,
	}
}

// CleanupOldReaders removes readers that have been idle for longer than
// timeout. Readers that never read are measured from their registration
// time. It returns the number of removed readers.
func (m *RingBuffer[T]) CleanupOldReaders(timeout time.Duration) int {
	now := m.now()

	// Cursor fields are guarded by mu; lock order is mu before readerMu,
	// as in Write.
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readerMu.Lock()
	defer m.readerMu.Unlock()

	removed := 0
	for id, r := range m.readers {
		ref := r.lastReadTime
		if ref.IsZero() {
			ref = r.registeredTime
		}
		if now.Sub(ref) > timeout {
			delete(m.readers, id)
			removed++
		}
	}
	return removed
}

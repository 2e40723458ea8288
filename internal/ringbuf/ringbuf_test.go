package ringbuf

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// fakeClock is a settable time source for eviction tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (m *fakeClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *fakeClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newTestBuffer(t *testing.T, capacity int, opts ...Option) *RingBuffer[int] {
	t.Helper()
	opts = append(opts, WithLog(zaptest.NewLogger(t).Sugar()))
	rb, err := New[int](capacity, opts...)
	require.NoError(t, err)
	return rb
}

func TestNewInvalidCapacity(t *testing.T) {
	_, err := New[int](0)
	require.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = New[int](-5)
	require.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestWriteAssignsSequentialVersions(t *testing.T) {
	rb := newTestBuffer(t, 8)

	for i := 0; i < 5; i++ {
		require.Equal(t, uint64(i), rb.Write(i))
	}

	status := rb.BufferStatus()
	assert.Equal(t, uint64(5), status.WriteVersion)
	assert.Equal(t, 5, status.ValidItems)
	assert.Equal(t, uint64(5), status.Stats.Writes)
	assert.Equal(t, uint64(0), status.Stats.Overwrites)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	rb := newTestBuffer(t, 8)
	reader := rb.Register("consumer")

	want := []int{10, 20, 30, 40, 50}
	for _, v := range want {
		rb.Write(v)
	}

	got, err := rb.Read(reader, len(want))
	require.NoError(t, err)
	require.Equal(t, want, got)

	// The cursor is exhausted now.
	got, err = rb.Read(reader, 1)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadUnknownReader(t *testing.T) {
	rb := newTestBuffer(t, 4)

	_, err := rb.Read(ReaderID(42), 1)
	require.ErrorIs(t, err, ErrUnknownReader)

	_, err = rb.ReadWithMetadata(ReaderID(42), 1)
	require.ErrorIs(t, err, ErrUnknownReader)

	_, err = rb.Pending(ReaderID(42))
	require.ErrorIs(t, err, ErrUnknownReader)
}

func TestRegisterUnregisterAreInverses(t *testing.T) {
	rb := newTestBuffer(t, 4)

	before := rb.BufferStatus().TotalReaders
	id := rb.Register("")
	require.Equal(t, before+1, rb.BufferStatus().TotalReaders)

	require.True(t, rb.Unregister(id))
	require.Equal(t, before, rb.BufferStatus().TotalReaders)

	// Idempotent.
	require.False(t, rb.Unregister(id))
}

func TestReaderIDsNeverReused(t *testing.T) {
	rb := newTestBuffer(t, 4)

	a := rb.Register("a")
	rb.Unregister(a)
	b := rb.Register("b")
	require.NotEqual(t, a, b)
}

// A lapped reader resumes at the oldest surviving record and every lost
// version is reported exactly once.
func TestOverwriteLapsSlowReader(t *testing.T) {
	var mu sync.Mutex
	lost := map[uint64][]string{}

	rb := newTestBuffer(t, 4, WithOverwriteFunc(func(version uint64, readers []string) {
		mu.Lock()
		defer mu.Unlock()
		lost[version] = readers
	}))
	reader := rb.Register("slow")

	for i := 0; i < 10; i++ {
		rb.Write(i)
	}

	got, err := rb.Read(reader, 10)
	require.NoError(t, err)
	require.Equal(t, []int{6, 7, 8, 9}, got)

	status := rb.BufferStatus()
	assert.Equal(t, uint64(6), status.Stats.Overwrites)
	assert.Equal(t, 4, status.ValidItems)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lost, 6)
	for version := uint64(0); version < 6; version++ {
		require.Equal(t, []string{"slow"}, lost[version])
	}
}

func TestIndependentReaders(t *testing.T) {
	rb := newTestBuffer(t, 8)
	readerA := rb.Register("a")
	readerB := rb.Register("b")

	for i := 0; i < 3; i++ {
		rb.Write(i)
	}

	gotA, err := rb.Read(readerA, 2)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, gotA)

	gotB, err := rb.Read(readerB, 3)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, gotB)

	gotA, err = rb.Read(readerA, 5)
	require.NoError(t, err)
	require.Equal(t, []int{2}, gotA)

	gotB, err = rb.Read(readerB, 5)
	require.NoError(t, err)
	require.Empty(t, gotB)
}

func TestReadWithMetadata(t *testing.T) {
	rb := newTestBuffer(t, 4)
	reader := rb.Register("meta")

	rb.Write(7)
	rb.Write(8)

	items, err := rb.ReadWithMetadata(reader, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, 7, items[0].Data)
	assert.Equal(t, uint64(0), items[0].Version)
	assert.Equal(t, "meta", items[0].ReaderName)
	assert.False(t, items[0].Timestamp.IsZero())

	assert.Equal(t, 8, items[1].Data)
	assert.Equal(t, uint64(1), items[1].Version)
}

func TestPendingDoesNotConsume(t *testing.T) {
	rb := newTestBuffer(t, 8)
	reader := rb.Register("peek")

	rb.Write(1)
	rb.Write(2)
	rb.Write(3)

	pending, err := rb.Pending(reader)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, uint64(0), pending[0].Version)
	assert.Equal(t, uint64(2), pending[2].Version)

	// Still all readable.
	got, err := rb.Read(reader, 10)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, got)

	pending, err = rb.Pending(reader)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPendingAfterLap(t *testing.T) {
	rb := newTestBuffer(t, 4)
	reader := rb.Register("lapped")

	for i := 0; i < 10; i++ {
		rb.Write(i)
	}

	pending, err := rb.Pending(reader)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	assert.Equal(t, uint64(6), pending[0].Version)
	assert.Equal(t, uint64(9), pending[3].Version)
}

func TestReaderInfo(t *testing.T) {
	rb := newTestBuffer(t, 4)
	reader := rb.Register("info")

	info, err := rb.ReaderInfo(reader)
	require.NoError(t, err)
	assert.Equal(t, "info", info.Name)
	assert.Equal(t, int64(-1), info.LastVersion)
	assert.True(t, info.LastReadTime.IsZero())

	rb.Write(1)
	_, err = rb.Read(reader, 1)
	require.NoError(t, err)

	info, err = rb.ReaderInfo(reader)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.LastVersion)
	assert.Equal(t, uint64(1), info.ReadCount)
	assert.False(t, info.LastReadTime.IsZero())

	_, err = rb.ReaderInfo(ReaderID(99))
	require.ErrorIs(t, err, ErrUnknownReader)
}

func TestCleanupOldReaders(t *testing.T) {
	clock := newFakeClock()
	rb := newTestBuffer(t, 4, WithClock(clock.Now))

	active := rb.Register("active")
	rb.Register("idle")

	rb.Write(1)

	clock.Advance(30 * time.Minute)
	_, err := rb.Read(active, 1)
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)

	// "idle" never read and registered 75 minutes ago; "active" read 45
	// minutes ago.
	removed := rb.CleanupOldReaders(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, rb.BufferStatus().TotalReaders)

	_, err = rb.Read(active, 1)
	require.NoError(t, err)
}

// Versions seen by concurrent readers are strictly increasing with no
// duplicates, under a racing writer.
func TestConcurrentReadersSeeMonotoneVersions(t *testing.T) {
	const writes = 10000

	rb := newTestBuffer(t, 64)

	readers := []ReaderID{
		rb.Register("r0"),
		rb.Register("r1"),
		rb.Register("r2"),
	}

	var wg errgroup.Group
	wg.Go(func() error {
		for i := 0; i < writes; i++ {
			rb.Write(i)
		}
		return nil
	})

	for _, reader := range readers {
		wg.Go(func() error {
			last := int64(-1)
			seen := map[uint64]bool{}
			for {
				items, err := rb.ReadWithMetadata(reader, 16)
				if err != nil {
					return err
				}
				for _, item := range items {
					if int64(item.Version) <= last {
						return fmt.Errorf("version %d after %d", item.Version, last)
					}
					if seen[item.Version] {
						return fmt.Errorf("version %d delivered twice", item.Version)
					}
					seen[item.Version] = true
					last = int64(item.Version)
				}
				if last == writes-1 {
					return nil
				}
				if len(items) == 0 {
					time.Sleep(100 * time.Microsecond)
				}
			}
		})
	}

	require.NoError(t, wg.Wait())

	status := rb.BufferStatus()
	assert.Equal(t, uint64(writes), status.WriteVersion)
	assert.Equal(t, 64, status.ValidItems)
}

// After N writes with capacity C the buffer holds min(N, C) records.
func TestSoleWriterTotality(t *testing.T) {
	for _, tc := range []struct {
		capacity int
		writes   int
		want     int
	}{
		{capacity: 4, writes: 2, want: 2},
		{capacity: 4, writes: 4, want: 4},
		{capacity: 4, writes: 9, want: 4},
		{capacity: 1, writes: 3, want: 1},
	} {
		t.Run(fmt.Sprintf("cap%d_writes%d", tc.capacity, tc.writes), func(t *testing.T) {
			rb := newTestBuffer(t, tc.capacity)
			for i := 0; i < tc.writes; i++ {
				rb.Write(i)
			}
			status := rb.BufferStatus()
			assert.Equal(t, uint64(tc.writes), status.WriteVersion)
			assert.Equal(t, tc.want, status.ValidItems)
		})
	}
}

func TestCapacityOneKeepsLatest(t *testing.T) {
	rb := newTestBuffer(t, 1)
	reader := rb.Register("tiny")

	rb.Write(1)
	rb.Write(2)
	rb.Write(3)

	got, err := rb.Read(reader, 10)
	require.NoError(t, err)
	require.Equal(t, []int{3}, got)
}

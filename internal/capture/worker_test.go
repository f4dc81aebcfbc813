package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pvrd/internal/catalog"
	"github.com/jmylchreest/pvrd/internal/config"
	"github.com/jmylchreest/pvrd/internal/profile"
)

// fakeDevice replays canned chunks and counts control calls.
type fakeDevice struct {
	mu       sync.Mutex
	chunks   [][]byte
	timeouts int
	tuned    []string
	closed   bool
}

func (d *fakeDevice) Setup(profile.CaptureParams, config.CardControls) error { return nil }

func (d *fakeDevice) Tune(channel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tuned = append(d.tuned, channel)
	return nil
}

func (d *fakeDevice) WaitReadable(time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timeouts > 0 {
		d.timeouts--
		return ErrReadTimeout
	}
	return nil
}

func (d *fakeDevice) Read(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.chunks) == 0 {
		return 0, nil
	}
	n := copy(buf, d.chunks[0])
	d.chunks = d.chunks[1:]
	return n, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// fakeClock hands out timestamps advancing by step per call.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func testEntry(start time.Time, d time.Duration) *catalog.Entry {
	return &catalog.Entry{
		ID:       catalog.NewID(),
		Title:    "Test Show",
		Channel:  "SE1",
		Start:    start,
		End:      start.Add(d),
		Basename: "Test_Show",
	}
}

func TestWorkerRecordsUntilEnd(t *testing.T) {
	start := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start, step: time.Second}
	dev := &fakeDevice{chunks: [][]byte{[]byte("aaaa"), []byte("bb")}}
	path := filepath.Join(t.TempDir(), "out", "Test_Show.mp2")

	w := NewWorker(dev, testEntry(start, 4*time.Second), &profile.Profile{}, path).
		withClock(clock.Now)
	res, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Cancelled)
	assert.EqualValues(t, 6, res.Bytes)
	assert.Greater(t, res.Recorded, time.Duration(0))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "aaaabb", string(data))
}

func TestWorkerCancellation(t *testing.T) {
	start := time.Now()
	dev := &fakeDevice{}
	path := filepath.Join(t.TempDir(), "x.mp2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWorker(dev, testEntry(start, time.Hour), &profile.Profile{}, path)
	res, err := w.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
}

func TestWorkerAbortsOnReadTimeout(t *testing.T) {
	start := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start, step: time.Second}
	dev := &fakeDevice{timeouts: 100}
	path := filepath.Join(t.TempDir(), "x.mp2")

	w := NewWorker(dev, testEntry(start, time.Hour), &profile.Profile{}, path).
		withClock(clock.Now)
	_, err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestWorkerRidesOutTimeoutsWhenIgnored(t *testing.T) {
	start := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start, step: time.Second}
	dev := &fakeDevice{timeouts: 2, chunks: [][]byte{[]byte("data")}}
	path := filepath.Join(t.TempDir(), "x.mp2")

	w := NewWorker(dev, testEntry(start, 10*time.Second), &profile.Profile{}, path).
		WithReadTimeout(time.Second, true).
		withClock(clock.Now)
	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.Bytes)
}

func TestManagerSlots(t *testing.T) {
	storage := config.StorageConfig{DataDir: t.TempDir()}
	block := make(chan struct{})
	opener := func(int) (Device, error) {
		return &blockingDevice{release: block}, nil
	}

	var mu sync.Mutex
	var completed []*Result
	m := NewManager(config.CaptureConfig{ReadTimeout: time.Second, IgnoreReadTimeouts: true}, storage, opener, func(r *Result) {
		mu.Lock()
		completed = append(completed, r)
		mu.Unlock()
	})

	entry := testEntry(time.Now(), time.Hour)
	entry.Device = 0
	require.NoError(t, m.Start(context.Background(), entry, &profile.Profile{}))
	assert.True(t, m.Occupied(0))

	// The slot is exclusive while the capture runs.
	err := m.Start(context.Background(), testEntry(time.Now(), time.Hour), &profile.Profile{})
	assert.Error(t, err)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Test Show", list[0].Title)

	require.NoError(t, m.Cancel(0))
	assert.True(t, m.CancelAll(2*time.Second))
	assert.False(t, m.Occupied(0))

	// Cancelled captures are not handed off.
	mu.Lock()
	assert.Empty(t, completed)
	mu.Unlock()

	assert.Error(t, m.Cancel(0))
}

// blockingDevice produces no data until released.
type blockingDevice struct {
	release chan struct{}
}

func (d *blockingDevice) Setup(profile.CaptureParams, config.CardControls) error { return nil }
func (d *blockingDevice) Tune(string) error                                      { return nil }

func (d *blockingDevice) WaitReadable(timeout time.Duration) error {
	select {
	case <-d.release:
		return nil
	case <-time.After(10 * time.Millisecond):
		return ErrReadTimeout
	}
}

func (d *blockingDevice) Read([]byte) (int, error) { return 0, nil }
func (d *blockingDevice) Close() error             { return nil }

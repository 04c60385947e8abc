package allocator

import (
	"context"
	"sync"
	"testing"
	"time"

	"gpu-allocator/models"
	"gpu-allocator/queues"
	"gpu-allocator/store"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type mockPublisher struct {
	mu      sync.Mutex
	err     error
	results []*queues.BookingResult
	avail   []*queues.ResourceAvailable
}

func (m *mockPublisher) PublishResult(_ context.Context, res *queues.BookingResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return m.err
}

func (m *mockPublisher) PublishAvailability(_ context.Context, ev *queues.ResourceAvailable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avail = append(m.avail, ev)
	return m.err
}

func (m *mockPublisher) availability() []*queues.ResourceAvailable {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*queues.ResourceAvailable(nil), m.avail...)
}

type fixture struct {
	alloc *Allocator
	clock *fakeClock
	pub   *mockPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{t: epoch}
	pub := &mockPublisher{}
	a := New(store.NewMemory(), WithClock(clk.Now), WithPublisher(pub))
	return &fixture{alloc: a, clock: clk, pub: pub}
}

func (f *fixture) resource(t *testing.T, name string) *models.Resource {
	t.Helper()
	res, err := f.alloc.Resources.Create(context.Background(), ResourceSpec{Name: name, Type: "A100", MemoryMB: 40960})
	require.NoError(t, err)
	return res
}

func (f *fixture) requester(t *testing.T, name string) *models.Requester {
	t.Helper()
	req, err := f.alloc.Requesters.Create(context.Background(), name, name+"@example.com")
	require.NoError(t, err)
	return req
}

// at returns epoch plus h hours.
func at(h float64) time.Time {
	return epoch.Add(time.Duration(h * float64(time.Hour)))
}

func requireKind(t *testing.T, err error, k Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, k, KindOf(err), "error: %v", err)
}

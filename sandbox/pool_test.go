package sandbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider is a fake Provider for testing the pool.
type mockProvider struct {
	mu      sync.Mutex
	created int
	deleted []string
	running map[string]bool
}

func newMockProvider() *mockProvider {
	return &mockProvider{running: make(map[string]bool)}
}

func (m *mockProvider) Create(_ context.Context, _ CreateOptions) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	id := fmt.Sprintf("sandbox-%d", m.created)
	m.running[id] = true
	return Info{ID: id, State: StateStarted}, nil
}

func (m *mockProvider) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	delete(m.running, id)
	return nil
}

func (m *mockProvider) Get(_ context.Context, id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running[id] {
		return Info{ID: id, State: StateStopped}, nil
	}
	return Info{ID: id, State: StateStarted}, nil
}

func (m *mockProvider) Start(context.Context, string) error { return nil }
func (m *mockProvider) Stop(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[id] = false
	return nil
}
func (m *mockProvider) Exec(context.Context, string, ExecRequest) (ExecResponse, error) {
	return ExecResponse{}, nil
}
func (m *mockProvider) ExecSession(context.Context, string, string, string) error { return nil }
func (m *mockProvider) Upload(context.Context, string, string, []byte) error      { return nil }
func (m *mockProvider) Download(context.Context, string, string) ([]byte, error)  { return nil, nil }
func (m *mockProvider) PreviewURL(context.Context, string, int, time.Duration) (string, error) {
	return "", nil
}

func (m *mockProvider) getCreated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

func startedPool(t *testing.T, mock *mockProvider, size int) *Pool {
	t.Helper()
	pool := NewPool(mock, PoolConfig{Size: size, Image: "test-image", RefillInterval: 20 * time.Millisecond}, nil)
	pool.StartPool(context.Background())
	require.Eventually(t, func() bool { return pool.PoolStats() == size }, 2*time.Second, 5*time.Millisecond)
	return pool
}

func TestPoolPrewarms(t *testing.T) {
	mock := newMockProvider()
	pool := startedPool(t, mock, 2)
	defer pool.StopPool()
	assert.Equal(t, 2, mock.getCreated())
}

func TestPoolClaimsWarmSandbox(t *testing.T) {
	mock := newMockProvider()
	pool := startedPool(t, mock, 2)
	defer pool.StopPool()

	info, err := pool.Create(context.Background(), CreateOptions{Image: "test-image"})
	require.NoError(t, err)
	assert.Equal(t, "sandbox-1", info.ID)

	// The claim itself creates nothing; only the refill does.
	require.Eventually(t, func() bool { return pool.PoolStats() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, mock.getCreated())
}

func TestPoolSkipsStaleWarmSandbox(t *testing.T) {
	mock := newMockProvider()
	pool := NewPool(mock, PoolConfig{Size: 1, Image: "img"}, nil)
	pool.refill(context.Background())
	require.Equal(t, 1, pool.PoolStats())
	require.NoError(t, mock.Stop(context.Background(), "sandbox-1"))

	info, err := pool.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sandbox-2", info.ID)
	assert.Equal(t, []string{"sandbox-1"}, mock.deleted)
}

func TestPoolBypassedForOtherImage(t *testing.T) {
	mock := newMockProvider()
	pool := NewPool(mock, PoolConfig{Size: 1, Image: "img"}, nil)
	pool.refill(context.Background())

	info, err := pool.Create(context.Background(), CreateOptions{Image: "other"})
	require.NoError(t, err)
	assert.Equal(t, "sandbox-2", info.ID)
	assert.Equal(t, 1, pool.PoolStats())
}

func TestPoolStopCleansUp(t *testing.T) {
	mock := newMockProvider()
	pool := startedPool(t, mock, 3)
	pool.StopPool()

	assert.Zero(t, pool.PoolStats())
	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Len(t, mock.deleted, 3)
}

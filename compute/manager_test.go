package compute

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/identity"
	"github.com/pnavarro/nova/rpcx"
	"github.com/pnavarro/nova/testingx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestInitHost(t *testing.T) {
	m := NewManager(Options{Host: "host1"})
	require.NoError(t, m.InitHost(context.Background()))
	stats := m.Stats()
	assert.Equal(t, "host1", stats.Host)
	assert.Positive(t, stats.CPUs)
	assert.False(t, stats.UpdatedAt.IsZero())

	err := NewManager(Options{}).InitHost(context.Background())
	assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestDispatcher(t *testing.T) {
	m := NewManager(Options{Host: "host1"})
	d, err := m.Dispatcher()
	require.NoError(t, err)
	assert.Equal(t, RPCAPIVersion, d.Version())
	assert.Equal(t, []string{"get_host_stats", "get_host_uptime", "ping"}, d.Methods())

	reply := d.Dispatch(context.Background(), "compute", rpcx.Envelope{Method: "ping", Args: map[string]any{"arg": "x"}})
	require.NoError(t, reply.Err())
	assert.JSONEq(t, `{"host":"host1","arg":"x"}`, string(reply.Result))

	reply = d.Dispatch(context.Background(), "compute", rpcx.Envelope{Method: "get_host_stats"})
	assert.True(t, errors.IsCode(reply.Err(), errors.CodeUnavailable))

	require.NoError(t, m.InitHost(context.Background()))
	reply = d.Dispatch(context.Background(), "compute", rpcx.Envelope{Method: "get_host_stats"})
	require.NoError(t, reply.Err())
	assert.Contains(t, string(reply.Result), `"host":"host1"`)

	reply = d.Dispatch(context.Background(), "compute", rpcx.Envelope{Method: "get_host_uptime", Args: map[string]any{"host": "elsewhere"}})
	assert.True(t, errors.IsCode(reply.Err(), errors.CodeInvalidArgument))
}

func TestGetHostUptime(t *testing.T) {
	if _, err := exec.LookPath("uptime"); err != nil {
		t.Skip("uptime not installed")
	}
	m := NewManager(Options{Host: "host1"})
	d, err := m.Dispatcher()
	require.NoError(t, err)

	reply := d.Dispatch(context.Background(), "compute", rpcx.Envelope{Method: "get_host_uptime", Args: map[string]any{"host": "host1"}})
	require.NoError(t, reply.Err())
	assert.Contains(t, string(reply.Result), "load average")
}

func TestRunPeriodicTasks(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	logger := testingx.NewMockLogger(t)
	m := NewManager(Options{Host: "host1", Now: c.Now, Logger: logger})

	var fast, slow int
	require.NoError(t, m.AddPeriodicTask(PeriodicTask{Name: "fast", Run: func(context.Context) error { fast++; return nil }}))
	require.NoError(t, m.AddPeriodicTask(PeriodicTask{Name: "slow", Spacing: 10 * time.Second, Run: func(context.Context) error {
		slow++
		return assert.AnError
	}}))
	assert.True(t, errors.IsCode(m.AddPeriodicTask(PeriodicTask{Name: "fast", Run: func(context.Context) error { return nil }}), errors.CodeAlreadyExists))
	assert.True(t, errors.IsCode(m.AddPeriodicTask(PeriodicTask{Name: "nil"}), errors.CodeInvalidArgument))

	m.RunPeriodicTasks(context.Background())
	m.RunPeriodicTasks(context.Background())
	assert.Equal(t, 2, fast)
	assert.Equal(t, 1, slow)
	logger.AssertLogged("ERROR", "periodic task failed")

	c.Advance(10 * time.Second)
	m.RunPeriodicTasks(context.Background())
	assert.Equal(t, 3, fast)
	assert.Equal(t, 2, slow)
}

func TestRunPeriodicTasks_Cancelled(t *testing.T) {
	m := NewManager(Options{Host: "host1"})
	ran := false
	require.NoError(t, m.AddPeriodicTask(PeriodicTask{Name: "x", Run: func(context.Context) error { ran = true; return nil }}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.RunPeriodicTasks(ctx)
	assert.False(t, ran)
}

func TestRunPeriodicTasks_AdminContext(t *testing.T) {
	m := NewManager(Options{Host: "host1"})
	var got identity.RequestContext
	require.NoError(t, m.AddPeriodicTask(PeriodicTask{Name: "audit", Run: func(ctx context.Context) error {
		got, _ = identity.RequestFrom(ctx)
		return nil
	}}))

	m.RunPeriodicTasks(context.Background())
	assert.True(t, got.IsAdmin)
	assert.NotEmpty(t, got.RequestID)
}

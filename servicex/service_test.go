package servicex

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/rpcx"
	"github.com/pnavarro/nova/runtimex"
	"github.com/pnavarro/nova/servicegroup"
	"github.com/pnavarro/nova/testingx"
)

type fakeManager struct {
	mu        sync.Mutex
	calls     []string
	initErr   error
	periodics chan struct{}
}

func newFakeManager() *fakeManager {
	return &fakeManager{periodics: make(chan struct{}, 16)}
}

func (m *fakeManager) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *fakeManager) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *fakeManager) InitHost(context.Context) error {
	m.record("init_host")
	return m.initErr
}

func (m *fakeManager) PostStartHook(context.Context) error {
	m.record("post_start_hook")
	return nil
}

func (m *fakeManager) Dispatcher() (*rpcx.Dispatcher, error) {
	d, err := rpcx.NewDispatcher("1.0", nil, nil)
	if err != nil {
		return nil, err
	}
	err = d.Register("echo", func(_ context.Context, args map[string]any) (any, error) {
		return args["value"], nil
	})
	return d, err
}

func (m *fakeManager) RunPeriodicTasks(context.Context) {
	select {
	case m.periodics <- struct{}{}:
	default:
	}
}

type fakeGroup struct {
	mu     sync.Mutex
	joined map[string]servicegroup.ServiceInfo
	left   []string
}

func (g *fakeGroup) Join(_ context.Context, memberID, groupID string, svc servicegroup.ServiceInfo) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joined == nil {
		g.joined = make(map[string]servicegroup.ServiceInfo)
	}
	g.joined[groupID+"/"+memberID] = svc
	return nil
}

func (g *fakeGroup) Leave(_ context.Context, memberID, groupID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.left = append(g.left, groupID+"/"+memberID)
	return nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *stateRecorder) ServiceState(_, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

type serviceFixture struct {
	svc     *Service
	manager *fakeManager
	group   *fakeGroup
	broker  *rpcx.FakeBroker
	states  *stateRecorder
	closed  []string
}

func newServiceFixture(t *testing.T, mutate func(*ServiceOptions)) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		manager: newFakeManager(),
		group:   &fakeGroup{},
		broker:  rpcx.NewFakeBroker(),
		states:  &stateRecorder{},
	}
	conn, err := rpcx.Dial(context.Background(), rpcx.Options{
		Backend:         rpcx.BackendFake,
		Host:            "node1",
		Broker:          f.broker,
		ResponseTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	opts := ServiceOptions{
		Descriptor:     Descriptor{Binary: "nova-compute", Topic: "compute"},
		Host:           "node1",
		Manager:        f.manager,
		Group:          f.group,
		Conn:           conn,
		ReportInterval: time.Second,
		Logger:         testingx.NewMockLogger(t),
		Metrics:        f.states,
		Closers: []func() error{
			func() error { f.closed = append(f.closed, "first"); return nil },
			func() error { f.closed = append(f.closed, "second"); return nil },
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.svc, err = NewService(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.svc.Stop(context.Background()) })
	return f
}

func TestNewService_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServiceOptions)
	}{
		{"no binary", func(o *ServiceOptions) { o.Descriptor.Binary = "" }},
		{"no topic", func(o *ServiceOptions) { o.Descriptor.Topic = "" }},
		{"no host", func(o *ServiceOptions) { o.Host = "" }},
		{"no manager", func(o *ServiceOptions) { o.Manager = nil }},
		{"no group", func(o *ServiceOptions) { o.Group = nil }},
		{"no connection", func(o *ServiceOptions) { o.Conn = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := ServiceOptions{
				Descriptor: Descriptor{Binary: "nova-compute", Topic: "compute"},
				Host:       "node1",
				Manager:    newFakeManager(),
				Group:      &fakeGroup{},
				Conn:       stubConn{},
			}
			tt.mutate(&opts)
			_, err := NewService(opts)
			testingx.AssertError(t, err, errors.CodeInvalidArgument)
		})
	}
}

type stubConn struct{ rpcx.Connection }

func TestService_Lifecycle(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	assert.Equal(t, StateConstructed, f.svc.State())
	assert.Error(t, f.svc.Check(ctx))

	require.NoError(t, f.svc.Start(ctx))
	assert.Equal(t, StateStarted, f.svc.State())
	assert.NoError(t, f.svc.Check(ctx))
	assert.NoError(t, runtimex.CheckHealth(ctx))
	assert.Equal(t, []string{"init_host", "post_start_hook"}, f.manager.Calls())
	assert.Equal(t, servicegroup.ServiceInfo{Binary: "nova-compute"}, f.group.joined["compute/node1"])

	client, err := rpcx.Dial(ctx, rpcx.Options{Backend: rpcx.BackendFake, Host: "client", Broker: f.broker, ResponseTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer client.Close()
	for _, topic := range []string{"compute", "compute.node1"} {
		out, err := client.Call(ctx, topic, rpcx.Message{Method: "echo", Args: map[string]any{"value": topic}})
		require.NoError(t, err, topic)
		assert.JSONEq(t, `"`+topic+`"`, string(out))
	}

	err = f.svc.Start(ctx)
	testingx.AssertError(t, err, errors.CodeAborted)

	require.NoError(t, f.svc.Stop(ctx))
	require.NoError(t, f.svc.Stop(ctx))
	assert.Equal(t, StateStopped, f.svc.State())
	assert.Equal(t, []string{"compute/node1"}, f.group.left)
	assert.Equal(t, []string{"second", "first"}, f.closed)
	assert.Equal(t, []string{"Constructed", "Started", "Stopped"}, f.states.states)

	testingx.AssertError(t, f.svc.Start(ctx), errors.CodeAborted)
}

func TestService_StartFailure(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.manager.initErr = stderrors.New("no hypervisor")

	err := f.svc.Start(context.Background())
	testingx.AssertError(t, err, errors.CodeRuntimeFailure)
	assert.ErrorContains(t, f.svc.Err(), "no hypervisor")
	assert.Empty(t, f.group.joined)

	require.NoError(t, f.svc.Stop(context.Background()))
	assert.Empty(t, f.group.left, "a service that never joined does not leave")
}

func TestService_TransportFailure(t *testing.T) {
	f := newServiceFixture(t, nil)
	require.NoError(t, f.svc.Start(context.Background()))

	f.broker.Fail(stderrors.New("connection reset"))

	err := testingx.Receive(t, f.svc.Failures(), 2*time.Second)
	testingx.AssertError(t, err, errors.CodeRuntimeFailure)
	assert.Error(t, f.svc.Check(context.Background()))
	assert.ErrorContains(t, f.svc.Err(), "connection reset")
}

func TestService_PeriodicTasks(t *testing.T) {
	f := newServiceFixture(t, func(o *ServiceOptions) {
		o.PeriodicInterval = 10 * time.Millisecond
		o.PeriodicFuzzyDelay = 0
	})
	require.NoError(t, f.svc.Start(context.Background()))

	for i := 0; i < 2; i++ {
		testingx.Receive(t, f.manager.periodics, 2*time.Second)
	}
	require.NoError(t, f.svc.Stop(context.Background()))
}

func TestService_String(t *testing.T) {
	f := newServiceFixture(t, nil)
	assert.Equal(t, "nova-compute(compute on node1)", f.svc.String())
	assert.Equal(t, "service:nova-compute", f.svc.Name())
	assert.Equal(t, Descriptor{Binary: "nova-compute", Topic: "compute"}, f.svc.Descriptor())
	assert.Equal(t, "node1", f.svc.Host())
}

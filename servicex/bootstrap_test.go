package servicex

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnavarro/nova/configx"
	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/rpcx"
	"github.com/pnavarro/nova/testingx"
)

type phaseRecorder struct {
	mu     sync.Mutex
	phases []string
}

func (r *phaseRecorder) trace(phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
}

func (r *phaseRecorder) Phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.phases...)
}

type createCall struct{ binary, topic string }

type bootstrapFixture struct {
	b       *Bootstrap
	stderr  *bytes.Buffer
	phases  *phaseRecorder
	served  chan *Service
	mu      sync.Mutex
	creates []createCall
}

func (f *bootstrapFixture) Creates() []createCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]createCall(nil), f.creates...)
}

// newBootstrap returns a bootstrap isolated from the host: no config
// files, no environment and the in-process transport.
func newBootstrap(t *testing.T, ctx context.Context, args ...string) *bootstrapFixture {
	t.Helper()
	dir := t.TempDir()
	f := &bootstrapFixture{
		stderr: &bytes.Buffer{},
		phases: &phaseRecorder{},
		served: make(chan *Service, 1),
	}
	f.b = &Bootstrap{
		Binary:      "nova-compute",
		Argv0:       filepath.Join(dir, "bin", "nova-compute"),
		Args:        args,
		Stderr:      f.stderr,
		LogWriter:   io.Discard,
		Environ:     []string{},
		DefaultDirs: []string{},
		Context:     ctx,
		Broker:      rpcx.NewFakeBroker(),
		Trace:       f.phases.trace,
		OnServe:     func(s *Service) { f.served <- s },
		NewFactory: func(deps FactoryDeps) Factory {
			inner := NewDefaultFactory(deps)
			return FactoryFunc(func(ctx context.Context, binary, topic string) (*Service, error) {
				f.mu.Lock()
				f.creates = append(f.creates, createCall{binary, topic})
				f.mu.Unlock()
				return inner.Create(ctx, binary, topic)
			})
		},
	}
	return f
}

func workerArgs(t *testing.T, extra ...string) []string {
	return append([]string{
		"--rpc-backend=fake",
		"--sql-connection=sqlite:///" + filepath.Join(t.TempDir(), "nova.sqlite"),
		"--periodic-interval=0",
		"--report-interval=50ms",
	}, extra...)
}

func TestBootstrap_RunUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newBootstrap(t, ctx, workerArgs(t, "--topic=compute.test", "--host=node1")...)

	done := make(chan error, 1)
	go func() { done <- f.b.Run() }()

	svc := testingx.Receive(t, f.served, 10*time.Second)
	testingx.Eventually(t, 5*time.Second, func() bool { return svc.State() == StateStarted }, "service state is %s", svc.State())
	assert.Equal(t, Descriptor{Binary: "nova-compute", Topic: "compute.test"}, svc.Descriptor())
	assert.Equal(t, "node1", svc.Host())
	assert.Equal(t, []createCall{{"nova-compute", "compute.test"}}, f.Creates())

	cancel()
	err := testingx.Receive(t, done, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, ExitCode(err))
	assert.Equal(t, StateStopped, svc.State())
	assert.Equal(t, []string{
		PhaseSubstrate, PhaseSearchPath, PhaseConfig, PhaseLogging, PhaseCompat, PhaseFactory, PhaseRun,
	}, f.phases.Phases())
}

func TestBootstrap_MissingTopic(t *testing.T) {
	f := newBootstrap(t, context.Background())

	err := f.b.Run()
	testingx.AssertError(t, err, errors.CodeStartupConfiguration)
	assert.Equal(t, 2, ExitCode(err))
	assert.Empty(t, f.Creates(), "factory must not be called")
	assert.Equal(t, []string{PhaseSubstrate, PhaseSearchPath, PhaseConfig}, f.phases.Phases())
	assert.Contains(t, f.stderr.String(), "topic")
	assert.Empty(t, f.served)
}

func TestBootstrap_Help(t *testing.T) {
	f := newBootstrap(t, context.Background(), "--help")

	err := f.b.Run()
	assert.ErrorIs(t, err, configx.ErrHelp)
	assert.Equal(t, 0, ExitCode(err))
	assert.Contains(t, f.stderr.String(), "--topic")
}

func TestBootstrap_ConstructionFailure(t *testing.T) {
	tests := []struct {
		name string
		arg  string
	}{
		{"unknown rpc backend", "--rpc-backend=carrier-pigeon"},
		{"unknown servicegroup driver", "--servicegroup-driver=zookeeper"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBootstrap(t, context.Background(), workerArgs(t, "--topic=compute", tt.arg)...)

			err := f.b.Run()
			testingx.AssertError(t, err, errors.CodeServiceConstruction)
			assert.Equal(t, 1, ExitCode(err))
			assert.Len(t, f.Creates(), 1)
			assert.NotContains(t, f.phases.Phases(), PhaseRun)
			assert.Empty(t, f.served)
		})
	}
}

func TestBootstrap_RuntimeFailure(t *testing.T) {
	f := newBootstrap(t, context.Background(), workerArgs(t, "--topic=compute")...)

	done := make(chan error, 1)
	go func() { done <- f.b.Run() }()

	svc := testingx.Receive(t, f.served, 10*time.Second)
	testingx.Eventually(t, 5*time.Second, func() bool { return svc.State() == StateStarted }, "service state is %s", svc.State())
	f.b.Broker.Fail(errors.New(errors.CodeUnavailable, "broker went away"))

	err := testingx.Receive(t, done, 10*time.Second)
	testingx.AssertError(t, err, errors.CodeRuntimeFailure)
	assert.Equal(t, 1, ExitCode(err))
	assert.Equal(t, StateStopped, svc.State())
}

func TestBootstrap_NoBinary(t *testing.T) {
	err := (&Bootstrap{}).Run()
	testingx.AssertError(t, err, errors.CodeStartupConfiguration)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"clean", nil, 0},
		{"help", configx.ErrHelp, 0},
		{"configuration", errors.New(errors.CodeStartupConfiguration, "missing topic"), 2},
		{"wrapped configuration", errors.Wrap(errors.CodeInternal, "op", errors.New(errors.CodeStartupConfiguration, "x")), 1},
		{"construction", errors.New(errors.CodeServiceConstruction, "dial failed"), 1},
		{"runtime", errors.New(errors.CodeRuntimeFailure, "connection lost"), 1},
		{"uncoded", io.ErrUnexpectedEOF, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

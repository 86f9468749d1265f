package runtimex

import (
	"context"
	"net"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Primitive names a class of blocking operation the substrate schedules.
type Primitive string

const (
	PrimitiveSocket     Primitive = "socket"
	PrimitiveTimer      Primitive = "timer"
	PrimitiveThread     Primitive = "thread"
	PrimitiveSubprocess Primitive = "subprocess"
)

// SubstrateOptions configures Install.
type SubstrateOptions struct {
	// NoNonBlockingPipes leaves subprocess pipes unmanaged on platforms
	// without non-blocking pipe support. Sockets, timers and threads are
	// still managed.
	NoNonBlockingPipes bool
	// MaxProcs sets GOMAXPROCS; 0 uses runtime.NumCPU().
	MaxProcs int
	// DialTimeout bounds Dial when the context has no deadline; 0 means 30s.
	DialTimeout time.Duration
	// KeepAlive is the TCP keep-alive period for dialed sockets; 0 means 15s.
	KeepAlive time.Duration
}

// DefaultSubstrateOptions returns the options for the current platform.
func DefaultSubstrateOptions() SubstrateOptions {
	return SubstrateOptions{
		NoNonBlockingPipes: runtime.GOOS == "windows",
		MaxProcs:           runtime.NumCPU(),
		DialTimeout:        30 * time.Second,
		KeepAlive:          15 * time.Second,
	}
}

// Substrate is the process-wide scheduling layer every I/O component goes
// through: network dials, timers, background goroutines and subprocesses.
// All operations take a context so a stopping service never leaves a
// blocked caller behind.
type Substrate struct {
	managed  map[Primitive]bool
	maxProcs int
	dialer   net.Dialer
	active   atomic.Int64
}

var (
	installOnce sync.Once
	installed   atomic.Pointer[Substrate]

	fallbackOnce sync.Once
	fallback     *Substrate
)

// Install sets up the process substrate exactly once. It must be the first
// thing a binary does. Later calls return the first substrate and ignore
// opts; the substrate is never uninstalled.
func Install(opts SubstrateOptions) *Substrate {
	installOnce.Do(func() {
		s := newSubstrate(opts)
		runtime.GOMAXPROCS(s.maxProcs)
		installed.Store(s)
	})
	return installed.Load()
}

// Installed reports whether Install has run.
func Installed() bool {
	return installed.Load() != nil
}

// Current returns the installed substrate. Before Install it returns a
// process-local default that leaves GOMAXPROCS untouched, so libraries
// and tests can run without a bootstrap.
func Current() *Substrate {
	if s := installed.Load(); s != nil {
		return s
	}
	fallbackOnce.Do(func() { fallback = newSubstrate(DefaultSubstrateOptions()) })
	return fallback
}

func newSubstrate(opts SubstrateOptions) *Substrate {
	if opts.MaxProcs <= 0 {
		opts.MaxProcs = runtime.NumCPU()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}

	managed := map[Primitive]bool{
		PrimitiveSocket: true,
		PrimitiveTimer:  true,
		PrimitiveThread: true,
	}
	if !opts.NoNonBlockingPipes {
		managed[PrimitiveSubprocess] = true
	}

	return &Substrate{
		managed:  managed,
		maxProcs: opts.MaxProcs,
		dialer:   net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive},
	}
}

// Patched reports whether p is managed by the substrate.
func (s *Substrate) Patched(p Primitive) bool {
	return s.managed[p]
}

// Primitives returns the managed primitives in name order.
func (s *Substrate) Primitives() []Primitive {
	out := make([]Primitive, 0, len(s.managed))
	for p, ok := range s.managed {
		if ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MaxProcs returns the GOMAXPROCS value the substrate was built with.
func (s *Substrate) MaxProcs() int {
	return s.maxProcs
}

// Dial connects to addr, giving up when ctx is done.
func (s *Substrate) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return s.dialer.DialContext(ctx, network, addr)
}

// Sleep pauses for d or until ctx is done, returning ctx.Err() in the latter case.
func (s *Substrate) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Go runs fn on a tracked goroutine. Active reports how many are running.
func (s *Substrate) Go(fn func()) {
	s.active.Add(1)
	go func() {
		defer s.active.Add(-1)
		fn()
	}()
}

// Active returns the number of goroutines started with Go that have not returned.
func (s *Substrate) Active() int {
	return int(s.active.Load())
}

// Loop calls fn after initialDelay and then every interval until ctx is
// done or stop is called. A non-positive interval runs fn once. Calls never
// overlap; a slow fn delays the next tick. stop blocks until the loop
// goroutine has exited.
func (s *Substrate) Loop(ctx context.Context, initialDelay, interval time.Duration, fn func(context.Context)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.Go(func() {
		defer close(done)
		if s.Sleep(ctx, initialDelay) != nil {
			return
		}
		if interval <= 0 {
			fn(ctx)
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			fn(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}
}

// Command prepares a subprocess. When subprocesses are managed the process
// is killed once ctx is done; otherwise ctx is ignored and the caller must
// manage the process lifetime.
func (s *Substrate) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	if s.Patched(PrimitiveSubprocess) {
		return exec.CommandContext(ctx, name, args...)
	}
	return exec.Command(name, args...)
}

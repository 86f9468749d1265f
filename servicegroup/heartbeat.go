package servicegroup

import (
	"context"
	"sync"
	"time"

	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/core/utils"
	"github.com/pnavarro/nova/runtimex"
)

// heartbeats runs one report loop per joined member.
type heartbeats struct {
	driver    string
	substrate *runtimex.Substrate
	interval  time.Duration
	metrics   HeartbeatMetrics
	logger    log.Logger
	retry     utils.RetryConfig

	mu     sync.Mutex
	loops  map[string]func()
	closed bool
}

func newHeartbeats(driver string, cfg Config, deps Deps, logger log.Logger, retryable func(error) bool) *heartbeats {
	retry := utils.DefaultRetryConfig()
	retry.Retryable = retryable
	return &heartbeats{
		driver:    driver,
		substrate: deps.Substrate,
		interval:  cfg.ReportInterval,
		metrics:   deps.Metrics,
		logger:    logger,
		retry:     retry,
		loops:     make(map[string]func()),
	}
}

func memberKey(groupID, memberID string) string {
	return groupID + "/" + memberID
}

// start runs report every interval, replacing any loop already running for
// the member. A failed report is retried, counted and logged; the next
// successful one logs the recovery. It reports false without starting
// anything once stopAll has run.
func (h *heartbeats) start(groupID, memberID string, report func(ctx context.Context) error) bool {
	logger := h.logger.With(log.Str("member", memberID), log.Str("group", groupID))
	lost := false
	beat := func(ctx context.Context) {
		err := utils.Retry(ctx, h.retry, func() error { return report(ctx) })
		if ctx.Err() != nil {
			return
		}
		h.metrics.Heartbeat(ctx, h.driver, err)
		switch {
		case err != nil:
			if !lost {
				logger.Error(err, "service group heartbeat failed")
			}
			lost = true
		case lost:
			logger.Info("service group connection recovered")
			lost = false
		}
	}

	key := memberKey(groupID, memberID)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		logger.Debug("service group closed, heartbeat not started")
		return false
	}
	previous := h.loops[key]
	h.loops[key] = h.substrate.Loop(context.Background(), h.interval, h.interval, beat)
	h.mu.Unlock()
	if previous != nil {
		previous()
	}
	return true
}

// stop ends the member's loop and reports whether one was running.
func (h *heartbeats) stop(groupID, memberID string) bool {
	key := memberKey(groupID, memberID)
	h.mu.Lock()
	stop, ok := h.loops[key]
	delete(h.loops, key)
	h.mu.Unlock()
	if ok {
		stop()
	}
	return ok
}

// stopAll ends every loop. Later calls to start are refused.
func (h *heartbeats) stopAll() {
	h.mu.Lock()
	h.closed = true
	loops := h.loops
	h.loops = make(map[string]func())
	h.mu.Unlock()
	for _, stop := range loops {
		stop()
	}
}

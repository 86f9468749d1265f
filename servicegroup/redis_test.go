package servicegroup

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/runtimex"
	"github.com/pnavarro/nova/testingx"
)

func newRedisAPI(t *testing.T, mr *miniredis.Miniredis, cfg Config, metrics HeartbeatMetrics) *API {
	t.Helper()
	cfg.Driver = DriverRedis
	cfg.RedisURL = "redis://" + mr.Addr()
	api, err := New(cfg, Deps{Metrics: metrics, Logger: testingx.NewMockLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = api.Close() })
	return api
}

func TestRedis_TLSHandshakeBeforeCommands(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	first := make(chan byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1)
		if _, err := io.ReadFull(conn, buf); err == nil {
			first <- buf[0]
		}
	}()

	cfg := testConfig()
	cfg.Driver = DriverRedis
	cfg.RedisURL = "rediss://" + ln.Addr().String()
	d, err := newRedisDriver(cfg, Deps{Substrate: runtimex.Current(), Metrics: nopMetrics{}}, log.Nop{})
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, d.report(ctx, "compute", "host1", "nova-compute"))

	// 0x16 opens a TLS handshake record; a plaintext client would send '*'.
	assert.Equal(t, byte(0x16), testingx.Receive(t, first, 2*time.Second))
}

func TestRedis_JoinWritesExpiringKey(t *testing.T) {
	mr := miniredis.RunT(t)
	api := newRedisAPI(t, mr, testConfig(), nil)

	require.NoError(t, api.Join(context.Background(), "host1", "compute", ServiceInfo{Binary: "nova-compute"}))

	got, err := mr.Get(memberRedisKey("compute", "host1"))
	require.NoError(t, err)
	assert.Equal(t, "nova-compute", got)
	assert.Equal(t, 3*time.Second, mr.TTL(memberRedisKey("compute", "host1")))
	ok, err := mr.IsMember(groupRedisKey("compute"), "host1")
	require.NoError(t, err)
	assert.True(t, ok)

	up, err := api.IsUp(context.Background(), Member{Host: "host1", Topic: "compute"})
	require.NoError(t, err)
	assert.True(t, up)
}

func TestRedis_JoinValidates(t *testing.T) {
	mr := miniredis.RunT(t)
	api := newRedisAPI(t, mr, testConfig(), nil)

	err := api.Join(context.Background(), "host1", "compute", ServiceInfo{})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument), "got %v", err)
}

func TestRedis_HeartbeatRefreshesTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.ReportInterval = 10 * time.Millisecond
	counter := &heartbeatCounter{}
	api := newRedisAPI(t, mr, cfg, counter)

	require.NoError(t, api.Join(context.Background(), "host1", "compute", ServiceInfo{Binary: "nova-compute"}))
	key := memberRedisKey("compute", "host1")

	mr.FastForward(5 * time.Second)
	testingx.Eventually(t, 2*time.Second, func() bool {
		return mr.Exists(key) && mr.TTL(key) == cfg.ServiceDownTime
	}, "heartbeat did not recreate %s", key)
	assert.Positive(t, counter.OK())
}

func TestRedis_ExpiredMemberIsDownAndPruned(t *testing.T) {
	mr := miniredis.RunT(t)
	api := newRedisAPI(t, mr, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, api.Join(ctx, "host1", "compute", ServiceInfo{Binary: "nova-compute"}))
	mr.FastForward(4 * time.Second)
	require.NoError(t, api.Join(ctx, "host2", "compute", ServiceInfo{Binary: "nova-compute"}))

	up, err := api.IsUp(ctx, Member{Host: "host1", Topic: "compute"})
	require.NoError(t, err)
	assert.False(t, up)

	members, err := api.GetAll(ctx, "compute")
	require.NoError(t, err)
	assert.Equal(t, []string{"host2"}, members)

	ok, err := mr.IsMember(groupRedisKey("compute"), "host1")
	require.NoError(t, err)
	assert.False(t, ok, "expired member should be pruned from the group set")

	one, found, err := api.GetOne(ctx, "compute")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "host2", one)
}

func TestRedis_GetAllSorted(t *testing.T) {
	mr := miniredis.RunT(t)
	api := newRedisAPI(t, mr, testConfig(), nil)
	ctx := context.Background()

	for _, host := range []string{"host3", "host1", "host2"} {
		require.NoError(t, api.Join(ctx, host, "compute", ServiceInfo{Binary: "nova-compute"}))
	}
	members, err := api.GetAll(ctx, "compute")
	require.NoError(t, err)
	assert.Equal(t, []string{"host1", "host2", "host3"}, members)

	members, err = api.GetAll(ctx, "conductor")
	require.NoError(t, err)
	assert.Empty(t, members)
	_, found, err := api.GetOne(ctx, "conductor")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedis_Leave(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.ReportInterval = 10 * time.Millisecond
	api := newRedisAPI(t, mr, cfg, nil)
	ctx := context.Background()

	require.NoError(t, api.Join(ctx, "host1", "compute", ServiceInfo{Binary: "nova-compute"}))
	require.NoError(t, api.Leave(ctx, "host1", "compute"))

	// The stopped loop must not bring the key back.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, mr.Exists(memberRedisKey("compute", "host1")))
	members, err := api.GetAll(ctx, "compute")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRedis_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	api := newRedisAPI(t, mr, testConfig(), nil)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := api.GetAll(ctx, "compute")
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable), "got %v", err)
}

func TestHeartbeats_StartAfterStopAll(t *testing.T) {
	cfg := testConfig()
	cfg.ReportInterval = 5 * time.Millisecond
	h := newHeartbeats(DriverDB, cfg, Deps{Substrate: runtimex.Current(), Metrics: nopMetrics{}}, log.Nop{}, nil)
	h.stopAll()

	var calls atomic.Int32
	started := h.start("compute", "host1", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.False(t, started)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
	h.mu.Lock()
	assert.Empty(t, h.loops)
	h.mu.Unlock()
}

func TestDB_JoinAfterClose(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	api, _ := newTestAPI(t, testConfig(), clock, nil)
	require.NoError(t, api.Close())

	err := api.Join(context.Background(), "host1", "compute", ServiceInfo{Binary: "nova-compute"})
	assert.True(t, errors.IsCode(err, errors.CodeAborted), "got %v", err)
}

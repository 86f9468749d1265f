package rpcx

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/utils"
	"github.com/pnavarro/nova/testingx"
)

func dialTestFake(t *testing.T, broker *FakeBroker) Connection {
	t.Helper()
	conn, err := Dial(context.Background(), Options{
		Backend:         BackendFake,
		Broker:          broker,
		ResponseTimeout: 2 * time.Second,
		Retry:           utils.RetryConfig{MaxAttempts: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDial_UnknownBackend(t *testing.T) {
	_, err := Dial(context.Background(), Options{Backend: "carrier-pigeon"})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestDial_KafkaRequiresBrokers(t *testing.T) {
	_, err := Dial(context.Background(), Options{Backend: BackendKafka, Brokers: []string{}})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestFake_Cast(t *testing.T) {
	broker := NewFakeBroker()
	server := dialTestFake(t, broker)
	client := dialTestFake(t, broker)

	got := make(chan map[string]any, 1)
	d, err := NewDispatcher("1.0", nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Register("note", func(_ context.Context, args map[string]any) (any, error) {
		got <- args
		return nil, nil
	}))

	// Messages wait for a consumer.
	require.NoError(t, client.Cast(context.Background(), "compute.host1", Message{Method: "note", Args: map[string]any{"n": 1.0}}))
	assert.Equal(t, 1, broker.Pending("compute.host1"))

	require.NoError(t, server.CreateConsumer("compute.host1", d, false))
	require.NoError(t, server.ConsumeInBackground(context.Background()))

	args := testingx.Receive(t, got, time.Second)
	assert.Equal(t, 1.0, args["n"])
	assert.Equal(t, 0, broker.Pending("compute.host1"))
}

func TestFake_FanoutCast(t *testing.T) {
	broker := NewFakeBroker()
	client := dialTestFake(t, broker)

	got := make(chan string, 4)
	for _, host := range []string{"a", "b"} {
		host := host
		d, err := NewDispatcher("1.0", nil, nil)
		require.NoError(t, err)
		require.NoError(t, d.Register("refresh", func(context.Context, map[string]any) (any, error) {
			got <- host
			return nil, nil
		}))
		server := dialTestFake(t, broker)
		require.NoError(t, server.CreateConsumer("compute", d, true))
		require.NoError(t, server.ConsumeInBackground(context.Background()))
	}

	require.NoError(t, client.FanoutCast(context.Background(), "compute", Message{Method: "refresh"}))

	hosts := []string{testingx.Receive(t, got, time.Second), testingx.Receive(t, got, time.Second)}
	assert.ElementsMatch(t, []string{"a", "b"}, hosts)
}

func TestFake_Call(t *testing.T) {
	broker := NewFakeBroker()
	server := dialTestFake(t, broker)
	client := dialTestFake(t, broker)

	d, err := NewDispatcher("1.1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.Register("add", func(_ context.Context, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	}))
	require.NoError(t, server.CreateConsumer("compute", d, false))
	require.NoError(t, server.ConsumeInBackground(context.Background()))

	raw, err := client.Call(context.Background(), "compute", Message{Method: "add", Args: map[string]any{"a": 2, "b": 3}})
	require.NoError(t, err)
	var sum float64
	require.NoError(t, json.Unmarshal(raw, &sum))
	assert.Equal(t, 5.0, sum)

	_, err = client.Call(context.Background(), "compute", Message{Method: "missing"})
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))

	_, err = client.Call(context.Background(), "compute", Message{Method: "add", Version: "1.2"})
	assert.True(t, errors.IsCode(err, errors.CodeUnimplemented))
}

func TestFake_CallTimeout(t *testing.T) {
	conn, err := Dial(context.Background(), Options{
		Backend:         BackendFake,
		Broker:          NewFakeBroker(),
		ResponseTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Call(context.Background(), "nobody", Message{Method: "ping"})
	assert.True(t, errors.IsCode(err, errors.CodeDeadlineExceeded))
}

func TestFake_ConsumerOrdering(t *testing.T) {
	conn := dialTestFake(t, NewFakeBroker())
	d, err := NewDispatcher("1.0", nil, nil)
	require.NoError(t, err)

	require.NoError(t, conn.ConsumeInBackground(context.Background()))
	assert.True(t, errors.IsCode(conn.CreateConsumer("late", d, false), errors.CodeAborted))
	assert.True(t, errors.IsCode(conn.ConsumeInBackground(context.Background()), errors.CodeAborted))
}

func TestFake_Errors(t *testing.T) {
	broker := NewFakeBroker()
	conn := dialTestFake(t, broker)

	broker.Fail(assert.AnError)
	broker.Fail(assert.AnError)

	err := testingx.Receive(t, conn.Errors(), time.Second)
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable))
	assert.ErrorIs(t, err, assert.AnError)

	select {
	case extra := <-conn.Errors():
		t.Fatalf("second failure reported: %v", extra)
	default:
	}
}

func TestFake_Close(t *testing.T) {
	broker := NewFakeBroker()
	conn := dialTestFake(t, broker)
	d, err := NewDispatcher("1.0", nil, nil)
	require.NoError(t, err)
	require.NoError(t, conn.CreateConsumer("compute", d, true))
	require.NoError(t, conn.ConsumeInBackground(context.Background()))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.True(t, errors.IsCode(conn.Cast(context.Background(), "compute", Message{Method: "x"}), errors.CodeUnavailable))
	assert.True(t, errors.IsCode(conn.CreateConsumer("x", d, false), errors.CodeUnavailable))

	// Failures after close are not reported.
	broker.Fail(assert.AnError)
	select {
	case err := <-conn.Errors():
		t.Fatalf("unexpected failure after close: %v", err)
	default:
	}
	broker.mu.Lock()
	assert.Empty(t, broker.fanouts["compute"])
	broker.mu.Unlock()
}

func TestFake_PublishMetrics(t *testing.T) {
	metrics := &recordingMetrics{}
	conn, err := Dial(context.Background(), Options{Backend: BackendFake, Broker: NewFakeBroker(), Metrics: metrics})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Cast(context.Background(), "compute", Message{Method: "m"}))
	require.Len(t, metrics.sent, 1)
	assert.Equal(t, recordedMessage{"compute", "m", nil}, metrics.sent[0])
}

func TestConfigOptions(t *testing.T) {
	names := make([]string, 0)
	for _, o := range ConfigOptions() {
		names = append(names, o.Name)
	}
	assert.ElementsMatch(t, []string{"rpc_backend", "transport_url", "control_exchange", "kafka_brokers", "rpc_response_timeout"}, names)
}

package rpcx

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/identity"
)

func TestNewEnvelope(t *testing.T) {
	ctx := identity.WithRequest(context.Background(), identity.RequestContext{RequestID: "req-1", UserID: "u"})

	env, err := newEnvelope(ctx, Message{Method: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", env.Method)
	assert.Equal(t, DefaultVersion, env.Version)
	assert.NotNil(t, env.Args)
	assert.NotEmpty(t, env.MsgID)
	require.NotNil(t, env.Context)
	assert.Equal(t, "req-1", env.Context.RequestID)

	_, err = newEnvelope(context.Background(), Message{})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestEnvelope_WireNames(t *testing.T) {
	env, err := newEnvelope(context.Background(), Message{Method: "m", Args: map[string]any{"a": 1}, Version: "1.2"})
	require.NoError(t, err)
	env.ReplyQ = "reply_x"

	body, err := Encode(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Equal(t, "m", raw["method"])
	assert.Equal(t, "1.2", raw["version"])
	assert.Equal(t, "reply_x", raw["_reply_q"])
	assert.Equal(t, env.MsgID, raw["_msg_id"])
	assert.NotContains(t, raw, "_context")

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, env.MsgID, decoded.MsgID)
	assert.EqualValues(t, 1, decoded.Args["a"])
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"no method", `{"args":{}}`},
		{"empty method", `{"method":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
		})
	}

	env, err := Decode([]byte(`{"method":"x"}`))
	require.NoError(t, err)
	assert.NotNil(t, env.Args)
}

func TestNewReply(t *testing.T) {
	r := newReply("id", map[string]int{"n": 2}, nil)
	assert.NoError(t, r.Err())
	assert.JSONEq(t, `{"n":2}`, string(r.Result))

	r = newReply("id", nil, errors.New(errors.CodeNotFound, "gone"))
	err := r.Err()
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	assert.Contains(t, err.Error(), "gone")

	r = newReply("id", nil, assert.AnError)
	assert.True(t, errors.IsCode(r.Err(), errors.CodeInternal))

	r = newReply("id", make(chan int), nil)
	assert.True(t, errors.IsCode(r.Err(), errors.CodeInternal))

	body, err := encodeReply(newReply("id", "ok", nil))
	require.NoError(t, err)
	decoded, err := decodeReply(body)
	require.NoError(t, err)
	assert.Equal(t, "id", decoded.MsgID)
	assert.JSONEq(t, `"ok"`, string(decoded.Result))
}

package rpcx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/identity"
)

// Message is an outgoing RPC request.
type Message struct {
	Method  string
	Args    map[string]any
	Version string // empty means DefaultVersion
}

// Envelope is the wire form of a message.
type Envelope struct {
	Method  string                   `json:"method"`
	Args    map[string]any           `json:"args"`
	Version string                   `json:"version,omitempty"`
	MsgID   string                   `json:"_msg_id,omitempty"`
	ReplyQ  string                   `json:"_reply_q,omitempty"`
	Context *identity.RequestContext `json:"_context,omitempty"`
}

// Reply is the wire form of a call result.
type Reply struct {
	MsgID   string          `json:"_msg_id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// Failure describes a remote error.
type Failure struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

// Err converts the reply into a local error, or nil on success.
func (r Reply) Err() error {
	if r.Failure == nil {
		return nil
	}
	code := r.Failure.Code
	if code == "" {
		code = errors.CodeInternal
	}
	return errors.New(code, r.Failure.Message)
}

// newEnvelope builds the envelope for msg, carrying the request context of
// ctx when present.
func newEnvelope(ctx context.Context, msg Message) (Envelope, error) {
	if msg.Method == "" {
		return Envelope{}, errors.New(errors.CodeInvalidArgument, "message method is required")
	}
	version := msg.Version
	if version == "" {
		version = DefaultVersion
	}
	args := msg.Args
	if args == nil {
		args = map[string]any{}
	}
	return Envelope{
		Method:  msg.Method,
		Args:    args,
		Version: version,
		MsgID:   uuid.NewString(),
		Context: requestContext(ctx),
	}, nil
}

func requestContext(ctx context.Context) *identity.RequestContext {
	rc, ok := identity.RequestFrom(ctx)
	if !ok {
		return nil
	}
	return &rc
}

// Encode serialises env.
func Encode(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidArgument, "rpcx.Encode", err)
	}
	return body, nil
}

// Decode parses an envelope. A missing method is an error.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, errors.Wrap(errors.CodeInvalidArgument, "rpcx.Decode", err)
	}
	if env.Method == "" {
		return Envelope{}, errors.New(errors.CodeInvalidArgument, "envelope has no method")
	}
	if env.Args == nil {
		env.Args = map[string]any{}
	}
	return env, nil
}

// newReply builds the reply for msgID from a handler result.
func newReply(msgID string, result any, err error) Reply {
	reply := Reply{MsgID: msgID}
	if err != nil {
		code := errors.CodeOf(err)
		if code == "" {
			code = errors.CodeInternal
		}
		reply.Failure = &Failure{Code: code, Message: err.Error()}
		return reply
	}
	if result == nil {
		return reply
	}
	raw, mErr := json.Marshal(result)
	if mErr != nil {
		reply.Failure = &Failure{Code: errors.CodeInternal, Message: fmt.Sprintf("unserialisable result: %v", mErr)}
		return reply
	}
	reply.Result = raw
	return reply
}

func encodeReply(r Reply) ([]byte, error) {
	return json.Marshal(r)
}

func decodeReply(body []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(body, &r); err != nil {
		return Reply{}, errors.Wrap(errors.CodeInternal, "rpcx.decodeReply", err)
	}
	return r, nil
}

package rpcx

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
	"github.com/pnavarro/nova/rpcx/internal"
)

// consumerSpec is a consumer declared before ConsumeInBackground.
type consumerSpec struct {
	topic      string
	dispatcher *Dispatcher
	fanout     bool
}

// session holds the state every backend shares: declared consumers, the
// failure channel, the publisher and pending calls.
type session struct {
	logger  log.Logger
	metrics Metrics
	pub     *internal.Publisher
	timeout time.Duration

	mu        sync.Mutex
	consumers []consumerSpec
	consuming bool
	pending   map[string]chan Reply

	errCh     chan error
	errOnce   sync.Once
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(opts Options, name string, logger log.Logger) *session {
	return &session{
		logger:  logger,
		metrics: opts.Metrics,
		pub:     opts.publisher(name),
		timeout: opts.ResponseTimeout,
		pending: make(map[string]chan Reply),
		errCh:   make(chan error, 1),
		closing: make(chan struct{}),
	}
}

func (s *session) addConsumer(topic string, d *Dispatcher, fanout bool) error {
	if topic == "" || d == nil {
		return errors.New(errors.CodeInvalidArgument, "consumer topic and dispatcher are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return errors.New(errors.CodeUnavailable, "connection closed")
	}
	if s.consuming {
		return errors.New(errors.CodeAborted, "consumers must be created before ConsumeInBackground")
	}
	s.consumers = append(s.consumers, consumerSpec{topic: topic, dispatcher: d, fanout: fanout})
	return nil
}

// startConsuming marks the session as consuming and returns the declared
// consumers.
func (s *session) startConsuming() ([]consumerSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return nil, errors.New(errors.CodeUnavailable, "connection closed")
	}
	if s.consuming {
		return nil, errors.New(errors.CodeAborted, "already consuming")
	}
	s.consuming = true
	return append([]consumerSpec(nil), s.consumers...), nil
}

// Errors implements Connection.
func (s *session) Errors() <-chan error {
	return s.errCh
}

// fail reports a transport failure once, unless the session is closing.
func (s *session) fail(op string, err error) {
	if s.isClosed() {
		return
	}
	s.errOnce.Do(func() {
		s.logger.Error(err, "rpc transport failed", log.Str("op", op))
		s.errCh <- errors.Wrap(errors.CodeUnavailable, op, err)
	})
}

func (s *session) isClosed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// markClosed returns false when the session was already closed.
func (s *session) markClosed() bool {
	first := false
	s.closeOnce.Do(func() {
		close(s.closing)
		first = true
	})
	return first
}

// handle decodes and dispatches one delivery. It returns the encoded reply
// when the sender asked for one.
func (s *session) handle(ctx context.Context, spec consumerSpec, body []byte) (replyQ string, reply []byte) {
	env, err := Decode(body)
	if err != nil {
		s.logger.Warn("dropping undecodable message", log.Str("topic", spec.topic), log.Str("reason", err.Error()))
		return "", nil
	}

	r := spec.dispatcher.Dispatch(ctx, spec.topic, env)
	if env.ReplyQ == "" {
		return "", nil
	}
	encoded, err := encodeReply(r)
	if err != nil {
		s.logger.Error(err, "cannot encode reply", log.Str("method", env.Method))
		return "", nil
	}
	return env.ReplyQ, encoded
}

// publish sends through the breaker and records the outcome.
func (s *session) publish(ctx context.Context, topic, method string, fn func() error) error {
	if s.isClosed() {
		return errors.New(errors.CodeUnavailable, "connection closed")
	}
	err := s.pub.Publish(ctx, fn)
	s.metrics.MessageSent(ctx, topic, method, err)
	if err != nil && errors.CodeOf(err) == "" {
		err = errors.Wrap(errors.CodeUnavailable, "rpcx.Publish", err)
	}
	return err
}

// expect registers a pending call.
func (s *session) expect(msgID string) chan Reply {
	ch := make(chan Reply, 1)
	s.mu.Lock()
	s.pending[msgID] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) forget(msgID string) {
	s.mu.Lock()
	delete(s.pending, msgID)
	s.mu.Unlock()
}

// resolve hands a reply to its pending call. Unknown ids are dropped.
func (s *session) resolve(body []byte) {
	r, err := decodeReply(body)
	if err != nil {
		s.logger.Warn("dropping undecodable reply", log.Str("reason", err.Error()))
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[r.MsgID]
	delete(s.pending, r.MsgID)
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("reply for unknown call", log.Str("msg_id", r.MsgID))
		return
	}
	ch <- r
}

// await waits for the reply of msgID within the response timeout.
func (s *session) await(ctx context.Context, msgID string, ch chan Reply) (json.RawMessage, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.Result, r.Err()
	case <-ctx.Done():
		s.forget(msgID)
		return nil, errors.Wrap(errors.CodeDeadlineExceeded, "rpcx.Call", ctx.Err())
	case <-timer.C:
		s.forget(msgID)
		return nil, errors.Newf(errors.CodeDeadlineExceeded, "no reply to %s within %v", msgID, s.timeout)
	case <-s.closing:
		s.forget(msgID)
		return nil, errors.New(errors.CodeUnavailable, "connection closed while waiting for reply")
	}
}

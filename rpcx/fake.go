package rpcx

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
)

const fakeQueueDepth = 256

// FakeBroker is an in-process message bus. Connections dialled with the
// same broker can reach each other. Messages to a topic wait in its queue
// until a consumer takes them.
type FakeBroker struct {
	mu      sync.Mutex
	queues  map[string]chan []byte   // shared queue per topic
	fanouts map[string][]chan []byte // one queue per fanout consumer
	replies map[string]*fakeConn     // reply queue -> owning connection
	conns   map[*fakeConn]struct{}
}

// NewFakeBroker creates an empty broker.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		queues:  make(map[string]chan []byte),
		fanouts: make(map[string][]chan []byte),
		replies: make(map[string]*fakeConn),
		conns:   make(map[*fakeConn]struct{}),
	}
}

var (
	defaultBrokerOnce sync.Once
	defaultBroker     *FakeBroker
)

// DefaultFakeBroker returns the process-wide broker used when
// Options.Broker is nil.
func DefaultFakeBroker() *FakeBroker {
	defaultBrokerOnce.Do(func() { defaultBroker = NewFakeBroker() })
	return defaultBroker
}

// Fail reports err as a transport failure on every open connection.
func (b *FakeBroker) Fail(err error) {
	b.mu.Lock()
	conns := make([]*fakeConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.fail("rpcx.fake", err)
	}
}

// Pending returns the number of undelivered messages queued for topic.
func (b *FakeBroker) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[topic]; ok {
		return len(q)
	}
	return 0
}

func (b *FakeBroker) queue(topic string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan []byte, fakeQueueDepth)
		b.queues[topic] = q
	}
	return q
}

func (b *FakeBroker) fanoutQueue(topic string) chan []byte {
	q := make(chan []byte, fakeQueueDepth)
	b.mu.Lock()
	b.fanouts[topic] = append(b.fanouts[topic], q)
	b.mu.Unlock()
	return q
}

func (b *FakeBroker) dropFanout(topic string, q chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queues := b.fanouts[topic]
	for i, candidate := range queues {
		if candidate == q {
			b.fanouts[topic] = append(queues[:i], queues[i+1:]...)
			return
		}
	}
}

func push(q chan []byte, body []byte) error {
	select {
	case q <- body:
		return nil
	default:
		return errors.New(errors.CodeUnavailable, "fake queue full")
	}
}

func (b *FakeBroker) cast(topic string, body []byte) error {
	return push(b.queue(topic), body)
}

func (b *FakeBroker) fanout(topic string, body []byte) error {
	b.mu.Lock()
	queues := append([]chan []byte(nil), b.fanouts[topic]...)
	b.mu.Unlock()
	for _, q := range queues {
		if err := push(q, body); err != nil {
			return err
		}
	}
	return nil
}

func (b *FakeBroker) reply(replyQ string, body []byte) {
	b.mu.Lock()
	c, ok := b.replies[replyQ]
	b.mu.Unlock()
	if ok {
		c.resolve(body)
	}
}

type fakeConn struct {
	*session
	broker  *FakeBroker
	replyQ  string
	fanouts []fakeFanout
}

type fakeFanout struct {
	topic string
	q     chan []byte
}

func dialFake(opts Options, logger log.Logger) (*fakeConn, error) {
	broker := opts.Broker
	if broker == nil {
		broker = DefaultFakeBroker()
	}
	c := &fakeConn{
		session: newSession(opts, "rpc-fake", logger),
		broker:  broker,
		replyQ:  "reply_" + uuid.NewString(),
	}
	broker.mu.Lock()
	broker.conns[c] = struct{}{}
	broker.replies[c.replyQ] = c
	broker.mu.Unlock()
	return c, nil
}

func (c *fakeConn) CreateConsumer(topic string, d *Dispatcher, fanout bool) error {
	return c.addConsumer(topic, d, fanout)
}

func (c *fakeConn) ConsumeInBackground(ctx context.Context) error {
	specs, err := c.startConsuming()
	if err != nil {
		return err
	}

	for _, spec := range specs {
		var q chan []byte
		if spec.fanout {
			q = c.broker.fanoutQueue(spec.topic)
			c.mu.Lock()
			c.fanouts = append(c.fanouts, fakeFanout{topic: spec.topic, q: q})
			c.mu.Unlock()
		} else {
			q = c.broker.queue(spec.topic)
		}

		c.wg.Add(1)
		go func(spec consumerSpec, q chan []byte) {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.closing:
					return
				case body := <-q:
					if replyQ, reply := c.handle(ctx, spec, body); replyQ != "" {
						c.broker.reply(replyQ, reply)
					}
				}
			}
		}(spec, q)
		c.logger.Debug("consumer started", log.Str("topic", spec.topic), log.Bool("fanout", spec.fanout))
	}
	return nil
}

func (c *fakeConn) send(ctx context.Context, topic string, msg Message, deliver func(string, []byte) error) error {
	env, err := newEnvelope(ctx, msg)
	if err != nil {
		return err
	}
	body, err := Encode(env)
	if err != nil {
		return err
	}
	return c.publish(ctx, topic, msg.Method, func() error { return deliver(topic, body) })
}

func (c *fakeConn) Cast(ctx context.Context, topic string, msg Message) error {
	return c.send(ctx, topic, msg, c.broker.cast)
}

func (c *fakeConn) FanoutCast(ctx context.Context, topic string, msg Message) error {
	return c.send(ctx, topic, msg, c.broker.fanout)
}

func (c *fakeConn) Call(ctx context.Context, topic string, msg Message) (json.RawMessage, error) {
	env, err := newEnvelope(ctx, msg)
	if err != nil {
		return nil, err
	}
	env.ReplyQ = c.replyQ
	body, err := Encode(env)
	if err != nil {
		return nil, err
	}

	ch := c.expect(env.MsgID)
	if err := c.publish(ctx, topic, msg.Method, func() error { return c.broker.cast(topic, body) }); err != nil {
		c.forget(env.MsgID)
		return nil, err
	}
	return c.await(ctx, env.MsgID, ch)
}

func (c *fakeConn) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.wg.Wait()

	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	delete(c.broker.replies, c.replyQ)
	c.broker.mu.Unlock()

	c.mu.Lock()
	fanouts := c.fanouts
	c.mu.Unlock()
	for _, f := range fanouts {
		c.broker.dropFanout(f.topic, f.q)
	}
	return nil
}

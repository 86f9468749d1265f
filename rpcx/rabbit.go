package rpcx

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
)

const amqpContentType = "application/json"

// rabbitConn maps topics onto a topic exchange: each topic has a shared
// queue bound with the topic as routing key, and each fanout consumer has
// an exclusive queue bound to the "<topic>_fanout" fanout exchange.
type rabbitConn struct {
	*session
	exchange string
	conn     *amqp.Connection
	consumeC *amqp.Channel
	pubMu    sync.Mutex
	pubC     *amqp.Channel

	replyOnce sync.Once
	replyQ    string
	replyErr  error
	cancel    context.CancelFunc
}

func dialRabbit(ctx context.Context, opts Options, logger log.Logger) (*rabbitConn, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("nova-" + opts.Host)

	conn, err := amqp.DialConfig(opts.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
		Dial: func(network, addr string) (net.Conn, error) {
			c, err := opts.Dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Cleared by the client once the handshake completes.
			if err := c.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
				c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "rpcx.dialRabbit", err)
	}

	r := &rabbitConn{
		session:  newSession(opts, "rpc-rabbit", logger),
		exchange: opts.Exchange,
		conn:     conn,
	}
	if err := r.setup(); err != nil {
		conn.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "rpcx.dialRabbit", err)
	}

	r.watch("rpcx.rabbit", conn.NotifyClose(make(chan *amqp.Error, 1)))
	return r, nil
}

// watch fails the session when the broker closes the connection or one of
// its channels. A client-side Close closes the channel without an error.
func (r *rabbitConn) watch(op string, closed chan *amqp.Error) {
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			r.fail(op, amqpErr)
		}
	}()
}

func (r *rabbitConn) setup() error {
	var err error
	if r.consumeC, err = r.conn.Channel(); err != nil {
		return err
	}
	if err = r.consumeC.Qos(1, 0, false); err != nil {
		return err
	}
	if r.pubC, err = r.conn.Channel(); err != nil {
		return err
	}
	r.watch("rpcx.rabbit.consumer", r.consumeC.NotifyClose(make(chan *amqp.Error, 1)))
	r.watch("rpcx.rabbit.publisher", r.pubC.NotifyClose(make(chan *amqp.Error, 1)))
	return r.consumeC.ExchangeDeclare(r.exchange, amqp.ExchangeTopic, false, false, false, false, nil)
}

func (r *rabbitConn) CreateConsumer(topic string, d *Dispatcher, fanout bool) error {
	return r.addConsumer(topic, d, fanout)
}

// declare creates the queue for spec and returns its name.
func (r *rabbitConn) declare(spec consumerSpec) (string, error) {
	if !spec.fanout {
		q, err := r.consumeC.QueueDeclare(spec.topic, false, false, false, false, nil)
		if err != nil {
			return "", err
		}
		return q.Name, r.consumeC.QueueBind(q.Name, spec.topic, r.exchange, false, nil)
	}

	exchange, err := declareFanout(r.consumeC, spec.topic)
	if err != nil {
		return "", err
	}
	q, err := r.consumeC.QueueDeclare(exchange+"_"+uuid.NewString(), false, true, true, false, nil)
	if err != nil {
		return "", err
	}
	return q.Name, r.consumeC.QueueBind(q.Name, "", exchange, false, nil)
}

// declareFanout declares the auto-deleted fanout exchange of topic.
// Publishers declare it too, so a cast with no consumers is dropped by the
// broker instead of closing the publishing channel.
func declareFanout(ch *amqp.Channel, topic string) (string, error) {
	name := fanoutName(topic)
	return name, ch.ExchangeDeclare(name, amqp.ExchangeFanout, false, true, false, false, nil)
}

func (r *rabbitConn) ConsumeInBackground(ctx context.Context) error {
	specs, err := r.startConsuming()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	for _, spec := range specs {
		queue, err := r.declare(spec)
		if err != nil {
			return errors.Wrap(errors.CodeUnavailable, "rpcx.rabbit.declare", err)
		}
		deliveries, err := r.consumeC.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
		if err != nil {
			return errors.Wrap(errors.CodeUnavailable, "rpcx.rabbit.consume", err)
		}

		r.wg.Add(1)
		go r.consume(ctx, spec, deliveries)
		r.logger.Debug("consumer started", log.Str("topic", spec.topic), log.Str("queue", queue), log.Bool("fanout", spec.fanout))
	}
	return nil
}

func (r *rabbitConn) consume(ctx context.Context, spec consumerSpec, deliveries <-chan amqp.Delivery) {
	defer r.wg.Done()
	for d := range deliveries {
		replyQ, reply := r.handle(ctx, spec, d.Body)
		if replyQ != "" {
			err := r.publish(ctx, replyQ, "reply", func() error {
				return r.send(ctx, "", replyQ, amqp.Publishing{
					ContentType:   amqpContentType,
					CorrelationId: d.MessageId,
					Body:          reply,
				})
			})
			if err != nil {
				r.logger.Error(err, "reply not sent", log.Str("reply_q", replyQ))
			}
		}
		if err := d.Ack(false); err != nil {
			r.logger.Warn("ack failed", log.Str("topic", spec.topic), log.Str("reason", err.Error()))
		}
	}
	if ctx.Err() == nil {
		r.fail("rpcx.rabbit.consume", errors.Newf(errors.CodeUnavailable, "consumer for %s cancelled by broker", spec.topic))
	}
}

func (r *rabbitConn) send(ctx context.Context, exchange, key string, p amqp.Publishing) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	return r.pubC.PublishWithContext(ctx, exchange, key, false, false, p)
}

func (r *rabbitConn) cast(ctx context.Context, exchange, key, topic string, msg Message) error {
	env, err := newEnvelope(ctx, msg)
	if err != nil {
		return err
	}
	body, err := Encode(env)
	if err != nil {
		return err
	}
	return r.publish(ctx, topic, msg.Method, func() error {
		return r.send(ctx, exchange, key, amqp.Publishing{
			ContentType: amqpContentType,
			MessageId:   env.MsgID,
			Timestamp:   time.Now().UTC(),
			Body:        body,
		})
	})
}

func (r *rabbitConn) Cast(ctx context.Context, topic string, msg Message) error {
	return r.cast(ctx, r.exchange, topic, topic, msg)
}

func (r *rabbitConn) FanoutCast(ctx context.Context, topic string, msg Message) error {
	if r.isClosed() {
		return errors.New(errors.CodeUnavailable, "connection closed")
	}
	r.pubMu.Lock()
	exchange, err := declareFanout(r.pubC, topic)
	r.pubMu.Unlock()
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "rpcx.rabbit.FanoutCast", err)
	}
	return r.cast(ctx, exchange, "", topic, msg)
}

// replyQueue declares this connection's exclusive reply queue on first use.
func (r *rabbitConn) replyQueue() (string, error) {
	r.replyOnce.Do(func() {
		ch, err := r.conn.Channel()
		if err != nil {
			r.replyErr = err
			return
		}
		r.watch("rpcx.rabbit.reply", ch.NotifyClose(make(chan *amqp.Error, 1)))
		q, err := ch.QueueDeclare("reply_"+uuid.NewString(), false, true, true, false, nil)
		if err != nil {
			r.replyErr = err
			return
		}
		replies, err := ch.Consume(q.Name, "", true, true, false, false, nil)
		if err != nil {
			r.replyErr = err
			return
		}
		r.replyQ = q.Name
		go func() {
			for d := range replies {
				r.resolve(d.Body)
			}
		}()
	})
	return r.replyQ, r.replyErr
}

func (r *rabbitConn) Call(ctx context.Context, topic string, msg Message) (json.RawMessage, error) {
	replyQ, err := r.replyQueue()
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "rpcx.rabbit.Call", err)
	}

	env, err := newEnvelope(ctx, msg)
	if err != nil {
		return nil, err
	}
	ch := r.expect(env.MsgID)
	env.ReplyQ = replyQ
	body, err := Encode(env)
	if err != nil {
		r.forget(env.MsgID)
		return nil, err
	}
	err = r.publish(ctx, topic, msg.Method, func() error {
		return r.send(ctx, r.exchange, topic, amqp.Publishing{
			ContentType: amqpContentType,
			MessageId:   env.MsgID,
			ReplyTo:     replyQ,
			Timestamp:   time.Now().UTC(),
			Body:        body,
		})
	})
	if err != nil {
		r.forget(env.MsgID)
		return nil, err
	}
	return r.await(ctx, env.MsgID, ch)
}

func (r *rabbitConn) Close() error {
	if !r.markClosed() {
		return nil
	}
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	var errs []error
	if err := r.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	r.wg.Wait()
	return errors.Join(errs...)
}

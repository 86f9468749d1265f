package rpcx

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/core/log"
)

// kafkaConn maps a topic onto the Kafka topic "<exchange>.<topic>" read by a
// shared consumer group. Fanout consumers read "<exchange>.<topic>_fanout"
// with a group of their own so every host sees every message.
type kafkaConn struct {
	*session
	exchange string
	host     string
	dialer   *kafka.Dialer
	brokers  []string
	writer   *kafka.Writer

	readersMu sync.Mutex
	readers   []*kafka.Reader
	cancel    context.CancelFunc
}

func dialKafka(ctx context.Context, opts Options, logger log.Logger) (*kafkaConn, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "at least one kafka broker is required")
	}
	dialer := &kafka.Dialer{
		Timeout:  30 * time.Second,
		ClientID: "nova-" + opts.Host,
		DialFunc: opts.Dial,
	}

	// Fail fast when no broker answers.
	var lastErr error
	reachable := false
	for _, b := range opts.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		reachable = true
		break
	}
	if !reachable {
		return nil, errors.Wrap(errors.CodeUnavailable, "rpcx.dialKafka", lastErr)
	}

	return &kafkaConn{
		session:  newSession(opts, "rpc-kafka", logger),
		exchange: opts.Exchange,
		host:     opts.Host,
		dialer:   dialer,
		brokers:  opts.Brokers,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
			Transport: &kafka.Transport{
				Dial:     opts.Dial,
				ClientID: "nova-" + opts.Host,
			},
		},
	}, nil
}

func (k *kafkaConn) topicName(topic string) string {
	return k.exchange + "." + topic
}

func (k *kafkaConn) CreateConsumer(topic string, d *Dispatcher, fanout bool) error {
	return k.addConsumer(topic, d, fanout)
}

func (k *kafkaConn) ConsumeInBackground(ctx context.Context) error {
	specs, err := k.startConsuming()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	k.readersMu.Lock()
	k.cancel = cancel
	for _, spec := range specs {
		cfg := kafka.ReaderConfig{
			Brokers:  k.brokers,
			Dialer:   k.dialer,
			Topic:    k.topicName(spec.topic),
			GroupID:  k.topicName(spec.topic),
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		}
		if spec.fanout {
			cfg.Topic = k.topicName(fanoutName(spec.topic))
			cfg.GroupID = k.topicName(spec.topic) + "." + k.host + "." + uuid.NewString()
			cfg.StartOffset = kafka.LastOffset
		}
		reader := kafka.NewReader(cfg)
		k.readers = append(k.readers, reader)

		k.wg.Add(1)
		go k.consume(ctx, spec, reader)
		k.logger.Debug("consumer started", log.Str("topic", cfg.Topic), log.Str("group", cfg.GroupID), log.Bool("fanout", spec.fanout))
	}
	k.readersMu.Unlock()
	return nil
}

func (k *kafkaConn) consume(ctx context.Context, spec consumerSpec, reader *kafka.Reader) {
	defer k.wg.Done()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !k.isClosed() {
				k.fail("rpcx.kafka.consume", err)
			}
			return
		}
		// Kafka carries no reply queues; replies are discarded.
		k.handle(ctx, spec, m.Value)
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			k.logger.Warn("commit failed", log.Str("topic", m.Topic), log.Str("reason", err.Error()))
		}
	}
}

func (k *kafkaConn) write(ctx context.Context, kafkaTopic, topic string, msg Message) error {
	env, err := newEnvelope(ctx, msg)
	if err != nil {
		return err
	}
	body, err := Encode(env)
	if err != nil {
		return err
	}
	return k.publish(ctx, topic, msg.Method, func() error {
		return k.writer.WriteMessages(ctx, kafka.Message{
			Topic: kafkaTopic,
			Key:   []byte(env.MsgID),
			Value: body,
			Time:  time.Now().UTC(),
		})
	})
}

func (k *kafkaConn) Cast(ctx context.Context, topic string, msg Message) error {
	return k.write(ctx, k.topicName(topic), topic, msg)
}

func (k *kafkaConn) FanoutCast(ctx context.Context, topic string, msg Message) error {
	return k.write(ctx, k.topicName(fanoutName(topic)), topic, msg)
}

// Call is not offered over Kafka.
func (k *kafkaConn) Call(context.Context, string, Message) (json.RawMessage, error) {
	return nil, errors.New(errors.CodeUnimplemented, "call is not supported by the kafka backend")
}

func (k *kafkaConn) Close() error {
	if !k.markClosed() {
		return nil
	}
	k.readersMu.Lock()
	if k.cancel != nil {
		k.cancel()
	}
	readers := k.readers
	k.readers = nil
	k.readersMu.Unlock()

	k.wg.Wait()
	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := k.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

package seckill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures a KafkaQueue.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// Block bounds how long ReadNew waits for a message.
	Block    time.Duration
	MaxBytes int
}

// KafkaQueue carries orders on a Kafka topic. Offsets are committed only on
// Ack, so fetched but unacknowledged messages form the pending list and are
// redelivered to the group after a restart.
type KafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
	block  time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]kafka.Message
}

var _ Queue = (*KafkaQueue)(nil)

func NewKafkaQueue(cfg KafkaConfig) *KafkaQueue {
	block := cfg.Block
	if block <= 0 {
		block = DefaultBlock
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10e6
	}
	return &KafkaQueue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       maxBytes,
			CommitInterval: 0, // commits are explicit
		}),
		block:   block,
		logger:  log.Logger.With().Str("component", "kafka_queue").Str("topic", cfg.Topic).Logger(),
		pending: make(map[string]kafka.Message),
	}
}

func (q *KafkaQueue) Setup(context.Context) error { return nil }

// Publish keys messages by user so that one user's orders share a partition.
func (q *KafkaQueue) Publish(ctx context.Context, o Order) error {
	value, err := json.Marshal(encodeOrder(o))
	if err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", o.UserID)),
		Value: value,
	})
}

func (q *KafkaQueue) ReadNew(ctx context.Context) ([]Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, q.block)
	defer cancel()
	m, err := q.reader.FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}
	id := messageID(m)
	q.mu.Lock()
	q.pending[id] = m
	q.mu.Unlock()
	return []Message{q.toMessage(id, m)}, nil
}

func (q *KafkaQueue) ReadPending(context.Context) ([]Message, error) {
	q.mu.Lock()
	msgs := make([]kafka.Message, 0, len(q.pending))
	for _, m := range q.pending {
		msgs = append(msgs, m)
	}
	q.mu.Unlock()

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Partition != msgs[j].Partition {
			return msgs[i].Partition < msgs[j].Partition
		}
		return msgs[i].Offset < msgs[j].Offset
	})
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = q.toMessage(messageID(m), m)
	}
	return out, nil
}

func (q *KafkaQueue) Ack(ctx context.Context, ids ...string) error {
	q.mu.Lock()
	msgs := make([]kafka.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := q.pending[id]; ok {
			msgs = append(msgs, m)
		}
	}
	q.mu.Unlock()
	if len(msgs) == 0 {
		return nil
	}
	if err := q.reader.CommitMessages(ctx, msgs...); err != nil {
		return err
	}
	q.mu.Lock()
	for _, id := range ids {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	return nil
}

func (q *KafkaQueue) Close() error {
	return errors.Join(q.reader.Close(), q.writer.Close())
}

// toMessage decodes the JSON payload. An undecodable payload yields a message
// without fields, which the consumer treats as malformed.
func (q *KafkaQueue) toMessage(id string, m kafka.Message) Message {
	var fields map[string]string
	if err := json.Unmarshal(m.Value, &fields); err != nil {
		q.logger.Error().Err(err).Str("message_id", id).Msg("invalid JSON in order message")
		fields = nil
	}
	return Message{ID: id, Fields: fields}
}

func messageID(m kafka.Message) string {
	return fmt.Sprintf("%d:%d", m.Partition, m.Offset)
}

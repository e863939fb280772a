package seckill

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func TestKafkaMessageDecoding(t *testing.T) {
	q := &KafkaQueue{logger: zerolog.Nop(), pending: make(map[string]kafka.Message)}
	o := Order{ID: 1, UserID: 2, VoucherID: 3, CreatedAt: time.Now()}
	value, _ := json.Marshal(encodeOrder(o))

	good := kafka.Message{Partition: 1, Offset: 7, Value: value}
	if id := messageID(good); id != "1:7" {
		t.Fatalf("unexpected message id %q", id)
	}
	m := q.toMessage(messageID(good), good)
	got, err := decodeOrder(m.Fields)
	if err != nil || got.ID != 1 || got.UserID != 2 || got.VoucherID != 3 {
		t.Fatalf("unexpected decode %+v err=%v", got, err)
	}

	bad := q.toMessage("1:8", kafka.Message{Partition: 1, Offset: 8, Value: []byte("{oops")})
	if bad.Fields != nil {
		t.Fatalf("expected no fields for invalid JSON")
	}
}

func TestKafkaPendingOrder(t *testing.T) {
	q := &KafkaQueue{logger: zerolog.Nop(), pending: make(map[string]kafka.Message)}
	for _, m := range []kafka.Message{
		{Partition: 1, Offset: 4},
		{Partition: 0, Offset: 9},
		{Partition: 1, Offset: 2},
	} {
		q.pending[messageID(m)] = m
	}
	msgs, err := q.ReadPending(context.Background())
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	want := []string{"0:9", "1:2", "1:4"}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Fatalf("pending[%d] = %s, want %s", i, m.ID, want[i])
		}
	}
}

package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/you/seckill-service/internal/kv"
	"github.com/you/seckill-service/internal/seckill"
)

// buildQueue returns the order queue selected by cfg.Queue.
func buildQueue(cfg *Config, store *kv.Client) (seckill.Queue, error) {
	switch cfg.Queue {
	case queueStream:
		return seckill.NewStreamQueue(store,
			seckill.WithStream(cfg.StreamName),
			seckill.WithGroup(cfg.StreamGroup),
			seckill.WithConsumerName(cfg.ConsumerName),
			seckill.WithBlock(cfg.StreamBlock),
		), nil
	case queueKafka:
		return seckill.NewKafkaQueue(seckill.KafkaConfig{
			Brokers:  cfg.KafkaBrokers(),
			Topic:    cfg.KafkaTopic,
			GroupID:  cfg.KafkaGroup,
			Block:    cfg.StreamBlock,
			MaxBytes: cfg.KafkaMaxBytes,
		}), nil
	case queueMemory:
		log.Warn().Msg("in-memory order queue: admitted orders are lost on restart")
		return seckill.NewMemoryQueue(cfg.MemoryQueueSize, cfg.StreamBlock), nil
		// Только для локального запуска и тестов
	default:
		return nil, fmt.Errorf("unknown queue %q", cfg.Queue)
	}
}

// StartConsumer runs the order consumer in a goroutine. The returned channel
// is closed once it has stopped.
func StartConsumer(ctx context.Context, cfg *Config, queue seckill.Queue, persister seckill.Persister, store *kv.Client) <-chan struct{} {
	c := seckill.NewConsumer(queue, persister, store,
		seckill.WithOrderLockTTL(cfg.OrderLockTTL),
		seckill.WithRetryDelay(cfg.RetryDelay),
	) // Потребитель заказов: очередь -> БД, подтверждение только после записи
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			log.Error().Err(err).Msg("order consumer stopped")
		}
	}()
	return done
}
/* Запускает потребителя в отдельной горутине.
Канал закрывается, когда потребитель полностью остановился (используется при завершении работы). */

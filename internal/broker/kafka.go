package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"subsync/internal/config"
	"subsync/internal/constants"
	"subsync/internal/logger"
	"subsync/pkg/metrics"
	"subsync/pkg/tracing"
)

type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		Async:        false,
	}
	return &KafkaProducer{writer: w, logger: log}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, key string, value []byte) error {
	headers := []kafka.Header{}
	headers = tracing.InjectTraceContext(ctx, headers)

	start := time.Now()
	err := p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(key),
			Value:   value,
			Headers: headers,
			Time:    time.Now(),
		},
	)
	metrics.ObserveKafkaWriteDuration(topic, time.Since(start))

	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncKafkaMessagesWritten(topic)
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/CloverLabsAI/roverfox/internal/domain"
)

// KafkaSink publishes records to per-kind topics, keyed by browser id so
// one session's records land in order on one partition.
type KafkaSink struct {
	log        zerolog.Logger
	producer   sarama.SyncProducer
	auditTopic string
	usageTopic string
}

func NewKafkaSink(log zerolog.Logger, brokers []string, auditTopic, usageTopic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &KafkaSink{
		log:        log.With().Str("component", "audit").Logger(),
		producer:   producer,
		auditTopic: auditTopic,
		usageTopic: usageTopic,
	}, nil
}

func (s *KafkaSink) RecordAudit(ctx context.Context, rec domain.AuditRecord) {
	s.publish(ctx, s.auditTopic, rec.BrowserID, rec)
}

func (s *KafkaSink) RecordUsage(ctx context.Context, rec domain.UsageRecord) {
	s.publish(ctx, s.usageTopic, rec.BrowserID, rec)
}

func (s *KafkaSink) publish(ctx context.Context, topic, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("record encode failed")
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 10 * time.Second
	err = backoff.Retry(func() error {
		_, _, err := s.producer.SendMessage(msg)
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		// Fire and forget: the record is lost, the session is not.
		s.log.Warn().Err(err).Str("topic", topic).Str("uuid", key).Msg("record publish failed")
	}
}

func (s *KafkaSink) Close() error { return s.producer.Close() }

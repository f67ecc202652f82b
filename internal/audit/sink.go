package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// LogSink writes each record as a structured zap entry.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink writing to logger under the "audit" name.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Write(_ context.Context, batch []Record) error {
	for i := range batch {
		r := &batch[i]
		s.logger.Info("proxied call",
			zap.Time("timestamp", r.Timestamp),
			zap.String("request_id", r.RequestID),
			zap.String("tenant_id", r.TenantID),
			zap.String("user_id", r.UserID),
			zap.String("alias", r.Alias),
			zap.String("upstream_id", r.UpstreamID),
			zap.String("route_id", r.RouteID),
			zap.String("method", r.Method),
			zap.String("path", r.Path),
			zap.String("protocol", r.Protocol),
			zap.Int("status", r.Status),
			zap.String("error_source", r.ErrorSource),
			zap.String("error_type", r.ErrorType),
			zap.Float64("duration_ms", r.DurationMS),
		)
	}
	return nil
}

func (s *LogSink) Close() error {
	_ = s.logger.Sync()
	return nil
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultKafkaConfig returns publisher defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Topic:        "oagw.audit",
		BatchTimeout: 100 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records as JSON messages keyed by tenant, so one
// tenant's records stay ordered within a partition.
type KafkaSink struct {
	w messageWriter
}

// NewKafkaSink creates a sink publishing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}}
}

func (s *KafkaSink) Write(ctx context.Context, batch []Record) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for i := range batch {
		value, err := json.Marshal(&batch[i])
		if err != nil {
			return fmt.Errorf("audit: encode record %s: %w", batch[i].RequestID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(batch[i].TenantID),
			Value: value,
			Time:  batch[i].Timestamp,
		})
	}
	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("audit: publish %d records: %w", len(msgs), err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}

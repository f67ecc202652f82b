// Package audit records one entry per proxied call and delivers entries in
// batches to a Sink. Delivery is asynchronous: a full queue drops the entry
// and counts the drop instead of blocking the request path.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Record is a single audit event.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id,omitempty"`
	Alias       string    `json:"alias,omitempty"`
	UpstreamID  string    `json:"upstream_id,omitempty"`
	RouteID     string    `json:"route_id,omitempty"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Protocol    string    `json:"protocol,omitempty"`
	Status      int       `json:"status"`
	ErrorSource string    `json:"error_source,omitempty"`
	ErrorType   string    `json:"error_type,omitempty"`
	DurationMS  float64   `json:"duration_ms"`
}

// Sink delivers a batch of records.
type Sink interface {
	Write(ctx context.Context, batch []Record) error
	Close() error
}

// Sink kinds.
const (
	SinkLog   = "log"
	SinkKafka = "kafka"
	SinkNone  = "none"
)

// Config configures the audit trail.
type Config struct {
	Sink          string        `yaml:"sink"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    uint64        `yaml:"max_retries"`
	Kafka         KafkaConfig   `yaml:"kafka"`
}

// DefaultConfig returns the audit defaults: log sink, small batches.
func DefaultConfig() Config {
	return Config{
		Sink:          SinkLog,
		BufferSize:    4096,
		BatchSize:     64,
		FlushInterval: time.Second,
		MaxRetries:    3,
		Kafka:         DefaultKafkaConfig(),
	}
}

// Validate checks the sink selection.
func (c Config) Validate() error {
	switch c.Sink {
	case "", SinkLog, SinkNone:
		return nil
	case SinkKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("audit: kafka sink requires at least one broker")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("audit: kafka sink requires a topic")
		}
		return nil
	}
	return fmt.Errorf("audit: unknown sink %q", c.Sink)
}

// NewSink builds the sink named by cfg.
func NewSink(cfg Config, logger *zap.Logger) (Sink, error) {
	switch cfg.Sink {
	case "", SinkLog:
		return NewLogSink(logger), nil
	case SinkKafka:
		return NewKafkaSink(cfg.Kafka), nil
	case SinkNone:
		return discard{}, nil
	}
	return nil, fmt.Errorf("audit: unknown sink %q", cfg.Sink)
}

// Logger queues records and flushes them to its sink from a background
// goroutine.
type Logger struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger
	queue  chan Record

	enqueued atomic.Int64
	dropped  atomic.Int64
	flushed  atomic.Int64
	errors   atomic.Int64

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Stats is a snapshot of delivery counters.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Dropped  int64 `json:"dropped"`
	Flushed  int64 `json:"flushed"`
	Errors   int64 `json:"errors"`
	QueueLen int   `json:"queue_len"`
}

// New creates a Logger and starts its flush loop.
func New(cfg Config, sink Sink, logger *zap.Logger) *Logger {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Logger{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		queue:  make(chan Record, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// Record enqueues rec without blocking.
func (l *Logger) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case l.queue <- rec:
		l.enqueued.Add(1)
	default:
		l.dropped.Add(1)
	}
}

// Stats returns delivery counters.
func (l *Logger) Stats() Stats {
	return Stats{
		Enqueued: l.enqueued.Load(),
		Dropped:  l.dropped.Load(),
		Flushed:  l.flushed.Load(),
		Errors:   l.errors.Load(),
		QueueLen: len(l.queue),
	}
}

// Close drains the queue, flushes what remains and closes the sink. Later
// calls return the first result.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		<-l.doneCh
		l.closeErr = l.sink.Close()
	})
	return l.closeErr
}

func (l *Logger) flushLoop() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, l.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.send(batch)
		batch = make([]Record, 0, l.cfg.BatchSize)
	}

	for {
		select {
		case rec := <-l.queue:
			batch = append(batch, rec)
			if len(batch) >= l.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stopCh:
			for {
				select {
				case rec := <-l.queue:
					batch = append(batch, rec)
					if len(batch) >= l.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// send delivers one batch, retrying with exponential backoff.
func (l *Logger) send(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), l.cfg.MaxRetries), ctx)
	err := backoff.Retry(func() error {
		return l.sink.Write(ctx, batch)
	}, b)
	if err != nil {
		l.errors.Add(1)
		l.logger.Warn("audit batch dropped",
			zap.Int("records", len(batch)),
			zap.Error(err),
		)
		return
	}
	l.flushed.Add(int64(len(batch)))
}

type discard struct{}

func (discard) Write(context.Context, []Record) error { return nil }
func (discard) Close() error                          { return nil }

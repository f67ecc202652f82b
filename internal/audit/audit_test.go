package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	fail    error
	closed  bool
}

func (s *memorySink) Write(_ context.Context, batch []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.records = append(s.records, batch...)
	return nil
}

func (s *memorySink) Close() error {
	s.closed = true
	return nil
}

func TestLoggerFlushesOnClose(t *testing.T) {
	sink := &memorySink{}
	l := New(Config{BatchSize: 100, FlushInterval: time.Hour}, sink, nil)
	for i := 0; i < 5; i++ {
		l.Record(Record{RequestID: "r", TenantID: "t1", Status: 200})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sink.records) != 5 {
		t.Fatalf("expected 5 records delivered, got %d", len(sink.records))
	}
	if !sink.closed {
		t.Error("sink should be closed")
	}
	if sink.records[0].Timestamp.IsZero() {
		t.Error("timestamp should be filled in")
	}
	st := l.Stats()
	if st.Enqueued != 5 || st.Flushed != 5 || st.Dropped != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestLoggerFlushesFullBatch(t *testing.T) {
	sink := &memorySink{}
	l := New(Config{BatchSize: 2, FlushInterval: time.Hour}, sink, nil)
	defer l.Close()

	l.Record(Record{RequestID: "a"})
	l.Record(Record{RequestID: "b"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Stats().Flushed == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch was not flushed: %+v", l.Stats())
}

func TestLoggerCountsFailures(t *testing.T) {
	sink := &memorySink{fail: errors.New("broker down")}
	l := New(Config{BatchSize: 1, FlushInterval: time.Hour, MaxRetries: 0}, sink, nil)
	l.Record(Record{RequestID: "a"})
	l.Close()

	if st := l.Stats(); st.Errors != 1 || st.Flushed != 0 {
		t.Errorf("expected one failed batch, got %+v", st)
	}
}

func TestLogSinkFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	err := sink.Write(context.Background(), []Record{{
		RequestID:   "rid-9",
		TenantID:    "acme",
		Alias:       "api.openai.com",
		Status:      502,
		ErrorSource: "upstream",
	}})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].LoggerName != "audit" {
		t.Errorf("expected audit logger name, got %q", entries[0].LoggerName)
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "rid-9" || fields["error_source"] != "upstream" {
		t.Errorf("unexpected fields %v", fields)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByTenant(t *testing.T) {
	fw := &fakeWriter{}
	sink := &KafkaSink{w: fw}
	err := sink.Write(context.Background(), []Record{
		{RequestID: "r1", TenantID: "acme", Status: 200},
		{RequestID: "r2", TenantID: "globex", Status: 429},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(fw.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(fw.msgs))
	}
	if string(fw.msgs[1].Key) != "globex" {
		t.Errorf("expected tenant key, got %q", fw.msgs[1].Key)
	}
	var rec Record
	if err := json.Unmarshal(fw.msgs[1].Value, &rec); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if rec.RequestID != "r2" || rec.Status != 429 {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"none", Config{Sink: SinkNone}, false},
		{"kafka without brokers", Config{Sink: SinkKafka, Kafka: KafkaConfig{Topic: "x"}}, true},
		{"kafka ok", Config{Sink: SinkKafka, Kafka: KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "x"}}, false},
		{"unknown", Config{Sink: "webhook"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

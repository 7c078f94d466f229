// Package redpanda provides Kafka-compatible streaming with franz-go.
// Carries order and invoice events between the API, the billing worker, and
// downstream consumers.
package redpanda

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// BatchMaxBytes is the maximum batch size
	BatchMaxBytes int32
	// Linger is how long to wait for a batch to fill before sending
	Linger time.Duration
	// MaxBufferedRecords bounds producer memory
	MaxBufferedRecords int
	// Compression is the compression codec: lz4, snappy, gzip, zstd
	Compression string
	// RequiredAcks sets the required acks level (-1 all, 0 none, 1 leader)
	RequiredAcks int16
	// MaxRetries is the maximum number of retries for failed sends
	MaxRetries int
	// RetryBackoff is the base backoff between retries
	RetryBackoff time.Duration
}

// DefaultProducerConfig returns defaults sized for billing event volumes.
// Acks from all replicas: invoice and order events must not be lost once the
// outbox relay has marked them processed.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:            []string{"localhost:9092"},
		BatchMaxBytes:      4 << 20,
		Linger:             25 * time.Millisecond,
		MaxBufferedRecords: 100_000,
		Compression:        "lz4",
		RequiredAcks:       -1,
		MaxRetries:         3,
		RetryBackoff:       100 * time.Millisecond,
	}
}

// Producer publishes order, invoice, and billing request events.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	sent      int64
	bytesSent int64
	sendFails int64
}

// NewProducer creates a new Redpanda producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.RetryBackoff * time.Duration(attempt+1)
		}),
		kgo.RequiredAcks(acksFor(cfg.RequiredAcks)),
	}
	if codec, ok := compressionFor(cfg.Compression); ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

func acksFor(level int16) kgo.Acks {
	switch level {
	case 0:
		return kgo.NoAck()
	case 1:
		return kgo.LeaderAck()
	default:
		return kgo.AllISRAcks()
	}
}

func compressionFor(name string) (kgo.CompressionCodec, bool) {
	switch name {
	case "lz4":
		return kgo.Lz4Compression(), true
	case "snappy":
		return kgo.SnappyCompression(), true
	case "gzip":
		return kgo.GzipCompression(), true
	case "zstd":
		return kgo.ZstdCompression(), true
	default:
		return kgo.CompressionCodec{}, false
	}
}

// ProduceMessage sends one message and waits for the broker acknowledgment.
// The outbox relay relies on this: an entry is only marked processed after
// the produce succeeded.
func (p *Producer) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.Int("value_size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	injectTraceHeaders(ctx, record)

	var produceErr error
	var wg sync.WaitGroup
	wg.Add(1)
	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		defer wg.Done()
		if err != nil {
			produceErr = err
			atomic.AddInt64(&p.sendFails, 1)
			span.RecordError(err)
			p.logger.Error("failed to produce message",
				zap.String("topic", topic),
				zap.String("key", key),
				zap.Error(err))
			return
		}
		atomic.AddInt64(&p.sent, 1)
		atomic.AddInt64(&p.bytesSent, int64(len(r.Value)))
		p.logger.Debug("message produced",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset))
	})
	wg.Wait()

	return produceErr
}

// Flush blocks until all buffered records are sent
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}

	p.client.Close()
	return nil
}

// ProducerStats holds producer counters.
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	SendFailures int64
}

// Stats returns current producer counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent: atomic.LoadInt64(&p.sent),
		BytesSent:    atomic.LoadInt64(&p.bytesSent),
		SendFailures: atomic.LoadInt64(&p.sendFails),
	}
}

// injectTraceHeaders adds W3C trace context to record headers so consumers
// can correlate a billing request with the finalize call that produced it.
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return
	}

	record.Headers = append(record.Headers, kgo.RecordHeader{
		Key: "traceparent",
		Value: []byte(fmt.Sprintf("00-%s-%s-%02x",
			sc.TraceID().String(), sc.SpanID().String(), sc.TraceFlags())),
	})
}

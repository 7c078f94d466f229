package redpanda

import (
	"context"
	"errors"
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

// ConsumerConfig holds configuration for a consumer group member.
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeout bounds how long the group coordinator waits for a
	// heartbeat before rebalancing this member out
	SessionTimeout time.Duration
	// HeartbeatInterval is the heartbeat interval
	HeartbeatInterval time.Duration
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is where a new group starts: "earliest" or "latest"
	StartOffset string
}

// DefaultConsumerConfig returns defaults for billing request consumption.
// Auto-commit is never used: offsets are committed only after a message has
// been handed off, so a crash replays rather than drops requests.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "billing-worker",
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     50 << 20,
		StartOffset:       "earliest",
	}
}

// MessageHandler is called for each consumed message. A non-nil error leaves
// the offset uncommitted so the message is redelivered.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is one record as seen by the handler.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads billing requests from Redpanda and feeds them to a handler.
type Consumer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received int64
	handled  int64
	failed   int64
}

// NewConsumer creates a consumer group member for the given topics.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.StartOffset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the poll loop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll()
	}()
}

// Stop drains the poll loop and commits any marked offsets before closing.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

func (c *Consumer) poll() {
	for c.ctx.Err() == nil {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				atomic.AddInt64(&c.failed, 1)
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
			}
			continue
		}

		fetches.EachRecord(c.dispatch)
	}
}

// dispatch hands one record to the handler and commits its offset on success.
func (c *Consumer) dispatch(record *kgo.Record) {
	atomic.AddInt64(&c.received, 1)

	ctx, span := c.tracer.Start(c.ctx, "consume_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		atomic.AddInt64(&c.failed, 1)
		span.RecordError(err)
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		return
	}

	atomic.AddInt64(&c.handled, 1)

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		span.RecordError(err)
		c.logger.Error("failed to commit offset",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
	}
}

// ConsumerStats holds consumer counters.
type ConsumerStats struct {
	Received int64
	Handled  int64
	Failed   int64
}

// Stats returns current consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Received: atomic.LoadInt64(&c.received),
		Handled:  atomic.LoadInt64(&c.handled),
		Failed:   atomic.LoadInt64(&c.failed),
	}
}

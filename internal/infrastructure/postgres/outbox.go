// Package postgres provides PostgreSQL infrastructure components.
// Implements the Transactional Outbox pattern so order and invoice events
// are published if and only if their owning transaction committed.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is an event awaiting publication.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	MessageKey    string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox processor
type OutboxConfig struct {
	// BatchSize is the number of entries drained per poll
	BatchSize int
	// PollInterval is how often the relay checks for new entries
	PollInterval time.Duration
	// MaxRetries is how many publish attempts an entry gets before it is
	// eligible for the dead letter topic
	MaxRetries int
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		MaxRetries:   5,
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// relayLockID is the advisory lock shared by all relay instances; only the
// holder drains the table, so events keep their per-aggregate order.
const relayLockID = int64(770021)

// Outbox drains the outbox table and publishes committed entries in order.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox processor
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry appends an entry inside the caller's transaction. It must share
// the transaction of the domain write it announces; that pairing is what
// makes publication exactly-as-committed.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	const query = `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, message_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err := tx.QueryRow(ctx, query,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.Topic, entry.MessageKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and publishing entries.
func (o *Outbox) Start() {
	go func() {
		defer close(o.done)

		ticker := time.NewTicker(o.config.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				o.drain()
			}
		}
	}()

	o.logger.Info("outbox processor started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox processor
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox processor stopped")
}

// drain publishes one batch while holding the relay advisory lock.
func (o *Outbox) drain() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_drain")
	defer span.End()

	var holder bool
	if err := o.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&holder); err != nil || !holder {
		return
	}
	defer o.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", relayLockID)

	entries, err := o.pending(ctx, o.config.BatchSize, false)
	if err != nil {
		span.RecordError(err)
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.dispatch(ctx, entry); err != nil {
			o.logger.Error("failed to publish outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}
}

// pending lists unprocessed entries. With exhausted=false it returns entries
// that still have retries left; with exhausted=true, the ones past
// MaxRetries awaiting dead-lettering.
func (o *Outbox) pending(ctx context.Context, limit int, exhausted bool) ([]*OutboxEntry, error) {
	comparison := "<"
	if exhausted {
		comparison = ">="
	}
	query := fmt.Sprintf(`
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, message_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count %s $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, comparison)

	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.Topic,
			&entry.MessageKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// dispatch publishes one entry and marks it processed, or bumps its retry
// count on failure.
func (o *Outbox) dispatch(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_dispatch",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.MessageKey, entry.Payload); err != nil {
		span.RecordError(err)
		const bump = `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`
		if _, updateErr := o.pool.Exec(ctx, bump, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	if err := o.markProcessed(ctx, entry.ID); err != nil {
		span.RecordError(err)
		return err
	}

	o.logger.Debug("outbox entry published",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))
	return nil
}

func (o *Outbox) markProcessed(ctx context.Context, id int64) error {
	const query = `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1`

	if _, err := o.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// MoveToDeadLetter wraps entries that exhausted their retries in a dead
// letter envelope, publishes them, and marks them processed. Returns how
// many were moved.
func (o *Outbox) MoveToDeadLetter(ctx context.Context, deadLetterTopic string) (int64, error) {
	entries, err := o.pending(ctx, o.config.BatchSize, true)
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, entry := range entries {
		envelope, _ := json.Marshal(map[string]interface{}{
			"original_topic": entry.Topic,
			"event_type":     entry.EventType,
			"aggregate_id":   entry.AggregateID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})

		if err := o.publisher.Publish(ctx, deadLetterTopic, entry.MessageKey, envelope); err != nil {
			o.logger.Error("failed to publish to dead letter",
				zap.Int64("id", entry.ID),
				zap.Error(err))
			continue
		}
		if err := o.markProcessed(ctx, entry.ID); err != nil {
			o.logger.Error("failed to mark dead letter entry", zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// CleanupProcessed removes old processed entries
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	const query = `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval`

	result, err := o.pool.Exec(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats holds outbox statistics
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`

	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, query, o.config.MaxRetries).Scan(
		&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

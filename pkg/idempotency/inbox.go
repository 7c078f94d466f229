// Package idempotency implements an inbox for exactly-once message handling.
// The billing worker keys entries by Hash(OrderNumber+PatientID+ReferenceDay),
// so a redelivered billing request never generates a second invoice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the lifecycle state of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one row of the inbox table.
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long entries are retained
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are purged
	CleanupInterval time.Duration
	// RecoveryTimeout is the age past which a STARTED entry counts as
	// abandoned by a crashed worker
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// ErrDuplicateMessage indicates the message was already processed.
var ErrDuplicateMessage = errors.New("duplicate message: already processed")

// ErrMessageInProgress indicates another worker currently holds the entry.
var ErrMessageInProgress = errors.New("message in progress by another handler")

// ProcessResult reports how a message was resolved.
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox coordinates idempotent processing across competing workers.
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// GenerateKey builds the deterministic idempotency key for a billing request.
// The reference date contributes only its calendar day: one invoice per
// order, with same-day retries collapsing onto the same key.
func GenerateKey(orderNumber, patientID string, referenceDate time.Time) string {
	day := referenceDate.Truncate(24 * time.Hour).Format("2006-01-02")
	sum := sha256.Sum256([]byte(orderNumber + "|" + patientID + "|" + day))
	return hex.EncodeToString(sum[:])
}

// Process runs fn at most once per key. Duplicate deliveries return the
// stored result; entries abandoned by a crashed worker are reclaimed after
// RecoveryTimeout.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	prior, err := i.fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if prior != nil {
		done, err := i.resolve(ctx, span, key, prior)
		if done != nil || err != nil {
			return done, err
		}
	}

	if err := i.claim(ctx, key, handlerName, payload); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to claim inbox entry: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if isTerminal(handlerErr) {
			status = StatusFailed
		}
		if err := i.record(ctx, key, status, failurePayload(handlerErr)); err != nil {
			i.logger.Error("failed to record handler failure", zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	// The handler committed its own work; a failed status write here must
	// not surface as a handler failure.
	if err := i.record(ctx, key, StatusFinished, result); err != nil {
		i.logger.Error("failed to mark entry finished", zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        prior == nil,
		WasRecovered: prior != nil && prior.Status == StatusRecoverable,
		Result:       result,
	}, nil
}

// resolve decides what an existing entry means for this delivery. A nil, nil
// return means processing should proceed.
func (i *Inbox) resolve(ctx context.Context, span trace.Span, key string, prior *Entry) (*ProcessResult, error) {
	switch prior.Status {
	case StatusFinished:
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{IsNew: false, Result: prior.Result}, nil

	case StatusFailed:
		span.SetAttributes(attribute.Bool("previously_failed", true))
		return nil, fmt.Errorf("message previously failed permanently: %s", key)

	case StatusStarted:
		if time.Since(prior.UpdatedAt) <= i.config.RecoveryTimeout {
			return nil, ErrMessageInProgress
		}
		// Stale claim from a crashed worker; release it and reprocess.
		if err := i.record(ctx, key, StatusRecoverable, nil); err != nil {
			return nil, fmt.Errorf("failed to release stale entry: %w", err)
		}

	case StatusRecoverable:
		span.SetAttributes(attribute.Bool("recovered", true))
	}

	return nil, nil
}

func (i *Inbox) fetch(ctx context.Context, key string) (*Entry, error) {
	const query = `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1`

	entry := &Entry{}
	err := i.pool.QueryRow(ctx, query, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// claim inserts the entry as STARTED, or takes over a RECOVERABLE one. Any
// other conflicting entry means a concurrent worker won the race.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	const query = `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status IN ('RECOVERABLE')
		RETURNING idempotency_key`

	expiresAt := time.Now().Add(i.config.DefaultTTL)
	var claimed string
	err := i.pool.QueryRow(ctx, query, key, handlerName, StatusStarted, payload, expiresAt).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	return err
}

func (i *Inbox) record(ctx context.Context, key string, status Status, result json.RawMessage) error {
	const query = `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3`

	_, err := i.pool.Exec(ctx, query, status, result, key)
	return err
}

func failurePayload(err error) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return payload
}

// isTerminal reports whether a handler error can never succeed on retry.
// Rule violations and missing entities stay failed; everything else is
// treated as transient.
func isTerminal(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"not found", "invalid", "not finalized", "validation"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// StartCleanup launches the background purge of expired entries.
func (i *Inbox) StartCleanup() {
	go func() {
		defer close(i.done)

		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-i.ctx.Done():
				return
			case <-ticker.C:
				if err := i.cleanup(i.ctx); err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				}
			}
		}
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop halts the cleanup goroutine.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanup(ctx context.Context) error {
	const query = `
		DELETE FROM inbox
		WHERE expires_at < NOW()
		   OR (status = 'FINISHED' AND updated_at < NOW() - INTERVAL '7 days')`

	result, err := i.pool.Exec(ctx, query)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}

// RecoverStaleEntries releases all claims older than RecoveryTimeout. Run at
// worker startup to unblock entries orphaned by an unclean shutdown.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	const query = `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::interval`

	result, err := i.pool.Exec(ctx, query, i.config.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// InboxStats summarizes entries by status.
type InboxStats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// GetStats returns current inbox statistics
func (i *Inbox) GetStats(ctx context.Context) (*InboxStats, error) {
	const query = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox`

	stats := &InboxStats{}
	err := i.pool.QueryRow(ctx, query).Scan(
		&stats.TotalEntries, &stats.Started, &stats.Finished,
		&stats.Recoverable, &stats.Failed,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinovia/go-omb/internal/infrastructure/postgres"
	"github.com/clinovia/go-omb/internal/infrastructure/redpanda"
	"github.com/clinovia/go-omb/pkg/dates"
)

// ErrNotFound indicates the order number is unknown.
var ErrNotFound = errors.New("order not found")

// Repository persists orders and their items.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// ExistsOrderNumber reports whether an order number is already taken.
// Order numbers are unique across the whole installation.
func (r *Repository) ExistsOrderNumber(ctx context.Context, orderNumber string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM orders WHERE order_number = $1)", orderNumber,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists check: %w", err)
	}
	return exists, nil
}

// Save persists the order, its items, and outbox entries for its uncommitted
// events in one transaction.
func (r *Repository) Save(ctx context.Context, o *Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	h := o.Header()
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (order_number, patient_id, doctor_id, order_date, kind, finalized)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_number) DO UPDATE
		SET kind = $5, finalized = $6
	`, h.OrderNumber, h.PatientID, h.DoctorID, h.Date, o.Kind(), o.Finalized())
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM order_items WHERE order_number = $1", h.OrderNumber); err != nil {
		return fmt.Errorf("clear items: %w", err)
	}
	for _, it := range o.Items() {
		if err := r.insertItem(ctx, tx, h.OrderNumber, it); err != nil {
			return err
		}
	}

	for _, event := range o.Changes() {
		event.WithAuditInfo(h.PatientID, h.DoctorID)
		payload, err := marshalEvent(event)
		if err != nil {
			return err
		}
		entry := &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			Topic:         redpanda.TopicOrderEvents,
			MessageKey:    h.OrderNumber,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}

		// a finalized order is ready for billing
		if event.EventType == EventOrderFinalized {
			if err := r.writeBillingRequest(ctx, tx, h); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	o.ClearChanges()
	return nil
}

func (r *Repository) writeBillingRequest(ctx context.Context, tx pgx.Tx, h Header) error {
	payload, err := json.Marshal(map[string]string{
		"order_number":   h.OrderNumber,
		"patient_id":     h.PatientID,
		"reference_date": dates.Format(h.Date),
	})
	if err != nil {
		return fmt.Errorf("marshal billing request: %w", err)
	}
	entry := &postgres.OutboxEntry{
		AggregateID:   h.OrderNumber,
		AggregateType: "Order",
		EventType:     "BillingRequested",
		Payload:       payload,
		Topic:         redpanda.TopicBillingRequests,
		MessageKey:    h.PatientID,
	}
	return postgres.WriteEntry(ctx, tx, entry)
}

func (r *Repository) insertItem(ctx context.Context, tx pgx.Tx, orderNumber string, it Item) error {
	query := `
		INSERT INTO order_items
		(order_number, item_number, kind, catalog_id, cost, dosage, duration,
		 quantity, frequency, specialist_required, specialty_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.Exec(ctx, query,
		orderNumber,
		it.Number,
		it.Kind,
		it.CatalogID,
		it.Cost,
		it.Dosage,
		it.Duration,
		it.Quantity,
		it.Frequency,
		it.SpecialistRequired,
		it.SpecialtyID,
	)
	if err != nil {
		return fmt.Errorf("insert item %d: %w", it.Number, err)
	}
	return nil
}

// Load retrieves an order by its order number.
func (r *Repository) Load(ctx context.Context, orderNumber string) (*Order, error) {
	var h Header
	var kind Kind
	var finalized bool
	err := r.pool.QueryRow(ctx, `
		SELECT order_number, patient_id, doctor_id, order_date, kind, finalized
		FROM orders
		WHERE order_number = $1
	`, orderNumber).Scan(&h.OrderNumber, &h.PatientID, &h.DoctorID, &h.Date, &kind, &finalized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load order: %w", err)
	}

	items, err := r.loadItems(ctx, orderNumber)
	if err != nil {
		return nil, err
	}

	return Rehydrate(h, items, kind, finalized, h.Date), nil
}

func (r *Repository) loadItems(ctx context.Context, orderNumber string) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT item_number, kind, catalog_id, cost, dosage, duration,
		       quantity, frequency, specialist_required, specialty_id
		FROM order_items
		WHERE order_number = $1
		ORDER BY item_number ASC
	`, orderNumber)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		err := rows.Scan(
			&it.Number, &it.Kind, &it.CatalogID, &it.Cost, &it.Dosage, &it.Duration,
			&it.Quantity, &it.Frequency, &it.SpecialistRequired, &it.SpecialtyID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func marshalEvent(e *Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.EventType, err)
	}
	return payload, nil
}

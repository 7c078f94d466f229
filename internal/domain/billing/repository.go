package billing

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
)

// ErrInvoiceNotFound indicates the invoice id is unknown.
var ErrInvoiceNotFound = errors.New("invoice not found")

// InvoiceStore persists invoices. Save writes the invoice, its lines, the
// copay ledger charge, and the outbox event in one transaction: billing
// either fully succeeds or leaves no trace.
type InvoiceStore struct {
	pool   *pgxpool.Pool
	ledger *postgres.CopayLedger
	logger *zap.Logger
}

// NewInvoiceStore creates a new invoice store
func NewInvoiceStore(pool *pgxpool.Pool, ledger *postgres.CopayLedger, logger *zap.Logger) *InvoiceStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvoiceStore{pool: pool, ledger: ledger, logger: logger}
}

// NextInvoiceID mints the next invoice id from the database sequence.
func (s *InvoiceStore) NextInvoiceID(ctx context.Context) (string, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT nextval('invoice_id_seq')").Scan(&n); err != nil {
		return "", fmt.Errorf("invoice sequence: %w", err)
	}
	return fmt.Sprintf("INV-%08d", n), nil
}

// Save persists the invoice and applies the copay charge atomically.
func (s *InvoiceStore) Save(ctx context.Context, inv *Invoice, charge *CopayCharge) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO invoices
		(invoice_id, order_number, patient_id, patient_name, doctor_id,
		 subtotal, copay, insurance_coverage, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, inv.InvoiceID, inv.OrderNumber, inv.PatientID, inv.PatientName, inv.DoctorID,
		inv.Subtotal, inv.Copay, inv.InsuranceCoverage, inv.GeneratedAt)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}

	for i, line := range inv.Lines {
		_, err = tx.Exec(ctx, `
			INSERT INTO invoice_lines (invoice_id, line_number, description, amount, item_type)
			VALUES ($1, $2, $3, $4, $5)
		`, inv.InvoiceID, i+1, line.Description, line.Amount, line.ItemType)
		if err != nil {
			return fmt.Errorf("insert line %d: %w", i+1, err)
		}
	}

	if charge != nil {
		if err := s.ledger.ChargeTx(ctx, tx, charge.PatientID, charge.Year, charge.Amount); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invoice: %w", err)
	}
	entry := &postgres.OutboxEntry{
		AggregateID:   inv.InvoiceID,
		AggregateType: "Invoice",
		EventType:     "InvoiceGenerated",
		Payload:       payload,
		Topic:         redpanda.TopicInvoiceEvents,
		MessageKey:    inv.PatientID,
	}
	if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load retrieves an invoice with its lines.
func (s *InvoiceStore) Load(ctx context.Context, invoiceID string) (*Invoice, error) {
	inv := &Invoice{}
	err := s.pool.QueryRow(ctx, `
		SELECT invoice_id, order_number, patient_id, patient_name, doctor_id,
		       subtotal, copay, insurance_coverage, generated_at
		FROM invoices
		WHERE invoice_id = $1
	`, invoiceID).Scan(
		&inv.InvoiceID, &inv.OrderNumber, &inv.PatientID, &inv.PatientName, &inv.DoctorID,
		&inv.Subtotal, &inv.Copay, &inv.InsuranceCoverage, &inv.GeneratedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("load invoice: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT description, amount, item_type
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY line_number ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line InvoiceLine
		if err := rows.Scan(&line.Description, &line.Amount, &line.ItemType); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv, rows.Err()
}

// ExistsForOrder reports whether an invoice was already generated for the
// order. Invoices are created exactly once per order.
func (s *InvoiceStore) ExistsForOrder(ctx context.Context, orderNumber string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM invoices WHERE order_number = $1)", orderNumber,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("invoice exists check: %w", err)
	}
	return exists, nil
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/clinovia/go-omb/internal/domain/billing"
	"github.com/clinovia/go-omb/internal/domain/order"
	"github.com/clinovia/go-omb/internal/domain/patient"
	"github.com/clinovia/go-omb/internal/observability/metrics"
	"github.com/clinovia/go-omb/pkg/dates"
)

// InvoiceHandler handles invoice generation and lookup
type InvoiceHandler struct {
	calculator *billing.Calculator
	orders     *order.Repository
	invoices   *billing.InvoiceStore
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewInvoiceHandler creates a new handler
func NewInvoiceHandler(calc *billing.Calculator, orders *order.Repository, invoices *billing.InvoiceStore, m *metrics.Metrics, logger *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{
		calculator: calc,
		orders:     orders,
		invoices:   invoices,
		metrics:    m,
		logger:     logger,
	}
}

// Routes returns the handler routes
func (h *InvoiceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Generate)
	r.Get("/{invoiceID}", h.Get)
	return r
}

// GenerateInvoiceRequest is the request body for generating an invoice
type GenerateInvoiceRequest struct {
	OrderNumber   string `json:"order_number"`
	ReferenceDate string `json:"reference_date,omitempty"` // DD/MM/YYYY, defaults to today
}

// Generate handles POST /invoices
func (h *InvoiceHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("invoice-handler")
	ctx, span := tracer.Start(ctx, "generate_invoice")
	defer span.End()

	var req GenerateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	refDate := time.Now().UTC()
	if req.ReferenceDate != "" {
		parsed, err := dates.Parse(req.ReferenceDate)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		refDate = parsed
	}

	o, err := h.orders.Load(ctx, req.OrderNumber)
	if err != nil {
		h.jsonError(w, "order not found", http.StatusNotFound)
		return
	}
	span.SetAttributes(attribute.String("order_number", req.OrderNumber))

	billed, err := h.invoices.ExistsForOrder(ctx, req.OrderNumber)
	if err != nil {
		h.logger.Error("invoice existence check failed", zap.Error(err))
		h.jsonError(w, "failed to generate invoice", http.StatusInternalServerError)
		return
	}
	if billed {
		h.jsonError(w, "order already billed", http.StatusConflict)
		return
	}

	start := time.Now()
	inv, err := h.calculator.Generate(ctx, o, refDate)
	h.metrics.BillingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrOrderNotFinalized):
			h.jsonError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, patient.ErrNotFound):
			h.jsonError(w, err.Error(), http.StatusNotFound)
		default:
			h.logger.Error("invoice generation failed",
				zap.String("order_number", req.OrderNumber),
				zap.Error(err),
			)
			h.jsonError(w, "failed to generate invoice", http.StatusInternalServerError)
		}
		return
	}

	h.metrics.InvoicesGenerated.Inc()
	if inv.InsuranceCoverage == 0 && inv.Copay == inv.Subtotal {
		h.metrics.InvoicesUncovered.Inc()
	} else {
		h.metrics.CopayCharged.Add(float64(inv.Copay))
		if inv.Copay < h.calculator.Config().StandardCopay {
			h.metrics.LedgerCapExhausted.Inc()
		}
	}

	h.writeJSON(w, http.StatusCreated, inv)
}

// Get handles GET /invoices/{invoiceID}
func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	invoiceID := chi.URLParam(r, "invoiceID")

	inv, err := h.invoices.Load(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, billing.ErrInvoiceNotFound) {
			h.jsonError(w, "invoice not found", http.StatusNotFound)
			return
		}
		h.logger.Error("invoice load failed", zap.Error(err))
		h.jsonError(w, "failed to load invoice", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, inv)
}

func (h *InvoiceHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *InvoiceHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

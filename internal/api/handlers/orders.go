// Package handlers provides HTTP handlers for the orders API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/clinovia/go-omb/internal/api/middleware"
	"github.com/clinovia/go-omb/internal/catalog"
	"github.com/clinovia/go-omb/internal/domain/order"
	"github.com/clinovia/go-omb/internal/observability/metrics"
	"github.com/clinovia/go-omb/pkg/dates"
)

// OrderHandler handles order composition endpoints
type OrderHandler struct {
	repo     *order.Repository
	catalogs catalog.Resolver
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewOrderHandler creates a new handler
func NewOrderHandler(repo *order.Repository, catalogs catalog.Resolver, m *metrics.Metrics, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		repo:     repo,
		catalogs: catalogs,
		metrics:  m,
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *OrderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{orderNumber}", h.Get)
	r.Post("/{orderNumber}/items", h.AddItem)
	r.Post("/{orderNumber}/finalize", h.Finalize)
	return r
}

// CreateOrderRequest is the request body for creating an order
type CreateOrderRequest struct {
	OrderNumber string `json:"order_number"`
	PatientID   string `json:"patient_id"`
	DoctorID    string `json:"doctor_id"`
	Date        string `json:"date"` // DD/MM/YYYY
}

// OrderResponse describes an order
type OrderResponse struct {
	OrderNumber string     `json:"order_number"`
	PatientID   string     `json:"patient_id"`
	DoctorID    string     `json:"doctor_id"`
	Date        string     `json:"date"`
	Kind        order.Kind `json:"kind"`
	Finalized   bool       `json:"finalized"`
	ItemCount   int        `json:"item_count"`
	Subtotal    int64      `json:"subtotal"`
}

// Create handles POST /orders
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("order-handler")
	ctx, span := tracer.Start(ctx, "create_order")
	defer span.End()

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	date, err := dates.Parse(req.Date)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	taken, err := h.repo.ExistsOrderNumber(ctx, req.OrderNumber)
	if err != nil {
		h.logger.Error("order number check failed", zap.Error(err))
		h.jsonError(w, "failed to create order", http.StatusInternalServerError)
		return
	}
	if taken {
		h.jsonError(w, "order number already in use", http.StatusConflict)
		return
	}

	o, err := order.New(order.Header{
		OrderNumber: req.OrderNumber,
		PatientID:   req.PatientID,
		DoctorID:    req.DoctorID,
		Date:        date,
	})
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("order_number", req.OrderNumber))

	if err := h.repo.Save(ctx, o); err != nil {
		h.logger.Error("save failed", zap.Error(err))
		h.jsonError(w, "failed to save order", http.StatusInternalServerError)
		return
	}

	h.metrics.OrdersCreated.Inc()
	h.logger.Info("order created",
		zap.String("order_number", req.OrderNumber),
		zap.String("patient_id", req.PatientID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	h.writeJSON(w, http.StatusCreated, orderResponse(o))
}

// AddItemRequest is the request body for adding an item
type AddItemRequest struct {
	ItemNumber int            `json:"item_number"`
	Kind       order.ItemKind `json:"kind"`
	CatalogID  string         `json:"catalog_id"`

	Dosage   string `json:"dosage,omitempty"`
	Duration string `json:"duration,omitempty"`

	Quantity           int    `json:"quantity,omitempty"`
	Frequency          string `json:"frequency,omitempty"`
	SpecialistRequired bool   `json:"specialist_required,omitempty"`
	SpecialtyID        string `json:"specialty_id,omitempty"`
}

// AddItem handles POST /orders/{orderNumber}/items
func (h *OrderHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderNumber := chi.URLParam(r, "orderNumber")

	var req AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	o, err := h.repo.Load(ctx, orderNumber)
	if err != nil {
		h.jsonError(w, "order not found", http.StatusNotFound)
		return
	}

	entry, err := h.catalogs.Resolve(ctx, req.Kind, req.CatalogID)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownCatalogID) {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("catalog resolve failed", zap.Error(err))
		h.jsonError(w, "catalog lookup failed", http.StatusBadGateway)
		return
	}

	item, err := buildItem(&req, entry.Cost)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := o.AddItem(item); err != nil {
		h.rejectRule(w, err)
		return
	}

	if err := h.repo.Save(ctx, o); err != nil {
		h.logger.Error("save failed", zap.Error(err))
		h.jsonError(w, "failed to save order", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, orderResponse(o))
}

// Finalize handles POST /orders/{orderNumber}/finalize
func (h *OrderHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderNumber := chi.URLParam(r, "orderNumber")

	o, err := h.repo.Load(ctx, orderNumber)
	if err != nil {
		h.jsonError(w, "order not found", http.StatusNotFound)
		return
	}

	if err := o.Finalize(); err != nil {
		h.rejectRule(w, err)
		return
	}

	if err := h.repo.Save(ctx, o); err != nil {
		h.logger.Error("save failed", zap.Error(err))
		h.jsonError(w, "failed to save order", http.StatusInternalServerError)
		return
	}

	h.metrics.OrdersFinalized.Inc()
	h.logger.Info("order finalized",
		zap.String("order_number", orderNumber),
		zap.String("kind", string(o.Kind())),
		zap.Int64("subtotal", o.Subtotal()),
	)

	h.writeJSON(w, http.StatusOK, orderResponse(o))
}

// Get handles GET /orders/{orderNumber}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderNumber := chi.URLParam(r, "orderNumber")

	o, err := h.repo.Load(ctx, orderNumber)
	if err != nil {
		h.jsonError(w, "order not found", http.StatusNotFound)
		return
	}

	resp := struct {
		OrderResponse
		Items []order.Item `json:"items"`
	}{
		OrderResponse: orderResponse(o),
		Items:         o.Items(),
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func buildItem(req *AddItemRequest, cost int64) (order.Item, error) {
	switch req.Kind {
	case order.KindMedication:
		return order.NewMedicationItem(req.ItemNumber, req.CatalogID, cost, req.Dosage, req.Duration), nil
	case order.KindProcedure:
		return order.NewProcedureItem(req.ItemNumber, req.CatalogID, cost, req.Quantity, req.Frequency, req.SpecialistRequired, req.SpecialtyID), nil
	case order.KindDiagnosticAid:
		return order.NewDiagnosticAidItem(req.ItemNumber, req.CatalogID, cost, req.Quantity, req.SpecialistRequired, req.SpecialtyID), nil
	default:
		return order.Item{}, errors.New("unknown item kind: " + string(req.Kind))
	}
}

// rejectRule maps a composition rule violation onto an HTTP response and
// records which rule fired.
func (h *OrderHandler) rejectRule(w http.ResponseWriter, err error) {
	rule := ruleName(err)
	h.metrics.OrderRejections.WithLabelValues(rule).Inc()

	status := http.StatusUnprocessableEntity
	if errors.Is(err, order.ErrOrderFinalized) {
		status = http.StatusConflict
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"rule":  rule,
	})
}

func ruleName(err error) string {
	switch {
	case errors.Is(err, order.ErrMixedOrderKind):
		return "mixed_order_kind"
	case errors.Is(err, order.ErrDuplicateItemNumber):
		return "duplicate_item_number"
	case errors.Is(err, order.ErrNonContiguousItemNumbers):
		return "non_contiguous_item_numbers"
	case errors.Is(err, order.ErrEmptyOrder):
		return "empty_order"
	case errors.Is(err, order.ErrMissingSpecialty):
		return "missing_specialty"
	case errors.Is(err, order.ErrOrderFinalized):
		return "order_finalized"
	default:
		return "unknown"
	}
}

func orderResponse(o *order.Order) OrderResponse {
	h := o.Header()
	return OrderResponse{
		OrderNumber: h.OrderNumber,
		PatientID:   h.PatientID,
		DoctorID:    h.DoctorID,
		Date:        dates.Format(h.Date),
		Kind:        o.Kind(),
		Finalized:   o.Finalized(),
		ItemCount:   len(o.Items()),
		Subtotal:    o.Subtotal(),
	}
}

func (h *OrderHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *OrderHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

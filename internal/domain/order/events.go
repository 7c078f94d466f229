package order

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventOrderCreated   EventType = "OrderCreated"
	EventOrderItemAdded EventType = "OrderItemAdded"
	EventOrderFinalized EventType = "OrderFinalized"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
	DoctorID      string          `json:"doctor_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(orderNumber string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   orderNumber,
		AggregateType: "Order",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(patientID, doctorID string) *Event {
	e.PatientID = patientID
	e.DoctorID = doctorID
	return e
}

// OrderCreatedData contains order creation details
type OrderCreatedData struct {
	OrderNumber string    `json:"order_number"`
	PatientID   string    `json:"patient_id"`
	DoctorID    string    `json:"doctor_id"`
	Date        time.Time `json:"date"`
}

// OrderItemAddedData contains item addition details
type OrderItemAddedData struct {
	OrderNumber string   `json:"order_number"`
	ItemNumber  int      `json:"item_number"`
	ItemKind    ItemKind `json:"item_kind"`
	CatalogID   string   `json:"catalog_id"`
	Cost        int64    `json:"cost"`
}

// OrderFinalizedData contains finalization details
type OrderFinalizedData struct {
	OrderNumber string    `json:"order_number"`
	PatientID   string    `json:"patient_id"`
	Kind        Kind      `json:"kind"`
	ItemCount   int       `json:"item_count"`
	Subtotal    int64     `json:"subtotal"`
	FinalizedAt time.Time `json:"finalized_at"`
}

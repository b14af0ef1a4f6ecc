package models

import (
	"time"

	"github.com/google/uuid"
)

// Table names published on the change feed
const (
	TableOrders     = "orders"
	TableOrderItems = "order_items"
	TablePayments   = "payments"
	TableWorkOrders = "work_orders"
	TableCustomers  = "customers"
)

// Change operations
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Event types
const (
	EventTypeRowChanged = "ROW_CHANGED"
	// EventTypeResync is emitted after a feed reconnect; any view may be stale
	EventTypeResync = "RESYNC"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeEvent is a row-level notification from the entity store.
// It carries no row data: receivers re-read the current state.
type ChangeEvent struct {
	BaseEvent
	Table string    `json:"table"`
	Op    string    `json:"op"`
	RowID uuid.UUID `json:"id"`
}

// NewChangeEvent stamps a change notification with a fresh event id
func NewChangeEvent(table, op string, rowID uuid.UUID) ChangeEvent {
	return ChangeEvent{
		BaseEvent: BaseEvent{
			EventID:   uuid.New().String(),
			EventType: EventTypeRowChanged,
			Timestamp: time.Now(),
		},
		Table: table,
		Op:    op,
		RowID: rowID,
	}
}

// NewResyncEvent signals that every view must be re-read
func NewResyncEvent() ChangeEvent {
	return ChangeEvent{
		BaseEvent: BaseEvent{
			EventID:   uuid.New().String(),
			EventType: EventTypeResync,
			Timestamp: time.Now(),
		},
	}
}

// IsResync reports whether the event invalidates every view
func (e ChangeEvent) IsResync() bool {
	return e.EventType == EventTypeResync
}

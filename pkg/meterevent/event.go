// Package meterevent implements the write-ahead-logged, crash-safe usage
// event emitter: the durable front door of the metering pipeline.
package meterevent

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Usage captures the optional unit accounting for an event.
type Usage struct {
	Units    *float64 `json:"units,omitempty"`
	UnitType *string  `json:"unit_type,omitempty"`
}

// Event is one usage record produced by a worker adapter.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Tenant      string          `json:"tenant"`
	Capability  string          `json:"capability"`
	Provider    string          `json:"provider"`
	Cost        int64           `json:"cost"`
	Charge      int64           `json:"charge"`
	TimestampMs int64           `json:"timestamp_ms"`
	SessionID   *string         `json:"session_id,omitempty"`
	DurationMs  *int64          `json:"duration_ms,omitempty"`
	Usage       *Usage          `json:"usage,omitempty"`
	Tier        *string         `json:"tier,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// NewEvent builds an Event with a generated id and the current time.
func NewEvent(tenant, capability, provider string, cost, charge int64) Event {
	return Event{
		ID:          uuid.New(),
		Tenant:      tenant,
		Capability:  capability,
		Provider:    provider,
		Cost:        cost,
		Charge:      charge,
		TimestampMs: time.Now().UnixMilli(),
	}
}

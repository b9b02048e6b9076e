package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventEnvelope is the JSON body POSTed to receivers. It is built once at
// dispatch time, persisted on each delivery, and re-sent verbatim on
// retries so the signature stays verifiable against the stored bytes.
type EventEnvelope struct {
	Event     string          `json:"event"`
	EventID   string          `json:"event_id"`
	Timestamp string          `json:"timestamp"`
	TenantID  string          `json:"tenant_id"`
	Data      json.RawMessage `json:"data"`
}

// EncodeEnvelope serializes the enriched event body. The returned bytes are
// the exact bytes transmitted and signed on every attempt.
func EncodeEnvelope(eventType, eventID, tenantID string, data json.RawMessage, at time.Time) ([]byte, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	env := EventEnvelope{
		Event:     eventType,
		EventID:   eventID,
		Timestamp: at.UTC().Format(time.RFC3339),
		TenantID:  tenantID,
		Data:      data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding event envelope: %w", err)
	}
	return body, nil
}

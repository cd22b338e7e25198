// Package envelope defines the deduplicatable, ordered unit of mutation-style
// streams and the bookkeeping both sides need to keep them safe across
// reconnects.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is one mutation event. EventID is globally unique; Sequence is
// monotonically increasing per aggregate.
type Envelope struct {
	EventID          string          `json:"event_id"`
	Sequence         int64           `json:"sequence"`
	Type             string          `json:"type"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateVersion int64           `json:"aggregate_version"`
	OccurredAt       time.Time       `json:"occurred_at"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

var ErrInvalid = errors.New("invalid envelope")

// Aggregate is the ordering scope of an envelope.
func (e Envelope) Aggregate() string {
	return e.AggregateType + "/" + e.AggregateID
}

func (e Envelope) Validate() error {
	var missing []string
	if strings.TrimSpace(e.EventID) == "" {
		missing = append(missing, "event_id")
	}
	if strings.TrimSpace(e.Type) == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(e.AggregateType) == "" {
		missing = append(missing, "aggregate_type")
	}
	if strings.TrimSpace(e.AggregateID) == "" {
		missing = append(missing, "aggregate_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	if e.Sequence <= 0 {
		return fmt.Errorf("%w: sequence must be positive, got %d", ErrInvalid, e.Sequence)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is required", ErrInvalid)
	}
	return nil
}

// Parse decodes and validates one envelope.
func Parse(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// New builds an envelope with a fresh event id. Callers own the sequence.
func New(typ, aggregateType, aggregateID string, seq int64, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{
		EventID:          uuid.NewString(),
		Sequence:         seq,
		Type:             typ,
		AggregateType:    aggregateType,
		AggregateID:      aggregateID,
		AggregateVersion: seq,
		OccurredAt:       time.Now().UTC(),
		Payload:          raw,
	}, nil
}

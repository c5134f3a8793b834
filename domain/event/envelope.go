// Package event defines the canonical envelope every message on the bus
// carries, generalizing the per-aggregate BaseEvent the teacher embedded
// in domain/order/events.go into one shared type all topics use.
package event

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	// SpecVersion is the constant envelope schema marker spec.md §6 requires.
	SpecVersion = "1.0"
	// DataContentType is the constant content-type marker spec.md §6 requires.
	DataContentType = "application/json"
)

// Header names carried on bus message headers, per spec.md §6.
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderEventVersion  = "event-version"
	HeaderCorrelationID = "correlation-id"
	HeaderCausationID   = "causation-id"
)

// Envelope is the wire record every event carries: identity, type, source,
// timestamp, correlation/causation, schema version, and a typed payload.
type Envelope struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Time            time.Time       `json:"time"`
	CorrelationID   string          `json:"correlationId"`
	CausationID     string          `json:"causationId,omitempty"`
	Version         int             `json:"version"`
	SpecVersion     string          `json:"specversion"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`
}

// New builds an envelope for a fresh event caused by causationID (empty at
// saga entry), carrying payload marshaled to Data.
func New(eventType, source, correlationID, causationID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:              uuid.New().String(),
		Type:            eventType,
		Source:          source,
		Time:            time.Now().UTC(),
		CorrelationID:   correlationID,
		CausationID:     causationID,
		Version:         1,
		SpecVersion:     SpecVersion,
		DataContentType: DataContentType,
		Data:            data,
	}, nil
}

// Decode unmarshals the envelope's Data into out.
func (e Envelope) Decode(out any) error {
	return json.Unmarshal(e.Data, out)
}

// Headers returns the bus message headers this envelope should carry.
func (e Envelope) Headers() map[string]string {
	h := map[string]string{
		HeaderEventID:       e.ID,
		HeaderEventType:     e.Type,
		HeaderEventVersion:  strconv.Itoa(e.Version),
		HeaderCorrelationID: e.CorrelationID,
	}
	if e.CausationID != "" {
		h[HeaderCausationID] = e.CausationID
	}
	return h
}

package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/outbox"
)

// Envelope is the JSON wire format shared by queue and stream providers.
type Envelope struct {
	ID            string         `json:"id"`
	Operation     string         `json:"operation"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	Recipient     string         `json:"recipient"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NewEnvelope projects an outbox message onto the wire format.
func NewEnvelope(msg *outbox.OutboxMessage) (Envelope, error) {
	if msg == nil {
		return Envelope{}, outbox.ErrOutboxMessageRequired
	}

	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	return Envelope{
		ID:            msg.ID.String(),
		Operation:     msg.OperationName,
		Type:          msg.MessageType,
		Payload:       payload,
		Recipient:     msg.Recipient,
		CorrelationID: msg.CorrelationID,
		Metadata:      msg.Metadata,
	}, nil
}

// EncodeEnvelope returns the JSON body for msg.
func EncodeEnvelope(msg *outbox.OutboxMessage) ([]byte, error) {
	envelope, err := NewEnvelope(msg)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	return body, nil
}

// DecodeEnvelope parses a JSON body produced by EncodeEnvelope.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var envelope Envelope

	if err := json.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	if envelope.Payload == nil {
		envelope.Payload = map[string]any{}
	}

	return envelope, nil
}

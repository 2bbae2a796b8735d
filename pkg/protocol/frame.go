package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// MaxFrameSize is the maximum allowed frame size (64 KB)
	MaxFrameSize = 64 * 1024
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrMissingAction  = errors.New("frame has no action")
	ErrMissingPayload = errors.New("frame has no payload")
	ErrUnknownKind    = errors.New("unknown envelope kind")
)

// Inbound is a client-originated frame.
// Wire format: {"action": "expense.create", "requestId": "...", "payload": {...}}
type Inbound struct {
	Action    string          `json:"action"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a server-originated frame.
// Wire format: {"destination": "/topic/expenses", "kind": "domain_event", "body": {...}}
type Outbound struct {
	Destination string          `json:"destination"`
	Kind        Kind            `json:"kind"`
	Body        json.RawMessage `json:"body"`
}

// DecodeInbound parses a client frame
func DecodeInbound(data []byte) (*Inbound, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	in.Action = strings.TrimSpace(in.Action)
	if in.Action == "" {
		return nil, ErrMissingAction
	}
	return &in, nil
}

// DecodePayload unmarshals the inbound payload into v
func (in *Inbound) DecodePayload(v any) error {
	if len(bytes.TrimSpace(in.Payload)) == 0 || string(bytes.TrimSpace(in.Payload)) == "null" {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(in.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", in.Action, err)
	}
	return nil
}

// EncodeEnvelope wraps an envelope in an outbound frame for destination
func EncodeEnvelope(destination string, env Envelope) (*Outbound, error) {
	body, err := marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", env.Kind(), err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return &Outbound{
		Destination: destination,
		Kind:        env.Kind(),
		Body:        body,
	}, nil
}

// WriteOutbound writes the JSON form of an outbound frame
func WriteOutbound(w io.Writer, f *Outbound) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(f)
}

// marshal is json.Marshal without HTML escaping, so '<', '>' and '&' keep
// their one-byte size on the wire.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodeEnvelope turns an outbound frame back into its envelope. Used by
// clients and tests.
func DecodeEnvelope(f *Outbound) (Envelope, error) {
	var env Envelope
	switch f.Kind {
	case KindDomainEvent:
		env = &DomainEvent{}
	case KindNotification:
		env = &DirectNotification{}
	case KindResponse:
		env = &RoutingResponse{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}
	if err := json.Unmarshal(f.Body, env); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", f.Kind, err)
	}
	return env, nil
}

// ExpensePayload is the payload of expense.create/update/delete
type ExpensePayload struct {
	ID          string         `json:"id,omitempty"`
	Title       string         `json:"title"`
	Amount      float64        `json:"amount"`
	Category    string         `json:"category"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status,omitempty"`
	TeamID      string         `json:"teamId,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// NotificationPayload is the payload of notification.send
type NotificationPayload struct {
	Title             string     `json:"title"`
	Message           string     `json:"message"`
	Type              string     `json:"type,omitempty"`
	Priority          string     `json:"priority,omitempty"`
	TargetUsername    string     `json:"targetUsername,omitempty"`
	RelatedEntityType string     `json:"relatedEntityType,omitempty"`
	RelatedEntityID   string     `json:"relatedEntityId,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
}

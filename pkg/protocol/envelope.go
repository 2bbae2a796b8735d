package protocol

import (
	"time"
)

// Kind identifies one of the three envelope variants
type Kind string

const (
	KindDomainEvent  Kind = "domain_event"
	KindNotification Kind = "notification"
	KindResponse     Kind = "response"
)

// Envelope is a routed message. The interface is sealed: only DomainEvent,
// DirectNotification and RoutingResponse implement it, so a type switch over
// those three is exhaustive.
type Envelope interface {
	Kind() Kind
	sealed()
}

// DomainEvent describes a change to an expense-domain entity. With an empty
// TeamID it goes to every subscriber of the expense topic; otherwise only to
// the team's members.
type DomainEvent struct {
	Action      Action         `json:"action"`
	EntityID    string         `json:"entityId"`
	Actor       string         `json:"actor"`
	TeamID      string         `json:"teamId,omitempty"`
	Title       string         `json:"title,omitempty"`
	Amount      float64        `json:"amount,omitempty"`
	Category    string         `json:"category,omitempty"`
	Status      string         `json:"status,omitempty"`
	Description string         `json:"description,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (*DomainEvent) Kind() Kind { return KindDomainEvent }
func (*DomainEvent) sealed()    {}

// DirectNotification is delivered to every connection of a single identity
type DirectNotification struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Body              string     `json:"message"`
	Severity          Severity   `json:"type"`
	Priority          Priority   `json:"priority"`
	Target            string     `json:"targetUsername"`
	RelatedEntityType string     `json:"relatedEntityType,omitempty"`
	RelatedEntityID   string     `json:"relatedEntityId,omitempty"`
	Read              bool       `json:"read"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

func (*DirectNotification) Kind() Kind { return KindNotification }
func (*DirectNotification) sealed()    {}

// Expired reports whether the notification has an expiry at or before now
func (n *DirectNotification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// RoutingResponse is the uniform success/failure shape returned by handlers.
//
// Routing: ReplyTo (a connection handle) wins, then Topic (broadcast), then
// TargetUsername (all connections of that identity).
type RoutingResponse struct {
	Type           string    `json:"type"`
	Success        bool      `json:"success"`
	Status         Status    `json:"status"`
	Message        string    `json:"message,omitempty"`
	Data           any       `json:"data,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"requestId,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	TargetUsername string    `json:"targetUsername,omitempty"`

	ReplyTo     string `json:"-"`
	Topic       string `json:"-"`
	Destination string `json:"-"`
}

func (*RoutingResponse) Kind() Kind { return KindResponse }
func (*RoutingResponse) sealed()    {}

// Success builds a SUCCESS response
func Success(typ, message string, data any) *RoutingResponse {
	return &RoutingResponse{
		Type:      typ,
		Success:   true,
		Status:    StatusSuccess,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Failure builds an ERROR response. message is shown to the client and must
// not carry internal error detail.
func Failure(message string) *RoutingResponse {
	return &RoutingResponse{
		Type:      TypeError,
		Success:   false,
		Status:    StatusError,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

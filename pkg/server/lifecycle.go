package server

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/trackify/realtime/pkg/auth"
	"github.com/trackify/realtime/pkg/protocol"
	"github.com/trackify/realtime/pkg/registry"
)

// Connection states. DETACHED is terminal.
const (
	stateConnected int32 = iota // UNAUTHENTICATED_CONNECTED
	stateAttached
	stateDetached
)

const welcomeTitle = "Welcome to Trackify!"

// Lifecycle keeps the session registry in step with the transport's connect
// and disconnect signals and greets newly attached identities.
type Lifecycle struct {
	sessions  *registry.Registry
	publisher Publisher
	now       func() time.Time
}

// NewLifecycle creates a lifecycle listener
func NewLifecycle(sessions *registry.Registry, publisher Publisher) *Lifecycle {
	return &Lifecycle{
		sessions:  sessions,
		publisher: publisher,
		now:       time.Now,
	}
}

// Connected attaches an authenticated connection and sends the welcome
// notification to its identity. Anonymous connections stay unregistered.
func (l *Lifecycle) Connected(ctx context.Context, c *Conn) {
	if c.Identity == auth.Anonymous {
		debugLog.Printf("Handle %s connected anonymously", c.Handle)
		return
	}
	if !c.state.CompareAndSwap(stateConnected, stateAttached) {
		return
	}

	l.sessions.Attach(c.Identity, c.Handle)
	debugLog.Printf("Handle %s attached to %s", c.Handle, c.Identity)

	welcome := &protocol.DirectNotification{
		ID:        uuid.NewString(),
		Title:     welcomeTitle,
		Body:      "You are now connected to real-time updates.",
		Severity:  protocol.SeverityInfo,
		Priority:  protocol.PriorityLow,
		Target:    c.Identity,
		CreatedAt: l.now().UTC(),
	}
	if out := l.publisher.Publish(ctx, welcome); out.Err != nil {
		errorLog.Printf("Welcome for %s not sent: %v", c.Identity, out.Err)
	}
}

// Disconnected detaches the connection. Runs on every close, including after
// abnormal termination; repeated calls do nothing.
func (l *Lifecycle) Disconnected(ctx context.Context, c *Conn) {
	prev := c.state.Swap(stateDetached)
	if prev != stateAttached {
		return
	}
	l.sessions.Detach(c.Identity, c.Handle)
	debugLog.Printf("Handle %s detached from %s", c.Handle, c.Identity)
}

package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trackify/realtime/pkg/protocol"
	"github.com/trackify/realtime/pkg/registry"
)

const tracerName = "github.com/trackify/realtime/router"

var (
	// ErrNilEnvelope is reported when Publish is called without an envelope
	ErrNilEnvelope = errors.New("nil envelope")
	// ErrNoTarget is reported for a notification or response with nowhere to go
	ErrNoTarget = errors.New("envelope has no target")
)

// Transport delivers one frame to one connection. Implementations must
// preserve call order per connection.
type Transport interface {
	Send(ctx context.Context, handle string, frame *protocol.Outbound) error
}

// TeamDirectory resolves team membership. Owned by the persistence layer.
type TeamDirectory interface {
	GetTeamMembers(ctx context.Context, teamID string) ([]string, error)
}

// Metrics receives per-publish statistics. Optional.
type Metrics interface {
	RecordPublish(kind protocol.Kind, mode string, delivered, failed int, duration time.Duration)
	RecordDropped(kind protocol.Kind, reason string)
}

// Addressing modes
const (
	ModeBroadcast = "broadcast"
	ModeTeam      = "team"
	ModeIdentity  = "identity"
	ModeHandle    = "handle"
)

// Outcome describes what a Publish call did. Partial delivery is normal.
type Outcome struct {
	Kind      protocol.Kind
	Mode      string
	Targets   int // resolved connection handles
	Delivered int
	Failed    int
	Dropped   bool  // nothing was sent because the target was absent or expired
	Err       error // resolution failure, never a per-handle send failure
}

// Router resolves envelopes to connection handles and hands them to the
// transport.
type Router struct {
	sessions  *registry.Registry
	transport Transport
	teams     TeamDirectory
	metrics   Metrics
	tracer    trace.Tracer
	logger    *log.Logger
	now       func() time.Time
}

// New creates a router. teams may be nil when team-scoped events are not used.
func New(sessions *registry.Registry, transport Transport, teams TeamDirectory) *Router {
	return &Router{
		sessions:  sessions,
		transport: transport,
		teams:     teams,
		tracer:    otel.Tracer(tracerName),
		logger:    log.New(io.Discard, "", 0),
		now:       time.Now,
	}
}

// SetMetrics attaches metrics to the router
func (r *Router) SetMetrics(m Metrics) {
	r.metrics = m
}

// SetLogger sets the logger used for delivery failures
func (r *Router) SetLogger(l *log.Logger) {
	if l != nil {
		r.logger = l
	}
}

// Publish routes env to its resolved connections.
func (r *Router) Publish(ctx context.Context, env protocol.Envelope) Outcome {
	if env == nil {
		return Outcome{Dropped: true, Err: ErrNilEnvelope}
	}

	start := r.now()
	ctx, span := r.tracer.Start(ctx, "router.publish",
		trace.WithAttributes(attribute.String("envelope.kind", string(env.Kind()))))
	defer span.End()

	out := Outcome{Kind: env.Kind()}
	var (
		handles     []string
		destination string
	)

	switch e := env.(type) {
	case *protocol.DomainEvent:
		destination = protocol.TopicExpenses
		if e.TeamID == "" {
			out.Mode = ModeBroadcast
			handles = r.sessions.AllConnections()
		} else {
			out.Mode = ModeTeam
			handles, out.Err = r.teamHandles(ctx, e.TeamID)
		}

	case *protocol.DirectNotification:
		destination = protocol.QueueNotifications
		out.Mode = ModeIdentity
		if e.Target == "" {
			out.Err = ErrNoTarget
		} else if e.Expired(r.now()) {
			r.drop(&out, "expired")
			span.SetAttributes(attribute.Bool("publish.dropped", true))
			return out
		} else {
			handles = r.sessions.ConnectionsFor(e.Target)
		}

	case *protocol.RoutingResponse:
		destination = e.Destination
		switch {
		case e.ReplyTo != "":
			out.Mode = ModeHandle
			handles = []string{e.ReplyTo}
		case e.Topic != "":
			out.Mode = ModeBroadcast
			destination = e.Topic
			handles = r.sessions.AllConnections()
		case e.TargetUsername != "":
			out.Mode = ModeIdentity
			handles = r.sessions.ConnectionsFor(e.TargetUsername)
		default:
			out.Err = ErrNoTarget
		}
		if destination == "" {
			destination = protocol.QueueResponses
		}

	default:
		out.Err = fmt.Errorf("unsupported envelope %T", env)
	}

	if out.Err != nil {
		r.logger.Printf("Publish %s (%s) not routed: %v", out.Kind, out.Mode, out.Err)
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		r.drop(&out, "unroutable")
		return out
	}

	if len(handles) == 0 {
		r.drop(&out, "offline")
		span.SetAttributes(attribute.Bool("publish.dropped", true))
		return out
	}

	frame, err := protocol.EncodeEnvelope(destination, env)
	if err != nil {
		out.Err = err
		r.logger.Printf("Publish %s: encode failed: %v", out.Kind, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.drop(&out, "encode")
		return out
	}

	out.Targets = len(handles)
	r.deliver(ctx, frame, handles, &out)

	span.SetAttributes(
		attribute.String("publish.mode", out.Mode),
		attribute.Int("publish.targets", out.Targets),
		attribute.Int("publish.delivered", out.Delivered),
		attribute.Int("publish.failed", out.Failed),
	)
	if r.metrics != nil {
		r.metrics.RecordPublish(out.Kind, out.Mode, out.Delivered, out.Failed, r.now().Sub(start))
	}
	return out
}

// deliver sends frame to every handle. A failure on one handle never stops
// the others.
func (r *Router) deliver(ctx context.Context, frame *protocol.Outbound, handles []string, out *Outcome) {
	for _, h := range handles {
		if err := r.transport.Send(ctx, h, frame); err != nil {
			out.Failed++
			r.logger.Printf("Deliver %s to %s failed: %v", frame.Kind, h, err)
			continue
		}
		out.Delivered++
	}
}

func (r *Router) teamHandles(ctx context.Context, teamID string) ([]string, error) {
	if r.teams == nil {
		return nil, fmt.Errorf("team %s: no team directory configured", teamID)
	}
	members, err := r.teams.GetTeamMembers(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("team %s: %w", teamID, err)
	}

	var handles []string
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if seen[m] {
			continue
		}
		seen[m] = true
		handles = append(handles, r.sessions.ConnectionsFor(m)...)
	}
	return handles, nil
}

func (r *Router) drop(out *Outcome, reason string) {
	out.Dropped = true
	if r.metrics != nil {
		r.metrics.RecordDropped(out.Kind, reason)
	}
}

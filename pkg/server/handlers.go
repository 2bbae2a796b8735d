package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trackify/realtime/pkg/auth"
	"github.com/trackify/realtime/pkg/database"
	"github.com/trackify/realtime/pkg/protocol"
)

const tracerName = "github.com/trackify/realtime/server"

// Messages shown to clients. Internal error detail is only logged.
const (
	msgUnsupportedAction = "Unsupported action"
	msgAuthRequired      = "Authentication required"
	msgInternalError     = "Internal server error"
)

type expenseAction struct {
	action   protocol.Action
	respType string
	success  string
	failure  string
}

var expenseActions = map[string]expenseAction{
	protocol.ActionExpenseCreate: {protocol.ActionCreate, protocol.TypeExpenseCreated, "Expense created successfully", "Failed to process expense creation"},
	protocol.ActionExpenseUpdate: {protocol.ActionUpdate, protocol.TypeExpenseUpdated, "Expense updated successfully", "Failed to process expense update"},
	protocol.ActionExpenseDelete: {protocol.ActionDelete, protocol.TypeExpenseDeleted, "Expense deleted successfully", "Failed to process expense deletion"},
}

// Handlers turns inbound client actions into persisted changes and routed
// envelopes.
type Handlers struct {
	expenses  ExpenseStore
	teams     TeamStore
	publisher Publisher
	dashboard DashboardRefresher
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// NewHandlers creates the action handlers. teams may be nil, in which case
// budget alerts are not fanned out.
func NewHandlers(expenses ExpenseStore, teams TeamStore, publisher Publisher, dashboard DashboardRefresher) *Handlers {
	return &Handlers{
		expenses:  expenses,
		teams:     teams,
		publisher: publisher,
		dashboard: dashboard,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
}

// SetMetrics attaches metrics to the handlers
func (h *Handlers) SetMetrics(m *Metrics) {
	h.metrics = m
}

// Handle dispatches one inbound frame. It returns the reply for the sending
// connection, or nil for fire-and-forget actions. Nothing escapes this call:
// errors become ERROR responses and panics are recovered.
func (h *Handlers) Handle(ctx context.Context, c *Conn, in *protocol.Inbound) (resp *protocol.RoutingResponse) {
	label := actionLabel(in.Action)
	ctx, span := h.tracer.Start(ctx, "handler.dispatch", trace.WithAttributes(
		attribute.String("action", label),
		attribute.String("handle", c.Handle),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Panic handling %s from %s: %v", in.Action, c.Handle, r)
			span.SetStatus(codes.Error, "panic")
			resp = protocol.Failure(msgInternalError)
		}
		if resp == nil {
			return
		}
		resp.RequestID = in.RequestID
		if !resp.Success {
			span.SetStatus(codes.Error, resp.Message)
			if h.metrics != nil {
				h.metrics.RecordHandlerError(label)
			}
		}
	}()

	if h.metrics != nil {
		h.metrics.RecordMessageReceived(label)
	}

	if label == "unknown" {
		debugLog.Printf("Handle %s sent unsupported action %q", c.Handle, in.Action)
		return protocol.Failure(msgUnsupportedAction)
	}

	if c.Identity == auth.Anonymous {
		debugLog.Printf("Anonymous handle %s attempted %s", c.Handle, in.Action)
		if _, replies := expenseActions[in.Action]; replies {
			return protocol.Failure(msgAuthRequired)
		}
		return nil
	}

	switch in.Action {
	case protocol.ActionExpenseCreate, protocol.ActionExpenseUpdate, protocol.ActionExpenseDelete:
		return h.handleExpense(ctx, c, in, expenseActions[in.Action])
	case protocol.ActionNotificationSend:
		h.handleNotificationSend(ctx, c, in)
		return nil
	case protocol.ActionDashboardRefresh:
		h.handleDashboardRefresh(ctx, c)
		return nil
	}
	return protocol.Failure(msgUnsupportedAction)
}

// actionLabel bounds the metric and span label to known actions
func actionLabel(action string) string {
	switch action {
	case protocol.ActionExpenseCreate, protocol.ActionExpenseUpdate, protocol.ActionExpenseDelete,
		protocol.ActionNotificationSend, protocol.ActionDashboardRefresh:
		return action
	default:
		return "unknown"
	}
}

// handleExpense persists the change and, only when that succeeds, broadcasts
// the matching domain event on the expense topic.
func (h *Handlers) handleExpense(ctx context.Context, c *Conn, in *protocol.Inbound, ea expenseAction) *protocol.RoutingResponse {
	var payload protocol.ExpensePayload
	if err := in.DecodePayload(&payload); err != nil {
		debugLog.Printf("Handle %s: %v", c.Handle, err)
		return protocol.Failure(ea.failure)
	}

	result, err := h.expenses.ValidateAndApplyExpenseChange(ctx, database.ExpenseChange{
		Action:  ea.action,
		Actor:   c.Identity,
		Payload: payload,
	})
	if err != nil {
		if isClientError(err) {
			debugLog.Printf("%s by %s rejected: %v", in.Action, c.Identity, err)
		} else {
			errorLog.Printf("%s by %s failed: %v", in.Action, c.Identity, err)
		}
		return protocol.Failure(ea.failure)
	}

	exp := result.Expense
	h.publisher.Publish(ctx, expenseEvent(ea.action, c.Identity, exp, payload.Fields))

	if result.Alert != nil {
		h.publishBudgetAlert(ctx, result.Alert, exp)
	}

	return protocol.Success(ea.respType, ea.success, exp)
}

func isClientError(err error) bool {
	return errors.Is(err, database.ErrInvalidExpense) ||
		errors.Is(err, database.ErrExpenseNotFound) ||
		errors.Is(err, database.ErrNotOwner) ||
		errors.Is(err, database.ErrNotTeamMember) ||
		errors.Is(err, database.ErrTeamNotFound)
}

// expenseEvent builds the topic-wide event for a stored expense. The owning
// team travels in Fields; routing stays a broadcast.
func expenseEvent(action protocol.Action, actor string, exp *database.Expense, extra map[string]any) *protocol.DomainEvent {
	var fields map[string]any
	if len(extra) > 0 || exp.TeamID != "" {
		fields = make(map[string]any, len(extra)+1)
		maps.Copy(fields, extra)
		if exp.TeamID != "" {
			fields["teamId"] = exp.TeamID
		}
	}
	return &protocol.DomainEvent{
		Action:      action,
		EntityID:    exp.ID,
		Actor:       actor,
		Title:       exp.Title,
		Amount:      exp.Amount,
		Category:    exp.Category,
		Status:      exp.Status,
		Description: exp.Description,
		Fields:      fields,
		CreatedAt:   exp.CreatedAt,
		UpdatedAt:   exp.UpdatedAt,
	}
}

// publishBudgetAlert warns every member of the team whose budget was exceeded
func (h *Handlers) publishBudgetAlert(ctx context.Context, alert *database.BudgetAlert, exp *database.Expense) {
	if h.teams == nil {
		return
	}
	members, err := h.teams.GetTeamMembers(ctx, alert.TeamID)
	if err != nil {
		errorLog.Printf("Budget alert for team %s not sent: %v", alert.TeamID, err)
		return
	}

	body := fmt.Sprintf("Team %s has spent %.2f of its %.2f monthly budget.", alert.TeamName, alert.Spent, alert.Budget)
	now := h.now().UTC()
	for _, member := range members {
		h.publisher.Publish(ctx, &protocol.DirectNotification{
			ID:                uuid.NewString(),
			Title:             "Budget alert",
			Body:              body,
			Severity:          protocol.SeverityWarning,
			Priority:          protocol.PriorityHigh,
			Target:            member,
			RelatedEntityType: "EXPENSE",
			RelatedEntityID:   exp.ID,
			CreatedAt:         now,
		})
	}
}

// handleNotificationSend publishes a direct notification. The target
// defaults to the sender.
func (h *Handlers) handleNotificationSend(ctx context.Context, c *Conn, in *protocol.Inbound) {
	var payload protocol.NotificationPayload
	if err := in.DecodePayload(&payload); err != nil {
		debugLog.Printf("Handle %s: %v", c.Handle, err)
		return
	}

	n, err := notificationFromPayload(payload, c.Identity, h.now())
	if err != nil {
		debugLog.Printf("Handle %s: %v", c.Handle, err)
		return
	}
	h.publisher.Publish(ctx, n)
}

// notificationFromPayload validates a notification request. fallbackTarget is
// used when the payload names no target.
func notificationFromPayload(p protocol.NotificationPayload, fallbackTarget string, now time.Time) (*protocol.DirectNotification, error) {
	severity, err := protocol.ParseSeverity(p.Type)
	if err != nil {
		return nil, err
	}
	priority, err := protocol.ParsePriority(p.Priority)
	if err != nil {
		return nil, err
	}
	target := p.TargetUsername
	if target == "" {
		target = fallbackTarget
	}
	if target == "" {
		return nil, errors.New("notification has no target")
	}
	return &protocol.DirectNotification{
		ID:                uuid.NewString(),
		Title:             p.Title,
		Body:              p.Message,
		Severity:          severity,
		Priority:          priority,
		Target:            target,
		RelatedEntityType: p.RelatedEntityType,
		RelatedEntityID:   p.RelatedEntityID,
		ExpiresAt:         p.ExpiresAt,
		CreatedAt:         now.UTC(),
	}, nil
}

func (h *Handlers) handleDashboardRefresh(ctx context.Context, c *Conn) {
	if h.dashboard == nil {
		return
	}
	if err := h.dashboard.Refresh(ctx, c.Identity); err != nil {
		errorLog.Printf("Dashboard refresh for %s failed: %v", c.Identity, err)
	}
}

package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownAction   = errors.New("unknown domain action")
	ErrUnknownSeverity = errors.New("unknown notification severity")
	ErrUnknownPriority = errors.New("unknown notification priority")
)

// Inbound action routing keys
const (
	ActionExpenseCreate    = "expense.create"
	ActionExpenseUpdate    = "expense.update"
	ActionExpenseDelete    = "expense.delete"
	ActionNotificationSend = "notification.send"
	ActionDashboardRefresh = "dashboard.refresh"
)

// Outbound destinations
const (
	TopicExpenses      = "/topic/expenses"
	QueueNotifications = "/user/queue/notifications"
	QueueResponses     = "/user/queue/responses"
	QueueDashboard     = "/user/queue/dashboard"
)

// Action is the change a DomainEvent describes
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionApprove Action = "APPROVE"
	ActionReject  Action = "REJECT"
)

// ParseAction parses a case-insensitive action name
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionApprove, ActionReject:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Severity of a DirectNotification
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeveritySuccess Severity = "SUCCESS"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// ParseSeverity parses a severity, defaulting to INFO when empty
func ParseSeverity(s string) (Severity, error) {
	if strings.TrimSpace(s) == "" {
		return SeverityInfo, nil
	}
	switch v := Severity(strings.ToUpper(strings.TrimSpace(s))); v {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSeverity, s)
	}
}

// Priority of a DirectNotification
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority parses a priority, defaulting to MEDIUM when empty
func ParsePriority(s string) (Priority, error) {
	if strings.TrimSpace(s) == "" {
		return PriorityMedium, nil
	}
	switch v := Priority(strings.ToUpper(strings.TrimSpace(s))); v {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
}

// Status tag carried by a RoutingResponse
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	StatusInfo    Status = "INFO"
)

// RoutingResponse type tags
const (
	TypeExpenseCreated  = "EXPENSE_CREATED"
	TypeExpenseUpdated  = "EXPENSE_UPDATED"
	TypeExpenseDeleted  = "EXPENSE_DELETED"
	TypeDashboardUpdate = "DASHBOARD_UPDATE"
	TypeError           = "ERROR"
)

package server

import (
	"context"

	"github.com/trackify/realtime/pkg/database"
	"github.com/trackify/realtime/pkg/protocol"
	"github.com/trackify/realtime/pkg/router"
)

// Publisher routes envelopes to connected clients. *router.Router implements it.
type Publisher interface {
	Publish(ctx context.Context, env protocol.Envelope) router.Outcome
}

// ExpenseStore validates and persists expense changes.
// This abstraction allows handlers to be tested without SQLite.
type ExpenseStore interface {
	ValidateAndApplyExpenseChange(ctx context.Context, change database.ExpenseChange) (*database.ExpenseResult, error)
}

// TeamStore is the team membership lookup used by handlers and the HTTP API
type TeamStore interface {
	GetTeamMembers(ctx context.Context, teamID string) ([]string, error)
}

// DashboardRefresher pushes fresh dashboard data to one identity
type DashboardRefresher interface {
	Refresh(ctx context.Context, identity string) error
}

// DashboardSource produces the dashboard summary for a user
type DashboardSource interface {
	DashboardSummary(ctx context.Context, username string, recentLimit int) (*database.DashboardSummary, error)
}

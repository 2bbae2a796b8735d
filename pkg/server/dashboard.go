package server

import (
	"context"
	"fmt"

	"github.com/trackify/realtime/pkg/protocol"
)

const dashboardRecentLimit = 5

// DashboardService answers dashboard.refresh by pushing a DASHBOARD_UPDATE
// to every connection of the requesting identity.
type DashboardService struct {
	source    DashboardSource
	publisher Publisher
}

// NewDashboardService creates a dashboard refresher
func NewDashboardService(source DashboardSource, publisher Publisher) *DashboardService {
	return &DashboardService{source: source, publisher: publisher}
}

// Refresh implements DashboardRefresher
func (d *DashboardService) Refresh(ctx context.Context, identity string) error {
	summary, err := d.source.DashboardSummary(ctx, identity, dashboardRecentLimit)
	if err != nil {
		return fmt.Errorf("failed to build dashboard for %s: %w", identity, err)
	}

	resp := protocol.Success(protocol.TypeDashboardUpdate, "Dashboard updated", summary)
	resp.TargetUsername = identity
	resp.Destination = protocol.QueueDashboard

	out := d.publisher.Publish(ctx, resp)
	if out.Err != nil {
		return fmt.Errorf("failed to push dashboard to %s: %w", identity, out.Err)
	}
	debugLog.Printf("Dashboard for %s pushed to %d connection(s)", identity, out.Delivered)
	return nil
}

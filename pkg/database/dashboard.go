package database

import (
	"context"
	"fmt"
)

// CategoryTotal is the spend in one category
type CategoryTotal struct {
	Category string  `json:"category"`
	Total    float64 `json:"total"`
	Count    int     `json:"count"`
}

// DashboardSummary is the per-user data pushed on dashboard.refresh
type DashboardSummary struct {
	Username     string          `json:"username"`
	TotalAmount  float64         `json:"totalAmount"`
	ExpenseCount int             `json:"expenseCount"`
	ByCategory   []CategoryTotal `json:"byCategory"`
	Recent       []*Expense      `json:"recent"`
}

// DashboardSummary aggregates the expenses owned by username
func (db *DB) DashboardSummary(ctx context.Context, username string, recentLimit int) (*DashboardSummary, error) {
	summary := &DashboardSummary{
		Username:   username,
		ByCategory: []CategoryTotal{},
		Recent:     []*Expense{},
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT category, SUM(amount_cents), COUNT(*)
		FROM Expense WHERE owner = ?
		GROUP BY category ORDER BY SUM(amount_cents) DESC, category`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate expenses: %w", err)
	}
	defer rows.Close()

	var totalCents int64
	for rows.Next() {
		var (
			ct    CategoryTotal
			cents int64
		)
		if err := rows.Scan(&ct.Category, &cents, &ct.Count); err != nil {
			return nil, err
		}
		ct.Total = fromCents(cents)
		totalCents += cents
		summary.ExpenseCount += ct.Count
		summary.ByCategory = append(summary.ByCategory, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	summary.TotalAmount = fromCents(totalCents)

	if recentLimit <= 0 {
		return summary, nil
	}
	recent, err := db.conn.QueryContext(ctx,
		expenseColumns+" WHERE owner = ? ORDER BY created_at DESC, id DESC LIMIT ?", username, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent expenses: %w", err)
	}
	defer recent.Close()

	for recent.Next() {
		e, err := scanExpense(recent)
		if err != nil {
			return nil, err
		}
		summary.Recent = append(summary.Recent, e)
	}
	return summary, recent.Err()
}

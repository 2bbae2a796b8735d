package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trackify/realtime/pkg/protocol"
)

var (
	// ErrExpenseNotFound indicates the expense does not exist.
	ErrExpenseNotFound = errors.New("expense not found")
	// ErrNotOwner indicates the actor does not own the expense.
	ErrNotOwner = errors.New("expense is owned by another user")
	// ErrInvalidExpense indicates the payload failed validation.
	ErrInvalidExpense = errors.New("invalid expense")
	// ErrTeamNotFound indicates the team does not exist.
	ErrTeamNotFound = errors.New("team not found")
	// ErrNotTeamMember indicates the actor is not a member of the expense's team.
	ErrNotTeamMember = errors.New("user is not a member of the team")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (SQLite allows one writer)
	ids       *Snowflake
	now       func() time.Time
}

// Expense is a stored expense record
type Expense struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	TeamID      string    `json:"teamId,omitempty"`
	Title       string    `json:"title"`
	Amount      float64   `json:"amount"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ExpenseChange is a validated-on-apply request to mutate an expense
type ExpenseChange struct {
	Action  protocol.Action
	Actor   string
	Payload protocol.ExpensePayload
}

// BudgetAlert is reported when a change pushes a team over its monthly budget
type BudgetAlert struct {
	TeamID   string  `json:"teamId"`
	TeamName string  `json:"teamName"`
	Spent    float64 `json:"spent"`
	Budget   float64 `json:"budget"`
}

// ExpenseResult is the outcome of ValidateAndApplyExpenseChange
type ExpenseResult struct {
	Expense *Expense
	Alert   *BudgetAlert // nil unless this change moved the team over budget
}

// Open opens the SQLite database at path and applies pending migrations
func Open(path string) (*DB, error) {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	for _, c := range []*sql.DB{writeConn, conn} {
		for _, p := range pragmas {
			if _, err := c.Exec(p); err != nil {
				conn.Close()
				writeConn.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", p, err)
			}
		}
	}

	if _, err := runMigrations(context.Background(), writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{
		conn:      conn,
		writeConn: writeConn,
		ids:       NewSnowflake(defaultEpoch, 0),
		now:       time.Now,
	}, nil
}

// Close closes both connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// CreateTeam creates a team with a monthly budget (0 disables budget alerts)
func (db *DB) CreateTeam(ctx context.Context, id, name string, monthlyBudget float64) error {
	_, err := db.writeConn.ExecContext(ctx,
		"INSERT INTO Team (id, name, monthly_budget_cents, created_at) VALUES (?, ?, ?, ?)",
		id, name, toCents(monthlyBudget), db.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create team %s: %w", id, err)
	}
	return nil
}

// AddTeamMember adds username to a team. Adding an existing member is a no-op.
func (db *DB) AddTeamMember(ctx context.Context, teamID, username string) error {
	if !db.teamExists(ctx, teamID) {
		return ErrTeamNotFound
	}
	_, err := db.writeConn.ExecContext(ctx,
		"INSERT OR IGNORE INTO TeamMember (team_id, username, joined_at) VALUES (?, ?, ?)",
		teamID, username, db.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to add %s to team %s: %w", username, teamID, err)
	}
	return nil
}

// RemoveTeamMember removes username from a team
func (db *DB) RemoveTeamMember(ctx context.Context, teamID, username string) error {
	_, err := db.writeConn.ExecContext(ctx,
		"DELETE FROM TeamMember WHERE team_id = ? AND username = ?", teamID, username)
	return err
}

// GetTeamMembers returns the usernames in a team, sorted
func (db *DB) GetTeamMembers(ctx context.Context, teamID string) ([]string, error) {
	if !db.teamExists(ctx, teamID) {
		return nil, ErrTeamNotFound
	}
	rows, err := db.conn.QueryContext(ctx,
		"SELECT username FROM TeamMember WHERE team_id = ? ORDER BY username", teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		members = append(members, u)
	}
	return members, rows.Err()
}

func (db *DB) teamExists(ctx context.Context, teamID string) bool {
	var one int
	err := db.conn.QueryRowContext(ctx, "SELECT 1 FROM Team WHERE id = ?", teamID).Scan(&one)
	return err == nil
}

// ValidateAndApplyExpenseChange validates change and applies it in one
// transaction. Only CREATE, UPDATE and DELETE are accepted.
func (db *DB) ValidateAndApplyExpenseChange(ctx context.Context, change ExpenseChange) (*ExpenseResult, error) {
	if strings.TrimSpace(change.Actor) == "" {
		return nil, fmt.Errorf("%w: missing actor", ErrInvalidExpense)
	}

	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exp, prev *Expense
	switch change.Action {
	case protocol.ActionCreate:
		exp, err = db.createExpense(ctx, tx, change)
	case protocol.ActionUpdate:
		exp, prev, err = db.updateExpense(ctx, tx, change)
	case protocol.ActionDelete:
		exp, err = db.deleteExpense(ctx, tx, change)
	default:
		err = fmt.Errorf("%w: unsupported action %q", ErrInvalidExpense, change.Action)
	}
	if err != nil {
		return nil, err
	}

	result := &ExpenseResult{Expense: exp}
	if exp.TeamID != "" && change.Action != protocol.ActionDelete {
		alert, err := db.checkBudget(ctx, tx, exp, prev)
		if err != nil {
			return nil, err
		}
		result.Alert = alert
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit expense change: %w", err)
	}
	return result, nil
}

// Payload limits. A stored expense plus its extra fields must always encode
// into one outbound frame, even when every character needs a \uXXXX escape.
const (
	MaxTitleLen       = 200
	MaxCategoryLen    = 64
	MaxStatusLen      = 32
	MaxDescriptionLen = 4096
	MaxFieldsBytes    = 8192

	// MaxAmount keeps amounts exact in cents and far from int64 overflow
	MaxAmount = 1_000_000_000_000
)

func validatePayload(p protocol.ExpensePayload) error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidExpense)
	}
	if math.IsNaN(p.Amount) || math.IsInf(p.Amount, 0) || p.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidExpense)
	}
	if p.Amount > MaxAmount {
		return fmt.Errorf("%w: amount exceeds %d", ErrInvalidExpense, int64(MaxAmount))
	}
	if strings.TrimSpace(p.Category) == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidExpense)
	}
	switch {
	case len(p.Title) > MaxTitleLen:
		return fmt.Errorf("%w: title longer than %d bytes", ErrInvalidExpense, MaxTitleLen)
	case len(p.Category) > MaxCategoryLen:
		return fmt.Errorf("%w: category longer than %d bytes", ErrInvalidExpense, MaxCategoryLen)
	case len(p.Status) > MaxStatusLen:
		return fmt.Errorf("%w: status longer than %d bytes", ErrInvalidExpense, MaxStatusLen)
	case len(p.Description) > MaxDescriptionLen:
		return fmt.Errorf("%w: description longer than %d bytes", ErrInvalidExpense, MaxDescriptionLen)
	}
	return validateFields(p.Fields)
}

// validateFields bounds the encoded size of the free-form extras echoed into
// the domain event
func validateFields(fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return fmt.Errorf("%w: fields: %v", ErrInvalidExpense, err)
	}
	if buf.Len() > MaxFieldsBytes {
		return fmt.Errorf("%w: fields larger than %d bytes", ErrInvalidExpense, MaxFieldsBytes)
	}
	return nil
}

func (db *DB) requireMembership(ctx context.Context, tx *sql.Tx, teamID, actor string) error {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM Team WHERE id = ?", teamID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTeamNotFound
	}
	if err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM TeamMember WHERE team_id = ? AND username = ?", teamID, actor).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotTeamMember
	}
	return err
}

func (db *DB) createExpense(ctx context.Context, tx *sql.Tx, change ExpenseChange) (*Expense, error) {
	p := change.Payload
	if err := validatePayload(p); err != nil {
		return nil, err
	}
	if p.TeamID != "" {
		if err := db.requireMembership(ctx, tx, p.TeamID, change.Actor); err != nil {
			return nil, err
		}
	}

	now := db.now().UTC()
	status := p.Status
	if status == "" {
		status = "PENDING"
	}
	id := db.ids.NextID()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO Expense (id, owner, team_id, title, amount_cents, category, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, change.Actor, nullString(p.TeamID), p.Title, toCents(p.Amount), p.Category, p.Description, status,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert expense: %w", err)
	}

	return &Expense{
		ID:          strconv.FormatInt(id, 10),
		Owner:       change.Actor,
		TeamID:      p.TeamID,
		Title:       p.Title,
		Amount:      fromCents(toCents(p.Amount)),
		Category:    p.Category,
		Description: p.Description,
		Status:      status,
		CreatedAt:   time.UnixMilli(now.UnixMilli()).UTC(),
		UpdatedAt:   time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

func (db *DB) loadOwned(ctx context.Context, tx *sql.Tx, rawID, actor string) (*Expense, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad id %q", ErrInvalidExpense, rawID)
	}
	exp, err := scanExpense(tx.QueryRowContext(ctx, expenseColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExpenseNotFound
	}
	if err != nil {
		return nil, err
	}
	if exp.Owner != actor {
		return nil, ErrNotOwner
	}
	return exp, nil
}

// updateExpense returns the updated expense and a copy of it as it was
// before the change.
func (db *DB) updateExpense(ctx context.Context, tx *sql.Tx, change ExpenseChange) (*Expense, *Expense, error) {
	p := change.Payload
	if err := validatePayload(p); err != nil {
		return nil, nil, err
	}
	exp, err := db.loadOwned(ctx, tx, p.ID, change.Actor)
	if err != nil {
		return nil, nil, err
	}
	prev := *exp
	if p.TeamID != "" && p.TeamID != exp.TeamID {
		if err := db.requireMembership(ctx, tx, p.TeamID, change.Actor); err != nil {
			return nil, nil, err
		}
		exp.TeamID = p.TeamID
	}

	exp.Title = p.Title
	exp.Amount = fromCents(toCents(p.Amount))
	exp.Category = p.Category
	exp.Description = p.Description
	if p.Status != "" {
		exp.Status = p.Status
	}
	exp.UpdatedAt = time.UnixMilli(db.now().UnixMilli()).UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE Expense SET team_id = ?, title = ?, amount_cents = ?, category = ?, description = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		nullString(exp.TeamID), exp.Title, toCents(exp.Amount), exp.Category, exp.Description, exp.Status,
		exp.UpdatedAt.UnixMilli(), exp.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update expense: %w", err)
	}
	return exp, &prev, nil
}

func (db *DB) deleteExpense(ctx context.Context, tx *sql.Tx, change ExpenseChange) (*Expense, error) {
	if err := validateFields(change.Payload.Fields); err != nil {
		return nil, err
	}
	exp, err := db.loadOwned(ctx, tx, change.Payload.ID, change.Actor)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM Expense WHERE id = ?", exp.ID); err != nil {
		return nil, fmt.Errorf("failed to delete expense: %w", err)
	}
	return exp, nil
}

// checkBudget reports an alert when the change to exp moved its team's
// spend for the current calendar month from within budget to over it. prev
// is the expense before an update, nil for a create.
func (db *DB) checkBudget(ctx context.Context, tx *sql.Tx, exp, prev *Expense) (*BudgetAlert, error) {
	teamID := exp.TeamID
	var (
		name        string
		budgetCents int64
	)
	err := tx.QueryRowContext(ctx, "SELECT name, monthly_budget_cents FROM Team WHERE id = ?", teamID).
		Scan(&name, &budgetCents)
	if err != nil {
		return nil, fmt.Errorf("failed to load team budget: %w", err)
	}
	if budgetCents <= 0 {
		return nil, nil
	}

	now := db.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	var spent int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount_cents), 0) FROM Expense WHERE team_id = ? AND created_at >= ?",
		teamID, monthStart).Scan(&spent)
	if err != nil {
		return nil, fmt.Errorf("failed to sum team spend: %w", err)
	}

	before := spent - monthlyShare(exp, teamID, monthStart) + monthlyShare(prev, teamID, monthStart)
	if spent <= budgetCents || before > budgetCents {
		return nil, nil
	}
	return &BudgetAlert{
		TeamID:   teamID,
		TeamName: name,
		Spent:    fromCents(spent),
		Budget:   fromCents(budgetCents),
	}, nil
}

// monthlyShare is what e contributes to teamID's spend since monthStart
func monthlyShare(e *Expense, teamID string, monthStart int64) int64 {
	if e == nil || e.TeamID != teamID || e.CreatedAt.UnixMilli() < monthStart {
		return 0
	}
	return toCents(e.Amount)
}

// GetExpense returns one expense by ID
func (db *DB) GetExpense(ctx context.Context, id string) (*Expense, error) {
	exp, err := scanExpense(db.conn.QueryRowContext(ctx, expenseColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExpenseNotFound
	}
	return exp, err
}

const expenseColumns = `SELECT id, owner, COALESCE(team_id, ''), title, amount_cents, category, description, status,
	created_at, updated_at FROM Expense`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpense(row rowScanner) (*Expense, error) {
	var (
		e                  Expense
		id, cents          int64
		created, updatedMs int64
	)
	if err := row.Scan(&id, &e.Owner, &e.TeamID, &e.Title, &cents, &e.Category, &e.Description, &e.Status,
		&created, &updatedMs); err != nil {
		return nil, err
	}
	e.ID = strconv.FormatInt(id, 10)
	e.Amount = fromCents(cents)
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &e, nil
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromCents(cents int64) float64 {
	return float64(cents) / 100
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

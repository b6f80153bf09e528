package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrPlanNotFound is returned when a plan does not exist.
var ErrPlanNotFound = errors.New("plan not found")

// ErrPriceNotFound is returned when a price does not exist.
var ErrPriceNotFound = errors.New("price not found")

// ErrPlanNameTaken is returned when the plan name is already in use.
var ErrPlanNameTaken = errors.New("plan name already in use")

// ErrMeteredUnitRequired is returned for metered prices without a unit name.
var ErrMeteredUnitRequired = errors.New("metered prices require a metered_unit")

// ErrDuplicateActivePrice means the plan already sells an active price for
// that currency and interval.
var ErrDuplicateActivePrice = errors.New("plan already has an active price for this currency and interval")

// Service defines catalog operations
type Service interface {
	CreatePlan(ctx context.Context, req *CreatePlanRequest) (*Plan, error)
	GetPlan(ctx context.Context, id string) (*Plan, error)
	UpdatePlan(ctx context.Context, id string, req *UpdatePlanRequest) (*Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]*Plan, error)

	CreatePrice(ctx context.Context, req *CreatePriceRequest) (*Price, error)
	GetPrice(ctx context.Context, id string) (*Price, error)
	ListPrices(ctx context.Context, planID string) ([]*Price, error)
	DeactivatePrice(ctx context.Context, id string) error
}

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

func newPlanID() string {
	return "plan_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func newPriceID() string {
	return "price_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// CreatePlan creates a plan
func (s *PostgresService) CreatePlan(ctx context.Context, req *CreatePlanRequest) (*Plan, error) {
	plan := &Plan{
		ID:          newPlanID(),
		Name:        req.Name,
		Description: req.Description,
		Active:      true,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO plans (id, name, description)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		plan.ID, plan.Name, plan.Description,
	).Scan(&plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrPlanNameTaken
		}
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}

	return plan, nil
}

// GetPlan retrieves a plan by ID
func (s *PostgresService) GetPlan(ctx context.Context, id string) (*Plan, error) {
	plan := &Plan{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, active, created_at, updated_at
		FROM plans
		WHERE id = $1`,
		id,
	).Scan(&plan.ID, &plan.Name, &plan.Description, &plan.Active, &plan.CreatedAt, &plan.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	return plan, nil
}

// UpdatePlan updates plan display fields
func (s *PostgresService) UpdatePlan(ctx context.Context, id string, req *UpdatePlanRequest) (*Plan, error) {
	setClauses := []string{"updated_at = NOW()"}
	args := []interface{}{}
	argN := 1

	addSet := func(column string, value interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argN))
		args = append(args, value)
		argN++
	}

	if req.Name != nil {
		addSet("name", *req.Name)
	}
	if req.Description != nil {
		addSet("description", *req.Description)
	}
	if req.Active != nil {
		addSet("active", *req.Active)
	}

	query := fmt.Sprintf(`UPDATE plans SET %s WHERE id = $%d`,
		strings.Join(setClauses, ", "), argN)
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrPlanNameTaken
		}
		return nil, fmt.Errorf("failed to update plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check update: %w", err)
	}
	if rows == 0 {
		return nil, ErrPlanNotFound
	}

	return s.GetPlan(ctx, id)
}

// ListPlans lists plans, newest first
func (s *PostgresService) ListPlans(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	query := `
		SELECT id, name, description, active, created_at, updated_at
		FROM plans`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		plan := &Plan{}
		if err := rows.Scan(&plan.ID, &plan.Name, &plan.Description, &plan.Active,
			&plan.CreatedAt, &plan.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}

	return plans, rows.Err()
}

// CreatePrice creates an immutable price for a plan
func (s *PostgresService) CreatePrice(ctx context.Context, req *CreatePriceRequest) (*Price, error) {
	usageType := req.UsageType
	if usageType == "" {
		usageType = UsageTypeLicensed
	}
	if usageType == UsageTypeMetered && req.MeteredUnit == "" {
		return nil, ErrMeteredUnitRequired
	}

	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = "usd"
	}

	if _, err := s.GetPlan(ctx, req.PlanID); err != nil {
		return nil, err
	}

	price := &Price{
		ID:              newPriceID(),
		PlanID:          req.PlanID,
		Currency:        currency,
		UnitAmountCents: req.UnitAmountCents,
		Interval:        req.Interval,
		UsageType:       usageType,
		MeteredUnit:     req.MeteredUnit,
		IncludedUnits:   req.IncludedUnits,
		OverageCents:    req.OverageCents,
		Active:          true,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO prices (id, plan_id, currency, unit_amount_cents, billing_interval,
			usage_type, metered_unit, included_units, overage_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		price.ID, price.PlanID, price.Currency, price.UnitAmountCents, price.Interval,
		price.UsageType, price.MeteredUnit, price.IncludedUnits, price.OverageCents,
	).Scan(&price.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateActivePrice
		}
		return nil, fmt.Errorf("failed to create price: %w", err)
	}

	return price, nil
}

// GetPrice retrieves a price by ID
func (s *PostgresService) GetPrice(ctx context.Context, id string) (*Price, error) {
	price := &Price{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, currency, unit_amount_cents, billing_interval,
			usage_type, metered_unit, included_units, overage_cents, active, created_at
		FROM prices
		WHERE id = $1`,
		id,
	).Scan(&price.ID, &price.PlanID, &price.Currency, &price.UnitAmountCents, &price.Interval,
		&price.UsageType, &price.MeteredUnit, &price.IncludedUnits, &price.OverageCents,
		&price.Active, &price.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPriceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price: %w", err)
	}

	return price, nil
}

// ListPrices lists prices for a plan, newest first
func (s *PostgresService) ListPrices(ctx context.Context, planID string) ([]*Price, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, currency, unit_amount_cents, billing_interval,
			usage_type, metered_unit, included_units, overage_cents, active, created_at
		FROM prices
		WHERE plan_id = $1
		ORDER BY created_at DESC`,
		planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list prices: %w", err)
	}
	defer rows.Close()

	var prices []*Price
	for rows.Next() {
		price := &Price{}
		if err := rows.Scan(&price.ID, &price.PlanID, &price.Currency, &price.UnitAmountCents,
			&price.Interval, &price.UsageType, &price.MeteredUnit, &price.IncludedUnits,
			&price.OverageCents, &price.Active, &price.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		prices = append(prices, price)
	}

	return prices, rows.Err()
}

// DeactivatePrice marks a price inactive. Existing subscriptions keep it;
// it can no longer be sold.
func (s *PostgresService) DeactivatePrice(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE prices SET active = FALSE WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to deactivate price: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check deactivation: %w", err)
	}
	if rows == 0 {
		return ErrPriceNotFound
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/jano/models"
	"github.com/upb/jano/repositories"
	"go.uber.org/zap"
)

// ErrRuleNotFound is returned when the requested rule does not exist.
var ErrRuleNotFound = errors.New("rule not found")

// RuleRepository implements the repositories.RuleRepository interface
type RuleRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *DB, logger *zap.Logger) repositories.RuleRepository {
	return &RuleRepository{
		db:     db,
		logger: logger,
	}
}

const ruleColumns = `id, code, type, config, severity, priority, active, applies_to_roles, applies_to_endpoints, created_at, updated_at`

// Create creates a new rule
func (r *RuleRepository) Create(ctx context.Context, rule *models.Rule) error {
	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		rule.ID,
		rule.Code,
		rule.Type,
		rule.Config,
		rule.Severity,
		rule.Priority,
		rule.Active,
		pq.Array(rule.AppliesToRoles),
		pq.Array(rule.AppliesToEndpoints),
		rule.CreatedAt,
		rule.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	r.logger.Debug("rule created",
		zap.String("id", rule.ID.String()),
		zap.String("code", rule.Code))
	return nil
}

// GetByID retrieves a rule by ID
func (r *RuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = $1`
	return r.scanRule(r.db.QueryRowContext(ctx, query, id))
}

// GetByCode retrieves a rule by its unique code
func (r *RuleRepository) GetByCode(ctx context.Context, code string) (*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE code = $1`
	return r.scanRule(r.db.QueryRowContext(ctx, query, code))
}

// List retrieves the full rule set, active and inactive, in deterministic order
func (r *RuleRepository) List(ctx context.Context) ([]*models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules ORDER BY priority ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.Rule
	for rows.Next() {
		rule := &models.Rule{}
		err := rows.Scan(
			&rule.ID,
			&rule.Code,
			&rule.Type,
			&rule.Config,
			&rule.Severity,
			&rule.Priority,
			&rule.Active,
			pq.Array(&rule.AppliesToRoles),
			pq.Array(&rule.AppliesToEndpoints),
			&rule.CreatedAt,
			&rule.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule rows: %w", err)
	}

	return rules, nil
}

// Update updates a rule
func (r *RuleRepository) Update(ctx context.Context, rule *models.Rule) error {
	query := `
		UPDATE rules
		SET code = $2,
		    type = $3,
		    config = $4,
		    severity = $5,
		    priority = $6,
		    active = $7,
		    applies_to_roles = $8,
		    applies_to_endpoints = $9,
		    updated_at = $10
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		rule.ID,
		rule.Code,
		rule.Type,
		rule.Config,
		rule.Severity,
		rule.Priority,
		rule.Active,
		pq.Array(rule.AppliesToRoles),
		pq.Array(rule.AppliesToEndpoints),
		rule.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}

	r.logger.Debug("rule updated",
		zap.String("id", rule.ID.String()),
		zap.String("code", rule.Code))
	return nil
}

// Delete deletes a rule
func (r *RuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM rules WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	r.logger.Debug("rule deleted", zap.String("id", id.String()))
	return nil
}

// Version returns an opaque marker that changes whenever the rule set changes
func (r *RuleRepository) Version(ctx context.Context) (string, error) {
	query := `SELECT COUNT(*), COALESCE(MAX(updated_at)::text, '') FROM rules`

	var count int
	var maxUpdated string
	if err := r.db.QueryRowContext(ctx, query).Scan(&count, &maxUpdated); err != nil {
		return "", fmt.Errorf("failed to query rule version: %w", err)
	}

	return fmt.Sprintf("%d:%s", count, maxUpdated), nil
}

func (r *RuleRepository) scanRule(row *sql.Row) (*models.Rule, error) {
	rule := &models.Rule{}
	err := row.Scan(
		&rule.ID,
		&rule.Code,
		&rule.Type,
		&rule.Config,
		&rule.Severity,
		&rule.Priority,
		&rule.Active,
		pq.Array(&rule.AppliesToRoles),
		pq.Array(&rule.AppliesToEndpoints),
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

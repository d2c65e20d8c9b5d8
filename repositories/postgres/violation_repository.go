package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/jano/models"
	"github.com/upb/jano/repositories"
	"go.uber.org/zap"
)

// ErrViolationNotFound is returned when the requested violation does not exist.
var ErrViolationNotFound = errors.New("violation not found")

// ViolationRepository implements the repositories.ViolationRepository interface.
// The violations table is append-only: there are no update or delete paths.
type ViolationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewViolationRepository creates a new violation repository
func NewViolationRepository(db *DB, logger *zap.Logger) repositories.ViolationRepository {
	return &ViolationRepository{
		db:     db,
		logger: logger,
	}
}

const violationColumns = `id, rule_id, user_id, endpoint, method, ip_address, user_agent, reason, severity, blocked, occurred_at`

// Insert appends a violation record
func (r *ViolationRepository) Insert(ctx context.Context, v *models.Violation) error {
	query := `
		INSERT INTO violations (` + violationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		v.ID,
		v.RuleID,
		v.UserID,
		v.Endpoint,
		v.Method,
		v.IPAddress,
		v.UserAgent,
		v.Reason,
		v.Severity,
		v.Blocked,
		v.OccurredAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}

	return nil
}

// GetByID retrieves a violation by ID
func (r *ViolationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Violation, error) {
	query := `SELECT ` + violationColumns + ` FROM violations WHERE id = $1`

	v := &models.Violation{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&v.ID,
		&v.RuleID,
		&v.UserID,
		&v.Endpoint,
		&v.Method,
		&v.IPAddress,
		&v.UserAgent,
		&v.Reason,
		&v.Severity,
		&v.Blocked,
		&v.OccurredAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrViolationNotFound
		}
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}

	return v, nil
}

// List retrieves violations newest-first with pagination
func (r *ViolationRepository) List(ctx context.Context, limit, offset int) ([]*models.Violation, error) {
	query := `
		SELECT ` + violationColumns + `
		FROM violations
		ORDER BY occurred_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var violations []*models.Violation
	for rows.Next() {
		v := &models.Violation{}
		err := rows.Scan(
			&v.ID,
			&v.RuleID,
			&v.UserID,
			&v.Endpoint,
			&v.Method,
			&v.IPAddress,
			&v.UserAgent,
			&v.Reason,
			&v.Severity,
			&v.Blocked,
			&v.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		violations = append(violations, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating violation rows: %w", err)
	}

	return violations, nil
}

// CountSince counts violations for a user since the given time
func (r *ViolationRepository) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM violations WHERE user_id = $1 AND occurred_at >= $2`

	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}

	return count, nil
}

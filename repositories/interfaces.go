package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/jano/models"
)

// RuleRepository handles rule data operations. The pipeline reads rules only
// through snapshots built from List; the mutating methods back the
// administrative API.
type RuleRepository interface {
	// Create creates a new rule
	Create(ctx context.Context, rule *models.Rule) error

	// GetByID retrieves a rule by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Rule, error)

	// GetByCode retrieves a rule by its unique code
	GetByCode(ctx context.Context, code string) (*models.Rule, error)

	// List retrieves the full rule set, active and inactive.
	// Snapshot refreshes always load the full set; partial refreshes would
	// let readers observe inconsistent rule sets mid-evaluation.
	List(ctx context.Context) ([]*models.Rule, error)

	// Update updates a rule
	Update(ctx context.Context, rule *models.Rule) error

	// Delete deletes a rule
	Delete(ctx context.Context, id uuid.UUID) error

	// Version returns an opaque marker that changes whenever the rule set
	// changes, usable for cache-refresh decisions.
	Version(ctx context.Context) (string, error)
}

// ViolationRepository handles the append-only violation log.
type ViolationRepository interface {
	// Insert appends a violation record
	Insert(ctx context.Context, v *models.Violation) error

	// GetByID retrieves a violation by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Violation, error)

	// List retrieves violations newest-first with pagination
	List(ctx context.Context, limit, offset int) ([]*models.Violation, error)

	// CountSince counts violations for a user since the given time,
	// used by escalation logic.
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
}

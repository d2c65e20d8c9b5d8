package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/jano/models"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return &DB{DB: raw, logger: zap.NewNop()}, mock
}

func ruleRows(rules ...*models.Rule) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "code", "type", "config", "severity", "priority", "active",
		"applies_to_roles", "applies_to_endpoints", "created_at", "updated_at",
	})
	for _, r := range rules {
		rows.AddRow(r.ID, r.Code, r.Type, []byte(r.Config), r.Severity, r.Priority, r.Active,
			pq.Array(r.AppliesToRoles), pq.Array(r.AppliesToEndpoints), r.CreatedAt, r.UpdatedAt)
	}
	return rows
}

func sampleRule() *models.Rule {
	r := models.NewRule("rl-tasks", models.RuleTypeRateLimit,
		json.RawMessage(`{"limit":100,"window":60}`), models.SeverityMedium, 10)
	r.AppliesToEndpoints = []string{"/api/tasks*"}
	return r
}

func TestRuleRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRuleRepository(db, zap.NewNop())
	rule := sampleRule()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rules")).
		WithArgs(rule.ID, rule.Code, rule.Type, rule.Config, rule.Severity, rule.Priority,
			rule.Active, pq.Array(rule.AppliesToRoles), pq.Array(rule.AppliesToEndpoints),
			rule.CreatedAt, rule.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), rule))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRuleRepository(db, zap.NewNop())
	rule := sampleRule()

	mock.ExpectQuery(regexp.QuoteMeta("FROM rules WHERE id = $1")).
		WithArgs(rule.ID).
		WillReturnRows(ruleRows(rule))

	got, err := repo.GetByID(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Code, got.Code)
	assert.Equal(t, []string{"/api/tasks*"}, got.AppliesToEndpoints)
}

func TestRuleRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRuleRepository(db, zap.NewNop())
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM rules WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(ruleRows())

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestRuleRepository_List_DeterministicOrder(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRuleRepository(db, zap.NewNop())

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY priority ASC, id ASC")).
		WillReturnRows(ruleRows(sampleRule(), sampleRule()))

	rules, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepository_Update_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRuleRepository(db, zap.NewNop())
	rule := sampleRule()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE rules")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), rule)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestRuleRepository_Delete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRuleRepository(db, zap.NewNop())
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rules WHERE id = $1")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delete(context.Background(), id))
}

func TestRuleRepository_Version(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRuleRepository(db, zap.NewNop())

	now := time.Now().UTC().Format(time.RFC3339)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*), COALESCE(MAX(updated_at)::text, '') FROM rules")).
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(3, now))

	version, err := repo.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3:"+now, version)
}

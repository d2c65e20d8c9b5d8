package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/jano/models"
	"github.com/upb/jano/violations"
	"go.uber.org/zap"
)

// MockViolationRepository is a mock implementation of repositories.ViolationRepository
type MockViolationRepository struct {
	mock.Mock
}

func (m *MockViolationRepository) Insert(ctx context.Context, v *models.Violation) error {
	args := m.Called(ctx, v)
	return args.Error(0)
}

func (m *MockViolationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Violation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Violation), args.Error(1)
}

func (m *MockViolationRepository) List(ctx context.Context, limit, offset int) ([]*models.Violation, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Violation), args.Error(1)
}

func (m *MockViolationRepository) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	args := m.Called(ctx, userID, since)
	return args.Int(0), args.Error(1)
}

func newViolationHandler(t *testing.T) (*ViolationHandler, *MockViolationRepository) {
	t.Helper()
	repo := new(MockViolationRepository)
	sink := violations.NewSink(repo, violations.Config{}, zap.NewNop())
	t.Cleanup(sink.Close)
	return NewViolationHandler(repo, sink, zap.NewNop()), repo
}

// decodeStats unwraps the {"data": ...} envelope WriteOK produces.
func decodeStats(t *testing.T, rec *httptest.ResponseRecorder) statsResponse {
	t.Helper()
	var envelope struct {
		Data statsResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func TestViolationStats(t *testing.T) {
	t.Run("sink counters only", func(t *testing.T) {
		h, repo := newViolationHandler(t)

		rec := httptest.NewRecorder()
		h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/violations/stats", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeStats(t, rec)
		assert.Nil(t, resp.User)
		repo.AssertNotCalled(t, "CountSince", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("per-user recent count", func(t *testing.T) {
		h, repo := newViolationHandler(t)
		repo.On("CountSince", mock.Anything, "user-123", mock.MatchedBy(func(since time.Time) bool {
			return time.Since(since) > 23*time.Hour && time.Since(since) < 25*time.Hour
		})).Return(7, nil)

		rec := httptest.NewRecorder()
		h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/violations/stats?user_id=user-123", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeStats(t, rec)
		require.NotNil(t, resp.User)
		assert.Equal(t, "user-123", resp.User.UserID)
		assert.Equal(t, 24, resp.User.WindowHours)
		assert.Equal(t, 7, resp.User.RecentCount)
	})

	t.Run("custom window", func(t *testing.T) {
		h, repo := newViolationHandler(t)
		repo.On("CountSince", mock.Anything, "user-123", mock.Anything).Return(2, nil)

		rec := httptest.NewRecorder()
		h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/violations/stats?user_id=user-123&hours=1", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeStats(t, rec)
		require.NotNil(t, resp.User)
		assert.Equal(t, 1, resp.User.WindowHours)
		assert.Equal(t, 2, resp.User.RecentCount)
	})

	t.Run("count failure", func(t *testing.T) {
		h, repo := newViolationHandler(t)
		repo.On("CountSince", mock.Anything, "user-123", mock.Anything).
			Return(0, errors.New("connection refused"))

		rec := httptest.NewRecorder()
		h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/violations/stats?user_id=user-123", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestViolationList_ClampsLimit(t *testing.T) {
	h, repo := newViolationHandler(t)
	repo.On("List", mock.Anything, defaultViolationLimit, 0).
		Return([]*models.Violation{}, nil)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/violations?limit=9999", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	repo.AssertExpectations(t)
}

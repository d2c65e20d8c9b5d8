package rules

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/upb/jano/models"
	"github.com/upb/jano/repositories"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNoSnapshot is returned when no rule snapshot has ever been loaded and
// the backing store is unreachable. Callers must deny in that case.
var ErrNoSnapshot = errors.New("no rule snapshot available")

// Snapshot is an immutable view of the full rule set. Once published it is
// never mutated; a refresh builds a new snapshot and swaps the pointer.
type Snapshot struct {
	Rules    []*models.Rule
	Version  string
	LoadedAt time.Time

	byType map[models.RuleType][]*models.Rule
}

// ByType returns the snapshot's rules of the given type in load order
// (priority ascending, id ascending).
func (s *Snapshot) ByType(t models.RuleType) []*models.Rule {
	return s.byType[t]
}

// Len returns the number of rules in the snapshot, active and inactive.
func (s *Snapshot) Len() int {
	return len(s.Rules)
}

// Store serves immutable rule snapshots backed by the rule repository.
// Reads never block on a refresh: a stale snapshot is served while a
// background refresh runs, and only one refresh is ever in flight.
type Store struct {
	repo            repositories.RuleRepository
	logger          *zap.Logger
	refreshInterval time.Duration

	current atomic.Pointer[Snapshot]
	stale   atomic.Bool
	group   singleflight.Group
}

// NewStore creates a rule store. Call Refresh once at startup to warm it;
// until the first successful refresh every Snapshot call fails closed.
func NewStore(repo repositories.RuleRepository, refreshInterval time.Duration, logger *zap.Logger) *Store {
	if refreshInterval == 0 {
		refreshInterval = 10 * time.Minute
	}
	return &Store{
		repo:            repo,
		logger:          logger,
		refreshInterval: refreshInterval,
	}
}

// Snapshot returns the current rule snapshot, refreshing it first when it is
// stale or missing. When a refresh fails but an earlier snapshot exists, the
// stale snapshot is served; with no snapshot at all the error propagates and
// the caller denies.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := s.current.Load()
	if snap != nil && !s.stale.Load() && time.Since(snap.LoadedAt) < s.refreshInterval {
		return snap, nil
	}

	if err := s.Refresh(ctx); err != nil {
		if snap != nil {
			s.logger.Warn("rule refresh failed, serving previous snapshot",
				zap.String("version", snap.Version),
				zap.Error(err))
			return snap, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrNoSnapshot, err)
	}

	return s.current.Load(), nil
}

// Refresh reloads the full rule set and atomically swaps the snapshot.
// Concurrent callers share a single underlying load.
func (s *Store) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		version, err := s.repo.Version(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule version: %w", err)
		}

		// Unchanged version with a live snapshot: republish with a fresh
		// load time instead of reloading. Snapshots are immutable once
		// published, so the timestamp bump swaps in a shallow copy.
		if snap := s.current.Load(); snap != nil && snap.Version == version && !s.stale.Load() {
			bumped := *snap
			bumped.LoadedAt = time.Now()
			s.current.Store(&bumped)
			return nil, nil
		}

		loaded, err := s.repo.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules: %w", err)
		}

		snap := buildSnapshot(loaded, version)
		s.current.Store(snap)
		s.stale.Store(false)

		s.logger.Info("rule snapshot refreshed",
			zap.Int("rules", len(loaded)),
			zap.String("version", version))
		return nil, nil
	})
	return err
}

// Invalidate marks the current snapshot stale so the next Snapshot call
// refreshes. Used by the administrative API after rule mutations.
func (s *Store) Invalidate() {
	s.stale.Store(true)
}

// StartRefreshWorker refreshes the snapshot periodically until stopCh closes.
func (s *Store) StartRefreshWorker(stopCh <-chan struct{}) {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error("periodic rule refresh failed", zap.Error(err))
			}
			cancel()
		case <-stopCh:
			return
		}
	}
}

func buildSnapshot(loaded []*models.Rule, version string) *Snapshot {
	byType := make(map[models.RuleType][]*models.Rule)
	for _, r := range loaded {
		byType[r.Type] = append(byType[r.Type], r)
	}
	return &Snapshot{
		Rules:    loaded,
		Version:  version,
		LoadedAt: time.Now(),
		byType:   byType,
	}
}

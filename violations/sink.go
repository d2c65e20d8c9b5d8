package violations

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/jano/models"
	"github.com/upb/jano/repositories"
	"go.uber.org/zap"
)

// ErrSinkFull is returned when the buffer is saturated. The violation is
// still logged locally so the record is never silently lost.
var ErrSinkFull = errors.New("violation sink buffer full")

// ErrSinkClosed is returned when recording after Close.
var ErrSinkClosed = errors.New("violation sink closed")

// Sink persists violations asynchronously through a bounded worker pool.
// Record never blocks the caller: the verdict a violation belongs to has
// already been decided, and audit persistence must not delay or change it.
type Sink struct {
	repo         repositories.ViolationRepository
	logger       *zap.Logger
	buffer       chan *models.Violation
	workers      int
	writeTimeout time.Duration

	wg sync.WaitGroup

	// mu makes the closed check and the channel send atomic with Close,
	// so a Record racing Close can never send on a closed channel.
	mu     sync.RWMutex
	closed bool

	enqueued uint64
	inserted uint64
	dropped  uint64
	failed   uint64
}

// Config holds sink configuration
type Config struct {
	BufferSize   int
	Workers      int
	WriteTimeout time.Duration
}

// NewSink creates a violation sink and starts its workers
func NewSink(repo repositories.ViolationRepository, cfg Config, logger *zap.Logger) *Sink {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1000
	}
	if cfg.Workers == 0 {
		cfg.Workers = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 2 * time.Second
	}

	s := &Sink{
		repo:         repo,
		logger:       logger,
		buffer:       make(chan *models.Violation, cfg.BufferSize),
		workers:      cfg.Workers,
		writeTimeout: cfg.WriteTimeout,
	}

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	logger.Info("violation sink started",
		zap.Int("workers", s.workers),
		zap.Int("buffer_size", cfg.BufferSize))

	return s
}

// Record enqueues a violation and returns its id immediately. On a full
// buffer the violation is written to the local log instead and ErrSinkFull
// is returned; callers treat that as non-fatal.
func (s *Sink) Record(v *models.Violation) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.logViolation("sink closed, violation logged locally", v)
		return v.ID, ErrSinkClosed
	}

	select {
	case s.buffer <- v:
		atomic.AddUint64(&s.enqueued, 1)
		return v.ID, nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.logViolation("sink buffer full, violation logged locally", v)
		return v.ID, ErrSinkFull
	}
}

func (s *Sink) worker(id int) {
	defer s.wg.Done()

	for v := range s.buffer {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		err := s.repo.Insert(ctx, v)
		cancel()

		if err != nil {
			atomic.AddUint64(&s.failed, 1)
			s.logger.Error("failed to persist violation",
				zap.Int("worker", id),
				zap.String("violation_id", v.ID.String()),
				zap.Error(err))
			s.logViolation("violation logged locally after insert failure", v)
			continue
		}
		atomic.AddUint64(&s.inserted, 1)
	}
}

// logViolation is the local fallback when persistence is impossible.
func (s *Sink) logViolation(msg string, v *models.Violation) {
	fields := []zap.Field{
		zap.String("violation_id", v.ID.String()),
		zap.String("endpoint", v.Endpoint),
		zap.String("method", v.Method),
		zap.String("ip_address", v.IPAddress),
		zap.String("reason", v.Reason),
		zap.String("severity", string(v.Severity)),
		zap.Bool("blocked", v.Blocked),
	}
	if v.UserID != nil {
		fields = append(fields, zap.String("user_id", *v.UserID))
	}
	s.logger.Warn(msg, fields...)
}

// Stats represents sink counters
type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Inserted uint64 `json:"inserted"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Pending  int    `json:"pending"`
}

// Stats returns a snapshot of the sink counters
func (s *Sink) Stats() Stats {
	return Stats{
		Enqueued: atomic.LoadUint64(&s.enqueued),
		Inserted: atomic.LoadUint64(&s.inserted),
		Dropped:  atomic.LoadUint64(&s.dropped),
		Failed:   atomic.LoadUint64(&s.failed),
		Pending:  len(s.buffer),
	}
}

// Close drains the buffer and stops the workers. Records racing or arriving
// after Close fall back to local logging with ErrSinkClosed.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.buffer)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("violation sink stopped",
		zap.Uint64("inserted", atomic.LoadUint64(&s.inserted)),
		zap.Uint64("dropped", atomic.LoadUint64(&s.dropped)))
}

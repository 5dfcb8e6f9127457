package repository

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/game"
)

// Archiver writes finished games to an Archive from a small worker pool,
// so the session actor that produced the record never waits on the
// database.
type Archiver struct {
	archive Archive
	jobs    chan game.ArchiveRecord
	workers int
	timeout time.Duration

	mu     sync.RWMutex
	closed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewArchiver creates an archiver with the given number of workers and
// job backlog.
func NewArchiver(archive Archive, workers, backlog int, logger *zap.Logger) *Archiver {
	if workers <= 0 {
		workers = 2
	}
	if backlog <= 0 {
		backlog = 64
	}

	return &Archiver{
		archive: archive,
		jobs:    make(chan game.ArchiveRecord, backlog),
		workers: workers,
		timeout: 10 * time.Second,
		logger:  logger,
	}
}

// Start launches the workers.
func (a *Archiver) Start() {
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.work()
	}

	a.logger.Info("archiver started", zap.Int("workers", a.workers))
}

// Enqueue hands a finished game to the pool. It never blocks; when the
// backlog is full the record is dropped with a warning, and the game can
// still be rebuilt from its live record.
func (a *Archiver) Enqueue(rec game.ArchiveRecord) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.logger.Warn("archiver stopped, dropping record",
			zap.String("game_id", rec.GameID))
		return
	}

	select {
	case a.jobs <- rec:
	default:
		a.logger.Warn("archive backlog full, dropping record",
			zap.String("game_id", rec.GameID))
	}
}

// Shutdown stops accepting work and waits for the backlog to drain, up
// to ctx's deadline.
func (a *Archiver) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.jobs)
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("archiver drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archiver) work() {
	defer a.wg.Done()

	for rec := range a.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.archive.Save(ctx, rec)
		cancel()

		if err != nil {
			a.logger.Error("archiving finished game failed",
				zap.String("game_id", rec.GameID),
				zap.Error(err))
			continue
		}

		a.logger.Debug("game archived", zap.String("game_id", rec.GameID))
	}
}

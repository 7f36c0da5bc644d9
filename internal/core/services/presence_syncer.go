package services

import (
	"context"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/pkg/batch"
	"castrelay/pkg/retry"

	"go.uber.org/zap"
)

// Republisher re-emits its whole state into the syncer.
type Republisher interface {
	Republish() int
}

type presenceUpdate struct {
	snapshot domain.RoomSnapshot
	purged   bool
}

// PresenceSyncer mirrors registry changes into a PresenceRepository in the
// background. Updates to the same room within one batch collapse to the last.
type PresenceSyncer struct {
	repo    ports.PresenceRepository
	batcher *batch.Batcher[presenceUpdate]
	retry   retry.Config
	timeout time.Duration
	logger  *zap.SugaredLogger
}

type PresenceSyncerConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Retry         retry.Config
}

func DefaultPresenceSyncerConfig() PresenceSyncerConfig {
	return PresenceSyncerConfig{
		BatchSize:     64,
		FlushInterval: 250 * time.Millisecond,
		WriteTimeout:  2 * time.Second,
		Retry:         retry.DefaultConfig(),
	}
}

func NewPresenceSyncer(repo ports.PresenceRepository, cfg PresenceSyncerConfig, logger *zap.SugaredLogger) *PresenceSyncer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	s := &PresenceSyncer{
		repo:    repo,
		retry:   cfg.Retry,
		timeout: cfg.WriteTimeout,
		logger:  logger,
	}
	s.batcher = batch.NewBatcher(cfg.BatchSize, cfg.FlushInterval, s.apply)
	s.batcher.OnError(func(err error) {
		s.logger.Warnw("presence sync failed", "error", err)
	})
	return s
}

func (s *PresenceSyncer) Publish(snapshot domain.RoomSnapshot, purged bool) {
	s.batcher.Add(presenceUpdate{snapshot: snapshot, purged: purged})
}

// Flush writes everything pending synchronously.
func (s *PresenceSyncer) Flush(ctx context.Context) error {
	return s.batcher.Flush(ctx)
}

// Run republishes every room of source each interval until ctx is done.
// Mirrored rooms expire unless rewritten, so interval must stay below the
// store's room TTL. It also repairs writes lost while the store was down.
func (s *PresenceSyncer) Run(ctx context.Context, source Republisher, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := source.Republish()
			s.logger.Debugw("presence resync", "rooms", n)
		}
	}
}

func (s *PresenceSyncer) Stop() {
	s.batcher.Stop()
}

func (s *PresenceSyncer) apply(ctx context.Context, updates []presenceUpdate) error {
	latest := make(map[domain.RoomID]presenceUpdate, len(updates))
	order := make([]domain.RoomID, 0, len(updates))
	for _, u := range updates {
		if _, seen := latest[u.snapshot.RoomID]; !seen {
			order = append(order, u.snapshot.RoomID)
		}
		latest[u.snapshot.RoomID] = u
	}

	var firstErr error
	for _, roomID := range order {
		u := latest[roomID]
		err := retry.Retry(ctx, s.retry, func() error {
			writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			if u.purged {
				return s.repo.DeleteRoom(writeCtx, roomID)
			}
			return s.repo.SaveRoom(writeCtx, u.snapshot)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if len(updates) > len(order) {
		s.logger.Debugw("presence updates coalesced", "received", len(updates), "written", len(order))
	}
	return firstErr
}

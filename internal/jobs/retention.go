// Package jobs hosts background maintenance work.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kindredco/kindred/internal/observability"
	"github.com/kindredco/kindred/internal/store"
)

const sweepBatchSize = 500

// RetentionConfig tunes the archival sweeper.
type RetentionConfig struct {
	// MaxIdle is the idle window after which a conversation is archived.
	MaxIdle time.Duration

	// Schedule is a cron expression. Defaults to @hourly.
	Schedule string
}

// RetentionSweeper archives conversations idle longer than the configured
// window. It only flips the archived flag; nothing is ever deleted.
type RetentionSweeper struct {
	conversations store.ConversationStore
	logger        *observability.Logger
	cfg           RetentionConfig
	cron          *cron.Cron
}

// NewRetentionSweeper wires a sweeper.
func NewRetentionSweeper(conversations store.ConversationStore, logger *observability.Logger, cfg RetentionConfig) *RetentionSweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	return &RetentionSweeper{
		conversations: conversations,
		logger:        logger,
		cfg:           cfg,
	}
}

// Start schedules the sweep and runs it until Stop.
func (s *RetentionSweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error(ctx, "retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info(ctx, "retention sweeper started", "schedule", s.cfg.Schedule, "max_idle", s.cfg.MaxIdle.String())
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *RetentionSweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep archives one batch of idle conversations. Individual failures are
// logged and skipped so one bad row cannot stall the batch.
func (s *RetentionSweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.MaxIdle)
	idle, err := s.conversations.ListIdle(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return err
	}

	archived := 0
	for _, conv := range idle {
		if err := s.conversations.SetArchived(ctx, conv.ID, conv.TenantID, true); err != nil {
			s.logger.Warn(ctx, "archiving idle conversation failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		archived++
	}
	if archived > 0 {
		s.logger.Info(ctx, "retention sweep archived conversations", "count", archived)
	}
	return nil
}

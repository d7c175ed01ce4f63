// Package sweeper removes the uploaded pages of failed submissions once
// they are older than a grace period.
package sweeper

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ddobak/contract-gateway/internal/connectors"
	"github.com/ddobak/contract-gateway/internal/store"
)

const defaultBatch = 50

type Options struct {
	Bucket string
	Grace  time.Duration
	Batch  int
}

type Sweeper struct {
	repo    store.Repository
	objects connectors.Store
	bucket  string
	grace   time.Duration
	batch   int
	logger  zerolog.Logger
	now     func() time.Time
	cron    *cron.Cron
}

func New(repo store.Repository, objects connectors.Store, opts Options, logger zerolog.Logger) *Sweeper {
	batch := opts.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Sweeper{
		repo:    repo,
		objects: objects,
		bucket:  opts.Bucket,
		grace:   opts.Grace,
		batch:   batch,
		logger:  logger.With().Str("component", "sweeper").Logger(),
		now:     time.Now,
	}
}

// Start runs the sweep on a cron schedule (standard five fields).
// Overlapping runs are skipped.
func (s *Sweeper) Start(schedule string) error {
	logger := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("cleanup sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info().Str("schedule", schedule).Dur("grace", s.grace).Msg("cleanup scheduled")
	return nil
}

// Stop halts the schedule; the returned context is done once a running sweep ends.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// RunOnce cleans one batch and returns the number of contracts cleaned.
// A contract is only marked cleaned when every one of its objects is gone.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)
	pending, err := s.repo.PendingCleanup(ctx, cutoff, s.batch)
	if err != nil {
		return 0, fmt.Errorf("list pending cleanup: %w", err)
	}
	cleaned := 0
	for _, rec := range pending {
		if err := s.clean(ctx, rec); err != nil {
			s.logger.Warn().
				Err(err).
				Str("contract_id", rec.ContractID).
				Msg("cleanup incomplete")
			continue
		}
		if err := s.repo.MarkCleaned(ctx, rec.ContractID); err != nil {
			return cleaned, fmt.Errorf("mark cleaned %s: %w", rec.ContractID, err)
		}
		cleaned++
		s.logger.Info().
			Str("contract_id", rec.ContractID).
			Str("failed_state", rec.FailedState).
			Msg("orphaned pages removed")
	}
	return cleaned, nil
}

func (s *Sweeper) clean(ctx context.Context, rec store.Record) error {
	keys, err := s.objectKeys(ctx, rec.StorageKeys)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.objects.Delete(ctx, s.bucket, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// objectKeys adds whatever else sits in the contract's directories to the
// recorded keys.
func (s *Sweeper) objectKeys(ctx context.Context, recorded []string) ([]string, error) {
	seen := make(map[string]struct{}, len(recorded))
	dirs := make(map[string]struct{})
	for _, key := range recorded {
		seen[key] = struct{}{}
		dirs[path.Dir(key)] = struct{}{}
	}
	for dir := range dirs {
		if dir == "." || dir == "/" {
			continue
		}
		listed, err := s.objects.List(ctx, s.bucket, dir+"/")
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, key := range listed {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

package sweep

import (
	"context"
	"time"

	"github.com/theobattaglia1/tiktok-trending-data/internal/engine"
	"github.com/theobattaglia1/tiktok-trending-data/internal/store"
	"github.com/theobattaglia1/tiktok-trending-data/pkg/logging"
)

// Sweeper periodically re-evaluates recently seen entities from stored
// history, so stages decay correctly between scrapes. Scrape gaps
// otherwise leave an entity frozen at its last classified stage.
type Sweeper struct {
	engine   *engine.Engine
	store    store.Store
	logger   logging.Logger
	interval time.Duration
	lookback time.Duration
	ticker   *time.Ticker
	stopChan chan bool
}

// NewSweeper creates a sweeper. Entities whose latest snapshot is
// older than lookback are left alone.
func NewSweeper(eng *engine.Engine, st store.Store, logger logging.Logger, interval, lookback time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Sweeper{
		engine:   eng,
		store:    st,
		logger:   logger,
		interval: interval,
		lookback: lookback,
		stopChan: make(chan bool),
	}
}

// Start begins the periodic sweep
func (s *Sweeper) Start() {
	s.logger.WithFields(logging.Fields{
		"interval": s.interval,
		"lookback": s.lookback,
	}).Info("Starting re-evaluation sweep")

	s.ticker = time.NewTicker(s.interval)
	go s.run()
}

// Stop stops the sweep
func (s *Sweeper) Stop() {
	s.logger.Info("Stopping re-evaluation sweep")
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopChan)
}

func (s *Sweeper) run() {
	for {
		select {
		case <-s.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if err := s.RunOnce(ctx, time.Now().UTC()); err != nil {
				s.logger.WithError(err).Error("Re-evaluation sweep failed")
			}
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// RunOnce re-evaluates every entity seen within the lookback. One
// entity's failure does not stop the sweep; the first error is
// reported after the pass completes.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) error {
	entities, err := s.store.ActiveEntities(ctx, now.Add(-s.lookback))
	if err != nil {
		return err
	}

	var firstErr error
	for _, entity := range entities {
		if err := s.engine.Reevaluate(ctx, entity, now); err != nil {
			s.logger.WithError(err).WithFields(logging.Fields{
				"entity": entity.String(),
			}).Error("Failed to re-evaluate entity")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.logger.WithFields(logging.Fields{
		"entities": len(entities),
	}).Info("Re-evaluation sweep complete")
	return firstErr
}

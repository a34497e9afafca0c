// Package service provides the data collection loop gluing the poller to
// the publishing and monitoring backends.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/M-Klemm/sofar2PVO/internal/api"
	"github.com/M-Klemm/sofar2PVO/internal/config"
	"github.com/M-Klemm/sofar2PVO/internal/domain"
	"github.com/M-Klemm/sofar2PVO/internal/inverter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PowerNoiseFloorW is the caller-side noise floor: below this total string
// power the energy counter may still hold yesterday's value (typical right
// after sunrise), so the reading is stored but not uploaded.
const PowerNoiseFloorW = 10

// Collector periodically polls the inverter and fans accepted readings out
// to MQTT, PVOutput and the status API.
type Collector struct {
	config     *config.Config
	poller     domain.RegisterPoller
	publisher  domain.MessagePublisher
	monitoring domain.MonitoringService
	store      *domain.ReadingStore
	apiServer  *api.Server
	done       chan struct{}
	logger     zerolog.Logger
}

// NewCollector creates a collector wired to the given backends.
func NewCollector(cfg *config.Config, poller domain.RegisterPoller,
	publisher domain.MessagePublisher, monitoring domain.MonitoringService) *Collector {
	store := domain.NewReadingStore()

	c := &Collector{
		config:     cfg,
		poller:     poller,
		publisher:  publisher,
		monitoring: monitoring,
		store:      store,
		done:       make(chan struct{}),
		logger:     log.With().Str("component", "collector").Logger(),
	}

	if cfg.API.Enabled {
		c.apiServer = api.NewServer(cfg, store)
	}

	return c
}

// Store exposes the reading store, mainly for tests.
func (c *Collector) Store() *domain.ReadingStore {
	return c.store
}

// Start launches the API server and the periodic collection loop. The first
// cycle runs immediately.
func (c *Collector) Start(ctx context.Context) error {
	if c.apiServer != nil {
		if err := c.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	interval := time.Duration(c.config.PollIntervalMinutes) * time.Minute
	c.logger.Info().Dur("interval", interval).Msg("Collector started")

	go c.run(ctx, interval)
	return nil
}

// run drives the collection loop until Stop or context cancellation.
func (c *Collector) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single poll cycle: read, store, publish, upload.
// Failures are logged and counted, never escalated; a poll that yields no
// data is an expected outcome at night.
func (c *Collector) RunOnce(ctx context.Context) {
	values, err := c.poller.Poll(ctx, c.config.Inverter.Ranges)
	if err != nil {
		c.store.RecordFailure()
		if errors.Is(err, inverter.ErrNoData) {
			c.logger.Info().Msg("No data from inverter - powered off?")
		} else {
			c.logger.Warn().Err(err).Msg("Poll aborted")
		}
		return
	}

	reading := domain.NewReading(c.config.Inverter.Serial, values)
	c.store.RecordSuccess(reading)

	if err := c.publisher.Publish(ctx, c.config.MQTT.Topic, reading); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish reading")
	}

	if power, ok := reading.TotalPVPowerW(); ok && power < PowerNoiseFloorW {
		// this usually happens at the beginning of a new day
		c.logger.Warn().
			Float64("power", power).
			Msg("Zero power, ignoring today's energy yield (could be from yesterday)")
		return
	}

	if err := c.monitoring.Send(ctx, reading); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to upload reading")
		return
	}

	c.logger.Info().
		Time("timestamp", reading.Timestamp).
		Msg("Reading collected and forwarded")
}

// Stop shuts down the collection loop and all backends.
func (c *Collector) Stop(ctx context.Context) error {
	c.logger.Info().Msg("Stopping collector")
	close(c.done)

	var firstErr error

	if c.apiServer != nil {
		if err := c.apiServer.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	if err := c.publisher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.monitoring.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

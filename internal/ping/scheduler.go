package ping

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"vpnlink/internal/models"
)

// LocationSource lists the locations whose endpoints should be kept measured.
type LocationSource interface {
	Locations() []models.Location
}

// Scheduler periodically refreshes the ping cache for all known endpoints.
type Scheduler struct {
	service  *Service
	source   LocationSource
	interval time.Duration
	log      zerolog.Logger
	trigger  chan struct{}
}

// NewScheduler creates a scheduler that sweeps every interval.
func NewScheduler(service *Service, source LocationSource, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	return &Scheduler{
		service:  service,
		source:   source,
		interval: interval,
		log:      log,
		trigger:  make(chan struct{}, 1),
	}
}

// RunOnce measures every endpoint once and returns the number of available
// endpoints.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	locs := s.source.Locations()
	results := s.service.MeasureAll(ctx, locs)
	available := 0
	for _, r := range results {
		if r.Available {
			available++
		}
	}
	s.log.Info().Int("endpoints", len(results)).Int("available", available).Msg("ping sweep finished")
	return available
}

// Trigger requests an early sweep. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Serve runs sweeps until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.trigger:
			s.RunOnce(ctx)
			ticker.Reset(s.interval)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// String names the scheduler in supervisor logs.
func (s *Scheduler) String() string { return "ping-scheduler" }

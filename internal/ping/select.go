package ping

import (
	"context"

	"golang.org/x/sync/errgroup"

	"vpnlink/internal/models"
)

// sweepConcurrency bounds parallel measurements in MeasureAll.
const sweepConcurrency = 8

// SelectEndpoint picks the endpoint of loc with the lowest ping among the
// available ones, preferring the most recent measurement on ties. When no
// endpoint is usable the first one is returned and the unmeasured endpoints
// are measured in the background.
func (s *Service) SelectEndpoint(loc models.Location) (models.Endpoint, bool) {
	if len(loc.Endpoints) == 0 {
		return models.Endpoint{}, false
	}
	if ep, ok := s.best(loc.Endpoints); ok {
		return ep, true
	}

	var unmeasured []models.Endpoint
	s.mu.Lock()
	for _, ep := range loc.Endpoints {
		if entry, ok := s.cache[ep.ID]; !ok || entry.LastMeasurementTime.IsZero() {
			unmeasured = append(unmeasured, ep)
		}
	}
	s.mu.Unlock()
	if len(unmeasured) > 0 {
		s.measureAsync(unmeasured)
	}
	return loc.Endpoints[0], true
}

// SelectSibling picks the best endpoint of loc other than currentID.
func (s *Service) SelectSibling(loc models.Location, currentID string) (models.Endpoint, bool) {
	others := make([]models.Endpoint, 0, len(loc.Endpoints))
	for _, ep := range loc.Endpoints {
		if ep.ID != currentID {
			others = append(others, ep)
		}
	}
	if len(others) == 0 {
		return models.Endpoint{}, false
	}
	if ep, ok := s.best(others); ok {
		return ep, true
	}
	return others[0], true
}

func (s *Service) best(endpoints []models.Endpoint) (models.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		chosen models.Endpoint
		top    *models.PingData
	)
	for _, ep := range endpoints {
		entry, ok := s.cache[ep.ID]
		if !ok || !entry.Available || entry.Ping == nil {
			continue
		}
		if top == nil || *entry.Ping < *top.Ping ||
			(*entry.Ping == *top.Ping && entry.LastMeasurementTime.After(top.LastMeasurementTime)) {
			chosen, top = ep, entry
		}
	}
	return chosen, top != nil
}

// LocationView derives availability, ping and the preferred endpoint of loc
// from the cache.
func (s *Service) LocationView(loc models.Location) models.LocationView {
	view := models.LocationView{Location: loc}
	ep, ok := s.best(loc.Endpoints)
	if !ok {
		return view
	}
	entry, _ := s.Get(ep.ID)
	view.Available = true
	view.Ping = entry.Ping
	view.Endpoint = &ep
	return view
}

// LocationViews derives views for every location, preserving order.
func (s *Service) LocationViews(locs []models.Location) []models.LocationView {
	out := make([]models.LocationView, 0, len(locs))
	for _, loc := range locs {
		out = append(out, s.LocationView(loc))
	}
	return out
}

// FastestLocation returns the available location with the lowest ping after
// subtracting its ping bonus.
func (s *Service) FastestLocation(locs []models.Location) (models.Location, bool) {
	var (
		chosen models.Location
		score  int64
		found  bool
	)
	for _, loc := range locs {
		view := s.LocationView(loc)
		if !view.Available || view.Ping == nil {
			continue
		}
		v := *view.Ping - int64(loc.PingBonus)
		if !found || v < score {
			chosen, score, found = loc, v, true
		}
	}
	return chosen, found
}

// MeasureLocation measures every endpoint of loc.
func (s *Service) MeasureLocation(ctx context.Context, loc models.Location) []models.PingData {
	return s.measureEndpoints(ctx, loc.Endpoints)
}

// MeasureAll measures every endpoint of every location.
func (s *Service) MeasureAll(ctx context.Context, locs []models.Location) []models.PingData {
	var all []models.Endpoint
	for _, loc := range locs {
		all = append(all, loc.Endpoints...)
	}
	return s.measureEndpoints(ctx, all)
}

func (s *Service) measureEndpoints(ctx context.Context, endpoints []models.Endpoint) []models.PingData {
	out := make([]models.PingData, len(endpoints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i, ep := range endpoints {
		g.Go(func() error {
			out[i] = s.MeasurePing(gctx, ep)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Service) measureAsync(endpoints []models.Endpoint) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.measureEndpoints(s.ctx, endpoints)
	}()
}

// Package backend talks to the credentials and locations service and keeps
// the client-side view of both.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vpnlink/internal/config"
	"vpnlink/internal/models"
	"vpnlink/internal/storage"
)

// Storage keys.
const (
	SelectionKey = "location.selected"
	AppIDKey     = "app.id"
)

var (
	// ErrNoCredentials is returned when neither the backend nor the
	// configuration can provide credentials.
	ErrNoCredentials = errors.New("backend: no credentials available")
	// ErrUnknownLocation is returned by SelectLocation for an unknown id.
	ErrUnknownLocation = errors.New("backend: unknown location")
)

// Service caches credentials, the location list and the user's location
// choice. With no base URL it serves the static configuration.
type Service struct {
	client  *Client
	store   storage.Store
	log     zerolog.Logger
	refresh time.Duration
	static  models.Credentials
	appID   string
	now     func() time.Time

	mu          sync.RWMutex
	creds       models.Credentials
	locations   []models.Location
	selectedID  string
	lastRefresh time.Time
}

// NewService creates the backend view from configuration. The persisted
// location choice and application id are restored from store.
func NewService(cfg config.Backend, locations []models.Location, store storage.Store, log zerolog.Logger) (*Service, error) {
	s := &Service{
		store:     store,
		log:       log,
		refresh:   time.Duration(cfg.LocationRefreshMinutes) * time.Minute,
		static:    models.Credentials{Prefix: cfg.Prefix, Token: cfg.Token},
		locations: append([]models.Location(nil), locations...),
		now:       time.Now,
	}
	if s.refresh <= 0 {
		s.refresh = 30 * time.Minute
	}
	if cfg.BaseURL != "" {
		s.client = NewClient(cfg.BaseURL, cfg.APIKey, time.Duration(cfg.TimeoutSeconds)*time.Second, log)
	}

	appID, err := s.resolveAppID(cfg.AppID)
	if err != nil {
		return nil, err
	}
	s.appID = appID

	var sel selection
	found, err := storage.LoadJSON(store, SelectionKey, &sel)
	if err != nil {
		log.Warn().Err(err).Msg("discarding persisted location selection")
	} else if found {
		s.selectedID = sel.LocationID
	}
	return s, nil
}

func (s *Service) resolveAppID(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	var id appIdentity
	found, err := storage.LoadJSON(s.store, AppIDKey, &id)
	if err != nil {
		s.log.Warn().Err(err).Msg("regenerating application id")
	}
	if found && err == nil && id.ID != "" {
		return id.ID, nil
	}
	id.ID = uuid.NewString()
	if err := storage.SaveJSON(s.store, AppIDKey, id); err != nil {
		return "", fmt.Errorf("persist application id: %w", err)
	}
	return id.ID, nil
}

// AppID identifies this installation in ping requests.
func (s *Service) AppID() string { return s.appID }

// AccessCredentials returns cached credentials, fetching new ones when the
// cache is empty or expired.
func (s *Service) AccessCredentials(ctx context.Context) (models.Credentials, error) {
	s.mu.RLock()
	creds := s.creds
	s.mu.RUnlock()
	if creds.Valid(s.now()) {
		return creds, nil
	}
	return s.RefreshCredentials(ctx)
}

// RefreshCredentials discards cached credentials and fetches new ones.
func (s *Service) RefreshCredentials(ctx context.Context) (models.Credentials, error) {
	if s.client == nil {
		if s.static.Valid(s.now()) {
			return s.static, nil
		}
		return models.Credentials{}, ErrNoCredentials
	}

	var resp CredentialsResponse
	if err := s.client.getJSON(ctx, "credentials", "/credentials", &resp); err != nil {
		s.mu.Lock()
		s.creds = models.Credentials{}
		s.mu.Unlock()
		return models.Credentials{}, err
	}
	creds := models.Credentials{Prefix: resp.Prefix, Token: resp.Token, ExpiresAt: resp.ExpiresAt}
	if !creds.Valid(s.now()) {
		return models.Credentials{}, fmt.Errorf("credentials: %w", ErrNoCredentials)
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return creds, nil
}

// RefreshLocations refetches the location list. Static locations are kept
// when no backend is configured.
func (s *Service) RefreshLocations(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	var resp LocationsResponse
	if err := s.client.getJSON(ctx, "locations", "/locations", &resp); err != nil {
		return err
	}

	valid := make([]models.Location, 0, len(resp.Locations))
	for _, loc := range resp.Locations {
		if loc.ID == "" || len(loc.Endpoints) == 0 {
			continue
		}
		valid = append(valid, loc)
	}

	s.mu.Lock()
	s.locations = valid
	s.lastRefresh = s.now().UTC()
	s.mu.Unlock()

	s.log.Info().Int("locations", len(valid)).Int("discarded", len(resp.Locations)-len(valid)).Msg("locations refreshed")
	return nil
}

// Refresh renews credentials and the location list together.
func (s *Service) Refresh(ctx context.Context) error {
	_, credErr := s.RefreshCredentials(ctx)
	locErr := s.RefreshLocations(ctx)
	return errors.Join(credErr, locErr)
}

// Locations returns a copy of the known locations.
func (s *Service) Locations() []models.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Location, len(s.locations))
	copy(out, s.locations)
	return out
}

// Location looks up a location by id.
func (s *Service) Location(id string) (models.Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, loc := range s.locations {
		if loc.ID == id {
			return loc, true
		}
	}
	return models.Location{}, false
}

// SelectedLocation returns the chosen location, falling back to the first
// known one. It reports false when no locations are known.
func (s *Service) SelectedLocation() (models.Location, bool) {
	s.mu.RLock()
	id := s.selectedID
	s.mu.RUnlock()
	if id != "" {
		if loc, ok := s.Location(id); ok {
			return loc, true
		}
	}
	locs := s.Locations()
	if len(locs) == 0 {
		return models.Location{}, false
	}
	return locs[0], true
}

// SelectLocation records the user's location choice.
func (s *Service) SelectLocation(id string) (models.Location, error) {
	loc, ok := s.Location(id)
	if !ok {
		return models.Location{}, fmt.Errorf("%w: %s", ErrUnknownLocation, id)
	}
	s.mu.Lock()
	s.selectedID = id
	s.mu.Unlock()

	if err := storage.SaveJSON(s.store, SelectionKey, selection{LocationID: id, SelectedAt: s.now().UTC()}); err != nil {
		s.log.Warn().Err(err).Msg("persist location selection")
	}
	return loc, nil
}

// LastRefresh reports when the location list was last fetched.
func (s *Service) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

// Serve refreshes the location list periodically until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	if s.client == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	s.refreshLogged(ctx)
	for {
		select {
		case <-ticker.C:
			s.refreshLogged(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) refreshLogged(ctx context.Context) {
	if err := s.RefreshLocations(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("location refresh failed")
	}
}

// String names the service in supervisor logs.
func (s *Service) String() string { return "backend" }

package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnlink/internal/config"
	"vpnlink/internal/models"
	"vpnlink/internal/storage"
)

type fakeBackend struct {
	*httptest.Server
	credCalls atomic.Int32
	locCalls  atomic.Int32
	fail      atomic.Bool
	expiresAt time.Time
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/credentials", func(w http.ResponseWriter, r *http.Request) {
		fb.credCalls.Add(1)
		if fb.fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(CredentialsResponse{Prefix: "pfx", Token: "tok", ExpiresAt: fb.expiresAt})
	})
	mux.HandleFunc("/locations", func(w http.ResponseWriter, r *http.Request) {
		fb.locCalls.Add(1)
		_ = json.NewEncoder(w).Encode(LocationsResponse{Locations: []models.Location{
			{ID: "de", Endpoints: []models.Endpoint{{ID: "de1", DomainName: "de1.example.org"}}},
			{ID: "broken"},
			{ID: "fr", Endpoints: []models.Endpoint{{ID: "fr1", DomainName: "fr1.example.org"}}},
		}})
	})
	fb.Server = httptest.NewServer(mux)
	t.Cleanup(fb.Close)
	return fb
}

func newService(t *testing.T, cfg config.Backend, locs []models.Location, store storage.Store) *Service {
	t.Helper()
	s, err := NewService(cfg, locs, store, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestCredentialsAreCached(t *testing.T) {
	fb := newFakeBackend(t)
	s := newService(t, config.Backend{BaseURL: fb.URL, APIKey: "key-1"}, nil, storage.NewMemoryStore())

	creds, err := s.AccessCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pfx", creds.Prefix)
	assert.Equal(t, "tok", creds.Token)

	_, err = s.AccessCredentials(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, fb.credCalls.Load())

	_, err = s.RefreshCredentials(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, fb.credCalls.Load())
}

func TestExpiredCredentialsAreRefetched(t *testing.T) {
	fb := newFakeBackend(t)
	fb.expiresAt = time.Now().Add(time.Hour)
	s := newService(t, config.Backend{BaseURL: fb.URL, APIKey: "key-1"}, nil, storage.NewMemoryStore())

	_, err := s.AccessCredentials(context.Background())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = s.AccessCredentials(context.Background())
	assert.Error(t, err, "backend keeps handing out the stale expiry")
	assert.EqualValues(t, 2, fb.credCalls.Load())
}

func TestWrongAPIKeyFails(t *testing.T) {
	fb := newFakeBackend(t)
	s := newService(t, config.Backend{BaseURL: fb.URL, APIKey: "nope"}, nil, storage.NewMemoryStore())

	_, err := s.AccessCredentials(context.Background())
	assert.ErrorContains(t, err, "http 401")
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	fb := newFakeBackend(t)
	fb.fail.Store(true)
	s := newService(t, config.Backend{BaseURL: fb.URL, APIKey: "key-1"}, nil, storage.NewMemoryStore())

	for i := 0; i < 5; i++ {
		_, err := s.RefreshCredentials(context.Background())
		require.Error(t, err)
	}
	_, err := s.RefreshCredentials(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 5, fb.credCalls.Load())
}

func TestRefreshLocationsDropsInvalidEntries(t *testing.T) {
	fb := newFakeBackend(t)
	s := newService(t, config.Backend{BaseURL: fb.URL, APIKey: "key-1"}, nil, storage.NewMemoryStore())

	require.NoError(t, s.Refresh(context.Background()))
	locs := s.Locations()
	require.Len(t, locs, 2)
	assert.Equal(t, "de", locs[0].ID)
	assert.Equal(t, "fr", locs[1].ID)
	assert.False(t, s.LastRefresh().IsZero())
}

func TestStaticConfiguration(t *testing.T) {
	locs := []models.Location{{ID: "de", Endpoints: []models.Endpoint{{ID: "de1", DomainName: "de1.example.org"}}}}

	s := newService(t, config.Backend{Prefix: "p", Token: "t"}, locs, storage.NewMemoryStore())
	creds, err := s.AccessCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p", creds.Prefix)
	require.NoError(t, s.RefreshLocations(context.Background()))
	assert.Len(t, s.Locations(), 1)

	bare := newService(t, config.Backend{}, locs, storage.NewMemoryStore())
	_, err = bare.AccessCredentials(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestLocationSelectionPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	locs := []models.Location{
		{ID: "de", Endpoints: []models.Endpoint{{ID: "de1"}}},
		{ID: "fr", Endpoints: []models.Endpoint{{ID: "fr1"}}},
	}
	s := newService(t, config.Backend{}, locs, store)

	loc, ok := s.SelectedLocation()
	require.True(t, ok)
	assert.Equal(t, "de", loc.ID, "first location is the default")

	_, err := s.SelectLocation("nowhere")
	assert.ErrorIs(t, err, ErrUnknownLocation)

	_, err = s.SelectLocation("fr")
	require.NoError(t, err)

	restored := newService(t, config.Backend{}, locs, store)
	loc, ok = restored.SelectedLocation()
	require.True(t, ok)
	assert.Equal(t, "fr", loc.ID)

	empty := newService(t, config.Backend{}, nil, storage.NewMemoryStore())
	_, ok = empty.SelectedLocation()
	assert.False(t, ok)
}

func TestAppIDIsGeneratedOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	first := newService(t, config.Backend{}, nil, store)
	require.NotEmpty(t, first.AppID())

	second := newService(t, config.Backend{}, nil, store)
	assert.Equal(t, first.AppID(), second.AppID())

	configured := newService(t, config.Backend{AppID: "fixed"}, nil, store)
	assert.Equal(t, "fixed", configured.AppID())
}

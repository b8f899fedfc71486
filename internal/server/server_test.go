package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnlink/internal/backend"
	"vpnlink/internal/connectivity"
	"vpnlink/internal/fsm"
	"vpnlink/internal/history"
	"vpnlink/internal/models"
)

type fakeConnectivity struct {
	mu          sync.Mutex
	status      connectivity.Status
	connects    int
	disconnects int
	subs        []chan connectivity.Status
}

func (f *fakeConnectivity) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeConnectivity) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeConnectivity) SelectLocation(_ context.Context, id string) (models.Location, error) {
	if id != "de" {
		return models.Location{}, fmt.Errorf("%w: %s", backend.ErrUnknownLocation, id)
	}
	return models.Location{ID: "de"}, nil
}

func (f *fakeConnectivity) Status() connectivity.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConnectivity) Subscribe() (<-chan connectivity.Status, func()) {
	ch := make(chan connectivity.Status, 4)
	f.mu.Lock()
	ch <- f.status
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeConnectivity) publish(st connectivity.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
	for _, ch := range f.subs {
		ch <- st
	}
}

func (f *fakeConnectivity) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakePinger struct{}

func (fakePinger) LocationViews(locs []models.Location) []models.LocationView {
	out := make([]models.LocationView, 0, len(locs))
	for i, loc := range locs {
		ping := int64(10 * (i + 1))
		out = append(out, models.LocationView{Location: loc, Available: true, Ping: &ping})
	}
	return out
}

func (fakePinger) FastestLocation(locs []models.Location) (models.Location, bool) {
	if len(locs) == 0 {
		return models.Location{}, false
	}
	return locs[0], true
}

func (fakePinger) MeasureAll(_ context.Context, locs []models.Location) []models.PingData {
	return make([]models.PingData, len(locs))
}

func (fakePinger) Snapshot() map[string]models.PingData {
	return map[string]models.PingData{"de1": {Available: true}}
}

type staticLocations []models.Location

func (s staticLocations) Locations() []models.Location { return s }

func newTestServer(t *testing.T) (*httptest.Server, *fakeConnectivity, *history.Recorder) {
	t.Helper()
	conn := &fakeConnectivity{status: connectivity.Status{State: fsm.Idle, LocationID: "de"}}
	rec := history.NewRecorder(nil, 100, 0, zerolog.Nop())
	s := New("127.0.0.1:0", Deps{
		Connectivity: conn,
		Locations:    staticLocations{{ID: "de"}, {ID: "fr"}},
		Pinger:       fakePinger{},
		History:      rec,
		Logger:       zerolog.Nop(),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, conn, rec
}

func decode(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

func TestStatusAndCommands(t *testing.T) {
	srv, conn, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st connectivity.Status
	decode(t, resp, &st)
	assert.Equal(t, fsm.Idle, st.State)

	resp, err = http.Post(srv.URL+"/api/connect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/disconnect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	conn.mu.Lock()
	assert.Equal(t, 1, conn.connects)
	assert.Equal(t, 1, conn.disconnects)
	conn.mu.Unlock()

	resp, err = http.Get(srv.URL + "/api/connect")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestLocationsAndSelection(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/locations")
	require.NoError(t, err)
	var body locationsResponse
	decode(t, resp, &body)
	require.Len(t, body.Locations, 2)
	assert.Equal(t, "de", body.SelectedID)
	assert.Equal(t, "de", body.FastestID)
	require.NotNil(t, body.Locations[1].Ping)
	assert.EqualValues(t, 20, *body.Locations[1].Ping)

	resp, err = http.Post(srv.URL+"/api/locations/de/select", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/locations/mars/select", "application/json", nil)
	require.NoError(t, err)
	var errBody map[string]string
	decode(t, resp, &errBody)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, errBody["error"], "mars")
}

func TestPingEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/ping")
	require.NoError(t, err)
	var cache map[string]models.PingData
	decode(t, resp, &cache)
	assert.True(t, cache["de1"].Available)

	resp, err = http.Post(srv.URL+"/api/ping", "application/json", nil)
	require.NoError(t, err)
	var results []models.PingData
	decode(t, resp, &results)
	assert.Len(t, results, 2)
}

func TestHistoryUptimeTimeline(t *testing.T) {
	srv, _, rec := newTestServer(t)
	now := time.Now().UTC()
	rec.Record(models.Transition{From: "idle", To: "connectingIdle", Event: "connectRequested", At: now.Add(-2 * time.Hour)})
	rec.Record(models.Transition{From: "connectingIdle", To: "connected", Event: "transportOpened", At: now.Add(-2 * time.Hour)})

	resp, err := http.Get(srv.URL + "/api/history?limit=1")
	require.NoError(t, err)
	var entries []models.Transition
	decode(t, resp, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "connected", entries[0].To)

	resp, err = http.Get(srv.URL + "/api/uptime?hours=1")
	require.NoError(t, err)
	var uptime map[string]any
	decode(t, resp, &uptime)
	assert.EqualValues(t, 100, uptime["connected_percent"])

	resp, err = http.Get(srv.URL + "/api/timeline?hours=1&points=6")
	require.NoError(t, err)
	var points []models.TimelinePoint
	decode(t, resp, &points)
	require.Len(t, points, 6)
	assert.Equal(t, "state-success", points[0].ClassName)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsStream(t *testing.T) {
	srv, conn, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	var st connectivity.Status
	require.NoError(t, ws.ReadJSON(&st))
	assert.Equal(t, fsm.Idle, st.State)

	require.Eventually(t, func() bool { return conn.subscribers() == 1 }, time.Second, 5*time.Millisecond)
	conn.publish(connectivity.Status{State: fsm.Connected})
	require.NoError(t, ws.ReadJSON(&st))
	assert.Equal(t, fsm.Connected, st.State)
}

func TestEventsSendsTextFrames(t *testing.T) {
	srv, conn, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	_, _, err = ws.ReadMessage()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return conn.subscribers() == 1 }, time.Second, 5*time.Millisecond)

	retryAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := connectivity.Status{State: fsm.DisconnectedRetrying, LocationID: "de", NextRetryAt: &retryAt}
	conn.publish(st)

	kind, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	want, err := json.Marshal(st)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(payload))
}

func TestEventsRejectsForeignOrigin(t *testing.T) {
	srv, _, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

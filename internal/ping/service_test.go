package ping

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnlink/internal/models"
	"vpnlink/internal/storage"
	"vpnlink/internal/transport/transporttest"
)

type staticCreds struct {
	creds models.Credentials
	err   error
}

func (c staticCreds) AccessCredentials(context.Context) (models.Credentials, error) {
	return c.creds, c.err
}

func (c staticCreds) AppID() string { return "app-test" }

var goodCreds = staticCreds{creds: models.Credentials{Prefix: "pfx", Token: "tok"}}

func endpoint(id string) models.Endpoint {
	return models.Endpoint{ID: id, DomainName: id + ".example.org"}
}

// echoReply answers every request frame with its response.
func echoReply(_ string, msg []byte) []byte {
	req, err := Decode(msg)
	if err != nil {
		return nil
	}
	out, _ := Encode(ResponseTo(req))
	return out
}

func newTestService(t *testing.T, fc *transporttest.Factory, creds CredentialsProvider, opts Options) *Service {
	t.Helper()
	opts.Logger = zerolog.Nop()
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	s := NewService(fc, creds, opts)
	t.Cleanup(s.Close)
	return s
}

func TestAuthenticatedMeasurement(t *testing.T) {
	fc := &transporttest.Factory{Reply: echoReply}
	s := newTestService(t, fc, goodCreds, Options{Mode: ModeWebSocket})

	got := s.MeasurePing(context.Background(), endpoint("ep1"))
	assert.True(t, got.Available)
	require.NotNil(t, got.Ping)
	assert.GreaterOrEqual(t, *got.Ping, int64(0))
	assert.False(t, got.IsMeasuring)
	require.NotNil(t, got.Endpoint)
	assert.Equal(t, "ep1", got.Endpoint.ID)

	tr := fc.Last()
	require.NotNil(t, tr)
	assert.Equal(t, "wss://pfx.ep1.example.org:443/user", tr.URL)
	assert.True(t, tr.IsClosed(), "measurement transport is short-lived")

	sent := tr.Sent()
	require.Len(t, sent, 1)
	req, err := Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, "app-test", req.AppID)
	assert.Equal(t, "tok", req.Token)
}

func TestUnreachableEndpointIsMarkedUnavailable(t *testing.T) {
	fc := &transporttest.Factory{Refuse: func(string) bool { return true }}
	s := newTestService(t, fc, goodCreds, Options{Mode: ModeWebSocket})

	got := s.MeasurePing(context.Background(), endpoint("ep1"))
	assert.False(t, got.Available)
	assert.False(t, got.IsMeasuring)
	assert.Nil(t, got.Ping)

	cached, ok := s.Get("ep1")
	require.True(t, ok)
	assert.Equal(t, got, cached)
}

func TestMalformedResponseIsMarkedUnavailable(t *testing.T) {
	fc := &transporttest.Factory{Reply: func(string, []byte) []byte { return []byte{0, 0, 0, 1, 7} }}
	s := newTestService(t, fc, goodCreds, Options{Mode: ModeWebSocket})

	got := s.MeasurePing(context.Background(), endpoint("ep1"))
	assert.False(t, got.Available)
}

func TestNoResponseTimesOut(t *testing.T) {
	fc := &transporttest.Factory{}
	s := newTestService(t, fc, goodCreds, Options{Mode: ModeWebSocket, Timeout: 50 * time.Millisecond})

	got := s.MeasurePing(context.Background(), endpoint("ep1"))
	assert.False(t, got.Available)
	assert.False(t, got.IsMeasuring)
}

func TestConcurrentMeasurementReturnsCachedEntry(t *testing.T) {
	fc := &transporttest.Factory{Block: true, Reply: echoReply}
	s := newTestService(t, fc, goodCreds, Options{Mode: ModeWebSocket, Timeout: 5 * time.Second})

	first := make(chan models.PingData, 1)
	go func() { first <- s.MeasurePing(context.Background(), endpoint("ep1")) }()

	require.Eventually(t, func() bool {
		entry, ok := s.Get("ep1")
		return ok && entry.IsMeasuring && fc.Last() != nil
	}, time.Second, 5*time.Millisecond)

	second := s.MeasurePing(context.Background(), endpoint("ep1"))
	assert.True(t, second.IsMeasuring)
	assert.Len(t, fc.Created(), 1, "second call must not open a transport")

	fc.Last().Release()
	select {
	case got := <-first:
		assert.True(t, got.Available)
		assert.False(t, got.IsMeasuring)
	case <-time.After(3 * time.Second):
		t.Fatal("first measurement did not finish")
	}
}

type headServer struct {
	*httptest.Server
	heads      atomic.Int32
	redirected atomic.Int32
}

func newHeadServer(t *testing.T) *headServer {
	t.Helper()
	hs := &headServer{}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/elsewhere" {
			hs.redirected.Add(1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method == http.MethodHead {
			hs.heads.Add(1)
		}
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *headServer) endpoint(id string) models.Endpoint {
	return models.Endpoint{ID: id, DomainName: strings.TrimPrefix(hs.URL, "http://")}
}

func TestHTTPFallbackWhenCredentialsFail(t *testing.T) {
	hs := newHeadServer(t)
	fc := &transporttest.Factory{}
	creds := staticCreds{err: errors.New("credentials service down")}
	s := newTestService(t, fc, creds, Options{Mode: ModeAuto, HTTPScheme: "http", HTTPPath: "/generate_204"})

	got := s.MeasurePing(context.Background(), hs.endpoint("ep1"))
	assert.True(t, got.Available)
	require.NotNil(t, got.Ping)
	assert.EqualValues(t, 3, hs.heads.Load())
	assert.Zero(t, hs.redirected.Load(), "redirects are not followed")
	assert.Empty(t, fc.Created())
}

func TestHTTPModeUnreachable(t *testing.T) {
	hs := newHeadServer(t)
	ep := hs.endpoint("ep1")
	hs.Close()

	s := newTestService(t, &transporttest.Factory{}, nil, Options{Mode: ModeHTTP, HTTPScheme: "http"})
	got := s.MeasurePing(context.Background(), ep)
	assert.False(t, got.Available)
	assert.Nil(t, got.Ping)
}

func TestCachePersistsAcrossRestart(t *testing.T) {
	store := storage.NewMemoryStore()
	fc := &transporttest.Factory{Reply: echoReply}
	s := NewService(fc, goodCreds, Options{Mode: ModeWebSocket, Store: store, Logger: zerolog.Nop()})
	s.MeasurePing(context.Background(), endpoint("ep1"))
	s.Close()

	restored := newTestService(t, fc, goodCreds, Options{Mode: ModeWebSocket, Store: store})
	entry, ok := restored.Get("ep1")
	require.True(t, ok)
	assert.True(t, entry.Available)
	assert.False(t, entry.IsMeasuring)
}

func TestCorruptCacheIsDiscarded(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(CacheKey, []byte(`{"ep1": 5}`)))

	s := newTestService(t, &transporttest.Factory{}, nil, Options{Store: store})
	assert.Empty(t, s.Snapshot())
}

func TestRestoredEntriesAreSanitised(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(CacheKey, []byte(`{
		"ep1": {"ping": 20, "available": true, "isMeasuring": true, "endpoint": {"id": "ep1"}},
		"ep2": {"ping": 20, "available": true, "endpoint": {"id": "other"}},
		"ep3": {"ping": -4, "available": true, "endpoint": {"id": "ep3"}},
		"ep4": {"ping": 9, "available": false, "endpoint": {"id": "ep4"}}
	}`)))

	s := newTestService(t, &transporttest.Factory{}, nil, Options{Store: store})
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, snap["ep1"].IsMeasuring)
	assert.Nil(t, snap["ep4"].Ping)
}

func TestMeasureAllCoversEveryEndpoint(t *testing.T) {
	var mu sync.Mutex
	hosts := map[string]bool{}
	fc := &transporttest.Factory{Reply: func(url string, msg []byte) []byte {
		mu.Lock()
		hosts[url] = true
		mu.Unlock()
		return echoReply(url, msg)
	}}
	s := newTestService(t, fc, goodCreds, Options{Mode: ModeWebSocket})

	locs := []models.Location{
		{ID: "de", Endpoints: []models.Endpoint{endpoint("de1"), endpoint("de2")}},
		{ID: "fr", Endpoints: []models.Endpoint{endpoint("fr1")}},
	}
	results := s.MeasureAll(context.Background(), locs)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Available)
	}
	assert.Len(t, hosts, 3)
}

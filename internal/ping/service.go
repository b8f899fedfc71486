// Package ping measures endpoint latency and keeps the shared ping cache.
package ping

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vpnlink/internal/metrics"
	"vpnlink/internal/models"
	"vpnlink/internal/storage"
	"vpnlink/internal/transport"
)

// Measurement modes.
const (
	ModeAuto      = "auto"
	ModeWebSocket = "websocket"
	ModeHTTP      = "http"
)

// CacheKey is the storage key of the persisted ping cache.
const CacheKey = "ping.cache"

const (
	methodWebSocket = "websocket"
	methodHTTP      = "http"
)

var errNoResponse = errors.New("ping: transport closed before response")

// CredentialsProvider supplies what the authenticated measurement needs.
type CredentialsProvider interface {
	AccessCredentials(ctx context.Context) (models.Credentials, error)
	AppID() string
}

// Options configure a Service.
type Options struct {
	Mode         string
	Timeout      time.Duration
	URLTemplate  string
	HTTPAttempts int
	HTTPPath     string
	// HTTPScheme defaults to https.
	HTTPScheme string

	Store           storage.Store
	PersistInterval time.Duration

	Logger zerolog.Logger
}

// Service measures endpoints and owns the ping cache. Measurements use their
// own short-lived transports and never touch the connectivity channel.
type Service struct {
	factory transport.Factory
	creds   CredentialsProvider
	opts    Options
	client  *http.Client
	log     zerolog.Logger
	persist *storage.Coalescer

	mu    sync.Mutex
	cache map[string]*models.PingData

	// bgMu orders background Add calls against Close.
	bgMu   sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a ping service. creds may be nil, in which case only
// the HTTP measurement is available.
func NewService(factory transport.Factory, creds CredentialsProvider, opts Options) *Service {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.URLTemplate == "" {
		opts.URLTemplate = "wss://{host}:443/user"
	}
	if opts.HTTPAttempts <= 0 {
		opts.HTTPAttempts = 3
	}
	if opts.HTTPPath == "" {
		opts.HTTPPath = "/"
	}
	if opts.HTTPScheme == "" {
		opts.HTTPScheme = "https"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		factory: factory,
		creds:   creds,
		opts:    opts,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:    opts.Logger,
		cache:  make(map[string]*models.PingData),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.Store != nil {
		s.loadCache()
		s.persist = storage.NewCoalescer(opts.Store, CacheKey, opts.PersistInterval, func(err error) {
			metrics.PersistErrors.WithLabelValues(CacheKey).Inc()
			s.log.Warn().Err(err).Msg("persist ping cache")
		})
	}
	return s
}

// Close stops background measurements and flushes the cache.
func (s *Service) Close() {
	s.bgMu.Lock()
	s.closed = true
	s.cancel()
	s.bgMu.Unlock()
	s.wg.Wait()
	if s.persist != nil {
		s.persist.Close()
	}
}

// MeasurePing measures ep and returns the updated cache entry. When a
// measurement of ep is already in flight the cached entry is returned as is.
// Failures mark the endpoint unavailable and are never returned.
func (s *Service) MeasurePing(ctx context.Context, ep models.Endpoint) models.PingData {
	s.mu.Lock()
	entry, ok := s.cache[ep.ID]
	if ok && entry.IsMeasuring {
		out := *entry
		s.mu.Unlock()
		return out
	}
	if !ok {
		entry = &models.PingData{}
		s.cache[ep.ID] = entry
	}
	entry.IsMeasuring = true
	s.mu.Unlock()

	rtt, method, err := s.measure(ctx, ep)

	endpoint := ep
	s.mu.Lock()
	entry.IsMeasuring = false
	entry.LastMeasurementTime = time.Now().UTC()
	entry.Endpoint = &endpoint
	if err != nil {
		entry.Available = false
		entry.Ping = nil
	} else {
		ms := rtt.Milliseconds()
		entry.Available = true
		entry.Ping = &ms
	}
	out := *entry
	s.mu.Unlock()

	if err != nil {
		metrics.PingMeasurements.WithLabelValues(method, "failure").Inc()
		metrics.PingLatency.DeleteLabelValues(ep.ID)
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "measurement timed out"
		}
		s.log.Debug().Str("endpoint", ep.ID).Str("method", method).Str("error", msg).Msg("endpoint unavailable")
	} else {
		metrics.PingMeasurements.WithLabelValues(method, "success").Inc()
		metrics.PingLatency.WithLabelValues(ep.ID).Set(float64(*out.Ping))
		metrics.PingDuration.Observe(rtt.Seconds())
		s.log.Debug().Str("endpoint", ep.ID).Str("method", method).Int64("ping_ms", *out.Ping).Msg("endpoint measured")
	}
	s.save()
	return out
}

func (s *Service) measure(ctx context.Context, ep models.Endpoint) (time.Duration, string, error) {
	switch s.opts.Mode {
	case ModeHTTP:
		rtt, err := s.measureHTTP(ctx, ep)
		return rtt, methodHTTP, err
	case ModeWebSocket:
		if s.creds == nil {
			return 0, methodWebSocket, errors.New("ping: no credentials provider")
		}
		creds, err := s.creds.AccessCredentials(ctx)
		if err != nil {
			return 0, methodWebSocket, fmt.Errorf("credentials: %w", err)
		}
		rtt, err := s.measureAuthenticated(ctx, ep, creds)
		return rtt, methodWebSocket, err
	default:
		if s.creds != nil {
			creds, err := s.creds.AccessCredentials(ctx)
			if err == nil {
				rtt, err := s.measureAuthenticated(ctx, ep, creds)
				return rtt, methodWebSocket, err
			}
			s.log.Debug().Err(err).Msg("credentials unavailable, falling back to http ping")
		}
		rtt, err := s.measureHTTP(ctx, ep)
		return rtt, methodHTTP, err
	}
}

type reply struct {
	msg Message
	err error
}

func (s *Service) measureAuthenticated(ctx context.Context, ep models.Endpoint, creds models.Credentials) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	host := creds.Prefix + "." + ep.DomainName
	tr := s.factory.Create(transport.BuildURL(s.opts.URLTemplate, host))
	defer tr.Close()

	id := uuid.New()
	replies := make(chan reply, 1)
	deliver := func(r reply) {
		select {
		case replies <- r:
		default:
		}
	}
	tr.OnMessage(func(frame []byte) {
		msg, err := Decode(frame)
		if err != nil {
			deliver(reply{err: err})
			return
		}
		if msg.Kind != KindResponse || msg.ID != id {
			return
		}
		deliver(reply{msg: msg})
	})
	tr.OnClose(func(err error) {
		if err == nil {
			err = errNoResponse
		}
		deliver(reply{err: err})
	})

	if err := tr.Open(ctx); err != nil {
		return 0, fmt.Errorf("open %s: %w", host, err)
	}

	start := time.Now()
	frame, err := Encode(Message{
		Kind:        KindRequest,
		TimestampMs: start.UnixMilli(),
		ID:          id,
		AppID:       s.creds.AppID(),
		Token:       creds.Token,
	})
	if err != nil {
		return 0, err
	}
	if err := tr.Send(frame); err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}

	select {
	case r := <-replies:
		if r.err != nil {
			return 0, r.err
		}
		if r.msg.TimestampMs != start.UnixMilli() {
			return 0, errors.New("ping: response timestamp mismatch")
		}
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Service) measureHTTP(ctx context.Context, ep models.Endpoint) (time.Duration, error) {
	url := s.opts.HTTPScheme + "://" + ep.DomainName + s.opts.HTTPPath

	var (
		best    time.Duration
		lastErr error
		ok      bool
	)
	for i := 0; i < s.opts.HTTPAttempts; i++ {
		rtt, err := s.timedRequest(ctx, url)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !ok || rtt < best {
			best = rtt
		}
		ok = true
	}
	if !ok {
		if lastErr == nil {
			lastErr = errors.New("ping: no attempts")
		}
		return 0, lastErr
	}
	return best, nil
}

func (s *Service) timedRequest(ctx context.Context, url string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	resp.Body.Close()
	return elapsed, nil
}

// Get returns the cached entry for an endpoint id.
func (s *Service) Get(endpointID string) (models.PingData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[endpointID]
	if !ok {
		return models.PingData{}, false
	}
	return *entry, true
}

// Snapshot returns a copy of the whole cache keyed by endpoint id.
func (s *Service) Snapshot() map[string]models.PingData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.PingData, len(s.cache))
	for id, entry := range s.cache {
		out[id] = *entry
	}
	return out
}

func (s *Service) save() {
	if s.persist == nil {
		return
	}
	snap := s.Snapshot()
	for id, entry := range snap {
		entry.IsMeasuring = false
		snap[id] = entry
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Warn().Err(err).Msg("encode ping cache")
		return
	}
	s.persist.Write(data)
}

func (s *Service) loadCache() {
	var stored map[string]models.PingData
	found, err := storage.LoadJSON(s.opts.Store, CacheKey, &stored)
	if err != nil {
		s.log.Warn().Err(err).Msg("discarding persisted ping cache")
		return
	}
	if !found {
		return
	}
	kept := 0
	for id, entry := range stored {
		entry, ok := sanitise(id, entry)
		if !ok {
			continue
		}
		s.cache[id] = &entry
		kept++
	}
	s.log.Info().Int("entries", kept).Int("discarded", len(stored)-kept).Msg("ping cache restored")
}

// sanitise validates a persisted entry. A restored entry is never measuring.
func sanitise(id string, entry models.PingData) (models.PingData, bool) {
	if entry.Endpoint == nil || entry.Endpoint.ID != id {
		return models.PingData{}, false
	}
	if entry.Ping != nil && *entry.Ping < 0 {
		return models.PingData{}, false
	}
	entry.IsMeasuring = false
	if !entry.Available {
		entry.Ping = nil
	} else if entry.Ping == nil {
		entry.Available = false
	}
	return entry, true
}

// Package connectivity owns the control channel to the selected endpoint.
// A single goroutine feeds events into the pure state machine in package fsm
// and performs the effects it returns.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"vpnlink/internal/fsm"
	"vpnlink/internal/metrics"
	"vpnlink/internal/models"
	"vpnlink/internal/storage"
	"vpnlink/internal/transport"
)

// StateKey is the storage key of the persisted state machine snapshot.
const StateKey = "connectivity.state"

// Problems reported in Status when a connection cannot even be attempted.
const (
	ProblemNoLocations = "no_locations"
	ProblemNoEndpoints = "no_endpoints"
)

// ErrStopped is returned by commands issued after Close.
var ErrStopped = errors.New("connectivity: manager stopped")

// Backend provides locations and credentials.
type Backend interface {
	SelectedLocation() (models.Location, bool)
	SelectLocation(id string) (models.Location, error)
	AccessCredentials(ctx context.Context) (models.Credentials, error)
	Refresh(ctx context.Context) error
}

// EndpointSelector picks endpoints from the ping cache.
type EndpointSelector interface {
	SelectEndpoint(loc models.Location) (models.Endpoint, bool)
	SelectSibling(loc models.Location, currentID string) (models.Endpoint, bool)
}

// Recorder receives every applied transition.
type Recorder interface {
	Record(models.Transition)
}

// Options configure a Manager.
type Options struct {
	Policy          fsm.Policy
	URLTemplate     string
	Store           storage.Store
	PersistInterval time.Duration
	Recorder        Recorder
	Logger          zerolog.Logger
}

// Status is the published view of the manager.
type Status struct {
	State       fsm.State        `json:"state"`
	Context     fsm.Context      `json:"context"`
	LocationID  string           `json:"locationId,omitempty"`
	Endpoint    *models.Endpoint `json:"endpoint,omitempty"`
	Problem     string           `json:"problem,omitempty"`
	NextRetryAt *time.Time       `json:"nextRetryAt,omitempty"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

type inputKind int

const (
	inputCommand inputKind = iota
	inputLocation
	inputAttach
	inputRefreshed
	inputOpened
	inputClosed
	inputTimer
)

type input struct {
	kind     inputKind
	event    fsm.EventKind
	gen      uint64
	tr       transport.Transport
	endpoint  models.Endpoint
	alternate bool
	err       error
}

// Manager drives the connectivity state machine.
type Manager struct {
	backend  Backend
	selector EndpointSelector
	factory  transport.Factory
	opts     Options
	policy   fsm.Policy
	log      zerolog.Logger
	persist  *storage.Coalescer

	events   chan input
	stopped  chan struct{}
	stopOnce sync.Once
	resumed  bool

	// Owned by the loop goroutine.
	snap           fsm.Snapshot
	gen            uint64
	timerGen       uint64
	tr             transport.Transport
	cancelOpen     context.CancelFunc
	timer          *time.Timer
	nextRetry      time.Time
	endpoint       *models.Endpoint
	pendingRefresh bool
	problem        string
	runCtx         context.Context

	mu     sync.RWMutex
	status Status
	subs   map[int]chan Status
	nextID int
	// loopDone is closed when the current Serve call returns.
	loopDone chan struct{}
}

// NewManager creates a manager and restores its snapshot from opts.Store.
// An unreadable snapshot is replaced by the initial one.
func NewManager(backend Backend, selector EndpointSelector, factory transport.Factory, opts Options) *Manager {
	m := &Manager{
		backend:  backend,
		selector: selector,
		factory:  factory,
		opts:     opts,
		policy:   opts.Policy.Normalise(),
		log:      opts.Logger,
		events:   make(chan input, 64),
		stopped:  make(chan struct{}),
		subs:     make(map[int]chan Status),
	}
	m.snap = m.policy.InitialSnapshot()

	if opts.Store != nil {
		data, found, err := opts.Store.Get(StateKey)
		switch {
		case err != nil:
			m.log.Warn().Err(err).Msg("read connectivity state")
		case found:
			snap, err := fsm.DecodeSnapshot(data, m.policy)
			if err != nil {
				m.log.Warn().Err(err).Msg("discarding persisted connectivity state")
			}
			m.snap = snap
		}
		m.persist = storage.NewCoalescer(opts.Store, StateKey, opts.PersistInterval, func(err error) {
			metrics.PersistErrors.WithLabelValues(StateKey).Inc()
			m.log.Warn().Err(err).Msg("persist connectivity state")
		})
	}
	m.publish()
	return m
}

// Connect asks for a connection to the selected location.
func (m *Manager) Connect(ctx context.Context) error {
	return m.send(ctx, input{kind: inputCommand, event: fsm.ConnectRequested})
}

// Disconnect tears down the connection and stops retrying.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.send(ctx, input{kind: inputCommand, event: fsm.DisconnectRequested})
}

// SelectLocation records a new location choice and reconnects to it when a
// connection is wanted.
func (m *Manager) SelectLocation(ctx context.Context, id string) (models.Location, error) {
	loc, err := m.backend.SelectLocation(id)
	if err != nil {
		return models.Location{}, err
	}
	if err := m.send(ctx, input{kind: inputLocation, event: fsm.LocationChanged}); err != nil {
		return models.Location{}, err
	}
	return loc, nil
}

// Status returns the latest published status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe delivers every published status until cancel is called. A slow
// subscriber only misses intermediate values, never the latest one.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	ch <- m.status
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Close rejects further commands and flushes the persisted snapshot. Serve
// must have returned.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopped) })
	if m.persist != nil {
		m.persist.Close()
	}
}

// String names the manager in supervisor logs.
func (m *Manager) String() string { return "connectivity" }

func (m *Manager) send(ctx context.Context, in input) error {
	select {
	case <-m.stopped:
		return ErrStopped
	default:
	}
	select {
	case m.events <- in:
		return nil
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is used by transport callbacks and timers, which must never block
// the goroutine that invoked them.
func (m *Manager) post(in input) {
	m.mu.RLock()
	done := m.loopDone
	m.mu.RUnlock()
	go func() {
		select {
		case m.events <- in:
		case <-m.stopped:
		case <-done:
		}
	}()
}

// Serve runs the event loop until ctx is cancelled. On the first run a
// restored snapshot is resumed: a connection that existed before the restart
// is treated as lost and retried.
func (m *Manager) Serve(ctx context.Context) error {
	m.runCtx = ctx
	done := make(chan struct{})
	m.mu.Lock()
	m.loopDone = done
	m.mu.Unlock()
	defer close(done)

	if !m.resumed {
		m.resumed = true
		if res := fsm.Resume(m.policy, m.snap); res.Handled {
			m.log.Info().Str("state", m.snap.State.String()).Msg("resuming persisted connection")
			m.commit("resume", res)
		}
	}

	for {
		select {
		case in := <-m.events:
			m.handle(in)
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		}
	}
}

func (m *Manager) shutdown() {
	m.stopTimer()
	m.dropTransport()
	if m.persist != nil {
		m.persist.Flush()
	}
}

func (m *Manager) handle(in input) {
	switch in.kind {
	case inputCommand:
		if in.event == fsm.ConnectRequested {
			m.problem = ""
		}
		m.apply(fsm.Event{Kind: in.event})

	case inputLocation:
		m.endpoint = nil
		m.problem = ""
		m.apply(fsm.Event{Kind: fsm.LocationChanged})
		m.publish()

	case inputAttach:
		if in.gen != m.gen {
			_ = in.tr.Close()
			return
		}
		m.tr = in.tr

	case inputRefreshed:
		if in.gen != m.gen {
			return
		}
		if ev, ok := m.dial(in.alternate); ok {
			m.apply(fsm.Event{Kind: ev})
		}
		m.publish()

	case inputOpened:
		if in.gen != m.gen {
			return
		}
		ep := in.endpoint
		if m.apply(fsm.Event{Kind: fsm.TransportOpened}) {
			m.endpoint = &ep
			m.log.Info().Str("endpoint", ep.ID).Msg("connected")
			m.publish()
		}

	case inputClosed:
		if in.gen != m.gen {
			return
		}
		if in.err != nil {
			m.log.Warn().Err(in.err).Msg("control channel lost")
		}
		m.apply(fsm.Event{Kind: fsm.TransportClosedOrErrored})

	case inputTimer:
		if in.gen != m.timerGen {
			return
		}
		m.timer = nil
		m.nextRetry = time.Time{}
		loc, ok := m.backend.SelectedLocation()
		m.apply(fsm.Event{Kind: fsm.RetryTimerFired, HasAlternate: ok && len(loc.Endpoints) > 1})
	}
}

// apply feeds ev to the state machine and reports whether it was handled.
func (m *Manager) apply(ev fsm.Event) bool {
	res := fsm.Transition(m.policy, m.snap, ev)
	if !res.Handled {
		metrics.ConnectivityIgnoredEvents.WithLabelValues(m.snap.State.String(), string(ev.Kind)).Inc()
		m.log.Debug().Str("state", m.snap.State.String()).Str("event", string(ev.Kind)).Msg("event ignored")
		return false
	}
	m.commit(string(ev.Kind), res)
	return true
}

func (m *Manager) commit(event string, res fsm.Result) {
	prev := m.snap
	m.snap = res.Snapshot

	metrics.ConnectivityTransitions.WithLabelValues(prev.State.String(), m.snap.State.String(), event).Inc()
	m.log.Debug().
		Str("from", prev.State.String()).
		Str("to", m.snap.State.String()).
		Str("event", event).
		Int("retry_count", m.snap.Context.RetryCount).
		Int64("delay_ms", m.snap.Context.CurrentReconnectionDelayMs).
		Msg("transition")
	if m.opts.Recorder != nil {
		m.opts.Recorder.Record(models.Transition{
			From:       prev.State.String(),
			To:         m.snap.State.String(),
			Event:      event,
			RetryCount: m.snap.Context.RetryCount,
			DelayMs:    m.snap.Context.CurrentReconnectionDelayMs,
			At:         time.Now().UTC(),
		})
	}
	m.save()

	var followUp []fsm.EventKind
	for _, eff := range res.Effects {
		if ev, ok := m.execute(eff); ok {
			followUp = append(followUp, ev)
		}
	}
	m.publish()
	for _, ev := range followUp {
		m.apply(fsm.Event{Kind: ev})
	}
}

// execute performs one effect. It may return an event to apply once all
// effects of the current transition have run.
func (m *Manager) execute(eff fsm.Effect) (fsm.EventKind, bool) {
	switch eff.Kind {
	case fsm.OpenTransport:
		return m.openTransport(eff.Alternate)
	case fsm.CloseTransport:
		m.dropTransport()
	case fsm.ScheduleRetry:
		m.scheduleRetry(time.Duration(eff.DelayMs) * time.Millisecond)
	case fsm.CancelRetry:
		m.stopTimer()
	case fsm.RefreshCredentials:
		m.pendingRefresh = true
	}
	return "", false
}

// openTransport starts a new attempt. When a refresh is due, credentials and
// the location list are fetched first and the endpoint is chosen from the
// refreshed list once the result is back on the loop.
func (m *Manager) openTransport(alternate bool) (fsm.EventKind, bool) {
	m.dropTransport()

	if m.pendingRefresh {
		m.pendingRefresh = false
		ctx := m.attemptContext()
		m.log.Info().Bool("alternate", alternate).Msg("refreshing credentials and locations before retry")
		go m.refresh(ctx, m.gen, alternate)
		return "", false
	}
	return m.dial(alternate)
}

// dial resolves the endpoint of the selected location and opens it.
func (m *Manager) dial(alternate bool) (fsm.EventKind, bool) {
	loc, ok := m.backend.SelectedLocation()
	if !ok {
		m.problem = ProblemNoLocations
		m.log.Warn().Msg("no locations available, giving up")
		return fsm.DisconnectRequested, true
	}
	ep, ok := m.chooseEndpoint(loc, alternate)
	if !ok {
		m.problem = ProblemNoEndpoints
		m.log.Warn().Str("location", loc.ID).Msg("location has no endpoints, giving up")
		return fsm.DisconnectRequested, true
	}

	ctx := m.attemptContext()
	m.log.Info().Str("location", loc.ID).Str("endpoint", ep.ID).Bool("alternate", alternate).Msg("opening control channel")
	go m.open(ctx, m.gen, ep)
	return "", false
}

// attemptContext returns a context cancelled by the next dropTransport.
func (m *Manager) attemptContext() context.Context {
	base := m.runCtx
	if base == nil {
		base = context.Background()
	}
	if m.cancelOpen != nil {
		m.cancelOpen()
	}
	ctx, cancel := context.WithCancel(base)
	m.cancelOpen = cancel
	return ctx
}

// chooseEndpoint keeps the current endpoint while it belongs to loc. An
// alternate attempt uses a sibling without replacing the current endpoint;
// it only becomes current once the channel opens.
func (m *Manager) chooseEndpoint(loc models.Location, alternate bool) (models.Endpoint, bool) {
	var current *models.Endpoint
	if m.endpoint != nil {
		if ep, ok := loc.EndpointByID(m.endpoint.ID); ok {
			current = &ep
		}
	}
	if current == nil {
		ep, ok := m.selector.SelectEndpoint(loc)
		if !ok {
			return models.Endpoint{}, false
		}
		current = &ep
		m.endpoint = &ep
	}
	if alternate {
		if sib, ok := m.selector.SelectSibling(loc, current.ID); ok {
			return sib, true
		}
	}
	return *current, true
}

func (m *Manager) refresh(ctx context.Context, gen uint64, alternate bool) {
	if err := m.backend.Refresh(ctx); err != nil {
		m.log.Warn().Err(err).Msg("refresh before retry failed")
	}
	m.deliver(ctx, input{kind: inputRefreshed, gen: gen, alternate: alternate})
}

func (m *Manager) open(ctx context.Context, gen uint64, ep models.Endpoint) {
	creds, err := m.backend.AccessCredentials(ctx)
	if err != nil {
		metrics.TransportOpens.WithLabelValues("no_credentials").Inc()
		m.deliver(ctx, input{kind: inputClosed, gen: gen, err: fmt.Errorf("credentials: %w", err)})
		return
	}

	tr := m.factory.Create(transport.BuildURL(m.opts.URLTemplate, creds.Prefix+"."+ep.DomainName))
	tr.OnClose(func(err error) {
		if err == nil {
			err = transport.ErrClosed
		}
		m.post(input{kind: inputClosed, gen: gen, err: err})
	})
	if !m.deliver(ctx, input{kind: inputAttach, gen: gen, tr: tr}) {
		_ = tr.Close()
		return
	}

	if err := tr.Open(ctx); err != nil {
		metrics.TransportOpens.WithLabelValues("failure").Inc()
		m.deliver(ctx, input{kind: inputClosed, gen: gen, err: err})
		return
	}
	metrics.TransportOpens.WithLabelValues("success").Inc()
	m.deliver(ctx, input{kind: inputOpened, gen: gen, endpoint: ep})
}

// deliver sends from an open goroutine. A cancelled attempt is stale, so
// dropping its result is safe.
func (m *Manager) deliver(ctx context.Context, in input) bool {
	select {
	case m.events <- in:
		return true
	case <-ctx.Done():
		return false
	case <-m.stopped:
		return false
	}
}

// dropTransport invalidates the in-flight attempt and closes the channel.
func (m *Manager) dropTransport() {
	m.gen++
	if m.cancelOpen != nil {
		m.cancelOpen()
		m.cancelOpen = nil
	}
	if m.tr != nil {
		tr := m.tr
		m.tr = nil
		if err := tr.Close(); err != nil {
			m.log.Debug().Err(err).Msg("close control channel")
		}
	}
}

func (m *Manager) scheduleRetry(delay time.Duration) {
	m.stopTimer()
	gen := m.timerGen
	m.nextRetry = time.Now().Add(delay).UTC()
	m.timer = time.AfterFunc(delay, func() {
		m.post(input{kind: inputTimer, gen: gen})
	})
	m.log.Info().Dur("delay", delay).Int("retry_count", m.snap.Context.RetryCount).Msg("retry scheduled")
}

func (m *Manager) stopTimer() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.nextRetry = time.Time{}
}

func (m *Manager) save() {
	if m.persist == nil {
		return
	}
	data, err := json.Marshal(m.snap)
	if err != nil {
		m.log.Warn().Err(err).Msg("encode connectivity state")
		return
	}
	m.persist.Write(data)
}

func (m *Manager) publish() {
	st := Status{
		State:     m.snap.State,
		Context:   m.snap.Context,
		Problem:   m.problem,
		UpdatedAt: time.Now().UTC(),
	}
	if loc, ok := m.backend.SelectedLocation(); ok {
		st.LocationID = loc.ID
	}
	if m.endpoint != nil {
		ep := *m.endpoint
		st.Endpoint = &ep
	}
	if !m.nextRetry.IsZero() {
		at := m.nextRetry
		st.NextRetryAt = &at
	}

	names := make([]string, len(fsm.AllStates))
	for i, s := range fsm.AllStates {
		names[i] = s.String()
	}
	metrics.SetConnectivityState(names, st.State.String())
	metrics.ConnectivityRetryCount.Set(float64(st.Context.RetryCount))
	metrics.ReconnectionDelay.Set(float64(st.Context.CurrentReconnectionDelayMs) / 1000)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = st
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

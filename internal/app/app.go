// Package app wires the connectivity components into a supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"vpnlink/internal/backend"
	"vpnlink/internal/config"
	"vpnlink/internal/connectivity"
	"vpnlink/internal/fsm"
	"vpnlink/internal/history"
	"vpnlink/internal/logging"
	"vpnlink/internal/ping"
	"vpnlink/internal/server"
	"vpnlink/internal/storage"
	"vpnlink/internal/transport"
)

// App owns every long-lived component of the process.
type App struct {
	cfg       config.Config
	log       zerolog.Logger
	store     storage.Store
	backend   *backend.Service
	ping      *ping.Service
	scheduler *ping.Scheduler
	recorder  *history.Recorder
	manager   *connectivity.Manager
	server    *server.Server
	root      *suture.Supervisor
}

// New builds the component graph from cfg.
func New(cfg config.Config) (*App, error) {
	a := &App{cfg: cfg, log: logging.Component("app")}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.backend, err = backend.NewService(cfg.Backend, cfg.Locations, store, logging.Component("backend"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	handshake := time.Duration(cfg.Transport.HandshakeSeconds) * time.Second
	pingTimeout := time.Duration(cfg.Ping.TimeoutSeconds) * time.Second

	a.ping = ping.NewService(
		transport.NewWebSocketFactory(transport.Options{
			HandshakeTimeout: pingTimeout,
			Logger:           logging.Component("ping-transport"),
		}),
		a.backend,
		ping.Options{
			Mode:            cfg.Ping.Mode,
			Timeout:         pingTimeout,
			URLTemplate:     cfg.Transport.URLTemplate,
			HTTPAttempts:    cfg.Ping.HTTPAttempts,
			HTTPPath:        cfg.Ping.HTTPPath,
			Store:           store,
			PersistInterval: time.Duration(cfg.Ping.PersistIntervalMs) * time.Millisecond,
			Logger:          logging.Component("ping"),
		},
	)
	a.scheduler = ping.NewScheduler(a.ping, a.backend,
		time.Duration(cfg.Ping.IntervalSeconds)*time.Second, logging.Component("ping-scheduler"))

	persistInterval := time.Duration(cfg.Connectivity.PersistIntervalMs) * time.Millisecond
	a.recorder = history.NewRecorder(store, cfg.Connectivity.HistorySize, persistInterval, logging.Component("history"))

	a.manager = connectivity.NewManager(a.backend, a.ping,
		transport.NewWebSocketFactory(transport.Options{
			HandshakeTimeout: handshake,
			MaxRetries:       cfg.Transport.MaxRetries,
			RetryDelay:       time.Duration(cfg.Transport.RetryDelayMs) * time.Millisecond,
			PingInterval:     30 * time.Second,
			Logger:           logging.Component("transport"),
		}),
		connectivity.Options{
			Policy: fsm.Policy{
				FloorMs:        cfg.Connectivity.ReconnectFloorMs,
				CeilingMs:      cfg.Connectivity.ReconnectCeilingMs,
				Multiplier:     cfg.Connectivity.BackoffMultiplier,
				RefreshAfterMs: cfg.Connectivity.RefreshAfterMs,
			},
			URLTemplate:     cfg.Transport.URLTemplate,
			Store:           store,
			PersistInterval: persistInterval,
			Recorder:        a.recorder,
			Logger:          logging.Component("connectivity"),
		},
	)

	a.server = server.New(cfg.ListenAddr, server.Deps{
		Connectivity: a.manager,
		Locations:    a.backend,
		Pinger:       a.ping,
		History:      a.recorder,
		Logger:       logging.Component("http"),
	})

	a.root = suture.New("vpnlink", suture.Spec{
		EventHook:        eventHook(logging.Component("supervisor")),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	a.root.Add(a.backend)
	a.root.Add(a.manager)
	a.root.Add(a.scheduler)
	a.root.Add(a.server)
	return a, nil
}

// Run serves until ctx is cancelled, then releases every resource.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.backend.RefreshLocations(ctx); err != nil {
		a.log.Warn().Err(err).Msg("initial location fetch failed")
	}
	a.log.Info().Int("locations", len(a.backend.Locations())).Str("listen", a.cfg.ListenAddr).Msg("starting")

	errCh := a.root.ServeBackground(ctx)

	if a.cfg.Connectivity.AutoConnect && !a.manager.Status().State.IsActive() {
		if err := a.manager.Connect(ctx); err != nil {
			a.log.Warn().Err(err).Msg("auto connect")
		}
	}

	err := <-errCh
	if unstopped, _ := a.root.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			a.log.Warn().Str("service", svc.Name).Msg("service failed to stop")
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Manager exposes the connection manager.
func (a *App) Manager() *connectivity.Manager { return a.manager }

func (a *App) close() {
	a.manager.Close()
	a.ping.Close()
	a.recorder.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close storage")
	}
}

func openStore(cfg config.Config) (storage.Store, error) {
	if cfg.Storage.Backend == config.StorageMemory {
		return storage.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(cfg.DataDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	switch cfg.Storage.Backend {
	case config.StorageFile:
		return storage.NewFileStore(filepath.Join(cfg.DataDirectory, "state.json"))
	default:
		return storage.OpenBadgerStore(filepath.Join(cfg.DataDirectory, "badger"))
	}
}

// eventHook logs supervisor events through zerolog.
func eventHook(log zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		ev := log.Warn()
		if e.Type() == suture.EventTypeResume {
			ev = log.Info()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeWriteTimeout       = time.Second
)

// Options configures WebSocket transports.
type Options struct {
	HandshakeTimeout time.Duration
	// MaxRetries is the number of immediate reconnections attempted after an
	// unexpected drop before OnClose fires.
	MaxRetries int
	RetryDelay time.Duration
	// PingInterval enables WebSocket keepalive pings; a peer that misses two
	// intervals is treated as dropped. Zero disables keepalive.
	PingInterval time.Duration
	Header       http.Header
	Logger       zerolog.Logger
}

// WebSocketFactory creates gorilla/websocket backed transports.
type WebSocketFactory struct {
	opts   Options
	dialer *websocket.Dialer
}

// NewWebSocketFactory returns a factory sharing one dialer.
func NewWebSocketFactory(opts Options) *WebSocketFactory {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &WebSocketFactory{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

// Create implements Factory.
func (f *WebSocketFactory) Create(url string) Transport {
	return &WebSocket{
		url:    url,
		opts:   f.opts,
		dialer: f.dialer,
		stopCh: make(chan struct{}),
		logger: f.opts.Logger.With().Str("url", url).Logger(),
	}
}

// WebSocket is a Transport over a single gorilla/websocket connection with
// bounded low-level reconnection.
type WebSocket struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu         sync.Mutex
	state      ReadyState
	conn       *websocket.Conn
	opened     bool
	terminal   bool
	closeFired bool
	cancelDial context.CancelFunc
	stopCh     chan struct{}

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onMessage func([]byte)
	onClose   func(error)
}

func (w *WebSocket) OnMessage(fn func([]byte)) {
	w.handlerMu.Lock()
	w.onMessage = fn
	w.handlerMu.Unlock()
}

func (w *WebSocket) OnClose(fn func(error)) {
	w.handlerMu.Lock()
	w.onClose = fn
	w.handlerMu.Unlock()
}

func (w *WebSocket) ReadyState() ReadyState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Open dials the peer. Calling Open on an open transport is a no-op.
func (w *WebSocket) Open(ctx context.Context) error {
	w.mu.Lock()
	switch {
	case w.terminal:
		w.mu.Unlock()
		return ErrClosed
	case w.state == StateOpen:
		w.mu.Unlock()
		return nil
	case w.state != StateClosed:
		w.mu.Unlock()
		return fmt.Errorf("transport: open while %s", w.state)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	w.cancelDial = cancel
	w.state = StateConnecting
	w.mu.Unlock()

	conn, err := w.dial(dialCtx)
	cancel()

	w.mu.Lock()
	w.cancelDial = nil
	if w.terminal {
		w.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		w.state = StateClosed
		w.mu.Unlock()
		return err
	}
	w.conn = conn
	w.state = StateOpen
	w.opened = true
	w.mu.Unlock()

	w.startLoops(conn)
	return nil
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s (status %d): %w", w.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", w.url, err)
	}
	return conn, nil
}

// Send writes data as a single binary message.
func (w *WebSocket) Send(data []byte) error {
	w.mu.Lock()
	conn := w.conn
	open := w.state == StateOpen
	w.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close shuts the connection down and stops any reconnection in progress.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.terminal {
		w.mu.Unlock()
		return nil
	}
	w.terminal = true
	close(w.stopCh)
	if w.cancelDial != nil {
		w.cancelDial()
	}
	conn := w.conn
	w.conn = nil
	if conn != nil {
		w.state = StateClosing
	}
	w.mu.Unlock()

	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout))
		w.writeMu.Unlock()
		_ = conn.Close()
	}

	w.finish(nil)
	return nil
}

func (w *WebSocket) startLoops(conn *websocket.Conn) {
	if w.opts.PingInterval > 0 {
		deadline := 2 * w.opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
		go w.keepalive(conn)
	}
	go w.readLoop(conn)
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			w.handleDrop(conn, err)
			return
		}
		if w.opts.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * w.opts.PingInterval))
		}
		w.handlerMu.RLock()
		fn := w.onMessage
		w.handlerMu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (w *WebSocket) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			current := w.conn == conn
			w.mu.Unlock()
			if !current {
				return
			}
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.PingInterval))
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleDrop runs when the read loop of conn fails. Drops caused by Close or
// by a connection that has already been replaced are ignored.
func (w *WebSocket) handleDrop(conn *websocket.Conn, cause error) {
	w.mu.Lock()
	if w.terminal || w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	w.state = StateConnecting
	w.mu.Unlock()
	_ = conn.Close()

	w.logger.Debug().Err(cause).Int("max_retries", w.opts.MaxRetries).Msg("connection dropped")

	lastErr := cause
	for attempt := 1; attempt <= w.opts.MaxRetries; attempt++ {
		if w.opts.RetryDelay > 0 {
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.opts.RetryDelay):
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.opts.HandshakeTimeout)
		w.mu.Lock()
		if w.terminal {
			w.mu.Unlock()
			cancel()
			return
		}
		w.cancelDial = cancel
		w.mu.Unlock()

		next, err := w.dial(ctx)
		cancel()

		w.mu.Lock()
		w.cancelDial = nil
		if w.terminal {
			w.mu.Unlock()
			if next != nil {
				_ = next.Close()
			}
			return
		}
		if err == nil {
			w.conn = next
			w.state = StateOpen
			w.mu.Unlock()
			w.logger.Debug().Int("attempt", attempt).Msg("reconnected")
			w.startLoops(next)
			return
		}
		w.mu.Unlock()
		lastErr = err
		w.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}

	w.mu.Lock()
	w.terminal = true
	w.mu.Unlock()
	w.finish(lastErr)
}

func (w *WebSocket) finish(err error) {
	w.mu.Lock()
	w.state = StateClosed
	fire := w.opened && !w.closeFired
	w.closeFired = true
	w.mu.Unlock()
	if !fire {
		return
	}

	w.handlerMu.RLock()
	fn := w.onClose
	w.handlerMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

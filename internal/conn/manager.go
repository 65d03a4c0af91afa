package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/backend"
	"github.com/chatloop/chatloop/internal/bus"
)

// Config tunes the connection manager.
type Config struct {
	// URL is the websocket endpoint of the backend event channel.
	URL string
	// Heartbeat is the ping interval. A peer that misses two consecutive
	// pongs degrades the connection; a missed third drops it.
	Heartbeat time.Duration
	// BackoffBase and BackoffMax bound the reconnect delay sequence
	// min(base*2^N, max).
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// WidenAfterFailures widens backoff once the estimator reports this
	// many consecutive probe failures. Zero disables widening.
	WidenAfterFailures int
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 20 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Manager owns the realtime websocket: it dials, heartbeats, reconnects
// with exponential backoff, and dispatches decoded events to channel
// handlers. Subscriptions survive reconnects; every channel is replayed to
// the server after each successful dial.
type Manager struct {
	cfg     Config
	machine *Machine
	backoff *backoff
	bus     *bus.Bus
	logger  *zap.Logger

	// failureStreak reports the estimator's consecutive probe failures.
	// May be nil.
	failureStreak func() int

	dial func(ctx context.Context, url string) (*websocket.Conn, error)

	mu       sync.Mutex
	channels map[string]*Channel
	ws       *websocket.Conn
	writeMu  sync.Mutex

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a connection manager. failureStreak may be nil.
func NewManager(cfg Config, b *bus.Bus, failureStreak func() int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:           cfg,
		machine:       NewMachine(b),
		backoff:       newBackoff(cfg.BackoffBase, cfg.BackoffMax),
		bus:           b,
		logger:        logger,
		failureStreak: failureStreak,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return c, err
		},
		channels: make(map[string]*Channel),
		kick:     make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// CreateChannel registers a subscription. Registering an existing name
// replaces its handlers. If connected, the subscribe frame is sent
// immediately; otherwise it is replayed on the next successful dial.
func (m *Manager) CreateChannel(ch *Channel) {
	m.mu.Lock()
	m.channels[ch.Name] = ch
	ws := m.ws
	m.mu.Unlock()

	if ws != nil {
		if err := m.writeJSON(backend.SubscribeCommand(ch.Name, ch.Table, ch.Filter)); err != nil {
			m.logger.Warn("subscribe failed", zap.String("channel", ch.Name), zap.Error(err))
		}
	}
}

// RemoveChannel drops a subscription. Removing an unknown name is a no-op.
func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	_, known := m.channels[name]
	delete(m.channels, name)
	ws := m.ws
	m.mu.Unlock()

	if known && ws != nil {
		if err := m.writeJSON(backend.UnsubscribeCommand(name)); err != nil {
			m.logger.Warn("unsubscribe failed", zap.String("channel", name), zap.Error(err))
		}
	}
}

// ReconnectChannels tears down the socket and reconnects immediately,
// bypassing the backoff delay. All registered channels are resubscribed on
// the new connection.
func (m *Manager) ReconnectChannels() {
	m.backoff.Reset()
	select {
	case m.kick <- struct{}{}:
	default:
	}
	m.closeWS()
}

// Broadcast sends an ephemeral payload on a channel. Fire and forget: the
// error only reports a local write failure.
func (m *Manager) Broadcast(channel, event string, payload any) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	return m.writeJSON(backend.BroadcastCommand(channel, event, payload))
}

// Start begins the dial/read/reconnect loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.closeWS()
	if m.done != nil {
		<-m.done
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer func() { _ = m.machine.Transition(Disconnected) }()

	for {
		if ctx.Err() != nil {
			return
		}
		_ = m.machine.Transition(Connecting)

		ws, err := m.dial(ctx, m.cfg.URL)
		if err != nil {
			m.logger.Warn("dial failed", zap.Error(err))
			if !m.waitBackoff(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.ws = ws
		m.mu.Unlock()

		_ = m.machine.Transition(Connected)
		m.backoff.Reset()
		m.resubscribe()

		m.readLoop(ctx, ws)

		m.mu.Lock()
		m.ws = nil
		m.mu.Unlock()
		_ = ws.Close()

		if ctx.Err() != nil {
			return
		}
		if !m.waitBackoff(ctx) {
			return
		}
	}
}

// waitBackoff sleeps for the next backoff delay. A pending kick skips the
// delay entirely. Returns false when the context is done.
func (m *Manager) waitBackoff(ctx context.Context) bool {
	_ = m.machine.Transition(Reconnecting)

	if m.cfg.WidenAfterFailures > 0 && m.failureStreak != nil {
		m.backoff.Widen(m.failureStreak() >= m.cfg.WidenAfterFailures)
	}

	select {
	case <-m.kick:
		return true
	default:
	}

	delay := m.backoff.Next()
	m.logger.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", m.backoff.Attempt()))
	select {
	case <-time.After(delay):
		return true
	case <-m.kick:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) resubscribe() {
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		if err := m.writeJSON(backend.SubscribeCommand(ch.Name, ch.Table, ch.Filter)); err != nil {
			m.logger.Warn("resubscribe failed", zap.String("channel", ch.Name), zap.Error(err))
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, ws *websocket.Conn) {
	heartbeat := m.cfg.Heartbeat
	pongWait := 3 * heartbeat

	var pongMu sync.Mutex
	lastPong := time.Now()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		pongMu.Lock()
		lastPong = time.Now()
		pongMu.Unlock()
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		_ = m.machine.Transition(Connected)
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.writeMu.Lock()
				err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				m.writeMu.Unlock()
				if err != nil {
					_ = ws.Close()
					return
				}
				pongMu.Lock()
				silent := time.Since(lastPong)
				pongMu.Unlock()
				if silent > 2*heartbeat {
					m.logger.Warn("missed pongs, connection degraded", zap.Duration("silent", silent))
					_ = m.machine.Transition(Degraded)
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("read failed", zap.Error(err))
			}
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	evt, err := backend.DecodeEvent(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	if ack, ok := evt.(backend.SubscribeAck); ok {
		m.logger.Debug("subscription acknowledged", zap.String("channel", ack.Channel))
		return
	}

	m.mu.Lock()
	ch := m.channels[evt.ChannelName()]
	m.mu.Unlock()
	if ch == nil {
		m.logger.Debug("event for unknown channel", zap.String("channel", evt.ChannelName()))
		return
	}

	h := ch.handlerFor(evt)
	if h == nil {
		return
	}
	m.invoke(ch.Name, h, evt)
}

// invoke runs a handler with panic isolation. One bad handler must not
// take down the read loop or starve other channels.
func (m *Manager) invoke(channel string, h Handler, evt backend.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("channel handler panicked",
				zap.String("channel", channel),
				zap.Any("panic", r))
		}
	}()
	h(evt)
}

func (m *Manager) writeJSON(v any) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return ws.WriteJSON(v)
}

func (m *Manager) closeWS() {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

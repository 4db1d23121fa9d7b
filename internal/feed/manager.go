// Package feed owns the single upstream connection to the feed provider. The
// manager authenticates, subscribes, normalizes incoming fills into the
// history buffer and the pending write queue, and recovers from transport
// failures with bounded exponential backoff. All transport and protocol
// errors are non-fatal: they only drive reconnection.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	appconfig "feedhub/config"
	"feedhub/internal/buffer"
	"feedhub/internal/metrics"
	"feedhub/internal/models"
	"feedhub/logger"
)

// State of the connection manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Health is a point-in-time snapshot of the connection state, readable by
// any number of concurrent callers.
type Health struct {
	State             State
	LastMessageAt     time.Time
	ReconnectAttempts int
	TotalRecordsSeen  int64
	InvalidDropped    int64
}

// Sink receives every valid canonical record for durable persistence.
type Sink interface {
	Enqueue(event models.TradeEvent)
}

// Manager maintains exactly one live connection to the feed provider and
// keeps the history buffer current. It is the only writer to the buffer and
// to its own health state.
type Manager struct {
	cfg       appconfig.FeedConfig
	transport Transport
	buffer    *buffer.Ring
	sink      Sink
	log       *logger.Log
	now       func() time.Time

	mu             sync.RWMutex
	state          State
	lastMessageAt  time.Time
	lastSentAt     time.Time
	attempts       int
	totalSeen      int64
	invalidDropped int64
	conn           Conn
	dialCancel     context.CancelFunc
	forcedTrigger  string
	running        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires the manager to its buffer and persistence sink.
func NewManager(cfg appconfig.FeedConfig, transport Transport, ring *buffer.Ring, sink Sink, log *logger.Log) *Manager {
	return &Manager{
		cfg:       cfg,
		transport: transport,
		buffer:    ring,
		sink:      sink,
		log:       log,
		now:       time.Now,
		state:     StateDisconnected,
	}
}

// Start launches the connect loop and the health monitor. It is idempotent:
// starting a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.log.WithComponent("feed_manager").WithFields(logger.Fields{
		"url":    m.cfg.URL,
		"stream": m.cfg.Stream,
	}).Info("starting feed manager")

	m.wg.Add(1)
	go m.run()

	m.wg.Add(1)
	go m.healthLoop()

	return nil
}

// Stop enters the terminal shutdown state: the transport is closed, timers
// stop, and no reconnect is scheduled. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.state = StateShuttingDown
	cancel := m.cancel
	conn := m.conn
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
	m.log.WithComponent("feed_manager").Info("feed manager stopped")
}

// Health returns a snapshot of the connection health.
func (m *Manager) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Health{
		State:             m.state,
		LastMessageAt:     m.lastMessageAt,
		ReconnectAttempts: m.attempts,
		TotalRecordsSeen:  m.totalSeen,
		InvalidDropped:    m.invalidDropped,
	}
}

// ForceReconnect tears down the current transport without waiting for a
// close event. The read loop observes the closed connection and follows the
// normal disconnect path. An in-flight connection attempt is cancelled so
// two connections can never be live at once.
func (m *Manager) ForceReconnect(trigger string) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	conn := m.conn
	dialCancel := m.dialCancel
	m.forcedTrigger = trigger
	m.mu.Unlock()

	m.log.WithComponent("feed_manager").WithFields(logger.Fields{
		"trigger": trigger,
	}).Warn("forcing reconnect")

	if dialCancel != nil {
		dialCancel()
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		if m.ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)

		dialCtx, dialCancel := context.WithCancel(m.ctx)
		m.mu.Lock()
		m.dialCancel = dialCancel
		m.mu.Unlock()

		conn, err := m.transport.Dial(dialCtx, m.cfg.URL)
		dialCancel()
		m.mu.Lock()
		m.dialCancel = nil
		m.mu.Unlock()

		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.log.WithComponent("feed_manager").WithError(err).Warn("failed to connect to feed")
			if m.waitBackoff(m.onDisconnect()) {
				return
			}
			continue
		}

		m.setConn(conn)
		m.setState(StateAuthenticating)

		if err := m.send(conn, models.AuthRequest{Type: models.MsgTypeAuth, APIKey: m.cfg.APIKey}); err != nil {
			m.log.WithComponent("feed_manager").WithError(err).Warn("failed to send auth request")
			m.teardown(conn)
			if m.waitBackoff(m.onDisconnect()) {
				return
			}
			continue
		}

		err = m.readLoop(conn)
		m.teardown(conn)

		if m.ctx.Err() != nil {
			return
		}
		if err != nil {
			m.log.WithComponent("feed_manager").WithError(err).Warn("feed read loop ended")
		}
		if m.waitBackoff(m.onDisconnect()) {
			return
		}
	}
}

// readLoop processes messages strictly in arrival order on a single
// goroutine, so the buffer's ordering matches provider delivery order.
func (m *Manager) readLoop(conn Conn) error {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		logger.IncrementFeedRead(len(raw))
		m.handleMessage(conn, raw)
	}
}

func (m *Manager) handleMessage(conn Conn, raw []byte) {
	var msg models.FeedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.IncrementDropped(metrics.DropReasonProtocol)
		m.log.WithComponent("feed_manager").WithError(err).Warn("malformed feed message")
		return
	}

	switch msg.Type {
	case models.MsgTypePing:
		// Reply before anything else so the provider's liveness timer
		// never expires behind a slow data batch.
		if err := m.send(conn, models.ControlFrame{Type: models.MsgTypePong}); err != nil {
			m.log.WithComponent("feed_manager").WithError(err).Warn("failed to send pong")
		}
		m.touch()
	case models.MsgTypeConnected:
		m.touch()
		sub := models.SubscribeRequest{
			Type: models.MsgTypeSubscribe,
			Subscription: models.Subscription{
				Stream:  m.cfg.Stream,
				Symbols: m.cfg.Symbols,
			},
		}
		if err := m.send(conn, sub); err != nil {
			m.log.WithComponent("feed_manager").WithError(err).Warn("failed to send subscribe request")
		}
	case models.MsgTypeSubscriptionAck:
		m.touch()
		m.onSubscribed()
	case models.MsgTypePong:
		m.touch()
	case models.MsgTypeError:
		m.touch()
		// Auth rejections arrive here; they follow the same backoff
		// loop as any transport error, but the message is surfaced so
		// a bad key is visible to operators.
		m.log.WithComponent("feed_manager").WithFields(logger.Fields{
			"message": msg.Message,
		}).Warn("feed error message")
	case m.cfg.Stream:
		m.touch()
		m.handleData(msg.Data)
	default:
		// Unknown control types are ignored per protocol.
		m.touch()
	}
}

func (m *Manager) handleData(data []json.RawMessage) {
	arrival := m.now()
	accepted := 0
	for _, raw := range data {
		event, err := normalizeFill(raw, arrival)
		if err != nil {
			metrics.IncrementDropped(metrics.DropReasonProtocol)
			m.log.WithComponent("feed_manager").WithError(err).Warn("failed to normalize fill")
			continue
		}
		if err := event.Validate(); err != nil {
			metrics.IncrementDropped(metrics.DropReasonValidation)
			m.mu.Lock()
			m.invalidDropped++
			m.mu.Unlock()
			m.log.WithComponent("feed_manager").WithError(err).Debug("dropped invalid record")
			continue
		}

		m.buffer.Insert(event)
		m.sink.Enqueue(event)
		accepted++
	}

	if accepted > 0 {
		m.mu.Lock()
		m.totalSeen += int64(accepted)
		m.mu.Unlock()
		metrics.IncrementRecordsSeen(accepted)
	}
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	healthTicker := time.NewTicker(m.cfg.HealthCheckInterval)
	pingTicker := time.NewTicker(m.cfg.PingInterval)
	defer healthTicker.Stop()
	defer pingTicker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-healthTicker.C:
			m.checkStale()
		case <-pingTicker.C:
			m.maybePing()
		}
	}
}

// checkStale force-reconnects when the provider has silently stopped sending
// while the transport still looks open. Liveness is message-recency based,
// not transport based. Resetting lastMessageAt marks the stale period as
// handled so a slow teardown cannot double-trigger.
func (m *Manager) checkStale() {
	m.mu.Lock()
	stale := m.state == StateSubscribed && m.now().Sub(m.lastMessageAt) > m.cfg.StaleThreshold
	if stale {
		m.lastMessageAt = m.now()
	}
	m.mu.Unlock()

	if stale {
		m.log.WithComponent("feed_manager").WithFields(logger.Fields{
			"stale_threshold": m.cfg.StaleThreshold.String(),
		}).Warn("no feed messages within stale threshold")
		m.ForceReconnect(metrics.ReconnectTriggerStale)
	}
}

// maybePing sends an application-level ping when nothing has been written
// recently, to surface half-open connections before the stale threshold
// trips.
func (m *Manager) maybePing() {
	m.mu.Lock()
	conn := m.conn
	idle := m.now().Sub(m.lastSentAt) >= m.cfg.PingInterval
	subscribed := m.state == StateSubscribed || m.state == StateAuthenticating
	m.mu.Unlock()

	if conn == nil || !idle || !subscribed {
		return
	}
	if err := m.send(conn, models.ControlFrame{Type: models.MsgTypePing}); err != nil {
		m.log.WithComponent("feed_manager").WithError(err).Warn("failed to send keepalive ping")
	}
}

// onDisconnect records the drop and returns the delay before the next
// connection attempt: min(base * 1.5^n, max).
func (m *Manager) onDisconnect() time.Duration {
	m.mu.Lock()
	if m.state != StateShuttingDown {
		m.state = StateDisconnected
	}
	m.attempts++
	attempts := m.attempts
	trigger := m.forcedTrigger
	m.forcedTrigger = ""
	m.mu.Unlock()

	if trigger == "" {
		trigger = metrics.ReconnectTriggerClose
	}
	metrics.IncrementReconnect(trigger)
	delay := backoffDelay(m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay, attempts)
	m.log.WithComponent("feed_manager").WithFields(logger.Fields{
		"attempts": attempts,
		"delay":    delay.String(),
	}).Warn("feed disconnected, reconnect scheduled")
	return delay
}

func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(float64(base) * math.Pow(1.5, float64(attempts-1)))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// waitBackoff sleeps for the delay, returning true when shutdown interrupts
// the wait.
func (m *Manager) waitBackoff(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-m.ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (m *Manager) onSubscribed() {
	m.mu.Lock()
	m.state = StateSubscribed
	m.attempts = 0
	m.mu.Unlock()
	m.log.WithComponent("feed_manager").WithFields(logger.Fields{
		"stream": m.cfg.Stream,
	}).Info("feed subscription acknowledged")
}

func (m *Manager) send(conn Conn, v interface{}) error {
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	m.mu.Lock()
	m.lastSentAt = m.now()
	m.mu.Unlock()
	return nil
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastMessageAt = m.now()
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state != StateShuttingDown {
		m.state = s
	}
	m.mu.Unlock()
}

func (m *Manager) setConn(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) teardown(conn Conn) {
	conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

// ErrNotRunning is returned by operations that require a started manager.
var ErrNotRunning = errors.New("feed manager is not running")

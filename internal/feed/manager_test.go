package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "feedhub/config"
	"feedhub/internal/buffer"
	"feedhub/internal/models"
	"feedhub/logger"
)

type fakeConn struct {
	incoming chan []byte
	sent     chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		sent:     make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.sent <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal test message: %v", err)
	}
	c.incoming <- data
}

// nextSent waits for the next outbound message and returns its type field.
func (c *fakeConn) nextSent(t *testing.T) (string, []byte) {
	t.Helper()
	select {
	case data := <-c.sent:
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal sent message: %v", err)
		}
		return frame.Type, data
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return "", nil
	}
}

type fakeTransport struct {
	conns chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 8)}
}

func (tr *fakeTransport) Dial(ctx context.Context, url string) (Conn, error) {
	select {
	case conn := <-tr.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeSink struct {
	mu     sync.Mutex
	events []models.TradeEvent
}

func (s *fakeSink) Enqueue(event models.TradeEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testFeedConfig() appconfig.FeedConfig {
	return appconfig.FeedConfig{
		URL:                 "wss://feed.test/ws",
		APIKey:              "test-key",
		Stream:              "userFills",
		Symbols:             []string{"BTC"},
		ReconnectBaseDelay:  time.Millisecond,
		ReconnectMaxDelay:   5 * time.Millisecond,
		StaleThreshold:      time.Hour,
		HealthCheckInterval: time.Hour,
		PingInterval:        time.Hour,
		WriteTimeout:        time.Second,
	}
}

type fixture struct {
	manager   *Manager
	transport *fakeTransport
	ring      *buffer.Ring
	sink      *fakeSink
}

func newFixture(t *testing.T, cfg appconfig.FeedConfig) *fixture {
	t.Helper()
	f := &fixture{
		transport: newFakeTransport(),
		ring:      buffer.NewRing(100),
		sink:      &fakeSink{},
	}
	f.manager = NewManager(cfg, f.transport, f.ring, f.sink, logger.GetLogger())
	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(f.manager.Stop)
	return f
}

// subscribe walks a fresh connection through the handshake and returns it
// once the manager reaches the subscribed state.
func (f *fixture) subscribe(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	f.transport.conns <- conn

	if typ, _ := conn.nextSent(t); typ != models.MsgTypeAuth {
		t.Fatalf("first outbound message = %q, want %q", typ, models.MsgTypeAuth)
	}
	conn.push(t, models.FeedMessage{Type: models.MsgTypeConnected})
	if typ, _ := conn.nextSent(t); typ != models.MsgTypeSubscribe {
		t.Fatalf("second outbound message = %q, want %q", typ, models.MsgTypeSubscribe)
	}
	conn.push(t, models.FeedMessage{Type: models.MsgTypeSubscriptionAck})

	waitFor(t, func() bool { return f.manager.Health().State == StateSubscribed })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func fillPayload(t *testing.T, fills ...models.RawFill) models.FeedMessage {
	t.Helper()
	data := make([]json.RawMessage, 0, len(fills))
	for _, fill := range fills {
		raw, err := json.Marshal(fill)
		if err != nil {
			t.Fatalf("marshal fill: %v", err)
		}
		data = append(data, raw)
	}
	return models.FeedMessage{Type: "userFills", Data: data}
}

func validFill(hash string) models.RawFill {
	return models.RawFill{
		TradeID:   "12345",
		OrderID:   "777",
		User:      "0xABCDEF",
		Coin:      "btc",
		Price:     "50000.5",
		Size:      "0.25",
		Side:      "B",
		Time:      time.Now().UnixMilli(),
		Fee:       "1.2",
		ClosedPnl: "0",
		Hash:      hash,
	}
}

func TestManagerHandshake(t *testing.T) {
	f := newFixture(t, testFeedConfig())
	conn := newFakeConn()
	f.transport.conns <- conn

	typ, data := conn.nextSent(t)
	if typ != models.MsgTypeAuth {
		t.Fatalf("first outbound message = %q, want %q", typ, models.MsgTypeAuth)
	}
	var auth models.AuthRequest
	if err := json.Unmarshal(data, &auth); err != nil {
		t.Fatalf("unmarshal auth request: %v", err)
	}
	if auth.APIKey != "test-key" {
		t.Fatalf("auth api key = %q, want %q", auth.APIKey, "test-key")
	}

	conn.push(t, models.FeedMessage{Type: models.MsgTypeConnected})
	typ, data = conn.nextSent(t)
	if typ != models.MsgTypeSubscribe {
		t.Fatalf("outbound message after connected = %q, want %q", typ, models.MsgTypeSubscribe)
	}
	var sub models.SubscribeRequest
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatalf("unmarshal subscribe request: %v", err)
	}
	if sub.Subscription.Stream != "userFills" {
		t.Fatalf("subscribed stream = %q, want userFills", sub.Subscription.Stream)
	}

	conn.push(t, models.FeedMessage{Type: models.MsgTypeSubscriptionAck})
	waitFor(t, func() bool { return f.manager.Health().State == StateSubscribed })
	if attempts := f.manager.Health().ReconnectAttempts; attempts != 0 {
		t.Fatalf("reconnect attempts after ack = %d, want 0", attempts)
	}
}

func TestManagerAnswersPing(t *testing.T) {
	f := newFixture(t, testFeedConfig())
	conn := f.subscribe(t)

	conn.push(t, models.FeedMessage{Type: models.MsgTypePing})
	if typ, _ := conn.nextSent(t); typ != models.MsgTypePong {
		t.Fatalf("reply to ping = %q, want %q", typ, models.MsgTypePong)
	}
}

func TestManagerDataFlow(t *testing.T) {
	f := newFixture(t, testFeedConfig())
	conn := f.subscribe(t)

	conn.push(t, fillPayload(t, validFill("0xaaa"), validFill("0xbbb")))
	waitFor(t, func() bool { return f.sink.count() == 2 })

	if got := f.ring.Len(); got != 2 {
		t.Fatalf("buffer length = %d, want 2", got)
	}
	records := f.ring.Snapshot(10)
	if records[0].ContentHash != "0xbbb" {
		t.Fatalf("newest record hash = %q, want 0xbbb", records[0].ContentHash)
	}
	if records[0].Address != "0xabcdef" {
		t.Fatalf("address = %q, want lowercased 0xabcdef", records[0].Address)
	}
	if records[0].Notional != 50000.5*0.25 {
		t.Fatalf("notional = %v, want %v", records[0].Notional, 50000.5*0.25)
	}
	if seen := f.manager.Health().TotalRecordsSeen; seen != 2 {
		t.Fatalf("total records seen = %d, want 2", seen)
	}
}

func TestManagerDropsInvalidRecords(t *testing.T) {
	f := newFixture(t, testFeedConfig())
	conn := f.subscribe(t)

	bad := validFill("0xbad")
	bad.Price = "0"
	conn.push(t, fillPayload(t, bad, validFill("0xgood")))
	waitFor(t, func() bool { return f.sink.count() == 1 })

	if got := f.ring.Len(); got != 1 {
		t.Fatalf("buffer length = %d, want 1", got)
	}
	if f.ring.Snapshot(1)[0].ContentHash != "0xgood" {
		t.Fatalf("invalid record reached the buffer")
	}
	health := f.manager.Health()
	if health.TotalRecordsSeen != 1 {
		t.Fatalf("total records seen = %d, want 1", health.TotalRecordsSeen)
	}
	if health.InvalidDropped != 1 {
		t.Fatalf("invalid dropped = %d, want 1", health.InvalidDropped)
	}
}

func TestManagerReconnectsAfterClose(t *testing.T) {
	f := newFixture(t, testFeedConfig())
	first := f.subscribe(t)

	first.Close()
	waitFor(t, func() bool { return f.manager.Health().ReconnectAttempts >= 1 })

	second := f.subscribe(t)
	if second == first {
		t.Fatalf("expected a fresh connection after close")
	}
	if attempts := f.manager.Health().ReconnectAttempts; attempts != 0 {
		t.Fatalf("reconnect attempts after resubscribe = %d, want 0", attempts)
	}
}

func TestManagerForceReconnect(t *testing.T) {
	f := newFixture(t, testFeedConfig())
	conn := f.subscribe(t)

	if err := f.manager.ForceReconnect("admin"); err != nil {
		t.Fatalf("force reconnect: %v", err)
	}
	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("forced reconnect did not close the connection")
	}
	f.subscribe(t)
}

func TestManagerStaleTriggersReconnect(t *testing.T) {
	cfg := testFeedConfig()
	cfg.StaleThreshold = 20 * time.Millisecond
	cfg.HealthCheckInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)
	conn := f.subscribe(t)

	// No messages arrive; the health monitor must tear the connection down.
	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("stale connection was not torn down")
	}
}

func TestManagerStopIsTerminal(t *testing.T) {
	f := newFixture(t, testFeedConfig())
	f.subscribe(t)

	f.manager.Stop()
	if state := f.manager.Health().State; state != StateShuttingDown {
		t.Fatalf("state after stop = %v, want %v", state, StateShuttingDown)
	}
	if err := f.manager.ForceReconnect("admin"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("force reconnect after stop = %v, want ErrNotRunning", err)
	}

	select {
	case f.transport.conns <- newFakeConn():
	default:
		t.Fatalf("transport queue unexpectedly full")
	}
	time.Sleep(20 * time.Millisecond)
	if len(f.transport.conns) != 1 {
		t.Fatalf("stopped manager dialed a new connection")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Second
	max := 30 * time.Second
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 7500 * time.Millisecond},
		{3, 11250 * time.Millisecond},
		{10, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("attempt_%d", tc.attempts), func(t *testing.T) {
			if got := backoffDelay(base, max, tc.attempts); got != tc.want {
				t.Fatalf("backoffDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected:   "disconnected",
		StateConnecting:     "connecting",
		StateAuthenticating: "authenticating",
		StateSubscribed:     "subscribed",
		StateShuttingDown:   "shutting_down",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

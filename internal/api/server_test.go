package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"feedhub/config"
	"feedhub/internal/buffer"
	"feedhub/internal/feed"
	"feedhub/internal/models"
	"feedhub/logger"
)

type stubFeed struct {
	health     feed.Health
	reconnects int
	err        error
}

func (s *stubFeed) Health() feed.Health { return s.health }

func (s *stubFeed) ForceReconnect(trigger string) error {
	if s.err != nil {
		return s.err
	}
	s.reconnects++
	return nil
}

func testEvent(i int, symbol, side string) models.TradeEvent {
	return models.TradeEvent{
		ID:          fmt.Sprintf("evt-%d", i),
		Address:     "0xabc",
		Symbol:      symbol,
		Price:       100,
		Size:        1,
		Side:        side,
		EventTime:   time.Now().UnixMilli(),
		Notional:    100,
		ContentHash: fmt.Sprintf("0xhash%d", i),
	}
}

func newTestServer(t *testing.T, ring *buffer.Ring, source *stubFeed) *Server {
	t.Helper()
	cfg := config.ServerConfig{Address: ":0", DefaultLimit: 25, MaxLimit: 100, ReconnectCooldown: time.Hour}
	return NewServer(cfg, ring, source, logger.GetLogger())
}

func doRequest(t *testing.T, srv *Server, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	payload := map[string]interface{}{}
	if res.Body.Len() > 0 {
		if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
	}
	return res, payload
}

func TestFeedEndpointReturnsNewestFirst(t *testing.T) {
	ring := buffer.NewRing(10)
	for i := 0; i < 5; i++ {
		ring.Insert(testEvent(i, "BTC", models.SideBuy))
	}
	source := &stubFeed{health: feed.Health{State: feed.StateSubscribed, LastMessageAt: time.Now(), TotalRecordsSeen: 5}}
	srv := newTestServer(t, ring, source)

	res, payload := doRequest(t, srv, http.MethodGet, "/api/feed", "")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if payload["isConnected"] != true {
		t.Fatalf("isConnected = %v, want true", payload["isConnected"])
	}
	records, ok := payload["records"].([]interface{})
	if !ok || len(records) != 5 {
		t.Fatalf("records length = %d, want 5", len(records))
	}
	first := records[0].(map[string]interface{})
	if first["id"] != "evt-4" {
		t.Fatalf("first record id = %v, want evt-4 (newest)", first["id"])
	}
	if payload["totalEverSeen"].(float64) != 5 {
		t.Fatalf("totalEverSeen = %v, want 5", payload["totalEverSeen"])
	}
}

func TestFeedEndpointLimitClamped(t *testing.T) {
	ring := buffer.NewRing(300)
	for i := 0; i < 300; i++ {
		ring.Insert(testEvent(i, "BTC", models.SideBuy))
	}
	source := &stubFeed{health: feed.Health{State: feed.StateSubscribed, LastMessageAt: time.Now()}}
	srv := newTestServer(t, ring, source)

	res, payload := doRequest(t, srv, http.MethodGet, "/api/feed?limit=9999", "")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	records := payload["records"].([]interface{})
	if len(records) != 100 {
		t.Fatalf("records length = %d, want clamped 100", len(records))
	}
}

func TestFeedEndpointRejectsBadLimit(t *testing.T) {
	srv := newTestServer(t, buffer.NewRing(10), &stubFeed{})
	for _, limit := range []string{"0", "-5", "abc"} {
		res, _ := doRequest(t, srv, http.MethodGet, "/api/feed?limit="+limit, "")
		if res.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s status = %d, want %d", limit, res.Code, http.StatusBadRequest)
		}
	}
}

func TestFeedEndpointFilters(t *testing.T) {
	ring := buffer.NewRing(10)
	ring.Insert(testEvent(0, "BTC", models.SideBuy))
	ring.Insert(testEvent(1, "ETH", models.SideSell))
	ring.Insert(testEvent(2, "BTC", models.SideSell))
	source := &stubFeed{health: feed.Health{State: feed.StateSubscribed, LastMessageAt: time.Now()}}
	srv := newTestServer(t, ring, source)

	_, payload := doRequest(t, srv, http.MethodGet, "/api/feed?symbol=btc&side=sell", "")
	records := payload["records"].([]interface{})
	if len(records) != 1 {
		t.Fatalf("filtered records length = %d, want 1", len(records))
	}
	record := records[0].(map[string]interface{})
	if record["id"] != "evt-2" {
		t.Fatalf("filtered record id = %v, want evt-2", record["id"])
	}
}

func TestFeedEndpointHealthOnly(t *testing.T) {
	last := time.Now().Add(-2 * time.Second)
	source := &stubFeed{health: feed.Health{State: feed.StateDisconnected, LastMessageAt: last, TotalRecordsSeen: 42}}
	srv := newTestServer(t, buffer.NewRing(10), source)

	res, payload := doRequest(t, srv, http.MethodGet, "/api/feed?health=true", "")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if payload["healthy"] != false {
		t.Fatalf("healthy = %v, want false", payload["healthy"])
	}
	if payload["state"] != "disconnected" {
		t.Fatalf("state = %v, want disconnected", payload["state"])
	}
	if ago := payload["lastMessageAgoMillis"].(float64); ago < 2000 {
		t.Fatalf("lastMessageAgoMillis = %v, want >= 2000", ago)
	}
	if _, present := payload["records"]; present {
		t.Fatalf("health-only payload must not carry records")
	}
}

func TestFeedEndpointNeverConnected(t *testing.T) {
	srv := newTestServer(t, buffer.NewRing(10), &stubFeed{})

	_, payload := doRequest(t, srv, http.MethodGet, "/api/feed?health=true", "")
	if ago := payload["lastMessageAgoMillis"].(float64); ago != -1 {
		t.Fatalf("lastMessageAgoMillis = %v, want -1 before first message", ago)
	}
}

func TestAdminReconnect(t *testing.T) {
	source := &stubFeed{}
	srv := newTestServer(t, buffer.NewRing(10), source)

	res, _ := doRequest(t, srv, http.MethodPost, "/api/admin", `{"action":"reconnect"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if source.reconnects != 1 {
		t.Fatalf("reconnects = %d, want 1", source.reconnects)
	}

	// The cooldown window in the test config is an hour, so a second call
	// must be rejected.
	res, _ = doRequest(t, srv, http.MethodPost, "/api/admin", `{"action":"reconnect"}`)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("second reconnect status = %d, want %d", res.Code, http.StatusTooManyRequests)
	}
	if source.reconnects != 1 {
		t.Fatalf("reconnects after cooldown rejection = %d, want 1", source.reconnects)
	}
}

func TestAdminReconnectWhileStopped(t *testing.T) {
	source := &stubFeed{err: feed.ErrNotRunning}
	srv := newTestServer(t, buffer.NewRing(10), source)

	res, _ := doRequest(t, srv, http.MethodPost, "/api/admin", `{"action":"reconnect"}`)
	if res.Code != http.StatusConflict {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
}

func TestAdminStatus(t *testing.T) {
	ring := buffer.NewRing(10)
	ring.Insert(testEvent(0, "BTC", models.SideBuy))
	source := &stubFeed{health: feed.Health{State: feed.StateSubscribed, LastMessageAt: time.Now(), ReconnectAttempts: 3, TotalRecordsSeen: 9, InvalidDropped: 2}}
	srv := newTestServer(t, ring, source)

	res, payload := doRequest(t, srv, http.MethodPost, "/api/admin", `{"action":"status"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if payload["state"] != "subscribed" {
		t.Fatalf("state = %v, want subscribed", payload["state"])
	}
	if payload["bufferSize"].(float64) != 1 {
		t.Fatalf("bufferSize = %v, want 1", payload["bufferSize"])
	}
	if payload["invalidDropped"].(float64) != 2 {
		t.Fatalf("invalidDropped = %v, want 2", payload["invalidDropped"])
	}
}

func TestAdminUnknownAction(t *testing.T) {
	srv := newTestServer(t, buffer.NewRing(10), &stubFeed{})
	res, _ := doRequest(t, srv, http.MethodPost, "/api/admin", `{"action":"restart"}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
}

func TestHealthzAlwaysOK(t *testing.T) {
	srv := newTestServer(t, buffer.NewRing(10), &stubFeed{})
	res, payload := doRequest(t, srv, http.MethodGet, "/healthz", "")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if payload["status"] != "ok" {
		t.Fatalf("status = %v, want ok", payload["status"])
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                           "0.0.0.0:8090",
		"  :9090  ":                  "0.0.0.0:9090",
		"localhost":                  "localhost:8090",
		"0.0.0.0:80":                 "0.0.0.0:80",
		"[::1]:443":                  "[::1]:443",
		"::1":                        "[::1]:8090",
		"*:8080":                     "0.0.0.0:8080",
		"http://13.200.112.203:8080": "13.200.112.203:8080",
		"https://feed.example.com/":  "feed.example.com:8090",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

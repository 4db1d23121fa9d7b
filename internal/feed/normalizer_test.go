package feed

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"feedhub/internal/models"
)

func TestNormalizeFill(t *testing.T) {
	raw := json.RawMessage(`{
		"tid": 987654,
		"oid": 1234,
		"user": "0xDeAdBeEf",
		"coin": "eth",
		"px": "2500.25",
		"sz": "2",
		"side": "A",
		"time": 1700000000000,
		"fee": "0.75",
		"closedPnl": "-12.5",
		"hash": "0xfeed01"
	}`)
	arrival := time.Now()

	event, err := normalizeFill(raw, arrival)
	if err != nil {
		t.Fatalf("normalizeFill: %v", err)
	}
	if event.Address != "0xdeadbeef" {
		t.Errorf("address = %q, want lowercased 0xdeadbeef", event.Address)
	}
	if event.Symbol != "ETH" {
		t.Errorf("symbol = %q, want ETH", event.Symbol)
	}
	if event.Price != 2500.25 || event.Size != 2 {
		t.Errorf("price/size = %v/%v, want 2500.25/2", event.Price, event.Size)
	}
	if event.Side != models.SideSell {
		t.Errorf("side = %q, want %q", event.Side, models.SideSell)
	}
	if event.Notional != 2500.25*2 {
		t.Errorf("notional = %v, want %v", event.Notional, 2500.25*2)
	}
	if event.Fee != 0.75 || event.RealizedPnl != -12.5 {
		t.Errorf("fee/pnl = %v/%v, want 0.75/-12.5", event.Fee, event.RealizedPnl)
	}
	if event.ContentHash != "0xfeed01" {
		t.Errorf("content hash = %q, want provider hash", event.ContentHash)
	}
	if !strings.HasPrefix(event.ID, "987654-") {
		t.Errorf("id = %q, want tid-prefixed identifier", event.ID)
	}
	if err := event.Validate(); err != nil {
		t.Errorf("normalized event failed validation: %v", err)
	}
}

func TestNormalizeFillNumericStrings(t *testing.T) {
	// Some feeds quote numerics, some do not; both decode the same way.
	quoted := json.RawMessage(`{"px": "100.5", "sz": "3", "side": "buy", "hash": "0x1"}`)
	bare := json.RawMessage(`{"px": 100.5, "sz": 3, "side": "buy", "hash": "0x1"}`)
	arrival := time.Now()

	a, err := normalizeFill(quoted, arrival)
	if err != nil {
		t.Fatalf("normalize quoted: %v", err)
	}
	b, err := normalizeFill(bare, arrival)
	if err != nil {
		t.Fatalf("normalize bare: %v", err)
	}
	if a.Price != b.Price || a.Size != b.Size {
		t.Fatalf("quoted and bare numerics diverge: %v/%v vs %v/%v", a.Price, a.Size, b.Price, b.Size)
	}
}

func TestNormalizeFillBadPrice(t *testing.T) {
	raw := json.RawMessage(`{"px": "not-a-number", "sz": "1", "side": "buy"}`)
	if _, err := normalizeFill(raw, time.Now()); err == nil {
		t.Fatalf("expected error for unparseable price")
	}
}

func TestContentHashFallback(t *testing.T) {
	withIDs := models.RawFill{OrderID: "55", TradeID: "66"}
	if got := deriveContentHash(withIDs); got != "55|66" {
		t.Fatalf("content hash from ids = %q, want 55|66", got)
	}

	withHash := models.RawFill{Hash: " 0xabc ", OrderID: "55"}
	if got := deriveContentHash(withHash); got != "0xabc" {
		t.Fatalf("content hash = %q, want trimmed provider hash", got)
	}

	// Without any identity the hash must still be unique, so a retry of the
	// same payload never collides with an unrelated record.
	empty := models.RawFill{}
	first := deriveContentHash(empty)
	second := deriveContentHash(empty)
	if first == "" || first == second {
		t.Fatalf("fallback hashes not unique: %q vs %q", first, second)
	}
}

func TestDeriveIDWithoutTradeID(t *testing.T) {
	id := deriveID(models.RawFill{}, time.Now())
	if id == "" {
		t.Fatalf("expected a generated identifier")
	}
	if other := deriveID(models.RawFill{}, time.Now()); other == id {
		t.Fatalf("generated identifiers must be unique")
	}
}

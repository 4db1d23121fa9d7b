package models

import (
	"fmt"
	"strings"
	"time"
)

// Side of a trade fill as reported by the feed.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// TradeEvent is the canonical representation of one upstream market event.
// Instances are never mutated after construction; the buffer and the pending
// write queue hold them by value.
type TradeEvent struct {
	ID          string  `json:"id"`
	Address     string  `json:"address"`
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	Size        float64 `json:"size"`
	Side        string  `json:"side"`
	EventTime   int64   `json:"eventTimeMillis"`
	Notional    float64 `json:"notionalValue"`
	Fee         float64 `json:"feeAmount"`
	RealizedPnl float64 `json:"realizedPnl"`

	// ContentHash is the stable identity used for deduplication at
	// persistence time. Two events with the same hash are the same
	// logical event.
	ContentHash string `json:"contentHash"`
}

// Validate reports whether the event may enter the history buffer.
func (t TradeEvent) Validate() error {
	if t.Price <= 0 {
		return fmt.Errorf("invalid price %v for %s", t.Price, t.Symbol)
	}
	if t.Size <= 0 {
		return fmt.Errorf("invalid size %v for %s", t.Size, t.Symbol)
	}
	if t.ContentHash == "" {
		return fmt.Errorf("missing content hash for %s", t.Symbol)
	}
	switch t.Side {
	case SideBuy, SideSell:
	default:
		return fmt.Errorf("unknown side %q for %s", t.Side, t.Symbol)
	}
	return nil
}

// EventTimestamp converts the provider epoch millis into a time.Time.
func (t TradeEvent) EventTimestamp() time.Time {
	return time.UnixMilli(t.EventTime).UTC()
}

// NormalizeSide maps the side spellings seen on the wire ("B", "Buy", "BUY")
// onto the canonical constants. Unknown values are returned lowered so that
// validation can reject them.
func NormalizeSide(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "b", "buy", "bid", "long":
		return SideBuy
	case "s", "a", "sell", "ask", "short":
		return SideSell
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"feedhub/internal/models"
)

// normalizeFill converts one raw fill payload into a canonical trade event.
// It is a pure function of the payload and the arrival time; it performs no
// validation beyond what is needed to populate the record (the caller applies
// the price/size invariant).
func normalizeFill(raw json.RawMessage, arrival time.Time) (models.TradeEvent, error) {
	var fill models.RawFill
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&fill); err != nil {
		return models.TradeEvent{}, fmt.Errorf("decode fill: %w", err)
	}

	price, err := numberToFloat(fill.Price)
	if err != nil {
		return models.TradeEvent{}, fmt.Errorf("parse price %q: %w", fill.Price.String(), err)
	}
	size, err := numberToFloat(fill.Size)
	if err != nil {
		return models.TradeEvent{}, fmt.Errorf("parse size %q: %w", fill.Size.String(), err)
	}

	fee, _ := numberToFloat(fill.Fee)
	pnl, _ := numberToFloat(fill.ClosedPnl)

	event := models.TradeEvent{
		ID:          deriveID(fill, arrival),
		Address:     strings.ToLower(strings.TrimSpace(fill.User)),
		Symbol:      strings.ToUpper(strings.TrimSpace(fill.Coin)),
		Price:       price,
		Size:        size,
		Side:        models.NormalizeSide(fill.Side),
		EventTime:   fill.Time,
		Notional:    price * size,
		Fee:         fee,
		RealizedPnl: pnl,
		ContentHash: deriveContentHash(fill),
	}
	return event, nil
}

func numberToFloat(n json.Number) (float64, error) {
	if n.String() == "" {
		return 0, nil
	}
	return n.Float64()
}

// deriveID builds a per-record identifier. Trade ids are not globally unique
// across reconnects on every provider, so the arrival time is folded in.
func deriveID(fill models.RawFill, arrival time.Time) string {
	if tid := fill.TradeID.String(); tid != "" && tid != "0" {
		return fmt.Sprintf("%s-%d", tid, arrival.UnixNano())
	}
	return uuid.New().String()
}

// deriveContentHash picks the stable logical identity used for persistence
// dedup: the provider transaction hash when present, else the order/trade id
// pair, else a fresh uuid (such a record can never dedup against a retry).
func deriveContentHash(fill models.RawFill) string {
	if h := strings.TrimSpace(fill.Hash); h != "" {
		return h
	}
	oid := fill.OrderID.String()
	tid := fill.TradeID.String()
	if (oid != "" && oid != "0") || (tid != "" && tid != "0") {
		return fmt.Sprintf("%s|%s", oid, tid)
	}
	return uuid.New().String()
}

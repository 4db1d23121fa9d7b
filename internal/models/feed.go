package models

import "encoding/json"

// Feed protocol message types. The upstream provider speaks a small JSON
// protocol: the client authenticates, subscribes to a stream, and then
// receives data frames interleaved with keepalive pings.
const (
	MsgTypeAuth            = "auth"
	MsgTypeSubscribe       = "subscribe"
	MsgTypeConnected       = "connected"
	MsgTypeSubscriptionAck = "subscriptionAck"
	MsgTypePing            = "ping"
	MsgTypePong            = "pong"
	MsgTypeError           = "error"
)

// AuthRequest is the first message sent after the transport connects.
type AuthRequest struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey"`
}

// SubscribeRequest asks the provider to start pushing a stream.
type SubscribeRequest struct {
	Type         string       `json:"type"`
	Subscription Subscription `json:"subscription"`
}

// Subscription describes the stream and instrument filter requested from the
// provider.
type Subscription struct {
	Stream  string   `json:"stream"`
	Symbols []string `json:"symbols,omitempty"`
}

// ControlFrame is a bare typed frame, used for pings and pong replies.
type ControlFrame struct {
	Type string `json:"type"`
}

// FeedMessage is the envelope of every frame pushed by the provider. Data
// frames carry the stream name in Type and the raw fills in Data; control
// frames leave Data empty.
type FeedMessage struct {
	Type    string            `json:"type"`
	Message string            `json:"message,omitempty"`
	Data    []json.RawMessage `json:"data,omitempty"`
}

// RawFill is one trade fill as delivered by the provider, prior to
// normalization. Numeric fields arrive as strings on some feeds, so they are
// decoded leniently by the normalizer rather than typed here.
type RawFill struct {
	TradeID   json.Number `json:"tid"`
	OrderID   json.Number `json:"oid"`
	User      string      `json:"user"`
	Coin      string      `json:"coin"`
	Price     json.Number `json:"px"`
	Size      json.Number `json:"sz"`
	Side      string      `json:"side"`
	Time      int64       `json:"time"`
	Fee       json.Number `json:"fee"`
	ClosedPnl json.Number `json:"closedPnl"`
	Hash      string      `json:"hash"`
}

package streaming

import (
	"encoding/json"
	"fmt"
)

// ConnState tracks the streaming connection lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAwaitingHandshake
	StateEstablished
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateEstablished:
		return "established"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SubscriptionKind is the item group a subscription belongs to. The
// value doubles as the LS_group prefix and LS_schema on the wire.
type SubscriptionKind string

const (
	KindMarket  SubscriptionKind = "MARKET"
	KindAccount SubscriptionKind = "ACCOUNT"
	KindTrade   SubscriptionKind = "TRADE"
	KindChart   SubscriptionKind = "CHART"
)

// Subscription is one registered item stream.
type Subscription struct {
	ID   string
	Kind SubscriptionKind
	Item string
}

// MarketUpdate is one price tick for an epic.
type MarketUpdate struct {
	Epic      string  `json:"epic"`
	Bid       float64 `json:"bid"`
	Offer     float64 `json:"offer"`
	Timestamp int64   `json:"timestamp"`
}

// AccountUpdate is one account-level event (balance, margin, position).
type AccountUpdate struct {
	AccountID  string                     `json:"accountId"`
	UpdateType string                     `json:"updateType"`
	Data       map[string]json.RawMessage `json:"data"`
}

// Endpoint is one connection candidate.
type Endpoint struct {
	URL        string
	AdapterSet string
}

// StreamErrorKind classifies streaming failures.
type StreamErrorKind int

const (
	// ErrConnectFailed: a single endpoint could not be dialed.
	ErrConnectFailed StreamErrorKind = iota
	// ErrAllEndpointsFailed: every candidate was exhausted.
	ErrAllEndpointsFailed
	// ErrHandshakeRejected: the server answered the session-create frame
	// with an error.
	ErrHandshakeRejected
	// ErrNotConnected: the operation needs an established connection.
	ErrNotConnected
	// ErrNotFound: unknown subscription id.
	ErrNotFound
	// ErrSendFailed: the outbound queue is full or unavailable.
	ErrSendFailed
	// ErrSerialization: a frame could not be built or parsed.
	ErrSerialization
)

func (k StreamErrorKind) String() string {
	switch k {
	case ErrConnectFailed:
		return "connect_failed"
	case ErrAllEndpointsFailed:
		return "all_endpoints_failed"
	case ErrHandshakeRejected:
		return "handshake_rejected"
	case ErrNotConnected:
		return "not_connected"
	case ErrNotFound:
		return "not_found"
	case ErrSendFailed:
		return "send_failed"
	default:
		return "serialization"
	}
}

// StreamError wraps a streaming failure with its classification.
type StreamError struct {
	Kind     StreamErrorKind
	Endpoint string
	Err      error
}

func (e *StreamError) Error() string {
	msg := "streaming: " + e.Kind.String()
	if e.Endpoint != "" {
		msg += " (" + e.Endpoint + ")"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *StreamError) Unwrap() error { return e.Err }

func streamErr(kind StreamErrorKind, err error) *StreamError {
	return &StreamError{Kind: kind, Err: err}
}

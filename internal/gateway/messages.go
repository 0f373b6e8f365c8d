package gateway

import (
	"encoding/json"
	"time"

	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// Client operations accepted after the handshake.
const (
	OpSubscribeSymbol    = "subscribe_symbol"
	OpUnsubscribeSymbol  = "unsubscribe_symbol"
	OpSubscribeWatchlist = "subscribe_watchlist"
	OpRequestRefresh     = "request_refresh"
)

// Machine-readable reason codes. Clients branch on these, so they are part
// of the wire contract.
const (
	ReasonMissingCredential    = "missing_credential"
	ReasonUnknownUser          = "unknown_user"
	ReasonExpiredCredential    = "expired_credential"
	ReasonNotWatchlistOwner    = "not_watchlist_owner"
	ReasonBackpressureExceeded = "backpressure_exceeded"
	ReasonBadRequest           = "bad_request"
)

// Server event types.
const (
	EventConnected      = "connected"
	EventSnapshotUpdate = "snapshot_update"
	EventAlert          = "alert"
	EventError          = "error"
)

// ClientMessage is the inbound envelope. Operations are dispatched by Op;
// unknown operations produce a non-terminal error event.
type ClientMessage struct {
	Op          string `json:"op"`
	Symbol      string `json:"symbol,omitempty"`
	WatchlistID string `json:"watchlist_id,omitempty"`
}

// ConnectedEvent acknowledges a successful handshake.
type ConnectedEvent struct {
	Type      string `json:"type"`
	Tier      string `json:"tier"`
	CadenceMs int64  `json:"cadence_ms"`
}

// SnapshotEvent carries a full or per-symbol snapshot delivery.
type SnapshotEvent struct {
	Type      string               `json:"type"`
	Symbol    string               `json:"symbol"`
	Rows      []models.SnapshotRow `json:"rows"`
	Timestamp time.Time            `json:"timestamp"`
}

// AlertEvent carries an urgent symbol-level update relayed off-cadence.
type AlertEvent struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorEvent reports a reason-coded failure without dropping the connection
// unless the transport is closed alongside it.
type ErrorEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func marshalEvent(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Event structs contain only marshalable fields.
		return nil
	}
	return data
}

// NewSnapshotEvent builds the wire form of a snapshot delivery.
func NewSnapshotEvent(snap *models.Snapshot) []byte {
	return marshalEvent(SnapshotEvent{
		Type:      EventSnapshotUpdate,
		Symbol:    snap.Symbol,
		Rows:      snap.Rows,
		Timestamp: snap.UpdatedAt,
	})
}

// NewAlertEvent builds the wire form of a relayed alert.
func NewAlertEvent(symbol string, payload []byte, ts time.Time) []byte {
	return marshalEvent(AlertEvent{
		Type:      EventAlert,
		Symbol:    symbol,
		Payload:   payload,
		Timestamp: ts,
	})
}

func newErrorEvent(reason string) []byte {
	return marshalEvent(ErrorEvent{Type: EventError, Reason: reason})
}

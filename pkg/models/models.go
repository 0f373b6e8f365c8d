package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AllSymbols is the sentinel symbol for the aggregate market view.
const AllSymbols = "ALL"

// ErrInvalidSymbol rejects rows without a usable ticker, or ones that would
// collide with the aggregate sentinel.
var ErrInvalidSymbol = errors.New("invalid symbol")

// SnapshotRow holds the normalized per-symbol market fields pushed to clients.
type SnapshotRow struct {
	Symbol       string          `json:"symbol" validate:"required"`
	Price        decimal.Decimal `json:"price"`
	Volume24h    decimal.Decimal `json:"volume_24h"`
	Change24h    decimal.Decimal `json:"change_24h"`
	FundingRate  decimal.Decimal `json:"funding_rate"`
	OpenInterest decimal.Decimal `json:"open_interest"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Snapshot is the cached market state for one symbol, or for the aggregate
// view when Symbol == AllSymbols. Rows are ordered by 24h volume descending
// so tier truncation keeps the most liquid markets.
type Snapshot struct {
	Symbol    string        `json:"symbol"`
	Rows      []SnapshotRow `json:"rows"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// IsAggregate reports whether the snapshot is the all-symbols view.
func (s *Snapshot) IsAggregate() bool {
	return s.Symbol == AllSymbols
}

// Age returns how long ago the snapshot was ingested.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.UpdatedAt)
}

// BusMessage is the envelope published between server instances. Origin is
// the publishing instance's ID; subscribers drop messages they originated so
// a broadcast-style bus does not redeliver locally handled updates.
type BusMessage struct {
	Channel string    `json:"channel"`
	Symbol  string    `json:"symbol,omitempty"`
	Payload []byte    `json:"payload"`
	At      time.Time `json:"at"`
	Origin  uuid.UUID `json:"origin"`
}

// User is the account record consumed for identity and tier resolution.
// The wider product owns registration and billing; this service only reads.
type User struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Email      string    `json:"email" gorm:"uniqueIndex"`
	Tier       string    `json:"tier" gorm:"default:free"`
	APIKeyID   string    `json:"-" gorm:"column:api_key_id;uniqueIndex"`
	APIKeyHash string    `json:"-" gorm:"column:api_key_hash"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Watchlist is a user-owned set of symbols used for targeted alert delivery.
type Watchlist struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	Name      string    `json:"name"`
	Symbols   string    `json:"symbols" gorm:"type:text"` // comma-separated
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SymbolList splits the stored symbol column into individual tickers,
// dropping empty segments left by stray commas.
func (w *Watchlist) SymbolList() []string {
	if w.Symbols == "" {
		return nil
	}
	var out []string
	for _, sym := range strings.Split(w.Symbols, ",") {
		if sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

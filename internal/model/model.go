// Package model defines the core domain types shared across the venue engine.
// All quantities, prices, and balances use shopspring/decimal — never float64
// for money.
package model

import (
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
)

// Hash32 is a 32-byte opaque value: an order commitment, a match identifier,
// or a settlement nullifier. It marshals as lowercase hex.
type Hash32 [32]byte

// ParseHash32 decodes a 64-character hex string into a Hash32.
func ParseHash32(s string) (Hash32, error) {
	var h Hash32
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("model: invalid hash %q: %w", s, err)
	}
	if len(b) != 32 {
		return h, fmt.Errorf("model: hash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash32) String() string { return hex.EncodeToString(h[:]) }

// MarshalText implements encoding.TextMarshaler so Hash32 round-trips as a
// JSON string.
func (h Hash32) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash32) UnmarshalText(text []byte) error {
	parsed, err := ParseHash32(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// OrderSide is the public side of a hidden order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// ParseOrderSide validates a wire-level side string.
func ParseOrderSide(s string) (OrderSide, error) {
	switch OrderSide(s) {
	case SideBuy, SideSell:
		return OrderSide(s), nil
	}
	return "", fmt.Errorf("model: invalid order side %q", s)
}

// OrderStatus is the lifecycle state of an order commitment.
//
// Transitions: Active → {Matched, Cancelled}; Matched → Settled. Expired is
// declared for wire compatibility but never assigned: expiry is evaluated
// only by the active-order query filter, never as a transition.
type OrderStatus string

const (
	StatusActive    OrderStatus = "ACTIVE"
	StatusMatched   OrderStatus = "MATCHED"
	StatusSettled   OrderStatus = "SETTLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether no further transition may change the status.
func (s OrderStatus) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

// OrderCommitment is one hidden order. The quantity, price, and nonce are
// bound inside Commitment; only trader, asset, and side are public so the
// off-venue matcher can pair compatible orders.
type OrderCommitment struct {
	Commitment Hash32      `json:"commitment" db:"commitment"`
	Trader     string      `json:"trader" db:"trader"`
	Asset      string      `json:"asset" db:"asset"`
	Side       OrderSide   `json:"side" db:"side"`
	Timestamp  uint64      `json:"timestamp" db:"created_at"` // ledger seconds
	Expiry     uint64      `json:"expiry" db:"expiry"`        // ledger seconds
	Status     OrderStatus `json:"status" db:"status"`
	Index      uint32      `json:"index" db:"tree_index"` // insertion ordinal
}

// MatchRecord is one matcher-asserted pairing of a buy and a sell commitment.
// Quantity and price are revealed by the matcher at recording time.
type MatchRecord struct {
	MatchID        Hash32          `json:"match_id" db:"match_id"`
	BuyCommitment  Hash32          `json:"buy_commitment" db:"buy_commitment"`
	SellCommitment Hash32          `json:"sell_commitment" db:"sell_commitment"`
	Asset          string          `json:"asset" db:"asset"`
	Buyer          string          `json:"buyer" db:"buyer"`
	Seller         string          `json:"seller" db:"seller"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Timestamp      uint64          `json:"timestamp" db:"created_at"`
	IsSettled      bool            `json:"is_settled" db:"is_settled"`
}

// BalanceSnapshot is the escrow ledger state for one (participant, asset)
// pair. Available = Escrow - Locked; Locked never exceeds Escrow.
type BalanceSnapshot struct {
	Participant string          `json:"participant"`
	Asset       string          `json:"asset"`
	Escrow      decimal.Decimal `json:"escrow"`
	Locked      decimal.Decimal `json:"locked"`
	Available   decimal.Decimal `json:"available"`
}

// SettlementReceipt is returned by the settlement orchestration after funds
// move, the nullifier is consumed, and the match is marked settled.
type SettlementReceipt struct {
	ReceiptID string          `json:"receipt_id"`
	MatchID   Hash32          `json:"match_id"`
	Nullifier Hash32          `json:"nullifier"`
	Asset     string          `json:"asset"`
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp uint64          `json:"timestamp"`
}

// Package store defines the persistence interface for the venue engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/cloakex/venue-engine/internal/model"
)

// Store-level sentinels. The order book and escrow ledger translate these
// into the venue error surface at the component boundary.
var (
	// ErrNotFound is returned when a referenced order or match is absent.
	ErrNotFound = errors.New("store: record not found")

	// ErrConflict is returned when a status-guarded update matched no row,
	// i.e. the record was not in the state the transition requires.
	ErrConflict = errors.New("store: conflicting state transition")

	// ErrOverLock is returned when a lock increase would push the locked
	// balance above the escrow balance.
	ErrOverLock = errors.New("store: locked balance would exceed escrow")

	// ErrInsufficientLocked is returned when a transfer exceeds the
	// sender's locked balance.
	ErrInsufficientLocked = errors.New("store: insufficient locked balance")

	// ErrNullifierUsed is returned when a nullifier is consumed twice.
	ErrNullifierUsed = errors.New("store: nullifier already consumed")
)

// Store is the persistence interface. Every mutating method commits
// all-or-nothing: multi-row mutations (match recording, settlement, escrow
// transfer) happen inside one transaction per call.
//
// Duplicate order commitments are not rejected; lookups and status updates
// address the earliest inserted record for a commitment.
type Store interface {
	// --- Order collection ---

	// InsertOrder appends an order and returns its insertion ordinal
	// (the collection length at insert time).
	InsertOrder(ctx context.Context, order *model.OrderCommitment) (uint32, error)

	// GetOrder retrieves the earliest order for a commitment.
	GetOrder(ctx context.Context, commitment model.Hash32) (*model.OrderCommitment, error)

	// OrdersByAsset returns all orders for an asset, optionally filtered
	// by side, in insertion order.
	OrdersByAsset(ctx context.Context, asset string, side *model.OrderSide) ([]model.OrderCommitment, error)

	// ActiveOrders returns orders for an asset with status Active and
	// expiry strictly after now.
	ActiveOrders(ctx context.Context, asset string, now uint64) ([]model.OrderCommitment, error)

	// UpdateOrderStatus transitions the earliest order for a commitment
	// from the expected status to the new one. Returns ErrConflict when
	// the order is not in the expected status.
	UpdateOrderStatus(ctx context.Context, commitment model.Hash32, from, to model.OrderStatus) error

	// --- Match collection ---

	// RecordMatch transitions both referenced orders from Active to
	// Matched and appends the match record, atomically.
	RecordMatch(ctx context.Context, match *model.MatchRecord) error

	// SettleMatch sets the match's is_settled flag and transitions both
	// referenced orders from Matched to Settled, atomically. Returns the
	// updated record.
	SettleMatch(ctx context.Context, matchID model.Hash32) (*model.MatchRecord, error)

	// GetMatch retrieves a match by its identifier.
	GetMatch(ctx context.Context, matchID model.Hash32) (*model.MatchRecord, error)

	// ListMatches returns all matches in insertion order.
	ListMatches(ctx context.Context) ([]model.MatchRecord, error)

	// PendingMatches returns matches with is_settled = false.
	PendingMatches(ctx context.Context) ([]model.MatchRecord, error)

	// --- Escrow ledger ---

	// EscrowBalance returns the escrowed amount for (participant, asset).
	EscrowBalance(ctx context.Context, participant, asset string) (decimal.Decimal, error)

	// LockedBalance returns the locked amount for (participant, asset).
	LockedBalance(ctx context.Context, participant, asset string) (decimal.Decimal, error)

	// AddEscrowBalance increases the escrow balance.
	AddEscrowBalance(ctx context.Context, participant, asset string, amount decimal.Decimal) error

	// AddLockedBalance increases the locked balance, failing with
	// ErrOverLock when locked would exceed escrow.
	AddLockedBalance(ctx context.Context, participant, asset string, amount decimal.Decimal) error

	// TransferFromEscrow moves amount from the sender's escrow and locked
	// balances into the recipient's escrow balance, atomically. Fails with
	// ErrInsufficientLocked when the sender's locked balance cannot cover
	// the amount.
	TransferFromEscrow(ctx context.Context, from, to, asset string, amount decimal.Decimal) error

	// --- Nullifier set ---

	// IsNullifierUsed reports whether a nullifier has been consumed.
	IsNullifierUsed(ctx context.Context, token model.Hash32) (bool, error)

	// MarkNullifierUsed consumes a nullifier, failing with
	// ErrNullifierUsed when it was consumed before.
	MarkNullifierUsed(ctx context.Context, token model.Hash32) error
}

// Package escrow implements the venue's fund-safety core: per-(participant,
// asset) escrow and locked balances, plus the one-time-use nullifier set
// guarding settlement replay.
//
// The ledger invariant is locked ≤ escrow for every pair at all times;
// available = escrow − locked. Transfers are balance-conserving per asset.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/cloakex/venue-engine/internal/model"
	"github.com/cloakex/venue-engine/internal/store"
)

var (
	// ErrNegativeAmount is returned when a deposit, lock, or transfer
	// amount is negative.
	ErrNegativeAmount = errors.New("escrow: amount must be non-negative")

	// ErrOverLock is returned when a lock would push the locked balance
	// above the escrow balance.
	ErrOverLock = errors.New("escrow: locked balance would exceed escrow")

	// ErrInsufficientLocked is returned when a transfer exceeds the
	// sender's locked balance.
	ErrInsufficientLocked = errors.New("escrow: insufficient locked balance for transfer")

	// ErrNullifierUsed is returned when a nullifier is consumed twice.
	ErrNullifierUsed = errors.New("escrow: nullifier already consumed")
)

// Ledger exposes the escrow primitives over a Store. All operations are
// privileged: the settlement orchestrator calls them, never end users
// directly, so caller authorization happens at the service edge.
type Ledger struct {
	store store.Store
}

// NewLedger creates a ledger over the given store.
func NewLedger(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// Deposit increases the escrow balance unconditionally.
func (l *Ledger) Deposit(ctx context.Context, participant, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	if err := l.store.AddEscrowBalance(ctx, participant, asset, amount); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}

	slog.Info("escrow deposit",
		"participant", participant,
		"asset", asset,
		"amount", amount.String(),
	)
	return nil
}

// Lock reserves part of the escrow balance against a pending settlement.
// The lock fails rather than letting locked exceed escrow.
func (l *Ledger) Lock(ctx context.Context, participant, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	err := l.store.AddLockedBalance(ctx, participant, asset, amount)
	if errors.Is(err, store.ErrOverLock) {
		return ErrOverLock
	}
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	slog.Info("escrow locked",
		"participant", participant,
		"asset", asset,
		"amount", amount.String(),
	)
	return nil
}

// TransferFromEscrow settles a matched trade leg: the sender's locked funds
// are released and reassigned to the recipient's escrow atomically.
func (l *Ledger) TransferFromEscrow(ctx context.Context, from, to, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	err := l.store.TransferFromEscrow(ctx, from, to, asset, amount)
	if errors.Is(err, store.ErrInsufficientLocked) {
		return ErrInsufficientLocked
	}
	if err != nil {
		return fmt.Errorf("transfer from escrow: %w", err)
	}

	slog.Info("escrow transfer",
		"from", from,
		"to", to,
		"asset", asset,
		"amount", amount.String(),
	)
	return nil
}

// EscrowBalance returns the total escrowed amount for (participant, asset).
func (l *Ledger) EscrowBalance(ctx context.Context, participant, asset string) (decimal.Decimal, error) {
	return l.store.EscrowBalance(ctx, participant, asset)
}

// LockedBalance returns the locked amount for (participant, asset).
func (l *Ledger) LockedBalance(ctx context.Context, participant, asset string) (decimal.Decimal, error) {
	return l.store.LockedBalance(ctx, participant, asset)
}

// AvailableBalance returns escrow − locked.
func (l *Ledger) AvailableBalance(ctx context.Context, participant, asset string) (decimal.Decimal, error) {
	snap, err := l.Balance(ctx, participant, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.Available, nil
}

// Balance returns the full snapshot for (participant, asset).
func (l *Ledger) Balance(ctx context.Context, participant, asset string) (*model.BalanceSnapshot, error) {
	escrow, err := l.store.EscrowBalance(ctx, participant, asset)
	if err != nil {
		return nil, err
	}
	locked, err := l.store.LockedBalance(ctx, participant, asset)
	if err != nil {
		return nil, err
	}
	return &model.BalanceSnapshot{
		Participant: participant,
		Asset:       asset,
		Escrow:      escrow,
		Locked:      locked,
		Available:   escrow.Sub(locked),
	}, nil
}

// IsNullifierUsed reports whether a settlement nullifier has been consumed.
func (l *Ledger) IsNullifierUsed(ctx context.Context, token model.Hash32) (bool, error) {
	return l.store.IsNullifierUsed(ctx, token)
}

// ConsumeNullifier marks a nullifier used. A second consume of the same
// token fails, permanently: each settlement proof is spent at most once.
func (l *Ledger) ConsumeNullifier(ctx context.Context, token model.Hash32) error {
	err := l.store.MarkNullifierUsed(ctx, token)
	if errors.Is(err, store.ErrNullifierUsed) {
		return ErrNullifierUsed
	}
	if err != nil {
		return fmt.Errorf("consume nullifier: %w", err)
	}

	slog.Info("nullifier consumed", "token", token.String())
	return nil
}

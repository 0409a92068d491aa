// Package orderbook drives the order-commitment lifecycle state machine:
// Active → {Matched, Cancelled}; Matched → Settled. Every mutating operation
// authenticates the named party first, validates every precondition across
// all affected records, and only then writes — so a failed call leaves no
// partial state behind.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloakex/venue-engine/internal/auth"
	"github.com/cloakex/venue-engine/internal/model"
	"github.com/cloakex/venue-engine/internal/store"
	"github.com/cloakex/venue-engine/internal/venueerr"
	"github.com/cloakex/venue-engine/internal/verifier"
)

// Config carries the identities fixed at venue deployment.
type Config struct {
	// Admin is the single identity allowed to record and settle matches.
	Admin string

	// Registry is the asset allow-list collaborator identity.
	Registry string

	// Settlement is the settlement collaborator identity.
	Settlement string
}

// Book owns the order and match collections. A mutex serializes mutating
// operations (single-instance); reads go straight to the store.
type Book struct {
	store    store.Store
	guard    auth.Guard
	verifier verifier.Verifier
	cfg      Config
	mu       sync.Mutex
	now      func() uint64
}

// New creates an order book over the given store and collaborators.
func New(st store.Store, guard auth.Guard, vf verifier.Verifier, cfg Config) *Book {
	return &Book{
		store:    st,
		guard:    guard,
		verifier: vf,
		cfg:      cfg,
		now:      func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetClock overrides the ledger clock. Tests use this to pin expiry
// evaluation to a known instant.
func (b *Book) SetClock(now func() uint64) { b.now = now }

// Admin returns the configured admin identity.
func (b *Book) Admin() string { return b.cfg.Admin }

// Registry returns the configured registry collaborator identity.
func (b *Book) Registry() string { return b.cfg.Registry }

// Settlement returns the configured settlement collaborator identity.
func (b *Book) Settlement() string { return b.cfg.Settlement }

// requireAdmin authenticates the caller and confirms it is the venue admin.
// Authentication runs before the admin comparison so an unauthenticated
// caller learns nothing from the error code.
func (b *Book) requireAdmin(ctx context.Context, caller string) error {
	if err := b.guard.Authenticate(ctx, caller); err != nil {
		return err
	}
	if caller != b.cfg.Admin {
		return venueerr.ErrOnlyAdmin
	}
	return nil
}

// SubmitOrder stores a new hidden order commitment and returns its insertion
// ordinal. Beyond authentication it never fails: commitment shape is opaque
// and duplicates are not rejected (the earliest record wins for lookups).
func (b *Book) SubmitOrder(ctx context.Context, trader string, commitment model.Hash32, asset string, side model.OrderSide, expirySeconds uint64) (uint32, error) {
	if err := b.guard.Authenticate(ctx, trader); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	order := &model.OrderCommitment{
		Commitment: commitment,
		Trader:     trader,
		Asset:      asset,
		Side:       side,
		Timestamp:  now,
		Expiry:     now + expirySeconds,
		Status:     model.StatusActive,
	}

	index, err := b.store.InsertOrder(ctx, order)
	if err != nil {
		return 0, fmt.Errorf("submit order: %w", err)
	}

	slog.Info("order submitted",
		"commitment", commitment.String(),
		"trader", trader,
		"asset", asset,
		"side", side,
		"index", index,
	)
	return index, nil
}

// CancelOrder transitions an Active order to Cancelled. The ownership proof
// is routed through the verifier collaborator; verification failure surfaces
// as InvalidProof. An expired-but-Active order may still be cancelled.
func (b *Book) CancelOrder(ctx context.Context, trader string, commitment model.Hash32, proof, publicSignals []byte) error {
	if err := b.guard.Authenticate(ctx, trader); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	order, err := b.store.GetOrder(ctx, commitment)
	if errors.Is(err, store.ErrNotFound) {
		return venueerr.ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	if order.Trader != trader {
		return venueerr.ErrUnauthorizedCancellation
	}
	switch order.Status {
	case model.StatusMatched, model.StatusSettled:
		return venueerr.ErrOrderAlreadyMatched
	case model.StatusCancelled:
		return venueerr.ErrOrderAlreadyCancelled
	}

	if err := b.verifier.VerifyOwnership(ctx, commitment, proof, publicSignals); err != nil {
		return fmt.Errorf("%w: %w", venueerr.ErrInvalidProof, err)
	}

	if err := b.store.UpdateOrderStatus(ctx, commitment, model.StatusActive, model.StatusCancelled); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	slog.Info("order cancelled",
		"commitment", commitment.String(),
		"trader", trader,
	)
	return nil
}

// RecordMatch marks both referenced orders Matched and appends the match
// record with is_settled = false. Admin-only. All preconditions across both
// orders are checked before either is mutated.
func (b *Book) RecordMatch(ctx context.Context, caller string, match *model.MatchRecord) error {
	if err := b.requireAdmin(ctx, caller); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var missing bool
	for _, c := range []model.Hash32{match.BuyCommitment, match.SellCommitment} {
		order, err := b.store.GetOrder(ctx, c)
		if errors.Is(err, store.ErrNotFound) {
			missing = true
			continue
		}
		if err != nil {
			return fmt.Errorf("record match: %w", err)
		}
		if order.Asset != match.Asset {
			return venueerr.ErrAssetMismatch
		}
		switch order.Status {
		case model.StatusMatched, model.StatusSettled:
			return venueerr.ErrOrderAlreadyMatched
		case model.StatusCancelled:
			return venueerr.ErrOrderAlreadyCancelled
		}
	}
	if missing {
		return venueerr.ErrOrderNotFound
	}

	rec := *match
	rec.Timestamp = b.now()
	rec.IsSettled = false

	if err := b.store.RecordMatch(ctx, &rec); err != nil {
		return fmt.Errorf("record match: %w", err)
	}

	slog.Info("match recorded",
		"match_id", rec.MatchID.String(),
		"asset", rec.Asset,
		"buyer", rec.Buyer,
		"seller", rec.Seller,
		"quantity", rec.Quantity.String(),
		"price", rec.Price.String(),
	)
	return nil
}

// MarkSettled flags a match as settled and transitions both referenced
// orders Matched → Settled. Admin-only; called after funds have moved.
func (b *Book) MarkSettled(ctx context.Context, caller string, matchID model.Hash32) (*model.MatchRecord, error) {
	if err := b.requireAdmin(ctx, caller); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	match, err := b.store.SettleMatch(ctx, matchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, venueerr.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark settled: %w", err)
	}

	slog.Info("match settled", "match_id", matchID.String())
	return match, nil
}

// --- Read-only queries ---

// Order returns the order for a commitment.
func (b *Book) Order(ctx context.Context, commitment model.Hash32) (*model.OrderCommitment, error) {
	order, err := b.store.GetOrder(ctx, commitment)
	if errors.Is(err, store.ErrNotFound) {
		return nil, venueerr.ErrOrderNotFound
	}
	return order, err
}

// OrdersByAsset returns all orders for an asset, optionally filtered by side.
func (b *Book) OrdersByAsset(ctx context.Context, asset string, side *model.OrderSide) ([]model.OrderCommitment, error) {
	return b.store.OrdersByAsset(ctx, asset, side)
}

// ActiveOrders returns orders with status Active and expiry after now.
func (b *Book) ActiveOrders(ctx context.Context, asset string) ([]model.OrderCommitment, error) {
	return b.store.ActiveOrders(ctx, asset, b.now())
}

// Match returns the match record for an identifier.
func (b *Book) Match(ctx context.Context, matchID model.Hash32) (*model.MatchRecord, error) {
	match, err := b.store.GetMatch(ctx, matchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, venueerr.ErrMatchNotFound
	}
	return match, err
}

// Matches returns all match records.
func (b *Book) Matches(ctx context.Context) ([]model.MatchRecord, error) {
	return b.store.ListMatches(ctx)
}

// PendingMatches returns matches not yet settled.
func (b *Book) PendingMatches(ctx context.Context) ([]model.MatchRecord, error) {
	return b.store.PendingMatches(ctx)
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/cloakex/venue-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for single-record lookups. Writes go to the primary store and
// invalidate the affected keys; list queries and the nullifier set always
// hit the primary — replay protection must never be answered from a cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Order collection ---

func (s *CachedStore) InsertOrder(ctx context.Context, order *model.OrderCommitment) (uint32, error) {
	index, err := s.primary.InsertOrder(ctx, order)
	if err != nil {
		return 0, err
	}
	// Invalidate rather than populate: the primary assigns the index and a
	// duplicate commitment must keep resolving to the earliest record.
	s.rdb.Del(ctx, orderKey(order.Commitment))
	return index, nil
}

func (s *CachedStore) GetOrder(ctx context.Context, commitment model.Hash32) (*model.OrderCommitment, error) {
	data, err := s.rdb.Get(ctx, orderKey(commitment)).Bytes()
	if err == nil {
		var o model.OrderCommitment
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := s.primary.GetOrder(ctx, commitment)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(o); err == nil {
		s.rdb.Set(ctx, orderKey(commitment), data, s.ttl)
	}
	return o, nil
}

func (s *CachedStore) OrdersByAsset(ctx context.Context, asset string, side *model.OrderSide) ([]model.OrderCommitment, error) {
	return s.primary.OrdersByAsset(ctx, asset, side)
}

func (s *CachedStore) ActiveOrders(ctx context.Context, asset string, now uint64) ([]model.OrderCommitment, error) {
	return s.primary.ActiveOrders(ctx, asset, now)
}

func (s *CachedStore) UpdateOrderStatus(ctx context.Context, commitment model.Hash32, from, to model.OrderStatus) error {
	if err := s.primary.UpdateOrderStatus(ctx, commitment, from, to); err != nil {
		return err
	}
	s.rdb.Del(ctx, orderKey(commitment))
	return nil
}

// --- Match collection ---

func (s *CachedStore) RecordMatch(ctx context.Context, match *model.MatchRecord) error {
	if err := s.primary.RecordMatch(ctx, match); err != nil {
		return err
	}
	s.rdb.Del(ctx,
		orderKey(match.BuyCommitment),
		orderKey(match.SellCommitment),
		matchKey(match.MatchID))
	return nil
}

func (s *CachedStore) SettleMatch(ctx context.Context, matchID model.Hash32) (*model.MatchRecord, error) {
	match, err := s.primary.SettleMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx,
		orderKey(match.BuyCommitment),
		orderKey(match.SellCommitment),
		matchKey(matchID))
	return match, nil
}

func (s *CachedStore) GetMatch(ctx context.Context, matchID model.Hash32) (*model.MatchRecord, error) {
	data, err := s.rdb.Get(ctx, matchKey(matchID)).Bytes()
	if err == nil {
		var m model.MatchRecord
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, matchKey(matchID), data, s.ttl)
	}
	return m, nil
}

func (s *CachedStore) ListMatches(ctx context.Context) ([]model.MatchRecord, error) {
	return s.primary.ListMatches(ctx)
}

func (s *CachedStore) PendingMatches(ctx context.Context) ([]model.MatchRecord, error) {
	return s.primary.PendingMatches(ctx)
}

// --- Escrow ledger ---

func (s *CachedStore) EscrowBalance(ctx context.Context, participant, asset string) (decimal.Decimal, error) {
	return s.cachedBalance(ctx, escrowKey(participant, asset), func() (decimal.Decimal, error) {
		return s.primary.EscrowBalance(ctx, participant, asset)
	})
}

func (s *CachedStore) LockedBalance(ctx context.Context, participant, asset string) (decimal.Decimal, error) {
	return s.cachedBalance(ctx, lockedKey(participant, asset), func() (decimal.Decimal, error) {
		return s.primary.LockedBalance(ctx, participant, asset)
	})
}

func (s *CachedStore) cachedBalance(ctx context.Context, key string, load func() (decimal.Decimal, error)) (decimal.Decimal, error) {
	if cached, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if amount, err := decimal.NewFromString(cached); err == nil {
			return amount, nil
		}
	}

	amount, err := load()
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, key, amount.String(), s.ttl)
	return amount, nil
}

func (s *CachedStore) AddEscrowBalance(ctx context.Context, participant, asset string, amount decimal.Decimal) error {
	if err := s.primary.AddEscrowBalance(ctx, participant, asset, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, escrowKey(participant, asset))
	return nil
}

func (s *CachedStore) AddLockedBalance(ctx context.Context, participant, asset string, amount decimal.Decimal) error {
	if err := s.primary.AddLockedBalance(ctx, participant, asset, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, lockedKey(participant, asset))
	return nil
}

func (s *CachedStore) TransferFromEscrow(ctx context.Context, from, to, asset string, amount decimal.Decimal) error {
	if err := s.primary.TransferFromEscrow(ctx, from, to, asset, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx,
		escrowKey(from, asset), lockedKey(from, asset),
		escrowKey(to, asset))
	return nil
}

// --- Nullifier set (never cached) ---

func (s *CachedStore) IsNullifierUsed(ctx context.Context, token model.Hash32) (bool, error) {
	return s.primary.IsNullifierUsed(ctx, token)
}

func (s *CachedStore) MarkNullifierUsed(ctx context.Context, token model.Hash32) error {
	return s.primary.MarkNullifierUsed(ctx, token)
}

// --- Cache keys ---

func orderKey(c model.Hash32) string  { return fmt.Sprintf("order:%s", c) }
func matchKey(id model.Hash32) string { return fmt.Sprintf("match:%s", id) }

func escrowKey(participant, asset string) string {
	return fmt.Sprintf("escrow:%s:%s", participant, asset)
}

func lockedKey(participant, asset string) string {
	return fmt.Sprintf("locked:%s:%s", participant, asset)
}

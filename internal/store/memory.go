package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cloakex/venue-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Orders and matches live in insertion-order slices with a lookup index
// keyed by commitment / match id; the index records the first occurrence so
// duplicate commitments resolve to the earliest record.
type MemoryStore struct {
	mu         sync.RWMutex
	orders     []*model.OrderCommitment
	orderIdx   map[model.Hash32]int
	matches    []*model.MatchRecord
	matchIdx   map[model.Hash32]int
	escrow     map[balanceKey]decimal.Decimal
	locked     map[balanceKey]decimal.Decimal
	nullifiers map[model.Hash32]struct{}
}

type balanceKey struct {
	participant string
	asset       string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orderIdx:   make(map[model.Hash32]int),
		matchIdx:   make(map[model.Hash32]int),
		escrow:     make(map[balanceKey]decimal.Decimal),
		locked:     make(map[balanceKey]decimal.Decimal),
		nullifiers: make(map[model.Hash32]struct{}),
	}
}

// --- Order collection ---

func (s *MemoryStore) InsertOrder(_ context.Context, order *model.OrderCommitment) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := uint32(len(s.orders))

	// Store a copy to avoid external mutation.
	stored := *order
	stored.Index = index
	s.orders = append(s.orders, &stored)
	if _, exists := s.orderIdx[stored.Commitment]; !exists {
		s.orderIdx[stored.Commitment] = int(index)
	}
	return index, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, commitment model.Hash32) (*model.OrderCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getOrderLocked(commitment)
}

func (s *MemoryStore) getOrderLocked(commitment model.Hash32) (*model.OrderCommitment, error) {
	i, ok := s.orderIdx[commitment]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s.orders[i]
	return &copied, nil
}

func (s *MemoryStore) OrdersByAsset(_ context.Context, asset string, side *model.OrderSide) ([]model.OrderCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OrderCommitment
	for _, o := range s.orders {
		if o.Asset != asset {
			continue
		}
		if side != nil && o.Side != *side {
			continue
		}
		result = append(result, *o)
	}
	return result, nil
}

func (s *MemoryStore) ActiveOrders(_ context.Context, asset string, now uint64) ([]model.OrderCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OrderCommitment
	for _, o := range s.orders {
		if o.Asset == asset && o.Status == model.StatusActive && o.Expiry > now {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateOrderStatus(_ context.Context, commitment model.Hash32, from, to model.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateOrderStatusLocked(commitment, from, to)
}

func (s *MemoryStore) updateOrderStatusLocked(commitment model.Hash32, from, to model.OrderStatus) error {
	i, ok := s.orderIdx[commitment]
	if !ok {
		return ErrNotFound
	}
	if s.orders[i].Status != from {
		return ErrConflict
	}
	s.orders[i].Status = to
	return nil
}

// --- Match collection ---

func (s *MemoryStore) RecordMatch(_ context.Context, match *model.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate both transitions before mutating either, so a failure
	// leaves no partial state behind.
	for _, c := range []model.Hash32{match.BuyCommitment, match.SellCommitment} {
		i, ok := s.orderIdx[c]
		if !ok {
			return ErrNotFound
		}
		if s.orders[i].Status != model.StatusActive {
			return ErrConflict
		}
	}

	s.orders[s.orderIdx[match.BuyCommitment]].Status = model.StatusMatched
	s.orders[s.orderIdx[match.SellCommitment]].Status = model.StatusMatched

	stored := *match
	s.matches = append(s.matches, &stored)
	if _, exists := s.matchIdx[stored.MatchID]; !exists {
		s.matchIdx[stored.MatchID] = len(s.matches) - 1
	}
	return nil
}

func (s *MemoryStore) SettleMatch(_ context.Context, matchID model.Hash32) (*model.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.matchIdx[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	m := s.matches[i]
	m.IsSettled = true

	// Matched → Settled; orders already past Matched are left untouched.
	for _, c := range []model.Hash32{m.BuyCommitment, m.SellCommitment} {
		if j, ok := s.orderIdx[c]; ok && s.orders[j].Status == model.StatusMatched {
			s.orders[j].Status = model.StatusSettled
		}
	}

	copied := *m
	return &copied, nil
}

func (s *MemoryStore) GetMatch(_ context.Context, matchID model.Hash32) (*model.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.matchIdx[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s.matches[i]
	return &copied, nil
}

func (s *MemoryStore) ListMatches(_ context.Context) ([]model.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.MatchRecord, 0, len(s.matches))
	for _, m := range s.matches {
		result = append(result, *m)
	}
	return result, nil
}

func (s *MemoryStore) PendingMatches(_ context.Context) ([]model.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MatchRecord
	for _, m := range s.matches {
		if !m.IsSettled {
			result = append(result, *m)
		}
	}
	return result, nil
}

// --- Escrow ledger ---

func (s *MemoryStore) EscrowBalance(_ context.Context, participant, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.escrow[balanceKey{participant, asset}], nil
}

func (s *MemoryStore) LockedBalance(_ context.Context, participant, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.locked[balanceKey{participant, asset}], nil
}

func (s *MemoryStore) AddEscrowBalance(_ context.Context, participant, asset string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{participant, asset}
	s.escrow[key] = s.escrow[key].Add(amount)
	return nil
}

func (s *MemoryStore) AddLockedBalance(_ context.Context, participant, asset string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{participant, asset}
	newLocked := s.locked[key].Add(amount)
	if newLocked.GreaterThan(s.escrow[key]) {
		return ErrOverLock
	}
	s.locked[key] = newLocked
	return nil
}

func (s *MemoryStore) TransferFromEscrow(_ context.Context, from, to, asset string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromKey := balanceKey{from, asset}
	if s.locked[fromKey].LessThan(amount) {
		return ErrInsufficientLocked
	}

	toKey := balanceKey{to, asset}
	s.escrow[fromKey] = s.escrow[fromKey].Sub(amount)
	s.locked[fromKey] = s.locked[fromKey].Sub(amount)
	s.escrow[toKey] = s.escrow[toKey].Add(amount)
	return nil
}

// --- Nullifier set ---

func (s *MemoryStore) IsNullifierUsed(_ context.Context, token model.Hash32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, used := s.nullifiers[token]
	return used, nil
}

func (s *MemoryStore) MarkNullifierUsed(_ context.Context, token model.Hash32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.nullifiers[token]; used {
		return ErrNullifierUsed
	}
	s.nullifiers[token] = struct{}{}
	return nil
}

package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/cloakex/venue-engine/internal/model"
	"github.com/cloakex/venue-engine/internal/store"
)

func hash(b byte) model.Hash32 {
	var h model.Hash32
	for i := range h {
		h[i] = b
	}
	return h
}

func order(c model.Hash32, trader, asset string, status model.OrderStatus) *model.OrderCommitment {
	return &model.OrderCommitment{
		Commitment: c,
		Trader:     trader,
		Asset:      asset,
		Side:       model.SideBuy,
		Timestamp:  1000,
		Expiry:     4600,
		Status:     status,
	}
}

func TestInsertOrder_AssignsSequentialIndexes(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	for i := byte(0); i < 4; i++ {
		index, err := ms.InsertOrder(ctx, order(hash(i+1), "alice", "RWA-A", model.StatusActive))
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if index != uint32(i) {
			t.Errorf("expected index %d, got %d", i, index)
		}
	}
}

// Duplicate commitments are not rejected; lookups and updates resolve to the
// earliest record.
func TestDuplicateCommitment_FirstRecordWins(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.InsertOrder(ctx, order(hash(0x01), "alice", "RWA-A", model.StatusActive)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	index, err := ms.InsertOrder(ctx, order(hash(0x01), "bob", "RWA-A", model.StatusActive))
	if err != nil {
		t.Fatalf("duplicate insert must not fail: %v", err)
	}
	if index != 1 {
		t.Errorf("duplicate still gets the next index, got %d", index)
	}

	got, err := ms.GetOrder(ctx, hash(0x01))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Trader != "alice" {
		t.Errorf("lookup should return the earliest record, got trader %s", got.Trader)
	}
}

func TestUpdateOrderStatus_Guarded(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.InsertOrder(ctx, order(hash(0x01), "alice", "RWA-A", model.StatusActive)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	err := ms.UpdateOrderStatus(ctx, hash(0x01), model.StatusMatched, model.StatusSettled)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for wrong current status, got %v", err)
	}

	if err := ms.UpdateOrderStatus(ctx, hash(0x01), model.StatusActive, model.StatusCancelled); err != nil {
		t.Fatalf("guarded update failed: %v", err)
	}
	if err := ms.UpdateOrderStatus(ctx, hash(0x42), model.StatusActive, model.StatusCancelled); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// A failed match recording must leave both orders exactly as they were.
func TestRecordMatch_NoPartialMutation(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.InsertOrder(ctx, order(hash(0x01), "alice", "RWA-A", model.StatusActive)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := ms.InsertOrder(ctx, order(hash(0x02), "bob", "RWA-A", model.StatusCancelled)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	err := ms.RecordMatch(ctx, &model.MatchRecord{
		MatchID:        hash(0x03),
		BuyCommitment:  hash(0x01),
		SellCommitment: hash(0x02),
		Asset:          "RWA-A",
		Quantity:       decimal.NewFromInt(10),
		Price:          decimal.NewFromInt(100),
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	buy, _ := ms.GetOrder(ctx, hash(0x01))
	if buy.Status != model.StatusActive {
		t.Errorf("buy order must stay ACTIVE after failed match, got %s", buy.Status)
	}
	if _, err := ms.GetMatch(ctx, hash(0x03)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("no match record should exist after failure, got %v", err)
	}
}

func TestActiveOrders_ExpiryBoundary(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.InsertOrder(ctx, order(hash(0x01), "alice", "RWA-A", model.StatusActive)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// Expiry is 4600; the filter is strict.
	active, err := ms.ActiveOrders(ctx, "RWA-A", 4599)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("expected 1 active order before expiry, got %d", len(active))
	}

	active, _ = ms.ActiveOrders(ctx, "RWA-A", 4600)
	if len(active) != 0 {
		t.Errorf("expected 0 active orders at expiry, got %d", len(active))
	}
}

package orderbook_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/cloakex/venue-engine/internal/auth"
	"github.com/cloakex/venue-engine/internal/model"
	"github.com/cloakex/venue-engine/internal/orderbook"
	"github.com/cloakex/venue-engine/internal/store"
	"github.com/cloakex/venue-engine/internal/venueerr"
	"github.com/cloakex/venue-engine/internal/verifier"
)

func hash(b byte) model.Hash32 {
	var h model.Hash32
	for i := range h {
		h[i] = b
	}
	return h
}

// newTestBook creates a Book over an in-memory store with an allow-all
// guard and pass-through verifier.
func newTestBook(t *testing.T) (*orderbook.Book, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	book := orderbook.New(ms, auth.AllowAll{}, verifier.Noop{}, orderbook.Config{
		Admin:      "admin",
		Registry:   "registry",
		Settlement: "settlement",
	})
	return book, ms
}

func submit(t *testing.T, book *orderbook.Book, trader string, c model.Hash32, asset string, side model.OrderSide) uint32 {
	t.Helper()
	index, err := book.SubmitOrder(context.Background(), trader, c, asset, side, 3600)
	if err != nil {
		t.Fatalf("submit order failed: %v", err)
	}
	return index
}

func testMatch(buy, sell model.Hash32) *model.MatchRecord {
	return &model.MatchRecord{
		MatchID:        hash(0x03),
		BuyCommitment:  buy,
		SellCommitment: sell,
		Asset:          "RWA-A",
		Buyer:          "alice",
		Seller:         "bob",
		Quantity:       decimal.NewFromInt(1000),
		Price:          decimal.NewFromInt(50000),
	}
}

// --- Submit ---

func TestSubmitOrder(t *testing.T) {
	book, _ := newTestBook(t)

	index := submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)
	if index != 0 {
		t.Errorf("expected index 0, got %d", index)
	}

	order, err := book.Order(context.Background(), hash(0x01))
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.Status != model.StatusActive {
		t.Errorf("expected status ACTIVE, got %s", order.Status)
	}
	if order.Trader != "alice" {
		t.Errorf("expected trader alice, got %s", order.Trader)
	}
	if order.Expiry != order.Timestamp+3600 {
		t.Errorf("expected expiry = timestamp + 3600, got %d vs %d", order.Expiry, order.Timestamp)
	}
}

func TestSubmitOrder_IndexIncreases(t *testing.T) {
	book, _ := newTestBook(t)

	for i := byte(0); i < 5; i++ {
		index := submit(t, book, "alice", hash(i+1), "RWA-A", model.SideBuy)
		if index != uint32(i) {
			t.Errorf("expected index %d, got %d", i, index)
		}
	}
}

type denyGuard struct{}

func (denyGuard) Authenticate(context.Context, string) error { return auth.ErrUnauthenticated }

func TestSubmitOrder_Unauthenticated(t *testing.T) {
	ms := store.NewMemoryStore()
	book := orderbook.New(ms, denyGuard{}, verifier.Noop{}, orderbook.Config{Admin: "admin"})

	_, err := book.SubmitOrder(context.Background(), "alice", hash(0x01), "RWA-A", model.SideBuy, 3600)
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

// An unauthenticated caller must get the auth error even when the order does
// not exist, so error codes never leak internal state.
func TestCancelOrder_AuthCheckedFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	book := orderbook.New(ms, denyGuard{}, verifier.Noop{}, orderbook.Config{Admin: "admin"})

	err := book.CancelOrder(context.Background(), "alice", hash(0x09), nil, nil)
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

// --- Cancel ---

func TestCancelOrder(t *testing.T) {
	book, _ := newTestBook(t)
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)

	if err := book.CancelOrder(context.Background(), "alice", hash(0x01), []byte{0xaa}, []byte{0xbb}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	order, _ := book.Order(context.Background(), hash(0x01))
	if order.Status != model.StatusCancelled {
		t.Errorf("expected status CANCELLED, got %s", order.Status)
	}

	// Second cancel must fail with OrderAlreadyCancelled.
	err := book.CancelOrder(context.Background(), "alice", hash(0x01), nil, nil)
	if !errors.Is(err, venueerr.ErrOrderAlreadyCancelled) {
		t.Fatalf("expected ErrOrderAlreadyCancelled, got %v", err)
	}
}

func TestCancelOrder_NotFound(t *testing.T) {
	book, _ := newTestBook(t)

	err := book.CancelOrder(context.Background(), "alice", hash(0x42), nil, nil)
	if !errors.Is(err, venueerr.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelOrder_NotOwner(t *testing.T) {
	book, _ := newTestBook(t)
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)

	err := book.CancelOrder(context.Background(), "mallory", hash(0x01), nil, nil)
	if !errors.Is(err, venueerr.ErrUnauthorizedCancellation) {
		t.Fatalf("expected ErrUnauthorizedCancellation, got %v", err)
	}

	order, _ := book.Order(context.Background(), hash(0x01))
	if order.Status != model.StatusActive {
		t.Errorf("order should remain ACTIVE, got %s", order.Status)
	}
}

func TestCancelOrder_AlreadyMatched(t *testing.T) {
	book, _ := newTestBook(t)
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)
	submit(t, book, "bob", hash(0x02), "RWA-A", model.SideSell)

	if err := book.RecordMatch(context.Background(), "admin", testMatch(hash(0x01), hash(0x02))); err != nil {
		t.Fatalf("record match failed: %v", err)
	}

	err := book.CancelOrder(context.Background(), "alice", hash(0x01), nil, nil)
	if !errors.Is(err, venueerr.ErrOrderAlreadyMatched) {
		t.Fatalf("expected ErrOrderAlreadyMatched, got %v", err)
	}
}

func TestCancelOrder_InvalidProof(t *testing.T) {
	ms := store.NewMemoryStore()
	reject := verifier.Func(func(context.Context, model.Hash32, []byte, []byte) error {
		return errors.New("proof does not verify")
	})
	book := orderbook.New(ms, auth.AllowAll{}, reject, orderbook.Config{Admin: "admin"})
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)

	err := book.CancelOrder(context.Background(), "alice", hash(0x01), []byte{0x00}, []byte{0x00})
	if !errors.Is(err, venueerr.ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}

	order, _ := book.Order(context.Background(), hash(0x01))
	if order.Status != model.StatusActive {
		t.Errorf("order should remain ACTIVE after failed proof, got %s", order.Status)
	}
}

// --- Record match ---

func TestRecordMatch(t *testing.T) {
	book, _ := newTestBook(t)
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)
	submit(t, book, "bob", hash(0x02), "RWA-A", model.SideSell)

	if err := book.RecordMatch(context.Background(), "admin", testMatch(hash(0x01), hash(0x02))); err != nil {
		t.Fatalf("record match failed: %v", err)
	}

	ctx := context.Background()
	buy, _ := book.Order(ctx, hash(0x01))
	sell, _ := book.Order(ctx, hash(0x02))
	if buy.Status != model.StatusMatched || sell.Status != model.StatusMatched {
		t.Errorf("expected both MATCHED, got %s / %s", buy.Status, sell.Status)
	}

	match, err := book.Match(ctx, hash(0x03))
	if err != nil {
		t.Fatalf("get match failed: %v", err)
	}
	if match.IsSettled {
		t.Error("new match should not be settled")
	}
	if !match.Quantity.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected quantity 1000, got %s", match.Quantity)
	}
}

func TestRecordMatch_OnlyAdmin(t *testing.T) {
	book, _ := newTestBook(t)
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)
	submit(t, book, "bob", hash(0x02), "RWA-A", model.SideSell)

	err := book.RecordMatch(context.Background(), "mallory", testMatch(hash(0x01), hash(0x02)))
	if !errors.Is(err, venueerr.ErrOnlyAdmin) {
		t.Fatalf("expected ErrOnlyAdmin, got %v", err)
	}
}

func TestRecordMatch_OrderNotFound(t *testing.T) {
	book, _ := newTestBook(t)
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)

	err := book.RecordMatch(context.Background(), "admin", testMatch(hash(0x01), hash(0x42)))
	if !errors.Is(err, venueerr.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	// The existing order must be untouched.
	order, _ := book.Order(context.Background(), hash(0x01))
	if order.Status != model.StatusActive {
		t.Errorf("order should remain ACTIVE, got %s", order.Status)
	}
}

func TestRecordMatch_AssetMismatch(t *testing.T) {
	book, _ := newTestBook(t)
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)
	submit(t, book, "bob", hash(0x02), "RWA-B", model.SideSell)

	err := book.RecordMatch(context.Background(), "admin", testMatch(hash(0x01), hash(0x02)))
	if !errors.Is(err, venueerr.ErrAssetMismatch) {
		t.Fatalf("expected ErrAssetMismatch, got %v", err)
	}

	// Both orders untouched.
	ctx := context.Background()
	buy, _ := book.Order(ctx, hash(0x01))
	sell, _ := book.Order(ctx, hash(0x02))
	if buy.Status != model.StatusActive || sell.Status != model.StatusActive {
		t.Errorf("both orders should remain ACTIVE, got %s / %s", buy.Status, sell.Status)
	}
}

func TestRecordMatch_CancelledOrder(t *testing.T) {
	book, _ := newTestBook(t)
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)
	submit(t, book, "bob", hash(0x02), "RWA-A", model.SideSell)

	if err := book.CancelOrder(context.Background(), "bob", hash(0x02), nil, nil); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	err := book.RecordMatch(context.Background(), "admin", testMatch(hash(0x01), hash(0x02)))
	if !errors.Is(err, venueerr.ErrOrderAlreadyCancelled) {
		t.Fatalf("expected ErrOrderAlreadyCancelled, got %v", err)
	}
}

// --- Mark settled ---

func TestMarkSettled(t *testing.T) {
	book, _ := newTestBook(t)
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)
	submit(t, book, "bob", hash(0x02), "RWA-A", model.SideSell)

	ctx := context.Background()
	if err := book.RecordMatch(ctx, "admin", testMatch(hash(0x01), hash(0x02))); err != nil {
		t.Fatalf("record match failed: %v", err)
	}

	settled, err := book.MarkSettled(ctx, "admin", hash(0x03))
	if err != nil {
		t.Fatalf("mark settled failed: %v", err)
	}
	if !settled.IsSettled {
		t.Error("match should be settled")
	}

	buy, _ := book.Order(ctx, hash(0x01))
	sell, _ := book.Order(ctx, hash(0x02))
	if buy.Status != model.StatusSettled || sell.Status != model.StatusSettled {
		t.Errorf("expected both SETTLED, got %s / %s", buy.Status, sell.Status)
	}
}

func TestMarkSettled_NotFound(t *testing.T) {
	book, _ := newTestBook(t)

	_, err := book.MarkSettled(context.Background(), "admin", hash(0x42))
	if !errors.Is(err, venueerr.ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

// Once Cancelled or Settled, no further operation changes an order's status.
func TestStatusMonotone(t *testing.T) {
	book, _ := newTestBook(t)
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)
	submit(t, book, "bob", hash(0x02), "RWA-A", model.SideSell)

	ctx := context.Background()
	if err := book.RecordMatch(ctx, "admin", testMatch(hash(0x01), hash(0x02))); err != nil {
		t.Fatalf("record match failed: %v", err)
	}
	if _, err := book.MarkSettled(ctx, "admin", hash(0x03)); err != nil {
		t.Fatalf("mark settled failed: %v", err)
	}

	// Cancelling a settled order must fail and leave its status intact.
	if err := book.CancelOrder(ctx, "alice", hash(0x01), nil, nil); !errors.Is(err, venueerr.ErrOrderAlreadyMatched) {
		t.Fatalf("expected ErrOrderAlreadyMatched, got %v", err)
	}
	// Re-matching settled orders must fail too.
	rematch := testMatch(hash(0x01), hash(0x02))
	rematch.MatchID = hash(0x04)
	if err := book.RecordMatch(ctx, "admin", rematch); !errors.Is(err, venueerr.ErrOrderAlreadyMatched) {
		t.Fatalf("expected ErrOrderAlreadyMatched, got %v", err)
	}

	order, _ := book.Order(ctx, hash(0x01))
	if order.Status != model.StatusSettled {
		t.Errorf("status should stay SETTLED, got %s", order.Status)
	}
}

// --- Queries ---

func TestOrdersByAsset_SideFilter(t *testing.T) {
	book, _ := newTestBook(t)
	for i := byte(1); i <= 3; i++ {
		submit(t, book, "alice", hash(i), "RWA-A", model.SideBuy)
	}
	for i := byte(4); i <= 5; i++ {
		submit(t, book, "bob", hash(i), "RWA-A", model.SideSell)
	}
	submit(t, book, "carol", hash(6), "RWA-B", model.SideBuy)

	ctx := context.Background()
	buySide := model.SideBuy
	buys, err := book.OrdersByAsset(ctx, "RWA-A", &buySide)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(buys) != 3 {
		t.Errorf("expected 3 buy orders, got %d", len(buys))
	}

	all, _ := book.OrdersByAsset(ctx, "RWA-A", nil)
	if len(all) != 5 {
		t.Errorf("expected 5 orders for RWA-A, got %d", len(all))
	}
}

func TestActiveOrders_FiltersExpiredAndInactive(t *testing.T) {
	book, _ := newTestBook(t)

	now := uint64(1_000_000)
	book.SetClock(func() uint64 { return now })

	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy) // expires at now+3600
	submit(t, book, "bob", hash(0x02), "RWA-A", model.SideSell)
	submit(t, book, "carol", hash(0x03), "RWA-A", model.SideBuy)

	ctx := context.Background()
	if err := book.CancelOrder(ctx, "carol", hash(0x03), nil, nil); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	active, err := book.ActiveOrders(ctx, "RWA-A")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active orders, got %d", len(active))
	}

	// Advance past expiry: still Active by status, filtered from the view.
	now += 3600
	active, _ = book.ActiveOrders(ctx, "RWA-A")
	if len(active) != 0 {
		t.Errorf("expected 0 active orders after expiry, got %d", len(active))
	}

	order, _ := book.Order(ctx, hash(0x01))
	if order.Status != model.StatusActive {
		t.Errorf("expiry must not change stored status, got %s", order.Status)
	}
}

// Expiry is a query filter only: an expired-but-Active order can still be
// cancelled and matched.
func TestExpiredOrderStillCancellable(t *testing.T) {
	book, _ := newTestBook(t)

	now := uint64(1_000_000)
	book.SetClock(func() uint64 { return now })
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)

	now += 10_000
	if err := book.CancelOrder(context.Background(), "alice", hash(0x01), nil, nil); err != nil {
		t.Fatalf("cancelling an expired order should succeed, got %v", err)
	}
}

func TestPendingMatches(t *testing.T) {
	book, _ := newTestBook(t)
	submit(t, book, "alice", hash(0x01), "RWA-A", model.SideBuy)
	submit(t, book, "bob", hash(0x02), "RWA-A", model.SideSell)
	submit(t, book, "alice", hash(0x04), "RWA-A", model.SideBuy)
	submit(t, book, "bob", hash(0x05), "RWA-A", model.SideSell)

	ctx := context.Background()
	first := testMatch(hash(0x01), hash(0x02))
	if err := book.RecordMatch(ctx, "admin", first); err != nil {
		t.Fatalf("record match failed: %v", err)
	}
	second := testMatch(hash(0x04), hash(0x05))
	second.MatchID = hash(0x06)
	if err := book.RecordMatch(ctx, "admin", second); err != nil {
		t.Fatalf("record match failed: %v", err)
	}

	if _, err := book.MarkSettled(ctx, "admin", hash(0x03)); err != nil {
		t.Fatalf("mark settled failed: %v", err)
	}

	pending, err := book.PendingMatches(ctx)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending match, got %d", len(pending))
	}
	if pending[0].MatchID != hash(0x06) {
		t.Errorf("wrong pending match: %s", pending[0].MatchID)
	}

	all, _ := book.Matches(ctx)
	if len(all) != 2 {
		t.Errorf("expected 2 matches total, got %d", len(all))
	}
}

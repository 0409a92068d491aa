// Package venue provides the HTTP surface over the order book and escrow
// ledger: order submission and cancellation, match recording and settlement,
// escrow mutations, and the read-only query set.
//
// All quantities, prices, and balances use shopspring/decimal — never
// float64 for money.
package venue

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cloakex/venue-engine/internal/auth"
	"github.com/cloakex/venue-engine/internal/escrow"
	"github.com/cloakex/venue-engine/internal/metrics"
	"github.com/cloakex/venue-engine/internal/model"
	"github.com/cloakex/venue-engine/internal/orderbook"
	"github.com/cloakex/venue-engine/internal/venueerr"
)

// Service handles venue operations over HTTP. Business rules live in the
// order book and ledger; this layer parses, authorizes escrow/settlement
// calls, and maps errors to statuses.
type Service struct {
	book   *orderbook.Book
	ledger *escrow.Ledger
	guard  auth.Guard
	wsHub  *WSHub // optional hub for real-time broadcasts

	// settleMu serializes settlement orchestration: the pending-match and
	// nullifier checks, the escrow transfer, and the settle mark span several
	// store calls, and a concurrent second request must not slip past the
	// checks before the first commits.
	settleMu sync.Mutex
}

// NewService creates a new venue service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(book *orderbook.Book, ledger *escrow.Ledger, guard auth.Guard, hub *WSHub) *Service {
	return &Service{
		book:   book,
		ledger: ledger,
		guard:  guard,
		wsHub:  hub,
	}
}

// CredentialMiddleware copies the bearer token from the Authorization header
// into the request context, where the authentication guard reads it.
func CredentialMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			r = r.WithContext(auth.WithCredential(r.Context(), strings.TrimPrefix(h, "Bearer ")))
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request/Response types ---

// SubmitOrderRequest is the JSON body for POST /api/v1/orders.
type SubmitOrderRequest struct {
	Trader        string `json:"trader"`
	Commitment    string `json:"commitment"` // 32-byte hex
	Asset         string `json:"asset"`
	Side          string `json:"side"` // "BUY" or "SELL"
	ExpirySeconds uint64 `json:"expiry_seconds"`
}

// SubmitOrderResponse carries the assigned insertion ordinal.
type SubmitOrderResponse struct {
	Index uint32 `json:"index"`
}

// CancelOrderRequest is the JSON body for POST /api/v1/orders/cancel.
// Proof material is hex-encoded and treated as opaque.
type CancelOrderRequest struct {
	Trader        string `json:"trader"`
	Commitment    string `json:"commitment"`
	Proof         string `json:"proof"`
	PublicSignals string `json:"public_signals"`
}

// RecordMatchRequest is the JSON body for POST /api/v1/matches.
type RecordMatchRequest struct {
	Admin          string          `json:"admin"`
	MatchID        string          `json:"match_id"`
	BuyCommitment  string          `json:"buy_commitment"`
	SellCommitment string          `json:"sell_commitment"`
	Asset          string          `json:"asset"`
	Buyer          string          `json:"buyer"`
	Seller         string          `json:"seller"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
}

// MarkSettledRequest is the JSON body for POST /api/v1/matches/{matchID}/settled.
type MarkSettledRequest struct {
	Admin string `json:"admin"`
}

// EscrowMutationRequest is the JSON body for escrow deposits and locks.
type EscrowMutationRequest struct {
	Admin       string          `json:"admin"`
	Participant string          `json:"participant"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

// SettleRequest is the JSON body for POST /api/v1/settlements.
type SettleRequest struct {
	Admin     string `json:"admin"`
	MatchID   string `json:"match_id"`
	Nullifier string `json:"nullifier"`
}

// InfoResponse exposes the identities fixed at deployment.
type InfoResponse struct {
	Admin      string `json:"admin"`
	Registry   string `json:"registry"`
	Settlement string `json:"settlement"`
}

// --- Order handlers ---

// SubmitOrder handles POST /api/v1/orders.
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Trader == "" || req.Asset == "" {
		writeError(w, "trader and asset are required", http.StatusBadRequest)
		return
	}

	commitment, err := model.ParseHash32(req.Commitment)
	if err != nil {
		writeError(w, "commitment must be 32 bytes of hex", http.StatusBadRequest)
		return
	}
	side, err := model.ParseOrderSide(req.Side)
	if err != nil {
		writeVenueError(w, venueerr.ErrInvalidOrderSide)
		return
	}

	index, err := s.book.SubmitOrder(r.Context(), req.Trader, commitment, req.Asset, side, req.ExpirySeconds)
	if err != nil {
		writeVenueError(w, err)
		return
	}

	metrics.OrdersSubmitted.WithLabelValues(string(side)).Inc()
	s.notify(WSMessage{
		Type:       "order_submitted",
		Commitment: commitment.String(),
		Asset:      req.Asset,
		Side:       string(side),
	})

	writeJSON(w, http.StatusCreated, SubmitOrderResponse{Index: index})
}

// CancelOrder handles POST /api/v1/orders/cancel.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	commitment, err := model.ParseHash32(req.Commitment)
	if err != nil {
		writeError(w, "commitment must be 32 bytes of hex", http.StatusBadRequest)
		return
	}
	proof, err := hex.DecodeString(req.Proof)
	if err != nil {
		writeError(w, "proof must be hex-encoded", http.StatusBadRequest)
		return
	}
	signals, err := hex.DecodeString(req.PublicSignals)
	if err != nil {
		writeError(w, "public_signals must be hex-encoded", http.StatusBadRequest)
		return
	}

	if err := s.book.CancelOrder(r.Context(), req.Trader, commitment, proof, signals); err != nil {
		writeVenueError(w, err)
		return
	}

	metrics.OrdersCancelled.Inc()
	s.notify(WSMessage{
		Type:       "order_cancelled",
		Commitment: commitment.String(),
	})

	w.WriteHeader(http.StatusNoContent)
}

// GetOrder handles GET /api/v1/orders/{commitment}.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	commitment, err := model.ParseHash32(chi.URLParam(r, "commitment"))
	if err != nil {
		writeError(w, "commitment must be 32 bytes of hex", http.StatusBadRequest)
		return
	}

	order, err := s.book.Order(r.Context(), commitment)
	if err != nil {
		writeVenueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrders handles GET /api/v1/orders?asset=&side=&active=.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		writeError(w, "asset query parameter is required", http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("active") == "true" {
		orders, err := s.book.ActiveOrders(r.Context(), asset)
		if err != nil {
			writeError(w, "failed to list orders", http.StatusInternalServerError)
			return
		}
		writeOrders(w, orders)
		return
	}

	var side *model.OrderSide
	if sideS := r.URL.Query().Get("side"); sideS != "" {
		parsed, err := model.ParseOrderSide(sideS)
		if err != nil {
			writeVenueError(w, venueerr.ErrInvalidOrderSide)
			return
		}
		side = &parsed
	}

	orders, err := s.book.OrdersByAsset(r.Context(), asset, side)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	writeOrders(w, orders)
}

// --- Match handlers ---

// RecordMatch handles POST /api/v1/matches.
func (s *Service) RecordMatch(w http.ResponseWriter, r *http.Request) {
	var req RecordMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	matchID, err := model.ParseHash32(req.MatchID)
	if err != nil {
		writeError(w, "match_id must be 32 bytes of hex", http.StatusBadRequest)
		return
	}
	buy, err := model.ParseHash32(req.BuyCommitment)
	if err != nil {
		writeError(w, "buy_commitment must be 32 bytes of hex", http.StatusBadRequest)
		return
	}
	sell, err := model.ParseHash32(req.SellCommitment)
	if err != nil {
		writeError(w, "sell_commitment must be 32 bytes of hex", http.StatusBadRequest)
		return
	}

	match := &model.MatchRecord{
		MatchID:        matchID,
		BuyCommitment:  buy,
		SellCommitment: sell,
		Asset:          req.Asset,
		Buyer:          req.Buyer,
		Seller:         req.Seller,
		Quantity:       req.Quantity,
		Price:          req.Price,
	}

	if err := s.book.RecordMatch(r.Context(), req.Admin, match); err != nil {
		writeVenueError(w, err)
		return
	}

	metrics.MatchesRecorded.Inc()
	s.notify(WSMessage{
		Type:     "match_recorded",
		MatchID:  matchID.String(),
		Asset:    req.Asset,
		Quantity: req.Quantity.String(),
		Price:    req.Price.String(),
	})

	w.WriteHeader(http.StatusCreated)
}

// MarkSettled handles POST /api/v1/matches/{matchID}/settled.
func (s *Service) MarkSettled(w http.ResponseWriter, r *http.Request) {
	matchID, err := model.ParseHash32(chi.URLParam(r, "matchID"))
	if err != nil {
		writeError(w, "match id must be 32 bytes of hex", http.StatusBadRequest)
		return
	}

	var req MarkSettledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	match, err := s.book.MarkSettled(r.Context(), req.Admin, matchID)
	if err != nil {
		writeVenueError(w, err)
		return
	}

	metrics.MatchesSettled.Inc()
	s.notify(WSMessage{
		Type:    "match_settled",
		MatchID: matchID.String(),
		Asset:   match.Asset,
	})

	writeJSON(w, http.StatusOK, match)
}

// GetMatch handles GET /api/v1/matches/{matchID}.
func (s *Service) GetMatch(w http.ResponseWriter, r *http.Request) {
	matchID, err := model.ParseHash32(chi.URLParam(r, "matchID"))
	if err != nil {
		writeError(w, "match id must be 32 bytes of hex", http.StatusBadRequest)
		return
	}

	match, err := s.book.Match(r.Context(), matchID)
	if err != nil {
		writeVenueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// ListMatches handles GET /api/v1/matches, optionally ?pending=true.
func (s *Service) ListMatches(w http.ResponseWriter, r *http.Request) {
	var (
		matches []model.MatchRecord
		err     error
	)
	if r.URL.Query().Get("pending") == "true" {
		matches, err = s.book.PendingMatches(r.Context())
	} else {
		matches, err = s.book.Matches(r.Context())
	}
	if err != nil {
		writeError(w, "failed to list matches", http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []model.MatchRecord{}
	}
	writeJSON(w, http.StatusOK, matches)
}

// --- Escrow handlers ---

// requireAdmin authorizes privileged escrow/settlement calls. Auth runs
// before the admin comparison so an unauthorized caller learns nothing from
// the error code.
func (s *Service) requireAdmin(r *http.Request, caller string) error {
	if err := s.guard.Authenticate(r.Context(), caller); err != nil {
		return err
	}
	if caller != s.book.Admin() {
		return venueerr.ErrOnlyAdmin
	}
	return nil
}

// Deposit handles POST /api/v1/escrow/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req EscrowMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.requireAdmin(r, req.Admin); err != nil {
		writeVenueError(w, err)
		return
	}
	if err := s.ledger.Deposit(r.Context(), req.Participant, req.Asset, req.Amount); err != nil {
		writeVenueError(w, err)
		return
	}
	s.writeBalance(w, r, req.Participant, req.Asset)
}

// Lock handles POST /api/v1/escrow/lock.
func (s *Service) Lock(w http.ResponseWriter, r *http.Request) {
	var req EscrowMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.requireAdmin(r, req.Admin); err != nil {
		writeVenueError(w, err)
		return
	}
	if err := s.ledger.Lock(r.Context(), req.Participant, req.Asset, req.Amount); err != nil {
		writeVenueError(w, err)
		return
	}
	s.writeBalance(w, r, req.Participant, req.Asset)
}

// GetBalance handles GET /api/v1/escrow/{participant}/{asset}.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	participant := chi.URLParam(r, "participant")
	asset := chi.URLParam(r, "asset")
	s.writeBalance(w, r, participant, asset)
}

func (s *Service) writeBalance(w http.ResponseWriter, r *http.Request, participant, asset string) {
	snap, err := s.ledger.Balance(r.Context(), participant, asset)
	if err != nil {
		writeError(w, "failed to read balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetNullifier handles GET /api/v1/nullifiers/{token}.
func (s *Service) GetNullifier(w http.ResponseWriter, r *http.Request) {
	token, err := model.ParseHash32(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, "token must be 32 bytes of hex", http.StatusBadRequest)
		return
	}

	used, err := s.ledger.IsNullifierUsed(r.Context(), token)
	if err != nil {
		writeError(w, "failed to read nullifier", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"used": used})
}

// --- Settlement orchestration ---

// Settle handles POST /api/v1/settlements: moves the matched quantity from
// seller escrow to buyer, consumes the nullifier, and marks the match
// settled. The transfer runs before the nullifier is consumed so a failed
// transfer never burns the proof.
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.requireAdmin(r, req.Admin); err != nil {
		writeVenueError(w, err)
		return
	}

	matchID, err := model.ParseHash32(req.MatchID)
	if err != nil {
		writeError(w, "match_id must be 32 bytes of hex", http.StatusBadRequest)
		return
	}
	nullifier, err := model.ParseHash32(req.Nullifier)
	if err != nil {
		writeError(w, "nullifier must be 32 bytes of hex", http.StatusBadRequest)
		return
	}

	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	ctx := r.Context()
	match, err := s.book.Match(ctx, matchID)
	if err != nil {
		writeVenueError(w, err)
		return
	}
	if match.IsSettled {
		writeError(w, "match is already settled", http.StatusConflict)
		return
	}

	used, err := s.ledger.IsNullifierUsed(ctx, nullifier)
	if err != nil {
		writeError(w, "failed to check nullifier", http.StatusInternalServerError)
		return
	}
	if used {
		metrics.NullifierReplays.Inc()
		writeVenueError(w, escrow.ErrNullifierUsed)
		return
	}

	if err := s.ledger.TransferFromEscrow(ctx, match.Seller, match.Buyer, match.Asset, match.Quantity); err != nil {
		writeVenueError(w, err)
		return
	}
	if err := s.ledger.ConsumeNullifier(ctx, nullifier); err != nil {
		writeVenueError(w, err)
		return
	}

	settled, err := s.book.MarkSettled(ctx, req.Admin, matchID)
	if err != nil {
		writeVenueError(w, err)
		return
	}

	receipt := model.SettlementReceipt{
		ReceiptID: uuid.New().String(),
		MatchID:   matchID,
		Nullifier: nullifier,
		Asset:     settled.Asset,
		Buyer:     settled.Buyer,
		Seller:    settled.Seller,
		Quantity:  settled.Quantity,
		Timestamp: settled.Timestamp,
	}

	metrics.MatchesSettled.Inc()
	slog.Info("settlement executed",
		"receipt_id", receipt.ReceiptID,
		"match_id", matchID.String(),
		"asset", receipt.Asset,
		"quantity", receipt.Quantity.String(),
	)
	s.notify(WSMessage{
		Type:    "match_settled",
		MatchID: matchID.String(),
		Asset:   receipt.Asset,
	})

	writeJSON(w, http.StatusOK, receipt)
}

// Info handles GET /api/v1/info.
func (s *Service) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{
		Admin:      s.book.Admin(),
		Registry:   s.book.Registry(),
		Settlement: s.book.Settlement(),
	})
}

// --- Helpers ---

func (s *Service) notify(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

func writeOrders(w http.ResponseWriter, orders []model.OrderCommitment) {
	if orders == nil {
		orders = []model.OrderCommitment{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeVenueError maps component errors to HTTP statuses. Venue-coded
// errors carry their numeric code so callers can branch without parsing
// messages.
func writeVenueError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrUnauthenticated) {
		metrics.AuthFailures.Inc()
		writeError(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	if code, ok := venueerr.CodeOf(err); ok {
		status := http.StatusConflict
		switch code {
		case venueerr.CodeOnlyAdmin:
			status = http.StatusForbidden
		case venueerr.CodeOrderNotFound, venueerr.CodeMatchNotFound:
			status = http.StatusNotFound
		case venueerr.CodeInvalidProof, venueerr.CodeInvalidOrderSide:
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "code": code})
		return
	}

	switch {
	case errors.Is(err, escrow.ErrNegativeAmount):
		metrics.EscrowRejections.WithLabelValues("negative_amount").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, escrow.ErrOverLock):
		metrics.EscrowRejections.WithLabelValues("over_lock").Inc()
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, escrow.ErrInsufficientLocked):
		metrics.EscrowRejections.WithLabelValues("insufficient_locked").Inc()
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, escrow.ErrNullifierUsed):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// Routes mounts the venue API onto a chi router.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/orders", s.SubmitOrder)
	r.Post("/orders/cancel", s.CancelOrder)
	r.Get("/orders", s.ListOrders)
	r.Get("/orders/{commitment}", s.GetOrder)

	r.Post("/matches", s.RecordMatch)
	r.Get("/matches", s.ListMatches)
	r.Get("/matches/{matchID}", s.GetMatch)
	r.Post("/matches/{matchID}/settled", s.MarkSettled)

	r.Post("/escrow/deposit", s.Deposit)
	r.Post("/escrow/lock", s.Lock)
	r.Get("/escrow/{participant}/{asset}", s.GetBalance)
	r.Get("/nullifiers/{token}", s.GetNullifier)

	r.Post("/settlements", s.Settle)
	r.Get("/info", s.Info)
}

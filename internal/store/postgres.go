package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cloakex/venue-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC for exact decimal precision. Multi-row
// mutations run inside a transaction so each call commits all-or-nothing.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const orderColumns = `commitment, trader, asset, side, created_at, expiry, status, tree_index`

const matchColumns = `match_id, buy_commitment, sell_commitment, asset, buyer, seller,
	        quantity::TEXT, price::TEXT, created_at, is_settled`

// --- Order collection ---

func (s *PostgresStore) InsertOrder(ctx context.Context, order *model.OrderCommitment) (uint32, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var index uint32
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (commitment, trader, asset, side, created_at, expiry, status, tree_index)
		 SELECT $1, $2, $3, $4, $5, $6, $7, COUNT(*) FROM orders
		 RETURNING tree_index`,
		order.Commitment.String(), order.Trader, order.Asset, string(order.Side),
		order.Timestamp, order.Expiry, string(order.Status),
	).Scan(&index)
	if err != nil {
		return 0, fmt.Errorf("insert order %s: %w", order.Commitment, err)
	}
	return index, tx.Commit(ctx)
}

func (s *PostgresStore) GetOrder(ctx context.Context, commitment model.Hash32) (*model.OrderCommitment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+`
		 FROM orders WHERE commitment = $1 ORDER BY tree_index LIMIT 1`,
		commitment.String())

	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", commitment, err)
	}
	return order, nil
}

func (s *PostgresStore) OrdersByAsset(ctx context.Context, asset string, side *model.OrderSide) ([]model.OrderCommitment, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE asset = $1`
	args := []any{asset}
	if side != nil {
		query += ` AND side = $2`
		args = append(args, string(*side))
	}
	query += ` ORDER BY tree_index`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ActiveOrders(ctx context.Context, asset string, now uint64) ([]model.OrderCommitment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE asset = $1 AND status = $2 AND expiry > $3
		 ORDER BY tree_index`,
		asset, string(model.StatusActive), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, commitment model.Hash32, from, to model.OrderStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := updateOrderStatusTx(ctx, tx, commitment, from, to); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// updateOrderStatusTx applies a status-guarded transition to the earliest
// order carrying the commitment, inside the caller's transaction.
func updateOrderStatusTx(ctx context.Context, tx pgx.Tx, commitment model.Hash32, from, to model.OrderStatus) error {
	var current string
	err := tx.QueryRow(ctx,
		`SELECT status FROM orders WHERE commitment = $1 ORDER BY tree_index LIMIT 1 FOR UPDATE`,
		commitment.String()).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current != string(from) {
		return ErrConflict
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2
		 WHERE tree_index = (SELECT MIN(tree_index) FROM orders WHERE commitment = $1)`,
		commitment.String(), string(to))
	return err
}

// --- Match collection ---

func (s *PostgresStore) RecordMatch(ctx context.Context, match *model.MatchRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, c := range []model.Hash32{match.BuyCommitment, match.SellCommitment} {
		if err := updateOrderStatusTx(ctx, tx, c, model.StatusActive, model.StatusMatched); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO matches (match_id, buy_commitment, sell_commitment, asset, buyer, seller, quantity, price, created_at, is_settled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		match.MatchID.String(), match.BuyCommitment.String(), match.SellCommitment.String(),
		match.Asset, match.Buyer, match.Seller,
		match.Quantity.String(), match.Price.String(),
		match.Timestamp, match.IsSettled,
	)
	if err != nil {
		return fmt.Errorf("insert match %s: %w", match.MatchID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SettleMatch(ctx context.Context, matchID model.Hash32) (*model.MatchRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`UPDATE matches SET is_settled = TRUE
		 WHERE seq = (SELECT MIN(seq) FROM matches WHERE match_id = $1)
		 RETURNING `+matchColumns,
		matchID.String())

	match, err := scanMatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settle match %s: %w", matchID, err)
	}

	// Matched → Settled; orders already past Matched are left untouched.
	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $3
		 WHERE commitment IN ($1, $2) AND status = $4`,
		match.BuyCommitment.String(), match.SellCommitment.String(),
		string(model.StatusSettled), string(model.StatusMatched))
	if err != nil {
		return nil, err
	}
	return match, tx.Commit(ctx)
}

func (s *PostgresStore) GetMatch(ctx context.Context, matchID model.Hash32) (*model.MatchRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+matchColumns+`
		 FROM matches WHERE match_id = $1 ORDER BY seq LIMIT 1`,
		matchID.String())

	match, err := scanMatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", matchID, err)
	}
	return match, nil
}

func (s *PostgresStore) ListMatches(ctx context.Context) ([]model.MatchRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM matches ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMatches(rows)
}

func (s *PostgresStore) PendingMatches(ctx context.Context) ([]model.MatchRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE is_settled = FALSE ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMatches(rows)
}

// --- Escrow ledger ---

func (s *PostgresStore) EscrowBalance(ctx context.Context, participant, asset string) (decimal.Decimal, error) {
	return s.balance(ctx, "escrow_balances", participant, asset)
}

func (s *PostgresStore) LockedBalance(ctx context.Context, participant, asset string) (decimal.Decimal, error) {
	return s.balance(ctx, "locked_balances", participant, asset)
}

func (s *PostgresStore) balance(ctx context.Context, table, participant, asset string) (decimal.Decimal, error) {
	var amountS string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM `+table+` WHERE participant = $1 AND asset = $2`,
		participant, asset).Scan(&amountS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(amountS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s amount: %w", table, err)
	}
	return amount, nil
}

func (s *PostgresStore) AddEscrowBalance(ctx context.Context, participant, asset string, amount decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO escrow_balances (participant, asset, amount)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (participant, asset)
		 DO UPDATE SET amount = escrow_balances.amount + EXCLUDED.amount`,
		participant, asset, amount.String())
	return err
}

func (s *PostgresStore) AddLockedBalance(ctx context.Context, participant, asset string, amount decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	escrow, locked, err := balancesForUpdate(ctx, tx, participant, asset)
	if err != nil {
		return err
	}
	if locked.Add(amount).GreaterThan(escrow) {
		return ErrOverLock
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO locked_balances (participant, asset, amount)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (participant, asset)
		 DO UPDATE SET amount = locked_balances.amount + EXCLUDED.amount`,
		participant, asset, amount.String())
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) TransferFromEscrow(ctx context.Context, from, to, asset string, amount decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, locked, err := balancesForUpdate(ctx, tx, from, asset)
	if err != nil {
		return err
	}
	if locked.LessThan(amount) {
		return ErrInsufficientLocked
	}

	amountS := amount.String()
	if _, err := tx.Exec(ctx,
		`UPDATE escrow_balances SET amount = amount - $3::NUMERIC
		 WHERE participant = $1 AND asset = $2`,
		from, asset, amountS); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE locked_balances SET amount = amount - $3::NUMERIC
		 WHERE participant = $1 AND asset = $2`,
		from, asset, amountS); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO escrow_balances (participant, asset, amount)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (participant, asset)
		 DO UPDATE SET amount = escrow_balances.amount + EXCLUDED.amount`,
		to, asset, amountS); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// balancesForUpdate reads escrow and locked balances under row locks so the
// lock/transfer invariants hold under concurrent writers.
func balancesForUpdate(ctx context.Context, tx pgx.Tx, participant, asset string) (escrow, locked decimal.Decimal, err error) {
	var escrowS string
	err = tx.QueryRow(ctx,
		`SELECT amount::TEXT FROM escrow_balances WHERE participant = $1 AND asset = $2 FOR UPDATE`,
		participant, asset).Scan(&escrowS)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		escrow = decimal.Zero
	case err != nil:
		return
	default:
		escrow, err = decimal.NewFromString(escrowS)
		if err != nil {
			return
		}
	}

	var lockedS string
	err = tx.QueryRow(ctx,
		`SELECT amount::TEXT FROM locked_balances WHERE participant = $1 AND asset = $2 FOR UPDATE`,
		participant, asset).Scan(&lockedS)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		locked = decimal.Zero
		err = nil
	case err != nil:
		return
	default:
		locked, err = decimal.NewFromString(lockedS)
	}
	return
}

// --- Nullifier set ---

func (s *PostgresStore) IsNullifierUsed(ctx context.Context, token model.Hash32) (bool, error) {
	var used bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM nullifiers WHERE token = $1)`,
		token.String()).Scan(&used)
	return used, err
}

func (s *PostgresStore) MarkNullifierUsed(ctx context.Context, token model.Hash32) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO nullifiers (token) VALUES ($1) ON CONFLICT (token) DO NOTHING`,
		token.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNullifierUsed
	}
	return nil
}

// --- Row scanning ---

func scanOrder(row pgx.Row) (*model.OrderCommitment, error) {
	var o model.OrderCommitment
	var commitmentS, sideS, statusS string

	if err := row.Scan(&commitmentS, &o.Trader, &o.Asset, &sideS,
		&o.Timestamp, &o.Expiry, &statusS, &o.Index); err != nil {
		return nil, err
	}

	commitment, err := model.ParseHash32(commitmentS)
	if err != nil {
		return nil, err
	}
	o.Commitment = commitment
	o.Side = model.OrderSide(sideS)
	o.Status = model.OrderStatus(statusS)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.OrderCommitment, error) {
	var orders []model.OrderCommitment
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanMatch(row pgx.Row) (*model.MatchRecord, error) {
	var m model.MatchRecord
	var matchIDS, buyS, sellS, qtyS, priceS string

	if err := row.Scan(&matchIDS, &buyS, &sellS, &m.Asset, &m.Buyer, &m.Seller,
		&qtyS, &priceS, &m.Timestamp, &m.IsSettled); err != nil {
		return nil, err
	}

	var err error
	if m.MatchID, err = model.ParseHash32(matchIDS); err != nil {
		return nil, err
	}
	if m.BuyCommitment, err = model.ParseHash32(buyS); err != nil {
		return nil, err
	}
	if m.SellCommitment, err = model.ParseHash32(sellS); err != nil {
		return nil, err
	}
	if m.Quantity, err = decimal.NewFromString(qtyS); err != nil {
		return nil, err
	}
	if m.Price, err = decimal.NewFromString(priceS); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMatches(rows pgx.Rows) ([]model.MatchRecord, error) {
	var matches []model.MatchRecord
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

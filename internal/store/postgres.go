package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ImThienz/BlockChain/internal/engine"
	"github.com/ImThienz/BlockChain/internal/ledger"
	"github.com/ImThienz/BlockChain/internal/models"
)

// PostgresStore is the durable ledger store. Every mutation runs inside a
// single transaction; the match path locks the affected order and account
// rows with FOR UPDATE so the transfer and both fulfilled flips commit
// together or not at all.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool and verifies it with a ping.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{Pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.Pool.Close()
}

func (s *PostgresStore) Balance(ctx context.Context, identity string) (int64, error) {
	var balance int64
	err := s.Pool.QueryRow(ctx, "SELECT balance FROM accounts WHERE identity = $1", identity).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) Deposit(ctx context.Context, identity string, amount int64) (int64, error) {
	var balance int64
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO accounts (identity, balance) VALUES ($1, $2)
		ON CONFLICT (identity) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance
		RETURNING balance
	`, identity, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to deposit: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) Withdraw(ctx context.Context, identity string, amount int64) (int64, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE identity = $1 FOR UPDATE", identity).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock account: %w", err)
	}
	if balance < amount {
		return 0, ledger.ErrInsufficientFunds
	}

	err = tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance - $1 WHERE identity = $2 RETURNING balance",
		amount, identity).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to withdraw: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return balance, nil
}

// PlaceOrder assigns the next dense id from the order_seq counter row and
// appends the order in the same transaction. A serial column would leak id
// gaps on aborted inserts; the counter cannot.
func (s *PostgresStore) PlaceOrder(ctx context.Context, owner string, side models.Side, amount, price int64) (models.Order, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order := models.Order{Owner: owner, Side: side, Amount: amount, Price: price}
	err = tx.QueryRow(ctx, "UPDATE order_seq SET n = n + 1 RETURNING n").Scan(&order.ID)
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to advance order counter: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO orders (id, owner, side, amount, price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, order.ID, owner, side, amount, price).Scan(&order.CreatedAt)
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to create order: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Order{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return order, nil
}

func (s *PostgresStore) OrderCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.Pool.QueryRow(ctx, "SELECT n FROM order_seq").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to get order count: %w", err)
	}
	return n, nil
}

// GetOrder reads from the live book first, then from the archive, so ids
// stay resolvable after compaction.
func (s *PostgresStore) GetOrder(ctx context.Context, id int64) (models.Order, error) {
	for _, table := range []string{"orders", "orders_archive"} {
		order, err := s.scanOrderRow(s.Pool.QueryRow(ctx,
			"SELECT id, owner, side, amount, price, fulfilled, created_at FROM "+table+" WHERE id = $1", id))
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, fmt.Errorf("failed to get order: %w", err)
		}
	}
	return models.Order{}, ledger.ErrNotFound
}

func (s *PostgresStore) OpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, owner, side, amount, price, fulfilled, created_at
		FROM orders
		WHERE NOT fulfilled
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// Match runs the whole settlement as one transaction: lock the target and
// candidate order rows, pick the counterparty, lock both account rows in
// identity order to avoid deadlock, verify funds, then apply the transfer
// and both fulfilled flips.
func (s *PostgresStore) Match(ctx context.Context, id int64) (models.Settlement, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return models.Settlement{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	target, err := s.scanOrderRow(tx.QueryRow(ctx,
		"SELECT id, owner, side, amount, price, fulfilled, created_at FROM orders WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		// Archived orders are always fulfilled.
		var archived bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM orders_archive WHERE id = $1)", id).Scan(&archived); err != nil {
			return models.Settlement{}, fmt.Errorf("failed to check archive: %w", err)
		}
		if archived {
			return models.Settlement{}, ledger.ErrAlreadyFulfilled
		}
		return models.Settlement{}, ledger.ErrNotFound
	}
	if err != nil {
		return models.Settlement{}, fmt.Errorf("failed to lock order: %w", err)
	}
	if target.Fulfilled {
		return models.Settlement{}, ledger.ErrAlreadyFulfilled
	}

	rows, err := tx.Query(ctx, `
		SELECT id, owner, side, amount, price, fulfilled, created_at
		FROM orders
		WHERE NOT fulfilled AND id <> $1 AND side = $2 AND amount = $3
		ORDER BY id ASC
		FOR UPDATE
	`, target.ID, target.Side.Opposite(), target.Amount)
	if err != nil {
		return models.Settlement{}, fmt.Errorf("failed to query candidates: %w", err)
	}
	candidates, err := scanOrders(rows)
	if err != nil {
		return models.Settlement{}, err
	}

	counterparty, ok := engine.FindCounterparty(candidates, target)
	if !ok {
		return models.Settlement{}, ledger.ErrNoCounterparty
	}
	settlement := engine.SettlementFor(target, counterparty)

	buyerBalance, err := lockAccounts(ctx, tx, settlement.Buyer, settlement.Seller)
	if err != nil {
		return models.Settlement{}, err
	}
	if buyerBalance < settlement.Price {
		return models.Settlement{}, fmt.Errorf("%w: %s cannot cover %d", ledger.ErrSettlementFailed, settlement.Buyer, settlement.Price)
	}

	if settlement.Buyer != settlement.Seller {
		if _, err := tx.Exec(ctx,
			"UPDATE accounts SET balance = balance - $1 WHERE identity = $2",
			settlement.Price, settlement.Buyer); err != nil {
			return models.Settlement{}, fmt.Errorf("failed to debit buyer: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE accounts SET balance = balance + $1 WHERE identity = $2",
			settlement.Price, settlement.Seller); err != nil {
			return models.Settlement{}, fmt.Errorf("failed to credit seller: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		"UPDATE orders SET fulfilled = TRUE WHERE id = $1 OR id = $2",
		target.ID, counterparty.ID)
	if err != nil {
		return models.Settlement{}, fmt.Errorf("failed to mark orders fulfilled: %w", err)
	}
	if tag.RowsAffected() != 2 {
		return models.Settlement{}, fmt.Errorf("expected to fulfill 2 orders, fulfilled %d", tag.RowsAffected())
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO settlements (buy_order_id, sell_order_id, buyer, seller, amount, price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, executed_at
	`, settlement.BuyOrderID, settlement.SellOrderID, settlement.Buyer,
		settlement.Seller, settlement.Amount, settlement.Price).Scan(&settlement.ID, &settlement.ExecutedAt)
	if err != nil {
		return models.Settlement{}, fmt.Errorf("failed to record settlement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Settlement{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return settlement, nil
}

func (s *PostgresStore) Settlements(ctx context.Context) ([]models.Settlement, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, buy_order_id, sell_order_id, buyer, seller, amount, price, executed_at
		FROM settlements
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get settlements: %w", err)
	}
	defer rows.Close()

	var settlements []models.Settlement
	for rows.Next() {
		var st models.Settlement
		if err := rows.Scan(&st.ID, &st.BuyOrderID, &st.SellOrderID, &st.Buyer,
			&st.Seller, &st.Amount, &st.Price, &st.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, st)
	}
	return settlements, rows.Err()
}

// ArchiveFulfilled moves fulfilled orders placed before the cutoff into
// orders_archive. Ids keep resolving through GetOrder.
func (s *PostgresStore) ArchiveFulfilled(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO orders_archive (id, owner, side, amount, price, fulfilled, created_at)
		SELECT id, owner, side, amount, price, fulfilled, created_at
		FROM orders
		WHERE fulfilled AND created_at < $1
		ON CONFLICT (id) DO NOTHING
	`, before); err != nil {
		return 0, fmt.Errorf("failed to copy orders to archive: %w", err)
	}

	tag, err := tx.Exec(ctx, "DELETE FROM orders WHERE fulfilled AND created_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived orders: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return tag.RowsAffected(), nil
}

// lockAccounts creates missing account rows, locks both in identity order
// (deterministic lock ordering prevents deadlock between concurrent
// matches) and returns the buyer's balance.
func lockAccounts(ctx context.Context, tx pgx.Tx, buyer, seller string) (int64, error) {
	identities := []string{buyer}
	if seller != buyer {
		identities = append(identities, seller)
		if identities[0] > identities[1] {
			identities[0], identities[1] = identities[1], identities[0]
		}
	}

	var buyerBalance int64
	for _, identity := range identities {
		if _, err := tx.Exec(ctx,
			"INSERT INTO accounts (identity, balance) VALUES ($1, 0) ON CONFLICT (identity) DO NOTHING",
			identity); err != nil {
			return 0, fmt.Errorf("failed to ensure account: %w", err)
		}
		var balance int64
		if err := tx.QueryRow(ctx,
			"SELECT balance FROM accounts WHERE identity = $1 FOR UPDATE", identity).Scan(&balance); err != nil {
			return 0, fmt.Errorf("failed to lock account: %w", err)
		}
		if identity == buyer {
			buyerBalance = balance
		}
	}
	return buyerBalance, nil
}

func (s *PostgresStore) scanOrderRow(row pgx.Row) (models.Order, error) {
	var order models.Order
	err := row.Scan(&order.ID, &order.Owner, &order.Side, &order.Amount,
		&order.Price, &order.Fulfilled, &order.CreatedAt)
	return order, err
}

func scanOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()
	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := rows.Scan(&order.ID, &order.Owner, &order.Side, &order.Amount,
			&order.Price, &order.Fulfilled, &order.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return orders, nil
}

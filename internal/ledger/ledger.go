package ledger

import (
	"context"
	"time"

	"github.com/ImThienz/BlockChain/internal/models"
	"github.com/ImThienz/BlockChain/internal/roles"
)

// Store is the mutable state behind the ledger: account balances, the
// append-only order book and the settlement history. Implementations must
// serialize mutations so that every operation is all-or-nothing; Match in
// particular must apply the funds transfer and both fulfilled flips as one
// atomic step or fail with no visible effect.
type Store interface {
	Balance(ctx context.Context, identity string) (int64, error)
	Deposit(ctx context.Context, identity string, amount int64) (int64, error)
	Withdraw(ctx context.Context, identity string, amount int64) (int64, error)

	PlaceOrder(ctx context.Context, owner string, side models.Side, amount, price int64) (models.Order, error)
	OrderCount(ctx context.Context) (int64, error)
	GetOrder(ctx context.Context, id int64) (models.Order, error)
	OpenOrders(ctx context.Context) ([]models.Order, error)

	Match(ctx context.Context, id int64) (models.Settlement, error)
	Settlements(ctx context.Context) ([]models.Settlement, error)
}

// Archiver is implemented by stores that can move old fulfilled orders out
// of the live book. Archived orders stay readable through GetOrder.
type Archiver interface {
	ArchiveFulfilled(ctx context.Context, before time.Time) (int64, error)
}

// Service gates Store operations by role and validates inputs. Privileged
// operations (deposit, withdraw, match) require the ADMIN role; order
// placement requires any provisioned role.
type Service struct {
	store Store
	roles *roles.Registry
}

// NewService creates a ledger service over the given store and registry.
func NewService(store Store, registry *roles.Registry) *Service {
	return &Service{store: store, roles: registry}
}

// RoleOf exposes the registry for login and display purposes.
func (s *Service) RoleOf(identity string) models.Role {
	return s.roles.RoleOf(identity)
}

// GetBalance returns the custodial balance of identity. Unseen identities
// hold zero.
func (s *Service) GetBalance(ctx context.Context, identity string) (int64, error) {
	return s.store.Balance(ctx, identity)
}

// Deposit credits identity's balance. Admin only.
func (s *Service) Deposit(ctx context.Context, caller, identity string, amount int64) (int64, error) {
	if !s.roles.IsAdmin(caller) {
		return 0, ErrUnauthorized
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return s.store.Deposit(ctx, identity, amount)
}

// Withdraw debits identity's balance. Admin only; fails with
// ErrInsufficientFunds rather than letting the balance go negative.
func (s *Service) Withdraw(ctx context.Context, caller, identity string, amount int64) (int64, error) {
	if !s.roles.IsAdmin(caller) {
		return 0, ErrUnauthorized
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return s.store.Withdraw(ctx, identity, amount)
}

// PlaceOrder appends a new open order and returns it with its assigned id.
// No funds are reserved at placement; settlement feasibility is checked at
// match time.
func (s *Service) PlaceOrder(ctx context.Context, owner string, side models.Side, amount, price int64) (models.Order, error) {
	if !s.roles.Known(owner) {
		return models.Order{}, ErrUnauthorized
	}
	if amount <= 0 {
		return models.Order{}, ErrInvalidAmount
	}
	if price <= 0 {
		return models.Order{}, ErrInvalidPrice
	}
	return s.store.PlaceOrder(ctx, owner, side, amount, price)
}

// OrderCount returns the number of orders ever placed. Ids are dense, so
// every id in [1, OrderCount] resolves.
func (s *Service) OrderCount(ctx context.Context) (int64, error) {
	return s.store.OrderCount(ctx)
}

// GetOrder returns the order with the given id, fulfilled or not.
func (s *Service) GetOrder(ctx context.Context, id int64) (models.Order, error) {
	if id < 1 {
		return models.Order{}, ErrNotFound
	}
	return s.store.GetOrder(ctx, id)
}

// OpenOrders returns all unfulfilled orders in ascending id order.
func (s *Service) OpenOrders(ctx context.Context) ([]models.Order, error) {
	return s.store.OpenOrders(ctx)
}

// Match settles the identified order against the earliest compatible open
// counterparty. Admin only.
func (s *Service) Match(ctx context.Context, caller string, id int64) (models.Settlement, error) {
	if !s.roles.IsAdmin(caller) {
		return models.Settlement{}, ErrUnauthorized
	}
	if id < 1 {
		return models.Settlement{}, ErrNotFound
	}
	return s.store.Match(ctx, id)
}

// Settlements returns the full settlement history, newest first.
func (s *Service) Settlements(ctx context.Context) ([]models.Settlement, error) {
	return s.store.Settlements(ctx)
}

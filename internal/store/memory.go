package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ImThienz/BlockChain/internal/engine"
	"github.com/ImThienz/BlockChain/internal/ledger"
	"github.com/ImThienz/BlockChain/internal/models"
)

// MemoryStore keeps the whole ledger in process memory behind a single
// mutex: every mutation runs in one critical section, which makes the
// match transaction (transfer + two fulfilled flips) trivially atomic.
// Used in dev mode (STORE=memory) and by unit tests.
type MemoryStore struct {
	mu          sync.Mutex
	balances    map[string]int64
	orders      []models.Order // orders[i] has id i+1; ids are dense
	settlements []models.Settlement
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]int64)}
}

func (m *MemoryStore) Balance(ctx context.Context, identity string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[identity], nil
}

func (m *MemoryStore) Deposit(ctx context.Context, identity string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[identity] += amount
	return m.balances[identity], nil
}

func (m *MemoryStore) Withdraw(ctx context.Context, identity string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[identity] < amount {
		return 0, ledger.ErrInsufficientFunds
	}
	m.balances[identity] -= amount
	return m.balances[identity], nil
}

func (m *MemoryStore) PlaceOrder(ctx context.Context, owner string, side models.Side, amount, price int64) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := models.Order{
		ID:        int64(len(m.orders)) + 1,
		Owner:     owner,
		Side:      side,
		Amount:    amount,
		Price:     price,
		CreatedAt: time.Now().UTC(),
	}
	m.orders = append(m.orders, order)
	return order, nil
}

func (m *MemoryStore) OrderCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.orders)), nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id int64) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || id > int64(len(m.orders)) {
		return models.Order{}, ledger.ErrNotFound
	}
	return m.orders[id-1], nil
}

func (m *MemoryStore) OpenOrders(ctx context.Context) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []models.Order
	for _, order := range m.orders {
		if !order.Fulfilled {
			open = append(open, order)
		}
	}
	return open, nil
}

func (m *MemoryStore) Match(ctx context.Context, id int64) (models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 1 || id > int64(len(m.orders)) {
		return models.Settlement{}, ledger.ErrNotFound
	}
	target := m.orders[id-1]
	if target.Fulfilled {
		return models.Settlement{}, ledger.ErrAlreadyFulfilled
	}

	var open []models.Order
	for _, order := range m.orders {
		if !order.Fulfilled {
			open = append(open, order)
		}
	}
	counterparty, ok := engine.FindCounterparty(open, target)
	if !ok {
		return models.Settlement{}, ledger.ErrNoCounterparty
	}

	settlement := engine.SettlementFor(target, counterparty)
	if m.balances[settlement.Buyer] < settlement.Price {
		return models.Settlement{}, fmt.Errorf("%w: %s cannot cover %d", ledger.ErrSettlementFailed, settlement.Buyer, settlement.Price)
	}

	// Single critical section: transfer and both flips land together.
	m.balances[settlement.Buyer] -= settlement.Price
	m.balances[settlement.Seller] += settlement.Price
	m.orders[target.ID-1].Fulfilled = true
	m.orders[counterparty.ID-1].Fulfilled = true

	settlement.ID = int64(len(m.settlements)) + 1
	settlement.ExecutedAt = time.Now().UTC()
	m.settlements = append(m.settlements, settlement)
	return settlement, nil
}

func (m *MemoryStore) Settlements(ctx context.Context) ([]models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Settlement, 0, len(m.settlements))
	for i := len(m.settlements) - 1; i >= 0; i-- {
		out = append(out, m.settlements[i])
	}
	return out, nil
}

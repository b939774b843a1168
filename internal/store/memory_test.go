package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ImThienz/BlockChain/internal/ledger"
	"github.com/ImThienz/BlockChain/internal/models"
)

func TestMemoryStore_ConcurrentDeposits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const workers = 50
	const perWorker = 100

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.Deposit(ctx, "0xalice", 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	balance, err := s.Balance(ctx, "0xalice")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), balance, "lost update under concurrent deposits")
}

func TestMemoryStore_ConcurrentPlacementsKeepIdsDense(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const workers = 20
	ids := make(chan int64, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			order, err := s.PlaceOrder(ctx, "0xalice", models.SideSell, 1, 1)
			assert.NoError(t, err)
			ids <- order.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	for id := int64(1); id <= workers; id++ {
		assert.True(t, seen[id], "id %d missing from dense sequence", id)
	}
}

func TestMemoryStore_ConcurrentMatchSingleCounterparty(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Deposit(ctx, "0xbuyer1", 100)
	require.NoError(t, err)
	_, err = s.Deposit(ctx, "0xbuyer2", 100)
	require.NoError(t, err)

	// One sell, two buys racing for it: exactly one match may succeed.
	_, err = s.PlaceOrder(ctx, "0xseller", models.SideSell, 10, 50)
	require.NoError(t, err)
	buy1, err := s.PlaceOrder(ctx, "0xbuyer1", models.SideBuy, 10, 50)
	require.NoError(t, err)
	buy2, err := s.PlaceOrder(ctx, "0xbuyer2", models.SideBuy, 10, 50)
	require.NoError(t, err)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for _, id := range []int64{buy1.ID, buy2.ID} {
		go func(id int64) {
			defer wg.Done()
			_, err := s.Match(ctx, id)
			results <- err
		}(id)
	}
	wg.Wait()
	close(results)

	var succeeded, failed int
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrNoCounterparty)
			failed++
		}
	}
	assert.Equal(t, 1, succeeded, "the sell order settled more than once")
	assert.Equal(t, 1, failed)

	sellerBalance, err := s.Balance(ctx, "0xseller")
	require.NoError(t, err)
	assert.Equal(t, int64(50), sellerBalance, "seller must be paid exactly once")
}

func TestMemoryStore_OpenOrdersAscending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 5; i++ {
		_, err := s.PlaceOrder(ctx, "0xalice", models.SideSell, 10, 50)
		require.NoError(t, err)
	}
	_, err := s.Deposit(ctx, "0xbob", 100)
	require.NoError(t, err)
	_, err = s.PlaceOrder(ctx, "0xbob", models.SideBuy, 10, 50)
	require.NoError(t, err)

	// Settles against order 1, the earliest sell.
	settlement, err := s.Match(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(1), settlement.SellOrderID)

	open, err := s.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 4)
	for i, order := range open {
		assert.False(t, order.Fulfilled)
		if i > 0 {
			assert.Greater(t, order.ID, open[i-1].ID, "open orders out of id order")
		}
	}
}

func TestMemoryStore_SettlementsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Deposit(ctx, "0xbob", 1000)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := s.PlaceOrder(ctx, "0xalice", models.SideSell, 10, 50)
		require.NoError(t, err)
		buy, err := s.PlaceOrder(ctx, "0xbob", models.SideBuy, 10, 50)
		require.NoError(t, err)
		_, err = s.Match(ctx, buy.ID)
		require.NoError(t, err)
	}

	settlements, err := s.Settlements(ctx)
	require.NoError(t, err)
	require.Len(t, settlements, 2)
	assert.Equal(t, int64(2), settlements[0].ID)
	assert.Equal(t, int64(1), settlements[1].ID)
}

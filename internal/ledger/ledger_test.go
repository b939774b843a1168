package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ImThienz/BlockChain/internal/ledger"
	"github.com/ImThienz/BlockChain/internal/models"
	"github.com/ImThienz/BlockChain/internal/roles"
	"github.com/ImThienz/BlockChain/internal/store"
)

const (
	admin = "0xadmin"
	alice = "0xalice"
	bob   = "0xbob"
)

func newService() *ledger.Service {
	registry := roles.NewRegistry(map[string]models.Role{
		admin: models.RoleAdmin,
		alice: models.RoleUser,
		bob:   models.RoleUser,
	})
	return ledger.NewService(store.NewMemoryStore(), registry)
}

func TestService_RoleOf(t *testing.T) {
	svc := newService()
	assert.Equal(t, models.RoleAdmin, svc.RoleOf(admin))
	assert.Equal(t, models.RoleUser, svc.RoleOf(alice))
	assert.Equal(t, models.RoleUnset, svc.RoleOf("0xstranger"))
}

func TestService_DepositWithdraw(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	// Unseen identities hold zero.
	balance, err := svc.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	balance, err = svc.Deposit(ctx, admin, alice, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	balance, err = svc.Withdraw(ctx, admin, alice, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)

	// Overdraft is rejected and leaves the balance untouched.
	_, err = svc.Withdraw(ctx, admin, alice, 71)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	balance, err = svc.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
}

func TestService_DepositWithdrawValidation(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	tests := []struct {
		name   string
		caller string
		amount int64
		want   error
	}{
		{"DepositByUser", alice, 10, ledger.ErrUnauthorized},
		{"DepositByUnknown", "0xstranger", 10, ledger.ErrUnauthorized},
		{"ZeroAmount", admin, 0, ledger.ErrInvalidAmount},
		{"NegativeAmount", admin, -5, ledger.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Deposit(ctx, tt.caller, bob, tt.amount)
			assert.ErrorIs(t, err, tt.want)
			_, err = svc.Withdraw(ctx, tt.caller, bob, tt.amount)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// None of the rejected calls may have touched the balance.
	balance, err := svc.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestService_PlaceOrder(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	// Ids are dense and start at 1.
	for i := int64(1); i <= 3; i++ {
		order, err := svc.PlaceOrder(ctx, alice, models.SideSell, 10, 50)
		require.NoError(t, err)
		assert.Equal(t, i, order.ID)
		assert.False(t, order.Fulfilled)
	}

	n, err := svc.OrderCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = svc.PlaceOrder(ctx, alice, models.SideBuy, 0, 50)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = svc.PlaceOrder(ctx, alice, models.SideBuy, 10, -1)
	assert.ErrorIs(t, err, ledger.ErrInvalidPrice)
	_, err = svc.PlaceOrder(ctx, "0xstranger", models.SideBuy, 10, 50)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	// Rejected placements must not burn ids.
	n, err = svc.OrderCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestService_GetOrder(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	placed, err := svc.PlaceOrder(ctx, alice, models.SideBuy, 5, 20)
	require.NoError(t, err)

	got, err := svc.GetOrder(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, placed, got)

	_, err = svc.GetOrder(ctx, 99)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = svc.GetOrder(ctx, 0)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = svc.GetOrder(ctx, -1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestService_MatchFundedPath(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	_, err := svc.Deposit(ctx, admin, alice, 100)
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, admin, bob, 50)
	require.NoError(t, err)

	sell, err := svc.PlaceOrder(ctx, alice, models.SideSell, 10, 50)
	require.NoError(t, err)
	buy, err := svc.PlaceOrder(ctx, bob, models.SideBuy, 10, 50)
	require.NoError(t, err)

	settlement, err := svc.Match(ctx, admin, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, settlement.Seller)
	assert.Equal(t, bob, settlement.Buyer)
	assert.Equal(t, sell.ID, settlement.SellOrderID)
	assert.Equal(t, buy.ID, settlement.BuyOrderID)
	assert.Equal(t, int64(50), settlement.Price)
	assert.Equal(t, int64(10), settlement.Amount)

	aliceBalance, _ := svc.GetBalance(ctx, alice)
	bobBalance, _ := svc.GetBalance(ctx, bob)
	assert.Equal(t, int64(150), aliceBalance)
	assert.Equal(t, int64(0), bobBalance)

	for _, id := range []int64{sell.ID, buy.ID} {
		order, err := svc.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.True(t, order.Fulfilled)
	}

	open, err := svc.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	history, err := svc.Settlements(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, settlement.ID, history[0].ID)
}

func TestService_MatchUnderfunded(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	_, err := svc.Deposit(ctx, admin, alice, 100)
	require.NoError(t, err)
	// bob is not funded: settlement must fail with nothing applied.

	sell, err := svc.PlaceOrder(ctx, alice, models.SideSell, 10, 50)
	require.NoError(t, err)
	buy, err := svc.PlaceOrder(ctx, bob, models.SideBuy, 10, 50)
	require.NoError(t, err)

	_, err = svc.Match(ctx, admin, buy.ID)
	assert.ErrorIs(t, err, ledger.ErrSettlementFailed)

	aliceBalance, _ := svc.GetBalance(ctx, alice)
	bobBalance, _ := svc.GetBalance(ctx, bob)
	assert.Equal(t, int64(100), aliceBalance)
	assert.Equal(t, int64(0), bobBalance)

	for _, id := range []int64{sell.ID, buy.ID} {
		order, err := svc.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.False(t, order.Fulfilled, "failed settlement must not fulfill order %d", id)
	}
}

func TestService_MatchErrors(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	_, err := svc.Deposit(ctx, admin, bob, 1000)
	require.NoError(t, err)
	sell, err := svc.PlaceOrder(ctx, alice, models.SideSell, 10, 50)
	require.NoError(t, err)
	buy, err := svc.PlaceOrder(ctx, bob, models.SideBuy, 10, 50)
	require.NoError(t, err)

	// Non-admin callers are rejected before any state is read.
	_, err = svc.Match(ctx, alice, buy.ID)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	_, err = svc.Match(ctx, admin, 99)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// Lone order with nothing on the other side.
	lone, err := svc.PlaceOrder(ctx, alice, models.SideSell, 7, 50)
	require.NoError(t, err)
	_, err = svc.Match(ctx, admin, lone.ID)
	assert.ErrorIs(t, err, ledger.ErrNoCounterparty)

	// Fulfilled orders cannot be matched twice.
	_, err = svc.Match(ctx, admin, sell.ID)
	require.NoError(t, err)
	_, err = svc.Match(ctx, admin, sell.ID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyFulfilled)
	_, err = svc.Match(ctx, admin, buy.ID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyFulfilled)
}

func TestService_Conservation(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	// Track deposits minus withdrawals; matches must never change the sum
	// of balances.
	var external int64
	deposit := func(identity string, amount int64) {
		_, err := svc.Deposit(ctx, admin, identity, amount)
		require.NoError(t, err)
		external += amount
	}

	deposit(alice, 500)
	deposit(bob, 300)

	_, err := svc.Withdraw(ctx, admin, alice, 100)
	require.NoError(t, err)
	external -= 100

	for i := 0; i < 3; i++ {
		_, err := svc.PlaceOrder(ctx, alice, models.SideSell, 10, 50)
		require.NoError(t, err)
		buy, err := svc.PlaceOrder(ctx, bob, models.SideBuy, 10, 60)
		require.NoError(t, err)
		_, err = svc.Match(ctx, admin, buy.ID)
		require.NoError(t, err)
	}

	aliceBalance, _ := svc.GetBalance(ctx, alice)
	bobBalance, _ := svc.GetBalance(ctx, bob)
	assert.Equal(t, external, aliceBalance+bobBalance,
		"sum of balances must equal net external inflow")
	// Each settlement moved the resting sell price of 50.
	assert.Equal(t, int64(550), aliceBalance)
	assert.Equal(t, int64(150), bobBalance)
}

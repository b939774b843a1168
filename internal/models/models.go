package models

import "time"

// Role is the privilege level assigned to an identity. Assignment happens
// out of band (provisioning file); there is no role mutation at runtime.
type Role string

const (
	RoleUnset Role = ""
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Account holds a custodial balance for an identity. Balances are kept in
// the currency's smallest unit and are never negative.
type Account struct {
	Identity string `json:"identity"`
	Balance  int64  `json:"balance"`
}

// Order is a recorded intent to buy or sell a fixed token amount. Price is
// the total consideration for the full amount, in currency minor units, not
// a per-unit quote. All fields except Fulfilled are immutable after
// placement; Fulfilled flips false->true exactly once, at match time.
type Order struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	Side      Side      `json:"side"`
	Amount    int64     `json:"amount"`
	Price     int64     `json:"price"`
	Fulfilled bool      `json:"fulfilled"`
	CreatedAt time.Time `json:"created_at"`
}

// Settlement records the funds transfer executed when two orders matched.
type Settlement struct {
	ID          int64     `json:"id"`
	BuyOrderID  int64     `json:"buy_order_id"`
	SellOrderID int64     `json:"sell_order_id"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	Amount      int64     `json:"amount"`
	Price       int64     `json:"price"`
	ExecutedAt  time.Time `json:"executed_at"`
}

package engine

import (
	"github.com/ImThienz/BlockChain/internal/models"
)

// The matching policy: exact-amount, single-match, earliest-id-first. Orders
// match only when amounts are equal and the buy side's total consideration
// covers the sell side's. Settlement always executes at the resting
// (counterparty) order's price, which keeps the outcome deterministic.

// Compatible reports whether two open orders can settle against each other.
func Compatible(target, candidate models.Order) bool {
	if target.Fulfilled || candidate.Fulfilled {
		return false
	}
	if candidate.Side != target.Side.Opposite() {
		return false
	}
	if candidate.Amount != target.Amount {
		return false
	}
	buy, sell := target, candidate
	if buy.Side != models.SideBuy {
		buy, sell = candidate, target
	}
	return buy.Price >= sell.Price
}

// FindCounterparty scans open orders in ascending id order and returns the
// first one compatible with target. Id order approximates time priority
// since ids are assigned at placement.
func FindCounterparty(open []models.Order, target models.Order) (models.Order, bool) {
	best := models.Order{}
	found := false
	for _, candidate := range open {
		if candidate.ID == target.ID {
			continue
		}
		if !Compatible(target, candidate) {
			continue
		}
		if !found || candidate.ID < best.ID {
			best = candidate
			found = true
		}
	}
	return best, found
}

// SettlementFor computes the funds transfer for a matched pair. The buyer
// pays the resting order's price to the seller.
func SettlementFor(target, counterparty models.Order) models.Settlement {
	buy, sell := target, counterparty
	if buy.Side != models.SideBuy {
		buy, sell = counterparty, target
	}
	return models.Settlement{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Buyer:       buy.Owner,
		Seller:      sell.Owner,
		Amount:      target.Amount,
		Price:       counterparty.Price,
	}
}

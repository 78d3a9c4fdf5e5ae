package service

import (
	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

// CommissionSchedule maps account type to the flat per-unit amount withheld
// from the provider on each settlement. Amounts, not percentages.
type CommissionSchedule struct {
	ProfileSlots decimal.Decimal
	FullAccount  decimal.Decimal
}

// DefaultCommissions returns the standard schedule: 0.50 per profile slot,
// 1.00 per full account.
func DefaultCommissions() CommissionSchedule {
	return CommissionSchedule{
		ProfileSlots: decimal.NewFromFloat(0.5),
		FullAccount:  decimal.NewFromFloat(1.0),
	}
}

// For returns the commission amount for an account type. Unknown types take
// the full-account rate.
func (c CommissionSchedule) For(accountType string) decimal.Decimal {
	if accountType == models.AccountTypeProfileSlots {
		return c.ProfileSlots
	}
	return c.FullAccount
}

// NetCredit returns what the provider receives for a settlement amount:
// max(0, amount - commission).
func (c CommissionSchedule) NetCredit(accountType string, amount decimal.Decimal) decimal.Decimal {
	net := amount.Sub(c.For(accountType))
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

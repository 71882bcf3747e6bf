// README: Common money value object used across modules.
package types

import "github.com/shopspring/decimal"

// Money is a currency amount kept at two decimal places.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: RoundHalfUp(amount), Currency: currency}
}

// RoundHalfUp rounds to cents, halves away from zero.
func RoundHalfUp(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}

package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

var supportedCurrencies = map[string]struct{}{
	"eur": {},
	"usd": {},
	"gbp": {},
}

// NormalizeCurrency lower-cases and trims a currency code.
func NormalizeCurrency(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// SupportedCurrency reports whether c is one of the accepted currencies.
func SupportedCurrency(c string) bool {
	_, ok := supportedCurrencies[NormalizeCurrency(c)]
	return ok
}

// ToCents converts a major-unit amount to minor units. All supported currencies use two decimals.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromCents converts minor units back to a major-unit amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

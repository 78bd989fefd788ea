package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount    = errors.New("amount must be a positive decimal")
	ErrInvalidCurrency  = errors.New("currency must be a three letter ISO-4217 code")
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// currencyExponents lists currencies whose minor unit is not 1/100.
var currencyExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"ISK": 0,
	"BHD": 3,
	"KWD": 3,
}

// Money is an exact amount in a single currency. The amount is kept in major
// units (100.50 SEK is Amount=100.50) and never passes through a float.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney parses a decimal string and currency code into Money.
func NewMoney(amount, currency string) (Money, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	m := Money{Amount: value, Currency: strings.ToUpper(strings.TrimSpace(currency))}
	if err := m.Validate(); err != nil {
		return Money{}, err
	}
	return m, nil
}

// MustMoney is NewMoney for literals in tests and fixtures.
func MustMoney(amount, currency string) Money {
	m, err := NewMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Validate checks the amount is positive and the currency looks like an ISO code.
func (m Money) Validate() error {
	if !m.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if len(m.Currency) != 3 {
		return ErrInvalidCurrency
	}
	for _, r := range m.Currency {
		if r < 'A' || r > 'Z' {
			return ErrInvalidCurrency
		}
	}
	return nil
}

// Equal reports whether both amount and currency match. 100 and 100.00 are equal.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// CurrencyExponent is the number of decimals of the currency's minor unit.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// FormatAmount renders amount with exactly the currency's number of decimals.
// Extra precision is kept rather than rounded away.
func FormatAmount(amount decimal.Decimal, currency string) string {
	exp := CurrencyExponent(currency)
	if -amount.Exponent() > exp {
		return amount.String()
	}
	return amount.StringFixed(exp)
}

// Fixed renders the amount in major units with the currency's decimals.
func (m Money) Fixed() string {
	return FormatAmount(m.Amount, m.Currency)
}

// MinorUnits converts the amount to the currency's smallest unit, as provider
// APIs expect. Amounts with more precision than the currency allows are rejected.
func (m Money) MinorUnits() (int64, error) {
	exp := CurrencyExponent(m.Currency)
	scaled := m.Amount.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, m.String(), exp)
	}
	return scaled.IntPart(), nil
}

func (m Money) String() string {
	return m.Amount.String() + " " + m.Currency
}

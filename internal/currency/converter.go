// Package currency knows how many minor units each ISO 4217 currency has.
package currency

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultExponent applies to currencies missing from the table.
const DefaultExponent int32 = 2

// exponents lists the currencies whose minor unit is not 1/100.
var exponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// Exponent returns the number of decimal places of code's minor unit.
func Exponent(code string) int32 {
	if e, ok := exponents[strings.ToUpper(code)]; ok {
		return e
	}
	return DefaultExponent
}

// ToMinor converts a major-unit amount into integer minor units of code.
// Amounts with more precision than the currency allows are rejected.
func ToMinor(amount decimal.Decimal, code string) (int64, error) {
	exp := Exponent(code)
	minor := amount.Shift(exp)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("more than %d decimals for %s: %s", exp, strings.ToUpper(code), amount)
	}
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount out of range: %s", amount)
	}
	return minor.IntPart(), nil
}

// FromMinor converts integer minor units of code back into a major-unit amount.
func FromMinor(minor int64, code string) decimal.Decimal {
	return decimal.New(minor, -Exponent(code))
}

package models

import "github.com/shopspring/decimal"

// minorUnitExponent is the number of decimal places in one currency unit.
const minorUnitExponent = 2

// FormatMinor renders an amount in minor units as a major-unit string, e.g. 16050 -> "160.50".
func FormatMinor(amount int64) string {
	return decimal.New(amount, -minorUnitExponent).StringFixed(minorUnitExponent)
}

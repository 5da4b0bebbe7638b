// Copyright 2024 The crypto-acquiring Authors
// This file is part of crypto-acquiring.
//
// crypto-acquiring is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// crypto-acquiring is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with crypto-acquiring. If not, see <http://www.gnu.org/licenses/>.

// Package quote converts between on-chain base unit amounts and amounts
// denominated in the quote coin, and renders both for display.
package quote

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// defaultPrecision is the smallest quote coin amount worth displaying.
var defaultPrecision = decimal.RequireFromString("0.01")

// RoundPlaces returns the number of display decimal places implied by a rate:
// the cheaper the coin, the more places it takes for the quote precision to be
// visible. A rate of 1 against a 0.01 precision yields 2 places.
func RoundPlaces(rate decimal.Decimal) int32 {
	return roundPlaces(rate, defaultPrecision)
}

func roundPlaces(rate, precision decimal.Decimal) int32 {
	if rate.Sign() <= 0 {
		return 2
	}
	ratio, _ := precision.Div(rate).Float64()
	if ratio <= 0 {
		return 2
	}
	exp := int32(math.Round(math.Log10(ratio)))
	if exp >= 0 {
		return 0
	}
	return -exp
}

// AmountToQuote converts base units into the quote coin at the given rate.
func AmountToQuote(amount *big.Int, rate decimal.Decimal, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -int32(decimals)).Mul(rate)
}

// QuoteToAmount converts a quote coin amount into base units, rounding down.
func QuoteToAmount(quoteAmount, rate decimal.Decimal, decimals int, quoteFactor int64) *big.Int {
	if rate.Sign() <= 0 {
		return new(big.Int)
	}
	divisor := rate.Mul(decimal.NewFromInt(quoteFactor))
	return quoteAmount.Shift(int32(decimals)).Div(divisor).Floor().BigInt()
}

// AmountToDisplay renders base units as a decimal string with the given
// number of places.
func AmountToDisplay(amount *big.Int, decimals int, places int32) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).StringFixed(places)
}

// RateToDisplay renders the rate itself with two extra places over the
// display rounding, as withdrawal callbacks report it.
func RateToDisplay(rate decimal.Decimal, places int32) string {
	return rate.StringFixed(places + 2)
}

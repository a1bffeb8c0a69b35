// Package money содержит таблицу разрядности валют и перевод между
// минимальными и основными денежными единицами.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// exponents - число знаков после запятой для валют, отличных от двух.
var exponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "JPY": 0, "KMF": 0, "KRW": 0, "MGA": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "JOD": 3, "KWD": 3, "OMR": 3, "TND": 3,
}

// NormalizeCurrency приводит код валюты к верхнему регистру и проверяет формат ISO 4217.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("currency %q must be a 3-letter ISO 4217 code", code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("currency %q must be a 3-letter ISO 4217 code", code)
		}
	}
	return code, nil
}

// Exponent возвращает число минимальных разрядов валюты.
func Exponent(currency string) int32 {
	if exp, ok := exponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ToMajor переводит сумму в минимальных единицах в основные.
func ToMajor(amountMinor int64, currency string) decimal.Decimal {
	return decimal.New(amountMinor, -Exponent(currency))
}

// FromMajor переводит сумму в основных единицах в минимальные с банковским округлением до разряда валюты.
func FromMajor(amount decimal.Decimal, currency string) (int64, error) {
	exp := Exponent(currency)
	scaled := amount.Shift(exp).RoundBank(0)
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s %s overflows minor units", amount, currency)
	}
	return scaled.IntPart(), nil
}

// Format печатает сумму в основных единицах с кодом валюты, например "15.00 USD".
func Format(amountMinor int64, currency string) string {
	return ToMajor(amountMinor, currency).StringFixed(Exponent(currency)) + " " + strings.ToUpper(currency)
}

package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

// priceRegexp captures a Spanish formatted amount: dotted thousands and an
// optional decimal comma
var priceRegexp = regexp.MustCompile(`\d[\d.]*(?:,\d+)?`)

// ParseEuros extracts the amount from a displayed price such as "12.990 €".
// It returns false when raw holds no number.
//
//	"12.990 €"      → 12990
//	"1.234,56 €"    → 1234.56
//	"Desde 199 €/mes" → 199
func ParseEuros(raw string) (float64, bool) {
	match := priceRegexp.FindString(raw)
	if match == "" {
		return 0, false
	}

	cleaned := strings.ReplaceAll(match, ".", "")
	cleaned = strings.Replace(cleaned, ",", ".", 1)

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// Euros parses an optional price, returning nil when it is absent or has no number
func Euros(raw *string) *float64 {
	if raw == nil {
		return nil
	}
	value, ok := ParseEuros(*raw)
	if !ok {
		return nil
	}
	return &value
}

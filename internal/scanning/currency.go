package scanning

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/unicode/norm"
)

// MaxAmount is the exclusive upper bound for a parsed amount
const MaxAmount = 1e12

var (
	// ErrParseFailure is returned when text does not contain a number
	ErrParseFailure = errors.New("not a monetary amount")
	// ErrOutOfRange is returned for negative, non-finite or too large amounts
	ErrOutOfRange = errors.New("amount out of range")
)

var (
	letterRunPattern    = regexp.MustCompile(`\pL+`)
	decimalCommaPattern = regexp.MustCompile(`,\d{2}$`)
)

// ParseCurrency turns an OCR fragment such as "$1,234.56", "1.234,56 EUR" or
// "1'234.56 CHF" into a canonical decimal amount.
//
// When both '.' and ',' occur, whichever comes last is the decimal separator.
// A lone comma is decimal only when it is followed by exactly two trailing
// digits. Apostrophes are always thousands separators.
func ParseCurrency(text string) (decimal.Decimal, error) {
	normalized := normalizeAmountText(text)
	negative := hasLeadingMinus(normalized)
	s := strings.TrimSpace(stripCurrencyMarkers(normalized))

	hasDot := strings.Contains(s, ".")
	hasComma := strings.Contains(s, ",")
	switch {
	case hasDot && hasComma:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case hasComma:
		if strings.Count(s, ",") == 1 && decimalCommaPattern.MatchString(s) {
			s = strings.ReplaceAll(s, "'", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	default:
		s = strings.ReplaceAll(s, "'", "")
	}

	s = keepNumeric(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrParseFailure, text)
	}
	if negative {
		s = "-" + s
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrParseFailure, text)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f >= MaxAmount {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrOutOfRange, text)
	}
	return decimal.NewFromFloat(f), nil
}

// HasCurrencyMarker reports whether text contains a currency symbol or a
// recognized ISO 4217 code
func HasCurrencyMarker(text string) bool {
	s := normalizeAmountText(text)
	for _, r := range s {
		if unicode.Is(unicode.Sc, r) {
			return true
		}
	}
	for _, word := range letterRunPattern.FindAllString(s, -1) {
		if isCurrencyCode(word) {
			return true
		}
	}
	return false
}

// normalizeAmountText folds full-width digits and non-breaking spaces, treats
// typographic apostrophes as plain ones and the minus sign as a hyphen
func normalizeAmountText(text string) string {
	s := norm.NFKC.String(text)
	return strings.NewReplacer("’", "'", "\u2212", "-").Replace(s)
}

// hasLeadingMinus reports whether a minus touches the first digit or the
// currency marker in front of it, as in "-12", "-$12" or "-EUR 12"
func hasLeadingMinus(s string) bool {
	i := strings.IndexFunc(s, unicode.IsDigit)
	if i < 0 {
		return false
	}
	prefix := s[:i]
	if strings.HasSuffix(prefix, "-") {
		return true
	}

	prefix = strings.TrimRightFunc(prefix, unicode.IsSpace)
	marker := strings.TrimRightFunc(prefix, func(r rune) bool { return unicode.Is(unicode.Sc, r) })
	if marker == prefix {
		words := letterRunPattern.FindAllStringIndex(prefix, -1)
		if len(words) == 0 {
			return false
		}
		last := words[len(words)-1]
		if last[1] != len(prefix) || !isCurrencyCode(prefix[last[0]:]) {
			return false
		}
		marker = prefix[:last[0]]
	}
	return strings.HasSuffix(marker, "-")
}

func stripCurrencyMarkers(s string) string {
	s = letterRunPattern.ReplaceAllStringFunc(s, func(word string) string {
		if isCurrencyCode(word) {
			return ""
		}
		return word
	})
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Sc, r) {
			return -1
		}
		return r
	}, s)
}

// isCurrencyCode reports whether a whole letter run is an upper-case ISO 4217
// code; digits may touch it, as in "USD1,234"
func isCurrencyCode(word string) bool {
	if len(word) != 3 || strings.ToUpper(word) != word {
		return false
	}
	_, err := currency.ParseISO(word)
	return err == nil
}

// keepNumeric drops everything except digits and dots
func keepNumeric(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package provider

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// normalizeCardNumber strips spaces and dashes commonly present in user input
func normalizeCardNumber(number string) string {
	number = strings.ReplaceAll(number, " ", "")
	return strings.ReplaceAll(number, "-", "")
}

// ValidateCardNumber reports whether the card number is a well-formed PAN:
// 13-19 digits satisfying the Luhn checksum. This validates form only, not
// authorization.
func ValidateCardNumber(number string) bool {
	number = normalizeCardNumber(number)
	if len(number) < 13 || len(number) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		digit := int(c - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum%10 == 0
}

// ValidateExpiry reports whether the card expiry month/year is this month or
// later. Year may be 2 or 4 digits.
func ValidateExpiry(month, year string) bool {
	return expiryValid(month, year, time.Now())
}

func expiryValid(month, year string, now time.Time) bool {
	m, err := strconv.Atoi(strings.TrimSpace(month))
	if err != nil || m < 1 || m > 12 {
		return false
	}

	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil || y < 0 {
		return false
	}
	if y < 100 {
		y += (now.Year() / 100) * 100
	}

	if y != now.Year() {
		return y > now.Year()
	}
	// A card expiring in the current month is still valid.
	return m >= int(now.Month())
}

// MaskCardNumber retains the first 6 and last 4 digits of a PAN and replaces
// the middle with asterisks. Used anywhere a card number reaches a log or an
// audit document.
func MaskCardNumber(number string) string {
	number = normalizeCardNumber(number)
	if len(number) <= 10 {
		return strings.Repeat("*", len(number))
	}
	return number[:6] + strings.Repeat("*", len(number)-10) + number[len(number)-4:]
}

// CardScheme returns a best-effort card scheme from the PAN prefix.
// Some banks require it as a form field (1=Visa, 2=MasterCard style codes are
// mapped by the adapters).
func CardScheme(number string) string {
	number = normalizeCardNumber(number)
	if number == "" {
		return ""
	}
	switch {
	case number[0] == '4':
		return "visa"
	case number[0] == '5', strings.HasPrefix(number, "2"):
		return "mastercard"
	case strings.HasPrefix(number, "34"), strings.HasPrefix(number, "37"):
		return "amex"
	case strings.HasPrefix(number, "9792"):
		return "troy"
	default:
		return ""
	}
}

// FormatAmountDecimal renders an amount as a fixed two-decimal string, the
// convention for banks that hash the human-readable amount ("10.50").
func FormatAmountDecimal(amount float64) string {
	return decimal.NewFromFloat(amount).StringFixed(2)
}

// FormatAmountMinorUnits renders an amount as an integer string in minor
// units ("1050" for 10.50 TRY). The remainder beyond the given number of
// decimals is dropped, matching the banks' own truncation. Computed with
// decimal arithmetic; float multiplication drifts on amounts like 19.99.
func FormatAmountMinorUnits(amount float64, decimals int32) string {
	return decimal.NewFromFloat(amount).Shift(decimals).Truncate(0).String()
}

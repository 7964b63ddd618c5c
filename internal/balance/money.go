package balance

import (
	"regexp"
	"strconv"
	"strings"
)

const maxCandidateLength = 50

// moneyPattern matches an amount with an optional leading symbol/code and trailing code
var moneyPattern = regexp.MustCompile(
	`(?i)(US\$|CN¥|[$＄¥￥€£]|\b(?:USD|CNY|RMB|EUR|GBP)\b)?\s*` +
		`(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)` +
		`(?:\s*\b(USD|CNY|RMB|EUR|GBP)\b)?`)

var monetaryShape = regexp.MustCompile(`(?i)[$＄¥￥€£]\s*\d|\d+\.\d{1,4}|\b(?:USD|CNY|RMB|EUR|GBP)\b`)

var symbolCurrency = map[string]string{
	"$":   "USD",
	"＄":   "USD",
	"US$": "USD",
	"¥":   "CNY",
	"￥":   "CNY",
	"CN¥": "CNY",
	"€":   "EUR",
	"£":   "GBP",
}

// amount is one monetary value found in a piece of text
type amount struct {
	Value    float64
	Currency string
	Implicit bool
	Raw      string
	Start    int
	End      int
}

// resolveCurrency maps a symbol or code to an ISO code; explicit codes win over symbols
func resolveCurrency(prefix, suffix string) (string, bool) {
	for _, marker := range []string{suffix, prefix} {
		code := strings.ToUpper(strings.TrimSpace(marker))
		switch code {
		case "USD", "CNY", "EUR", "GBP":
			return code, false
		case "RMB":
			return "CNY", false
		}
	}
	if prefix != "" {
		if code, ok := symbolCurrency[strings.ToUpper(prefix)]; ok {
			return code, false
		}
		if code, ok := symbolCurrency[prefix]; ok {
			return code, false
		}
	}
	return "USD", true
}

// findAmounts returns every amount in text, in order of appearance
func findAmounts(text string) []amount {
	var out []amount
	for _, m := range moneyPattern.FindAllStringSubmatchIndex(text, -1) {
		prefix := group(text, m, 1)
		number := group(text, m, 2)
		suffix := group(text, m, 3)

		value, err := strconv.ParseFloat(strings.ReplaceAll(number, ",", ""), 64)
		if err != nil {
			continue
		}
		currency, implicit := resolveCurrency(prefix, suffix)
		out = append(out, amount{
			Value:    value,
			Currency: currency,
			Implicit: implicit,
			Raw:      strings.TrimSpace(text[m[0]:m[1]]),
			Start:    m[0],
			End:      m[1],
		})
	}
	return out
}

func group(text string, m []int, i int) string {
	if m[2*i] < 0 {
		return ""
	}
	return text[m[2*i]:m[2*i+1]]
}

// ParseAmount extracts the most credible amount from a short piece of text,
// preferring the first explicitly denominated one.
func ParseAmount(text string) (value float64, currency string, implicit bool, ok bool) {
	best, ok := parseCandidate(text)
	if !ok {
		return 0, "", false, false
	}
	return best.Value, best.Currency, best.Implicit, true
}

func parseCandidate(text string) (amount, bool) {
	amounts := findAmounts(text)
	if len(amounts) == 0 {
		return amount{}, false
	}
	return pickExplicit(amounts), true
}

func pickExplicit(amounts []amount) amount {
	for _, a := range amounts {
		if !a.Implicit {
			return a
		}
	}
	return amounts[0]
}

func explicitOnly(amounts []amount) []amount {
	var out []amount
	for _, a := range amounts {
		if !a.Implicit {
			out = append(out, a)
		}
	}
	return out
}

// looksMonetary applies the shape filter used to accept short candidate texts
func looksMonetary(text string) bool {
	if text == "" || len([]rune(text)) > maxCandidateLength {
		return false
	}
	return monetaryShape.MatchString(text)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

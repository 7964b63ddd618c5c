package balance

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	labelWindow     = 160
	siblingLookups  = 3
	ancestorLookups = 3
	maxContextRunes = 200

	globalMinValue = 0.1
	globalMaxValue = 1000
)

// balanceLabels are ordered from most to least specific
var balanceLabels = []string{
	"current balance",
	"当前余额",
	"账户余额",
	"可用余额",
	"余额",
	"balance",
}

var labelPatterns = compileLabels(balanceLabels)

var negativeKeywords = []string{"history", "consumed", "statistics", "历史", "消耗", "统计"}

var balanceSelectors = []string{
	"div.text-lg.font-semibold",
	".text-lg.font-semibold",
	"[class*='balance']",
	"[class*='amount']",
	"[class*='money']",
	"[class*='credit']",
	"[class*='fund']",
	"[class*='price']",
	"[class*='font-semibold']",
	"[class*='text-lg']",
}

func compileLabels(labels []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(labels))
	for i, label := range labels {
		patterns[i] = regexp.MustCompile("(?i)" + regexp.QuoteMeta(label))
	}
	return patterns
}

func hasNegative(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range negativeKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// candidate accepts short monetary-looking text
func candidate(text string) (amount, bool) {
	if !looksMonetary(text) || hasNegative(text) {
		return amount{}, false
	}
	return parseCandidate(text)
}

// structural looks next to balance labels first, then at elements styled like amounts
func structural(s *Snapshot) (amount, bool) {
	if found, ok := labelProximity(s.Doc); ok {
		return found, true
	}
	return styledAmount(s.Doc)
}

func labelProximity(doc *goquery.Document) (amount, bool) {
	for _, pattern := range labelPatterns {
		var found amount
		var ok bool

		doc.Find("body *").EachWithBreak(func(_ int, el *goquery.Selection) bool {
			text := normalizeSpace(el.Text())
			loc := pattern.FindStringIndex(text)
			if loc == nil {
				return true
			}
			// only the innermost element carrying the label
			deeper := el.Children().FilterFunction(func(_ int, child *goquery.Selection) bool {
				return pattern.MatchString(normalizeSpace(child.Text()))
			})
			if deeper.Length() > 0 || negativeAround(text, loc) {
				return true
			}

			found, ok = nearLabel(el, text[loc[1]:])
			return !ok
		})

		if ok {
			return found, true
		}
	}
	return amount{}, false
}

// negativeAround checks the words directly attached to a label, e.g. "balance history"
func negativeAround(text string, loc []int) bool {
	start, end := runeWindow(text, loc[0]-8, loc[1]+16)
	return hasNegative(text[start:end])
}

func nearLabel(el *goquery.Selection, rest string) (amount, bool) {
	if found, ok := candidate(truncateRunes(strings.TrimSpace(rest), maxCandidateLength)); ok {
		return found, true
	}

	node := el
	for depth := 0; depth < ancestorLookups && node.Length() > 0; depth++ {
		var found amount
		var ok bool
		node.NextAll().EachWithBreak(func(i int, sibling *goquery.Selection) bool {
			if i >= siblingLookups {
				return false
			}
			found, ok = candidate(normalizeSpace(sibling.Text()))
			return !ok
		})
		if ok {
			return found, true
		}
		node = node.Parent()
	}
	return amount{}, false
}

func styledAmount(doc *goquery.Document) (amount, bool) {
	var fallback amount
	hasFallback := false

	for _, selector := range balanceSelectors {
		var found amount
		var ok bool
		doc.Find(selector).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			a, parsed := candidate(normalizeSpace(el.Text()))
			if !parsed {
				return true
			}
			if !a.Implicit {
				found, ok = a, true
				return false
			}
			if !hasFallback {
				fallback, hasFallback = a, true
			}
			return true
		})
		if ok {
			return found, true
		}
	}
	return fallback, hasFallback
}

// contextualRegex scans the markup around each label for an explicitly
// denominated amount, then falls back to the smallest plausible amount on the page.
func contextualRegex(s *Snapshot) (amount, bool) {
	markup := s.Markup

	for _, pattern := range labelPatterns {
		for _, loc := range pattern.FindAllStringIndex(markup, -1) {
			start, end := runeWindow(markup, loc[0]-labelWindow, loc[1]+labelWindow)

			if after := explicitOnly(findAmounts(markup[loc[1]:end])); len(after) > 0 {
				return after[0], true
			}
			if before := explicitOnly(findAmounts(markup[start:loc[0]])); len(before) > 0 {
				return before[len(before)-1], true
			}
		}
	}

	var best amount
	ok := false
	for _, a := range explicitOnly(findAmounts(markup)) {
		if a.Value < globalMinValue || a.Value > globalMaxValue {
			continue
		}
		if !ok || a.Value < best.Value {
			best, ok = a, true
		}
	}
	return best, ok
}

// runeWindow clamps [start, end) to text and widens it to rune boundaries
func runeWindow(text string, start, end int) (int, int) {
	start = max(start, 0)
	end = min(end, len(text))
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return start, end
}

// textScoring rates every monetary text node by the words around it
func textScoring(s *Snapshot) (amount, bool) {
	var best amount
	bestScore := 0
	ok := false

	s.Doc.Find("body, body *").Each(func(_ int, el *goquery.Selection) {
		el.Contents().Each(func(_ int, node *goquery.Selection) {
			if goquery.NodeName(node) != "#text" {
				return
			}
			text := normalizeSpace(node.Text())
			if !looksMonetary(text) {
				return
			}
			a, parsed := parseCandidate(text)
			if !parsed {
				return
			}

			context := boundedText(el, text) + " " + boundedText(el.Prev(), "")
			score := scoreContext(context, a.Value)
			if !ok || score > bestScore || (score == bestScore && best.Implicit && !a.Implicit) {
				best, bestScore, ok = a, score, true
			}
		})
	})
	return best, ok
}

func boundedText(el *goquery.Selection, fallback string) string {
	if el.Length() == 0 {
		return fallback
	}
	text := normalizeSpace(el.Text())
	if utf8.RuneCountInString(text) > maxContextRunes {
		return fallback
	}
	return text
}

func scoreContext(context string, value float64) int {
	lower := strings.ToLower(context)
	score := 0

	if strings.Contains(lower, "current balance") || strings.Contains(lower, "当前余额") {
		score += 100
	}
	if strings.Contains(lower, "balance") || strings.Contains(lower, "余额") {
		score += 50
	}
	if strings.Contains(lower, "available") || strings.Contains(lower, "可用") {
		score += 40
	}
	if strings.Contains(lower, "history") || strings.Contains(lower, "consumed") ||
		strings.Contains(lower, "历史") || strings.Contains(lower, "消耗") {
		score -= 80
	}
	if strings.Contains(lower, "statistics") || strings.Contains(lower, "统计") {
		score -= 60
	}

	if value < 100 {
		score += 30
	} else if value > 1000 {
		score -= 20
	}
	return score
}

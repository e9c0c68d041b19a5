package proof

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// matchKeywords returns the distinct vocabulary terms contained in the
// lowercased transcript, sorted
func matchKeywords(transcript string, vocab []string) []string {
	lower := strings.ToLower(transcript)
	seen := make(map[string]struct{}, len(vocab))
	out := make([]string, 0, len(vocab))
	for _, w := range vocab {
		w = strings.ToLower(w)
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		if strings.Contains(lower, w) {
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

// stripSeparators removes whitespace and dashes
func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, s)
}

// containsAccount compares with whitespace and dashes removed on both sides
func containsAccount(transcript, account string) bool {
	acct := stripSeparators(account)
	if acct == "" {
		return true
	}
	return strings.Contains(stripSeparators(transcript), acct)
}

// nameWords lowercases name and keeps the words longer than minLen runes
func nameWords(name string, minLen int) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(name)) {
		if utf8.RuneCountInString(w) > minLen {
			out = append(out, w)
		}
	}
	return out
}

func containsAnyWord(transcript string, words []string) bool {
	lower := strings.ToLower(transcript)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

var numericRun = regexp.MustCompile(`\d[\d.,]*`)

// extractAmounts reads every numeric run with '.' and ',' taken as grouping
// separators and keeps the values above floor. "Rp 50.000" yields 50000 and
// so does "50,000". Decimal fractions are not recognised: "50.000,00" is read
// as 5000000.
func extractAmounts(transcript string, floor int64) []int64 {
	var out []int64
	for _, run := range numericRun.FindAllString(transcript, -1) {
		digits := strings.NewReplacer(".", "", ",", "").Replace(run)
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			continue
		}
		if n > floor {
			out = append(out, n)
		}
	}
	return out
}

func amountWithin(amounts []int64, expected, tolerance int64) bool {
	for _, a := range amounts {
		d := a - expected
		if d < 0 {
			d = -d
		}
		if d <= tolerance {
			return true
		}
	}
	return false
}

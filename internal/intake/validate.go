package intake

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Input validators for the intake flow. All are pure predicates; the
// state machine turns a failing check into a retry, never a silent
// transition.

var (
	// Thai mobile numbers: 06/08/09 followed by eight digits.
	phoneRe = regexp.MustCompile(`^0[689][0-9]{8}$`)
	// Characters allowed in a name: Thai, Latin, whitespace, periods.
	badNameCharRe = regexp.MustCompile(`[^ก-๙a-zA-Z\s.]`)
	// Text with no Thai/Latin letter or digit at all.
	symbolsOnlyRe = regexp.MustCompile(`^[^ก-๙a-zA-Z0-9\s]+$`)
	wsRe          = regexp.MustCompile(`\s`)
)

// IsSpammyText flags free text that is not worth storing as a ticket
// detail: empty, absurdly long, a single character mashed 11+ times,
// symbols only, or fewer than 5 real characters.
func IsSpammyText(text string) bool {
	if text == "" {
		return true
	}
	if utf8.RuneCountInString(text) > 1000 {
		return true
	}
	if longestRun(text) >= 11 {
		return true
	}
	if symbolsOnlyRe.MatchString(text) {
		return true
	}
	if utf8.RuneCountInString(wsRe.ReplaceAllString(text, "")) < 5 {
		return true
	}
	return false
}

// IsInvalidPhone reports whether phone is not an acceptable Thai
// mobile number.
func IsInvalidPhone(phone string) bool {
	if !phoneRe.MatchString(phone) {
		return true
	}
	return allSameRune(phone)
}

// IsInvalidName reports whether name is not usable as a requester
// name.
func IsInvalidName(name string) bool {
	if name == "" {
		return true
	}
	n := utf8.RuneCountInString(name)
	if n < 2 || n > 100 {
		return true
	}
	if badNameCharRe.MatchString(name) {
		return true
	}
	// The whole name being one character repeated three or more times
	// ("aaaa") is noise, not a name.
	if n >= 3 && allSameRune(name) && !strings.ContainsAny(name, " \t") {
		return true
	}
	return false
}

// longestRun returns the length of the longest run of one rune.
func longestRun(s string) int {
	var prev rune
	run, max := 0, 0
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run > max {
			max = run
		}
	}
	return max
}

func allSameRune(s string) bool {
	var first rune
	for i, r := range s {
		if i == 0 {
			first = r
			continue
		}
		if r != first {
			return false
		}
	}
	return s != ""
}

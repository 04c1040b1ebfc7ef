package core

import "strings"

// Mask hides a detected value for display in notifications and reports.
// SSNs and card numbers keep their last four digits; anything else keeps its
// first and last two characters, or is fully hidden when four or shorter.
func Mask(value string, t PIIType) string {
	switch t {
	case TypeSSN:
		return "XXX-XX-" + lastN(stripSeparators(value), 4)
	case TypeCreditCard:
		return "XXXX-XXXX-XXXX-" + lastN(stripSeparators(value), 4)
	}

	r := []rune(value)
	if len(r) <= 4 {
		return "***"
	}
	return string(r[:2]) + "***" + string(r[len(r)-2:])
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '\t' || r == '\n' {
			return -1
		}
		return r
	}, s)
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

package util

import "strings"

// NormalizePhone reduces a phone number to its digits, dropping a leading '+'
// and any formatting characters. "+1 (555) 010-2000" becomes "15550102000".
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// E164 formats a phone number with a leading '+', or returns "" if it has no digits.
func E164(phone string) string {
	digits := NormalizePhone(phone)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

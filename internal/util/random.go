// Package util provides utility functions for the CoachPipe application.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateLeaseToken generates an owner token for a processing lease with "lease_" prefix.
func GenerateLeaseToken() string {
	return GenerateRandomID("lease_", 24)
}

// GenerateDryRunCallID generates a placeholder call id for calls that were not placed.
func GenerateDryRunCallID() string {
	return GenerateRandomID("dryrun_", 32)
}

package util

import "strings"

// NormalizeEmail trims and lowercases an email address so lookups and token
// ownership compare the same account the same way everywhere.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeIdentity trims a client identity string. Bucket keys must never
// contain leading/trailing whitespace smuggled in via forwarded headers.
func NormalizeIdentity(s string) string {
	return strings.TrimSpace(s)
}

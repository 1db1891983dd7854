package logger

import "strings"

// RedactEmail masks an address down to its first two local characters
// and the domain, so "john.doe@example.com" logs as "jo***@example.com".
// Locals of two characters or fewer are masked entirely, and anything
// that does not split on a single "@" becomes "***@***".
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}

// RedactPhone keeps only the last four digits of a phone number,
// masking the rest. Numbers of four digits or fewer log as "****".
func RedactPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

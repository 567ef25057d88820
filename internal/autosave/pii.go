package autosave

import "strings"

// sensitivePatterns are substrings of field names that never leave the
// server for the client-local redundancy cache.
var sensitivePatterns = []string{
	"account", "ssn", "social", "email", "phone", "name",
	"address", "street", "card", "payment", "routing", "cvv",
	"ca_no", "comverge", "fsr", "confirmation",
}

// IsSensitiveField reports whether the field name matches a PII pattern.
func IsSensitiveField(name string) bool {
	name = strings.ToLower(name)
	for _, p := range sensitivePatterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// FilterForLocalCache returns the subset of values safe to keep in the
// browser. The input is not modified.
func FilterForLocalCache(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if v == "" || IsSensitiveField(k) {
			continue
		}
		out[k] = v
	}
	return out
}

package mapping

import (
	"strings"
	"unicode"
)

// Normalize lowercases s and replaces every run of non-alphanumeric
// characters with a single underscore. Both source headers and catalog
// aliases go through it before comparison, so "Vendor Name", "vendor-name"
// and "VENDOR_NAME" all compare equal.
//
// Normalize is idempotent: underscores are themselves non-alphanumeric, so
// a second pass leaves the string unchanged.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inRun := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun {
			b.WriteByte('_')
		}
		inRun = true
	}
	return b.String()
}

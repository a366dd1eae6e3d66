package identify

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/Napageneral/msgarchive/internal/source"
)

// NormalizePhone keeps only ASCII digits.
func NormalizePhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeEmail case-folds and trims an email address.
func NormalizeEmail(s string) string {
	// Casers carry state; one per call keeps this safe for concurrent use.
	return cases.Fold().String(strings.TrimSpace(s))
}

// Normalize applies the rule for the identifier's kind.
func Normalize(identifier string, kind source.HandleKind) string {
	if kind == source.KindEmail {
		return NormalizeEmail(identifier)
	}
	return NormalizePhone(identifier)
}

// PhonesMatch reports whether two normalized digit strings refer to the same
// number: equal, or one is a suffix of the other sharing at least minSuffix digits.
func PhonesMatch(a, b string, minSuffix int) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	return len(short) >= minSuffix && strings.HasSuffix(long, short)
}

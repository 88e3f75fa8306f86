package domain

import "strings"

// Symbol is a trading pair in "BASE/QUOTE" form, e.g. "KCN/EUR".
// The base asset is what's being bought or sold; the quote asset is what
// it's priced in.
type Symbol struct {
	Base  string
	Quote string
}

// ParseSymbol splits a "BASE/QUOTE" string into its assets. Assets must be
// 1-10 uppercase alphanumeric characters.
func ParseSymbol(s string) (Symbol, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return Symbol{}, &ValidationError{Message: "symbol must be in BASE/QUOTE form"}
	}
	for _, p := range parts {
		if !ValidAsset(p) {
			return Symbol{}, &ValidationError{Message: "assets must be 1-10 uppercase alphanumeric characters"}
		}
	}
	return Symbol{Base: parts[0], Quote: parts[1]}, nil
}

// String returns the "BASE/QUOTE" form.
func (s Symbol) String() string {
	return s.Base + "/" + s.Quote
}

// ValidAsset reports whether a is an acceptable asset code: 1-10 uppercase
// alphanumeric characters.
func ValidAsset(a string) bool {
	if len(a) == 0 || len(a) > 10 {
		return false
	}
	for _, c := range a {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

package types

import "strings"

// StdSymbol is the canonical "<instrument>.<exchange>" routing string.
func StdSymbol(symbol, exchange string) string {
	return symbol + "." + exchange
}

// SplitStdSymbol breaks a std symbol back into instrument and exchange.
// The exchange part is empty when the input carries no dot.
func SplitStdSymbol(std string) (symbol, exchange string) {
	idx := strings.LastIndex(std, ".")
	if idx < 0 {
		return std, ""
	}
	return std[:idx], std[idx+1:]
}

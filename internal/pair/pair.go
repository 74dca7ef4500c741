// Package pair handles trading pair symbol parsing and normalisation.
package pair

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Quote currencies recognised when a symbol has no separator, longest first
// so that "USDT" wins over "USD".
var knownQuotes = []string{"USDT", "USDC", "USD", "BTC", "ETH"}

// separatedRegex matches: {BASE}/{QUOTE} or {BASE}-{QUOTE} or {BASE}_{QUOTE}
// Example: BTC/USDT
var separatedRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})[/\-_]([A-Z0-9]{2,10})$`)

var compactRegex = regexp.MustCompile(`^[A-Z0-9]{4,20}$`)

var ErrInvalidPair = errors.New("pair: invalid trading pair")

// Pair is a parsed trading pair.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// String returns the canonical BASE/QUOTE form.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Parse parses and normalises a trading pair symbol.
// Accepted forms: BTC/USDT, BTC-USDT, BTC_USDT, BTCUSDT (case-insensitive).
func Parse(symbol string) (Pair, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))

	if m := separatedRegex.FindStringSubmatch(s); m != nil {
		if m[1] == m[2] {
			return Pair{}, fmt.Errorf("%w: %s (base equals quote)", ErrInvalidPair, symbol)
		}
		return Pair{Base: m[1], Quote: m[2]}, nil
	}

	if !compactRegex.MatchString(s) {
		return Pair{}, fmt.Errorf("%w: %s (expected BASE/QUOTE)", ErrInvalidPair, symbol)
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q)+1 {
			base := strings.TrimSuffix(s, q)
			if base == q {
				break
			}
			return Pair{Base: base, Quote: q}, nil
		}
	}
	return Pair{}, fmt.Errorf("%w: %s (unknown quote currency)", ErrInvalidPair, symbol)
}

// Normalize returns the canonical form of symbol.
func Normalize(symbol string) (string, error) {
	p, err := Parse(symbol)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

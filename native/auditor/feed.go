package auditor

import (
	"errors"
	"math/big"
	"strings"
	"sync"
)

// ErrNoPrice is returned when a symbol has no posted quote.
var ErrNoPrice = errors.New("auditor: no price for symbol")

// StaticFeed is a PriceFeed fed by operator posted quotes. It answers
// from the last posted value; deciding when a quote is too stale to
// post belongs to the poster.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[string]*big.Int
}

// NewStaticFeed returns an empty feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{quotes: make(map[string]*big.Int)}
}

// SetPrice posts a WAD quote for the symbol. Non-positive quotes are
// rejected.
func (f *StaticFeed) SetPrice(symbol string, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return ErrNoPrice
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[normalizeSymbol(symbol)] = new(big.Int).Set(price)
	return nil
}

// Price returns the posted WAD quote for the symbol.
func (f *StaticFeed) Price(symbol string) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.quotes[normalizeSymbol(symbol)]
	if !ok {
		return nil, ErrNoPrice
	}
	return new(big.Int).Set(price), nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Package oracle supplies current mark prices per asset symbol.
//
// Price ingestion is somebody else's job; this package only reads. A stale
// or mocked price under upstream failure is the ingester's responsibility.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// Oracle returns the current mark price of an asset symbol such as "BTC".
type Oracle interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// StaticOracle serves prices from an in-memory map. Used for tests and
// development.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticOracle creates an oracle seeded with prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	o := &StaticOracle{prices: make(map[string]decimal.Decimal, len(prices))}
	for k, v := range prices {
		o.prices[normalize(k)] = v
	}
	return o
}

// Set updates the price of symbol.
func (o *StaticOracle) Set(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[normalize(symbol)] = price
}

func (o *StaticOracle) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p, ok := o.prices[normalize(symbol)]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return p, nil
}

// RedisOracle reads prices written by the market-data ingester under
// "price:{SYMBOL}" as decimal strings.
type RedisOracle struct {
	rdb *redis.Client
}

// NewRedisOracle creates a Redis-backed oracle.
func NewRedisOracle(rdb *redis.Client) *RedisOracle {
	return &RedisOracle{rdb: rdb}
}

func (o *RedisOracle) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	raw, err := o.rdb.Get(ctx, PriceKey(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read price %s: %w", symbol, err)
	}

	p, err := decimal.NewFromString(raw)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s has bad value %q", ErrPriceUnavailable, symbol, raw)
	}
	return p, nil
}

// PriceKey is the Redis key holding the price of symbol.
func PriceKey(symbol string) string {
	return "price:" + normalize(symbol)
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

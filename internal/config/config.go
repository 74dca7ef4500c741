// Package config loads service configuration from the environment.
// A .env file in the working directory is read first when present;
// variables already set in the environment win.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port               string
	DatabaseURL        string // empty → in-memory store
	RedisURL           string // empty → no cache, static oracle
	NATSURL            string // empty → no NATS publishing
	PayoutInterval     time.Duration
	MonitorInterval    time.Duration
	CacheTTL           time.Duration
	MaxLeverage        decimal.Decimal
	MaxPairNotional    decimal.Decimal // 0 → unlimited
	MaxTotalNotional   decimal.Decimal // 0 → unlimited
	SettlementCurrency string
	LogLevel           string
}

// Load reads the configuration. Every invalid key is reported at once.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary lookup function.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	var c Config
	var invalid []string

	duration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(get(key, def))
		if err != nil || d <= 0 {
			invalid = append(invalid, key)
		}
		return d
	}
	amount := func(key, def string) decimal.Decimal {
		v, err := decimal.NewFromString(get(key, def))
		if err != nil || v.IsNegative() {
			invalid = append(invalid, key)
		}
		return v
	}

	c.Port = get("PORT", "8080")
	if _, err := strconv.Atoi(c.Port); err != nil {
		invalid = append(invalid, "PORT")
	}
	c.DatabaseURL = get("DATABASE_URL", "")
	c.RedisURL = get("REDIS_URL", "")
	c.NATSURL = get("NATS_URL", "")
	c.PayoutInterval = duration("PAYOUT_INTERVAL", "1m")
	c.MonitorInterval = duration("MONITOR_INTERVAL", "5s")
	c.CacheTTL = duration("CACHE_TTL", "30s")
	c.MaxLeverage = amount("MAX_LEVERAGE", "125")
	if c.MaxLeverage.LessThan(decimal.NewFromInt(1)) {
		invalid = append(invalid, "MAX_LEVERAGE")
	}
	c.MaxPairNotional = amount("MAX_PAIR_NOTIONAL", "0")
	c.MaxTotalNotional = amount("MAX_TOTAL_NOTIONAL", "0")
	c.SettlementCurrency = strings.ToUpper(get("SETTLEMENT_CURRENCY", "USDT"))
	c.LogLevel = get("LEDGER_LOG_LEVEL", "info")

	if len(invalid) > 0 {
		return c, errors.New("invalid env: " + strings.Join(dedupe(invalid), ","))
	}
	return c, nil
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}

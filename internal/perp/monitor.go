package perp

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/oracle"
	"github.com/atmx/ledger-engine/internal/store"
)

// Breach is an active position whose mark price crossed its liquidation
// price.
type Breach struct {
	Position  model.Position  `json:"position"`
	MarkPrice decimal.Decimal `json:"mark_price"`
}

// Monitor periodically revalues all active positions and reports those
// past their liquidation price. It only detects; positions stay open until
// their owner closes them.
type Monitor struct {
	store    store.Store
	oracle   oracle.Oracle
	log      zerolog.Logger
	interval time.Duration
}

// NewMonitor creates a liquidation monitor. interval <= 0 means 5s.
func NewMonitor(st store.Store, o oracle.Oracle, log zerolog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{store: st, oracle: o, log: log, interval: interval}
}

// Scan values every active position once. Positions whose price cannot be
// fetched are skipped.
func (m *Monitor) Scan(ctx context.Context) ([]Breach, error) {
	active, err := m.store.ListActivePositions(ctx)
	if err != nil {
		return nil, model.Persistence("list active positions", err)
	}

	prices := newPriceCache(m.oracle)
	var breaches []Breach
	for _, pos := range active {
		price, err := prices.get(ctx, pos.Pair)
		if err != nil {
			m.log.Warn().Err(err).Str("position", pos.ID).Str("pair", pos.Pair).Msg("mark price unavailable")
			continue
		}
		if !Breached(pos, price) {
			continue
		}
		breaches = append(breaches, Breach{Position: pos, MarkPrice: price})
		metrics.LiquidationBreaches.WithLabelValues(pos.Pair).Inc()
		m.log.Warn().
			Str("position", pos.ID).
			Str("user", pos.UserID).
			Str("pair", pos.Pair).
			Str("side", string(pos.Side)).
			Str("mark", price.String()).
			Str("liquidation", pos.LiquidationPrice.String()).
			Msg("position past liquidation price")
	}
	return breaches, nil
}

// Run scans on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Scan(ctx); err != nil {
				m.log.Error().Err(err).Msg("liquidation scan failed")
			}
		}
	}
}

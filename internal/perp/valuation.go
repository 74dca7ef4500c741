package perp

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// MaintenanceBuffer is the fraction of entry price kept as a maintenance
// margin when computing the liquidation price.
var MaintenanceBuffer = decimal.RequireFromString("0.05")

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Valuation is a transient mark-to-market of one position. It is never
// persisted.
type Valuation struct {
	MarkPrice  decimal.Decimal `json:"mark_price"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
	Notional   decimal.Decimal `json:"notional"`
}

// LiquidationPrice returns the mark price at which a position opened at
// price with the given leverage has exhausted its margin.
//
//	long:  price * (1 - 1/leverage + buffer)
//	short: price * (1 + 1/leverage - buffer)
func LiquidationPrice(side model.Side, price, leverage decimal.Decimal) decimal.Decimal {
	inv := one.Div(leverage)
	if side == model.SideShort {
		return price.Mul(one.Add(inv).Sub(MaintenanceBuffer))
	}
	return price.Mul(one.Sub(inv).Add(MaintenanceBuffer))
}

// PnL returns the unrealized profit of pos at price: (price - entry) * size
// for a long, negated for a short.
func PnL(pos model.Position, price decimal.Decimal) decimal.Decimal {
	pnl := price.Sub(pos.EntryPrice).Mul(pos.Size)
	if pos.Side == model.SideShort {
		return pnl.Neg()
	}
	return pnl
}

// MarkToMarket values pos at price. It does not touch stored state.
func MarkToMarket(pos model.Position, price decimal.Decimal) Valuation {
	pnl := PnL(pos, price)
	pct := decimal.Zero
	if pos.Margin.IsPositive() {
		pct = pnl.Div(pos.Margin).Mul(hundred)
	}
	return Valuation{
		MarkPrice:  price,
		PnL:        pnl,
		PnLPercent: pct,
		Notional:   pos.Size.Mul(price),
	}
}

// Breached reports whether price has crossed the liquidation price of pos.
func Breached(pos model.Position, price decimal.Decimal) bool {
	if pos.Side == model.SideShort {
		return price.GreaterThanOrEqual(pos.LiquidationPrice)
	}
	return price.LessThanOrEqual(pos.LiquidationPrice)
}

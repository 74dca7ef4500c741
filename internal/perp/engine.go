// Package perp is the position engine: it opens, values and closes
// leveraged positions and settles their margin through the balance engine.
//
// Prices are always fetched from the oracle before any balance lock is
// taken, so no lock spans a call to an external price source.
package perp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/oracle"
	"github.com/atmx/ledger-engine/internal/pair"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/wallet"
)

// Options configures an Engine.
type Options struct {
	// MaxLeverage caps the leverage of new positions. Zero means 125.
	MaxLeverage decimal.Decimal

	// Currency is the margin and settlement currency. Empty means USDT.
	Currency string

	// Limiter enforces notional exposure limits. Nil disables them.
	Limiter *risk.Limiter
}

// Engine manages leveraged positions.
type Engine struct {
	wallet  *wallet.Engine
	oracle  oracle.Oracle
	limiter *risk.Limiter
	maxLev  decimal.Decimal
	cur     string
	log     zerolog.Logger
}

// NewEngine creates a position engine settling through w.
func NewEngine(w *wallet.Engine, o oracle.Oracle, log zerolog.Logger, opts Options) *Engine {
	if opts.MaxLeverage.IsZero() {
		opts.MaxLeverage = decimal.NewFromInt(125)
	}
	opts.Currency = model.NormalizeCurrency(opts.Currency)
	if opts.Currency == "" {
		opts.Currency = "USDT"
	}
	return &Engine{
		wallet:  w,
		oracle:  o,
		limiter: opts.Limiter,
		maxLev:  opts.MaxLeverage,
		cur:     opts.Currency,
		log:     log,
	}
}

// OpenRequest describes a new position.
type OpenRequest struct {
	UserID   string          `json:"user_id"`
	Pair     string          `json:"pair"`
	Side     model.Side      `json:"side"`
	Size     decimal.Decimal `json:"size"`
	Leverage decimal.Decimal `json:"leverage"`
}

// Open debits margin and records an active position in one transaction.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (model.Position, error) {
	if !req.Size.IsPositive() {
		return model.Position{}, model.ErrInvalidAmount
	}
	if req.Leverage.LessThan(one) || req.Leverage.GreaterThan(e.maxLev) {
		return model.Position{}, fmt.Errorf("%w: %s (allowed 1..%s)", model.ErrInvalidLeverage, req.Leverage, e.maxLev)
	}
	if !req.Side.Valid() {
		return model.Position{}, fmt.Errorf("%w: %q", model.ErrInvalidSide, req.Side)
	}
	p, err := pair.Parse(req.Pair)
	if err != nil {
		return model.Position{}, err
	}

	price, err := e.oracle.GetPrice(ctx, p.Base)
	if err != nil {
		return model.Position{}, err
	}
	if !price.IsPositive() {
		return model.Position{}, fmt.Errorf("%w: %s priced at %s", oracle.ErrPriceUnavailable, p.Base, price)
	}

	pos := model.Position{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Pair:             p.String(),
		Side:             req.Side,
		Size:             req.Size,
		EntryPrice:       price,
		Leverage:         req.Leverage,
		Margin:           req.Size.Mul(price).Div(req.Leverage),
		LiquidationPrice: LiquidationPrice(req.Side, price, req.Leverage),
		Currency:         e.cur,
		Status:           model.PositionActive,
	}

	err = e.wallet.Execute(ctx, "open_position", []wallet.Key{{UserID: req.UserID, Currency: e.cur}}, func(o *wallet.Op) error {
		// Opens of one user serialize on the margin balance key, so the
		// exposure read below cannot race another open.
		if err := e.checkExposure(o.Ctx(), pos); err != nil {
			return err
		}
		if _, err := o.Debit(req.UserID, e.cur, pos.Margin); err != nil {
			if errors.Is(err, model.ErrInsufficientBalance) {
				return fmt.Errorf("%w: margin %s %s", model.ErrInsufficientMargin, pos.Margin, e.cur)
			}
			return err
		}
		pos.OpenedAt = o.Now()
		if err := o.Tx().InsertPosition(o.Ctx(), &pos); err != nil {
			return model.Persistence("insert position", err)
		}
		o.Notify(notify.NewEvent(notify.EntityPosition, req.UserID, pos.ID))
		return nil
	})
	if err != nil {
		return model.Position{}, err
	}

	metrics.PositionsOpened.WithLabelValues(string(pos.Side)).Inc()
	e.log.Info().
		Str("position", pos.ID).
		Str("user", pos.UserID).
		Str("pair", pos.Pair).
		Str("side", string(pos.Side)).
		Str("size", pos.Size.String()).
		Str("entry", pos.EntryPrice.String()).
		Str("margin", pos.Margin.String()).
		Str("liquidation", pos.LiquidationPrice.String()).
		Msg("position opened")
	return pos, nil
}

func (e *Engine) checkExposure(ctx context.Context, pos model.Position) error {
	if e.limiter == nil {
		return nil
	}
	active, err := e.wallet.Store().ListPositions(ctx, pos.UserID, model.PositionFilter{Status: model.PositionActive})
	if err != nil {
		return model.Persistence("list positions", err)
	}
	existing := make(map[string]decimal.Decimal, len(active))
	for _, p := range active {
		existing[p.Pair] = existing[p.Pair].Add(p.Notional())
	}
	if err := e.limiter.CheckLimit(pos.Pair, pos.Notional(), existing); err != nil {
		metrics.ExposureRejections.Inc()
		return err
	}
	return nil
}

// Close settles an active position at the current mark price. The PnL
// record, the margin credit and the status change commit together.
//
// margin+pnl is credited only when positive; a loss beyond the margin is
// absorbed and never charged to the balance.
func (e *Engine) Close(ctx context.Context, userID, positionID string) (model.PnLRecord, error) {
	pos, err := e.wallet.Store().GetPosition(ctx, positionID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && pos.UserID != userID) {
		return model.PnLRecord{}, fmt.Errorf("%w: %s", model.ErrPositionNotFound, positionID)
	}
	if err != nil {
		return model.PnLRecord{}, model.Persistence("get position", err)
	}
	if pos.Status != model.PositionActive {
		return model.PnLRecord{}, fmt.Errorf("%w: %s", model.ErrAlreadyClosed, positionID)
	}

	p, err := pair.Parse(pos.Pair)
	if err != nil {
		return model.PnLRecord{}, err
	}
	price, err := e.oracle.GetPrice(ctx, p.Base)
	if err != nil {
		return model.PnLRecord{}, err
	}

	var rec model.PnLRecord
	var credited decimal.Decimal
	err = e.wallet.Execute(ctx, "close_position", []wallet.Key{{UserID: userID, Currency: pos.Currency}}, func(o *wallet.Op) error {
		locked, err := o.Tx().GetPositionForUpdate(o.Ctx(), positionID)
		if err != nil {
			return model.Persistence("get position", err)
		}
		if !locked.Status.CanTransitionTo(model.PositionClosed) {
			return fmt.Errorf("%w: %s", model.ErrAlreadyClosed, positionID)
		}

		now := o.Now()
		val := MarkToMarket(*locked, price)
		rec = model.PnLRecord{
			ID:         uuid.New().String(),
			UserID:     userID,
			PositionID: locked.ID,
			Pair:       locked.Pair,
			Side:       locked.Side,
			EntryPrice: locked.EntryPrice,
			ExitPrice:  price,
			Size:       locked.Size,
			PnL:        val.PnL,
			PnLPercent: val.PnLPercent,
			Currency:   locked.Currency,
			CreatedAt:  now,
		}
		if err := o.Tx().AppendPnLRecord(o.Ctx(), &rec); err != nil {
			return model.Persistence("append pnl record", err)
		}

		credited = locked.Margin.Add(val.PnL)
		if credited.IsPositive() {
			if _, err := o.Credit(userID, locked.Currency, credited); err != nil {
				return err
			}
		}

		locked.Status = model.PositionClosed
		locked.ExitPrice = &price
		locked.ClosedAt = &now
		if err := o.Tx().UpdatePosition(o.Ctx(), locked); err != nil {
			return model.Persistence("update position", err)
		}

		o.Notify(notify.NewEvent(notify.EntityPnL, userID, rec.ID))
		o.Notify(notify.NewEvent(notify.EntityPosition, userID, locked.ID))
		return nil
	})
	if err != nil {
		return model.PnLRecord{}, err
	}

	outcome := "loss"
	if rec.PnL.IsPositive() {
		outcome = "profit"
	}
	metrics.PositionsClosed.WithLabelValues(string(rec.Side), outcome).Inc()
	e.log.Info().
		Str("position", positionID).
		Str("user", userID).
		Str("exit", price.String()).
		Str("pnl", rec.PnL.String()).
		Str("credited", decimal.Max(credited, decimal.Zero).String()).
		Msg("position closed")
	return rec, nil
}

// List returns a user's positions, newest first.
func (e *Engine) List(ctx context.Context, userID string, filter model.PositionFilter) ([]model.Position, error) {
	if filter.Pair != "" {
		p, err := pair.Normalize(filter.Pair)
		if err != nil {
			return nil, err
		}
		filter.Pair = p
	}
	positions, err := e.wallet.Store().ListPositions(ctx, userID, filter)
	if err != nil {
		return nil, model.Persistence("list positions", err)
	}
	return positions, nil
}

// History returns the user's realized PnL records, newest first.
func (e *Engine) History(ctx context.Context, userID string) ([]model.PnLRecord, error) {
	records, err := e.wallet.Store().ListPnLRecords(ctx, userID)
	if err != nil {
		return nil, model.Persistence("list pnl records", err)
	}
	return records, nil
}

// ValuedPosition is an active position with its live valuation.
type ValuedPosition struct {
	model.Position
	Valuation Valuation `json:"valuation"`
}

// Portfolio is the live view of a user's active positions.
type Portfolio struct {
	UserID        string           `json:"user_id"`
	Positions     []ValuedPosition `json:"positions"`
	TotalMargin   decimal.Decimal  `json:"total_margin"`
	TotalNotional decimal.Decimal  `json:"total_notional"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	ValuedAt      time.Time        `json:"valued_at"`
}

// Portfolio values every active position of a user at current mark
// prices. Nothing is written.
func (e *Engine) Portfolio(ctx context.Context, userID string) (Portfolio, error) {
	active, err := e.wallet.Store().ListPositions(ctx, userID, model.PositionFilter{Status: model.PositionActive})
	if err != nil {
		return Portfolio{}, model.Persistence("list positions", err)
	}

	pf := Portfolio{
		UserID:        userID,
		Positions:     make([]ValuedPosition, 0, len(active)),
		TotalMargin:   decimal.Zero,
		TotalNotional: decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		ValuedAt:      time.Now().UTC(),
	}
	prices := newPriceCache(e.oracle)
	for _, pos := range active {
		price, err := prices.get(ctx, pos.Pair)
		if err != nil {
			return Portfolio{}, err
		}
		val := MarkToMarket(pos, price)
		pf.Positions = append(pf.Positions, ValuedPosition{Position: pos, Valuation: val})
		pf.TotalMargin = pf.TotalMargin.Add(pos.Margin)
		pf.TotalNotional = pf.TotalNotional.Add(val.Notional)
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(val.PnL)
	}
	return pf, nil
}

// priceCache memoizes oracle prices by base asset for one pass.
type priceCache struct {
	oracle oracle.Oracle
	prices map[string]decimal.Decimal
}

func newPriceCache(o oracle.Oracle) *priceCache {
	return &priceCache{oracle: o, prices: make(map[string]decimal.Decimal)}
}

func (c *priceCache) get(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, err := pair.Parse(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if price, ok := c.prices[p.Base]; ok {
		return price, nil
	}
	price, err := c.oracle.GetPrice(ctx, p.Base)
	if err != nil {
		return decimal.Zero, err
	}
	c.prices[p.Base] = price
	return price, nil
}

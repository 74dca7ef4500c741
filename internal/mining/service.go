// Package mining runs investment contracts: it takes the principal on
// subscription, accrues a daily payout and returns the principal on
// maturity. All balance movements go through the balance engine.
package mining

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
	"github.com/atmx/ledger-engine/internal/wallet"
)

// PayoutPeriod is the accrual cadence of every contract.
const PayoutPeriod = 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// errNotDue marks a contract another sweep already paid.
var errNotDue = errors.New("contract not due")

// Service manages investment contracts.
type Service struct {
	wallet   *wallet.Engine
	log      zerolog.Logger
	currency string
	now      func() time.Time
}

// NewService creates a contract service. currency is the default for
// subscriptions that do not name one.
func NewService(w *wallet.Engine, log zerolog.Logger, currency string) *Service {
	currency = model.NormalizeCurrency(currency)
	if currency == "" {
		currency = "USDT"
	}
	return &Service{
		wallet:   w,
		log:      log,
		currency: currency,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Used in tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SubscribeRequest describes a new contract.
type SubscribeRequest struct {
	UserID       string          `json:"user_id"`
	PlanName     string          `json:"plan_name"`
	Principal    decimal.Decimal `json:"principal"`
	DailyRate    decimal.Decimal `json:"daily_rate"` // percent per day
	MaturityDays int             `json:"maturity_days"`
	Currency     string          `json:"currency"`
}

// Subscribe debits the principal and creates an active contract in one
// transaction. The first payout falls due one period after start.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (model.InvestmentContract, error) {
	if !req.Principal.IsPositive() {
		return model.InvestmentContract{}, fmt.Errorf("%w: principal %s", model.ErrInvalidAmount, req.Principal)
	}
	if !req.DailyRate.IsPositive() {
		return model.InvestmentContract{}, fmt.Errorf("%w: daily rate %s", model.ErrInvalidAmount, req.DailyRate)
	}
	if req.MaturityDays <= 0 {
		return model.InvestmentContract{}, fmt.Errorf("%w: maturity %d days", model.ErrInvalidAmount, req.MaturityDays)
	}
	req.Currency = model.NormalizeCurrency(req.Currency)
	if req.Currency == "" {
		req.Currency = s.currency
	}

	now := s.now()
	c := model.InvestmentContract{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		PlanName:     req.PlanName,
		Currency:     req.Currency,
		Principal:    req.Principal,
		DailyRate:    req.DailyRate,
		MaturityDays: req.MaturityDays,
		StartDate:    now,
		Status:       model.ContractActive,
		Earned:       decimal.Zero,
		NextPayoutAt: now.Add(PayoutPeriod),
		CreatedAt:    now,
	}

	err := s.wallet.Execute(ctx, "subscribe", []wallet.Key{{UserID: c.UserID, Currency: c.Currency}}, func(o *wallet.Op) error {
		if _, err := o.Debit(c.UserID, c.Currency, c.Principal); err != nil {
			return err
		}
		if err := o.Tx().InsertContract(o.Ctx(), &c); err != nil {
			return model.Persistence("insert contract", err)
		}
		o.Notify(notify.NewEvent(notify.EntityContract, c.UserID, c.ID))
		return nil
	})
	if err != nil {
		return model.InvestmentContract{}, err
	}

	s.log.Info().
		Str("contract", c.ID).
		Str("user", c.UserID).
		Str("plan", c.PlanName).
		Str("principal", c.Principal.String()).
		Str("rate", c.DailyRate.String()).
		Int("maturity_days", c.MaturityDays).
		Msg("contract subscribed")
	return c, nil
}

// SweepResult summarises one pass over the due contracts.
type SweepResult struct {
	Due      int             `json:"due"`
	Paid     int             `json:"paid"`
	Matured  int             `json:"matured"`
	Skipped  int             `json:"skipped"`
	Failed   int             `json:"failed"`
	Interest decimal.Decimal `json:"interest"`
}

// Sweep pays every active contract whose next payout is due. Each contract
// settles in its own transaction; a failing contract is logged and
// counted, and the rest still settle.
//
// Cancelling ctx stops the sweep between contracts. A contract already in
// flight always finishes.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	res := SweepResult{Interest: decimal.Zero}

	due, err := s.wallet.Store().ListDueContracts(ctx, now)
	if err != nil {
		return res, model.Persistence("list due contracts", err)
	}
	res.Due = len(due)
	metrics.DueContracts.Set(float64(len(due)))

	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		payout, matured, err := s.settle(context.WithoutCancel(ctx), c, now)
		switch {
		case errors.Is(err, errNotDue):
			res.Skipped++
		case err != nil:
			res.Failed++
			metrics.PayoutFailures.Inc()
			s.log.Error().Err(err).Str("contract", c.ID).Str("user", c.UserID).Msg("payout failed")
		default:
			res.Paid++
			res.Interest = res.Interest.Add(payout)
			if matured {
				res.Matured++
			}
		}
	}

	if res.Due > 0 {
		s.log.Info().
			Int("due", res.Due).
			Int("paid", res.Paid).
			Int("matured", res.Matured).
			Int("failed", res.Failed).
			Str("interest", res.Interest.String()).
			Msg("payout sweep finished")
	}
	return res, ctx.Err()
}

// settle pays one contract. The contract is re-read under lock so that
// overlapping sweeps pay each period once.
func (s *Service) settle(ctx context.Context, due model.InvestmentContract, now time.Time) (decimal.Decimal, bool, error) {
	var payout decimal.Decimal
	var matured bool

	err := s.wallet.Execute(ctx, "payout", []wallet.Key{{UserID: due.UserID, Currency: due.Currency}}, func(o *wallet.Op) error {
		c, err := o.Tx().GetContractForUpdate(o.Ctx(), due.ID)
		if err != nil {
			return model.Persistence("get contract", err)
		}
		if c.Status != model.ContractActive || c.NextPayoutAt.After(now) {
			return errNotDue
		}

		payout = c.Principal.Mul(c.DailyRate).Div(hundred)
		interest := model.PayoutRecord{
			ID:         uuid.New().String(),
			ContractID: c.ID,
			UserID:     c.UserID,
			Kind:       model.PayoutInterest,
			Amount:     payout,
			Currency:   c.Currency,
			PayoutAt:   now,
			Status:     "completed",
		}
		if err := o.Tx().AppendPayoutRecord(o.Ctx(), &interest); err != nil {
			return model.Persistence("append payout record", err)
		}
		o.Notify(notify.NewEvent(notify.EntityPayout, c.UserID, interest.ID))

		days := int(now.Sub(c.StartDate) / PayoutPeriod)
		if days >= c.MaturityDays {
			matured = true
			c.Status = model.ContractCompleted
			if _, err := o.Credit(c.UserID, c.Currency, c.Principal); err != nil {
				return err
			}
			principal := interest
			principal.ID = uuid.New().String()
			principal.Kind = model.PayoutPrincipal
			principal.Amount = c.Principal
			if err := o.Tx().AppendPayoutRecord(o.Ctx(), &principal); err != nil {
				return model.Persistence("append payout record", err)
			}
			o.Notify(notify.NewEvent(notify.EntityPayout, c.UserID, principal.ID))
		}

		if payout.IsPositive() {
			if _, err := o.Credit(c.UserID, c.Currency, payout); err != nil {
				return err
			}
		}

		paidAt := now
		c.LastPayoutAt = &paidAt
		c.NextPayoutAt = now.Add(PayoutPeriod)
		c.Earned = c.Earned.Add(payout)
		if err := o.Tx().UpdateContract(o.Ctx(), c); err != nil {
			return model.Persistence("update contract", err)
		}
		o.Notify(notify.NewEvent(notify.EntityContract, c.UserID, c.ID))
		return nil
	})
	if err != nil {
		return decimal.Zero, false, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(model.PayoutInterest)).Inc()
	if matured {
		metrics.PayoutsTotal.WithLabelValues(string(model.PayoutPrincipal)).Inc()
		s.log.Info().Str("contract", due.ID).Str("user", due.UserID).Msg("contract matured")
	}
	return payout, matured, nil
}

// List returns a user's contracts, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]model.InvestmentContract, error) {
	contracts, err := s.wallet.Store().ListContracts(ctx, userID)
	if err != nil {
		return nil, model.Persistence("list contracts", err)
	}
	return contracts, nil
}

// Get returns one contract.
func (s *Service) Get(ctx context.Context, contractID string) (*model.InvestmentContract, error) {
	c, err := s.wallet.Store().GetContract(ctx, contractID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrContractNotFound, contractID)
	}
	if err != nil {
		return nil, model.Persistence("get contract", err)
	}
	return c, nil
}

// Payouts returns the payout history of a contract.
func (s *Service) Payouts(ctx context.Context, contractID string) ([]model.PayoutRecord, error) {
	payouts, err := s.wallet.Store().ListPayouts(ctx, contractID)
	if err != nil {
		return nil, model.Persistence("list payouts", err)
	}
	return payouts, nil
}

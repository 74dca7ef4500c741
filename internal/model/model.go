// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Op is the direction of a single-currency balance adjustment.
type Op string

const (
	OpCredit Op = "credit"
	OpDebit  Op = "debit"
)

// Balance is one record per (user, currency). Total is never stored; it is
// always recomputed from Available and Locked.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	Available decimal.Decimal `json:"available" db:"available"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// ZeroBalance is the lazily initialised balance of a never-touched key.
func ZeroBalance(userID, currency string) Balance {
	return Balance{UserID: userID, Currency: currency, Available: decimal.Zero, Locked: decimal.Zero}
}

// Total returns Available + Locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Key identifies the balance in lock tables and caches.
func (b Balance) Key() string {
	return BalanceKey(b.UserID, b.Currency)
}

// NormalizeCurrency returns the canonical, upper-case currency code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// BalanceKey builds the (user, currency) key.
func BalanceKey(userID, currency string) string {
	return userID + "/" + currency
}

// CheckBalance enforces the non-negative invariant on both buckets.
func CheckBalance(b Balance) error {
	if b.Available.IsNegative() {
		return fmt.Errorf("%w: %s available is %s", ErrInvariant, b.Key(), b.Available)
	}
	if b.Locked.IsNegative() {
		return fmt.Errorf("%w: %s locked is %s", ErrInvariant, b.Key(), b.Locked)
	}
	return nil
}

// Side is the direction of a leveraged position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is long or short.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// PositionStatus follows none -> active -> closed. Closed is terminal.
type PositionStatus string

const (
	PositionActive PositionStatus = "active"
	PositionClosed PositionStatus = "closed"
)

// CanTransitionTo validates position status transitions.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	return s == PositionActive && next == PositionClosed
}

// Position is one opened leveraged trade. Only the status and exit fields
// change, and only on close.
type Position struct {
	ID               string           `json:"id" db:"id"`
	UserID           string           `json:"user_id" db:"user_id"`
	Pair             string           `json:"pair" db:"pair"`
	Side             Side             `json:"side" db:"side"`
	Size             decimal.Decimal  `json:"size" db:"size"`
	EntryPrice       decimal.Decimal  `json:"entry_price" db:"entry_price"`
	Leverage         decimal.Decimal  `json:"leverage" db:"leverage"`
	Margin           decimal.Decimal  `json:"margin" db:"margin"` // size * entry / leverage
	LiquidationPrice decimal.Decimal  `json:"liquidation_price" db:"liquidation_price"`
	Currency         string           `json:"currency" db:"currency"` // margin currency
	Status           PositionStatus   `json:"status" db:"status"`
	ExitPrice        *decimal.Decimal `json:"exit_price,omitempty" db:"exit_price"`
	OpenedAt         time.Time        `json:"opened_at" db:"opened_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
}

// Notional is size * entry price.
func (p Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.EntryPrice)
}

// PnLRecord is written once per closed position and never mutated.
type PnLRecord struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	PositionID string          `json:"position_id" db:"position_id"`
	Pair       string          `json:"pair" db:"pair"`
	Side       Side            `json:"side" db:"side"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price" db:"exit_price"`
	Size       decimal.Decimal `json:"size" db:"size"`
	PnL        decimal.Decimal `json:"pnl" db:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent" db:"pnl_percent"`
	Currency   string          `json:"currency" db:"currency"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// ContractStatus is the lifecycle of an investment contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractCancelled ContractStatus = "cancelled"
)

// CanTransitionTo validates contract status transitions.
func (s ContractStatus) CanTransitionTo(next ContractStatus) bool {
	return s == ContractActive && (next == ContractCompleted || next == ContractCancelled)
}

// InvestmentContract is a mining/staking-style time-locked investment.
type InvestmentContract struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	PlanName     string          `json:"plan_name" db:"plan_name"`
	Currency     string          `json:"currency" db:"currency"`
	Principal    decimal.Decimal `json:"principal" db:"principal"`
	DailyRate    decimal.Decimal `json:"daily_rate" db:"daily_rate"` // percent per day
	MaturityDays int             `json:"maturity_days" db:"maturity_days"`
	StartDate    time.Time       `json:"start_date" db:"start_date"`
	Status       ContractStatus  `json:"status" db:"status"`
	Earned       decimal.Decimal `json:"earned" db:"earned"`
	LastPayoutAt *time.Time      `json:"last_payout_at,omitempty" db:"last_payout_at"`
	NextPayoutAt time.Time       `json:"next_payout_at" db:"next_payout_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// PayoutKind separates daily interest from the returned principal.
type PayoutKind string

const (
	PayoutInterest  PayoutKind = "interest"
	PayoutPrincipal PayoutKind = "principal"
)

// PayoutRecord is appended once per accrual event.
type PayoutRecord struct {
	ID         string          `json:"id" db:"id"`
	ContractID string          `json:"contract_id" db:"contract_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Kind       PayoutKind      `json:"kind" db:"kind"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Currency   string          `json:"currency" db:"currency"`
	PayoutAt   time.Time       `json:"payout_at" db:"payout_at"`
	Status     string          `json:"status" db:"status"` // "completed"
}

// Transfer is a completed peer-to-peer balance move. It is created only
// after the debit and credit both succeeded and is immutable thereafter.
type Transfer struct {
	ID                string          `json:"id" db:"id"`
	SenderID          string          `json:"sender_id" db:"sender_id"`
	RecipientID       string          `json:"recipient_id" db:"recipient_id"`
	RecipientPublicID string          `json:"recipient_public_id" db:"recipient_public_id"`
	Currency          string          `json:"currency" db:"currency"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Note              string          `json:"note,omitempty" db:"note"`
	Status            string          `json:"status" db:"status"` // "completed"
	IdempotencyKey    string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// PositionFilter narrows ListPositions. Empty fields match everything.
type PositionFilter struct {
	Pair   string
	Status PositionStatus
}

// Match reports whether p passes the filter.
func (f PositionFilter) Match(p Position) bool {
	if f.Pair != "" && f.Pair != p.Pair {
		return false
	}
	if f.Status != "" && f.Status != p.Status {
		return false
	}
	return true
}

// Package wallet is the balance engine: the single mutation path into the
// ledger store for per-user, per-currency balances.
//
// Every balance-affecting operation, including position settlement,
// payouts and peer transfers, runs through Engine.Execute, which serializes
// work per (user, currency) key and wraps it in one store transaction.
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/keylock"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/store"
)

// Key names one balance. Currency codes are case-insensitive.
type Key struct {
	UserID   string
	Currency string
}

func (k Key) String() string { return model.BalanceKey(k.UserID, model.NormalizeCurrency(k.Currency)) }

// Engine executes balance mutations.
type Engine struct {
	store store.Store
	locks *keylock.Locker
	pub   notify.Publisher
	log   zerolog.Logger
	now   func() time.Time
}

// NewEngine creates a balance engine. Pass nil for pub if change
// notifications are not needed.
func NewEngine(st store.Store, pub notify.Publisher, log zerolog.Logger) *Engine {
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Engine{
		store: st,
		locks: keylock.New(),
		pub:   pub,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for UpdatedAt stamps.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Store returns the underlying store for read-only queries.
func (e *Engine) Store() store.Store { return e.store }

// Adjust credits or debits amount on one balance.
func (e *Engine) Adjust(ctx context.Context, userID, currency string, amount decimal.Decimal, op model.Op) (model.Balance, error) {
	currency = model.NormalizeCurrency(currency)
	if !amount.IsPositive() {
		return model.Balance{}, model.ErrInvalidAmount
	}
	if op != model.OpCredit && op != model.OpDebit {
		return model.Balance{}, fmt.Errorf("unknown balance op %q", op)
	}

	var result model.Balance
	err := e.Execute(ctx, "adjust", []Key{{userID, currency}}, func(o *Op) error {
		var err error
		if op == model.OpCredit {
			result, err = o.Credit(userID, currency, amount)
		} else {
			result, err = o.Debit(userID, currency, amount)
		}
		return err
	})
	if err != nil {
		return model.Balance{}, err
	}

	e.log.Info().
		Str("user", userID).
		Str("currency", currency).
		Str("op", string(op)).
		Str("amount", amount.String()).
		Str("available", result.Available.String()).
		Msg("balance adjusted")
	return result, nil
}

// Lock moves amount from available to locked. Total is unchanged.
func (e *Engine) Lock(ctx context.Context, userID, currency string, amount decimal.Decimal) (model.Balance, error) {
	var result model.Balance
	err := e.Execute(ctx, "lock", []Key{{userID, currency}}, func(o *Op) error {
		var err error
		result, err = o.Lock(userID, currency, amount)
		return err
	})
	return result, err
}

// Unlock moves amount from locked back to available. Total is unchanged.
func (e *Engine) Unlock(ctx context.Context, userID, currency string, amount decimal.Decimal) (model.Balance, error) {
	var result model.Balance
	err := e.Execute(ctx, "unlock", []Key{{userID, currency}}, func(o *Op) error {
		var err error
		result, err = o.Unlock(userID, currency, amount)
		return err
	})
	return result, err
}

// Read returns the balance, zero-valued if none exists. It never writes.
func (e *Engine) Read(ctx context.Context, userID, currency string) (model.Balance, error) {
	b, err := e.store.GetBalance(ctx, userID, model.NormalizeCurrency(currency))
	if err != nil {
		return model.Balance{}, model.Persistence("read balance", err)
	}
	return b, nil
}

// List returns every balance record of a user.
func (e *Engine) List(ctx context.Context, userID string) ([]model.Balance, error) {
	balances, err := e.store.ListBalances(ctx, userID)
	if err != nil {
		return nil, model.Persistence("list balances", err)
	}
	return balances, nil
}

// Execute locks keys, runs fn inside one store transaction and publishes
// change notifications after commit.
//
// fn may only mutate balances named in keys. Errors returned by fn are
// passed through unchanged; transaction failures are wrapped in a
// *model.PersistenceError. On any error nothing is published and no write
// of fn is observable.
func (e *Engine) Execute(ctx context.Context, operation string, keys []Key, fn func(o *Op) error) error {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}

	unlock := e.locks.Lock(names...)
	start := time.Now()
	o := &Op{ctx: ctx, engine: e, allowed: make(map[string]bool, len(keys))}
	for _, n := range names {
		o.allowed[n] = true
	}

	var fnErr error
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		o.tx = tx
		fnErr = fn(o)
		return fnErr
	})
	unlock()
	metrics.SettlementLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		e.log.Error().Err(err).Str("operation", operation).Msg("settlement transaction failed")
		return model.Persistence(operation, err)
	}

	e.publish(ctx, o)
	return nil
}

func (e *Engine) publish(ctx context.Context, o *Op) {
	// The mutation is committed; deliver even if the caller gave up.
	ctx = context.WithoutCancel(ctx)

	for _, b := range o.touched {
		evt := notify.NewEvent(notify.EntityBalance, b.UserID, b.Currency)
		evt.Currency = b.Currency
		if err := e.pub.Publish(ctx, evt); err != nil {
			e.log.Warn().Err(err).Str("user", b.UserID).Msg("balance notification failed")
		}
	}
	for _, evt := range o.events {
		if err := e.pub.Publish(ctx, evt); err != nil {
			e.log.Warn().Err(err).Str("user", evt.UserID).Str("type", string(evt.Type)).Msg("notification failed")
		}
	}
}

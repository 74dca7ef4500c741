package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/store"
)

// Op is the handle an Execute callback uses to mutate locked balances and
// to write dependent records in the same transaction.
type Op struct {
	ctx     context.Context
	engine  *Engine
	tx      store.Tx
	allowed map[string]bool
	touched []model.Balance
	events  []notify.Event
}

// Ctx returns the operation's context.
func (o *Op) Ctx() context.Context { return o.ctx }

// Tx returns the store transaction for dependent records.
func (o *Op) Tx() store.Tx { return o.tx }

// Now returns the engine clock.
func (o *Op) Now() time.Time { return o.engine.now() }

// Notify queues evt for publication after commit.
func (o *Op) Notify(evt notify.Event) { o.events = append(o.events, evt) }

// Read returns the current (locked) value of a balance inside the transaction.
func (o *Op) Read(userID, currency string) (model.Balance, error) {
	currency = model.NormalizeCurrency(currency)
	if err := o.check(userID, currency); err != nil {
		return model.Balance{}, err
	}
	b, err := o.tx.GetBalanceForUpdate(o.ctx, userID, currency)
	if err != nil {
		return model.Balance{}, model.Persistence("read balance", err)
	}
	return b, nil
}

// Credit adds amount to available.
func (o *Op) Credit(userID, currency string, amount decimal.Decimal) (model.Balance, error) {
	return o.apply(userID, currency, "credit", func(b *model.Balance) error {
		b.Available = b.Available.Add(amount)
		return nil
	}, amount)
}

// Debit subtracts amount from available, failing with
// model.ErrInsufficientBalance when available < amount.
func (o *Op) Debit(userID, currency string, amount decimal.Decimal) (model.Balance, error) {
	return o.apply(userID, currency, "debit", func(b *model.Balance) error {
		if b.Available.LessThan(amount) {
			return fmt.Errorf("%w: %s %s available, %s requested",
				model.ErrInsufficientBalance, b.Available, currency, amount)
		}
		b.Available = b.Available.Sub(amount)
		return nil
	}, amount)
}

// Lock moves amount from available to locked.
func (o *Op) Lock(userID, currency string, amount decimal.Decimal) (model.Balance, error) {
	return o.apply(userID, currency, "lock", func(b *model.Balance) error {
		if b.Available.LessThan(amount) {
			return fmt.Errorf("%w: %s %s available, %s to lock",
				model.ErrInsufficientBalance, b.Available, currency, amount)
		}
		b.Available = b.Available.Sub(amount)
		b.Locked = b.Locked.Add(amount)
		return nil
	}, amount)
}

// Unlock moves amount from locked back to available.
func (o *Op) Unlock(userID, currency string, amount decimal.Decimal) (model.Balance, error) {
	return o.apply(userID, currency, "unlock", func(b *model.Balance) error {
		if b.Locked.LessThan(amount) {
			return fmt.Errorf("%w: %s %s locked, %s to unlock",
				model.ErrInsufficientBalance, b.Locked, currency, amount)
		}
		b.Locked = b.Locked.Sub(amount)
		b.Available = b.Available.Add(amount)
		return nil
	}, amount)
}

func (o *Op) apply(userID, currency, name string, mutate func(b *model.Balance) error, amount decimal.Decimal) (model.Balance, error) {
	currency = model.NormalizeCurrency(currency)
	if !amount.IsPositive() {
		metrics.BalanceAdjustments.WithLabelValues(name, "invalid").Inc()
		return model.Balance{}, model.ErrInvalidAmount
	}
	if err := o.check(userID, currency); err != nil {
		return model.Balance{}, err
	}

	b, err := o.tx.GetBalanceForUpdate(o.ctx, userID, currency)
	if err != nil {
		metrics.BalanceAdjustments.WithLabelValues(name, "error").Inc()
		return model.Balance{}, model.Persistence(name, err)
	}
	if err := model.CheckBalance(b); err != nil {
		return model.Balance{}, err
	}

	before := b.Total()
	if err := mutate(&b); err != nil {
		metrics.BalanceAdjustments.WithLabelValues(name, "rejected").Inc()
		return model.Balance{}, err
	}
	if err := model.CheckBalance(b); err != nil {
		return model.Balance{}, err
	}
	if err := checkTotal(name, before, b, amount); err != nil {
		return model.Balance{}, err
	}

	b.UpdatedAt = o.engine.now()
	if err := o.tx.PutBalance(o.ctx, b); err != nil {
		metrics.BalanceAdjustments.WithLabelValues(name, "error").Inc()
		return model.Balance{}, model.Persistence(name, err)
	}
	metrics.BalanceAdjustments.WithLabelValues(name, "ok").Inc()

	o.markTouched(b)
	return b, nil
}

// checkTotal verifies the total moved by exactly the expected amount.
func checkTotal(name string, before decimal.Decimal, after model.Balance, amount decimal.Decimal) error {
	want := before
	switch name {
	case "credit":
		want = before.Add(amount)
	case "debit":
		want = before.Sub(amount)
	}
	if !after.Total().Equal(want) {
		return fmt.Errorf("%w: %s total %s, expected %s after %s",
			model.ErrInvariant, after.Key(), after.Total(), want, name)
	}
	return nil
}

func (o *Op) check(userID, currency string) error {
	if !o.allowed[model.BalanceKey(userID, currency)] {
		return fmt.Errorf("balance %s is not locked by this operation", model.BalanceKey(userID, currency))
	}
	return nil
}

func (o *Op) markTouched(b model.Balance) {
	for i := range o.touched {
		if o.touched[i].Key() == b.Key() {
			o.touched[i] = b
			return
		}
	}
	o.touched = append(o.touched, b)
}

package wallet_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEngine(t *testing.T) (*wallet.Engine, *store.MemoryStore, *notify.Recorder) {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := &notify.Recorder{}
	return wallet.NewEngine(ms, rec, zerolog.Nop()), ms, rec
}

func fund(t *testing.T, e *wallet.Engine, user, currency string, amount float64) {
	t.Helper()
	if _, err := e.Adjust(context.Background(), user, currency, d(amount), model.OpCredit); err != nil {
		t.Fatalf("fund %s: %v", user, err)
	}
}

func assertInvariant(t *testing.T, b model.Balance) {
	t.Helper()
	if b.Available.IsNegative() || b.Locked.IsNegative() {
		t.Errorf("negative balance: %+v", b)
	}
	if !b.Total().Equal(b.Available.Add(b.Locked)) {
		t.Errorf("total %s != available %s + locked %s", b.Total(), b.Available, b.Locked)
	}
}

func TestRead_NeverTouchedIsZeroAndDoesNotWrite(t *testing.T) {
	e, ms, rec := newTestEngine(t)
	ctx := context.Background()

	b, err := e.Read(ctx, "user1", "USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Available.IsZero() || !b.Locked.IsZero() || !b.Total().IsZero() {
		t.Errorf("expected all-zero balance, got %+v", b)
	}

	balances, _ := ms.ListBalances(ctx, "user1")
	if len(balances) != 0 {
		t.Errorf("read must not create records, found %d", len(balances))
	}
	if len(rec.Events()) != 0 {
		t.Errorf("read must not notify")
	}
}

func TestAdjust_Credit(t *testing.T) {
	e, _, rec := newTestEngine(t)

	b, err := e.Adjust(context.Background(), "user1", "USDT", d(100), model.OpCredit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Available.Equal(d(100)) {
		t.Errorf("expected available=100, got %s", b.Available)
	}
	assertInvariant(t, b)

	if rec.Count(notify.EntityBalance, "user1") != 1 {
		t.Errorf("expected one balance notification, got %d", rec.Count(notify.EntityBalance, "user1"))
	}
}

func TestAdjust_DebitCreditRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "user1", "USDT", 250.75)

	for _, x := range []float64{0.01, 100, 250.75} {
		if _, err := e.Adjust(ctx, "user1", "USDT", d(x), model.OpDebit); err != nil {
			t.Fatalf("debit %v: %v", x, err)
		}
		b, err := e.Adjust(ctx, "user1", "USDT", d(x), model.OpCredit)
		if err != nil {
			t.Fatalf("credit %v: %v", x, err)
		}
		if !b.Available.Equal(d(250.75)) {
			t.Errorf("round trip of %v: expected 250.75, got %s", x, b.Available)
		}
	}
}

func TestAdjust_InsufficientBalance(t *testing.T) {
	e, _, rec := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "user1", "USDT", 50)
	rec.Reset()

	_, err := e.Adjust(ctx, "user1", "USDT", d(51), model.OpDebit)
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	b, _ := e.Read(ctx, "user1", "USDT")
	if !b.Available.Equal(d(50)) {
		t.Errorf("failed debit changed balance: %s", b.Available)
	}
	if len(rec.Events()) != 0 {
		t.Errorf("failed debit must not notify")
	}
}

func TestAdjust_InvalidAmount(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	for _, amt := range []decimal.Decimal{decimal.Zero, d(-5)} {
		if _, err := e.Adjust(ctx, "user1", "USDT", amt, model.OpCredit); !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

func TestAdjust_UnknownOp(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if _, err := e.Adjust(context.Background(), "user1", "USDT", d(1), model.Op("mint")); err == nil {
		t.Error("expected error for unknown op")
	}
}

func TestAdjust_ConcurrentDebitsSameKey(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "user1", "USDT", 50)

	var ok, rejected int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Adjust(ctx, "user1", "USDT", d(1), model.OpDebit)
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, model.ErrInsufficientBalance):
				atomic.AddInt64(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 50 || rejected != 50 {
		t.Errorf("expected 50 ok / 50 rejected, got %d / %d", ok, rejected)
	}
	b, _ := e.Read(ctx, "user1", "USDT")
	if !b.Available.IsZero() {
		t.Errorf("expected zero available, got %s", b.Available)
	}
	assertInvariant(t, b)
}

func TestAdjust_ConcurrentDifferentKeys(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	currencies := []string{"USDT", "BTC", "ETH"}
	for _, c := range currencies {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(c string) {
				defer wg.Done()
				if _, err := e.Adjust(ctx, "user1", c, d(1), model.OpCredit); err != nil {
					t.Errorf("credit %s: %v", c, err)
				}
			}(c)
		}
	}
	wg.Wait()

	for _, c := range currencies {
		b, _ := e.Read(ctx, "user1", c)
		if !b.Available.Equal(d(20)) {
			t.Errorf("%s: expected 20, got %s", c, b.Available)
		}
	}
}

func TestLockUnlock_KeepsTotal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "user1", "USDT", 100)

	b, err := e.Lock(ctx, "user1", "USDT", d(40))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !b.Available.Equal(d(60)) || !b.Locked.Equal(d(40)) || !b.Total().Equal(d(100)) {
		t.Errorf("unexpected balance after lock: %+v total=%s", b, b.Total())
	}

	if _, err := e.Lock(ctx, "user1", "USDT", d(61)); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance locking too much, got %v", err)
	}
	if _, err := e.Unlock(ctx, "user1", "USDT", d(41)); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance unlocking too much, got %v", err)
	}

	b, err = e.Unlock(ctx, "user1", "USDT", d(40))
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !b.Available.Equal(d(100)) || !b.Locked.IsZero() {
		t.Errorf("unexpected balance after unlock: %+v", b)
	}

	// A debit only sees available funds.
	if _, err := e.Lock(ctx, "user1", "USDT", d(90)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := e.Adjust(ctx, "user1", "USDT", d(20), model.OpDebit); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Errorf("debit should not touch locked funds, got %v", err)
	}
}

func TestExecute_PersistenceFailureRollsBack(t *testing.T) {
	e, ms, rec := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "user1", "USDT", 100)
	rec.Reset()

	ms.FailHook = func(op string) error {
		if op == "AppendTransferRecord" {
			return errors.New("connection reset")
		}
		return nil
	}

	err := e.Execute(ctx, "test", []wallet.Key{{"user1", "USDT"}}, func(o *wallet.Op) error {
		if _, err := o.Debit("user1", "USDT", d(30)); err != nil {
			return err
		}
		return model.Persistence("append", o.Tx().AppendTransferRecord(o.Ctx(), &model.Transfer{ID: "x"}))
	})
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected persistence failure, got %v", err)
	}

	b, _ := e.Read(ctx, "user1", "USDT")
	if !b.Available.Equal(d(100)) {
		t.Errorf("partial debit is visible: %s", b.Available)
	}
	if len(rec.Events()) != 0 {
		t.Errorf("failed operation must not notify")
	}
}

func TestExecute_RejectsUnlockedKey(t *testing.T) {
	e, _, _ := newTestEngine(t)

	err := e.Execute(context.Background(), "test", []wallet.Key{{"user1", "USDT"}}, func(o *wallet.Op) error {
		_, err := o.Credit("user2", "USDT", d(1))
		return err
	})
	if err == nil {
		t.Error("expected error crediting a balance outside the locked set")
	}
}

func TestExecute_QueuedEventsPublishedAfterCommit(t *testing.T) {
	e, _, rec := newTestEngine(t)

	err := e.Execute(context.Background(), "test", []wallet.Key{{"user1", "USDT"}}, func(o *wallet.Op) error {
		if _, err := o.Credit("user1", "USDT", d(5)); err != nil {
			return err
		}
		o.Notify(notify.NewEvent(notify.EntityTransfer, "user1", "t1"))
		if len(rec.Events()) != 0 {
			t.Error("events published before commit")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Count(notify.EntityBalance, "user1") != 1 || rec.Count(notify.EntityTransfer, "user1") != 1 {
		t.Errorf("unexpected events: %+v", rec.Events())
	}
}

func TestList(t *testing.T) {
	e, _, _ := newTestEngine(t)
	fund(t, e, "user1", "USDT", 1)
	fund(t, e, "user1", "BTC", 2)
	fund(t, e, "user2", "USDT", 3)

	balances, err := e.List(context.Background(), "user1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("expected 2 balances, got %d", len(balances))
	}
	if balances[0].Currency != "BTC" || balances[1].Currency != "USDT" {
		t.Errorf("unexpected order: %s, %s", balances[0].Currency, balances[1].Currency)
	}
}

func TestCurrency_CaseInsensitive(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "user1", " usdt", 100)

	b, err := e.Read(ctx, "user1", "USDT")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if b.Currency != "USDT" || !b.Available.Equal(d(100)) {
		t.Errorf("expected 100 USDT, got %+v", b)
	}

	// A key declared in one case covers mutations spelled in another.
	err = e.Execute(ctx, "test", []wallet.Key{{"user1", "USDT"}}, func(o *wallet.Op) error {
		_, err := o.Debit("user1", "Usdt", d(40))
		return err
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	balances, err := e.List(ctx, "user1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(balances) != 1 || !balances[0].Available.Equal(d(60)) {
		t.Errorf("expected one USDT balance of 60, got %+v", balances)
	}
}

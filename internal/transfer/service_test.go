package transfer_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/transfer"
	"github.com/atmx/ledger-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	svc    *transfer.Service
	wallet *wallet.Engine
	store  *store.MemoryStore
	events *notify.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := &notify.Recorder{}
	w := wallet.NewEngine(ms, rec, zerolog.Nop())
	env := &testEnv{svc: transfer.NewService(w, zerolog.Nop()), wallet: w, store: ms, events: rec}

	ctx := context.Background()
	for user, pub := range map[string]string{"alice": "PUB-ALICE", "bob": "PUB-BOB"} {
		if err := env.svc.Register(ctx, user, pub); err != nil {
			t.Fatalf("register %s: %v", user, err)
		}
	}
	if _, err := w.Adjust(ctx, "alice", "USDT", d(100), model.OpCredit); err != nil {
		t.Fatalf("fund: %v", err)
	}
	rec.Reset()
	return env
}

func (env *testEnv) available(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	b, err := env.wallet.Read(context.Background(), user, "USDT")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return b.Available
}

func TestTransfer_MovesExactAmount(t *testing.T) {
	env := newTestEnv(t)

	tr, err := env.svc.Transfer(context.Background(), transfer.Request{
		SenderID: "alice", RecipientPublicID: "PUB-BOB", Currency: "usdt", Amount: d(30.25), Note: "lunch",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.RecipientID != "bob" || tr.Currency != "USDT" || tr.Status != "completed" {
		t.Errorf("unexpected transfer: %+v", tr)
	}
	if got := env.available(t, "alice"); !got.Equal(d(69.75)) {
		t.Errorf("alice = %s, want 69.75", got)
	}
	if got := env.available(t, "bob"); !got.Equal(d(30.25)) {
		t.Errorf("bob = %s, want 30.25", got)
	}

	if env.events.Count(notify.EntityTransfer, "alice") != 1 || env.events.Count(notify.EntityTransfer, "bob") != 1 {
		t.Error("expected transfer notifications for both parties")
	}
	if env.events.Count(notify.EntityBalance, "alice") != 1 || env.events.Count(notify.EntityBalance, "bob") != 1 {
		t.Error("expected balance notifications for both parties")
	}

	for _, user := range []string{"alice", "bob"} {
		list, _ := env.svc.List(context.Background(), user)
		if len(list) != 1 || list[0].ID != tr.ID {
			t.Errorf("%s: expected the transfer in history, got %+v", user, list)
		}
	}
}

func TestTransfer_UnknownRecipient(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Transfer(context.Background(), transfer.Request{
		SenderID: "alice", RecipientPublicID: "PUB-NOBODY", Currency: "USDT", Amount: d(10),
	})
	if !errors.Is(err, model.ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got %v", err)
	}
	if got := env.available(t, "alice"); !got.Equal(d(100)) {
		t.Errorf("sender balance changed to %s", got)
	}
}

func TestTransfer_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  transfer.Request
		want error
	}{
		{"zero amount", transfer.Request{SenderID: "alice", RecipientPublicID: "PUB-BOB", Currency: "USDT", Amount: decimal.Zero}, model.ErrInvalidAmount},
		{"negative amount", transfer.Request{SenderID: "alice", RecipientPublicID: "PUB-BOB", Currency: "USDT", Amount: d(-1)}, model.ErrInvalidAmount},
		{"self", transfer.Request{SenderID: "alice", RecipientPublicID: "PUB-ALICE", Currency: "USDT", Amount: d(1)}, model.ErrSelfTransfer},
		{"insufficient", transfer.Request{SenderID: "alice", RecipientPublicID: "PUB-BOB", Currency: "USDT", Amount: d(100.01)}, model.ErrInsufficientBalance},
		{"no currency", transfer.Request{SenderID: "alice", RecipientPublicID: "PUB-BOB", Amount: d(1)}, model.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Transfer(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if got := env.available(t, "alice"); !got.Equal(d(100)) {
		t.Errorf("alice = %s, want 100", got)
	}
	if got := env.available(t, "bob"); !got.IsZero() {
		t.Errorf("bob = %s, want 0", got)
	}
}

func TestTransfer_RecordFailureRollsBackBothBalances(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailHook = func(op string) error {
		if op == "AppendTransferRecord" {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	_, err := env.svc.Transfer(context.Background(), transfer.Request{
		SenderID: "alice", RecipientPublicID: "PUB-BOB", Currency: "USDT", Amount: d(40),
	})
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if got := env.available(t, "alice"); !got.Equal(d(100)) {
		t.Errorf("debit leaked: alice = %s", got)
	}
	if got := env.available(t, "bob"); !got.IsZero() {
		t.Errorf("credit leaked: bob = %s", got)
	}
	if len(env.events.Events()) != 0 {
		t.Error("failed transfer must not notify")
	}
}

func TestTransfer_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := transfer.Request{SenderID: "alice", RecipientPublicID: "PUB-BOB", Currency: "USDT", Amount: d(10), IdempotencyKey: "k-1"}

	first, err := env.svc.Transfer(ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := env.svc.Transfer(ctx, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay returned a new transfer %s, want %s", second.ID, first.ID)
	}
	if got := env.available(t, "bob"); !got.Equal(d(10)) {
		t.Errorf("bob = %s, want 10", got)
	}

	// A different key is a new transfer.
	req.IdempotencyKey = "k-2"
	if _, err := env.svc.Transfer(ctx, req); err != nil {
		t.Fatalf("third: %v", err)
	}
	if got := env.available(t, "bob"); !got.Equal(d(20)) {
		t.Errorf("bob = %s, want 20", got)
	}
}

func TestTransfer_ConcurrentDuplicatesCreditOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := transfer.Request{SenderID: "alice", RecipientPublicID: "PUB-BOB", Currency: "USDT", Amount: d(25), IdempotencyKey: "dup"}

	ids := make(chan string, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := env.svc.Transfer(ctx, req)
			if err != nil {
				t.Errorf("transfer: %v", err)
				return
			}
			ids <- tr.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected one transfer id, got %d", len(seen))
	}
	if got := env.available(t, "alice"); !got.Equal(d(75)) {
		t.Errorf("alice = %s, want 75", got)
	}
	if got := env.available(t, "bob"); !got.Equal(d(25)) {
		t.Errorf("bob = %s, want 25", got)
	}
}

func TestTransfer_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.wallet.Adjust(ctx, "bob", "USDT", d(100), model.OpCredit); err != nil {
		t.Fatalf("fund bob: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.svc.Transfer(ctx, transfer.Request{SenderID: "alice", RecipientPublicID: "PUB-BOB", Currency: "USDT", Amount: d(1)})
		}()
		go func() {
			defer wg.Done()
			env.svc.Transfer(ctx, transfer.Request{SenderID: "bob", RecipientPublicID: "PUB-ALICE", Currency: "USDT", Amount: d(1)})
		}()
	}
	wg.Wait()

	total := env.available(t, "alice").Add(env.available(t, "bob"))
	if !total.Equal(d(200)) {
		t.Errorf("money not conserved: total = %s", total)
	}
}

package api_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/api"
	"github.com/atmx/ledger-engine/internal/mining"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/oracle"
	"github.com/atmx/ledger-engine/internal/perp"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/transfer"
	"github.com/atmx/ledger-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	router    chi.Router
	store     *store.MemoryStore
	prices    *oracle.StaticOracle
	contracts *mining.Service
	now       time.Time
}

// newTestEnv wires every engine on an in-memory store behind a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryStore(),
		prices: oracle.NewStaticOracle(map[string]decimal.Decimal{"BTC": d(100)}),
		now:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	w := wallet.NewEngine(env.store, &notify.Recorder{}, zerolog.Nop())
	env.contracts = mining.NewService(w, zerolog.Nop(), "USDT")
	env.contracts.SetClock(func() time.Time { return env.now })

	h := api.NewHandler(api.Deps{
		Wallet:    w,
		Positions: perp.NewEngine(w, env.prices, zerolog.Nop(), perp.Options{MaxLeverage: d(50)}),
		Contracts: env.contracts,
		Transfers: transfer.NewService(w, zerolog.Nop()),
		Log:       zerolog.Nop(),
	})

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	env.router = r
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) credit(t *testing.T, user string, amount float64) {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/balances/adjust", api.AdjustRequest{UserID: user, Currency: "USDT", Amount: d(amount), Op: model.OpCredit})
	if w.Code != http.StatusOK {
		t.Fatalf("credit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, w)["error"]
}

// --- Balances ---

func TestGetBalance_Untouched(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/balances/user1/usdt", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody[map[string]any](t, w)
	if body["currency"] != "USDT" || body["available"] != "0" || body["total"] != "0" {
		t.Errorf("unexpected zero balance: %+v", body)
	}
}

func TestAdjustBalance(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "user1", 100)

	w := env.do(t, "POST", "/api/v1/balances/adjust", api.AdjustRequest{UserID: "user1", Currency: "USDT", Amount: d(30), Op: model.OpDebit})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[map[string]any](t, w)["available"]; got != "70" {
		t.Errorf("available = %v, want 70", got)
	}

	w = env.do(t, "POST", "/api/v1/balances/adjust", api.AdjustRequest{UserID: "user1", Currency: "USDT", Amount: d(71), Op: model.OpDebit})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for overdraft, got %d: %s", w.Code, w.Body.String())
	}
	if errorMessage(t, w) == "" {
		t.Error("expected a human-readable reason")
	}

	w = env.do(t, "POST", "/api/v1/balances/adjust", api.AdjustRequest{UserID: "user1", Currency: "USDT", Amount: d(-1), Op: model.OpCredit})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative amount, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/balances/adjust", api.AdjustRequest{UserID: "user1", Currency: "USDT", Amount: d(1), Op: "mint"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown op, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/balances/user1", nil)
	if list := decodeBody[[]model.Balance](t, w); len(list) != 1 || !list[0].Available.Equal(d(70)) {
		t.Errorf("unexpected balances: %+v", list)
	}
}

func TestAdjustBalance_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/balances/adjust", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Positions ---

func TestPositionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "user1", 1000)

	w := env.do(t, "POST", "/api/v1/positions", perp.OpenRequest{UserID: "user1", Pair: "BTC/USDT", Side: model.SideLong, Size: d(2), Leverage: d(5)})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	pos := decodeBody[model.Position](t, w)
	if !pos.LiquidationPrice.Equal(d(85)) {
		t.Errorf("liquidation = %s, want 85", pos.LiquidationPrice)
	}

	env.prices.Set("BTC", d(110))
	w = env.do(t, "GET", "/api/v1/portfolio/user1", nil)
	if pf := decodeBody[perp.Portfolio](t, w); !pf.UnrealizedPnL.Equal(d(20)) {
		t.Errorf("unrealized = %s, want 20", pf.UnrealizedPnL)
	}

	w = env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", api.CloseRequest{UserID: "user1"})
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if rec := decodeBody[model.PnLRecord](t, w); !rec.PnL.Equal(d(20)) {
		t.Errorf("pnl = %s, want 20", rec.PnL)
	}

	w = env.do(t, "POST", "/api/v1/positions/"+pos.ID+"/close", api.CloseRequest{UserID: "user1"})
	if w.Code != http.StatusConflict {
		t.Errorf("second close: expected 409, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/positions/user1?status=closed", nil)
	if list := decodeBody[[]model.Position](t, w); len(list) != 1 || list[0].Status != model.PositionClosed {
		t.Errorf("unexpected closed positions: %+v", list)
	}
	w = env.do(t, "GET", "/api/v1/pnl/user1", nil)
	if list := decodeBody[[]model.PnLRecord](t, w); len(list) != 1 {
		t.Errorf("expected one pnl record, got %d", len(list))
	}
	w = env.do(t, "GET", "/api/v1/balances/user1/USDT", nil)
	if got := decodeBody[map[string]any](t, w)["available"]; got != "1020" {
		t.Errorf("available = %v, want 1020", got)
	}
}

func TestOpenPosition_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "user1", 10)

	tests := []struct {
		name string
		req  perp.OpenRequest
		want int
	}{
		{"insufficient margin", perp.OpenRequest{UserID: "user1", Pair: "BTC/USDT", Side: model.SideLong, Size: d(2), Leverage: d(5)}, http.StatusConflict},
		{"bad leverage", perp.OpenRequest{UserID: "user1", Pair: "BTC/USDT", Side: model.SideLong, Size: d(1), Leverage: d(51)}, http.StatusBadRequest},
		{"bad pair", perp.OpenRequest{UserID: "user1", Pair: "???", Side: model.SideLong, Size: d(1), Leverage: d(5)}, http.StatusBadRequest},
		{"bad side", perp.OpenRequest{UserID: "user1", Pair: "BTC/USDT", Side: "sideways", Size: d(1), Leverage: d(5)}, http.StatusBadRequest},
		{"no price", perp.OpenRequest{UserID: "user1", Pair: "XRP/USDT", Side: model.SideLong, Size: d(1), Leverage: d(5)}, http.StatusServiceUnavailable},
		{"missing user", perp.OpenRequest{Pair: "BTC/USDT", Side: model.SideLong, Size: d(1), Leverage: d(5)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/positions", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestClosePosition_NotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/positions/nope/close", api.CloseRequest{UserID: "user1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Contracts ---

func TestContractsAndRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "user1", 1000)

	w := env.do(t, "POST", "/api/v1/contracts", mining.SubscribeRequest{UserID: "user1", PlanName: "btc-30", Principal: d(1000), DailyRate: d(1), MaturityDays: 30})
	if w.Code != http.StatusCreated {
		t.Fatalf("subscribe: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	c := decodeBody[model.InvestmentContract](t, w)

	env.now = env.now.Add(24 * time.Hour)
	w = env.do(t, "POST", "/api/v1/payouts/refresh", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if res := decodeBody[mining.SweepResult](t, w); res.Paid != 1 {
		t.Errorf("expected one payout, got %+v", res)
	}

	w = env.do(t, "GET", "/api/v1/contracts/"+c.ID+"/payouts", nil)
	if list := decodeBody[[]model.PayoutRecord](t, w); len(list) != 1 || !list[0].Amount.Equal(d(10)) {
		t.Errorf("unexpected payouts: %+v", list)
	}
	w = env.do(t, "GET", "/api/v1/contracts/user1", nil)
	if list := decodeBody[[]model.InvestmentContract](t, w); len(list) != 1 || !list[0].Earned.Equal(d(10)) {
		t.Errorf("unexpected contracts: %+v", list)
	}

	w = env.do(t, "GET", "/api/v1/contracts/missing/payouts", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown contract, got %d", w.Code)
	}
}

// --- Transfers ---

func TestTransfers(t *testing.T) {
	env := newTestEnv(t)
	env.credit(t, "alice", 50)
	for user, pub := range map[string]string{"alice": "PUB-A", "bob": "PUB-B"} {
		if w := env.do(t, "POST", "/api/v1/accounts", api.RegisterRequest{UserID: user, PublicID: pub}); w.Code != http.StatusCreated {
			t.Fatalf("register %s: %d %s", user, w.Code, w.Body.String())
		}
	}

	body := mustJSON(t, transfer.Request{SenderID: "alice", RecipientPublicID: "PUB-B", Currency: "USDT", Amount: d(20)})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/v1/transfers", bytes.NewReader(body))
		req.Header.Set("Idempotency-Key", "pay-1")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("transfer %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	w := env.do(t, "GET", "/api/v1/balances/bob/USDT", nil)
	if got := decodeBody[map[string]any](t, w)["available"]; got != "20" {
		t.Errorf("bob available = %v, want 20 (idempotent replay)", got)
	}

	w = env.do(t, "POST", "/api/v1/transfers", transfer.Request{SenderID: "alice", RecipientPublicID: "PUB-X", Currency: "USDT", Amount: d(1)})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown recipient: expected 404, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/transfers", transfer.Request{SenderID: "alice", RecipientPublicID: "PUB-A", Currency: "USDT", Amount: d(1)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("self transfer: expected 400, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/transfers/bob", nil)
	if list := decodeBody[[]model.Transfer](t, w); len(list) != 1 {
		t.Errorf("expected one transfer for bob, got %d", len(list))
	}
}

func TestPersistenceFailureIs500(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailHook = func(string) error { return errors.New("db down") }

	w := env.do(t, "POST", "/api/v1/balances/adjust", api.AdjustRequest{UserID: "user1", Currency: "USDT", Amount: d(1), Op: model.OpCredit})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if msg := errorMessage(t, w); msg == "" || bytes.Contains([]byte(msg), []byte("db down")) {
		t.Errorf("unexpected error message %q", msg)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", model.ErrRecipientNotFound), http.StatusNotFound},
		{model.ErrInsufficientMargin, http.StatusConflict},
		{risk.ErrTotalLimitExceeded, http.StatusConflict},
		{fmt.Errorf("register: %w", model.ErrAlreadyRegistered), http.StatusConflict},
		{model.Persistence("x", errors.New("io")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := api.StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

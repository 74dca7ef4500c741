// Package api exposes the ledger engines over HTTP.
//
// All monetary values use shopspring/decimal and are encoded as JSON
// strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/mining"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/oracle"
	"github.com/atmx/ledger-engine/internal/pair"
	"github.com/atmx/ledger-engine/internal/perp"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/transfer"
	"github.com/atmx/ledger-engine/internal/wallet"
)

// Refresher runs an on-demand payout sweep.
type Refresher interface {
	Trigger(ctx context.Context) (mining.SweepResult, error)
}

// Handler serves the ledger API.
type Handler struct {
	wallet    *wallet.Engine
	positions *perp.Engine
	contracts *mining.Service
	transfers *transfer.Service
	refresher Refresher
	log       zerolog.Logger
}

// Deps bundles the engines a Handler serves. Refresher is optional; without
// it, refresh requests sweep inline.
type Deps struct {
	Wallet    *wallet.Engine
	Positions *perp.Engine
	Contracts *mining.Service
	Transfers *transfer.Service
	Refresher Refresher
	Log       zerolog.Logger
}

// NewHandler creates an API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		wallet:    d.Wallet,
		positions: d.Positions,
		contracts: d.Contracts,
		transfers: d.Transfers,
		refresher: d.Refresher,
		log:       d.Log,
	}
}

// Routes mounts the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/balances/{userID}", h.ListBalances)
	r.Get("/balances/{userID}/{currency}", h.GetBalance)
	r.Post("/balances/adjust", h.AdjustBalance)

	r.Post("/positions", h.OpenPosition)
	r.Post("/positions/{positionID}/close", h.ClosePosition)
	r.Get("/positions/{userID}", h.ListPositions)
	r.Get("/portfolio/{userID}", h.GetPortfolio)
	r.Get("/pnl/{userID}", h.ListPnL)

	r.Post("/contracts", h.Subscribe)
	r.Get("/contracts/{userID}", h.ListContracts)
	r.Get("/contracts/{contractID}/payouts", h.ListPayouts)
	r.Post("/payouts/refresh", h.RefreshPayouts)

	r.Post("/accounts", h.RegisterAccount)
	r.Post("/transfers", h.CreateTransfer)
	r.Get("/transfers/{userID}", h.ListTransfers)
}

// --- Request types ---

// AdjustRequest is the JSON body for POST /balances/adjust.
type AdjustRequest struct {
	UserID   string          `json:"user_id"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Op       model.Op        `json:"op"` // "credit" or "debit"
}

// CloseRequest is the JSON body for POST /positions/{positionID}/close.
type CloseRequest struct {
	UserID string `json:"user_id"`
}

// RegisterRequest is the JSON body for POST /accounts.
type RegisterRequest struct {
	UserID   string `json:"user_id"`
	PublicID string `json:"public_id"`
}

// --- Balances ---

// ListBalances handles GET /api/v1/balances/{userID}
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.wallet.List(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// GetBalance handles GET /api/v1/balances/{userID}/{currency}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	currency := strings.ToUpper(chi.URLParam(r, "currency"))
	b, err := h.wallet.Read(r.Context(), chi.URLParam(r, "userID"), currency)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView(b))
}

// AdjustBalance handles POST /api/v1/balances/adjust
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Currency == "" {
		writeError(w, "user_id and currency are required", http.StatusBadRequest)
		return
	}
	if req.Op != model.OpCredit && req.Op != model.OpDebit {
		writeError(w, "op must be credit or debit", http.StatusBadRequest)
		return
	}

	b, err := h.wallet.Adjust(r.Context(), req.UserID, strings.ToUpper(req.Currency), req.Amount, req.Op)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView(b))
}

// balanceView adds the derived total to a balance.
func balanceView(b model.Balance) map[string]any {
	return map[string]any{
		"user_id":    b.UserID,
		"currency":   b.Currency,
		"available":  b.Available,
		"locked":     b.Locked,
		"total":      b.Total(),
		"updated_at": b.UpdatedAt,
	}
}

// --- Positions ---

// OpenPosition handles POST /api/v1/positions
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req perp.OpenRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	pos, err := h.positions.Open(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	rec, err := h.positions.Close(r.Context(), req.UserID, chi.URLParam(r, "positionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListPositions handles GET /api/v1/positions/{userID}?pair=&status=
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	filter := model.PositionFilter{
		Pair:   r.URL.Query().Get("pair"),
		Status: model.PositionStatus(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && filter.Status != model.PositionActive && filter.Status != model.PositionClosed {
		writeError(w, "status must be active or closed", http.StatusBadRequest)
		return
	}

	positions, err := h.positions.List(r.Context(), chi.URLParam(r, "userID"), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Values every active position at the current mark price.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := h.positions.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// ListPnL handles GET /api/v1/pnl/{userID}
func (h *Handler) ListPnL(w http.ResponseWriter, r *http.Request) {
	records, err := h.positions.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Contracts ---

// Subscribe handles POST /api/v1/contracts
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req mining.SubscribeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	req.Currency = strings.ToUpper(req.Currency)

	c, err := h.contracts.Subscribe(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListContracts handles GET /api/v1/contracts/{userID}
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := h.contracts.List(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contracts)
}

// ListPayouts handles GET /api/v1/contracts/{contractID}/payouts
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contractID")
	if _, err := h.contracts.Get(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	payouts, err := h.contracts.Payouts(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payouts)
}

// RefreshPayouts handles POST /api/v1/payouts/refresh
// Runs a payout sweep now instead of waiting for the next tick.
func (h *Handler) RefreshPayouts(w http.ResponseWriter, r *http.Request) {
	var res mining.SweepResult
	var err error
	if h.refresher != nil {
		res, err = h.refresher.Trigger(r.Context())
	} else {
		res, err = h.contracts.Sweep(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Transfers ---

// RegisterAccount handles POST /api/v1/accounts
func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.transfers.Register(r.Context(), req.UserID, req.PublicID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// CreateTransfer handles POST /api/v1/transfers
// An Idempotency-Key header is used when the body carries no key.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req transfer.Request
	if !decode(w, r, &req) {
		return
	}
	if req.SenderID == "" || req.RecipientPublicID == "" {
		writeError(w, "sender_id and recipient_public_id are required", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	tr, err := h.transfers.Transfer(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// ListTransfers handles GET /api/v1/transfers/{userID}
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.transfers.List(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

// --- Helpers ---

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidLeverage),
		errors.Is(err, model.ErrInvalidSide),
		errors.Is(err, model.ErrSelfTransfer),
		errors.Is(err, model.ErrInvalidRequest),
		errors.Is(err, pair.ErrInvalidPair):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrRecipientNotFound),
		errors.Is(err, model.ErrPositionNotFound),
		errors.Is(err, model.ErrContractNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrInsufficientMargin),
		errors.Is(err, model.ErrAlreadyClosed),
		errors.Is(err, model.ErrPublicIDTaken),
		errors.Is(err, model.ErrAlreadyRegistered),
		errors.Is(err, risk.ErrPairLimitExceeded),
		errors.Is(err, risk.ErrTotalLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status < http.StatusInternalServerError {
		writeError(w, err.Error(), status)
		return
	}

	h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	msg := err.Error()
	if errors.Is(err, model.ErrPersistence) || errors.Is(err, model.ErrInvariant) {
		msg = "ledger temporarily unavailable, no changes were applied"
	}
	writeError(w, msg, status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Package transfer moves balances between users. Debit, credit and the
// transfer record commit in one transaction under both balance locks.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/wallet"
)

// Service executes peer transfers.
type Service struct {
	wallet *wallet.Engine
	log    zerolog.Logger
}

// NewService creates a transfer service.
func NewService(w *wallet.Engine, log zerolog.Logger) *Service {
	return &Service{wallet: w, log: log}
}

// Request is a transfer instruction. IdempotencyKey is optional; a repeated
// key from the same sender returns the original transfer.
type Request struct {
	SenderID          string          `json:"sender_id"`
	RecipientPublicID string          `json:"recipient_public_id"`
	Currency          string          `json:"currency"`
	Amount            decimal.Decimal `json:"amount"`
	Note              string          `json:"note,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
}

// Transfer moves req.Amount from the sender to the recipient. On any error
// no balance has moved.
func (s *Service) Transfer(ctx context.Context, req Request) (model.Transfer, error) {
	if !req.Amount.IsPositive() {
		metrics.TransfersTotal.WithLabelValues("invalid").Inc()
		return model.Transfer{}, fmt.Errorf("%w: %s", model.ErrInvalidAmount, req.Amount)
	}
	req.Currency = model.NormalizeCurrency(req.Currency)
	if req.Currency == "" {
		metrics.TransfersTotal.WithLabelValues("invalid").Inc()
		return model.Transfer{}, fmt.Errorf("%w: currency is required", model.ErrInvalidRequest)
	}

	recipientID, err := s.wallet.Store().ResolveRecipient(ctx, req.RecipientPublicID)
	if errors.Is(err, model.ErrNotFound) {
		metrics.TransfersTotal.WithLabelValues("unknown_recipient").Inc()
		return model.Transfer{}, fmt.Errorf("%w: %s", model.ErrRecipientNotFound, req.RecipientPublicID)
	}
	if err != nil {
		return model.Transfer{}, model.Persistence("resolve recipient", err)
	}
	if recipientID == req.SenderID {
		metrics.TransfersTotal.WithLabelValues("invalid").Inc()
		return model.Transfer{}, model.ErrSelfTransfer
	}

	var result model.Transfer
	var replayed bool
	keys := []wallet.Key{{UserID: req.SenderID, Currency: req.Currency}, {UserID: recipientID, Currency: req.Currency}}
	err = s.wallet.Execute(ctx, "transfer", keys, func(o *wallet.Op) error {
		// Duplicates from one sender serialize on the sender key, so the
		// lookup below sees any transfer committed before us.
		if req.IdempotencyKey != "" {
			prior, err := o.Tx().GetTransferByKey(o.Ctx(), req.SenderID, req.IdempotencyKey)
			if err == nil {
				result, replayed = *prior, true
				return nil
			}
			if !errors.Is(err, model.ErrNotFound) {
				return model.Persistence("get transfer", err)
			}
		}

		if _, err := o.Debit(req.SenderID, req.Currency, req.Amount); err != nil {
			return err
		}
		if _, err := o.Credit(recipientID, req.Currency, req.Amount); err != nil {
			return err
		}

		result = model.Transfer{
			ID:                uuid.New().String(),
			SenderID:          req.SenderID,
			RecipientID:       recipientID,
			RecipientPublicID: req.RecipientPublicID,
			Currency:          req.Currency,
			Amount:            req.Amount,
			Note:              req.Note,
			Status:            "completed",
			IdempotencyKey:    req.IdempotencyKey,
			CreatedAt:         o.Now(),
		}
		if err := o.Tx().AppendTransferRecord(o.Ctx(), &result); err != nil {
			return model.Persistence("append transfer record", err)
		}
		o.Notify(notify.NewEvent(notify.EntityTransfer, req.SenderID, result.ID))
		o.Notify(notify.NewEvent(notify.EntityTransfer, recipientID, result.ID))
		return nil
	})
	if err != nil {
		metrics.TransfersTotal.WithLabelValues("failed").Inc()
		return model.Transfer{}, err
	}

	if replayed {
		metrics.TransfersTotal.WithLabelValues("replayed").Inc()
		s.log.Info().Str("transfer", result.ID).Str("key", req.IdempotencyKey).Msg("transfer replayed")
		return result, nil
	}

	metrics.TransfersTotal.WithLabelValues("ok").Inc()
	s.log.Info().
		Str("transfer", result.ID).
		Str("sender", result.SenderID).
		Str("recipient", result.RecipientID).
		Str("currency", result.Currency).
		Str("amount", result.Amount.String()).
		Msg("transfer completed")
	return result, nil
}

// List returns transfers sent or received by a user, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]model.Transfer, error) {
	transfers, err := s.wallet.Store().ListTransfers(ctx, userID)
	if err != nil {
		return nil, model.Persistence("list transfers", err)
	}
	return transfers, nil
}

// Register maps a public transfer identifier to a user.
func (s *Service) Register(ctx context.Context, userID, publicID string) error {
	if userID == "" || publicID == "" {
		return fmt.Errorf("%w: user id and public id are required", model.ErrInvalidRequest)
	}
	if err := s.wallet.Store().RegisterAccount(ctx, userID, publicID); err != nil {
		return model.Persistence("register account", err)
	}
	return nil
}

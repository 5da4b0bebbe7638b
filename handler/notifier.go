// Copyright 2024 The crypto-acquiring Authors
// This file is part of crypto-acquiring.
//
// crypto-acquiring is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// crypto-acquiring is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with crypto-acquiring. If not, see <http://www.gnu.org/licenses/>.

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/CryDevOk/crypto-acquiring/procclient"
	"github.com/CryDevOk/crypto-acquiring/quote"
	"github.com/CryDevOk/crypto-acquiring/store"
)

// callbackBatch bounds one notifier tick.
const callbackBatch = 100

// displayPlaces is the quote precision (0.01) rendered as decimal places.
const displayPlaces = 2

const (
	depositCallbackPath    = "/v1/api/private/deposit"
	withdrawalCallbackPath = "/v1/api/private/withdrawal"
)

// CallbackSender enqueues callbacks upstream; 409 surfaces as
// procclient.ErrAlreadyRegistered.
type CallbackSender interface {
	AddCallback(ctx context.Context, cb procclient.Callback) error
}

// NotifierStore is the slice of the store the notifier uses.
type NotifierStore interface {
	GetAndLockUnnotifiedDeposits(ctx context.Context, limit int) ([]store.CallbackJob, error)
	GetAndLockUnnotifiedWithdrawals(ctx context.Context, limit int) ([]store.CallbackJob, error)
	MarkNotified(ctx context.Context, table string, id uuid.UUID) error
	PostponeCallback(ctx context.Context, table string, id uuid.UUID, period int) error
}

// Notifier delivers at-least-once callbacks for observed deposits and
// completed withdrawals. The receiving side dedupes by callback_id, so a 409
// is as good as a 200.
type Notifier struct {
	store      NotifierStore
	sender     CallbackSender
	scannerURL string
	logger     log.Logger
}

func NewNotifier(st NotifierStore, sender CallbackSender, scannerURL string, logger log.Logger) *Notifier {
	return &Notifier{store: st, sender: sender, scannerURL: scannerURL, logger: logger}
}

// TickDeposits runs one pass of the deposit callback loop.
func (n *Notifier) TickDeposits(ctx context.Context) error {
	jobs, err := n.store.GetAndLockUnnotifiedDeposits(ctx, callbackBatch)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		payload := map[string]interface{}{
			"coin_name":      job.CoinName,
			"display_amount": quote.AmountToDisplay(job.Amount, job.Decimals, displayPlaces),
			"quote_amount":   job.QuoteAmount.StringFixed(displayPlaces),
			"tx_hash":        job.TxHashIn,
			"tx_scaner_url":  n.scannerURL + job.TxHashIn,
		}
		n.deliver(ctx, "deposits", fmt.Sprintf("deposit_%s", job.ID), depositCallbackPath, job, payload)
	}
	return nil
}

// TickWithdrawals runs one pass of the withdrawal callback loop.
func (n *Notifier) TickWithdrawals(ctx context.Context) error {
	jobs, err := n.store.GetAndLockUnnotifiedWithdrawals(ctx, callbackBatch)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		payload := map[string]interface{}{
			"coin_name":      job.CoinName,
			"display_amount": quote.AmountToDisplay(job.Amount, job.Decimals, displayPlaces),
			"quote_amount":   job.QuoteAmount.StringFixed(displayPlaces),
			"address":        job.Address,
			"user_currency":  job.UserCurrency,
			"tx_hash":        job.TxHashOut,
			"tx_scaner_url":  n.scannerURL + job.TxHashOut,
		}
		n.deliver(ctx, "withdrawals", fmt.Sprintf("withdrawal_%s", job.ID), withdrawalCallbackPath, job, payload)
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, table, callbackID, path string, job store.CallbackJob, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("callback payload encode failed", "callback", callbackID, "err", err)
		return
	}
	err = n.sender.AddCallback(ctx, procclient.Callback{
		CallbackID: callbackID,
		UserID:     job.UserID,
		Path:       path,
		JSONData:   data,
	})
	switch {
	case err == nil:
		n.markNotified(ctx, table, callbackID, job)
	case errors.Is(err, procclient.ErrAlreadyRegistered):
		n.logger.Warn("callback already registered upstream", "callback", callbackID)
		n.markNotified(ctx, table, callbackID, job)
	default:
		n.logger.Error("callback delivery failed", "callback", callbackID, "err", err)
		if perr := n.store.PostponeCallback(ctx, table, job.ID, job.Period); perr != nil {
			n.logger.Error("postponing callback failed", "callback", callbackID, "err", perr)
		}
	}
}

func (n *Notifier) markNotified(ctx context.Context, table, callbackID string, job store.CallbackJob) {
	if err := n.store.MarkNotified(ctx, table, job.ID); err != nil {
		n.logger.Error("marking callback notified failed", "callback", callbackID, "err", err)
	}
}

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

package dispatch

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

const callbackBatch = 20

// WorkerStore is the slice of the store the callback worker uses.
type WorkerStore interface {
	GetAndLockCallbacks(ctx context.Context, limit int) ([]PendingCallback, error)
	CallbackDelivered(ctx context.Context, id int64) error
	PostponeCallback(ctx context.Context, id int64, period int) error
}

// Worker drains the callback queue towards customer endpoints. Delivery is
// at-least-once: a customer that has seen the callback_id answers 409 and the
// row still finalizes.
type Worker struct {
	store   WorkerStore
	deliver Deliverer
	logger  log.Logger
}

func NewWorker(st WorkerStore, deliver Deliverer, logger log.Logger) *Worker {
	return &Worker{store: st, deliver: deliver, logger: logger}
}

func (w *Worker) Tick(ctx context.Context) error {
	jobs, err := w.store.GetAndLockCallbacks(ctx, callbackBatch)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			w.process(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) process(ctx context.Context, job PendingCallback) {
	err := w.deliver.Deliver(ctx, job)
	switch {
	case err == nil:
		if err := w.store.CallbackDelivered(ctx, job.ID); err != nil {
			w.logger.Error("finalize callback", "callback_id", job.CallbackID, "err", err)
		}
	case errors.Is(err, ErrCallbackKnown):
		w.logger.Warn("customer already processed callback", "callback_id", job.CallbackID)
		if err := w.store.CallbackDelivered(ctx, job.ID); err != nil {
			w.logger.Error("finalize callback", "callback_id", job.CallbackID, "err", err)
		}
	default:
		w.logger.Warn("callback delivery failed", "callback_id", job.CallbackID, "err", err)
		if err := w.store.PostponeCallback(ctx, job.ID, job.Period); err != nil {
			w.logger.Error("postpone callback", "callback_id", job.CallbackID, "err", err)
		}
	}
}

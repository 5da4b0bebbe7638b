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
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/CryDevOk/crypto-acquiring/config"
	"github.com/CryDevOk/crypto-acquiring/sched"
)

// Dispatcher owns the whole orchestration process.
type Dispatcher struct {
	cfg    *config.DispatchConfig
	store  *Store
	dial   HandlerDialer
	logger log.Logger
}

func New(cfg *config.DispatchConfig, st *Store, logger log.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		store:  st,
		dial:   NewHandlerClient,
		logger: logger,
	}
}

// Bootstrap prepares the store and registers the configured handlers by
// asking each one who it is. A handler already on record stays as it is.
// Idempotent across restarts.
func (d *Dispatcher) Bootstrap(ctx context.Context) error {
	if err := d.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := d.store.StartupSweep(ctx); err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}
	for _, cred := range d.cfg.Handlers {
		info, err := d.dial(cred.URL, cred.APIKey).Info(ctx)
		if err != nil {
			return fmt.Errorf("probe handler %s: %w", cred.URL, err)
		}
		err = d.store.AddHandler(ctx, HandlerInfo{
			Name:        info.Name,
			DisplayName: info.DisplayName,
			ServerURL:   cred.URL,
			APIKey:      cred.APIKey,
		})
		if err != nil && !errors.Is(err, ErrDuplicate) {
			return fmt.Errorf("register handler %s: %w", info.Name, err)
		}
		d.logger.Info("handler registered", "name", info.Name, "url", cred.URL)
	}
	return nil
}

// Run bootstraps, starts the callback worker, serves the REST surface and
// blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Bootstrap(ctx); err != nil {
		return err
	}

	worker := NewWorker(d.store, NewCallbackClient(), d.logger.New("job", "callback_worker"))
	s := sched.New(d.logger)
	s.Add("callback_worker", time.Second, worker.Tick)
	s.Start(ctx)

	srv := NewServer(d.store, d.dial, d.cfg.APIKey, d.logger.New("job", "api"))
	server := &http.Server{
		Addr:              d.cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		d.logger.Info("dispatcher api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("api shutdown failed", "err", err)
	}
	s.Wait()
	return nil
}

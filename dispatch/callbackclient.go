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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrCallbackKnown is the customer's 409: it has already processed this
// callback_id, so the delivery counts as done.
var ErrCallbackKnown = errors.New("dispatch: callback already processed by customer")

// Deliverer pushes one callback to a customer endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, cb PendingCallback) error
}

// CallbackClient delivers callbacks over HTTP with the customer's own API key.
type CallbackClient struct {
	http *http.Client
}

func NewCallbackClient() *CallbackClient {
	return &CallbackClient{http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *CallbackClient) Deliver(ctx context.Context, cb PendingCallback) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(cb.CallbackURL, "/")+cb.Path, bytes.NewReader(cb.JSONData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", cb.CallbackAPIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrCallbackKnown
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("dispatch: callback status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
}

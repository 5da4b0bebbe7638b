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

// Package procclient is the handler's client to the upstream dispatcher.
package procclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrAlreadyRegistered is the 409 answer: the callback is known upstream,
// re-sending is pointless and the row can be marked notified.
var ErrAlreadyRegistered = errors.New("procclient: callback already registered")

// Callback is the enqueue request body.
type Callback struct {
	CallbackID string          `json:"callback_id"`
	UserID     string          `json:"user_id"`
	Path       string          `json:"path"`
	JSONData   json.RawMessage `json:"json_data"`
}

// Client talks to one dispatcher.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// AddCallback enqueues one callback upstream. 2xx and 409 both mean the
// dispatcher owns it now; 409 is reported as ErrAlreadyRegistered so the
// caller can log the distinction.
func (c *Client) AddCallback(ctx context.Context, cb Callback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/api/private/callback", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrAlreadyRegistered
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("procclient: status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
}

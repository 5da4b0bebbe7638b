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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HandlerAPI is the slice of a network handler's REST surface the dispatcher
// calls. Responses the customer ultimately receives stay opaque JSON so a new
// handler field never requires a dispatcher release.
type HandlerAPI interface {
	Info(ctx context.Context) (*RemoteInfo, error)
	AddAccount(ctx context.Context, userID string) error
	DepositInfo(ctx context.Context, userID string) (json.RawMessage, error)
	WithdrawInfo(ctx context.Context, userID, quoteAmount string) (json.RawMessage, error)
	CreateWithdrawal(ctx context.Context, payload []byte) (int, json.RawMessage, error)
}

// HandlerDialer builds a client for one handler's credentials.
type HandlerDialer func(serverURL, apiKey string) HandlerAPI

// RemoteInfo is what a handler reports about itself.
type RemoteInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// HandlerClient is the HTTP implementation of HandlerAPI.
type HandlerClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHandlerClient(baseURL, apiKey string) HandlerAPI {
	return &HandlerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HandlerClient) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, payload, nil
}

func (c *HandlerClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	status, payload, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("handler %s: status %d: %s", c.baseURL, status, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func (c *HandlerClient) Info(ctx context.Context) (*RemoteInfo, error) {
	payload, err := c.get(ctx, "/get_handler_info")
	if err != nil {
		return nil, err
	}
	var info RemoteInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("handler %s: malformed info: %w", c.baseURL, err)
	}
	if info.Name == "" {
		return nil, fmt.Errorf("handler %s: info without a name", c.baseURL)
	}
	return &info, nil
}

func (c *HandlerClient) AddAccount(ctx context.Context, userID string) error {
	body, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return err
	}
	status, payload, err := c.do(ctx, http.MethodPost, "/add_account", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("handler %s: status %d: %s", c.baseURL, status, strings.TrimSpace(string(payload)))
	}
	return nil
}

func (c *HandlerClient) DepositInfo(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.get(ctx, "/get_deposit_info?user_id="+url.QueryEscape(userID))
}

func (c *HandlerClient) WithdrawInfo(ctx context.Context, userID, quoteAmount string) (json.RawMessage, error) {
	q := url.Values{"user_id": {userID}, "quote_amount": {quoteAmount}}
	return c.get(ctx, "/get_withdraw_info?"+q.Encode())
}

// CreateWithdrawal forwards the prepared payload and reports the handler's
// verdict verbatim so validation errors reach the customer unchanged.
func (c *HandlerClient) CreateWithdrawal(ctx context.Context, payload []byte) (int, json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/create_withdrawal", payload)
}

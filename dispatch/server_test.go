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
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

type fakeServerStore struct {
	mu        sync.Mutex
	customers map[string]string // customer id -> api key
	users     map[string]string // user id -> customer id
	handlers  []HandlerInfo
	callbacks map[string][]byte

	addCustomerErr error
}

func newFakeServerStore() *fakeServerStore {
	return &fakeServerStore{
		customers: map[string]string{"cust-1": "key-1"},
		users:     map[string]string{"merchant-7": "cust-1"},
		callbacks: map[string][]byte{},
	}
}

func (f *fakeServerStore) AddCustomer(ctx context.Context, callbackURL, callbackAPIKey string) (string, string, error) {
	if f.addCustomerErr != nil {
		return "", "", f.addCustomerErr
	}
	return "cust-new", "key-new", nil
}

func (f *fakeServerStore) UpdateCustomerByCallbackURL(ctx context.Context, callbackURL, callbackAPIKey, apiKey string) (string, error) {
	if callbackURL != "https://shop.example/hooks" {
		return "", ErrNotFound
	}
	return "cust-1", nil
}

func (f *fakeServerStore) VerifyCustomer(ctx context.Context, customerID, apiKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customers[customerID] == apiKey, nil
}

func (f *fakeServerStore) VerifyCustomerAndUser(ctx context.Context, customerID, apiKey, userID string) (bool, bool, error) {
	ok, _ := f.VerifyCustomer(ctx, customerID, apiKey)
	if !ok {
		return false, false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return true, f.users[userID] == customerID, nil
}

func (f *fakeServerStore) AddUser(ctx context.Context, userID, customerID string, fanout func(ctx context.Context) error) error {
	f.mu.Lock()
	if _, exists := f.users[userID]; exists {
		f.mu.Unlock()
		return ErrDuplicate
	}
	f.users[userID] = customerID
	f.mu.Unlock()

	if err := fanout(ctx); err != nil {
		f.mu.Lock()
		delete(f.users, userID)
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeServerStore) Handlers(ctx context.Context) ([]HandlerInfo, error) {
	return f.handlers, nil
}

func (f *fakeServerStore) HandlerByName(ctx context.Context, name string) (*HandlerInfo, error) {
	for i := range f.handlers {
		if f.handlers[i].Name == name {
			return &f.handlers[i], nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeServerStore) AddCallback(ctx context.Context, callbackID, userID, path string, jsonData []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.callbacks[callbackID]; exists {
		return ErrDuplicate
	}
	f.callbacks[callbackID] = jsonData
	return nil
}

type fakeHandlerAPI struct {
	mu              sync.Mutex
	info            RemoteInfo
	infoErr         error
	addAccountErr   error
	addAccountCalls []string

	depositPayload  json.RawMessage
	depositErr      error
	withdrawPayload json.RawMessage
	withdrawErr     error

	createStatus  int
	createBody    json.RawMessage
	createErr     error
	createPayload []byte
}

func (f *fakeHandlerAPI) Info(ctx context.Context) (*RemoteInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return &f.info, nil
}

func (f *fakeHandlerAPI) AddAccount(ctx context.Context, userID string) error {
	f.mu.Lock()
	f.addAccountCalls = append(f.addAccountCalls, userID)
	f.mu.Unlock()
	return f.addAccountErr
}

func (f *fakeHandlerAPI) DepositInfo(ctx context.Context, userID string) (json.RawMessage, error) {
	return f.depositPayload, f.depositErr
}

func (f *fakeHandlerAPI) WithdrawInfo(ctx context.Context, userID, quoteAmount string) (json.RawMessage, error) {
	return f.withdrawPayload, f.withdrawErr
}

func (f *fakeHandlerAPI) CreateWithdrawal(ctx context.Context, payload []byte) (int, json.RawMessage, error) {
	f.mu.Lock()
	f.createPayload = payload
	f.mu.Unlock()
	return f.createStatus, f.createBody, f.createErr
}

type serverFixture struct {
	store    *fakeServerStore
	handlers map[string]*fakeHandlerAPI // keyed by server URL
	ts       *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		store: newFakeServerStore(),
		handlers: map[string]*fakeHandlerAPI{
			"https://eth.example":  {info: RemoteInfo{Name: "eth_main", DisplayName: "Ethereum"}},
			"https://poly.example": {info: RemoteInfo{Name: "poly_main", DisplayName: "Polygon"}},
		},
	}
	f.store.handlers = []HandlerInfo{
		{Name: "eth_main", DisplayName: "Ethereum", ServerURL: "https://eth.example", APIKey: "hk1", IsActive: true},
		{Name: "poly_main", DisplayName: "Polygon", ServerURL: "https://poly.example", APIKey: "hk2", IsActive: true},
	}
	dial := func(serverURL, apiKey string) HandlerAPI {
		return f.handlers[serverURL]
	}
	srv := NewServer(f.store, dial, "service-key", log.Root())
	f.ts = httptest.NewServer(srv.Router())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *serverFixture) request(t *testing.T, method, path string, headers map[string]string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func serviceHeaders() map[string]string {
	return map[string]string{"Api-Key": "service-key"}
}

func customerHeaders() map[string]string {
	return map[string]string{"Customer-Id": "cust-1", "Api-Key": "key-1"}
}

func TestDispatchServiceAuth(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodPost, "/v1/api/private/user/add_customer",
		map[string]string{"Api-Key": "wrong"}, map[string]string{})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDispatchReadiness(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodGet, "/readiness", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body)
}

func TestDispatchAddCustomer(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodPost, "/v1/api/private/user/add_customer", serviceHeaders(),
		map[string]string{"callback_url": "https://shop.example/hooks", "callback_api_key": "cbk"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cust-new", body["customer_id"])
	require.Equal(t, "key-new", body["api_key"])
}

func TestDispatchAddCustomerDuplicateURL(t *testing.T) {
	f := newServerFixture(t)
	f.store.addCustomerErr = ErrDuplicate
	resp, _ := f.request(t, http.MethodPost, "/v1/api/private/user/add_customer", serviceHeaders(),
		map[string]string{"callback_url": "https://shop.example/hooks", "callback_api_key": "cbk"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDispatchUpdateCustomerUnknownURL(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodPost, "/v1/api/private/user/update_customer_by_callback_url", serviceHeaders(),
		map[string]string{"callback_url": "https://nobody.example"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatchAddCallbackDuplicate(t *testing.T) {
	f := newServerFixture(t)
	payload := map[string]interface{}{
		"callback_id": "deposit_42",
		"user_id":     "merchant-7",
		"path":        "/v1/api/private/deposit",
		"json_data":   map[string]string{"tx_hash": "0xaaa"},
	}
	resp, _ := f.request(t, http.MethodPost, "/v1/api/private/callback", serviceHeaders(), payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.request(t, http.MethodPost, "/v1/api/private/callback", serviceHeaders(), payload)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDispatchCustomerAuthRejected(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodGet, "/v1/api/private/get_tx_handlers",
		map[string]string{"Customer-Id": "cust-1", "Api-Key": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDispatchTxHandlers(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodGet, "/v1/api/private/get_tx_handlers", customerHeaders(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body, 2)
	eth := body["eth_main"].(map[string]interface{})
	require.Equal(t, "Ethereum", eth["display_name"])
}

func TestDispatchAddAccountFansOut(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodPost, "/v1/api/private/user/add_account", customerHeaders(),
		map[string]string{"user_id": "merchant-8"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"merchant-8"}, f.handlers["https://eth.example"].addAccountCalls)
	require.Equal(t, []string{"merchant-8"}, f.handlers["https://poly.example"].addAccountCalls)
	require.Equal(t, "cust-1", f.store.users["merchant-8"])
}

func TestDispatchAddAccountRollsBackOnHandlerFailure(t *testing.T) {
	f := newServerFixture(t)
	f.handlers["https://poly.example"].addAccountErr = errors.New("handler down")
	resp, _ := f.request(t, http.MethodPost, "/v1/api/private/user/add_account", customerHeaders(),
		map[string]string{"user_id": "merchant-8"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotContains(t, f.store.users, "merchant-8")
}

func TestDispatchAddAccountDuplicate(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodPost, "/v1/api/private/user/add_account", customerHeaders(),
		map[string]string{"user_id": "merchant-7"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDispatchDepositInfoOmitsFailedHandler(t *testing.T) {
	f := newServerFixture(t)
	f.handlers["https://eth.example"].depositPayload = json.RawMessage(`{"address":"0x11"}`)
	f.handlers["https://poly.example"].depositErr = errors.New("timeout")

	resp, body := f.request(t, http.MethodGet,
		"/v1/api/private/user/get_deposit_info?user_id=merchant-7", customerHeaders(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body, 1)
	eth := body["eth_main"].(map[string]interface{})
	require.Equal(t, "0x11", eth["address"])
}

func TestDispatchDepositInfoUnknownUser(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodGet,
		"/v1/api/private/user/get_deposit_info?user_id=stranger", customerHeaders(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatchWithdrawInfoFilter(t *testing.T) {
	f := newServerFixture(t)
	f.handlers["https://eth.example"].withdrawPayload = json.RawMessage(`{"native":{"name":"ETH"}}`)
	f.handlers["https://poly.example"].withdrawPayload = json.RawMessage(`{"native":{"name":"POL"}}`)

	resp, body := f.request(t, http.MethodGet,
		"/v1/api/private/user/get_withdraw_info?user_id=merchant-7&quote_amount=100&tx_handler=eth_main",
		customerHeaders(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body, 1)
	require.Contains(t, body, "eth_main")
}

func TestDispatchCreateWithdrawalPassThrough(t *testing.T) {
	f := newServerFixture(t)
	eth := f.handlers["https://eth.example"]
	eth.createStatus = http.StatusOK
	eth.createBody = json.RawMessage(`{"withdrawal_id":"w-1"}`)

	resp, body := f.request(t, http.MethodPost, "/v1/api/private/user/create_withdrawal", customerHeaders(),
		map[string]string{
			"user_id":          "merchant-7",
			"tx_handler":       "eth_main",
			"contract_address": "native",
			"address":          "0x2222222222222222222222222222222222222222",
			"quote_amount":     "100",
		})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "w-1", body["withdrawal_id"])

	var forwarded map[string]string
	require.NoError(t, json.Unmarshal(eth.createPayload, &forwarded))
	require.Equal(t, "merchant-7", forwarded["user_id"])
	require.Equal(t, "100", forwarded["quote_amount"])
}

func TestDispatchCreateWithdrawalMirrorsHandlerError(t *testing.T) {
	f := newServerFixture(t)
	eth := f.handlers["https://eth.example"]
	eth.createStatus = http.StatusBadRequest
	eth.createBody = json.RawMessage(`{"error":"amount below coin minimum"}`)

	resp, body := f.request(t, http.MethodPost, "/v1/api/private/user/create_withdrawal", customerHeaders(),
		map[string]string{"user_id": "merchant-7", "tx_handler": "eth_main"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "amount below coin minimum", body["error"])
}

func TestDispatchCreateWithdrawalUnknownHandler(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodPost, "/v1/api/private/user/create_withdrawal", customerHeaders(),
		map[string]string{"user_id": "merchant-7", "tx_handler": "sol_main"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDispatchCreateWithdrawalHandlerUnreachable(t *testing.T) {
	f := newServerFixture(t)
	f.handlers["https://eth.example"].createErr = errors.New("connection refused")
	resp, _ := f.request(t, http.MethodPost, "/v1/api/private/user/create_withdrawal", customerHeaders(),
		map[string]string{"user_id": "merchant-7", "tx_handler": "eth_main"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

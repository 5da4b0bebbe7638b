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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

// ServerStore is the slice of the store the REST surface uses.
type ServerStore interface {
	AddCustomer(ctx context.Context, callbackURL, callbackAPIKey string) (string, string, error)
	UpdateCustomerByCallbackURL(ctx context.Context, callbackURL, callbackAPIKey, apiKey string) (string, error)
	VerifyCustomer(ctx context.Context, customerID, apiKey string) (bool, error)
	VerifyCustomerAndUser(ctx context.Context, customerID, apiKey, userID string) (bool, bool, error)
	AddUser(ctx context.Context, userID, customerID string, fanout func(ctx context.Context) error) error
	Handlers(ctx context.Context) ([]HandlerInfo, error)
	HandlerByName(ctx context.Context, name string) (*HandlerInfo, error)
	AddCallback(ctx context.Context, callbackID, userID, path string, jsonData []byte) error
}

// Server is the customer-facing and handler-facing HTTP surface.
type Server struct {
	store  ServerStore
	dial   HandlerDialer
	apiKey string
	logger log.Logger
}

func NewServer(st ServerStore, dial HandlerDialer, apiKey string, logger log.Logger) *Server {
	return &Server{store: st, dial: dial, apiKey: apiKey, logger: logger}
}

// Router wires the routes. Operator and handler endpoints share the service
// API key; customer endpoints authenticate with per-customer credentials.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/readiness", s.readiness).Methods(http.MethodGet)

	private := r.PathPrefix("/v1/api/private").Subrouter()
	private.Handle("/user/add_customer", s.serviceAuth(s.addCustomer)).Methods(http.MethodPost)
	private.Handle("/user/update_customer_by_callback_url", s.serviceAuth(s.updateCustomer)).Methods(http.MethodPost)
	private.Handle("/callback", s.serviceAuth(s.addCallback)).Methods(http.MethodPost)

	private.Handle("/get_tx_handlers", s.customerAuth(s.txHandlers)).Methods(http.MethodGet)
	private.Handle("/user/add_account", s.customerAuth(s.addAccount)).Methods(http.MethodPost)
	private.Handle("/user/get_deposit_info", s.customerAuth(s.depositInfo)).Methods(http.MethodGet)
	private.Handle("/user/get_withdraw_info", s.customerAuth(s.withdrawInfo)).Methods(http.MethodGet)
	private.Handle("/user/create_withdrawal", s.customerAuth(s.createWithdrawal)).Methods(http.MethodPost)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error("api failure", "op", what, "err", err)
	writeError(w, http.StatusServiceUnavailable, "internal error")
}

func (s *Server) serviceAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Api-Key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "wrong api key")
			return
		}
		next(w, r)
	})
}

// customerAuth resolves the calling customer from the Customer-Id and
// Api-Key headers before handing over.
func (s *Server) customerAuth(next func(w http.ResponseWriter, r *http.Request, customerID string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		customerID := r.Header.Get("Customer-Id")
		apiKey := r.Header.Get("Api-Key")
		if customerID == "" || apiKey == "" {
			writeError(w, http.StatusUnauthorized, "customer credentials required")
			return
		}
		ok, err := s.store.VerifyCustomer(r.Context(), customerID, apiKey)
		if err != nil {
			s.internalError(w, "verify_customer", err)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "wrong customer credentials")
			return
		}
		next(w, r, customerID)
	})
}

// verifyUser confirms the user belongs to the caller. The customer itself is
// already authenticated at this point.
func (s *Server) verifyUser(w http.ResponseWriter, r *http.Request, customerID, userID string) bool {
	_, userOK, err := s.store.VerifyCustomerAndUser(r.Context(), customerID, r.Header.Get("Api-Key"), userID)
	if err != nil {
		s.internalError(w, "verify_user", err)
		return false
	}
	if !userOK {
		writeError(w, http.StatusNotFound, "unknown user")
		return false
	}
	return true
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) addCustomer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallbackURL    string `json:"callback_url"`
		CallbackAPIKey string `json:"callback_api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallbackURL == "" || req.CallbackAPIKey == "" {
		writeError(w, http.StatusBadRequest, "callback_url and callback_api_key required")
		return
	}
	customerID, apiKey, err := s.store.AddCustomer(r.Context(), req.CallbackURL, req.CallbackAPIKey)
	if errors.Is(err, ErrDuplicate) {
		writeError(w, http.StatusConflict, "callback_url already registered")
		return
	}
	if err != nil {
		s.internalError(w, "add_customer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"customer_id": customerID,
		"api_key":     apiKey,
	})
}

func (s *Server) updateCustomer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallbackURL    string `json:"callback_url"`
		CallbackAPIKey string `json:"callback_api_key"`
		APIKey         string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallbackURL == "" {
		writeError(w, http.StatusBadRequest, "callback_url required")
		return
	}
	customerID, err := s.store.UpdateCustomerByCallbackURL(r.Context(), req.CallbackURL, req.CallbackAPIKey, req.APIKey)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown callback_url")
		return
	}
	if err != nil {
		s.internalError(w, "update_customer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"customer_id": customerID})
}

func (s *Server) addCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallbackID string          `json:"callback_id"`
		UserID     string          `json:"user_id"`
		Path       string          `json:"path"`
		JSONData   json.RawMessage `json:"json_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.CallbackID == "" || req.UserID == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "callback_id, user_id and path required")
		return
	}
	err := s.store.AddCallback(r.Context(), req.CallbackID, req.UserID, req.Path, req.JSONData)
	if errors.Is(err, ErrDuplicate) {
		writeError(w, http.StatusConflict, "callback already registered")
		return
	}
	if err != nil {
		s.internalError(w, "add_callback", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) txHandlers(w http.ResponseWriter, r *http.Request, customerID string) {
	handlers, err := s.store.Handlers(r.Context())
	if err != nil {
		s.internalError(w, "get_tx_handlers", err)
		return
	}
	out := make(map[string]map[string]string, len(handlers))
	for _, h := range handlers {
		out[h.Name] = map[string]string{
			"name":         h.Name,
			"display_name": h.DisplayName,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// addAccount creates the user locally and on every handler in one shot. Any
// handler refusing the account rolls the whole registration back.
func (s *Server) addAccount(w http.ResponseWriter, r *http.Request, customerID string) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	handlers, err := s.store.Handlers(r.Context())
	if err != nil {
		s.internalError(w, "add_account", err)
		return
	}
	err = s.store.AddUser(r.Context(), req.UserID, customerID, func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		for _, h := range handlers {
			client := s.dial(h.ServerURL, h.APIKey)
			g.Go(func() error {
				return client.AddAccount(ctx, req.UserID)
			})
		}
		return g.Wait()
	})
	if errors.Is(err, ErrDuplicate) {
		writeError(w, http.StatusConflict, "user already exists")
		return
	}
	if err != nil {
		s.internalError(w, "add_account", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// fanOut queries every handler concurrently and collects the answers that
// arrived. A handler being down hides its networks from the response, it
// never fails the request.
func (s *Server) fanOut(ctx context.Context, handlers []HandlerInfo, query func(ctx context.Context, client HandlerAPI) (json.RawMessage, error)) map[string]json.RawMessage {
	var mu sync.Mutex
	out := make(map[string]json.RawMessage, len(handlers))

	var g errgroup.Group
	for _, h := range handlers {
		h := h
		g.Go(func() error {
			payload, err := query(ctx, s.dial(h.ServerURL, h.APIKey))
			if err != nil {
				s.logger.Warn("handler query failed", "handler", h.Name, "err", err)
				return nil
			}
			mu.Lock()
			out[h.Name] = payload
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

func (s *Server) depositInfo(w http.ResponseWriter, r *http.Request, customerID string) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if !s.verifyUser(w, r, customerID, userID) {
		return
	}
	handlers, err := s.store.Handlers(r.Context())
	if err != nil {
		s.internalError(w, "get_deposit_info", err)
		return
	}
	out := s.fanOut(r.Context(), handlers, func(ctx context.Context, client HandlerAPI) (json.RawMessage, error) {
		return client.DepositInfo(ctx, userID)
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) withdrawInfo(w http.ResponseWriter, r *http.Request, customerID string) {
	userID := r.URL.Query().Get("user_id")
	quoteAmount := r.URL.Query().Get("quote_amount")
	if userID == "" || quoteAmount == "" {
		writeError(w, http.StatusBadRequest, "user_id and quote_amount required")
		return
	}
	if !s.verifyUser(w, r, customerID, userID) {
		return
	}
	handlers, err := s.store.Handlers(r.Context())
	if err != nil {
		s.internalError(w, "get_withdraw_info", err)
		return
	}
	if only := r.URL.Query().Get("tx_handler"); only != "" {
		var filtered []HandlerInfo
		for _, h := range handlers {
			if h.Name == only {
				filtered = append(filtered, h)
			}
		}
		handlers = filtered
	}
	out := s.fanOut(r.Context(), handlers, func(ctx context.Context, client HandlerAPI) (json.RawMessage, error) {
		return client.WithdrawInfo(ctx, userID, quoteAmount)
	})
	writeJSON(w, http.StatusOK, out)
}

// createWithdrawal routes the request to the named handler and relays its
// answer verbatim, status code included.
func (s *Server) createWithdrawal(w http.ResponseWriter, r *http.Request, customerID string) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	var req struct {
		UserID    string `json:"user_id"`
		TxHandler string `json:"tx_handler"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.UserID == "" || req.TxHandler == "" {
		writeError(w, http.StatusBadRequest, "user_id and tx_handler required")
		return
	}
	if !s.verifyUser(w, r, customerID, req.UserID) {
		return
	}
	h, err := s.store.HandlerByName(r.Context(), req.TxHandler)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusBadRequest, "unknown tx_handler")
		return
	}
	if err != nil {
		s.internalError(w, "create_withdrawal", err)
		return
	}
	status, body, err := s.dial(h.ServerURL, h.APIKey).CreateWithdrawal(r.Context(), payload)
	if err != nil {
		s.internalError(w, "create_withdrawal", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

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
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/CryDevOk/crypto-acquiring/config"
	"github.com/CryDevOk/crypto-acquiring/quote"
	"github.com/CryDevOk/crypto-acquiring/store"
	"github.com/CryDevOk/crypto-acquiring/wallet"
)

// APIStore is the slice of the store the REST surface uses.
type APIStore interface {
	ActiveCoins(ctx context.Context) ([]store.Coin, error)
	GetHandledBlocks(ctx context.Context, limit, offset int) ([]store.HandledBlock, error)
	AddAccount(ctx context.Context, userID string, role config.Role, public, private string) (string, error)
	AccountByUserID(ctx context.Context, userID string) (*store.Account, error)
	AddWithdrawal(ctx context.Context, w store.NewWithdrawal) (uuid.UUID, error)
}

// API is the authenticated HTTP surface the dispatcher talks to.
type API struct {
	store  APIStore
	cfg    *config.Config
	logger log.Logger
}

func NewAPI(st APIStore, cfg *config.Config, logger log.Logger) *API {
	return &API{store: st, cfg: cfg, logger: logger}
}

// Router wires the routes behind the Api-Key check.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.auth)
	r.HandleFunc("/readiness", a.readiness).Methods(http.MethodGet)
	r.HandleFunc("/get_handler_info", a.handlerInfo).Methods(http.MethodGet)
	r.HandleFunc("/get_handled_blocks", a.handledBlocks).Methods(http.MethodGet)
	r.HandleFunc("/add_account", a.addAccount).Methods(http.MethodPost)
	r.HandleFunc("/get_deposit_info", a.depositInfo).Methods(http.MethodGet)
	r.HandleFunc("/get_withdraw_info", a.withdrawInfo).Methods(http.MethodGet)
	r.HandleFunc("/create_withdrawal", a.createWithdrawal).Methods(http.MethodPost)
	return r
}

func (a *API) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Api-Key") != a.cfg.HandlerAPIKey {
			writeError(w, http.StatusUnauthorized, "wrong api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) internalError(w http.ResponseWriter, what string, err error) {
	a.logger.Error("api failure", "op", what, "err", err)
	writeError(w, http.StatusServiceUnavailable, "internal error")
}

func (a *API) readiness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{})
}

// coinInfo is the public description of one accepted coin.
type coinInfo struct {
	Name      string `json:"name"`
	Decimal   int    `json:"decimal"`
	MinAmount string `json:"min_amount"`
	IsActive  bool   `json:"is_active"`
}

func (a *API) coinMap(ctx context.Context) (map[string]coinInfo, error) {
	coins, err := a.store.ActiveCoins(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]coinInfo, len(coins))
	for _, c := range coins {
		out[c.ContractAddress] = coinInfo{
			Name:      c.Name,
			Decimal:   c.Decimals,
			MinAmount: c.MinAmount.String(),
			IsActive:  c.IsActive,
		}
	}
	return out, nil
}

func (a *API) handlerInfo(w http.ResponseWriter, r *http.Request) {
	coins, err := a.coinMap(r.Context())
	if err != nil {
		a.internalError(w, "get_handler_info", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":         a.cfg.HandlerName,
		"display_name": a.cfg.HandlerDisplay,
		"coins":        coins,
	})
}

func (a *API) handledBlocks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "wrong limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "wrong offset")
		return
	}
	blocks, err := a.store.GetHandledBlocks(r.Context(), limit, offset)
	if err != nil {
		a.internalError(w, "get_handled_blocks", err)
		return
	}
	if blocks == nil {
		blocks = []store.HandledBlock{}
	}
	writeJSON(w, http.StatusOK, blocks)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return n, nil
}

func (a *API) addAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	pair, err := wallet.CreatePair()
	if err != nil {
		a.internalError(w, "add_account", err)
		return
	}
	address, err := a.store.AddAccount(r.Context(), req.UserID, config.RoleUser, pair.Address, pair.Private)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusBadRequest, "user already exists")
		return
	}
	if err != nil {
		a.internalError(w, "add_account", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": address})
}

func (a *API) depositInfo(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	account, err := a.store.AccountByUserID(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "unknown user")
		return
	}
	if err != nil {
		a.internalError(w, "get_deposit_info", err)
		return
	}
	coins, err := a.coinMap(r.Context())
	if err != nil {
		a.internalError(w, "get_deposit_info", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":      account.Public,
		"display_name": a.cfg.HandlerDisplay,
		"coins":        coins,
	})
}

// withdrawCoinInfo quotes one coin for a prospective withdrawal.
type withdrawCoinInfo struct {
	Name            string `json:"name"`
	CurrentRate     string `json:"current_rate"`
	EstimatedAmount string `json:"estimated_amount"`
	MinQuoteAmount  string `json:"min_quote_amount"`
	FeeQuoteAmount  string `json:"fee_quote_amount"`
	IsActive        bool   `json:"is_active"`
}

func (a *API) withdrawInfo(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	quoteAmount, err := decimal.NewFromString(r.URL.Query().Get("quote_amount"))
	if err != nil || quoteAmount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "wrong quote_amount")
		return
	}
	if _, err := a.store.AccountByUserID(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown user")
			return
		}
		a.internalError(w, "get_withdraw_info", err)
		return
	}

	coins, err := a.store.ActiveCoins(r.Context())
	if err != nil {
		a.internalError(w, "get_withdraw_info", err)
		return
	}
	out := make(map[string]withdrawCoinInfo, len(coins))
	for _, c := range coins {
		if !c.HasRate || c.CurrentRate.Sign() <= 0 {
			continue
		}
		places := quote.RoundPlaces(c.CurrentRate)
		amount := quote.QuoteToAmount(quoteAmount, c.CurrentRate, c.Decimals, config.QuoteDecimalFactor)
		out[c.ContractAddress] = withdrawCoinInfo{
			Name:            c.Name,
			CurrentRate:     quote.RateToDisplay(c.CurrentRate, places),
			EstimatedAmount: amount.String(),
			MinQuoteAmount:  quote.AmountToQuote(c.MinAmount, c.CurrentRate, c.Decimals).StringFixed(displayPlaces),
			FeeQuoteAmount:  quote.AmountToQuote(c.FeeAmount, c.CurrentRate, c.Decimals).StringFixed(displayPlaces),
			IsActive:        c.IsActive,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID          string `json:"user_id"`
		ContractAddress string `json:"contract_address"`
		Address         string `json:"address"`
		QuoteAmount     string `json:"quote_amount"`
		UserCurrency    string `json:"user_currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.UserID == "" || req.ContractAddress == "" {
		writeError(w, http.StatusBadRequest, "user_id and contract_address required")
		return
	}
	if !wallet.IsValidAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "wrong withdrawal address")
		return
	}
	quoteAmount, err := decimal.NewFromString(req.QuoteAmount)
	if err != nil || quoteAmount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "wrong quote_amount")
		return
	}

	if _, err := a.store.AccountByUserID(r.Context(), req.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown user")
			return
		}
		a.internalError(w, "create_withdrawal", err)
		return
	}

	coins, err := a.store.ActiveCoins(r.Context())
	if err != nil {
		a.internalError(w, "create_withdrawal", err)
		return
	}
	var coin *store.Coin
	for i := range coins {
		if coins[i].ContractAddress == req.ContractAddress {
			coin = &coins[i]
			break
		}
	}
	if coin == nil {
		writeError(w, http.StatusBadRequest, "unknown coin")
		return
	}
	if !coin.HasRate || coin.CurrentRate.Sign() <= 0 {
		a.internalError(w, "create_withdrawal", errors.New("no current rate for coin"))
		return
	}

	amount := quote.QuoteToAmount(quoteAmount, coin.CurrentRate, coin.Decimals, config.QuoteDecimalFactor)
	if amount.Cmp(coin.MinAmount) < 0 {
		writeError(w, http.StatusBadRequest, "amount below coin minimum")
		return
	}

	id, err := a.store.AddWithdrawal(r.Context(), store.NewWithdrawal{
		UserID:          req.UserID,
		ContractAddress: req.ContractAddress,
		Address:         req.Address,
		Amount:          amount,
		QuoteAmount:     quoteAmount,
		UserCurrency:    req.UserCurrency,
	})
	if err != nil {
		a.internalError(w, "create_withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"withdrawal_id": id.String()})
}

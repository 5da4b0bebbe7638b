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

// Package rates fetches spot prices from public exchange tickers. Sources
// are tried in order, so one exchange being down does not stall the rate
// refresher.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source answers one pair from one exchange.
type Source interface {
	Name() string
	Rate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// Client merges several sources with ordered fallback.
type Client struct {
	sources []Source
}

func New(sources ...Source) *Client {
	return &Client{sources: sources}
}

// NewDefault wires the production source order.
func NewDefault() *Client {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	return New(
		&Binance{HTTP: httpClient},
		&Bybit{HTTP: httpClient},
	)
}

// Rate returns the first successful answer. When every source fails the
// errors come back joined.
func (c *Client) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	if len(c.sources) == 0 {
		return decimal.Zero, errors.New("rates: no sources configured")
	}
	var errs []error
	for _, src := range c.sources {
		rate, err := src.Rate(ctx, base, quote)
		if err == nil {
			return rate, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}
	return decimal.Zero, errors.Join(errs...)
}

// Rates fetches every base against the quote. Failed pairs land in the
// second map; callers keep their previous value for those.
func (c *Client) Rates(ctx context.Context, bases []string, quote string) (map[string]decimal.Decimal, map[string]error) {
	out := make(map[string]decimal.Decimal, len(bases))
	failed := make(map[string]error)
	for _, base := range bases {
		rate, err := c.Rate(ctx, base, quote)
		if err != nil {
			failed[base] = err
			continue
		}
		out[base] = rate
	}
	return out, failed
}

// Binance uses the public spot ticker, no API key required.
type Binance struct {
	BaseURL string
	HTTP    *http.Client
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	baseURL := b.BaseURL
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	symbol := strings.ToUpper(base + quote)
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	endpoint := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", baseURL, url.QueryEscape(symbol))
	if err := getJSON(ctx, b.HTTP, endpoint, &resp); err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad price %q for %s: %w", resp.Price, symbol, err)
	}
	if rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive price for %s", symbol)
	}
	return rate, nil
}

// Bybit uses the v5 spot tickers endpoint.
type Bybit struct {
	BaseURL string
	HTTP    *http.Client
}

func (b *Bybit) Name() string { return "bybit" }

func (b *Bybit) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	baseURL := b.BaseURL
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
	}
	symbol := strings.ToUpper(base + quote)
	var resp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol    string `json:"symbol"`
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	endpoint := fmt.Sprintf("%s/v5/market/tickers?category=spot&symbol=%s", baseURL, url.QueryEscape(symbol))
	if err := getJSON(ctx, b.HTTP, endpoint, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.RetCode != 0 {
		return decimal.Zero, fmt.Errorf("bybit error %d: %s", resp.RetCode, resp.RetMsg)
	}
	if len(resp.Result.List) == 0 {
		return decimal.Zero, fmt.Errorf("no ticker for %s", symbol)
	}
	rate, err := decimal.NewFromString(resp.Result.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad price %q for %s: %w", resp.Result.List[0].LastPrice, symbol, err)
	}
	if rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive price for %s", symbol)
	}
	return rate, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out interface{}) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

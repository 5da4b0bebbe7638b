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

// Package config holds the environment driven configuration shared by the
// handler and dispatcher processes.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Role partitions accounts by their duty. USER addresses receive deposits,
// SADMIN hot wallets hold swept funds and source withdrawals, APPROVE
// spenders only pay for token sweep approvals.
type Role int

const (
	RoleUser    Role = 10
	RoleApprove Role = 11
	RoleAdmin   Role = 12
)

// Native is the reserved coin contract address denoting the chain's base asset.
const Native = "native"

// StartBlockLatest marks PROC_HANDLER_START_BLOCK=latest.
const StartBlockLatest = int64(-1)

const (
	AdminAccounts   = 1
	ApproveAccounts = 4

	AllowedSlippage = 2
	BlockOffset     = 10

	WritePoolSize = 10
	ReadPoolSize  = 10

	QuoteCoin          = "USDT"
	QuoteDecimalFactor = 1

	// NativeWarningThreshold is the number of transactions a hot wallet should
	// still be able to pay for before its balance is reported as low.
	NativeWarningThreshold = 10
)

// CoinSpec is one entry of PROC_HANDLER_COINS
// (name|decimals|min_amount|fee_amount|contract_address, comma separated).
type CoinSpec struct {
	Name            string
	Decimals        int
	MinAmount       string // integer base units
	FeeAmount       string
	ContractAddress string
}

// ProviderCred is one upstream RPC endpoint with its API key.
type ProviderCred struct {
	URL    string
	APIKey string
}

// Config is the parsed process environment.
type Config struct {
	AppPath string
	LogPath string

	HandlerName    string
	HandlerDisplay string
	AdminSeed      string

	WriteDSN    string
	ReadDSN     string
	DBSecretKey []byte // 32 bytes

	Providers  []ProviderCred
	ScannerURL string

	Coins []CoinSpec

	NetworkName string
	NetworkID   int64
	StartBlock  int64 // StartBlockLatest or an absolute block number

	HandlerAPIKey string
	HandlerListen string

	ProcURL    string
	ProcAPIKey string
	ProcListen string
}

// FromEnv reads and validates the handler configuration. Any violation is an
// error; the caller is expected to treat it as fatal.
func FromEnv() (*Config, error) {
	cfg := &Config{
		AppPath:        strings.TrimRight(envDefault("APP_PATH", "/app"), "/"),
		HandlerName:    os.Getenv("PROC_HANDLER_NAME"),
		HandlerDisplay: os.Getenv("PROC_HANDLER_DISPLAY"),
		AdminSeed:      os.Getenv("PROC_HANDLER_ADMIN_SEED"),
		WriteDSN:       os.Getenv("PROC_HANDLER_WRITE_DSN"),
		ReadDSN:        os.Getenv("PROC_HANDLER_READ_DSN"),
		ScannerURL:     os.Getenv("PROC_HANDLER_SCANNER_URL"),
		NetworkName:    os.Getenv("PROC_HANDLER_NETWORK_NAME"),
		HandlerAPIKey:  os.Getenv("PROC_HANDLER_API_KEY"),
		HandlerListen:  envDefault("PROC_HANDLER_LISTEN", ":8080"),
		ProcURL:        os.Getenv("PROC_URL"),
		ProcAPIKey:     os.Getenv("PROC_API_KEY"),
		ProcListen:     envDefault("PROC_LISTEN", ":8081"),
	}
	cfg.LogPath = cfg.AppPath + "/logs"

	if cfg.HandlerName == "" {
		return nil, fmt.Errorf("PROC_HANDLER_NAME must be set")
	}
	if cfg.NetworkName == "" {
		return nil, fmt.Errorf("PROC_HANDLER_NETWORK_NAME must be set")
	}
	if !validURL(cfg.ScannerURL) {
		return nil, fmt.Errorf("PROC_HANDLER_SCANNER_URL must be a valid URL")
	}

	secret := os.Getenv("PROC_HANDLER_DB_SECRET_KEY")
	if len(secret) != 32 {
		return nil, fmt.Errorf("PROC_HANDLER_DB_SECRET_KEY must be 32 bytes, got %d", len(secret))
	}
	cfg.DBSecretKey = []byte(secret)

	id, err := strconv.ParseInt(os.Getenv("PROC_HANDLER_NETWORK_ID"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("PROC_HANDLER_NETWORK_ID must be an integer: %v", err)
	}
	cfg.NetworkID = id

	cfg.StartBlock, err = ParseStartBlock(envDefault("PROC_HANDLER_START_BLOCK", "latest"))
	if err != nil {
		return nil, err
	}

	cfg.Providers, err = ParseProviders(os.Getenv("PROC_HANDLER_PROVIDER_URL"),
		os.Getenv("PROC_HANDLER_PROVIDER_API_KEYS"))
	if err != nil {
		return nil, err
	}

	cfg.Coins, err = ParseCoins(os.Getenv("PROC_HANDLER_COINS"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseStartBlock accepts "latest" or a non-negative integer.
func ParseStartBlock(s string) (int64, error) {
	if s == "latest" {
		return StartBlockLatest, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("PROC_HANDLER_START_BLOCK must be an integer or 'latest', got %q", s)
	}
	return n, nil
}

// ParseProviders pairs the comma separated base URLs with the matching comma
// separated API key groups. Keys within one group are separated by '|'; each
// (url, key) pair becomes its own provider.
func ParseProviders(urls, keys string) ([]ProviderCred, error) {
	if urls == "" {
		return nil, fmt.Errorf("PROC_HANDLER_PROVIDER_URL must be set")
	}
	urlList := strings.Split(urls, ",")
	keyGroups := strings.Split(keys, ",")

	var creds []ProviderCred
	for i, u := range urlList {
		u = strings.TrimSpace(u)
		if !validURL(u) {
			return nil, fmt.Errorf("PROC_HANDLER_PROVIDER_URL entry %q is not a valid URL", u)
		}
		group := ""
		if i < len(keyGroups) {
			group = keyGroups[i]
		}
		if group == "" {
			creds = append(creds, ProviderCred{URL: u})
			continue
		}
		for _, k := range strings.Split(group, "|") {
			creds = append(creds, ProviderCred{URL: u, APIKey: strings.TrimSpace(k)})
		}
	}
	return creds, nil
}

// ParseCoins parses PROC_HANDLER_COINS. The reserved "native" address is
// allowed as an entry; duplicates and non-positive decimals/min amounts are
// rejected.
func ParseCoins(s string) ([]CoinSpec, error) {
	if s == "" {
		return nil, fmt.Errorf("PROC_HANDLER_COINS must be set")
	}
	var coins []CoinSpec
	seen := make(map[string]bool)
	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(entry, "|")
		if len(parts) != 5 {
			return nil, fmt.Errorf("malformed coin entry %q", entry)
		}
		dec, err := strconv.Atoi(parts[1])
		if err != nil || dec <= 0 {
			return nil, fmt.Errorf("coin %s: wrong decimals %q", parts[0], parts[1])
		}
		min, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || min <= 0 {
			return nil, fmt.Errorf("coin %s: wrong min_amount %q", parts[0], parts[2])
		}
		fee, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil || fee < 0 {
			return nil, fmt.Errorf("coin %s: wrong fee_amount %q", parts[0], parts[3])
		}
		addr := strings.TrimSpace(parts[4])
		if addr == "" {
			return nil, fmt.Errorf("coin %s: empty address", parts[0])
		}
		if seen[addr] {
			return nil, fmt.Errorf("coin %s already exists", addr)
		}
		seen[addr] = true
		coins = append(coins, CoinSpec{
			Name:            parts[0],
			Decimals:        dec,
			MinAmount:       strconv.FormatInt(min, 10),
			FeeAmount:       strconv.FormatInt(fee, 10),
			ContractAddress: addr,
		})
	}
	return coins, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

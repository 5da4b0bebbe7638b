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

package config

import (
	"fmt"
	"os"
	"strings"
)

// HandlerCred points the dispatcher at one network handler.
type HandlerCred struct {
	URL    string
	APIKey string
}

// DispatchConfig is the dispatcher process environment.
type DispatchConfig struct {
	AppPath string
	LogPath string

	WriteDSN    string
	ReadDSN     string
	DBSecretKey []byte // 32 bytes

	APIKey string
	Listen string

	Handlers []HandlerCred
}

// DispatchFromEnv reads and validates the dispatcher configuration.
func DispatchFromEnv() (*DispatchConfig, error) {
	cfg := &DispatchConfig{
		AppPath:  strings.TrimRight(envDefault("APP_PATH", "/app"), "/"),
		WriteDSN: os.Getenv("PROC_API_WRITE_DSN"),
		ReadDSN:  os.Getenv("PROC_API_READ_DSN"),
		APIKey:   os.Getenv("PROC_API_KEY"),
		Listen:   envDefault("PROC_LISTEN", ":8081"),
	}
	cfg.LogPath = cfg.AppPath + "/logs"

	if cfg.WriteDSN == "" || cfg.ReadDSN == "" {
		return nil, fmt.Errorf("PROC_API_WRITE_DSN and PROC_API_READ_DSN must be set")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("PROC_API_KEY must be set")
	}

	secret := os.Getenv("PROC_DB_SECRET_KEY")
	if len(secret) != 32 {
		return nil, fmt.Errorf("PROC_DB_SECRET_KEY must be 32 bytes, got %d", len(secret))
	}
	cfg.DBSecretKey = []byte(secret)

	var err error
	cfg.Handlers, err = ParseHandlerCreds(os.Getenv("PROC_HANDLER_URLS"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseHandlerCreds parses PROC_HANDLER_URLS, a comma separated list of
// url|api_key pairs.
func ParseHandlerCreds(s string) ([]HandlerCred, error) {
	if s == "" {
		return nil, fmt.Errorf("PROC_HANDLER_URLS must be set")
	}
	var creds []HandlerCred
	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(entry), "|")
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed handler entry %q, want url|api_key", entry)
		}
		if !validURL(parts[0]) {
			return nil, fmt.Errorf("handler entry %q is not a valid URL", parts[0])
		}
		creds = append(creds, HandlerCred{URL: parts[0], APIKey: parts[1]})
	}
	return creds, nil
}

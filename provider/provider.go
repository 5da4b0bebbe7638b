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

// Package provider maintains the set of upstream RPC endpoints. Providers are
// disposable per request: the pool hands out a live one uniformly at random
// and records per endpoint telemetry for the explorer job.
package provider

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

// ErrNoProviderAvailable means every endpoint is currently disabled.
var ErrNoProviderAvailable = errors.New("provider: no provider available")

// Provider is one upstream endpoint with its API key.
type Provider struct {
	Name   string
	URL    string
	APIKey string

	pool    *Pool
	enabled bool
}

// Record feeds one finished request into the pool telemetry.
func (p *Provider) Record(status int) {
	p.pool.telemetry.record(p.Name, status)
	metrics.GetOrRegisterMeter(fmt.Sprintf("provider/%s/requests", p.Name), nil).Mark(1)
	if status >= 400 || status == 0 {
		metrics.GetOrRegisterCounter(fmt.Sprintf("provider/%s/failures", p.Name), nil).Inc(1)
	}
}

// Cred is the static description of one endpoint.
type Cred struct {
	URL    string
	APIKey string
}

// Pool selects among enabled providers.
type Pool struct {
	mu        sync.Mutex
	providers []*Provider
	rng       *rand.Rand
	telemetry *Telemetry
}

// NewPool builds the pool. Endpoint names are host#index so telemetry stays
// readable when one host carries several keys.
func NewPool(creds []Cred) (*Pool, error) {
	if len(creds) == 0 {
		return nil, errors.New("provider: empty provider set")
	}
	p := &Pool{
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		telemetry: NewTelemetry(telemetryWindow),
	}
	for i, c := range creds {
		host := c.URL
		if u, err := url.Parse(c.URL); err == nil && u.Host != "" {
			host = u.Host
		}
		p.providers = append(p.providers, &Provider{
			Name:    fmt.Sprintf("%s#%d", host, i),
			URL:     c.URL,
			APIKey:  c.APIKey,
			pool:    p,
			enabled: true,
		})
	}
	return p, nil
}

// Get returns a live provider, never blocking.
func (p *Pool) Get() (*Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := make([]*Provider, 0, len(p.providers))
	for _, pr := range p.providers {
		if pr.enabled {
			live = append(live, pr)
		}
	}
	if len(live) == 0 {
		return nil, ErrNoProviderAvailable
	}
	return live[p.rng.Intn(len(live))], nil
}

// SetEnabled flips one endpoint; a disabled provider is skipped by Get until
// re-enabled.
func (p *Pool) SetEnabled(name string, enabled bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.providers {
		if pr.Name == name {
			pr.enabled = enabled
			return true
		}
	}
	return false
}

// Telemetry exposes the shared request log.
func (p *Pool) Telemetry() *Telemetry { return p.telemetry }

// Names lists all endpoints regardless of state.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.providers))
	for i, pr := range p.providers {
		names[i] = pr.Name
	}
	return names
}

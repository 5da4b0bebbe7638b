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

package provider

import (
	"sync"
	"time"
)

// telemetryWindow bounds how much request history is retained. The explorer
// job asks for at most its own interval, 120s.
const telemetryWindow = 15 * time.Minute

type requestEvent struct {
	at       time.Time
	provider string
	status   int
}

// Telemetry is the bounded time windowed request log, guarded by a mutex.
type Telemetry struct {
	mu     sync.Mutex
	window time.Duration
	events []requestEvent
	now    func() time.Time
}

func NewTelemetry(window time.Duration) *Telemetry {
	return &Telemetry{window: window, now: time.Now}
}

func (t *Telemetry) record(provider string, status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, requestEvent{at: t.now(), provider: provider, status: status})
	t.trim()
}

// trim drops events older than the retention window. Callers hold mu.
func (t *Telemetry) trim() {
	cutoff := t.now().Add(-t.window)
	drop := 0
	for drop < len(t.events) && t.events[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		t.events = append(t.events[:0], t.events[drop:]...)
	}
}

// RPS is the request rate over the trailing window.
func (t *Telemetry) RPS(window time.Duration) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	cutoff := t.now().Add(-window)
	for _, ev := range t.events {
		if !ev.at.Before(cutoff) {
			n++
		}
	}
	if window <= 0 {
		return 0
	}
	return float64(n) / window.Seconds()
}

// StatusBreakdown is requests per provider per HTTP status over the trailing
// window. Status 0 stands for a transport level failure.
func (t *Telemetry) StatusBreakdown(window time.Duration) map[string]map[int]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]map[int]int)
	cutoff := t.now().Add(-window)
	for _, ev := range t.events {
		if ev.at.Before(cutoff) {
			continue
		}
		byStatus := out[ev.provider]
		if byStatus == nil {
			byStatus = make(map[int]int)
			out[ev.provider] = byStatus
		}
		byStatus[ev.status]++
	}
	return out
}

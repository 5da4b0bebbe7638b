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

// Package sched runs named background jobs on independent loops. A job
// never overlaps itself: the next tick waits for the previous run to
// finish, then sleeps the current interval. Interval zero means run
// back to back, which is how the scanner catches up after falling behind.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Func is one job body. Errors are logged and the loop keeps going.
type Func func(ctx context.Context) error

// Job is a handle for adjusting a running loop.
type Job struct {
	name     string
	interval atomic.Int64
	fn       Func
	runs     atomic.Int64
}

// Name identifies the job in logs.
func (j *Job) Name() string { return j.name }

// Interval is the current sleep between runs.
func (j *Job) Interval() time.Duration { return time.Duration(j.interval.Load()) }

// SetInterval takes effect after the run in flight completes.
func (j *Job) SetInterval(d time.Duration) { j.interval.Store(int64(d)) }

// Runs counts completed executions.
func (j *Job) Runs() int64 { return j.runs.Load() }

// Scheduler owns the loops. Add everything first, then Start once.
type Scheduler struct {
	logger log.Logger
	mu     sync.Mutex
	jobs   []*Job
	wg     sync.WaitGroup
}

func New(logger log.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Add registers a job. Calling Add after Start is a programming error.
func (s *Scheduler) Add(name string, interval time.Duration, fn Func) *Job {
	j := &Job{name: name, fn: fn}
	j.interval.Store(int64(interval))
	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
	return j
}

// Start launches every loop. Each job runs immediately, then at its
// interval, until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()
	for _, j := range jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

// Wait blocks until every loop has exited after ctx cancellation.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, j *Job) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		s.runOne(ctx, j)
		j.runs.Add(1)

		interval := j.Interval()
		if interval <= 0 {
			// Catch-up mode still has to observe cancellation.
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, j *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", j.name, "panic", r)
		}
	}()
	if err := j.fn(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("job failed", "job", j.name, "err", err)
	}
}

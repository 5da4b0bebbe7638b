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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

type fakeWorkerStore struct {
	mu        sync.Mutex
	pending   []PendingCallback
	delivered []int64
	postponed []int64
	periods   []int
}

func (f *fakeWorkerStore) GetAndLockCallbacks(ctx context.Context, limit int) ([]PendingCallback, error) {
	return f.pending, nil
}

func (f *fakeWorkerStore) CallbackDelivered(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeWorkerStore) PostponeCallback(ctx context.Context, id int64, period int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postponed = append(f.postponed, id)
	f.periods = append(f.periods, period)
	return nil
}

type fakeDeliverer struct {
	mu   sync.Mutex
	errs map[int64]error
	seen []int64
}

func (f *fakeDeliverer) Deliver(ctx context.Context, cb PendingCallback) error {
	f.mu.Lock()
	f.seen = append(f.seen, cb.ID)
	f.mu.Unlock()
	return f.errs[cb.ID]
}

func pendingCallback(id int64) PendingCallback {
	return PendingCallback{
		ID:             id,
		CallbackID:     "deposit_42",
		Path:           "/v1/api/private/deposit",
		JSONData:       []byte(`{"tx_hash":"0xaaa"}`),
		Period:         60,
		CallbackURL:    "https://shop.example/hooks",
		CallbackAPIKey: "cbk",
	}
}

func TestWorkerDeliveredFinalizes(t *testing.T) {
	st := &fakeWorkerStore{pending: []PendingCallback{pendingCallback(1)}}
	d := &fakeDeliverer{}
	w := NewWorker(st, d, log.Root())

	require.NoError(t, w.Tick(context.Background()))
	require.Equal(t, []int64{1}, st.delivered)
	require.Empty(t, st.postponed)
}

func TestWorkerDuplicateFinalizes(t *testing.T) {
	st := &fakeWorkerStore{pending: []PendingCallback{pendingCallback(1)}}
	d := &fakeDeliverer{errs: map[int64]error{1: ErrCallbackKnown}}
	w := NewWorker(st, d, log.Root())

	require.NoError(t, w.Tick(context.Background()))
	require.Equal(t, []int64{1}, st.delivered)
	require.Empty(t, st.postponed)
}

func TestWorkerFailurePostpones(t *testing.T) {
	st := &fakeWorkerStore{pending: []PendingCallback{pendingCallback(1)}}
	d := &fakeDeliverer{errs: map[int64]error{1: errors.New("customer down")}}
	w := NewWorker(st, d, log.Root())

	require.NoError(t, w.Tick(context.Background()))
	require.Empty(t, st.delivered)
	require.Equal(t, []int64{1}, st.postponed)
	require.Equal(t, []int{60}, st.periods)
}

func TestWorkerMixedBatch(t *testing.T) {
	st := &fakeWorkerStore{pending: []PendingCallback{
		pendingCallback(1), pendingCallback(2), pendingCallback(3),
	}}
	d := &fakeDeliverer{errs: map[int64]error{
		2: errors.New("customer down"),
		3: ErrCallbackKnown,
	}}
	w := NewWorker(st, d, log.Root())

	require.NoError(t, w.Tick(context.Background()))
	require.ElementsMatch(t, []int64{1, 3}, st.delivered)
	require.Equal(t, []int64{2}, st.postponed)
	require.Len(t, d.seen, 3)
}

func TestCallbackClientDelivers(t *testing.T) {
	var gotKey, gotPath string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Api-Key")
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cb := pendingCallback(1)
	cb.CallbackURL = ts.URL
	require.NoError(t, NewCallbackClient().Deliver(context.Background(), cb))
	require.Equal(t, "cbk", gotKey)
	require.Equal(t, "/v1/api/private/deposit", gotPath)
	require.JSONEq(t, `{"tx_hash":"0xaaa"}`, string(gotBody))
}

func TestCallbackClientConflictIsKnown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	cb := pendingCallback(1)
	cb.CallbackURL = ts.URL
	err := NewCallbackClient().Deliver(context.Background(), cb)
	require.ErrorIs(t, err, ErrCallbackKnown)
}

func TestCallbackClientServerErrorFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	cb := pendingCallback(1)
	cb.CallbackURL = ts.URL
	err := NewCallbackClient().Deliver(context.Background(), cb)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrCallbackKnown)
}

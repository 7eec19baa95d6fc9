package httpdispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/dispatcher"
	"github.com/dsconnector/connector/statemachine"
	"github.com/dsconnector/connector/store"
)

type receiverFunc func(ctx context.Context, msg dispatcher.Message) (dispatcher.Response, error)

func (f receiverFunc) Handle(ctx context.Context, msg dispatcher.Message) (dispatcher.Response, error) {
	return f(ctx, msg)
}

func TestRoundTrip(t *testing.T) {
	var lk sync.Mutex
	var got []dispatcher.Message
	recv := receiverFunc(func(_ context.Context, msg dispatcher.Message) (dispatcher.Response, error) {
		lk.Lock()
		got = append(got, msg)
		lk.Unlock()
		return dispatcher.Response{ProcessID: "remote-" + msg.ProcessID}, nil
	})

	r := mux.NewRouter()
	Mount(r, recv, recv, "s3cret")
	srv := httptest.NewServer(r)
	defer srv.Close()

	d := New(Options{AuthToken: "s3cret", Timeout: time.Second})
	res := d.Dispatch(context.Background(), dispatcher.Message{
		Type:                dispatcher.TransferRequest,
		ProcessID:           "tp-1",
		CounterPartyAddress: srv.URL,
	}).Val(context.Background())

	require.True(t, res.Succeeded(), res.Failure)
	require.Equal(t, "remote-tp-1", res.Content.ProcessID)
	require.Len(t, got, 1)
	require.Equal(t, dispatcher.TransferRequest, got[0].Type)
}

func TestHandlerStatuses(t *testing.T) {
	var lk sync.Mutex
	var failWith error
	recv := receiverFunc(func(context.Context, dispatcher.Message) (dispatcher.Response, error) {
		lk.Lock()
		defer lk.Unlock()
		return dispatcher.Response{}, failWith
	})

	r := mux.NewRouter()
	Mount(r, recv, recv, "")
	srv := httptest.NewServer(r)
	defer srv.Close()

	d := New(Options{Timeout: time.Second, Attempts: 1})
	send := func(typ dispatcher.MessageType) dispatcher.Result {
		return d.Dispatch(context.Background(), dispatcher.Message{
			Type:                typ,
			ProcessID:           "p",
			CorrelationID:       "c",
			CounterPartyAddress: srv.URL,
		}).Val(context.Background())
	}

	for _, tc := range []struct {
		err   error
		fatal bool
	}{
		{err: xerrors.Errorf("bad: %w", dispatcher.ErrMalformed), fatal: true},
		{err: xerrors.Errorf("gone: %w", store.ErrNotFound), fatal: true},
		{err: xerrors.Errorf("ended: %w", store.ErrConflict), fatal: true},
		{err: &store.LeaseConflictError{EntityID: "c", LeasedBy: "other"}, fatal: false},
		{err: xerrors.New("db down"), fatal: false},
	} {
		lk.Lock()
		failWith = tc.err
		lk.Unlock()
		res := send(dispatcher.TransferCompletion)
		require.False(t, res.Succeeded(), tc.err)
		require.Equal(t, tc.fatal, res.Status == statemachine.StatusFatalError, tc.err)
	}

	// a negotiation message posted to the transfer collection
	resp, err := http.Post(srv.URL+"/transfers/request", "application/json", strings.NewReader(`{"type":"ContractRequestMessage"}`))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerRequiresToken(t *testing.T) {
	r := mux.NewRouter()
	Mount(r, nil, nil, "s3cret")
	srv := httptest.NewServer(r)
	defer srv.Close()

	res := New(Options{Timeout: time.Second}).Dispatch(context.Background(), dispatcher.Message{
		Type:                dispatcher.ContractRequest,
		ProcessID:           "n",
		CounterPartyAddress: srv.URL,
	}).Val(context.Background())
	require.Equal(t, statemachine.StatusFatalError, res.Status)
	var rejected *RejectedError
	require.True(t, xerrors.As(res.Failure, &rejected))
	require.Equal(t, http.StatusUnauthorized, rejected.Status)
}

package httpdispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/dispatcher"
	"github.com/dsconnector/connector/statemachine"
)

func wait(t *testing.T, d *Dispatcher, msg dispatcher.Message) dispatcher.Result {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := d.Dispatch(ctx, msg)
	select {
	case <-p.Done():
	case <-ctx.Done():
		t.Fatal("dispatch did not complete")
	}
	return p.Val(ctx)
}

func TestEndpoint(t *testing.T) {
	cases := []struct {
		msg  dispatcher.Message
		want string
	}{
		{dispatcher.Message{Type: dispatcher.ContractRequest, CounterPartyAddress: "http://p/api/dsp"}, "http://p/api/dsp/negotiations/request"},
		{dispatcher.Message{Type: dispatcher.ContractRequest, CounterPartyAddress: "http://p/api/dsp/", CorrelationID: "c1"}, "http://p/api/dsp/negotiations/c1/request"},
		{dispatcher.Message{Type: dispatcher.ContractAgreementVerification, CounterPartyAddress: "http://p", CorrelationID: "a b"}, "http://p/negotiations/a%20b/agreement/verification"},
		{dispatcher.Message{Type: dispatcher.TransferStart, CounterPartyAddress: "https://c:8443/dsp", CorrelationID: "t"}, "https://c:8443/dsp/transfers/t/start"},
	}
	for _, tc := range cases {
		got, err := endpoint(tc.msg)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := endpoint(dispatcher.Message{Type: "Nope", CounterPartyAddress: "http://p"})
	require.Error(t, err)
	_, err = endpoint(dispatcher.Message{Type: dispatcher.ContractOffer})
	require.Error(t, err)
}

func TestDispatchSuccess(t *testing.T) {
	var got dispatcher.Message
	var path, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, auth = r.URL.Path, r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(dispatcher.Response{ProcessID: "provider-1"})
	}))
	defer srv.Close()

	d := New(Options{AuthToken: "secret"})
	res := wait(t, d, dispatcher.Message{
		Type:                dispatcher.ContractRequest,
		ProcessID:           "consumer-1",
		Body:                json.RawMessage(`{"offer":"o1"}`),
		CounterPartyAddress: srv.URL,
	})

	require.True(t, res.Succeeded())
	require.Equal(t, "provider-1", res.Content.ProcessID)
	require.Equal(t, "/negotiations/request", path)
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, "consumer-1", got.ProcessID)
	require.JSONEq(t, `{"offer":"o1"}`, string(got.Body))
}

func TestDispatchRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Options{Attempts: 3, RetryWait: time.Millisecond})
	res := wait(t, d, dispatcher.Message{Type: dispatcher.TransferStart, CorrelationID: "t1", CounterPartyAddress: srv.URL})
	require.True(t, res.Succeeded())
	require.EqualValues(t, 3, calls.Load())

	calls.Store(0)
	d = New(Options{Attempts: 2, RetryWait: time.Millisecond})
	res = wait(t, d, dispatcher.Message{Type: dispatcher.TransferStart, CorrelationID: "t1", CounterPartyAddress: srv.URL})
	require.Equal(t, statemachine.StatusErrorRetry, res.Status)
	var te *TransportError
	require.True(t, xerrors.As(res.Failure, &te))
	require.Equal(t, http.StatusServiceUnavailable, te.Status)
}

func TestDispatchRejected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown negotiation", http.StatusNotFound)
	}))
	defer srv.Close()

	d := New(Options{Attempts: 5, RetryWait: time.Millisecond})
	res := wait(t, d, dispatcher.Message{Type: dispatcher.ContractNegotiationTermination, CorrelationID: "x", CounterPartyAddress: srv.URL})
	require.Equal(t, statemachine.StatusFatalError, res.Status)
	require.ErrorContains(t, res.Failure, "unknown negotiation")
	require.EqualValues(t, 1, calls.Load())
}

func TestDispatchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	d := New(Options{Attempts: 2, RetryWait: time.Millisecond, Timeout: time.Second})
	res := wait(t, d, dispatcher.Message{Type: dispatcher.ContractOffer, CounterPartyAddress: addr})
	require.Equal(t, statemachine.StatusErrorRetry, res.Status)
}

func TestRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	reg := dispatcher.NewRegistry(New(Options{}))
	require.Equal(t, []string{Protocol}, reg.Protocols())

	p := reg.Dispatch(context.Background(), dispatcher.Message{Type: dispatcher.ContractOffer, Protocol: "ids-multipart", CounterPartyAddress: srv.URL})
	res := p.Val(context.Background())
	require.Equal(t, statemachine.StatusFatalError, res.Status)
	require.ErrorIs(t, res.Failure, dispatcher.ErrUnknownProtocol)

	p = reg.Dispatch(context.Background(), dispatcher.Message{Type: dispatcher.ContractOffer, Protocol: Protocol, CounterPartyAddress: srv.URL})
	require.True(t, p.Val(context.Background()).Succeeded())
}

func TestLimiter(t *testing.T) {
	require.Equal(t, 1, limiterFromRate(0.5).Burst())
	require.Equal(t, 10, limiterFromRate(10).Burst())
	require.True(t, limiterFromRate(0).Allow())
}

package negotiation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/build"
	"github.com/dsconnector/connector/dispatcher"
	"github.com/dsconnector/connector/dispatcher/mocks"
	"github.com/dsconnector/connector/lib/promise"
	"github.com/dsconnector/connector/statemachine"
	"github.com/dsconnector/connector/store"
	"github.com/dsconnector/connector/store/memstore"
)

var testOffer = ContractOffer{ID: "def-1:asset-1:e7b2", AssetID: "asset-1"}

func newTestManager(t *testing.T, ds datastore.Datastore, holder string, sender dispatcher.Sender, limit int) *Manager {
	st := NewMemStore(ds, store.Config{Holder: holder})
	rm := statemachine.NewEntitySendRetryManager(build.Clock, statemachine.NoWaitFactory, limit)
	return NewManager(Config{
		ParticipantID:   holder,
		ProtocolAddress: "http://" + holder + "/dsp",
		StateMachine:    statemachine.Config{Name: holder},
	}, st, sender, rm)
}

// tickUntil polls m until cond holds for the stored negotiation id. Async
// completions land between ticks.
func tickUntil(t *testing.T, m *Manager, id string, cond func(*ContractNegotiation) bool) *ContractNegotiation {
	ctx := context.Background()
	var last *ContractNegotiation
	require.Eventually(t, func() bool {
		m.Tick(ctx)
		n, err := m.Store().FindByID(ctx, id)
		if err != nil || n == nil {
			return false
		}
		last = n
		return cond(n)
	}, 10*time.Second, 5*time.Millisecond, "negotiation %s never reached the expected state", id)
	return last
}

func inState(s State) func(*ContractNegotiation) bool {
	return func(n *ContractNegotiation) bool { return n.CurrentState() == s }
}

func TestConsumerRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockRemoteMessageDispatcher(ctrl)

	var sent dispatcher.Message
	d.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, msg dispatcher.Message) *promise.Promise[dispatcher.Result] {
		sent = msg
		return promise.Resolved(statemachine.Success(dispatcher.Response{ProcessID: "provider-42"}))
	}).Times(1)

	m := newTestManager(t, memstore.NewMapDatastore(), "consumer", d, 3)
	n, err := m.Initiate(context.Background(), ContractRequest{
		CounterPartyID:      "provider",
		CounterPartyAddress: "http://provider/dsp",
		Protocol:            "dataspace-protocol-http",
		Offer:               testOffer,
	})
	require.NoError(t, err)
	require.Equal(t, Initial, n.CurrentState())

	got := tickUntil(t, m, n.ID, inState(Requested))
	require.Equal(t, "provider-42", got.CorrelationID)
	require.Empty(t, got.ErrorDetail)

	require.Equal(t, dispatcher.ContractRequest, sent.Type)
	require.Equal(t, n.ID, sent.ProcessID)
	require.Equal(t, "http://provider/dsp", sent.CounterPartyAddress)
	require.Contains(t, string(sent.Body), `"consumerId":"consumer"`)
}

func TestRetriesExhaustedTerminates(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockRemoteMessageDispatcher(ctrl)
	d.EXPECT().Dispatch(gomock.Any(), gomock.Any()).Return(
		promise.Resolved(statemachine.RetryableFailure[dispatcher.Response](xerrors.New("connection refused"))),
	).Times(3)

	m := newTestManager(t, memstore.NewMapDatastore(), "consumer", d, 2)
	n, err := m.Initiate(context.Background(), ContractRequest{CounterPartyAddress: "http://provider/dsp", Offer: testOffer})
	require.NoError(t, err)

	got := tickUntil(t, m, n.ID, inState(Terminated))
	require.Contains(t, got.ErrorDetail, "retries exhausted")
	require.Contains(t, got.ErrorDetail, "connection refused")
}

func TestFatalFailureTerminates(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := mocks.NewMockRemoteMessageDispatcher(ctrl)
	d.EXPECT().Dispatch(gomock.Any(), gomock.Any()).Return(
		promise.Resolved(statemachine.FatalFailure[dispatcher.Response](xerrors.New("offer unknown"))),
	).Times(1)

	m := newTestManager(t, memstore.NewMapDatastore(), "consumer", d, 5)
	n, err := m.Initiate(context.Background(), ContractRequest{CounterPartyAddress: "http://provider/dsp", Offer: testOffer})
	require.NoError(t, err)

	got := tickUntil(t, m, n.ID, inState(Terminated))
	require.Contains(t, got.ErrorDetail, "offer unknown")
	require.Equal(t, 1, got.StateCount)
}

func TestTerminate(t *testing.T) {
	ctx := context.Background()
	ds := memstore.NewMapDatastore()
	m := newTestManager(t, ds, "consumer", dispatcher.NewRegistry(), 3)

	require.ErrorIs(t, m.Terminate(ctx, "missing", "x"), store.ErrNotFound)

	n, err := m.Initiate(ctx, ContractRequest{CounterPartyAddress: "http://provider/dsp", Offer: testOffer})
	require.NoError(t, err)

	// another process holding the lease blocks the call
	other := NewMemStore(ds, store.Config{Holder: "other"})
	leased, err := other.NextForState(ctx, int(Initial), 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.ErrorIs(t, m.Terminate(ctx, n.ID, "user request"), store.ErrLeaseConflict)

	require.NoError(t, other.Save(ctx, leased[0]))
	require.NoError(t, m.Terminate(ctx, n.ID, "user request"))

	got, err := m.Store().FindByID(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, Terminating, got.CurrentState())
	require.Equal(t, "user request", got.ErrorDetail)

	got.TransitionTo(int(Terminated))
	require.NoError(t, m.Store().Save(ctx, got))
	require.ErrorIs(t, m.Terminate(ctx, n.ID, "again"), ErrFinal)
	require.ErrorIs(t, m.Terminate(ctx, n.ID, "again"), store.ErrConflict)
}

func TestInitiateValidates(t *testing.T) {
	m := newTestManager(t, memstore.NewMapDatastore(), "consumer", dispatcher.NewRegistry(), 3)
	_, err := m.Initiate(context.Background(), ContractRequest{Offer: testOffer})
	require.Error(t, err)
	_, err = m.Initiate(context.Background(), ContractRequest{CounterPartyAddress: "http://p"})
	require.Error(t, err)
}

// loopback delivers messages straight to the counter-party's manager.
type loopback struct {
	lk   sync.Mutex
	peer *Manager
}

func (l *loopback) connect(peer *Manager) {
	l.lk.Lock()
	l.peer = peer
	l.lk.Unlock()
}

func (l *loopback) Dispatch(ctx context.Context, msg dispatcher.Message) *promise.Promise[dispatcher.Result] {
	l.lk.Lock()
	peer := l.peer
	l.lk.Unlock()

	p := new(promise.Promise[dispatcher.Result])
	go func() {
		resp, err := peer.Handle(ctx, msg)
		if err != nil {
			p.Set(statemachine.RetryableFailure[dispatcher.Response](err))
			return
		}
		p.Set(statemachine.Success(resp))
	}()
	return p
}

func TestNegotiationEndToEnd(t *testing.T) {
	ctx := context.Background()

	toProvider, toConsumer := &loopback{}, &loopback{}
	consumer := newTestManager(t, memstore.NewMapDatastore(), "consumer", toProvider, 5)
	provider := newTestManager(t, memstore.NewMapDatastore(), "provider", toConsumer, 5)
	toProvider.connect(provider)
	toConsumer.connect(consumer)

	cn, err := consumer.Initiate(ctx, ContractRequest{
		CounterPartyID:      "provider",
		CounterPartyAddress: "http://provider/dsp",
		Protocol:            "loopback",
		Offer:               testOffer,
	})
	require.NoError(t, err)

	cn = tickUntil(t, consumer, cn.ID, inState(Requested))
	pn, err := provider.Store().FindByID(ctx, cn.CorrelationID)
	require.NoError(t, err)
	require.Equal(t, Provider, pn.Type)
	require.Equal(t, cn.ID, pn.CorrelationID)
	require.Equal(t, "http://consumer/dsp", pn.CounterPartyAddress)
	require.Equal(t, Requested, pn.CurrentState())

	require.NoError(t, provider.Agree(ctx, pn.ID))
	pn = tickUntil(t, provider, pn.ID, inState(Agreed))
	require.True(t, pn.Pending)
	require.Equal(t, AgreementID("def-1", "asset-1", pn.ID), pn.ContractAgreement.ID)

	cn = tickUntil(t, consumer, cn.ID, inState(Verified))
	require.True(t, cn.Pending)
	pn = tickUntil(t, provider, pn.ID, inState(Finalized))
	cn = tickUntil(t, consumer, cn.ID, inState(Finalized))

	require.False(t, cn.Pending)
	require.Equal(t, pn.ContractAgreement.ID, cn.ContractAgreement.ID)
	require.Equal(t, "provider", cn.ContractAgreement.ProviderID)
	require.Equal(t, "consumer", cn.ContractAgreement.ConsumerID)

	a, err := consumer.Store().FindContractAgreement(ctx, cn.ContractAgreement.ID)
	require.NoError(t, err)
	require.Equal(t, "asset-1", a.AssetID)
}

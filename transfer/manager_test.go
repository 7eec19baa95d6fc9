package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/build"
	"github.com/dsconnector/connector/dispatcher"
	"github.com/dsconnector/connector/lib/promise"
	"github.com/dsconnector/connector/statemachine"
	"github.com/dsconnector/connector/store"
	"github.com/dsconnector/connector/store/memstore"
)

func newTestManager(name string, sender dispatcher.Sender, p Provisioner, limit int) *Manager {
	st := NewMemStore(memstore.NewMapDatastore(), store.Config{Holder: name})
	rm := statemachine.NewEntitySendRetryManager(build.Clock, statemachine.NoWaitFactory, limit)
	return NewManager(Config{
		ParticipantID:   name,
		ProtocolAddress: "http://" + name + "/dsp",
		StateMachine:    statemachine.Config{Name: name},
	}, st, sender, rm, p)
}

func tickUntil(t *testing.T, m *Manager, id string, want State) *TransferProcess {
	ctx := context.Background()
	var last *TransferProcess
	require.Eventually(t, func() bool {
		m.Tick(ctx)
		tp, err := m.Store().FindByID(ctx, id)
		if err != nil || tp == nil {
			return false
		}
		last = tp
		return tp.CurrentState() == want
	}, 10*time.Second, 5*time.Millisecond, "transfer %s never reached %s", id, want)
	return last
}

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

// bucketProvisioner provisions one bucket per transfer. The first
// deprovisioning attempts fail.
type bucketProvisioner struct {
	lk            sync.Mutex
	provisionErr  error
	failTeardowns int
	teardowns     int
}

func (b *bucketProvisioner) Provision(_ context.Context, tp *TransferProcess) statemachine.StatusResult[[]ProvisionedResource] {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.provisionErr != nil {
		return statemachine.RetryableFailure[[]ProvisionedResource](b.provisionErr)
	}
	return statemachine.Success([]ProvisionedResource{{ID: "bucket-" + tp.ID, Kind: "bucket"}})
}

func (b *bucketProvisioner) Deprovision(_ context.Context, tp *TransferProcess) statemachine.StatusResult[[]ProvisionedResource] {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.teardowns++
	if b.teardowns <= b.failTeardowns {
		return statemachine.RetryableFailure[[]ProvisionedResource](xerrors.New("bucket busy"))
	}
	return statemachine.Success(tp.ProvisionedResources)
}

func TestTransferEndToEnd(t *testing.T) {
	ctx := context.Background()

	buckets := &bucketProvisioner{failTeardowns: 1}
	toProvider, toConsumer := &loopback{}, &loopback{}
	consumer := newTestManager("consumer", toProvider, nil, 5)
	provider := newTestManager("provider", toConsumer, buckets, 5)
	toProvider.connect(provider)
	toConsumer.connect(consumer)

	ctp, err := consumer.Initiate(ctx, TransferRequest{
		AssetID:             "asset-1",
		ContractID:          "def-1:asset-1:abc",
		CounterPartyAddress: "http://provider/dsp",
		Protocol:            "loopback",
		DataDestination:     map[string]string{"type": "HttpData"},
	})
	require.NoError(t, err)

	ctp = tickUntil(t, consumer, ctp.ID, Requested)
	require.True(t, ctp.Pending)
	require.NotEmpty(t, ctp.CorrelationID)

	ptp := tickUntil(t, provider, ctp.CorrelationID, Started)
	require.Equal(t, ctp.ID, ptp.CorrelationID)
	require.Equal(t, "HttpData", ptp.DataDestination["type"])
	require.Len(t, ptp.ProvisionedResources, 1)

	ctp, err = consumer.Store().FindByID(ctx, ctp.ID)
	require.NoError(t, err)
	require.Equal(t, Started, ctp.CurrentState())

	require.NoError(t, consumer.Complete(ctx, ctp.ID))
	ctp = tickUntil(t, consumer, ctp.ID, Completed)

	ptp = tickUntil(t, provider, ptp.ID, Deprovisioned)
	require.True(t, ptp.ProvisionedResources[0].Deprovisioned)
	require.Equal(t, 2, buckets.teardowns)
	require.True(t, ptp.IsFinal())

	// the consumer had nothing provisioned and parks its transfer
	require.Eventually(t, func() bool {
		consumer.Tick(ctx)
		got, err := consumer.Store().FindByID(ctx, ctp.ID)
		return err == nil && got.Pending
	}, 5*time.Second, 5*time.Millisecond)
	require.Zero(t, consumer.Tick(ctx))
}

func TestProvisioningExhausted(t *testing.T) {
	ctx := context.Background()
	m := newTestManager("consumer", dispatcher.NewRegistry(), &bucketProvisioner{provisionErr: xerrors.New("quota exceeded")}, 2)

	tp, err := m.Initiate(ctx, TransferRequest{ContractID: "c", CounterPartyAddress: "http://p"})
	require.NoError(t, err)

	tp = tickUntil(t, m, tp.ID, Terminated)
	require.Contains(t, tp.ErrorDetail, "quota exceeded")
	require.Empty(t, tp.ProvisionedResources)
}

func TestUnknownProtocolTerminates(t *testing.T) {
	ctx := context.Background()
	m := newTestManager("consumer", dispatcher.NewRegistry(), nil, 5)

	tp, err := m.Initiate(ctx, TransferRequest{ContractID: "c", CounterPartyAddress: "http://p", Protocol: "smoke-signals"})
	require.NoError(t, err)

	tp = tickUntil(t, m, tp.ID, Terminated)
	require.ErrorContains(t, xerrors.New(tp.ErrorDetail), "no dispatcher for protocol")
}

func TestTransferServiceErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestManager("consumer", dispatcher.NewRegistry(), nil, 5)

	require.ErrorIs(t, m.Terminate(ctx, "missing", ""), store.ErrNotFound)

	_, err := m.Initiate(ctx, TransferRequest{CounterPartyAddress: "http://p"})
	require.Error(t, err)

	tp, err := m.Initiate(ctx, TransferRequest{ContractID: "c", CounterPartyAddress: "http://p"})
	require.NoError(t, err)
	require.ErrorIs(t, m.Complete(ctx, tp.ID), ErrIllegalTransition)
	require.NoError(t, m.Terminate(ctx, tp.ID, "changed my mind"))

	got, err := m.Store().FindByID(ctx, tp.ID)
	require.NoError(t, err)
	require.Equal(t, Terminating, got.CurrentState())

	got.TransitionTo(int(Terminated))
	require.NoError(t, m.Store().Save(ctx, got))
	require.ErrorIs(t, m.Terminate(ctx, tp.ID, ""), ErrEnded)

	_, err = m.Handle(ctx, dispatcher.Message{Type: dispatcher.ContractOffer})
	require.Error(t, err)
}

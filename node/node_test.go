package node

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dsconnector/connector/dispatcher/httpdispatch"
	"github.com/dsconnector/connector/negotiation"
	"github.com/dsconnector/connector/node/config"
	"github.com/dsconnector/connector/statemachine"
	"github.com/dsconnector/connector/transfer"
)

func TestWaitStrategy(t *testing.T) {
	for strategy, want := range map[string]int64{
		"exponential": 1000,
		"constant":    1000,
		"none":        0,
	} {
		cfg := config.Default().Retry
		cfg.Strategy = strategy
		f, err := WaitStrategy(cfg)
		require.NoError(t, err, strategy)
		w := f()
		w.FailedAttempts(1)
		require.Equal(t, want, w.RetryInMillis(), strategy)
	}

	_, err := WaitStrategy(config.RetryConfig{Strategy: "fibonacci"})
	require.Error(t, err)
}

func TestLevelDBStoresSurviveReopen(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Store.Backend = config.BackendLevelDB
	cfg.Store.Path = filepath.Join(t.TempDir(), "ds")

	st, err := OpenStores(cfg)
	require.NoError(t, err)
	n := &negotiation.ContractNegotiation{CounterPartyAddress: "http://p", Type: negotiation.Consumer}
	n.Init(int(negotiation.Initial))
	require.NoError(t, st.Negotiations.Save(ctx, n))
	require.NoError(t, st.Close())

	st, err = OpenStores(cfg)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	got, err := st.Negotiations.FindByID(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, negotiation.Initial, got.CurrentState())

	tps, err := st.Transfers.NextForState(ctx, int(transfer.Initial), 10)
	require.NoError(t, err)
	require.Empty(t, tps)

	_, err = OpenStores(&config.Config{Store: config.StoreConfig{Backend: "cassandra"}})
	require.Error(t, err)
}

func TestManagerConfig(t *testing.T) {
	mc := managerConfig("negotiations", config.ManagerConfig{BatchSize: 5, PollInterval: config.Duration(time.Second)})
	require.Equal(t, statemachine.Config{Name: "negotiations", BatchSize: 5, PollInterval: time.Second}, mc)
}

func freeAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testNode(t *testing.T, participant string) (string, *negotiation.Manager, *transfer.Manager) {
	addr := freeAddr(t)

	cfg := config.Default()
	cfg.Connector.ParticipantID = participant
	cfg.Connector.ListenAddress = addr
	cfg.Connector.ProtocolAddress = fmt.Sprintf("http://%s/protocol", addr)
	cfg.Connector.LeaseHolder = participant
	cfg.Journal.Path = ""
	cfg.Metrics.ListenAddress = ""
	cfg.Retry.Strategy = "none"
	cfg.Dispatch.AuthToken = "shared-secret"
	for _, mc := range []*config.ManagerConfig{&cfg.StateMachine.Negotiation, &cfg.StateMachine.Transfer} {
		mc.PollInterval = config.Duration(10 * time.Millisecond)
		mc.IdleMaxInterval = config.Duration(50 * time.Millisecond)
	}

	var nm *negotiation.Manager
	var tm *transfer.Manager
	stop, err := New(context.Background(), cfg, Populate(&nm, &tm))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, stop(context.Background()))
	})
	return cfg.Connector.ProtocolAddress, nm, tm
}

func TestNodesNegotiateAndTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two nodes")
	}
	ctx := context.Background()

	_, consumer, consumerTransfers := testNode(t, "consumer")
	providerAddr, provider, _ := testNode(t, "provider")

	n, err := consumer.Initiate(ctx, negotiation.ContractRequest{
		CounterPartyID:      "provider",
		CounterPartyAddress: providerAddr,
		Protocol:            httpdispatch.Protocol,
		Offer:               negotiation.ContractOffer{ID: "def-1:asset-1:1", AssetID: "asset-1"},
	})
	require.NoError(t, err)

	var pn *negotiation.ContractNegotiation
	require.Eventually(t, func() bool {
		pn, err = provider.Store().FindForCorrelationID(ctx, n.ID)
		return err == nil && pn != nil
	}, 20*time.Second, 20*time.Millisecond)
	require.NoError(t, provider.Agree(ctx, pn.ID))

	var agreement *negotiation.ContractAgreement
	require.Eventually(t, func() bool {
		got, err := consumer.Store().FindByID(ctx, n.ID)
		if err != nil || got == nil || got.CurrentState() != negotiation.Finalized {
			return false
		}
		agreement = got.ContractAgreement
		return true
	}, 20*time.Second, 20*time.Millisecond)
	require.NotNil(t, agreement)
	require.Equal(t, "provider", agreement.ProviderID)

	stored, err := provider.Store().FindContractAgreement(ctx, agreement.ID)
	require.NoError(t, err)
	require.Equal(t, agreement.ID, stored.ID)

	tp, err := consumerTransfers.Initiate(ctx, transfer.TransferRequest{
		AssetID:             agreement.AssetID,
		ContractID:          agreement.ID,
		CounterPartyAddress: providerAddr,
		Protocol:            httpdispatch.Protocol,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := consumerTransfers.Store().FindByID(ctx, tp.ID)
		return err == nil && got != nil && got.CurrentState() == transfer.Started
	}, 20*time.Second, 20*time.Millisecond)
}

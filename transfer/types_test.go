package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestConsumerPath(t *testing.T) {
	tp := &TransferProcess{Type: Consumer}
	tp.Init(int(Initial))

	for _, step := range []func() error{
		tp.TransitionProvisioning, tp.TransitionProvisioned, tp.TransitionRequesting, tp.TransitionRequested,
		tp.TransitionStarted, tp.TransitionSuspended, tp.TransitionStarted, tp.TransitionCompleting, tp.TransitionCompleted,
	} {
		require.NoError(t, step())
	}
	require.True(t, tp.IsFinal())
	require.True(t, xerrors.Is(tp.TransitionTerminating(), ErrIllegalTransition))
	require.Error(t, tp.TransitionStarted())
}

func TestDeprovisioningAfterEnd(t *testing.T) {
	tp := &TransferProcess{ProvisionedResources: []ProvisionedResource{{ID: "bucket"}}}
	tp.Init(int(Started))
	require.NoError(t, tp.TransitionTerminated())
	require.False(t, tp.IsFinal(), "resources are left")

	require.NoError(t, tp.TransitionDeprovisioning())
	require.NoError(t, tp.TransitionDeprovisioning())
	require.Equal(t, 2, tp.StateCount)
	require.NoError(t, tp.TransitionDeprovisioned())
	require.True(t, tp.IsFinal())
	require.Error(t, tp.TransitionDeprovisioning())
}

func TestEnded(t *testing.T) {
	for _, s := range States() {
		want := s == Completed || s == Terminated || s == Deprovisioning || s == DeprovisioningRequested || s == Deprovisioned
		require.Equal(t, want, s.Ended(), s.String())

		tp := &TransferProcess{}
		tp.Init(int(s))
		require.Equal(t, !want, tp.TransitionTerminating() == nil, s.String())
	}

	s, err := ParseState("provisioning_requested")
	require.NoError(t, err)
	require.Equal(t, ProvisioningRequested, s)
}

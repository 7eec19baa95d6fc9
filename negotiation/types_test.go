package negotiation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestTransitions(t *testing.T) {
	n := &ContractNegotiation{Type: Consumer}
	n.Init(int(Initial))

	require.NoError(t, n.TransitionRequesting())
	require.NoError(t, n.TransitionRequesting())
	require.Equal(t, 2, n.StateCount)

	err := n.TransitionFinalized()
	require.True(t, xerrors.Is(err, ErrIllegalTransition))
	require.Equal(t, Requesting, n.CurrentState(), "failed transition leaves the entity alone")
	require.Equal(t, 2, n.StateCount)

	for _, step := range []func() error{n.TransitionRequested, n.TransitionAgreed, n.TransitionVerifying, n.TransitionVerified, n.TransitionFinalized} {
		require.NoError(t, step())
		require.Equal(t, 1, n.StateCount)
	}
	require.True(t, n.IsFinal())
	require.Error(t, n.TransitionTerminating(), "nothing leaves a final state")
}

func TestTerminationFromAnyOpenState(t *testing.T) {
	for _, s := range States() {
		n := &ContractNegotiation{}
		n.Init(int(s))
		err := n.TransitionTerminating()
		if s.Final() {
			require.Error(t, err, s.String())
		} else {
			require.NoError(t, err, s.String())
		}
	}
}

func TestStates(t *testing.T) {
	states := States()
	require.Len(t, states, 15)
	require.Equal(t, Initial, states[0])
	require.Equal(t, Terminated, states[len(states)-1])

	s, err := ParseState("agreed")
	require.NoError(t, err)
	require.Equal(t, Agreed, s)
	require.Equal(t, 850, int(s))

	_, err = ParseState("SIGNED")
	require.Error(t, err)
	require.Equal(t, "State(1)", State(1).String())
}

func TestAgreementID(t *testing.T) {
	offer := ContractOffer{ID: "def-1:asset-1:8c1d6a52-3e0c-4f4b-9b0a-fa2c11a0e2e1", AssetID: "asset-1"}
	require.Equal(t, "def-1", offer.DefinitionID())

	a := AgreementID(offer.DefinitionID(), offer.AssetID, "n1")
	require.Equal(t, a, AgreementID("def-1", "asset-1", "n1"))
	require.NotEqual(t, a, AgreementID("def-1", "asset-1", "n2"))
	require.True(t, strings.HasPrefix(a, "def-1:asset-1:"))
	require.Len(t, strings.Split(a, ":"), 3)
}

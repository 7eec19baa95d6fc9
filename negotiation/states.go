package negotiation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// State codes are shared with counter-parties and persisted; never renumber.
type State int

const (
	Initial     State = 50
	Requesting  State = 100
	Requested   State = 200
	Offering    State = 300
	Offered     State = 400
	Accepting   State = 700
	Accepted    State = 800
	Agreeing    State = 825
	Agreed      State = 850
	Verifying   State = 1050
	Verified    State = 1100
	Finalizing  State = 1150
	Finalized   State = 1200
	Terminating State = 1300
	Terminated  State = 1400
)

var stateNames = map[State]string{
	Initial:     "INITIAL",
	Requesting:  "REQUESTING",
	Requested:   "REQUESTED",
	Offering:    "OFFERING",
	Offered:     "OFFERED",
	Accepting:   "ACCEPTING",
	Accepted:    "ACCEPTED",
	Agreeing:    "AGREEING",
	Agreed:      "AGREED",
	Verifying:   "VERIFYING",
	Verified:    "VERIFIED",
	Finalizing:  "FINALIZING",
	Finalized:   "FINALIZED",
	Terminating: "TERMINATING",
	Terminated:  "TERMINATED",
}

// predecessors lists for every state the states it may be entered from,
// besides itself. Terminating and Terminated are reachable from every
// non-final state.
var predecessors = map[State][]State{
	Requesting: {Initial},
	Requested:  {Initial, Requesting, Offered},
	Offering:   {Initial, Requested},
	Offered:    {Initial, Offering, Requested},
	Accepting:  {Offered},
	Accepted:   {Accepting, Offered},
	Agreeing:   {Requested, Accepted},
	Agreed:     {Agreeing, Requested, Accepted},
	Verifying:  {Agreed},
	Verified:   {Verifying, Agreed},
	Finalizing: {Verified},
	Finalized:  {Finalizing, Verified},
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Final() bool {
	return s == Finalized || s == Terminated
}

func (s State) legalFrom(from State) bool {
	if from.Final() {
		return false
	}
	if s == Terminating || s == Terminated {
		return true
	}
	return lo.Contains(predecessors[s], from)
}

// ParseState accepts a state name in any case.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown negotiation state %q", name)
}

// States returns all states in code order.
func States() []State {
	out := lo.Keys(stateNames)
	slices.Sort(out)
	return out
}

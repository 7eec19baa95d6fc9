package transfer

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// State codes are shared with counter-parties and persisted; never renumber.
type State int

const (
	Initial                 State = 100
	Provisioning            State = 200
	ProvisioningRequested   State = 250
	Provisioned             State = 300
	Requesting              State = 400
	Requested               State = 500
	Starting                State = 550
	Started                 State = 600
	Suspending              State = 650
	Suspended               State = 700
	Completing              State = 750
	Completed               State = 800
	Terminating             State = 825
	Terminated              State = 850
	Deprovisioning          State = 900
	DeprovisioningRequested State = 950
	Deprovisioned           State = 1000
)

var stateNames = map[State]string{
	Initial:                 "INITIAL",
	Provisioning:            "PROVISIONING",
	ProvisioningRequested:   "PROVISIONING_REQUESTED",
	Provisioned:             "PROVISIONED",
	Requesting:              "REQUESTING",
	Requested:               "REQUESTED",
	Starting:                "STARTING",
	Started:                 "STARTED",
	Suspending:              "SUSPENDING",
	Suspended:               "SUSPENDED",
	Completing:              "COMPLETING",
	Completed:               "COMPLETED",
	Terminating:             "TERMINATING",
	Terminated:              "TERMINATED",
	Deprovisioning:          "DEPROVISIONING",
	DeprovisioningRequested: "DEPROVISIONING_REQUESTED",
	Deprovisioned:           "DEPROVISIONED",
}

var predecessors = map[State][]State{
	Provisioning:            {Initial},
	ProvisioningRequested:   {Provisioning},
	Provisioned:             {Provisioning, ProvisioningRequested},
	Requesting:              {Provisioned},
	Requested:               {Requesting},
	Starting:                {Provisioned, Suspended},
	Started:                 {Starting, Requested, Suspended},
	Suspending:              {Started},
	Suspended:               {Suspending, Started},
	Completing:              {Started},
	Completed:               {Completing, Started},
	Deprovisioning:          {Completed, Terminated},
	DeprovisioningRequested: {Deprovisioning},
	Deprovisioned:           {Deprovisioning, DeprovisioningRequested},
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Ended reports whether the transfer itself is over. Ended transfers may
// still have resources to deprovision.
func (s State) Ended() bool {
	return s == Completed || s == Terminated || s >= Deprovisioning
}

func (s State) legalFrom(from State) bool {
	if s == Terminating || s == Terminated {
		return !from.Ended()
	}
	return lo.Contains(predecessors[s], from)
}

func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown transfer state %q", name)
}

func States() []State {
	out := lo.Keys(stateNames)
	slices.Sort(out)
	return out
}

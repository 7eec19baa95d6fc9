package transfer

import (
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/store"
)

type Type string

const (
	Consumer Type = "CONSUMER"
	Provider Type = "PROVIDER"
)

// ProvisionedResource is something a Provisioner set up for a transfer and
// has to tear down once it ended.
type ProvisionedResource struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Properties    map[string]string `json:"properties,omitempty"`
	Deprovisioned bool              `json:"deprovisioned"`
}

// TransferProcess is the state machine entity of one transfer, on either
// side.
type TransferProcess struct {
	entity.StatefulEntity

	Type Type `json:"type"`

	// CorrelationID is the counter-party's id of this transfer.
	CorrelationID        string                `json:"correlationId,omitempty"`
	AssetID              string                `json:"assetId"`
	ContractID           string                `json:"contractId"`
	CounterPartyAddress  string                `json:"counterPartyAddress"`
	Protocol             string                `json:"protocol"`
	DataDestination      map[string]string     `json:"dataDestination,omitempty"`
	PrivateProperties    map[string]string     `json:"privateProperties,omitempty"`
	ProvisionedResources []ProvisionedResource `json:"provisionedResources,omitempty"`
}

func (tp *TransferProcess) CurrentState() State {
	return State(tp.State)
}

// NeedsDeprovisioning reports whether resources are left to tear down.
func (tp *TransferProcess) NeedsDeprovisioning() bool {
	for _, r := range tp.ProvisionedResources {
		if !r.Deprovisioned {
			return true
		}
	}
	return false
}

// IsFinal reports whether nothing is left to do for the transfer.
func (tp *TransferProcess) IsFinal() bool {
	s := tp.CurrentState()
	return s == Deprovisioned || ((s == Completed || s == Terminated) && !tp.NeedsDeprovisioning())
}

var ErrIllegalTransition = xerrors.Errorf("illegal state transition: %w", store.ErrConflict)

func (tp *TransferProcess) transition(to State) error {
	from := tp.CurrentState()
	if from != to && !to.legalFrom(from) {
		return xerrors.Errorf("transfer %s: %s -> %s: %w", tp.ID, from, to, ErrIllegalTransition)
	}
	tp.TransitionTo(int(to))
	return nil
}

func (tp *TransferProcess) TransitionProvisioning() error { return tp.transition(Provisioning) }
func (tp *TransferProcess) TransitionProvisioningRequested() error {
	return tp.transition(ProvisioningRequested)
}
func (tp *TransferProcess) TransitionProvisioned() error { return tp.transition(Provisioned) }
func (tp *TransferProcess) TransitionRequesting() error  { return tp.transition(Requesting) }
func (tp *TransferProcess) TransitionRequested() error   { return tp.transition(Requested) }
func (tp *TransferProcess) TransitionStarting() error    { return tp.transition(Starting) }
func (tp *TransferProcess) TransitionStarted() error     { return tp.transition(Started) }
func (tp *TransferProcess) TransitionSuspending() error  { return tp.transition(Suspending) }
func (tp *TransferProcess) TransitionSuspended() error   { return tp.transition(Suspended) }
func (tp *TransferProcess) TransitionCompleting() error  { return tp.transition(Completing) }
func (tp *TransferProcess) TransitionCompleted() error   { return tp.transition(Completed) }
func (tp *TransferProcess) TransitionTerminating() error { return tp.transition(Terminating) }
func (tp *TransferProcess) TransitionTerminated() error  { return tp.transition(Terminated) }
func (tp *TransferProcess) TransitionDeprovisioning() error {
	return tp.transition(Deprovisioning)
}
func (tp *TransferProcess) TransitionDeprovisioningRequested() error {
	return tp.transition(DeprovisioningRequested)
}
func (tp *TransferProcess) TransitionDeprovisioned() error { return tp.transition(Deprovisioned) }

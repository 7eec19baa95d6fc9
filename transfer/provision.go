package transfer

import (
	"context"

	"github.com/dsconnector/connector/statemachine"
)

// Provisioner sets up and tears down the resources a transfer needs, such as
// a destination bucket or access credentials. A retryable failure re-enters
// the provisioning state; a fatal one terminates the transfer.
type Provisioner interface {
	Provision(ctx context.Context, tp *TransferProcess) statemachine.StatusResult[[]ProvisionedResource]

	// Deprovision tears down what Provision returned. It must tolerate
	// resources that are already gone.
	Deprovision(ctx context.Context, tp *TransferProcess) statemachine.StatusResult[[]ProvisionedResource]
}

// NoopProvisioner provisions nothing.
type NoopProvisioner struct{}

func (NoopProvisioner) Provision(context.Context, *TransferProcess) statemachine.StatusResult[[]ProvisionedResource] {
	return statemachine.Success[[]ProvisionedResource](nil)
}

func (NoopProvisioner) Deprovision(_ context.Context, tp *TransferProcess) statemachine.StatusResult[[]ProvisionedResource] {
	return statemachine.Success(tp.ProvisionedResources)
}

// Package node assembles a connector from its configuration: stores, retry
// policy, dispatchers, the negotiation and transfer state machines and the
// HTTP endpoints, tied together by an fx lifecycle.
package node

import (
	"context"

	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/node/config"
	"github.com/dsconnector/connector/transfer"
)

// StopFunc stops a node, running every stop hook.
type StopFunc func(context.Context) error

type Option func(*settings)

type settings struct {
	provisioner transfer.Provisioner
	extra       []fx.Option
}

// WithProvisioner replaces the default provisioner of the transfer manager.
func WithProvisioner(p transfer.Provisioner) Option {
	return func(s *settings) {
		s.provisioner = p
	}
}

// Populate fills targets from the node's components, e.g. a
// **negotiation.Manager.
func Populate(targets ...interface{}) Option {
	return func(s *settings) {
		s.extra = append(s.extra, fx.Populate(targets...))
	}
}

// New builds and starts a connector node.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (StopFunc, error) {
	s := settings{provisioner: transfer.NoopProvisioner{}}
	for _, o := range opts {
		o(&s)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			lifecycleCtx,
			openJournal,
			stores,
			retryManager,
			registry,
			negotiationManager,
			transferManager,
			func() transfer.Provisioner { return s.provisioner },
		),
		fx.Invoke(
			setGlobalJournal,
			protocolEndpoint,
			metricsEndpoint,
		),
		fx.Options(s.extra...),

		fx.NopLogger,
	)

	if err := app.Start(ctx); err != nil {
		// comment fx.NopLogger above for easier debugging
		return nil, xerrors.Errorf("starting node: %w", err)
	}

	return app.Stop, nil
}

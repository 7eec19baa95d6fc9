package node

import (
	"time"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/lib/harmony/harmonydb"
	"github.com/dsconnector/connector/negotiation"
	"github.com/dsconnector/connector/node/config"
	"github.com/dsconnector/connector/statemachine"
	"github.com/dsconnector/connector/store"
	"github.com/dsconnector/connector/store/memstore"
	"github.com/dsconnector/connector/transfer"
)

// Stores holds the entity stores of one node, on one backend.
type Stores struct {
	Negotiations negotiation.Store
	Transfers    transfer.Store

	closers []func() error
}

func (s *Stores) Close() error {
	var err error
	for _, c := range s.closers {
		err = multierr.Append(err, c())
	}
	return err
}

// OpenStores opens both entity stores on the configured backend.
func OpenStores(cfg *config.Config) (*Stores, error) {
	base := store.Config{
		Holder:        cfg.Connector.LeaseHolder,
		LeaseDuration: time.Duration(cfg.Store.LeaseDuration),
	}
	ncfg, tcfg := base, base
	ncfg.Name = "negotiations"
	tcfg.Name = "transfers"

	switch cfg.Store.Backend {
	case config.BackendMemory:
		ds := memstore.NewMapDatastore()
		return &Stores{
			Negotiations: negotiation.NewMemStore(ds, ncfg),
			Transfers:    transfer.NewMemStore(ds, tcfg),
			closers:      []func() error{ds.Close},
		}, nil
	case config.BackendLevelDB:
		path, err := homedir.Expand(cfg.Store.Path)
		if err != nil {
			return nil, xerrors.Errorf("expanding store path: %w", err)
		}
		ds, err := memstore.OpenLevelDB(path)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Negotiations: negotiation.NewMemStore(ds, ncfg),
			Transfers:    transfer.NewMemStore(ds, tcfg),
			closers:      []func() error{ds.Close},
		}, nil
	case config.BackendPostgres:
		db, err := harmonydb.NewFromConfig(cfg.HarmonyDB)
		if err != nil {
			return nil, xerrors.Errorf("connecting to database: %w", err)
		}
		return &Stores{
			Negotiations: negotiation.NewSQLStore(db, ncfg),
			Transfers:    transfer.NewSQLStore(db, tcfg),
			closers: []func() error{func() error {
				db.Close()
				return nil
			}},
		}, nil
	default:
		return nil, xerrors.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// WaitStrategy maps the retry section onto a wait strategy factory.
func WaitStrategy(cfg config.RetryConfig) (statemachine.WaitStrategyFactory, error) {
	switch cfg.Strategy {
	case "", "exponential":
		return statemachine.ExponentialWaitStrategyFactory(time.Duration(cfg.Min), time.Duration(cfg.Max), cfg.Factor, cfg.Jitter), nil
	case "constant":
		return statemachine.ConstantWaitStrategyFactory(time.Duration(cfg.Min)), nil
	case "none":
		return statemachine.NoWaitFactory, nil
	default:
		return nil, xerrors.Errorf("unknown retry strategy %q", cfg.Strategy)
	}
}

func managerConfig(name string, cfg config.ManagerConfig) statemachine.Config {
	return statemachine.Config{
		Name:            name,
		BatchSize:       cfg.BatchSize,
		PollInterval:    time.Duration(cfg.PollInterval),
		IdleMaxInterval: time.Duration(cfg.IdleMaxInterval),
		Workers:         cfg.Workers,
	}
}

package node

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/build"
	"github.com/dsconnector/connector/dispatcher"
	"github.com/dsconnector/connector/dispatcher/httpdispatch"
	"github.com/dsconnector/connector/journal"
	"github.com/dsconnector/connector/journal/fsjournal"
	"github.com/dsconnector/connector/metrics"
	"github.com/dsconnector/connector/negotiation"
	"github.com/dsconnector/connector/node/config"
	"github.com/dsconnector/connector/statemachine"
	"github.com/dsconnector/connector/transfer"
)

var log = logging.Logger("node")

// LifecycleCtx lives from start until the node is stopped. Hook contexts
// only bound the hook itself.
type LifecycleCtx context.Context

func lifecycleCtx(lc fx.Lifecycle) LifecycleCtx {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

func openJournal(lc fx.Lifecycle, cfg *config.Config) (journal.Journal, error) {
	if cfg.Journal.Path == "" {
		return journal.NilJournal(), nil
	}
	disabled, err := journal.ParseDisabledEvents(strings.Join(cfg.Journal.DisabledEvents, ","))
	if err != nil {
		return nil, xerrors.Errorf("parsing disabled journal events: %w", err)
	}
	j, err := fsjournal.Open(cfg.Journal.Path, fsjournal.Options{
		Disabled:    disabled,
		MaxFileSize: cfg.Journal.MaxFileSize,
		MaxBackups:  cfg.Journal.MaxBackups,
	})
	if err != nil {
		return nil, xerrors.Errorf("opening journal: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error { return j.Close() },
	})
	return j, nil
}

// setGlobalJournal makes j the journal state machines record into.
func setGlobalJournal(j journal.Journal) {
	journal.J = j
}

func stores(lc fx.Lifecycle, cfg *config.Config) (*Stores, error) {
	st, err := OpenStores(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error { return st.Close() },
	})
	return st, nil
}

func retryManager(cfg *config.Config) (statemachine.SendRetryManager, error) {
	waits, err := WaitStrategy(cfg.Retry)
	if err != nil {
		return nil, err
	}
	return statemachine.NewEntitySendRetryManager(build.Clock, waits, cfg.Retry.Limit), nil
}

func registry(cfg *config.Config) *dispatcher.Registry {
	return dispatcher.NewRegistry(httpdispatch.New(httpdispatch.OptionsFromConfig(cfg.Dispatch)))
}

func negotiationManager(lc fx.Lifecycle, mctx LifecycleCtx, cfg *config.Config, st *Stores, reg *dispatcher.Registry, rm statemachine.SendRetryManager) *negotiation.Manager {
	m := negotiation.NewManager(negotiation.Config{
		ParticipantID:   cfg.Connector.ParticipantID,
		ProtocolAddress: cfg.Connector.ProtocolAddress,
		StateMachine:    managerConfig("negotiations", cfg.StateMachine.Negotiation),
	}, st.Negotiations, reg, rm)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return m.Start(mctx) },
		OnStop:  m.Stop,
	})
	return m
}

func transferManager(lc fx.Lifecycle, mctx LifecycleCtx, cfg *config.Config, st *Stores, reg *dispatcher.Registry, rm statemachine.SendRetryManager, p transfer.Provisioner) *transfer.Manager {
	m := transfer.NewManager(transfer.Config{
		ParticipantID:   cfg.Connector.ParticipantID,
		ProtocolAddress: cfg.Connector.ProtocolAddress,
		StateMachine:    managerConfig("transfers", cfg.StateMachine.Transfer),
	}, st.Transfers, reg, rm, p)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return m.Start(mctx) },
		OnStop:  m.Stop,
	})
	return m
}

func serve(lc fx.Lifecycle, name, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return xerrors.Errorf("%s endpoint: %w", name, err)
			}
			log.Infow("serving", "endpoint", name, "address", ln.Addr().String())
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					log.Errorw("server stopped", "endpoint", name, "error", err)
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

// protocolEndpoint serves inbound protocol messages under the path of the
// configured protocol address.
func protocolEndpoint(lc fx.Lifecycle, cfg *config.Config, nm *negotiation.Manager, tm *transfer.Manager) error {
	u, err := url.Parse(cfg.Connector.ProtocolAddress)
	if err != nil {
		return xerrors.Errorf("parsing protocol address: %w", err)
	}
	r := mux.NewRouter()
	sub := r.PathPrefix("/").Subrouter()
	if p := strings.TrimRight(u.Path, "/"); p != "" {
		sub = r.PathPrefix(p).Subrouter()
	}
	httpdispatch.Mount(sub, nm, tm, cfg.Dispatch.AuthToken)
	serve(lc, "protocol", cfg.Connector.ListenAddress, r)
	return nil
}

func metricsEndpoint(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Metrics.ListenAddress == "" {
		return nil
	}
	r, err := metrics.Router("connector")
	if err != nil {
		return xerrors.Errorf("setting up metrics: %w", err)
	}
	serve(lc, "metrics", cfg.Metrics.ListenAddress, r)
	return nil
}

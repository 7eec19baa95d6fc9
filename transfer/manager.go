// Package transfer drives transfer processes: provisioning, the protocol
// exchange with the counter-party and deprovisioning.
package transfer

import (
	"context"
	"encoding/json"

	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/dispatcher"
	"github.com/dsconnector/connector/journal"
	"github.com/dsconnector/connector/lib/promise"
	"github.com/dsconnector/connector/statemachine"
)

var log = logging.Logger("transfer")

type TransitionEvt struct {
	TransferID string
	Type       Type
	From       string
	To         string
	StateCount int
	Error      string `json:",omitempty"`
}

type Config struct {
	ParticipantID string

	// ProtocolAddress is where counter-parties reach this connector.
	ProtocolAddress string

	StateMachine statemachine.Config
}

type Manager struct {
	cfg         Config
	store       Store
	sender      dispatcher.Sender
	retry       statemachine.SendRetryManager
	provisioner Provisioner

	sm *statemachine.Manager
}

// NewManager creates a transfer manager. A nil provisioner provisions
// nothing.
func NewManager(cfg Config, st Store, sender dispatcher.Sender, retry statemachine.SendRetryManager, provisioner Provisioner) *Manager {
	if cfg.StateMachine.Name == "" {
		cfg.StateMachine.Name = "transfers"
	}
	if provisioner == nil {
		provisioner = NoopProvisioner{}
	}

	m := &Manager{cfg: cfg, store: st, sender: sender, retry: retry, provisioner: provisioner}
	m.sm = statemachine.NewManager(cfg.StateMachine,
		m.processor(Initial, m.processInitial),
		m.processor(Provisioning, m.processProvisioning),
		m.processor(Provisioned, m.processProvisioned),
		m.processor(Requesting, m.processRequesting),
		m.processor(Starting, m.processStarting),
		m.processor(Suspending, m.processSuspending),
		m.processor(Completing, m.processCompleting),
		m.processor(Terminating, m.processTerminating),
		m.processor(Completed, m.processEnded),
		m.processor(Terminated, m.processEnded),
		m.processor(Deprovisioning, m.processDeprovisioning),
	)
	return m
}

func (m *Manager) processor(state State, fn func(context.Context, *TransferProcess) bool) statemachine.Processor {
	return statemachine.ProcessorFor[*TransferProcess](state.String(), int(state), m.store, fn)
}

func (m *Manager) Start(ctx context.Context) error {
	return m.sm.Start(ctx)
}

func (m *Manager) Stop(ctx context.Context) error {
	return m.sm.Stop(ctx)
}

func (m *Manager) Tick(ctx context.Context) int {
	return m.sm.Tick(ctx)
}

func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) save(ctx context.Context, tp *TransferProcess, from State) error {
	if err := m.store.Save(ctx, tp); err != nil {
		return err
	}
	log.Debugw("transfer transitioned", "id", tp.ID, "type", tp.Type, "from", from, "to", tp.CurrentState(), "stateCount", tp.StateCount)
	journal.Record("transfer", "transition", func() interface{} {
		return TransitionEvt{
			TransferID: tp.ID,
			Type:       tp.Type,
			From:       from.String(),
			To:         tp.CurrentState().String(),
			StateCount: tp.StateCount,
			Error:      tp.ErrorDetail,
		}
	})
	return nil
}

func (m *Manager) update(ctx context.Context, tp *TransferProcess, from State) {
	if err := m.save(ctx, tp, from); err != nil {
		log.Errorw("saving transfer", "id", tp.ID, "state", tp.CurrentState(), "error", err)
	}
}

func (m *Manager) breakLease(ctx context.Context, tp *TransferProcess) {
	if err := m.store.BreakLease(ctx, tp.ID); err != nil {
		log.Warnw("releasing delayed transfer", "id", tp.ID, "error", err)
	}
}

func (m *Manager) park(ctx context.Context, tp *TransferProcess) {
	tp.SetPending(true)
	if err := m.store.Save(ctx, tp); err != nil {
		log.Warnw("parking transfer", "id", tp.ID, "error", err)
	}
}

func (m *Manager) terminated(from State) func(ctx context.Context, tp *TransferProcess, err error) {
	return func(ctx context.Context, tp *TransferProcess, err error) {
		tp.SetErrorDetail(err.Error())
		transition := tp.TransitionTerminated
		if from.Ended() {
			// teardown failed for good; nothing is retried after this
			transition = tp.TransitionDeprovisioned
		}
		if terr := transition(); terr != nil {
			log.Errorw("terminating transfer", "id", tp.ID, "error", terr)
			return
		}
		m.update(ctx, tp, from)
	}
}

// retryIn re-enters from after a retryable failure.
func (m *Manager) retryIn(from State) func(ctx context.Context, tp *TransferProcess, err error) {
	return func(ctx context.Context, tp *TransferProcess, err error) {
		tp.SetErrorDetail(err.Error())
		tp.TransitionTo(int(from))
		m.update(ctx, tp, from)
	}
}

func (m *Manager) advance(ctx context.Context, tp *TransferProcess, description string, transition func(*TransferProcess) error) bool {
	from := tp.CurrentState()
	p := &statemachine.SimpleRetryProcess[*TransferProcess]{
		Entity: tp,
		Retry:  m.retry,
		Process: func(ctx context.Context) bool {
			if err := transition(tp); err != nil {
				log.Errorw("transfer transition", "id", tp.ID, "process", description, "error", err)
				return false
			}
			m.update(ctx, tp, from)
			return true
		},
		OnDelay: m.breakLease,
	}
	return p.Execute(ctx, description)
}

// provision runs a provisioner call synchronously, with the same retry
// rules as a message exchange.
func (m *Manager) provision(ctx context.Context, tp *TransferProcess, description string, call func(context.Context, *TransferProcess) statemachine.StatusResult[[]ProvisionedResource], onSuccess func(*TransferProcess, []ProvisionedResource) error) bool {
	from := tp.CurrentState()
	p := &statemachine.StatusResultRetryProcess[*TransferProcess, []ProvisionedResource]{
		Entity: tp,
		Retry:  m.retry,
		Process: func(ctx context.Context) statemachine.StatusResult[[]ProvisionedResource] {
			return call(ctx, tp)
		},
		Handlers: statemachine.Handlers[*TransferProcess, []ProvisionedResource]{
			OnDelay: m.breakLease,
			OnSuccess: func(ctx context.Context, tp *TransferProcess, res []ProvisionedResource) {
				if err := onSuccess(tp, res); err != nil {
					m.terminated(from)(ctx, tp, err)
					return
				}
				tp.SetErrorDetail("")
				m.update(ctx, tp, from)
			},
			OnFailure: m.retryIn(from),
			OnRetryExhausted: func(ctx context.Context, tp *TransferProcess, err error) {
				m.terminated(from)(ctx, tp, xerrors.Errorf("%s: retries exhausted: %w", description, err))
			},
			OnFatalError: func(ctx context.Context, tp *TransferProcess, err error) {
				m.terminated(from)(ctx, tp, xerrors.Errorf("%s: %w", description, err))
			},
		},
	}
	return p.Execute(ctx, description)
}

func (m *Manager) send(ctx context.Context, tp *TransferProcess, description string, typ dispatcher.MessageType, body any, onSuccess func(*TransferProcess, dispatcher.Response) error) bool {
	from := tp.CurrentState()

	msg := dispatcher.Message{
		Type:                typ,
		ProcessID:           tp.ID,
		CorrelationID:       tp.CorrelationID,
		Protocol:            tp.Protocol,
		CounterPartyAddress: tp.CounterPartyAddress,
	}
	if typ == dispatcher.TransferTermination {
		msg.Reason = tp.ErrorDetail
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			m.terminated(from)(ctx, tp, xerrors.Errorf("encoding %s: %w", typ, err))
			return true
		}
		msg.Body = raw
	}

	current := func(tp *TransferProcess) bool {
		if tp.CurrentState() != from {
			log.Warnw("transfer changed state during dispatch", "id", tp.ID, "expected", from, "state", tp.CurrentState())
			return false
		}
		return true
	}

	p := &statemachine.AsyncStatusResultRetryProcess[*TransferProcess, dispatcher.Response]{
		Entity: tp,
		Retry:  m.retry,
		Process: func(ctx context.Context) *promise.Promise[dispatcher.Result] {
			return m.sender.Dispatch(ctx, msg)
		},
		EntityRetrieve: m.store.FindByID,
		Handlers: statemachine.Handlers[*TransferProcess, dispatcher.Response]{
			OnDelay: m.breakLease,
			OnSuccess: func(ctx context.Context, tp *TransferProcess, resp dispatcher.Response) {
				if !current(tp) {
					return
				}
				if err := onSuccess(tp, resp); err != nil {
					m.terminated(from)(ctx, tp, err)
					return
				}
				tp.SetErrorDetail("")
				m.update(ctx, tp, from)
			},
			OnFailure: func(ctx context.Context, tp *TransferProcess, err error) {
				if current(tp) {
					m.retryIn(from)(ctx, tp, err)
				}
			},
			OnRetryExhausted: func(ctx context.Context, tp *TransferProcess, err error) {
				if current(tp) {
					m.terminated(from)(ctx, tp, xerrors.Errorf("%s: retries exhausted: %w", description, err))
				}
			},
			OnFatalError: func(ctx context.Context, tp *TransferProcess, err error) {
				if current(tp) {
					m.terminated(from)(ctx, tp, xerrors.Errorf("%s: %w", description, err))
				}
			},
		},
	}
	return p.Execute(ctx, description)
}

type requestBody struct {
	AssetID         string            `json:"assetId"`
	ContractID      string            `json:"contractId"`
	DataDestination map[string]string `json:"dataDestination,omitempty"`
	CallbackAddress string            `json:"callbackAddress,omitempty"`
}

func (m *Manager) processInitial(ctx context.Context, tp *TransferProcess) bool {
	return m.advance(ctx, tp, "start provisioning", (*TransferProcess).TransitionProvisioning)
}

func (m *Manager) processProvisioning(ctx context.Context, tp *TransferProcess) bool {
	return m.provision(ctx, tp, "provision", m.provisioner.Provision, func(tp *TransferProcess, res []ProvisionedResource) error {
		tp.ProvisionedResources = append(tp.ProvisionedResources, res...)
		return tp.TransitionProvisioned()
	})
}

func (m *Manager) processProvisioned(ctx context.Context, tp *TransferProcess) bool {
	if tp.Type == Consumer {
		return m.advance(ctx, tp, "request transfer", (*TransferProcess).TransitionRequesting)
	}
	return m.advance(ctx, tp, "start transfer", (*TransferProcess).TransitionStarting)
}

func (m *Manager) processRequesting(ctx context.Context, tp *TransferProcess) bool {
	body := requestBody{
		AssetID:         tp.AssetID,
		ContractID:      tp.ContractID,
		DataDestination: tp.DataDestination,
		CallbackAddress: m.cfg.ProtocolAddress,
	}
	return m.send(ctx, tp, "send transfer request", dispatcher.TransferRequest, body, func(tp *TransferProcess, resp dispatcher.Response) error {
		if tp.CorrelationID == "" {
			tp.CorrelationID = resp.ProcessID
		}
		// until the provider starts the transfer
		tp.SetPending(true)
		return tp.TransitionRequested()
	})
}

func (m *Manager) processStarting(ctx context.Context, tp *TransferProcess) bool {
	return m.send(ctx, tp, "send transfer start", dispatcher.TransferStart, nil, func(tp *TransferProcess, _ dispatcher.Response) error {
		return tp.TransitionStarted()
	})
}

func (m *Manager) processSuspending(ctx context.Context, tp *TransferProcess) bool {
	return m.send(ctx, tp, "send transfer suspension", dispatcher.TransferSuspension, nil, func(tp *TransferProcess, _ dispatcher.Response) error {
		return tp.TransitionSuspended()
	})
}

func (m *Manager) processCompleting(ctx context.Context, tp *TransferProcess) bool {
	return m.send(ctx, tp, "send transfer completion", dispatcher.TransferCompletion, nil, func(tp *TransferProcess, _ dispatcher.Response) error {
		return tp.TransitionCompleted()
	})
}

func (m *Manager) processTerminating(ctx context.Context, tp *TransferProcess) bool {
	return m.send(ctx, tp, "send transfer termination", dispatcher.TransferTermination, nil, func(tp *TransferProcess, _ dispatcher.Response) error {
		return tp.TransitionTerminated()
	})
}

// processEnded moves ended transfers on to deprovisioning, and parks those
// with nothing to tear down for good.
func (m *Manager) processEnded(ctx context.Context, tp *TransferProcess) bool {
	if !tp.NeedsDeprovisioning() {
		m.park(ctx, tp)
		return false
	}
	return m.advance(ctx, tp, "start deprovisioning", (*TransferProcess).TransitionDeprovisioning)
}

func (m *Manager) processDeprovisioning(ctx context.Context, tp *TransferProcess) bool {
	return m.provision(ctx, tp, "deprovision", m.deprovision, func(tp *TransferProcess, _ []ProvisionedResource) error {
		return tp.TransitionDeprovisioned()
	})
}

// deprovision marks what the provisioner tore down. Resources left over make
// the attempt a retryable failure; the marks are kept either way.
func (m *Manager) deprovision(ctx context.Context, tp *TransferProcess) statemachine.StatusResult[[]ProvisionedResource] {
	res := m.provisioner.Deprovision(ctx, tp)
	if !res.Succeeded() {
		return res
	}

	done := lo.SliceToMap(res.Content, func(r ProvisionedResource) (string, bool) { return r.ID, true })
	for i := range tp.ProvisionedResources {
		if done[tp.ProvisionedResources[i].ID] {
			tp.ProvisionedResources[i].Deprovisioned = true
		}
	}
	if left := lo.CountBy(tp.ProvisionedResources, func(r ProvisionedResource) bool { return !r.Deprovisioned }); left > 0 {
		return statemachine.RetryableFailure[[]ProvisionedResource](xerrors.Errorf("%d resources not deprovisioned", left))
	}
	return res
}

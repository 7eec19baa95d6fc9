// Package negotiation drives contract negotiations on both the consumer and
// the provider side.
package negotiation

import (
	"context"
	"encoding/json"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/build"
	"github.com/dsconnector/connector/dispatcher"
	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/journal"
	"github.com/dsconnector/connector/lib/promise"
	"github.com/dsconnector/connector/statemachine"
)

var log = logging.Logger("negotiation")

// TransitionEvt is journaled for every state change the manager saves.
type TransitionEvt struct {
	NegotiationID string
	Type          Type
	From          string
	To            string
	StateCount    int
	Error         string `json:",omitempty"`
}

type Config struct {
	// ParticipantID identifies this connector in requests and agreements.
	ParticipantID string

	// ProtocolAddress is where counter-parties reach this connector.
	ProtocolAddress string

	StateMachine statemachine.Config
}

type Manager struct {
	cfg    Config
	store  Store
	sender dispatcher.Sender
	retry  statemachine.SendRetryManager
	clock  clock.Clock

	sm *statemachine.Manager
}

func NewManager(cfg Config, st Store, sender dispatcher.Sender, retry statemachine.SendRetryManager) *Manager {
	if cfg.StateMachine.Name == "" {
		cfg.StateMachine.Name = "negotiations"
	}
	clk := cfg.StateMachine.Clock
	if clk == nil {
		clk = build.Clock
	}

	m := &Manager{cfg: cfg, store: st, sender: sender, retry: retry, clock: clk}
	m.sm = statemachine.NewManager(cfg.StateMachine,
		m.processor(Initial, m.processInitial),
		m.processor(Requesting, m.processRequesting),
		m.processor(Offering, m.processOffering),
		m.processor(Accepting, m.processAccepting),
		m.processor(Agreeing, m.processAgreeing),
		m.processor(Agreed, m.processAgreed),
		m.processor(Verifying, m.processVerifying),
		m.processor(Verified, m.processVerified),
		m.processor(Finalizing, m.processFinalizing),
		m.processor(Terminating, m.processTerminating),
	)
	return m
}

func (m *Manager) processor(state State, fn func(context.Context, *ContractNegotiation) bool) statemachine.Processor {
	return statemachine.ProcessorFor[*ContractNegotiation](state.String(), int(state), m.store, fn)
}

func (m *Manager) Start(ctx context.Context) error {
	return m.sm.Start(ctx)
}

func (m *Manager) Stop(ctx context.Context) error {
	return m.sm.Stop(ctx)
}

// Tick runs every processor once.
func (m *Manager) Tick(ctx context.Context) int {
	return m.sm.Tick(ctx)
}

func (m *Manager) Store() Store {
	return m.store
}

// save persists n after a transition out of from and journals the change.
func (m *Manager) save(ctx context.Context, n *ContractNegotiation, from State) error {
	if err := m.store.Save(ctx, n); err != nil {
		return err
	}
	log.Debugw("negotiation transitioned", "id", n.ID, "type", n.Type, "from", from, "to", n.CurrentState(), "stateCount", n.StateCount)
	journal.Record("negotiation", "transition", func() interface{} {
		return TransitionEvt{
			NegotiationID: n.ID,
			Type:          n.Type,
			From:          from.String(),
			To:            n.CurrentState().String(),
			StateCount:    n.StateCount,
			Error:         n.ErrorDetail,
		}
	})
	return nil
}

// update is save for the processors, which have nobody to report to.
func (m *Manager) update(ctx context.Context, n *ContractNegotiation, from State) {
	if err := m.save(ctx, n, from); err != nil {
		log.Errorw("saving negotiation", "id", n.ID, "state", n.CurrentState(), "error", err)
	}
}

// breakLease releases n without writing it, so that it is due again once
// its retry delay has passed.
func (m *Manager) breakLease(ctx context.Context, n *ContractNegotiation) {
	if err := m.store.BreakLease(ctx, n.ID); err != nil {
		log.Warnw("releasing delayed negotiation", "id", n.ID, "error", err)
	}
}

// park saves n as pending until the counter-party moves it on.
func (m *Manager) park(ctx context.Context, n *ContractNegotiation) {
	n.SetPending(true)
	if err := m.store.Save(ctx, n); err != nil {
		log.Warnw("parking negotiation", "id", n.ID, "error", err)
	}
}

func (m *Manager) terminated(from State) func(ctx context.Context, n *ContractNegotiation, err error) {
	return func(ctx context.Context, n *ContractNegotiation, err error) {
		n.SetErrorDetail(err.Error())
		if terr := n.TransitionTerminated(); terr != nil {
			log.Errorw("terminating negotiation", "id", n.ID, "error", terr)
			return
		}
		m.update(ctx, n, from)
	}
}

// advance runs a local transition as a simple retry process.
func (m *Manager) advance(ctx context.Context, n *ContractNegotiation, description string, transition func(*ContractNegotiation) error) bool {
	from := n.CurrentState()
	p := &statemachine.SimpleRetryProcess[*ContractNegotiation]{
		Entity: n,
		Retry:  m.retry,
		Process: func(ctx context.Context) bool {
			if err := transition(n); err != nil {
				log.Errorw("negotiation transition", "id", n.ID, "process", description, "error", err)
				return false
			}
			m.update(ctx, n, from)
			return true
		},
		OnDelay: m.breakLease,
	}
	return p.Execute(ctx, description)
}

// send delivers a message to the counter-party and runs onSuccess on the
// reloaded negotiation once it was delivered. Failed deliveries re-enter the
// current state until the retry budget is spent, then the negotiation is
// terminated.
func (m *Manager) send(ctx context.Context, n *ContractNegotiation, description string, typ dispatcher.MessageType, body any, onSuccess func(*ContractNegotiation, dispatcher.Response) error) bool {
	from := n.CurrentState()

	msg := dispatcher.Message{
		Type:                typ,
		ProcessID:           n.ID,
		CorrelationID:       n.CorrelationID,
		Protocol:            n.Protocol,
		CounterPartyAddress: n.CounterPartyAddress,
	}
	if typ == dispatcher.ContractNegotiationTermination {
		msg.Reason = n.ErrorDetail
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			m.terminated(from)(ctx, n, xerrors.Errorf("encoding %s: %w", typ, err))
			return true
		}
		msg.Body = raw
	}

	// the entity may have moved on while the message was in flight
	current := func(n *ContractNegotiation) bool {
		if n.CurrentState() != from {
			log.Warnw("negotiation changed state during dispatch", "id", n.ID, "expected", from, "state", n.CurrentState())
			return false
		}
		return true
	}

	p := &statemachine.AsyncStatusResultRetryProcess[*ContractNegotiation, dispatcher.Response]{
		Entity: n,
		Retry:  m.retry,
		Process: func(ctx context.Context) *promise.Promise[dispatcher.Result] {
			return m.sender.Dispatch(ctx, msg)
		},
		EntityRetrieve: m.store.FindByID,
		Handlers: statemachine.Handlers[*ContractNegotiation, dispatcher.Response]{
			OnDelay: m.breakLease,
			OnSuccess: func(ctx context.Context, n *ContractNegotiation, resp dispatcher.Response) {
				if !current(n) {
					return
				}
				if err := onSuccess(n, resp); err != nil {
					m.terminated(from)(ctx, n, err)
					return
				}
				n.SetErrorDetail("")
				m.update(ctx, n, from)
			},
			OnFailure: func(ctx context.Context, n *ContractNegotiation, err error) {
				if !current(n) {
					return
				}
				n.SetErrorDetail(err.Error())
				n.TransitionTo(int(from))
				m.update(ctx, n, from)
			},
			OnRetryExhausted: func(ctx context.Context, n *ContractNegotiation, err error) {
				if current(n) {
					m.terminated(from)(ctx, n, xerrors.Errorf("%s: retries exhausted: %w", description, err))
				}
			},
			OnFatalError: func(ctx context.Context, n *ContractNegotiation, err error) {
				if current(n) {
					m.terminated(from)(ctx, n, xerrors.Errorf("%s: %w", description, err))
				}
			},
		},
	}
	return p.Execute(ctx, description)
}

type requestBody struct {
	Offer             ContractOffer            `json:"offer"`
	ConsumerID        string                   `json:"consumerId,omitempty"`
	CallbackAddress   string                   `json:"callbackAddress,omitempty"`
	CallbackAddresses []entity.CallbackAddress `json:"callbackAddresses,omitempty"`
}

type eventBody struct {
	Event string `json:"event"`
}

type verificationBody struct {
	AgreementID string `json:"agreementId"`
}

func (m *Manager) processInitial(ctx context.Context, n *ContractNegotiation) bool {
	return m.advance(ctx, n, "initiate negotiation", (*ContractNegotiation).TransitionRequesting)
}

func (m *Manager) processRequesting(ctx context.Context, n *ContractNegotiation) bool {
	offer, ok := n.LastOffer()
	if !ok {
		m.terminated(Requesting)(ctx, n, xerrors.New("negotiation has no offer to request"))
		return true
	}
	body := requestBody{
		Offer:             offer,
		ConsumerID:        m.cfg.ParticipantID,
		CallbackAddress:   m.cfg.ProtocolAddress,
		CallbackAddresses: n.CallbackAddresses,
	}
	return m.send(ctx, n, "send contract request", dispatcher.ContractRequest, body, func(n *ContractNegotiation, resp dispatcher.Response) error {
		if n.CorrelationID == "" {
			n.CorrelationID = resp.ProcessID
		}
		return n.TransitionRequested()
	})
}

func (m *Manager) processOffering(ctx context.Context, n *ContractNegotiation) bool {
	offer, ok := n.LastOffer()
	if !ok {
		m.terminated(Offering)(ctx, n, xerrors.New("negotiation has no offer to send"))
		return true
	}
	return m.send(ctx, n, "send contract offer", dispatcher.ContractOffer, offer, func(n *ContractNegotiation, _ dispatcher.Response) error {
		return n.TransitionOffered()
	})
}

func (m *Manager) processAccepting(ctx context.Context, n *ContractNegotiation) bool {
	return m.send(ctx, n, "send acceptance", dispatcher.ContractNegotiationEvent, eventBody{Event: Accepted.String()}, func(n *ContractNegotiation, _ dispatcher.Response) error {
		return n.TransitionAccepted()
	})
}

// agreement returns the agreement n concludes, creating it on the first
// attempt.
func (m *Manager) agreement(n *ContractNegotiation) (*ContractAgreement, error) {
	if n.ContractAgreement != nil {
		return n.ContractAgreement, nil
	}
	offer, ok := n.LastOffer()
	if !ok {
		return nil, xerrors.New("negotiation has no offer to agree on")
	}
	return &ContractAgreement{
		ID:                  AgreementID(offer.DefinitionID(), offer.AssetID, n.ID),
		ProviderID:          m.cfg.ParticipantID,
		ConsumerID:          n.CounterPartyID,
		ContractSigningDate: m.clock.Now().Unix(),
		AssetID:             offer.AssetID,
		Policy:              offer.Policy,
	}, nil
}

func (m *Manager) processAgreeing(ctx context.Context, n *ContractNegotiation) bool {
	agreement, err := m.agreement(n)
	if err != nil {
		m.terminated(Agreeing)(ctx, n, err)
		return true
	}
	return m.send(ctx, n, "send agreement", dispatcher.ContractAgreement, agreement, func(n *ContractNegotiation, _ dispatcher.Response) error {
		if n.ContractAgreement == nil {
			n.ContractAgreement = agreement
		}
		// until the consumer verifies
		n.SetPending(true)
		return n.TransitionAgreed()
	})
}

func (m *Manager) processAgreed(ctx context.Context, n *ContractNegotiation) bool {
	if n.Type != Consumer {
		// the provider waits for the consumer's verification
		m.park(ctx, n)
		return false
	}
	return m.advance(ctx, n, "verify agreement", (*ContractNegotiation).TransitionVerifying)
}

func (m *Manager) processVerifying(ctx context.Context, n *ContractNegotiation) bool {
	if n.ContractAgreement == nil {
		m.terminated(Verifying)(ctx, n, xerrors.New("negotiation has no agreement to verify"))
		return true
	}
	return m.send(ctx, n, "send agreement verification", dispatcher.ContractAgreementVerification, verificationBody{AgreementID: n.ContractAgreement.ID}, func(n *ContractNegotiation, _ dispatcher.Response) error {
		// until the provider finalizes
		n.SetPending(true)
		return n.TransitionVerified()
	})
}

func (m *Manager) processVerified(ctx context.Context, n *ContractNegotiation) bool {
	if n.Type != Provider {
		m.park(ctx, n)
		return false
	}
	return m.advance(ctx, n, "finalize negotiation", (*ContractNegotiation).TransitionFinalizing)
}

func (m *Manager) processFinalizing(ctx context.Context, n *ContractNegotiation) bool {
	return m.send(ctx, n, "send finalization", dispatcher.ContractNegotiationEvent, eventBody{Event: Finalized.String()}, func(n *ContractNegotiation, _ dispatcher.Response) error {
		return n.TransitionFinalized()
	})
}

func (m *Manager) processTerminating(ctx context.Context, n *ContractNegotiation) bool {
	return m.send(ctx, n, "send termination", dispatcher.ContractNegotiationTermination, nil, func(n *ContractNegotiation, _ dispatcher.Response) error {
		return n.TransitionTerminated()
	})
}

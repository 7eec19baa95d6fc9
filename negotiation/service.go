package negotiation

import (
	"context"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/dispatcher"
	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/store"
)

// ErrFinal is returned when a call would change a negotiation that has
// already ended.
var ErrFinal = xerrors.Errorf("negotiation has ended: %w", store.ErrConflict)

// ContractRequest starts a negotiation as consumer.
type ContractRequest struct {
	CounterPartyID      string
	CounterPartyAddress string
	Protocol            string
	Offer               ContractOffer
	CallbackAddresses   []entity.CallbackAddress
	Properties          map[string]string
}

// Initiate creates a consumer negotiation in INITIAL. The manager sends the
// request on its next poll.
func (m *Manager) Initiate(ctx context.Context, req ContractRequest) (*ContractNegotiation, error) {
	if req.CounterPartyAddress == "" {
		return nil, xerrors.New("contract request needs a counter-party address")
	}
	if req.Offer.ID == "" || req.Offer.AssetID == "" {
		return nil, xerrors.New("contract request needs an offer id and asset id")
	}

	n := &ContractNegotiation{
		CounterPartyID:      req.CounterPartyID,
		CounterPartyAddress: req.CounterPartyAddress,
		Protocol:            req.Protocol,
		Type:                Consumer,
		ContractOffers:      []ContractOffer{req.Offer},
		Properties:          req.Properties,
	}
	n.CallbackAddresses = req.CallbackAddresses
	n.Init(int(Initial))

	if err := m.save(ctx, n, Initial); err != nil {
		return nil, xerrors.Errorf("saving negotiation: %w", err)
	}
	log.Infow("negotiation initiated", "id", n.ID, "counterParty", n.CounterPartyID, "offer", req.Offer.ID)
	return n, nil
}

// mutate applies fn to the stored negotiation id and saves it. Lease
// conflicts are returned to the caller, who may try again later.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*ContractNegotiation) error) (*ContractNegotiation, error) {
	n, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("loading negotiation %s: %w", id, err)
	}
	if n == nil {
		return nil, xerrors.Errorf("negotiation %s: %w", id, store.ErrNotFound)
	}

	from := n.CurrentState()
	if err := fn(n); err != nil {
		return nil, err
	}
	if err := m.save(ctx, n, from); err != nil {
		return nil, xerrors.Errorf("saving negotiation %s: %w", id, err)
	}
	return n, nil
}

// Terminate moves a negotiation that has not ended to TERMINATING; the
// counter-party is notified on the next poll.
func (m *Manager) Terminate(ctx context.Context, id, reason string) error {
	_, err := m.mutate(ctx, id, func(n *ContractNegotiation) error {
		if n.IsFinal() {
			return xerrors.Errorf("negotiation %s is %s: %w", id, n.CurrentState(), ErrFinal)
		}
		n.SetErrorDetail(reason)
		n.SetPending(false)
		return n.TransitionTerminating()
	})
	return err
}

// Accept accepts the offer of an OFFERED consumer negotiation.
func (m *Manager) Accept(ctx context.Context, id string) error {
	_, err := m.mutate(ctx, id, func(n *ContractNegotiation) error {
		if n.Type != Consumer {
			return xerrors.Errorf("negotiation %s: only the consumer accepts: %w", id, store.ErrConflict)
		}
		return n.TransitionAccepting()
	})
	return err
}

// Agree concludes a requested or accepted provider negotiation; the
// agreement is created and sent on the next poll.
func (m *Manager) Agree(ctx context.Context, id string) error {
	_, err := m.mutate(ctx, id, func(n *ContractNegotiation) error {
		if n.Type != Provider {
			return xerrors.Errorf("negotiation %s: only the provider agrees: %w", id, store.ErrConflict)
		}
		return n.TransitionAgreeing()
	})
	return err
}

// Handle applies a message received from a counter-party. msg.Protocol must
// be set by the receiving transport.
func (m *Manager) Handle(ctx context.Context, msg dispatcher.Message) (dispatcher.Response, error) {
	var n *ContractNegotiation
	var err error

	switch msg.Type {
	case dispatcher.ContractRequest:
		n, err = m.handleRequest(ctx, msg)
	case dispatcher.ContractAgreement:
		var a ContractAgreement
		if err := json.Unmarshal(msg.Body, &a); err != nil {
			return dispatcher.Response{}, xerrors.Errorf("decoding agreement: %s: %w", err, dispatcher.ErrMalformed)
		}
		n, err = m.mutate(ctx, msg.CorrelationID, func(n *ContractNegotiation) error {
			if n.ContractAgreement == nil {
				n.ContractAgreement = &a
			}
			return n.TransitionAgreed()
		})
	case dispatcher.ContractAgreementVerification:
		n, err = m.mutate(ctx, msg.CorrelationID, func(n *ContractNegotiation) error {
			n.SetPending(false)
			return n.TransitionVerified()
		})
	case dispatcher.ContractNegotiationEvent:
		var evt eventBody
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			return dispatcher.Response{}, xerrors.Errorf("decoding event: %s: %w", err, dispatcher.ErrMalformed)
		}
		n, err = m.mutate(ctx, msg.CorrelationID, func(n *ContractNegotiation) error {
			n.SetPending(false)
			switch evt.Event {
			case Accepted.String():
				return n.TransitionAccepted()
			case Finalized.String():
				return n.TransitionFinalized()
			}
			return xerrors.Errorf("unknown negotiation event %q: %w", evt.Event, dispatcher.ErrMalformed)
		})
	case dispatcher.ContractNegotiationTermination:
		n, err = m.mutate(ctx, msg.CorrelationID, func(n *ContractNegotiation) error {
			if msg.Reason != "" {
				n.SetErrorDetail(msg.Reason)
			}
			n.SetPending(false)
			return n.TransitionTerminated()
		})
	default:
		return dispatcher.Response{}, xerrors.Errorf("unsupported message %s: %w", msg.Type, dispatcher.ErrMalformed)
	}

	if err != nil {
		log.Warnw("handling message", "type", msg.Type, "process", msg.ProcessID, "error", err)
		return dispatcher.Response{}, err
	}
	return dispatcher.Response{ProcessID: n.ID}, nil
}

func (m *Manager) handleRequest(ctx context.Context, msg dispatcher.Message) (*ContractNegotiation, error) {
	var req requestBody
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return nil, xerrors.Errorf("decoding contract request: %s: %w", err, dispatcher.ErrMalformed)
	}

	// a request resent after a lost response must not open a second negotiation
	existing, err := m.store.FindForCorrelationID(ctx, msg.ProcessID)
	if err != nil {
		return nil, xerrors.Errorf("looking up negotiation for %s: %w", msg.ProcessID, err)
	}
	if existing != nil {
		return existing, nil
	}

	n := &ContractNegotiation{
		CorrelationID:       msg.ProcessID,
		CounterPartyID:      req.ConsumerID,
		CounterPartyAddress: req.CallbackAddress,
		Protocol:            msg.Protocol,
		Type:                Provider,
		ContractOffers:      []ContractOffer{req.Offer},
	}
	n.CallbackAddresses = req.CallbackAddresses
	n.Init(int(Requested))
	if err := m.save(ctx, n, Initial); err != nil {
		return nil, xerrors.Errorf("saving negotiation: %w", err)
	}
	log.Infow("contract requested", "id", n.ID, "consumer", n.CounterPartyID, "offer", req.Offer.ID)
	return n, nil
}

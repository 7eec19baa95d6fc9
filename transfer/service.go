package transfer

import (
	"context"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/dispatcher"
	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/store"
)

var ErrEnded = xerrors.Errorf("transfer has ended: %w", store.ErrConflict)

// TransferRequest starts a transfer as consumer under an agreed contract.
type TransferRequest struct {
	AssetID             string
	ContractID          string
	CounterPartyAddress string
	Protocol            string
	DataDestination     map[string]string
	PrivateProperties   map[string]string
	CallbackAddresses   []entity.CallbackAddress
}

// Initiate creates a consumer transfer in INITIAL.
func (m *Manager) Initiate(ctx context.Context, req TransferRequest) (*TransferProcess, error) {
	if req.CounterPartyAddress == "" || req.ContractID == "" {
		return nil, xerrors.New("transfer request needs a counter-party address and a contract id")
	}

	tp := &TransferProcess{
		Type:                Consumer,
		AssetID:             req.AssetID,
		ContractID:          req.ContractID,
		CounterPartyAddress: req.CounterPartyAddress,
		Protocol:            req.Protocol,
		DataDestination:     req.DataDestination,
		PrivateProperties:   req.PrivateProperties,
	}
	tp.CallbackAddresses = req.CallbackAddresses
	tp.Init(int(Initial))

	if err := m.save(ctx, tp, Initial); err != nil {
		return nil, xerrors.Errorf("saving transfer: %w", err)
	}
	log.Infow("transfer initiated", "id", tp.ID, "contract", tp.ContractID, "asset", tp.AssetID)
	return tp, nil
}

func (m *Manager) mutate(ctx context.Context, id string, fn func(*TransferProcess) error) (*TransferProcess, error) {
	tp, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("loading transfer %s: %w", id, err)
	}
	if tp == nil {
		return nil, xerrors.Errorf("transfer %s: %w", id, store.ErrNotFound)
	}

	from := tp.CurrentState()
	if err := fn(tp); err != nil {
		return nil, err
	}
	if err := m.save(ctx, tp, from); err != nil {
		return nil, xerrors.Errorf("saving transfer %s: %w", id, err)
	}
	return tp, nil
}

// Terminate moves a transfer that has not ended to TERMINATING.
func (m *Manager) Terminate(ctx context.Context, id, reason string) error {
	_, err := m.mutate(ctx, id, func(tp *TransferProcess) error {
		if tp.CurrentState().Ended() {
			return xerrors.Errorf("transfer %s is %s: %w", id, tp.CurrentState(), ErrEnded)
		}
		tp.SetErrorDetail(reason)
		tp.SetPending(false)
		return tp.TransitionTerminating()
	})
	return err
}

// Complete ends a started transfer.
func (m *Manager) Complete(ctx context.Context, id string) error {
	_, err := m.mutate(ctx, id, func(tp *TransferProcess) error {
		tp.SetPending(false)
		return tp.TransitionCompleting()
	})
	return err
}

// Suspend pauses a started transfer.
func (m *Manager) Suspend(ctx context.Context, id, reason string) error {
	_, err := m.mutate(ctx, id, func(tp *TransferProcess) error {
		tp.SetErrorDetail(reason)
		tp.SetPending(false)
		return tp.TransitionSuspending()
	})
	return err
}

// Handle applies a message received from a counter-party.
func (m *Manager) Handle(ctx context.Context, msg dispatcher.Message) (dispatcher.Response, error) {
	var tp *TransferProcess
	var err error

	// the counter-party waits for us in every state a message moves us to
	arrived := func(transition func(*TransferProcess) error) func(*TransferProcess) error {
		return func(tp *TransferProcess) error {
			tp.SetPending(true)
			return transition(tp)
		}
	}

	switch msg.Type {
	case dispatcher.TransferRequest:
		tp, err = m.handleRequest(ctx, msg)
	case dispatcher.TransferStart:
		tp, err = m.mutate(ctx, msg.CorrelationID, arrived((*TransferProcess).TransitionStarted))
	case dispatcher.TransferSuspension:
		tp, err = m.mutate(ctx, msg.CorrelationID, arrived(func(tp *TransferProcess) error {
			if msg.Reason != "" {
				tp.SetErrorDetail(msg.Reason)
			}
			return tp.TransitionSuspended()
		}))
	case dispatcher.TransferCompletion:
		tp, err = m.mutate(ctx, msg.CorrelationID, func(tp *TransferProcess) error {
			tp.SetPending(false)
			return tp.TransitionCompleted()
		})
	case dispatcher.TransferTermination:
		tp, err = m.mutate(ctx, msg.CorrelationID, func(tp *TransferProcess) error {
			if msg.Reason != "" {
				tp.SetErrorDetail(msg.Reason)
			}
			tp.SetPending(false)
			return tp.TransitionTerminated()
		})
	default:
		return dispatcher.Response{}, xerrors.Errorf("unsupported message %s: %w", msg.Type, dispatcher.ErrMalformed)
	}

	if err != nil {
		log.Warnw("handling message", "type", msg.Type, "process", msg.ProcessID, "error", err)
		return dispatcher.Response{}, err
	}
	return dispatcher.Response{ProcessID: tp.ID}, nil
}

func (m *Manager) handleRequest(ctx context.Context, msg dispatcher.Message) (*TransferProcess, error) {
	var req requestBody
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return nil, xerrors.Errorf("decoding transfer request: %s: %w", err, dispatcher.ErrMalformed)
	}

	existing, err := m.store.FindForCorrelationID(ctx, msg.ProcessID)
	if err != nil {
		return nil, xerrors.Errorf("looking up transfer for %s: %w", msg.ProcessID, err)
	}
	if existing != nil {
		return existing, nil
	}

	tp := &TransferProcess{
		Type:                Provider,
		CorrelationID:       msg.ProcessID,
		AssetID:             req.AssetID,
		ContractID:          req.ContractID,
		CounterPartyAddress: req.CallbackAddress,
		Protocol:            msg.Protocol,
		DataDestination:     req.DataDestination,
	}
	tp.Init(int(Initial))
	if err := m.save(ctx, tp, Initial); err != nil {
		return nil, xerrors.Errorf("saving transfer: %w", err)
	}
	log.Infow("transfer requested", "id", tp.ID, "contract", tp.ContractID, "asset", tp.AssetID)
	return tp, nil
}

// Package dispatcher delivers protocol messages to counter-party connectors.
// State machines only see the RemoteMessageDispatcher interface; transports
// register themselves in a Registry under the protocol they speak.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/lib/promise"
	"github.com/dsconnector/connector/statemachine"
)

//go:generate go run github.com/golang/mock/mockgen -destination=mocks/mock_dispatcher.go -package=mocks . RemoteMessageDispatcher

// ErrUnknownProtocol is the failure of a message addressed with a protocol no
// dispatcher is registered for. It is fatal: retrying cannot help.
var ErrUnknownProtocol = xerrors.New("no dispatcher for protocol")

// ErrMalformed is returned by receivers for messages they cannot decode or
// do not accept.
var ErrMalformed = xerrors.New("malformed message")

type MessageType string

const (
	ContractRequest                MessageType = "ContractRequestMessage"
	ContractOffer                  MessageType = "ContractOfferMessage"
	ContractAgreement              MessageType = "ContractAgreementMessage"
	ContractAgreementVerification  MessageType = "ContractAgreementVerificationMessage"
	ContractNegotiationEvent       MessageType = "ContractNegotiationEventMessage"
	ContractNegotiationTermination MessageType = "ContractNegotiationTerminationMessage"

	TransferRequest     MessageType = "TransferRequestMessage"
	TransferStart       MessageType = "TransferStartMessage"
	TransferSuspension  MessageType = "TransferSuspensionMessage"
	TransferCompletion  MessageType = "TransferCompletionMessage"
	TransferTermination MessageType = "TransferTerminationMessage"
)

// Message is one protocol message. ProcessID is the sender's id of the
// negotiation or transfer, CorrelationID the receiver's id if known.
type Message struct {
	Type          MessageType     `json:"type"`
	ProcessID     string          `json:"processId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`

	// addressing, not part of the payload
	Protocol            string `json:"-"`
	CounterPartyAddress string `json:"-"`
}

// Response is what the counter-party answers. ProcessID is its own id of
// the process, which the sender keeps as correlation id.
type Response struct {
	ProcessID string          `json:"processId,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Result is the outcome of a delivery as the retry processes consume it.
type Result = statemachine.StatusResult[Response]

// Sender is the sending half of a dispatcher, implemented by every
// RemoteMessageDispatcher and by Registry.
type Sender interface {
	// Dispatch starts delivering msg. The returned promise is set once the
	// delivery succeeded or failed; transport failures are retryable, a
	// rejection by the counter-party is fatal.
	Dispatch(ctx context.Context, msg Message) *promise.Promise[Result]
}

type RemoteMessageDispatcher interface {
	Sender
	Protocol() string
}

var _ Sender = (*Registry)(nil)

// Registry routes messages to the dispatcher of their protocol.
type Registry struct {
	lk          sync.RWMutex
	dispatchers map[string]RemoteMessageDispatcher
}

func NewRegistry(ds ...RemoteMessageDispatcher) *Registry {
	r := &Registry{dispatchers: map[string]RemoteMessageDispatcher{}}
	for _, d := range ds {
		r.Register(d)
	}
	return r
}

// Register adds d, replacing any dispatcher for the same protocol.
func (r *Registry) Register(d RemoteMessageDispatcher) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.dispatchers[d.Protocol()] = d
}

func (r *Registry) Protocols() []string {
	r.lk.RLock()
	defer r.lk.RUnlock()
	out := make([]string, 0, len(r.dispatchers))
	for p := range r.dispatchers {
		out = append(out, p)
	}
	return out
}

// Dispatch hands msg to the dispatcher registered for msg.Protocol.
func (r *Registry) Dispatch(ctx context.Context, msg Message) *promise.Promise[Result] {
	r.lk.RLock()
	d, ok := r.dispatchers[msg.Protocol]
	r.lk.RUnlock()
	if !ok {
		return promise.Resolved(statemachine.FatalFailure[Response](xerrors.Errorf("%s: %w", msg.Protocol, ErrUnknownProtocol)))
	}
	return d.Dispatch(ctx, msg)
}

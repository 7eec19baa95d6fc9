package negotiation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/store"
)

type Type string

const (
	Consumer Type = "CONSUMER"
	Provider Type = "PROVIDER"
)

// ContractOffer is what a provider offers for an asset. Its id has the form
// "<definitionID>:<assetID>:<uuid>".
type ContractOffer struct {
	ID      string          `json:"id"`
	AssetID string          `json:"assetId"`
	Policy  json.RawMessage `json:"policy,omitempty"`
}

// DefinitionID is the contract definition part of the offer id.
func (o ContractOffer) DefinitionID() string {
	def, _, _ := strings.Cut(o.ID, ":")
	return def
}

// ContractAgreement is the outcome of a successful negotiation. Once
// attached to a negotiation it never changes.
type ContractAgreement struct {
	ID                  string          `json:"id"`
	ProviderID          string          `json:"providerId"`
	ConsumerID          string          `json:"consumerId"`
	ContractSigningDate int64           `json:"contractSigningDate"`
	AssetID             string          `json:"assetId"`
	Policy              json.RawMessage `json:"policy,omitempty"`
}

var agreementNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:connector:contract-agreement"))

// AgreementID derives the id of the agreement concluded by negotiation
// negotiationID over an offer of definitionID for assetID. Deriving it makes
// a retried AGREEING attempt produce the same agreement.
func AgreementID(definitionID, assetID, negotiationID string) string {
	name := definitionID + ":" + assetID + ":" + negotiationID
	return fmt.Sprintf("%s:%s:%s", definitionID, assetID, uuid.NewSHA1(agreementNamespace, []byte(name)))
}

// ContractNegotiation is the state machine entity of one negotiation, on
// either side.
type ContractNegotiation struct {
	entity.StatefulEntity

	// CorrelationID is the counter-party's id of this negotiation.
	CorrelationID       string             `json:"correlationId,omitempty"`
	CounterPartyID      string             `json:"counterPartyId"`
	CounterPartyAddress string             `json:"counterPartyAddress"`
	Protocol            string             `json:"protocol"`
	Type                Type               `json:"type"`
	ContractOffers      []ContractOffer    `json:"contractOffers,omitempty"`
	ContractAgreement   *ContractAgreement `json:"contractAgreement,omitempty"`
	Properties          map[string]string  `json:"properties,omitempty"`
}

// LastOffer is the offer currently under negotiation.
func (n *ContractNegotiation) LastOffer() (ContractOffer, bool) {
	if len(n.ContractOffers) == 0 {
		return ContractOffer{}, false
	}
	return n.ContractOffers[len(n.ContractOffers)-1], true
}

func (n *ContractNegotiation) CurrentState() State {
	return State(n.State)
}

func (n *ContractNegotiation) IsFinal() bool {
	return n.CurrentState().Final()
}

// ErrIllegalTransition is matched by every failed TransitionX call. It is a
// conflict with the stored state.
var ErrIllegalTransition = xerrors.Errorf("illegal state transition: %w", store.ErrConflict)

func (n *ContractNegotiation) transition(to State) error {
	from := n.CurrentState()
	if from != to && !to.legalFrom(from) {
		return xerrors.Errorf("negotiation %s: %s -> %s: %w", n.ID, from, to, ErrIllegalTransition)
	}
	n.TransitionTo(int(to))
	return nil
}

func (n *ContractNegotiation) TransitionRequesting() error  { return n.transition(Requesting) }
func (n *ContractNegotiation) TransitionRequested() error   { return n.transition(Requested) }
func (n *ContractNegotiation) TransitionOffering() error    { return n.transition(Offering) }
func (n *ContractNegotiation) TransitionOffered() error     { return n.transition(Offered) }
func (n *ContractNegotiation) TransitionAccepting() error   { return n.transition(Accepting) }
func (n *ContractNegotiation) TransitionAccepted() error    { return n.transition(Accepted) }
func (n *ContractNegotiation) TransitionAgreeing() error    { return n.transition(Agreeing) }
func (n *ContractNegotiation) TransitionAgreed() error      { return n.transition(Agreed) }
func (n *ContractNegotiation) TransitionVerifying() error   { return n.transition(Verifying) }
func (n *ContractNegotiation) TransitionVerified() error    { return n.transition(Verified) }
func (n *ContractNegotiation) TransitionFinalizing() error  { return n.transition(Finalizing) }
func (n *ContractNegotiation) TransitionFinalized() error   { return n.transition(Finalized) }
func (n *ContractNegotiation) TransitionTerminating() error { return n.transition(Terminating) }
func (n *ContractNegotiation) TransitionTerminated() error  { return n.transition(Terminated) }

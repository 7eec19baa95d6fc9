// Package entity holds the persistent, versioned record every state machine
// in the connector drives: an id, a state code, how often the current state
// has been attempted, and when it was entered.
package entity

import (
	"encoding/json"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/build"
)

// StatefulEntity is embedded by every entity type that is persisted in a
// store and progressed by a state machine.
type StatefulEntity struct {
	ID                string            `json:"id"`
	State             int               `json:"state"`
	StateCount        int               `json:"stateCount"`
	StateTimestamp    int64             `json:"stateTimestamp"`
	TraceContext      map[string]string `json:"traceContext,omitempty"`
	ErrorDetail       string            `json:"errorDetail,omitempty"`
	CallbackAddresses []CallbackAddress `json:"callbackAddresses,omitempty"`
	Pending           bool              `json:"pending"`
	CreatedAt         int64             `json:"createdAt"`
	UpdatedAt         int64             `json:"updatedAt"`
}

// CallbackAddress is an endpoint interested in lifecycle events of an entity.
type CallbackAddress struct {
	URI           string   `json:"uri"`
	Events        []string `json:"events,omitempty"`
	Transactional bool     `json:"transactional"`
	AuthKey       string   `json:"authKey,omitempty"`
}

// Entity is implemented by every type embedding StatefulEntity.
type Entity interface {
	Base() *StatefulEntity
}

// Base gives stores and retry processes access to the common fields.
func (e *StatefulEntity) Base() *StatefulEntity {
	return e
}

// Init assigns an id if none is set and stamps the creation time. The entity
// starts in state with a state count of one.
func (e *StatefulEntity) Init(state int) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := build.Clock.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.State = state
	e.StateCount = 1
	e.StateTimestamp = now
	e.UpdatedAt = now
}

// TransitionTo moves the entity into state. Re-entering the current state
// counts as another attempt in that state; any other state resets the count.
func (e *StatefulEntity) TransitionTo(state int) {
	if state == e.State {
		e.StateCount++
	} else {
		e.StateCount = 1
	}
	e.State = state
	e.UpdateStateTimestamp()
}

func (e *StatefulEntity) UpdateStateTimestamp() {
	e.StateTimestamp = build.Clock.Now().UnixMilli()
	e.UpdatedAt = e.StateTimestamp
}

func (e *StatefulEntity) SetErrorDetail(detail string) {
	e.ErrorDetail = detail
}

func (e *StatefulEntity) SetPending(pending bool) {
	e.Pending = pending
}

// Copy returns a deep copy of e through its JSON form.
func Copy[T Entity](e T) (T, error) {
	var out T
	b, err := json.Marshal(e)
	if err != nil {
		return out, xerrors.Errorf("encoding entity: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, xerrors.Errorf("decoding entity: %w", err)
	}
	return out, nil
}

// IsNil reports whether e is a nil pointer entity, which stores return for
// ids they do not know.
func IsNil[T Entity](e T) bool {
	var zero T
	return any(e) == any(zero)
}

package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledEvents(t *testing.T) {
	req := require.New(t)

	test := func(dis DisabledEvents) func(*testing.T) {
		return func(t *testing.T) {
			registry := NewEventTypeRegistry(dis)

			reg1 := registry.RegisterEventType("negotiation", "transition")
			reg2 := registry.RegisterEventType("transfer", "exhausted")

			req.False(reg1.Enabled())
			req.False(reg2.Enabled())

			reg3 := registry.RegisterEventType("negotiation", "created")
			req.True(reg3.Enabled())
		}
	}

	t.Run("direct", test(DisabledEvents{
		EventType{System: "negotiation", Event: "transition"},
		EventType{System: "transfer", Event: "exhausted"},
	}))

	dis, err := ParseDisabledEvents("negotiation:transition,transfer:exhausted")
	req.NoError(err)

	t.Run("parsed", test(dis))

	dis, err = ParseDisabledEvents("  negotiation:transition,  transfer:exhausted ")
	req.NoError(err)

	t.Run("parsed_spaces", test(dis))

	_, err = ParseDisabledEvents("negotiation")
	req.Error(err)
}

func TestNilJournalIgnoresEvents(t *testing.T) {
	called := false
	RecordTo(NilJournal(), "negotiation", "transition", func() interface{} {
		called = true
		return nil
	})
	RecordTo(nil, "negotiation", "transition", func() interface{} {
		called = true
		return nil
	})
	require.False(t, called)
}

type memJournal struct {
	EventTypeRegistry
	events []Event
}

func (m *memJournal) RecordEvent(et EventType, supplier func() interface{}) {
	m.events = append(m.events, Event{EventType: et, Data: supplier()})
}

func (m *memJournal) Close() error { return nil }

func TestRecordSkipsDisabledEvents(t *testing.T) {
	j := &memJournal{EventTypeRegistry: NewEventTypeRegistry(DefaultDisabledEvents)}

	RecordTo(j, "statemachine", "delayed", func() interface{} {
		t.Fatal("supplier of a disabled event must not be called")
		return nil
	})
	RecordTo(j, "transfer", "transition", func() interface{} { return "t1" })

	require.Len(t, j.events, 1)
	require.Equal(t, "transfer:transition", j.events[0].String())
	require.Equal(t, "t1", j.events[0].Data)
}

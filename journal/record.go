package journal

// J is the journal the state machines record into. It discards everything
// until the node has opened its configured journal.
var J Journal = NilJournal() // nolint

// Record journals system:event on J. supplier runs only if the event type is
// enabled there.
func Record(system, event string, supplier func() interface{}) {
	RecordTo(J, system, event, supplier)
}

// RecordTo journals system:event on j, which may be nil.
func RecordTo(j Journal, system, event string, supplier func() interface{}) {
	if j == nil || j == nilj {
		return
	}
	evtType := j.RegisterEventType(system, event)
	if !evtType.Enabled() {
		return
	}
	j.RecordEvent(evtType, supplier)
}

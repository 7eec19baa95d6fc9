package fsjournal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/dsconnector/connector/build"
	"github.com/dsconnector/connector/journal"
)

func TestRecordsEventsAsNDJSON(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	j, err := Open(dir, Options{Disabled: journal.DisabledEvents{{System: "negotiation", Event: "noisy"}}})
	req.NoError(err)

	transition := j.RegisterEventType("negotiation", "transition")
	noisy := j.RegisterEventType("negotiation", "noisy")

	j.RecordEvent(transition, func() interface{} {
		return map[string]interface{}{"id": "n1", "to": "REQUESTED"}
	})
	j.RecordEvent(noisy, func() interface{} {
		t.Fatal("supplier of a disabled event must not be called")
		return nil
	})
	req.NoError(j.Close())

	fi, err := os.Open(filepath.Join(dir, "journal", currentName))
	req.NoError(err)
	defer fi.Close() //nolint:errcheck

	var lines []map[string]interface{}
	sc := bufio.NewScanner(fi)
	for sc.Scan() {
		var m map[string]interface{}
		req.NoError(json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	req.Len(lines, 1)
	req.Equal("negotiation", lines[0]["System"])
	req.Equal("transition", lines[0]["Event"])
}

func TestRollingRemovesOldFiles(t *testing.T) {
	req := require.New(t)

	mock := clock.NewMock()
	orig := build.Clock
	build.Clock = mock
	defer func() { build.Clock = orig }()

	j, err := openFSJournal(t.TempDir(), nil, 1<<20, 3)
	req.NoError(err)
	defer j.Close() //nolint:errcheck

	for i := 1; i <= j.keep+2; i++ {
		mock.Add(time.Second)
		req.NoError(j.rollJournalFile())

		files, err := os.ReadDir(j.dir)
		req.NoError(err)
		want := i
		if want > j.keep {
			want = j.keep
		}
		// rolled files plus the current one
		req.Lenf(files, want+1, "roll %d", i)
	}
}

func TestReadAcrossRolledFiles(t *testing.T) {
	req := require.New(t)

	mock := clock.NewMock()
	orig := build.Clock
	build.Clock = mock
	defer func() { build.Clock = orig }()

	dir := t.TempDir()
	j, err := openFSJournal(dir, nil, 1<<20, 3)
	req.NoError(err)

	type transition struct {
		NegotiationID string
		To            string
	}
	transitions := j.RegisterEventType("negotiation", "transition")
	attempts := j.RegisterEventType("statemachine", "exhausted")
	record := func(et journal.EventType, data interface{}) {
		mock.Add(time.Second)
		j.RecordEvent(et, func() interface{} { return data })
	}

	record(transitions, transition{NegotiationID: "n1", To: "REQUESTING"})
	record(transitions, transition{NegotiationID: "n2", To: "REQUESTING"})
	// let the writer drain before rolling underneath it
	req.NoError(j.Close())

	j, err = openFSJournal(dir, nil, 1<<20, 3)
	req.NoError(err)
	record(attempts, map[string]interface{}{"EntityID": "n1", "Error": "unreachable"})
	record(transitions, transition{NegotiationID: "n1", To: "TERMINATED"})
	req.NoError(j.Close())

	all, err := Read(dir, nil)
	req.NoError(err)
	req.Len(all, 4)

	n1, err := Read(dir, func(e Entry) bool { return e.EntityID() == "n1" })
	req.NoError(err)
	req.Len(n1, 3)
	req.Equal("REQUESTING", n1[0].Get("To").String())
	req.Equal("exhausted", n1[1].Event)
	req.Equal("unreachable", n1[1].Get("Error").String())
	req.Equal("TERMINATED", n1[2].Get("To").String())
	for i := 1; i < len(n1); i++ {
		req.True(n1[i].Timestamp.After(n1[i-1].Timestamp))
	}
}

func TestReadMissingJournal(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope"), nil)
	require.Error(t, err)
}

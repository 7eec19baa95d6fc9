package fsjournal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/xerrors"
)

// Entry is a journaled event read back from disk.
type Entry struct {
	System    string
	Event     string
	Timestamp time.Time
	Data      json.RawMessage
}

// fields naming the entity in the events of the state machines
var entityIDPaths = []string{"EntityID", "NegotiationID", "TransferID"}

// EntityID returns the id of the negotiation or transfer the entry is about,
// or "" for other events.
func (e Entry) EntityID() string {
	for _, p := range entityIDPaths {
		if r := gjson.GetBytes(e.Data, p); r.Exists() {
			return r.String()
		}
	}
	return ""
}

// Get returns a field of the event data by gjson path.
func (e Entry) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Data, path)
}

// Read returns the entries matching match, oldest first, from the journal
// at path. Rolled files are read before the current one. Lines which cannot
// be decoded are skipped.
func Read(path string, match func(Entry) bool) ([]Entry, error) {
	dir, err := Dir(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Errorf("listing journal directory: %w", err)
	}

	files := rolledFiles(entries)
	for _, e := range entries {
		if e.Name() == currentName {
			files = append(files, currentName)
		}
	}

	var out []Entry
	for _, name := range files {
		if out, err = readFile(filepath.Join(dir, name), match, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readFile(file string, match func(Entry) bool, out []Entry) ([]Entry, error) {
	fi, err := os.Open(file)
	if err != nil {
		return nil, xerrors.Errorf("opening journal file: %w", err)
	}
	defer fi.Close() //nolint:errcheck

	sc := bufio.NewScanner(fi)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			log.Debugw("skipping undecodable journal line", "file", file, "err", err)
			continue
		}
		if match == nil || match(e) {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("reading %s: %w", file, err)
	}
	return out, nil
}

package fsjournal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/build"
	"github.com/dsconnector/connector/journal"
)

var log = logging.Logger("fsjournal")

const RFC3339nocolon = "2006-01-02T150405Z0700"

const (
	currentName  = "connector-journal.ndjson"
	rolledPrefix = "connector-journal-"
)

// fsJournal is a basic journal backed by files on a filesystem.
type fsJournal struct {
	journal.EventTypeRegistry

	dir       string
	sizeLimit int64
	keep      int

	fi    *os.File
	fSize int64

	incoming chan *journal.Event

	closing chan struct{}
	closed  chan struct{}
}

// Options of a file journal. Zero sizes take defaults.
type Options struct {
	Disabled journal.DisabledEvents

	// MaxFileSize rolls the current file once it has grown to it.
	MaxFileSize int64

	// MaxBackups is how many rolled files are kept.
	MaxBackups int
}

const (
	DefaultMaxFileSize = 1 << 30
	DefaultMaxBackups  = 3
)

// Open constructs a rolling filesystem journal under <path>/journal.
func Open(path string, opts Options) (journal.Journal, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = DefaultMaxBackups
	}
	return openFSJournal(path, opts.Disabled, opts.MaxFileSize, opts.MaxBackups)
}

// Dir is where a journal opened at path keeps its files.
func Dir(path string) (string, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return "", xerrors.Errorf("failed to expand journal path: %w", err)
	}
	return filepath.Join(path, "journal"), nil
}

func openFSJournal(path string, disabled journal.DisabledEvents, sizeLimit int64, keep int) (*fsJournal, error) {
	dir, err := Dir(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("failed to mk directory %s for file journal: %w", dir, err)
	}

	f := &fsJournal{
		EventTypeRegistry: journal.NewEventTypeRegistry(disabled),
		dir:               dir,
		sizeLimit:         sizeLimit,
		keep:              keep,
		incoming:          make(chan *journal.Event, 32),
		closing:           make(chan struct{}),
		closed:            make(chan struct{}),
	}

	if err := f.rollJournalFile(); err != nil {
		return nil, err
	}

	go f.runLoop()

	return f, nil
}

func (f *fsJournal) RecordEvent(evtType journal.EventType, supplier func() interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("recovered from panic while recording journal event; type=%s, err=%v", evtType, r)
		}
	}()

	if !evtType.Enabled() {
		return
	}

	je := &journal.Event{
		EventType: evtType,
		Timestamp: build.Clock.Now(),
		Data:      supplier(),
	}
	select {
	case f.incoming <- je:
	case <-f.closing:
		log.Warnw("journal closed but tried to log event", "event", je)
	}
}

func (f *fsJournal) Close() error {
	close(f.closing)
	<-f.closed
	return nil
}

func (f *fsJournal) putEvent(evt *journal.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	n, err := f.fi.Write(append(b, '\n'))
	if err != nil {
		return err
	}

	f.fSize += int64(n)

	if f.fSize >= f.sizeLimit {
		_ = f.rollJournalFile()
	}

	return nil
}

func (f *fsJournal) rollJournalFile() error {
	if f.fi != nil {
		_ = f.fi.Close()
	}
	current := filepath.Join(f.dir, currentName)
	rolled := filepath.Join(f.dir, rolledPrefix+build.Clock.Now().UTC().Format(RFC3339nocolon)+".ndjson")

	// check if journal file exists
	if fi, err := os.Stat(current); err == nil && !fi.IsDir() {
		err := os.Rename(current, rolled)
		if err != nil {
			return xerrors.Errorf("failed to roll journal file: %w", err)
		}
	}

	f.pruneRolled()

	nfi, err := os.Create(current)
	if err != nil {
		return xerrors.Errorf("failed to create journal file: %w", err)
	}

	f.fi = nfi
	f.fSize = 0

	return nil
}

// pruneRolled removes the oldest rolled files beyond f.keep.
func (f *fsJournal) pruneRolled() {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		log.Warnw("failed to list journal directory", "dir", f.dir, "err", err)
		return
	}

	rolled := rolledFiles(entries)
	if len(rolled) <= f.keep {
		return
	}

	for _, name := range rolled[:len(rolled)-f.keep] {
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil {
			log.Warnw("failed to prune rolled journal file", "file", name, "err", err)
		}
	}
}

func (f *fsJournal) runLoop() {
	defer close(f.closed)

	for {
		select {
		case je := <-f.incoming:
			if err := f.putEvent(je); err != nil {
				log.Errorw("failed to write out journal event", "event", je, "err", err)
			}
		case <-f.closing:
			// drain what was accepted before closing
			for {
				select {
				case je := <-f.incoming:
					if err := f.putEvent(je); err != nil {
						log.Errorw("failed to write out journal event", "event", je, "err", err)
					}
				default:
					_ = f.fi.Close()
					return
				}
			}
		}
	}
}

// rolledFiles names the rolled journal files in entries, oldest first. The
// UTC timestamp in their names sorts chronologically.
func rolledFiles(entries []os.DirEntry) []string {
	var rolled []string
	for _, e := range entries {
		if e.Name() != currentName && strings.HasPrefix(e.Name(), rolledPrefix) {
			rolled = append(rolled, e.Name())
		}
	}
	sort.Strings(rolled)
	return rolled
}

// Package statemachine drives persisted entities through their states: a
// Manager polls stores for due entities, and retry processes gate every
// attempt on an entity by its backoff and retry budget.
package statemachine

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/build"
	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/metrics"
)

var log = logging.Logger("statemachine")

// Source hands out due entities in a state, leased to the caller.
type Source[E entity.Entity] interface {
	NextForState(ctx context.Context, state int, max int) ([]E, error)
}

// Processor handles one batch of work per poll.
type Processor interface {
	Name() string

	// Process leases up to batchSize entities and schedules their handling
	// on g. It returns how many entities it found.
	Process(ctx context.Context, batchSize int, g *errgroup.Group) (int, error)
}

type stateProcessor[E entity.Entity] struct {
	name   string
	state  int
	source Source[E]
	fn     func(ctx context.Context, e E) bool
}

// ProcessorFor leases entities in state from source and runs fn on each.
// fn reports whether it consumed the entity, as RetryProcess.Execute does.
func ProcessorFor[E entity.Entity](name string, state int, source Source[E], fn func(ctx context.Context, e E) bool) Processor {
	return &stateProcessor[E]{name: name, state: state, source: source, fn: fn}
}

func (p *stateProcessor[E]) Name() string {
	return p.name
}

func (p *stateProcessor[E]) Process(ctx context.Context, batchSize int, g *errgroup.Group) (int, error) {
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.State, p.name))

	entities, err := p.source.NextForState(ctx, p.state, batchSize)
	if err != nil {
		return 0, xerrors.Errorf("leasing entities in %s: %w", p.name, err)
	}
	stats.Record(ctx, metrics.StateMachineBatch.M(int64(len(entities))))

	for _, e := range entities {
		e := e
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					stack := make([]byte, 4092)
					sz := runtime.Stack(stack, false)
					log.Errorw("recovered from panic processing entity", "id", e.Base().ID, "processor", p.name, "panic", r, "stack", string(stack[:sz]))
					stats.Record(ctx, metrics.StateMachineErrors.M(1))
				}
			}()
			p.fn(ctx, e)
			return nil
		})
	}
	return len(entities), nil
}

// Config of a Manager. Zero values take defaults.
type Config struct {
	Name string

	BatchSize int

	// PollInterval is the delay between polls which found work, and the
	// initial delay after one that did not.
	PollInterval time.Duration

	// IdleMaxInterval caps the growing delay between polls finding nothing.
	IdleMaxInterval time.Duration

	Workers int

	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.IdleMaxInterval < c.PollInterval {
		c.IdleMaxInterval = c.PollInterval
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Clock == nil {
		c.Clock = build.Clock
	}
	return c
}

// Manager runs its processors in a loop until stopped. Failures of a
// single poll are logged and never end the loop.
type Manager struct {
	cfg        Config
	processors []Processor

	lk     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// completions of async processes started by polls
	async sync.WaitGroup

	polls atomic.Int64
}

func NewManager(cfg Config, processors ...Processor) *Manager {
	return &Manager{cfg: cfg.withDefaults(), processors: processors}
}

func (m *Manager) Name() string {
	return m.cfg.Name
}

// Start launches the polling loop. Its context bounds the loop and every
// asynchronous completion started by it.
func (m *Manager) Start(ctx context.Context) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.done != nil {
		return xerrors.Errorf("state machine %s already started", m.cfg.Name)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Manager, m.cfg.Name))
	m.done = make(chan struct{})

	log.Infow("starting state machine", "name", m.cfg.Name, "processors", len(m.processors), "batchSize", m.cfg.BatchSize, "workers", m.cfg.Workers)
	go m.run(ctx)
	return nil
}

// Stop ends the loop and waits for the running poll and the async
// completions it started to finish, or for ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.lk.Lock()
	cancel, done := m.cancel, m.done
	m.lk.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	drained := make(chan struct{})
	go func() {
		m.async.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Infow("state machine stopped", "name", m.cfg.Name, "polls", m.polls.Load())
		return nil
	case <-ctx.Done():
		log.Warnw("state machine stopped with async completions running", "name", m.cfg.Name)
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	idle := &backoff.Backoff{Min: m.cfg.PollInterval, Max: m.cfg.IdleMaxInterval, Factor: 2}
	for {
		found := m.Tick(ctx)

		wait := m.cfg.PollInterval
		if found > 0 {
			idle.Reset()
		} else {
			wait = idle.Duration()
		}

		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(wait):
		}
	}
}

// Tick runs every processor once and waits for the scheduled work. It
// returns the number of entities found.
func (m *Manager) Tick(ctx context.Context) int {
	m.polls.Add(1)
	ctx = context.WithValue(ctx, asyncKey{}, &m.async)

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Workers)

	found := 0
	for _, p := range m.processors {
		if ctx.Err() != nil {
			break
		}
		n, err := p.Process(ctx, m.cfg.BatchSize, g)
		if err != nil {
			log.Errorw("processor failed", "manager", m.cfg.Name, "processor", p.Name(), "error", err)
			stats.Record(ctx, metrics.StateMachineErrors.M(1))
			continue
		}
		found += n
	}
	_ = g.Wait()
	return found
}

type asyncKey struct{}

// goAsync runs fn on its own goroutine. When ctx comes from a Manager's poll
// the goroutine is counted, so that stopping the manager waits for it.
func goAsync(ctx context.Context, fn func()) {
	wg, _ := ctx.Value(asyncKey{}).(*sync.WaitGroup)
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		fn()
	}()
}

// Package memstore implements store.Store on a go-datastore. With a map
// datastore it is the in-memory store used by tests and single-process
// deployments; with LevelDB it survives restarts of a single node.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	levelds "github.com/ipfs/go-ds-leveldb"
	measure "github.com/ipfs/go-ds-measure"
	logging "github.com/ipfs/go-log/v2"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/tidwall/gjson"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/lib/statestore"
	"github.com/dsconnector/connector/store"
)

var log = logging.Logger("memstore")

// Store keeps entities and their leases in two namespaces of one datastore.
// All operations run under a single lock, which makes lease acquisition in
// NextNotLeased atomic with the selection.
type Store[T entity.Entity] struct {
	cfg    store.Config
	guards store.Guards[T]
	fields *store.FieldSet

	lk       sync.Mutex
	raw      datastore.Datastore
	entities *statestore.StateStore[T]
	leases   *statestore.StateStore[store.Lease]
}

var _ store.Store[*entity.StatefulEntity] = (*Store[*entity.StatefulEntity])(nil)

// New creates a store named cfg.Name on ds.
func New[T entity.Entity](ds datastore.Datastore, cfg store.Config, guards store.Guards[T]) *Store[T] {
	cfg = cfg.WithDefaults()
	if cfg.Name == "" {
		cfg.Name = "entities"
	}

	entDS := namespace.Wrap(ds, datastore.NewKey("/"+cfg.Name+"/entities"))
	leaseDS := namespace.Wrap(ds, datastore.NewKey("/"+cfg.Name+"/leases"))

	var zero T
	return &Store[T]{
		cfg:      cfg,
		guards:   guards,
		fields:   store.FieldsOf(zero),
		raw:      entDS,
		entities: statestore.New[T](entDS),
		leases:   statestore.New[store.Lease](leaseDS),
	}
}

// NewMapDatastore returns a thread safe in-memory datastore.
func NewMapDatastore() datastore.Batching {
	return dssync.MutexWrap(datastore.NewMapDatastore())
}

// OpenLevelDB opens (or creates) a LevelDB datastore at path, instrumented
// with datastore metrics.
func OpenLevelDB(path string) (datastore.Batching, error) {
	ds, err := levelds.NewDatastore(path, &levelds.Options{
		Compression: ldbopts.NoCompression,
		NoSync:      false,
		Strict:      ldbopts.StrictAll,
		ReadOnly:    false,
	})
	if err != nil {
		return nil, xerrors.Errorf("opening leveldb datastore at %s: %w", path, err)
	}
	return measure.New("connector.store.", ds), nil
}

func (s *Store[T]) Name() string {
	return s.cfg.Name
}

func (s *Store[T]) FindByID(ctx context.Context, id string) (out T, err error) {
	defer func() { store.ObserveOp(ctx, s.cfg.Name, "find")(err) }()

	s.lk.Lock()
	defer s.lk.Unlock()

	e, found, err := s.entities.Get(ctx, id)
	if err != nil {
		return out, xerrors.Errorf("loading %s: %w", id, err)
	}
	if !found {
		return out, nil
	}
	return e, nil
}

func (s *Store[T]) Save(ctx context.Context, e T) (err error) {
	done := store.ObserveOp(ctx, s.cfg.Name, "save")
	defer func() { done(err) }()

	if entity.IsNil(e) {
		return xerrors.New("cannot save nil entity")
	}
	id := e.Base().ID
	if id == "" {
		return xerrors.New("cannot save entity without id")
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	old, found, err := s.entities.Get(ctx, id)
	if err != nil {
		return xerrors.Errorf("loading %s: %w", id, err)
	}
	if found {
		if err := s.checkLease(ctx, id); err != nil {
			return err
		}
	}
	if s.guards.BeforeSave != nil {
		if err := s.guards.BeforeSave(old, e); err != nil {
			return err
		}
	}
	var prev *entity.StatefulEntity
	if found {
		prev = old.Base()
	}
	store.Stamp(e.Base(), prev, s.cfg.Clock.Now())
	if err := s.entities.Put(ctx, id, e); err != nil {
		return xerrors.Errorf("writing %s: %w", id, err)
	}
	if found {
		return s.breakLease(ctx, id)
	}
	return nil
}

func (s *Store[T]) BreakLease(ctx context.Context, id string) (err error) {
	done := store.ObserveOp(ctx, s.cfg.Name, "break")
	defer func() { done(err) }()

	s.lk.Lock()
	defer s.lk.Unlock()

	if err := s.checkLease(ctx, id); err != nil {
		return err
	}
	return s.breakLease(ctx, id)
}

func (s *Store[T]) Delete(ctx context.Context, id string) (err error) {
	done := store.ObserveOp(ctx, s.cfg.Name, "delete")
	defer func() { done(err) }()

	s.lk.Lock()
	defer s.lk.Unlock()

	e, found, err := s.entities.Get(ctx, id)
	if err != nil {
		return xerrors.Errorf("loading %s: %w", id, err)
	}
	if !found {
		return nil
	}
	if s.guards.BeforeDelete != nil {
		if err := s.guards.BeforeDelete(e); err != nil {
			return err
		}
	}
	if err := s.checkLease(ctx, id); err != nil {
		return err
	}
	if err := s.entities.End(ctx, id); err != nil {
		return xerrors.Errorf("deleting %s: %w", id, err)
	}
	return s.breakLease(ctx, id)
}

func (s *Store[T]) NextForState(ctx context.Context, state int, max int) ([]T, error) {
	return s.NextNotLeased(ctx, max, store.Equal("state", state))
}

func (s *Store[T]) NextNotLeased(ctx context.Context, max int, criteria ...store.Criterion) (out []T, err error) {
	done := store.ObserveOp(ctx, s.cfg.Name, "next")
	defer func() { done(err) }()

	if max <= 0 || !store.CriteriaValid(s.fields, criteria) {
		return nil, nil
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	docs, err := s.documents(ctx)
	if err != nil {
		return nil, err
	}

	now := s.cfg.Clock.Now()
	type candidate struct {
		e  T
		ts int64
	}
	var candidates []candidate
	for _, d := range docs {
		if !store.Matches(d.Raw, criteria) {
			continue
		}
		e, err := decode[T](d)
		if err != nil {
			return nil, err
		}
		if e.Base().Pending {
			continue
		}
		l, held, err := s.leases.Get(ctx, d.ID)
		if err != nil {
			return nil, xerrors.Errorf("loading lease of %s: %w", d.ID, err)
		}
		if held && !l.Expired(now) {
			continue
		}
		candidates = append(candidates, candidate{e: e, ts: e.Base().StateTimestamp})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ts != candidates[j].ts {
			return candidates[i].ts < candidates[j].ts
		}
		return candidates[i].e.Base().ID < candidates[j].e.Base().ID
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	for _, c := range candidates {
		if err := s.leases.Put(ctx, c.e.Base().ID, s.newLease(c.e.Base().ID)); err != nil {
			return nil, xerrors.Errorf("leasing %s: %w", c.e.Base().ID, err)
		}
		out = append(out, c.e)
	}
	store.RecordLeases(ctx, s.cfg.Name, len(out), 0)
	return out, nil
}

func (s *Store[T]) Query(ctx context.Context, spec store.QuerySpec) (out []T, err error) {
	done := store.ObserveOp(ctx, s.cfg.Name, "query")
	defer func() { done(err) }()

	s.lk.Lock()
	defer s.lk.Unlock()

	docs, err := s.documents(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range store.Page(docs, spec, s.fields) {
		e, err := decode[T](d)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// All returns every stored entity in no particular order.
func (s *Store[T]) All(ctx context.Context) ([]T, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	out, err := s.entities.List(ctx)
	if err != nil {
		return nil, xerrors.Errorf("listing %s: %w", s.cfg.Name, err)
	}
	return out, nil
}

// Lease returns the current lease on id, expired or not.
func (s *Store[T]) Lease(ctx context.Context, id string) (store.Lease, bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.leases.Get(ctx, id)
}

func (s *Store[T]) newLease(id string) store.Lease {
	return store.Lease{
		EntityID: id,
		LeasedBy: s.cfg.Holder,
		LeasedAt: s.cfg.Clock.Now().UnixMilli(),
		Duration: s.cfg.LeaseDuration,
	}
}

// checkLease fails if somebody else holds an unexpired lease on id. It is
// the acquisition step of a write: the write itself happens under the same
// lock and is followed by breakLease.
func (s *Store[T]) checkLease(ctx context.Context, id string) error {
	l, held, err := s.leases.Get(ctx, id)
	if err != nil {
		return xerrors.Errorf("loading lease of %s: %w", id, err)
	}
	if !held || l.LeasedBy == s.cfg.Holder || l.Expired(s.cfg.Clock.Now()) {
		store.RecordLeases(ctx, s.cfg.Name, 1, 0)
		return nil
	}

	log.Debugw("lease conflict", "store", s.cfg.Name, "id", id, "holder", l.LeasedBy, "leasedAt", l.LeasedAt)
	store.RecordLeases(ctx, s.cfg.Name, 0, 1)
	return &store.LeaseConflictError{EntityID: id, LeasedBy: l.LeasedBy, LeasedAt: l.LeasedAt}
}

func (s *Store[T]) breakLease(ctx context.Context, id string) error {
	has, err := s.leases.Has(ctx, id)
	if err != nil {
		return xerrors.Errorf("loading lease of %s: %w", id, err)
	}
	if !has {
		return nil
	}
	if err := s.leases.End(ctx, id); err != nil {
		return xerrors.Errorf("breaking lease of %s: %w", id, err)
	}
	return nil
}

func (s *Store[T]) documents(ctx context.Context) ([]store.Document, error) {
	res, err := s.raw.Query(ctx, query.Query{})
	if err != nil {
		return nil, xerrors.Errorf("listing %s: %w", s.cfg.Name, err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, xerrors.Errorf("listing %s: %w", s.cfg.Name, err)
	}

	docs := make([]store.Document, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, store.Document{ID: gjson.GetBytes(e.Value, "id").String(), Raw: e.Value})
	}
	return docs, nil
}

func decode[T entity.Entity](d store.Document) (T, error) {
	var out T
	if err := json.Unmarshal(d.Raw, &out); err != nil {
		return out, xerrors.Errorf("decoding %s: %w", d.ID, err)
	}
	return out, nil
}

// Package sqlstore implements store.Store on Postgres. Entities live in one
// table per type as a JSONB body with a few mirrored columns; leases live in
// the shared connector_lease table.
package sqlstore

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/lib/harmony/harmonydb"
	"github.com/dsconnector/connector/store"
)

var log = logging.Logger("sqlstore")

// Table binds an entity type to its table.
type Table[T entity.Entity] struct {
	Schema *Schema

	// BeforeUpsert runs in the write transaction right before the entity
	// row is written, e.g. to write rows it references.
	BeforeUpsert func(tx *harmonydb.Tx, e T) error
}

// NewTable declares a table with the common entity columns plus extra.
func NewTable[T entity.Entity](name string, extra ...Column) Table[T] {
	var zero T
	return Table[T]{Schema: NewSchema(name, store.FieldsOf(zero), append(EntityColumns(), extra...)...)}
}

type Store[T entity.Entity] struct {
	db     *harmonydb.DB
	table  Table[T]
	cfg    store.Config
	guards store.Guards[T]
}

var _ store.Store[*entity.StatefulEntity] = (*Store[*entity.StatefulEntity])(nil)

func New[T entity.Entity](db *harmonydb.DB, table Table[T], cfg store.Config, guards store.Guards[T]) *Store[T] {
	cfg = cfg.WithDefaults()
	if cfg.Name == "" {
		cfg.Name = table.Schema.Table
	}
	return &Store[T]{db: db, table: table, cfg: cfg, guards: guards}
}

type docRow struct {
	ID   string `db:"id"`
	Body []byte `db:"body"`
}

func (s *Store[T]) leases(tx *harmonydb.Tx) *LeaseContext {
	return NewLeaseContext(tx, s.cfg.Holder, s.cfg.LeaseDuration, s.cfg.Clock)
}

func (s *Store[T]) FindByID(ctx context.Context, id string) (out T, err error) {
	done := store.ObserveOp(ctx, s.cfg.Name, "find")
	defer func() { done(err) }()

	var rows []docRow
	err = s.db.Select(ctx, &rows, harmonydb.Dynamic(`SELECT id, body FROM `+s.table.Schema.Table+` WHERE id = $1`), id)
	if err != nil {
		return out, xerrors.Errorf("finding %s: %w", id, err)
	}
	if len(rows) == 0 {
		return out, nil
	}
	return decode[T](rows[0])
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
	_, err = s.db.BeginTransaction(ctx, func(tx *harmonydb.Tx) (bool, error) {
		var existing []docRow
		if err := tx.Select(&existing, harmonydb.Dynamic(`SELECT id, body FROM `+s.table.Schema.Table+` WHERE id = $1 FOR UPDATE`), id); err != nil {
			return false, xerrors.Errorf("locking %s: %w", id, err)
		}

		var old T
		var prev *entity.StatefulEntity
		lc := s.leases(tx)
		if len(existing) > 0 {
			if err := lc.AcquireLease(id); err != nil {
				return false, err
			}
			var err error
			if old, err = decode[T](existing[0]); err != nil {
				return false, err
			}
			prev = old.Base()
		}
		if s.guards.BeforeSave != nil {
			if err := s.guards.BeforeSave(old, e); err != nil {
				return false, err
			}
		}
		store.Stamp(e.Base(), prev, s.cfg.Clock.Now())
		body, err := json.Marshal(e)
		if err != nil {
			return false, xerrors.Errorf("encoding %s: %w", id, err)
		}
		if s.table.BeforeUpsert != nil {
			if err := s.table.BeforeUpsert(tx, e); err != nil {
				return false, err
			}
		}
		if _, err := tx.Exec(harmonydb.Dynamic(s.upsertSQL()), append(s.table.Schema.ColumnValues(body), string(body))...); err != nil {
			return false, xerrors.Errorf("writing %s: %w", id, err)
		}
		if len(existing) > 0 {
			if err := lc.BreakLease(id); err != nil {
				return false, err
			}
		}
		return true, nil
	}, harmonydb.OptionRetry())
	s.recordLeaseOutcome(ctx, err)
	return err
}

func (s *Store[T]) upsertSQL() string {
	cols := s.table.Schema.Columns
	names := make([]string, 0, len(cols)+1)
	params := make([]string, 0, len(cols)+1)
	updates := make([]string, 0, len(cols))
	for i, c := range cols {
		names = append(names, c.Name)
		params = append(params, "$"+strconv.Itoa(i+1))
		if c.Name != "id" {
			updates = append(updates, c.Name+" = EXCLUDED."+c.Name)
		}
	}
	names = append(names, "body")
	params = append(params, "$"+strconv.Itoa(len(cols)+1)+"::jsonb")
	updates = append(updates, "body = EXCLUDED.body")

	return `INSERT INTO ` + s.table.Schema.Table + ` (` + strings.Join(names, ", ") + `) VALUES (` +
		strings.Join(params, ", ") + `) ON CONFLICT (id) DO UPDATE SET ` + strings.Join(updates, ", ")
}

func (s *Store[T]) BreakLease(ctx context.Context, id string) (err error) {
	done := store.ObserveOp(ctx, s.cfg.Name, "break")
	defer func() { done(err) }()

	_, err = s.db.BeginTransaction(ctx, func(tx *harmonydb.Tx) (bool, error) {
		lc := s.leases(tx)
		l, err := lc.GetLease(id)
		if err != nil || l == nil {
			return false, err
		}
		if err := lc.AcquireLease(id); err != nil {
			return false, err
		}
		return true, lc.BreakLease(id)
	}, harmonydb.OptionRetry())
	return err
}

func (s *Store[T]) Delete(ctx context.Context, id string) (err error) {
	done := store.ObserveOp(ctx, s.cfg.Name, "delete")
	defer func() { done(err) }()

	_, err = s.db.BeginTransaction(ctx, func(tx *harmonydb.Tx) (bool, error) {
		var existing []docRow
		if err := tx.Select(&existing, harmonydb.Dynamic(`SELECT id, body FROM `+s.table.Schema.Table+` WHERE id = $1 FOR UPDATE`), id); err != nil {
			return false, xerrors.Errorf("locking %s: %w", id, err)
		}
		if len(existing) == 0 {
			return false, nil
		}
		if s.guards.BeforeDelete != nil {
			e, err := decode[T](existing[0])
			if err != nil {
				return false, err
			}
			if err := s.guards.BeforeDelete(e); err != nil {
				return false, err
			}
		}

		lc := s.leases(tx)
		if err := lc.AcquireLease(id); err != nil {
			return false, err
		}
		if _, err := tx.Exec(harmonydb.Dynamic(`DELETE FROM `+s.table.Schema.Table+` WHERE id = $1`), id); err != nil {
			return false, xerrors.Errorf("deleting %s: %w", id, err)
		}
		return true, lc.BreakLease(id)
	}, harmonydb.OptionRetry())
	s.recordLeaseOutcome(ctx, err)
	return err
}

func (s *Store[T]) NextForState(ctx context.Context, state int, max int) ([]T, error) {
	return s.NextNotLeased(ctx, max, store.Equal("state", state))
}

func (s *Store[T]) NextNotLeased(ctx context.Context, max int, criteria ...store.Criterion) (out []T, err error) {
	done := store.ObserveOp(ctx, s.cfg.Name, "next")
	defer func() { done(err) }()

	if max <= 0 {
		return nil, nil
	}
	b := &sqlBuilder{}
	where, ok := s.table.Schema.where(b, criteria)
	if !ok {
		return nil, nil
	}
	now := b.arg(s.cfg.Clock.Now().UnixMilli())
	limit := b.arg(max)

	q := `SELECT e.id, e.body FROM ` + s.table.Schema.Table + ` e
		LEFT JOIN connector_lease l ON l.entity_id = e.id
		WHERE ` + where + `
		  AND e.pending = FALSE
		  AND (l.entity_id IS NULL OR l.leased_at + l.lease_duration < ` + now + `)
		ORDER BY e.state_timestamp ASC, e.id ASC
		LIMIT ` + limit + `
		FOR UPDATE OF e SKIP LOCKED`

	var conflicts int
	_, err = s.db.BeginTransaction(ctx, func(tx *harmonydb.Tx) (bool, error) {
		out, conflicts = nil, 0

		var rows []docRow
		if err := tx.Select(&rows, harmonydb.Dynamic(q), b.args...); err != nil {
			return false, xerrors.Errorf("selecting due entities: %w", err)
		}

		lc := s.leases(tx)
		for _, r := range rows {
			if err := lc.TakeLease(r.ID); err != nil {
				if xerrors.Is(err, store.ErrLeaseConflict) {
					// leased by a transaction which committed after our
					// snapshot was taken, possibly by this very holder
					conflicts++
					continue
				}
				return false, err
			}
			e, err := decode[T](r)
			if err != nil {
				return false, err
			}
			out = append(out, e)
		}
		return true, nil
	}, harmonydb.OptionRetry())
	if err != nil {
		return nil, err
	}

	store.RecordLeases(ctx, s.cfg.Name, len(out), conflicts)
	if conflicts > 0 {
		log.Debugw("skipped entities leased concurrently", "store", s.cfg.Name, "count", conflicts)
	}
	return out, nil
}

func (s *Store[T]) Query(ctx context.Context, spec store.QuerySpec) (out []T, err error) {
	done := store.ObserveOp(ctx, s.cfg.Name, "query")
	defer func() { done(err) }()

	docs, err := s.table.Schema.Query(ctx, s.db, spec)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		e, err := decode[T](docRow{ID: d.ID, Body: d.Raw})
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Lease returns the current lease on id, expired or not.
func (s *Store[T]) Lease(ctx context.Context, id string) (l *store.Lease, err error) {
	_, err = s.db.BeginTransaction(ctx, func(tx *harmonydb.Tx) (bool, error) {
		l, err = s.leases(tx).GetLease(id)
		return false, err
	})
	return l, err
}

func (s *Store[T]) recordLeaseOutcome(ctx context.Context, err error) {
	switch {
	case err == nil:
		store.RecordLeases(ctx, s.cfg.Name, 1, 0)
	case xerrors.Is(err, store.ErrLeaseConflict):
		store.RecordLeases(ctx, s.cfg.Name, 0, 1)
	}
}

// Query selects a page of documents from the schema's table. Specs naming
// unknown fields select nothing.
func (s *Schema) Query(ctx context.Context, db *harmonydb.DB, spec store.QuerySpec) ([]store.Document, error) {
	spec = spec.Normalized()
	if !spec.Valid(s.fields) {
		return nil, nil
	}

	b := &sqlBuilder{}
	where, ok := s.where(b, spec.Filter)
	if !ok {
		return nil, nil
	}
	order := s.orderBy(b, spec.SortField, spec.SortOrder)
	q := `SELECT e.id, e.body FROM ` + s.Table + ` e WHERE ` + where +
		` ORDER BY ` + order + ` LIMIT ` + b.arg(spec.Limit) + ` OFFSET ` + b.arg(spec.Offset)

	var rows []docRow
	if err := db.Select(ctx, &rows, harmonydb.Dynamic(q), b.args...); err != nil {
		return nil, xerrors.Errorf("querying %s: %w", s.Table, err)
	}
	out := make([]store.Document, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.Document{ID: r.ID, Raw: r.Body})
	}
	return out, nil
}

func decode[T entity.Entity](r docRow) (T, error) {
	var out T
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return out, xerrors.Errorf("decoding %s: %w", r.ID, err)
	}
	return out, nil
}

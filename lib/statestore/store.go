package statestore

import (
	"context"
	"encoding/json"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"
)

// StateStore keeps JSON encoded values of type T in a datastore, one key per
// tracked state.
type StateStore[T any] struct {
	ds datastore.Datastore
}

func New[T any](ds datastore.Datastore) *StateStore[T] {
	return &StateStore[T]{ds: ds}
}

func toKey(k string) datastore.Key {
	return datastore.NewKey(k)
}

// Begin starts tracking a new state. It fails if k is already tracked.
func (st *StateStore[T]) Begin(ctx context.Context, k string, state T) error {
	has, err := st.ds.Has(ctx, toKey(k))
	if err != nil {
		return err
	}
	if has {
		return xerrors.Errorf("already tracking state for %s", k)
	}
	return st.Put(ctx, k, state)
}

// Put writes state under k, replacing whatever was there.
func (st *StateStore[T]) Put(ctx context.Context, k string, state T) error {
	b, err := json.Marshal(state)
	if err != nil {
		return xerrors.Errorf("encoding state for %s: %w", k, err)
	}
	return st.ds.Put(ctx, toKey(k), b)
}

// End stops tracking k.
func (st *StateStore[T]) End(ctx context.Context, k string) error {
	has, err := st.ds.Has(ctx, toKey(k))
	if err != nil {
		return err
	}
	if !has {
		return xerrors.Errorf("no state for %s: %w", k, datastore.ErrNotFound)
	}
	return st.ds.Delete(ctx, toKey(k))
}

// Mutate decodes the state for k, applies mutator and writes the result back.
func (st *StateStore[T]) Mutate(ctx context.Context, k string, mutator func(*T) error) error {
	cur, found, err := st.Get(ctx, k)
	if err != nil {
		return err
	}
	if !found {
		return xerrors.Errorf("no state for %s: %w", k, datastore.ErrNotFound)
	}
	if err := mutator(&cur); err != nil {
		return err
	}
	return st.Put(ctx, k, cur)
}

func (st *StateStore[T]) Has(ctx context.Context, k string) (bool, error) {
	return st.ds.Has(ctx, toKey(k))
}

// Get returns a freshly decoded copy of the state for k. found is false if k
// is not tracked.
func (st *StateStore[T]) Get(ctx context.Context, k string) (out T, found bool, err error) {
	val, err := st.ds.Get(ctx, toKey(k))
	if err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return out, false, nil
		}
		return out, false, err
	}

	if err := json.Unmarshal(val, &out); err != nil {
		return out, false, xerrors.Errorf("decoding state for %s: %w", k, err)
	}
	return out, true, nil
}

// List decodes every tracked state. Entries that fail to decode are skipped
// and reported together in the returned error, alongside the decoded ones.
func (st *StateStore[T]) List(ctx context.Context) ([]T, error) {
	res, err := st.ds.Query(ctx, query.Query{})
	if err != nil {
		return nil, err
	}
	defer res.Close() //nolint:errcheck

	var out []T
	var errs error

	for {
		r, ok := res.NextSync()
		if !ok {
			break
		}
		if r.Error != nil {
			return nil, r.Error
		}

		var elem T
		if err := json.Unmarshal(r.Value, &elem); err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("decoding state for key '%s': %w", r.Key, err))
			continue
		}
		out = append(out, elem)
	}

	return out, errs
}

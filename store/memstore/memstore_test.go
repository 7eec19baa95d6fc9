package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/store"
	"github.com/dsconnector/connector/store/storetest"
)

func TestMapStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Opener {
		ds := NewMapDatastore()
		return func(cfg store.Config) store.Store[*storetest.Entity] {
			return New[*storetest.Entity](ds, cfg, store.Guards[*storetest.Entity]{})
		}
	})
}

func TestLevelDBStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Opener {
		ds, err := OpenLevelDB(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = ds.Close() })
		return func(cfg store.Config) store.Store[*storetest.Entity] {
			return New[*storetest.Entity](ds, cfg, store.Guards[*storetest.Entity]{})
		}
	})
}

func TestLeasesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1_000_000))
	cfg := store.Config{Name: "reopen", Holder: "node-1", Clock: clk}

	ds, err := OpenLevelDB(dir)
	require.NoError(t, err)
	s := New[*storetest.Entity](ds, cfg, store.Guards[*storetest.Entity]{})

	e := &storetest.Entity{Owner: "x"}
	e.ID = "r1"
	e.State = 50
	require.NoError(t, s.Save(ctx, e))
	got, err := s.NextForState(ctx, 50, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, ds.Close())

	ds, err = OpenLevelDB(dir)
	require.NoError(t, err)
	defer ds.Close() //nolint:errcheck

	cfg.Holder = "node-2"
	s2 := New[*storetest.Entity](ds, cfg, store.Guards[*storetest.Entity]{})
	l, held, err := s2.Lease(ctx, "r1")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "node-1", l.LeasedBy)
	require.Equal(t, store.DefaultLeaseDuration, l.Duration)

	got, err = s2.NextForState(ctx, 50, 1)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestGuards(t *testing.T) {
	ctx := context.Background()
	errLocked := xerrors.Errorf("locked entity: %w", store.ErrConflict)

	s := New[*storetest.Entity](NewMapDatastore(), store.Config{Name: "guarded"}, store.Guards[*storetest.Entity]{
		BeforeSave: func(old, updated *storetest.Entity) error {
			if old != nil && old.Owner != updated.Owner {
				return errLocked
			}
			return nil
		},
		BeforeDelete: func(e *storetest.Entity) error {
			if e.Owner == "keep" {
				return errLocked
			}
			return nil
		},
	})

	e := &storetest.Entity{Owner: "keep"}
	e.ID = "g1"
	require.NoError(t, s.Save(ctx, e))

	changed := *e
	changed.Owner = "other"
	require.ErrorIs(t, s.Save(ctx, &changed), store.ErrConflict)
	require.ErrorIs(t, s.Delete(ctx, "g1"), store.ErrConflict)

	got, err := s.FindByID(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "keep", got.Owner)
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	ds := NewMapDatastore()
	a := New[*storetest.Entity](ds, store.Config{Name: "a"}, store.Guards[*storetest.Entity]{})
	b := New[*storetest.Entity](ds, store.Config{Name: "b"}, store.Guards[*storetest.Entity]{})

	e := &storetest.Entity{}
	e.ID = "shared-id"
	require.NoError(t, a.Save(ctx, e))

	got, err := b.FindByID(ctx, "shared-id")
	require.NoError(t, err)
	require.Nil(t, got)

	has, err := ds.Has(ctx, datastore.NewKey("/a/entities/shared-id"))
	require.NoError(t, err)
	require.True(t, has)

	all, err := a.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	all, err = b.All(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

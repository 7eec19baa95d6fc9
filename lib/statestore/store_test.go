package statestore

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
)

type thing struct {
	Name  string
	Count int
}

func TestStateStore(t *testing.T) {
	ctx := context.Background()
	st := New[thing](ds_sync.MutexWrap(ds.NewMapDatastore()))

	require.NoError(t, st.Begin(ctx, "a", thing{Name: "a"}))
	require.Error(t, st.Begin(ctx, "a", thing{Name: "again"}))

	require.NoError(t, st.Mutate(ctx, "a", func(t *thing) error {
		t.Count++
		return nil
	}))

	got, found, err := st.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, thing{Name: "a", Count: 1}, got)

	_, found, err = st.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, st.Put(ctx, "b", thing{Name: "b"}))
	all, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, st.End(ctx, "a"))
	require.ErrorIs(t, st.End(ctx, "a"), ds.ErrNotFound)
	require.ErrorIs(t, st.Mutate(ctx, "a", func(*thing) error { return nil }), ds.ErrNotFound)
}

func TestStateStoreListSkipsUndecodable(t *testing.T) {
	ctx := context.Background()
	mds := ds_sync.MutexWrap(ds.NewMapDatastore())
	st := New[thing](mds)

	require.NoError(t, st.Put(ctx, "good", thing{Name: "good"}))
	require.NoError(t, mds.Put(ctx, ds.NewKey("bad"), []byte("{not json")))

	all, err := st.List(ctx)
	require.Error(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "good", all[0].Name)
}

// Package storetest holds the behavioural test suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/store"
)

type Detail struct {
	Kind string `json:"kind"`
	Size int    `json:"size"`
}

// Entity is the entity type the suite stores.
type Entity struct {
	entity.StatefulEntity
	Owner  string   `json:"owner"`
	Labels []string `json:"labels,omitempty"`
	Detail *Detail  `json:"detail,omitempty"`
}

// Opener returns a view of one backing store for the holder and clock in
// cfg. Views opened by the same Opener share entities and leases.
type Opener func(cfg store.Config) store.Store[*Entity]

// Backend prepares a fresh, empty backing store for one test.
type Backend func(t *testing.T) Opener

const (
	stateInitial = 50
	stateNext    = 100
)

var base = time.UnixMilli(1_700_000_000_000)

type env struct {
	ctx   context.Context
	clk   *clock.Mock
	open  Opener
	alice store.Store[*Entity]
	bob   store.Store[*Entity]
}

func newEnv(t *testing.T, backend Backend) *env {
	clk := clock.NewMock()
	clk.Set(base)
	open := backend(t)
	cfg := store.Config{Name: "suite", LeaseDuration: time.Minute, Clock: clk}

	a, b := cfg, cfg
	a.Holder, b.Holder = "alice", "bob"
	return &env{ctx: context.Background(), clk: clk, open: open, alice: open(a), bob: open(b)}
}

func newEntity(id string, state int, ts int64) *Entity {
	e := &Entity{Owner: "owner-" + id}
	e.ID = id
	e.State = state
	e.StateCount = 1
	e.StateTimestamp = ts
	e.CreatedAt = ts
	e.UpdatedAt = ts
	return e
}

// saveAt inserts ent as if it was saved at ts. Save stamps the state
// timestamp from the store clock, so the clock is moved there and back.
func (e *env) saveAt(t *testing.T, ent *Entity, ts int64) {
	now := e.clk.Now()
	e.clk.Set(time.UnixMilli(ts))
	require.NoError(t, e.alice.Save(e.ctx, ent))
	e.clk.Set(now)
}

func ids(es []*Entity) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.ID)
	}
	return out
}

// Run executes the suite against backend.
func Run(t *testing.T, backend Backend) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, backend) })
	t.Run("FindUnknown", func(t *testing.T) { testFindUnknown(t, backend) })
	t.Run("LeaseScenario", func(t *testing.T) { testLeaseScenario(t, backend) })
	t.Run("LeaseExclusivity", func(t *testing.T) { testLeaseExclusivity(t, backend) })
	t.Run("LeaseExpiry", func(t *testing.T) { testLeaseExpiry(t, backend) })
	t.Run("SaveConflict", func(t *testing.T) { testSaveConflict(t, backend) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, backend) })
	t.Run("Ordering", func(t *testing.T) { testOrdering(t, backend) })
	t.Run("PendingSkipped", func(t *testing.T) { testPendingSkipped(t, backend) })
	t.Run("StateCount", func(t *testing.T) { testStateCount(t, backend) })
	t.Run("SaveStamps", func(t *testing.T) { testSaveStamps(t, backend) })
	t.Run("BreakLease", func(t *testing.T) { testBreakLease(t, backend) })
	t.Run("Query", func(t *testing.T) { testQuery(t, backend) })
	t.Run("NextNotLeasedCriteria", func(t *testing.T) { testNextNotLeasedCriteria(t, backend) })
}

func testRoundTrip(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	in := newEntity("rt-1", stateInitial, base.UnixMilli())
	in.Labels = []string{"a", "b"}
	in.Detail = &Detail{Kind: "blob", Size: 42}
	in.TraceContext = map[string]string{"traceparent": "00-abc"}
	in.CallbackAddresses = []entity.CallbackAddress{{URI: "http://cb", Events: []string{"done"}, Transactional: true}}
	in.ErrorDetail = "boom"
	require.NoError(t, e.alice.Save(e.ctx, in))

	got, err := e.alice.FindByID(e.ctx, "rt-1")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(in, got))

	got.Labels[0] = "mutated"
	got.Detail.Size = 1
	got.State = stateNext

	again, err := e.alice.FindByID(e.ctx, "rt-1")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(in, again))
}

func testFindUnknown(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	got, err := e.alice.FindByID(e.ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func testLeaseScenario(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	n1 := newEntity("N1", stateInitial, base.UnixMilli())
	require.NoError(t, e.alice.Save(e.ctx, n1))

	got, err := e.alice.NextForState(e.ctx, stateInitial, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"N1"}, ids(got))

	got, err = e.alice.NextForState(e.ctx, stateInitial, 10)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, e.alice.Save(e.ctx, n1))

	got, err = e.alice.NextForState(e.ctx, stateInitial, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"N1"}, ids(got))
	require.Equal(t, 2, got[0].StateCount, "saving in the same state counts another attempt")
}

func testLeaseExclusivity(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	for i := 0; i < 20; i++ {
		id := string(rune('a'+i)) + "-ent"
		require.NoError(t, e.alice.Save(e.ctx, newEntity(id, stateInitial, base.UnixMilli()+int64(i))))
	}

	var wg sync.WaitGroup
	results := make([][]*Entity, 4)
	errs := make([]error, 4)
	for i := range results {
		s := e.alice
		if i%2 == 1 {
			s = e.bob
		}
		wg.Add(1)
		go func(i int, s store.Store[*Entity]) {
			defer wg.Done()
			results[i], errs[i] = s.NextForState(e.ctx, stateInitial, 6)
		}(i, s)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	for _, r := range results {
		for _, ent := range r {
			require.False(t, seen[ent.ID], "entity %s handed out twice", ent.ID)
			seen[ent.ID] = true
		}
	}

	// a lease committed mid-scan can make a concurrent poll come back short;
	// whatever is left must still be due
	rest, err := e.alice.NextForState(e.ctx, stateInitial, 20)
	require.NoError(t, err)
	for _, ent := range rest {
		require.False(t, seen[ent.ID], "entity %s handed out twice", ent.ID)
		seen[ent.ID] = true
	}
	require.Len(t, seen, 20)

	for _, s := range []store.Store[*Entity]{e.alice, e.bob} {
		got, err := s.NextForState(e.ctx, stateInitial, 10)
		require.NoError(t, err)
		require.Empty(t, got)
	}
}

func testLeaseExpiry(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	require.NoError(t, e.alice.Save(e.ctx, newEntity("exp", stateInitial, base.UnixMilli())))

	got, err := e.alice.NextForState(e.ctx, stateInitial, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	e.clk.Add(time.Minute)
	got, err = e.bob.NextForState(e.ctx, stateInitial, 1)
	require.NoError(t, err)
	require.Empty(t, got, "lease must still be valid at exactly its duration")

	e.clk.Add(time.Millisecond)
	got, err = e.bob.NextForState(e.ctx, stateInitial, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"exp"}, ids(got))

	err = e.alice.Save(e.ctx, got[0])
	require.ErrorIs(t, err, store.ErrLeaseConflict)
}

func testSaveConflict(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	require.NoError(t, e.alice.Save(e.ctx, newEntity("c1", stateInitial, base.UnixMilli())))
	got, err := e.alice.NextForState(e.ctx, stateInitial, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	changed := *got[0]
	changed.TransitionTo(stateNext)
	err = e.bob.Save(e.ctx, &changed)
	require.ErrorIs(t, err, store.ErrLeaseConflict)
	require.False(t, store.IsPersistence(err))

	var lce *store.LeaseConflictError
	require.ErrorAs(t, err, &lce)
	require.Equal(t, "alice", lce.LeasedBy)

	cur, err := e.alice.FindByID(e.ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, stateInitial, cur.State)

	require.NoError(t, e.alice.Save(e.ctx, &changed))
	require.NoError(t, e.bob.Save(e.ctx, &changed), "save must break the lease")
}

func testDelete(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	require.NoError(t, e.alice.Delete(e.ctx, "nope"), "deleting an unknown id is not an error")

	require.NoError(t, e.alice.Save(e.ctx, newEntity("d1", stateInitial, base.UnixMilli())))
	_, err := e.alice.NextForState(e.ctx, stateInitial, 1)
	require.NoError(t, err)

	require.ErrorIs(t, e.bob.Delete(e.ctx, "d1"), store.ErrLeaseConflict)
	require.NoError(t, e.alice.Delete(e.ctx, "d1"))

	got, err := e.alice.FindByID(e.ctx, "d1")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, e.bob.Save(e.ctx, newEntity("d1", stateInitial, base.UnixMilli())))
	got2, err := e.bob.NextForState(e.ctx, stateInitial, 1)
	require.NoError(t, err)
	require.Len(t, got2, 1, "delete must remove the lease")
}

func testOrdering(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	// inserted out of order, same timestamp for the last two
	for _, o := range []struct {
		id string
		ts int64
	}{{"o3", 300}, {"o1", 100}, {"o5", 400}, {"o4", 400}, {"o2", 200}} {
		e.saveAt(t, newEntity(o.id, stateInitial, o.ts), o.ts)
	}

	var order []string
	var last int64
	for i := 0; i < 5; i++ {
		got, err := e.alice.NextForState(e.ctx, stateInitial, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.GreaterOrEqual(t, got[0].StateTimestamp, last)
		last = got[0].StateTimestamp
		order = append(order, got[0].ID)
	}
	require.Equal(t, []string{"o1", "o2", "o3", "o4", "o5"}, order)

	// breaking the oldest lease makes it due first again
	require.NoError(t, e.alice.BreakLease(e.ctx, "o1"))
	got, err := e.alice.NextForState(e.ctx, stateInitial, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"o1"}, ids(got))
}

func testPendingSkipped(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	p := newEntity("p1", stateInitial, 1)
	p.SetPending(true)
	require.NoError(t, e.alice.Save(e.ctx, p))
	require.NoError(t, e.alice.Save(e.ctx, newEntity("p2", stateInitial, 2)))

	got, err := e.alice.NextForState(e.ctx, stateInitial, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"p2"}, ids(got))
}

func testStateCount(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	ent := newEntity("sc", stateInitial, base.UnixMilli())
	require.NoError(t, e.alice.Save(e.ctx, ent))

	ent.TransitionTo(stateInitial)
	require.NoError(t, e.alice.Save(e.ctx, ent))
	got, err := e.alice.FindByID(e.ctx, "sc")
	require.NoError(t, err)
	require.Equal(t, 2, got.StateCount)

	got.TransitionTo(stateNext)
	require.NoError(t, e.alice.Save(e.ctx, got))
	got, err = e.alice.FindByID(e.ctx, "sc")
	require.NoError(t, err)
	require.Equal(t, 1, got.StateCount)
	require.Equal(t, stateNext, got.State)
}

func testSaveStamps(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	ent := newEntity("st", stateInitial, 1)
	ent.StateCount = 3
	require.NoError(t, e.alice.Save(e.ctx, ent))
	require.Equal(t, 3, ent.StateCount)
	require.Equal(t, base.UnixMilli(), ent.StateTimestamp)

	// state changed in place, without TransitionTo
	e.clk.Add(time.Hour)
	ent.State = stateNext
	require.NoError(t, e.alice.Save(e.ctx, ent))
	got, err := e.alice.FindByID(e.ctx, "st")
	require.NoError(t, err)
	require.Equal(t, stateNext, got.State)
	require.Equal(t, 1, got.StateCount)
	require.Equal(t, e.clk.Now().UnixMilli(), got.StateTimestamp)
	require.Equal(t, e.clk.Now().UnixMilli(), got.UpdatedAt)
	require.Equal(t, int64(1), got.CreatedAt)

	e.clk.Add(time.Minute)
	require.NoError(t, e.alice.Save(e.ctx, got))
	got, err = e.alice.FindByID(e.ctx, "st")
	require.NoError(t, err)
	require.Equal(t, 2, got.StateCount)
	require.Equal(t, e.clk.Now().UnixMilli(), got.StateTimestamp)

	// a stale count on the saved copy does not matter
	got.StateCount = 1
	require.NoError(t, e.alice.Save(e.ctx, got))
	got, err = e.alice.FindByID(e.ctx, "st")
	require.NoError(t, err)
	require.Equal(t, 3, got.StateCount)
}

func testBreakLease(t *testing.T, backend Backend) {
	e := newEnv(t, backend)

	require.NoError(t, e.alice.BreakLease(e.ctx, "nope"))

	ent := newEntity("bl", stateInitial, base.UnixMilli())
	require.NoError(t, e.alice.Save(e.ctx, ent))
	require.NoError(t, e.alice.BreakLease(e.ctx, "bl"), "no lease to break")

	got, err := e.alice.NextForState(e.ctx, stateInitial, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.ErrorIs(t, e.bob.BreakLease(e.ctx, "bl"), store.ErrLeaseConflict)
	require.NoError(t, e.alice.BreakLease(e.ctx, "bl"))

	// released without a write
	cur, err := e.alice.FindByID(e.ctx, "bl")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(ent, cur))

	got, err = e.bob.NextForState(e.ctx, stateInitial, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"bl"}, ids(got))
}

func seedQuery(t *testing.T, e *env) {
	a := newEntity("q1", stateInitial, 30)
	a.Owner = "alice"
	a.Labels = []string{"red", "green"}
	a.Detail = &Detail{Kind: "blob", Size: 10}

	b := newEntity("q2", stateNext, 10)
	b.Owner = "bob"
	b.Labels = []string{"blue"}
	b.Detail = &Detail{Kind: "file", Size: 99}

	c := newEntity("q3", stateInitial, 20)
	c.Owner = "carol"
	c.CallbackAddresses = []entity.CallbackAddress{{URI: "http://cb", Events: []string{"started"}}}

	for _, ent := range []*Entity{a, b, c} {
		e.saveAt(t, ent, ent.StateTimestamp)
	}
}

func testQuery(t *testing.T, backend Backend) {
	e := newEnv(t, backend)
	seedQuery(t, e)

	cases := []struct {
		name string
		spec store.QuerySpec
		want []string
	}{
		{"all by id", store.QuerySpec{}, []string{"q1", "q2", "q3"}},
		{"state", store.QuerySpec{Filter: []store.Criterion{store.Equal("state", stateInitial)}}, []string{"q1", "q3"}},
		{"nested", store.QuerySpec{Filter: []store.Criterion{store.Equal("detail.kind", "file")}}, []string{"q2"}},
		{"nested numeric", store.QuerySpec{Filter: []store.Criterion{{OperandLeft: "detail.size", Operator: ">", OperandRight: 50}}}, []string{"q2"}},
		{"array element", store.QuerySpec{Filter: []store.Criterion{store.Contains("labels", "green")}}, []string{"q1"}},
		{"array element no substring", store.QuerySpec{Filter: []store.Criterion{store.Contains("labels", "gree")}}, nil},
		{"string contains", store.QuerySpec{Filter: []store.Criterion{store.Contains("owner", "bob")}}, []string{"q2"}},
		{"string contains no substring", store.QuerySpec{Filter: []store.Criterion{store.Contains("owner", "ob")}}, nil},
		{"nested string contains", store.QuerySpec{Filter: []store.Criterion{store.Contains("detail.kind", "blob")}}, []string{"q1"}},
		{"nested array", store.QuerySpec{Filter: []store.Criterion{store.Equal("callbackAddresses.events", "started")}}, []string{"q3"}},
		{"in", store.QuerySpec{Filter: []store.Criterion{store.In("owner", "bob", "carol")}}, []string{"q2", "q3"}},
		{"like", store.QuerySpec{Filter: []store.Criterion{{OperandLeft: "owner", Operator: "like", OperandRight: "%o%"}}}, []string{"q2", "q3"}},
		{"not equal", store.QuerySpec{Filter: []store.Criterion{{OperandLeft: "owner", Operator: "!=", OperandRight: "bob"}}}, []string{"q1", "q3"}},
		{"sorted", store.QuerySpec{SortField: "stateTimestamp"}, []string{"q2", "q3", "q1"}},
		{"sorted desc", store.QuerySpec{SortField: "stateTimestamp", SortOrder: store.SortDesc}, []string{"q1", "q3", "q2"}},
		{"paged", store.QuerySpec{SortField: "stateTimestamp", Offset: 1, Limit: 1}, []string{"q3"}},
		{"offset past end", store.QuerySpec{Offset: 10}, nil},
		{"unknown sort field", store.QuerySpec{SortField: "nope"}, nil},
		{"unknown filter path", store.QuerySpec{Filter: []store.Criterion{store.Equal("detail.nope", 1)}}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.alice.Query(e.ctx, tc.spec)
			require.NoError(t, err)
			if tc.want == nil {
				require.Empty(t, got)
				return
			}
			require.Equal(t, tc.want, ids(got))
		})
	}
}

func testNextNotLeasedCriteria(t *testing.T, backend Backend) {
	e := newEnv(t, backend)
	seedQuery(t, e)

	got, err := e.alice.NextNotLeased(e.ctx, 10, store.Equal("owner", "carol"))
	require.NoError(t, err)
	require.Equal(t, []string{"q3"}, ids(got))

	got, err = e.bob.NextNotLeased(e.ctx, 10, store.Equal("state", stateInitial))
	require.NoError(t, err)
	require.Equal(t, []string{"q1"}, ids(got))

	got, err = e.bob.NextNotLeased(e.ctx, 10, store.Equal("nope", 1))
	require.NoError(t, err)
	require.Empty(t, got)
}

package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/entity"
)

type offer struct {
	AssetID string            `json:"assetId"`
	Policy  map[string]string `json:"policy,omitempty"`
}

type testEntity struct {
	entity.StatefulEntity
	CounterParty string  `json:"counterPartyId"`
	Offers       []offer `json:"offers"`
	Tags         []string
	Secret       string `json:"-"`
}

func doc(t *testing.T, e *testEntity) Document {
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return Document{ID: e.ID, Raw: b}
}

func testDocs(t *testing.T) []Document {
	a := &testEntity{CounterParty: "alice", Offers: []offer{{AssetID: "a1"}, {AssetID: "a2", Policy: map[string]string{"purpose": "research"}}}, Tags: []string{"x"}}
	a.ID, a.State, a.StateTimestamp = "id-1", 100, 30
	b := &testEntity{CounterParty: "bob", Offers: []offer{{AssetID: "b1"}}}
	b.ID, b.State, b.StateTimestamp = "id-2", 200, 10
	c := &testEntity{CounterParty: "carol"}
	c.ID, c.State, c.StateTimestamp = "id-3", 100, 20
	c.CallbackAddresses = []entity.CallbackAddress{{URI: "http://cb", Events: []string{"negotiation.finalized"}}}
	return []Document{doc(t, a), doc(t, b), doc(t, c)}
}

func ids(docs []Document) []string {
	var out []string
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

func TestFieldSet(t *testing.T) {
	fs := FieldsOf(&testEntity{})

	for _, p := range []string{"id", "state", "stateTimestamp", "counterPartyId", "offers.assetId", "offers.policy.purpose", "callbackAddresses.events", "traceContext.anything", "Tags"} {
		require.True(t, fs.Valid(p), p)
	}
	for _, p := range []string{"", "nope", "Secret", "state.sub", "offers.nope", "StatefulEntity"} {
		require.False(t, fs.Valid(p), p)
	}

	k, repeated := fs.Kind("offers.assetId")
	require.Equal(t, KindString, k)
	require.True(t, repeated)

	k, repeated = fs.Kind("stateCount")
	require.Equal(t, KindNumber, k)
	require.False(t, repeated)

	require.Same(t, fs, FieldsOf(testEntity{}))
}

func TestPageFilters(t *testing.T) {
	docs := testDocs(t)
	fs := FieldsOf(&testEntity{})

	cases := []struct {
		name   string
		filter []Criterion
		want   []string
	}{
		{"eq", []Criterion{Equal("counterPartyId", "bob")}, []string{"id-2"}},
		{"eq numeric string", []Criterion{Equal("state", "100")}, []string{"id-1", "id-3"}},
		{"array any element", []Criterion{Equal("offers.assetId", "a2")}, []string{"id-1"}},
		{"nested map", []Criterion{Equal("offers.policy.purpose", "research")}, []string{"id-1"}},
		{"not equal", []Criterion{{OperandLeft: "offers.assetId", Operator: "!=", OperandRight: "a1"}}, []string{"id-2", "id-3"}},
		{"in", []Criterion{In("counterPartyId", "alice", "carol")}, []string{"id-1", "id-3"}},
		{"like", []Criterion{{OperandLeft: "counterPartyId", Operator: "LIKE", OperandRight: "%o%"}}, []string{"id-2", "id-3"}},
		{"less", []Criterion{{OperandLeft: "stateTimestamp", Operator: "<", OperandRight: 20}}, []string{"id-2"}},
		{"greater equal", []Criterion{{OperandLeft: "stateTimestamp", Operator: ">=", OperandRight: int64(20)}}, []string{"id-1", "id-3"}},
		{"contains", []Criterion{Contains("callbackAddresses.events", "negotiation.finalized")}, []string{"id-3"}},
		{"contains scalar", []Criterion{Contains("counterPartyId", "alice")}, []string{"id-1"}},
		{"conjunction", []Criterion{Equal("state", 100), Equal("counterPartyId", "carol")}, []string{"id-3"}},
		{"unknown path", []Criterion{Equal("nope", "x")}, nil},
		{"unknown operator", []Criterion{{OperandLeft: "state", Operator: "~", OperandRight: 1}}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Page(docs, QuerySpec{Filter: tc.filter}, fs)
			require.Equal(t, tc.want, ids(got))
		})
	}
}

func TestPageSortAndPaging(t *testing.T) {
	docs := testDocs(t)
	fs := FieldsOf(&testEntity{})

	got := Page(docs, QuerySpec{SortField: "stateTimestamp"}, fs)
	require.Equal(t, []string{"id-2", "id-3", "id-1"}, ids(got))

	got = Page(docs, QuerySpec{SortField: "stateTimestamp", SortOrder: "desc"}, fs)
	require.Equal(t, []string{"id-1", "id-3", "id-2"}, ids(got))

	got = Page(docs, QuerySpec{SortField: "stateTimestamp", Offset: 1, Limit: 1}, fs)
	require.Equal(t, []string{"id-3"}, ids(got))

	require.Empty(t, Page(docs, QuerySpec{Offset: 3}, fs))
	require.Empty(t, Page(docs, QuerySpec{SortField: "nope"}, fs))
}

func TestParseCriterion(t *testing.T) {
	c, err := ParseCriterion("counterPartyId = alice")
	require.NoError(t, err)
	require.Equal(t, Equal("counterPartyId", "alice"), c)

	c, err = ParseCriterion("state in (100, 200)")
	require.NoError(t, err)
	require.Equal(t, OpIn, c.Operator)
	require.Equal(t, []any{"100", "200"}, c.OperandRight)

	_, err = ParseCriterion("state ~ 1")
	require.Error(t, err)
	_, err = ParseCriterion("state")
	require.Error(t, err)
}

func TestErrorKinds(t *testing.T) {
	err := error(&LeaseConflictError{EntityID: "a", LeasedBy: "b", LeasedAt: 1})
	require.ErrorIs(t, err, ErrLeaseConflict)
	require.False(t, IsPersistence(err))
	require.False(t, IsPersistence(ErrNotFound))
	require.False(t, IsPersistence(nil))
	require.True(t, IsPersistence(xerrors.New("disk on fire")))
	require.False(t, IsPersistence(xerrors.Errorf("saving: %w", ErrConflict)))
}

package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsconnector/connector/entity"
	"github.com/dsconnector/connector/store"
)

type doc struct {
	entity.StatefulEntity
	Owner string `json:"owner"`
	Items []struct {
		Name string `json:"name"`
		Size int    `json:"size"`
	} `json:"items"`
}

func testSchema() *Schema {
	return NewSchema("t", store.FieldsOf(&doc{}), append(EntityColumns(), Column{Path: "owner", Name: "owner"})...)
}

func TestJSONPath(t *testing.T) {
	require.Equal(t, `lax $."items"[*]."name"[*]`, jsonPath("items.name"))
	require.Equal(t, `lax $."we\"ird"[*]`, jsonPath(`we"ird`))
}

func TestWhere(t *testing.T) {
	s := testSchema()

	b := &sqlBuilder{}
	w, ok := s.where(b, []store.Criterion{store.Equal("state", "100"), store.In("owner", "a", "b")})
	require.True(t, ok)
	require.Equal(t, "TRUE AND e.state = $1 AND e.owner = ANY($2)", w)
	require.Equal(t, []any{int64(100), []string{"a", "b"}}, b.args)

	b = &sqlBuilder{}
	w, ok = s.where(b, []store.Criterion{{OperandLeft: "items.size", Operator: ">", OperandRight: "3"}})
	require.True(t, ok)
	require.Equal(t, "TRUE AND jsonb_path_exists(e.body, $1::jsonpath, jsonb_build_object('v', $2::jsonb))", w)
	require.Equal(t, []any{`lax $."items"[*]."size"[*] ? (@ > $v)`, "3"}, b.args)

	b = &sqlBuilder{}
	w, ok = s.where(b, []store.Criterion{{OperandLeft: "items.name", Operator: "!=", OperandRight: "x"}})
	require.True(t, ok)
	require.Contains(t, w, "NOT jsonb_path_exists")
	require.Equal(t, `"x"`, b.args[1])

	b = &sqlBuilder{}
	w, ok = s.where(b, []store.Criterion{{OperandLeft: "state", Operator: "=", OperandRight: "abc"}})
	require.True(t, ok)
	require.Equal(t, "TRUE AND FALSE", w)

	_, ok = s.where(&sqlBuilder{}, []store.Criterion{store.Equal("nope", 1)})
	require.False(t, ok)
}

func TestOrderBy(t *testing.T) {
	s := testSchema()

	require.Equal(t, "e.id ASC", s.orderBy(&sqlBuilder{}, "", store.SortAsc))
	require.Equal(t, "e.state_timestamp DESC, e.id ASC", s.orderBy(&sqlBuilder{}, "stateTimestamp", store.SortDesc))

	b := &sqlBuilder{}
	require.Equal(t, "e.body #> $1::text[] ASC, e.id ASC", s.orderBy(b, "items.name", store.SortAsc))
	require.Equal(t, []any{[]string{"items", "name"}}, b.args)
}

func TestColumnValues(t *testing.T) {
	s := testSchema()
	vals := s.ColumnValues([]byte(`{"id":"x","state":200,"stateCount":2,"stateTimestamp":5,"pending":true,"createdAt":1,"updatedAt":5}`))
	require.Equal(t, []any{"x", int64(200), int64(2), int64(5), true, int64(1), int64(5), nil}, vals)
}

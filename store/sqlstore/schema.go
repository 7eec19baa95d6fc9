package sqlstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/dsconnector/connector/store"
)

type ColumnKind int

const (
	ColText ColumnKind = iota
	ColInt
	ColBool
)

// Column mirrors the property at Path into a table column, so that filters
// and sorting on it can use the column (and its indexes) instead of the
// JSON body.
type Column struct {
	Path string
	Name string
	Kind ColumnKind
}

// EntityColumns are the columns every entity table has.
func EntityColumns() []Column {
	return []Column{
		{Path: "id", Name: "id", Kind: ColText},
		{Path: "state", Name: "state", Kind: ColInt},
		{Path: "stateCount", Name: "state_count", Kind: ColInt},
		{Path: "stateTimestamp", Name: "state_timestamp", Kind: ColInt},
		{Path: "pending", Name: "pending", Kind: ColBool},
		{Path: "createdAt", Name: "created_at", Kind: ColInt},
		{Path: "updatedAt", Name: "updated_at", Kind: ColInt},
	}
}

// Schema describes a table holding JSON documents in a "body" column plus
// mirrored columns.
type Schema struct {
	Table   string
	Columns []Column

	fields *store.FieldSet
	byPath map[string]Column
}

func NewSchema(table string, fields *store.FieldSet, cols ...Column) *Schema {
	return &Schema{
		Table:   table,
		Columns: cols,
		fields:  fields,
		byPath:  lo.KeyBy(cols, func(c Column) string { return c.Path }),
	}
}

// ColumnValues extracts the mirrored column values from a JSON document.
func (s *Schema) ColumnValues(doc []byte) []any {
	out := make([]any, len(s.Columns))
	for i, c := range s.Columns {
		r := gjson.GetBytes(doc, c.Path)
		if !r.Exists() || r.Type == gjson.Null {
			out[i] = nil
			continue
		}
		switch c.Kind {
		case ColInt:
			out[i] = r.Int()
		case ColBool:
			out[i] = r.Bool()
		default:
			out[i] = r.String()
		}
	}
	return out
}

type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// where renders criteria as a conjunction over alias "e". ok is false when a
// criterion can never match, such as an unknown path.
func (s *Schema) where(b *sqlBuilder, criteria []store.Criterion) (string, bool) {
	if !store.CriteriaValid(s.fields, criteria) {
		return "", false
	}
	parts := []string{"TRUE"}
	for _, c := range criteria {
		op := strings.ToLower(c.Operator)
		if col, ok := s.byPath[c.OperandLeft]; ok {
			parts = append(parts, s.columnPredicate(b, col, op, c.OperandRight))
			continue
		}
		parts = append(parts, s.jsonPredicate(b, c.OperandLeft, op, c.OperandRight))
	}
	return strings.Join(parts, " AND "), true
}

func (s *Schema) columnPredicate(b *sqlBuilder, col Column, op string, operand any) string {
	ref := "e." + col.Name

	switch op {
	case store.OpLike:
		if col.Kind != ColText {
			ref += "::text"
		}
		return ref + " LIKE " + b.arg(fmt.Sprint(operand))
	case store.OpIn:
		var vals []any
		for _, v := range operandList(operand) {
			if cv, ok := coerceColumn(col.Kind, v); ok {
				vals = append(vals, cv)
			}
		}
		if len(vals) == 0 {
			return "FALSE"
		}
		switch col.Kind {
		case ColInt:
			return ref + " = ANY(" + b.arg(lo.Map(vals, func(v any, _ int) int64 { return v.(int64) })) + ")"
		case ColBool:
			return ref + " = ANY(" + b.arg(lo.Map(vals, func(v any, _ int) bool { return v.(bool) })) + ")"
		default:
			return ref + " = ANY(" + b.arg(lo.Map(vals, func(v any, _ int) string { return v.(string) })) + ")"
		}
	}

	v, ok := coerceColumn(col.Kind, operand)
	if !ok {
		if op == store.OpNotEqual {
			return "TRUE"
		}
		return "FALSE"
	}
	switch op {
	case store.OpEqual, store.OpContains:
		return ref + " = " + b.arg(v)
	case store.OpNotEqual:
		return ref + " IS DISTINCT FROM " + b.arg(v)
	default:
		return ref + " " + op + " " + b.arg(v)
	}
}

func coerceColumn(kind ColumnKind, v any) (any, bool) {
	switch kind {
	case ColInt:
		f, ok := toFloat(v)
		if !ok || f != float64(int64(f)) {
			return nil, false
		}
		return int64(f), true
	case ColBool:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			pb, err := strconv.ParseBool(b)
			return pb, err == nil
		}
		return nil, false
	default:
		if v == nil {
			return nil, false
		}
		return fmt.Sprint(v), true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func operandList(operand any) []any {
	switch v := operand.(type) {
	case []any:
		return v
	case []string:
		return lo.Map(v, func(s string, _ int) any { return s })
	case []int:
		return lo.Map(v, func(n int, _ int) any { return n })
	case []int64:
		return lo.Map(v, func(n int64, _ int) any { return n })
	case nil:
		return nil
	}
	return []any{operand}
}

// jsonPath renders a dotted property path as a lax SQL/JSON path which
// unwraps arrays at every step.
func jsonPath(path string) string {
	var sb strings.Builder
	sb.WriteString("lax $")
	for _, seg := range strings.Split(path, ".") {
		sb.WriteString(`."`)
		sb.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(seg))
		sb.WriteString(`"[*]`)
	}
	return sb.String()
}

// coerceJSON converts operand to the JSON type the entity uses at path.
func (s *Schema) coerceJSON(path string, operand any) (any, bool) {
	kind, _ := s.fields.Kind(path)
	switch kind {
	case store.KindNumber:
		f, ok := toFloat(operand)
		return f, ok
	case store.KindBool:
		return coerceColumn(ColBool, operand)
	case store.KindString:
		if operand == nil {
			return nil, true
		}
		return fmt.Sprint(operand), true
	}
	return operand, true
}

func (s *Schema) jsonPredicate(b *sqlBuilder, path, op string, operand any) string {
	jp := jsonPath(path)

	if op == store.OpLike {
		return "EXISTS (SELECT 1 FROM jsonb_path_query(e.body, " + b.arg(jp) + "::jsonpath) AS x(v) " +
			"WHERE jsonb_typeof(x.v) = 'string' AND x.v #>> '{}' LIKE " + b.arg(fmt.Sprint(operand)) + ")"
	}

	var v any
	if op == store.OpIn {
		var vals []any
		for _, o := range operandList(operand) {
			if cv, ok := s.coerceJSON(path, o); ok {
				vals = append(vals, cv)
			}
		}
		if len(vals) == 0 {
			return "FALSE"
		}
		v = vals
	} else {
		cv, ok := s.coerceJSON(path, operand)
		if !ok {
			if op == store.OpNotEqual {
				return "TRUE"
			}
			return "FALSE"
		}
		v = cv
	}
	enc, err := json.Marshal(v)
	if err != nil {
		return "FALSE"
	}

	var filter string
	switch op {
	case store.OpIn:
		filter = "@ == $v[*]"
	case store.OpEqual, store.OpContains, store.OpNotEqual:
		filter = "@ == $v"
	default:
		filter = "@ " + op + " $v"
	}
	expr := "jsonb_path_exists(e.body, " + b.arg(jp+" ? ("+filter+")") + "::jsonpath, jsonb_build_object('v', " + b.arg(string(enc)) + "::jsonb))"
	if op == store.OpNotEqual {
		return "NOT " + expr
	}
	return expr
}

// orderBy renders the sort clause, with the id as tie breaker.
func (s *Schema) orderBy(b *sqlBuilder, field string, order store.SortOrder) string {
	dir := "ASC"
	if order == store.SortDesc {
		dir = "DESC"
	}
	if field == "" {
		return "e.id ASC"
	}
	if col, ok := s.byPath[field]; ok {
		if col.Name == "id" {
			return "e.id " + dir
		}
		return "e." + col.Name + " " + dir + ", e.id ASC"
	}
	return "e.body #> " + b.arg(strings.Split(field, ".")) + "::text[] " + dir + ", e.id ASC"
}

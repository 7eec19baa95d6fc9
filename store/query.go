package store

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

// Operators understood by both store implementations.
const (
	OpEqual        = "="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpIn           = "in"
	OpLike         = "like"
	OpContains     = "contains"
)

var operators = map[string]bool{
	OpEqual: true, OpNotEqual: true, OpLess: true, OpLessEqual: true,
	OpGreater: true, OpGreaterEqual: true, OpIn: true, OpLike: true, OpContains: true,
}

// Criterion filters on a dotted property path, e.g.
// "contractAgreement.assetId" or "callbackAddresses.events". Paths crossing
// arrays match if any element matches. "!=" matches when no value equals the
// operand. "contains" tests collection membership and degenerates to
// equality on scalars. "like" uses SQL wildcards (% and _) on strings.
type Criterion struct {
	OperandLeft  string
	Operator     string
	OperandRight any
}

func (c Criterion) String() string {
	return fmt.Sprintf("%s %s %v", c.OperandLeft, c.Operator, c.OperandRight)
}

func Equal(path string, v any) Criterion {
	return Criterion{OperandLeft: path, Operator: OpEqual, OperandRight: v}
}

func In(path string, vs ...any) Criterion {
	return Criterion{OperandLeft: path, Operator: OpIn, OperandRight: vs}
}

func Contains(path string, v any) Criterion {
	return Criterion{OperandLeft: path, Operator: OpContains, OperandRight: v}
}

// ParseCriterion reads "<path> <op> <value>", the form used on the command
// line. Values are kept as strings; stores coerce them to the field type.
func ParseCriterion(s string) (Criterion, error) {
	parts := strings.Fields(s)
	if len(parts) < 3 {
		return Criterion{}, xerrors.Errorf("criterion %q: expected '<path> <op> <value>'", s)
	}
	op := strings.ToLower(parts[1])
	if !operators[op] {
		return Criterion{}, xerrors.Errorf("criterion %q: unknown operator %q", s, parts[1])
	}
	value := strings.Join(parts[2:], " ")
	if op == OpIn {
		var vs []any
		for _, v := range strings.Split(strings.Trim(value, "()[]"), ",") {
			vs = append(vs, strings.TrimSpace(v))
		}
		return Criterion{OperandLeft: parts[0], Operator: op, OperandRight: vs}, nil
	}
	return Criterion{OperandLeft: parts[0], Operator: op, OperandRight: value}, nil
}

type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// DefaultLimit is the page size used when QuerySpec.Limit is not positive.
const DefaultLimit = 50

// QuerySpec describes a filtered, sorted page of entities.
type QuerySpec struct {
	Filter    []Criterion
	SortField string
	SortOrder SortOrder
	Offset    int
	Limit     int
}

// Normalized returns a copy with defaults applied.
func (q QuerySpec) Normalized() QuerySpec {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.SortOrder == "" {
		q.SortOrder = SortAsc
	}
	q.SortOrder = SortOrder(strings.ToUpper(string(q.SortOrder)))
	return q
}

// Valid reports whether every path in q is a known field and every operator
// is supported. Stores answer invalid specs with an empty result.
func (q QuerySpec) Valid(fields *FieldSet) bool {
	if q.SortField != "" && !fields.Valid(q.SortField) {
		return false
	}
	return CriteriaValid(fields, q.Filter)
}

func CriteriaValid(fields *FieldSet, criteria []Criterion) bool {
	for _, c := range criteria {
		if !operators[strings.ToLower(c.Operator)] || !fields.Valid(c.OperandLeft) {
			return false
		}
	}
	return true
}

package store

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Matches reports whether the JSON document satisfies every criterion.
func Matches(doc []byte, criteria []Criterion) bool {
	for _, c := range criteria {
		if !matchOne(Resolve(doc, c.OperandLeft), strings.ToLower(c.Operator), c.OperandRight) {
			return false
		}
	}
	return true
}

func matchOne(values []gjson.Result, op string, operand any) bool {
	switch op {
	case OpEqual, OpContains:
		return anyValue(values, func(v gjson.Result) bool { return equal(v, operand) })
	case OpNotEqual:
		return !anyValue(values, func(v gjson.Result) bool { return equal(v, operand) })
	case OpIn:
		candidates := operandList(operand)
		return anyValue(values, func(v gjson.Result) bool {
			for _, c := range candidates {
				if equal(v, c) {
					return true
				}
			}
			return false
		})
	case OpLike:
		re, err := likePattern(fmt.Sprint(operand))
		if err != nil {
			return false
		}
		return anyValue(values, func(v gjson.Result) bool {
			return v.Type == gjson.String && re.MatchString(v.Str)
		})
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		return anyValue(values, func(v gjson.Result) bool {
			c, ok := compare(v, operand)
			if !ok {
				return false
			}
			switch op {
			case OpLess:
				return c < 0
			case OpLessEqual:
				return c <= 0
			case OpGreater:
				return c > 0
			default:
				return c >= 0
			}
		})
	}
	return false
}

func anyValue(values []gjson.Result, pred func(gjson.Result) bool) bool {
	for _, v := range values {
		if pred(v) {
			return true
		}
	}
	return false
}

func operandList(operand any) []any {
	rv := reflect.ValueOf(operand)
	if !rv.IsValid() {
		return nil
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{operand}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func equal(v gjson.Result, operand any) bool {
	c, ok := compare(v, operand)
	return ok && c == 0
}

// compare orders a JSON value against a Go operand. Numbers compare
// numerically with numeric strings, booleans with "true"/"false".
func compare(v gjson.Result, operand any) (int, bool) {
	switch v.Type {
	case gjson.Null:
		return 0, operand == nil
	case gjson.Number:
		f, ok := toFloat(operand)
		if !ok {
			return 0, false
		}
		return cmpFloat(v.Num, f), true
	case gjson.String:
		switch o := operand.(type) {
		case string:
			return strings.Compare(v.Str, o), true
		case fmt.Stringer:
			return strings.Compare(v.Str, o.String()), true
		}
		f, ok := toFloat(operand)
		if !ok {
			return 0, false
		}
		n, err := strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return 0, false
		}
		return cmpFloat(n, f), true
	case gjson.True, gjson.False:
		var b bool
		switch o := operand.(type) {
		case bool:
			b = o
		case string:
			pb, err := strconv.ParseBool(o)
			if err != nil {
				return 0, false
			}
			b = pb
		default:
			return 0, false
		}
		if v.Bool() == b {
			return 0, true
		}
		if b {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.String:
		f, err := strconv.ParseFloat(rv.String(), 64)
		return f, err == nil
	}
	return 0, false
}

func likePattern(p string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range p {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// Document is an entity's JSON form along with its id.
type Document struct {
	ID  string
	Raw []byte
}

// Page filters, sorts and pages docs according to spec. Specs referring to
// unknown fields select nothing. Ties, and documents without a value for
// the sort field, are ordered by id.
func Page(docs []Document, spec QuerySpec, fields *FieldSet) []Document {
	spec = spec.Normalized()
	if !spec.Valid(fields) {
		return nil
	}

	var out []Document
	for _, d := range docs {
		if Matches(d.Raw, spec.Filter) {
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if spec.SortField != "" {
			c := compareDocs(out[i], out[j], spec.SortField)
			if c != 0 {
				if spec.SortOrder == SortDesc {
					return c > 0
				}
				return c < 0
			}
		}
		return out[i].ID < out[j].ID
	})

	if spec.Offset >= len(out) {
		return nil
	}
	out = out[spec.Offset:]
	if len(out) > spec.Limit {
		out = out[:spec.Limit]
	}
	return out
}

func compareDocs(a, b Document, field string) int {
	av, bv := Resolve(a.Raw, field), Resolve(b.Raw, field)
	switch {
	case len(av) == 0 && len(bv) == 0:
		return 0
	case len(av) == 0:
		return 1
	case len(bv) == 0:
		return -1
	}
	x, y := av[0], bv[0]
	if x.Type == gjson.Number && y.Type == gjson.Number {
		return cmpFloat(x.Num, y.Num)
	}
	return strings.Compare(x.String(), y.String())
}

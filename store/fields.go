package store

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// FieldKind classifies the value found at a property path.
type FieldKind int

const (
	KindOpen FieldKind = iota // maps, interfaces and raw JSON: any sub-path is accepted
	KindString
	KindNumber
	KindBool
	KindObject
)

type fieldNode struct {
	kind     FieldKind
	repeated bool
	children map[string]*fieldNode
}

// FieldSet is the set of property paths of an entity type, derived from the
// json tags of its struct fields. Queries naming a path outside the set
// match nothing.
type FieldSet struct {
	root *fieldNode
}

var (
	fieldSetsLk sync.Mutex
	fieldSets   = map[reflect.Type]*FieldSet{}
)

// FieldsOf returns the FieldSet of v's type, which may be a pointer.
func FieldsOf(v any) *FieldSet {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	fieldSetsLk.Lock()
	defer fieldSetsLk.Unlock()
	if fs, ok := fieldSets[t]; ok {
		return fs
	}
	fs := &FieldSet{root: buildNode(t, map[reflect.Type]bool{})}
	fieldSets[t] = fs
	return fs
}

var rawMessageType = reflect.TypeOf(json.RawMessage{})

func buildNode(t reflect.Type, seen map[reflect.Type]bool) *fieldNode {
	if t == nil {
		return &fieldNode{kind: KindOpen}
	}
	if t == rawMessageType {
		return &fieldNode{kind: KindOpen}
	}

	switch t.Kind() {
	case reflect.Pointer:
		return buildNode(t.Elem(), seen)
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return &fieldNode{kind: KindString}
		}
		n := buildNode(t.Elem(), seen)
		cp := *n
		cp.repeated = true
		return &cp
	case reflect.String:
		return &fieldNode{kind: KindString}
	case reflect.Bool:
		return &fieldNode{kind: KindBool}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return &fieldNode{kind: KindNumber}
	case reflect.Struct:
		if seen[t] {
			return &fieldNode{kind: KindOpen}
		}
		seen[t] = true
		defer delete(seen, t)

		n := &fieldNode{kind: KindObject, children: map[string]*fieldNode{}}
		addStructFields(n, t, seen)
		return n
	default:
		return &fieldNode{kind: KindOpen}
	}
}

func addStructFields(n *fieldNode, t reflect.Type, seen map[reflect.Type]bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")

		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				addStructFields(n, ft, seen)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		n.children[name] = buildNode(f.Type, seen)
	}
}

func (fs *FieldSet) lookup(path string) (*fieldNode, bool) {
	if path == "" {
		return nil, false
	}
	n := fs.root
	repeated := false
	for _, seg := range strings.Split(path, ".") {
		switch n.kind {
		case KindOpen:
			return n, true
		case KindObject:
			c, ok := n.children[seg]
			if !ok {
				return nil, false
			}
			n = c
			repeated = repeated || c.repeated
		default:
			return nil, false
		}
	}
	return n, repeated
}

// Valid reports whether path names a property of the entity type.
func (fs *FieldSet) Valid(path string) bool {
	n, _ := fs.lookup(path)
	return n != nil
}

// Kind returns the kind of the value at path and whether the path crosses a
// repeated field, in which case it may resolve to many values.
func (fs *FieldSet) Kind(path string) (FieldKind, bool) {
	n, repeated := fs.lookup(path)
	if n == nil {
		return KindOpen, false
	}
	return n.kind, repeated
}

// Resolve returns every value found at the dotted path in the JSON document.
// Arrays met along the way, including at the end of the path, are flattened
// so that callers see individual elements.
func Resolve(doc []byte, path string) []gjson.Result {
	cur := flatten([]gjson.Result{gjson.ParseBytes(doc)})
	for _, seg := range strings.Split(path, ".") {
		var next []gjson.Result
		for _, r := range cur {
			if !r.IsObject() {
				continue
			}
			if v, ok := r.Map()[seg]; ok {
				next = append(next, v)
			}
		}
		cur = flatten(next)
		if len(cur) == 0 {
			return nil
		}
	}
	return cur
}

func flatten(rs []gjson.Result) []gjson.Result {
	var out []gjson.Result
	for _, r := range rs {
		if r.IsArray() {
			out = append(out, flatten(r.Array())...)
			continue
		}
		out = append(out, r)
	}
	return out
}

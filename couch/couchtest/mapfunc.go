package couchtest

import (
	"regexp"
	"strings"

	"github.com/go-errors/errors"
)

// The emulator does not run JavaScript. It understands the fixed shape of the map
// functions generated by package database:
//
//	function(doc) {
//	  if ((doc.class == "A" || doc.class == "B") && doc.k !== undefined) {
//	    emit([doc.k, doc.j], doc);
//	  }
//	}
//
// and the count reduce. Anything else fails to compile and the view query errors.

var (
	classPattern = regexp.MustCompile(`doc\.class == "([^"]+)"`)
	guardPattern = regexp.MustCompile(`doc\.([A-Za-z0-9_]+) !== undefined`)
	emitPattern  = regexp.MustCompile(`emit\((.+), doc\);`)
	fieldPattern = regexp.MustCompile(`^doc\.([A-Za-z0-9_]+)$`)
)

type mapFunc struct {
	classes []string
	guards  []string
	key     keyExpr
}

type keyExpr struct {
	null   bool
	array  bool
	fields []string
}

type viewRow struct {
	ID    string
	Key   any
	Value any
}

func compileMap(source string) (*mapFunc, error) {
	emit := emitPattern.FindStringSubmatch(source)
	if emit == nil {
		return nil, errors.New("unsupported map function: no emit")
	}

	fn := &mapFunc{}
	for _, m := range classPattern.FindAllStringSubmatch(source, -1) {
		fn.classes = append(fn.classes, m[1])
	}
	for _, m := range guardPattern.FindAllStringSubmatch(source, -1) {
		fn.guards = append(fn.guards, m[1])
	}

	expr := strings.TrimSpace(emit[1])
	switch {
	case expr == "null":
		fn.key.null = true
	case strings.HasPrefix(expr, "[") && strings.HasSuffix(expr, "]"):
		fn.key.array = true
		for _, part := range strings.Split(expr[1:len(expr)-1], ",") {
			field := fieldPattern.FindStringSubmatch(strings.TrimSpace(part))
			if field == nil {
				return nil, errors.Errorf("unsupported map function: key %q", expr)
			}
			fn.key.fields = append(fn.key.fields, field[1])
		}
	default:
		field := fieldPattern.FindStringSubmatch(expr)
		if field == nil {
			return nil, errors.Errorf("unsupported map function: key %q", expr)
		}
		fn.key.fields = []string{field[1]}
	}

	return fn, nil
}

func (fn *mapFunc) apply(doc map[string]any) (viewRow, bool) {
	if len(fn.classes) > 0 {
		class, _ := doc["class"].(string)
		matched := false
		for _, c := range fn.classes {
			if c == class {
				matched = true
				break
			}
		}
		if !matched {
			return viewRow{}, false
		}
	}

	for _, guard := range fn.guards {
		if _, ok := doc[guard]; !ok {
			return viewRow{}, false
		}
	}

	id, _ := doc["_id"].(string)
	row := viewRow{ID: id, Value: doc}
	switch {
	case fn.key.null:
		row.Key = nil
	case fn.key.array:
		key := make([]any, 0, len(fn.key.fields))
		for _, f := range fn.key.fields {
			key = append(key, doc[f])
		}
		row.Key = key
	default:
		row.Key = doc[fn.key.fields[0]]
	}
	return row, true
}

// compileReduce accepts the generated count reduce or the builtin _count.
func compileReduce(source string) (bool, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return false, nil
	}
	if source == "_count" || strings.Contains(source, "values.length") {
		return true, nil
	}
	return false, errors.New("unsupported reduce function")
}

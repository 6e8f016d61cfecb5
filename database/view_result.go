package database

import "fmt"

type ViewRow struct {
	ID    string         `json:"id,omitempty"`
	Key   any            `json:"key"`
	Value any            `json:"value"`
	Doc   map[string]any `json:"doc,omitempty"`
}

// ViewResult is a decoded view reply.
type ViewResult struct {
	TotalRows int       `json:"total_rows"`
	Offset    int       `json:"offset"`
	Rows      []ViewRow `json:"rows"`
}

// ReduceValue returns the value of the first row, or nil when the reduce produced no rows.
func (r *ViewResult) ReduceValue() any {
	if r == nil || len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0].Value
}

// ReduceCount reads a count reduce. No rows means zero.
func (r *ViewResult) ReduceCount() int {
	switch v := r.ReduceValue().(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// Documents instantiates the included doc of every row, or its value when docs were not
// requested. Rows without an object are skipped.
func (r *ViewResult) Documents(ds *Datasource) []*Document {
	docs := make([]*Document, 0, len(r.Rows))
	for _, row := range r.Rows {
		record := row.Doc
		if record == nil {
			record, _ = row.Value.(map[string]any)
		}
		if record == nil {
			continue
		}
		docs = append(docs, ds.instantiate(record))
	}
	return docs
}

// Merge joins row values sharing the same mergeKey value, in first-seen order.
func (r *ViewResult) Merge(mergeKey string) []map[string]any {
	var order []any
	merged := map[any]map[string]any{}
	for _, row := range r.Rows {
		value, ok := row.Value.(map[string]any)
		if !ok {
			continue
		}
		k := toMapKey(value[mergeKey])
		target, exists := merged[k]
		if !exists {
			target = map[string]any{}
			merged[k] = target
			order = append(order, k)
		}
		for name, v := range value {
			target[name] = v
		}
	}

	out := make([]map[string]any, 0, len(order))
	for _, k := range order {
		out = append(out, merged[k])
	}
	return out
}

// toMapKey makes JSON scalars usable as map keys; composite values are grouped by their
// printed form.
func toMapKey(v any) any {
	switch v.(type) {
	case nil, string, float64, bool:
		return v
	}
	return fmt.Sprintf("%v", v)
}

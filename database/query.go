package database

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-errors/errors"
)

// Error codes for query building
const (
	QUERY_DESIGN_DOC_EMPTY = "QUERY_DESIGN_DOC_EMPTY"
	QUERY_VIEW_EMPTY       = "QUERY_VIEW_EMPTY"
	QUERY_INVALID_KEY      = "QUERY_INVALID_KEY"
	QUERY_INVALID_LIMIT    = "QUERY_INVALID_LIMIT"
)

type option[T any] struct {
	value T
	set   bool
}

func some[T any](v T) option[T] {
	return option[T]{value: v, set: true}
}

// Query describes a view request. Options left unset are omitted so the store applies its
// own defaults. Setters mutate the receiver; use Clone or Merge to derive new queries.
type Query struct {
	designDoc     string
	viewName      string
	key           option[any]
	keys          option[[]any]
	startKey      option[any]
	startKeyDocID option[string]
	endKey        option[any]
	endKeyDocID   option[string]
	limit         option[int]
	skip          option[int]
	descending    option[bool]
	group         option[bool]
	groupLevel    option[int]
	reduce        option[bool]
	includeDocs   option[bool]
	err           error
}

func NewQuery(designDoc, viewName string) *Query {
	q := &Query{designDoc: designDoc, viewName: viewName}
	if strings.TrimSpace(designDoc) == "" {
		q.err = errors.New(QUERY_DESIGN_DOC_EMPTY)
	} else if strings.TrimSpace(viewName) == "" {
		q.err = errors.New(QUERY_VIEW_EMPTY)
	}
	return q
}

func (q *Query) DesignDoc() string {
	return q.designDoc
}

func (q *Query) ViewName() string {
	return q.viewName
}

func (q *Query) Key(key any) *Query {
	q.key = some(key)
	return q
}

// Keys switches the request to a POST carrying {"keys": [...]}.
func (q *Query) Keys(keys ...any) *Query {
	q.keys = some(append([]any{}, keys...))
	return q
}

func (q *Query) StartKey(key any) *Query {
	q.startKey = some(key)
	return q
}

func (q *Query) EndKey(key any) *Query {
	q.endKey = some(key)
	return q
}

func (q *Query) StartKeyDocID(id string) *Query {
	q.startKeyDocID = some(id)
	return q
}

func (q *Query) EndKeyDocID(id string) *Query {
	q.endKeyDocID = some(id)
	return q
}

func (q *Query) Limit(limit int) *Query {
	if limit < 0 {
		q.err = errors.New(QUERY_INVALID_LIMIT)
		return q
	}
	q.limit = some(limit)
	return q
}

// Count is an alias of Limit.
func (q *Query) Count(count int) *Query {
	return q.Limit(count)
}

func (q *Query) Skip(skip int) *Query {
	if skip < 0 {
		q.err = errors.New(QUERY_INVALID_LIMIT)
		return q
	}
	q.skip = some(skip)
	return q
}

func (q *Query) Descending(descending bool) *Query {
	q.descending = some(descending)
	return q
}

func (q *Query) Group(group bool) *Query {
	q.group = some(group)
	return q
}

func (q *Query) GroupLevel(level int) *Query {
	q.groupLevel = some(level)
	return q
}

func (q *Query) Reduce(reduce bool) *Query {
	q.reduce = some(reduce)
	return q
}

func (q *Query) IncludeDocs(include bool) *Query {
	q.includeDocs = some(include)
	return q
}

func (q *Query) IsDescending() bool {
	return q.descending.set && q.descending.value
}

func (q *Query) HasKeys() bool {
	return q.keys.set
}

func (q *Query) Clone() *Query {
	clone := *q
	if q.keys.set {
		clone.keys = some(append([]any{}, q.keys.value...))
	}
	return &clone
}

// PageParams are caller supplied overrides merged onto a base query. Nil keys, an empty
// doc id, a nil Descending and zero Limit or Skip leave the base untouched.
type PageParams struct {
	StartKey      any
	StartKeyDocID string
	EndKey        any
	Descending    *bool
	Limit         int
	Skip          int
}

// Merge returns a copy of q with params applied. q is not modified.
func (q *Query) Merge(params PageParams) *Query {
	merged := q.Clone()
	if params.StartKey != nil {
		merged.StartKey(params.StartKey)
	}
	if params.StartKeyDocID != "" {
		merged.StartKeyDocID(params.StartKeyDocID)
	}
	if params.EndKey != nil {
		merged.EndKey(params.EndKey)
	}
	if params.Descending != nil {
		merged.Descending(*params.Descending)
	}
	if params.Limit > 0 {
		merged.Limit(params.Limit)
	}
	if params.Skip > 0 {
		merged.Skip(params.Skip)
	}
	return merged
}

// withoutRange drops bounds, paging and document inclusion, keeping the view and any
// reduce or key selection.
func (q *Query) withoutRange() *Query {
	clone := q.Clone()
	clone.startKey = option[any]{}
	clone.startKeyDocID = option[string]{}
	clone.endKey = option[any]{}
	clone.endKeyDocID = option[string]{}
	clone.limit = option[int]{}
	clone.skip = option[int]{}
	clone.descending = option[bool]{}
	clone.includeDocs = option[bool]{}
	return clone
}

// ViewPath renders the db-relative request path. Keys are sent in the body, see Body.
func (q *Query) ViewPath() (string, error) {
	if q.err != nil {
		return "", q.err
	}

	params := make([]string, 0, 12)
	addJSON := func(name string, o option[any]) error {
		if !o.set {
			return nil
		}
		encoded, err := sonic.ConfigStd.MarshalToString(o.value)
		if err != nil {
			return errors.Errorf("%s: cannot encode %s: %w", QUERY_INVALID_KEY, name, err)
		}
		params = append(params, name+"="+url.QueryEscape(encoded))
		return nil
	}
	addString := func(name string, o option[string]) {
		if o.set {
			params = append(params, name+"="+url.QueryEscape(o.value))
		}
	}
	addInt := func(name string, o option[int]) {
		if o.set {
			params = append(params, name+"="+strconv.Itoa(o.value))
		}
	}
	addBool := func(name string, o option[bool]) {
		if o.set {
			params = append(params, name+"="+strconv.FormatBool(o.value))
		}
	}

	if err := addJSON("key", q.key); err != nil {
		return "", err
	}
	if err := addJSON("startkey", q.startKey); err != nil {
		return "", err
	}
	addString("startkey_docid", q.startKeyDocID)
	if err := addJSON("endkey", q.endKey); err != nil {
		return "", err
	}
	addString("endkey_docid", q.endKeyDocID)
	addInt("limit", q.limit)
	addInt("skip", q.skip)
	addBool("descending", q.descending)
	addBool("group", q.group)
	addInt("group_level", q.groupLevel)
	addBool("reduce", q.reduce)
	addBool("include_docs", q.includeDocs)

	path := "_design/" + url.PathEscape(q.designDoc) + "/_view/" + url.PathEscape(q.viewName)
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}
	return path, nil
}

// Body returns the POST body for a Keys query, or nil.
func (q *Query) Body() ([]byte, error) {
	if !q.keys.set {
		return nil, nil
	}
	body, err := sonic.ConfigStd.Marshal(map[string]any{"keys": q.keys.value})
	if err != nil {
		return nil, errors.Errorf("%s: cannot encode keys: %w", QUERY_INVALID_KEY, err)
	}
	return body, nil
}

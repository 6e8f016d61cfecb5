// Package couchtest provides an in-memory CouchDB emulator for tests and local tooling.
//
// MemoryStore implements couch.DocumentStore directly; Server exposes the same databases
// over HTTP so the couch connector can be exercised end to end. Document revisions,
// update conflicts, bulk writes, _all_docs lookups and the views generated by package
// database (map plus count reduce) are emulated. Collation follows CouchDB's type
// ordering with plain code point string comparison.
package couchtest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/xompass/vsaas-couch/couch"
)

type Request struct {
	Method string
	Path   string
}

type MemoryStore struct {
	mu       sync.Mutex
	name     string
	docs     map[string]map[string]any
	revs     map[string]int
	requests []Request
	compiled map[string]*mapFunc
}

func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:     name,
		docs:     map[string]map[string]any{},
		revs:     map[string]int{},
		compiled: map[string]*mapFunc{},
	}
}

func (s *MemoryStore) Name() string {
	return s.name
}

func (s *MemoryStore) Get(ctx context.Context, path string) (*couch.Response, error) {
	return s.result(s.handle(http.MethodGet, path, nil))
}

func (s *MemoryStore) Put(ctx context.Context, path string, body []byte) (*couch.Response, error) {
	return s.result(s.handle(http.MethodPut, path, body))
}

func (s *MemoryStore) Post(ctx context.Context, path string, body []byte) (*couch.Response, error) {
	return s.result(s.handle(http.MethodPost, path, body))
}

func (s *MemoryStore) Delete(ctx context.Context, path string) (*couch.Response, error) {
	return s.result(s.handle(http.MethodDelete, path, nil))
}

// Requests returns every call made so far, in order.
func (s *MemoryStore) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Count returns the number of calls made with method.
func (s *MemoryStore) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (s *MemoryStore) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Document returns a copy of the stored document, or nil.
func (s *MemoryStore) Document(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil
	}
	return copyDoc(doc)
}

// DocCount counts stored documents, design documents included.
func (s *MemoryStore) DocCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *MemoryStore) result(status int, body any) (*couch.Response, error) {
	data, _ := sonic.ConfigStd.Marshal(body)
	if status < 200 || status > 299 {
		return nil, couch.MapCouchError(status, data)
	}
	return &couch.Response{StatusCode: status, Body: data}, nil
}

func (s *MemoryStore) handle(method, path string, body []byte) (int, any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{Method: method, Path: path})

	rawPath, rawQuery, _ := strings.Cut(path, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return badRequest("query_parse_error", err.Error())
	}
	p, err := url.PathUnescape(rawPath)
	if err != nil {
		return badRequest("bad_request", err.Error())
	}
	p = strings.Trim(p, "/")

	switch {
	case p == "":
		if method == http.MethodGet {
			return http.StatusOK, map[string]any{"db_name": s.name, "doc_count": len(s.docs)}
		}
		if method == http.MethodPost {
			return s.postDoc(body)
		}
	case p == "_all_docs":
		return s.allDocs(method, query, body)
	case p == "_bulk_docs" && method == http.MethodPost:
		return s.bulkDocs(body)
	case strings.HasPrefix(p, "_design/") && strings.Contains(p, "/_view/"):
		designPart, view, _ := strings.Cut(strings.TrimPrefix(p, "_design/"), "/_view/")
		return s.queryView("_design/"+designPart, view, method, query, body)
	}

	switch method {
	case http.MethodGet:
		doc, ok := s.docs[p]
		if !ok {
			return notFound("missing")
		}
		return http.StatusOK, copyDoc(doc)
	case http.MethodPut:
		var doc map[string]any
		if err := sonic.ConfigStd.Unmarshal(body, &doc); err != nil {
			return badRequest("bad_request", "invalid UTF-8 JSON")
		}
		doc["_id"] = p
		return s.write(doc)
	case http.MethodDelete:
		current, ok := s.docs[p]
		if !ok {
			return notFound("missing")
		}
		if query.Get("rev") != current["_rev"] {
			return conflict()
		}
		delete(s.docs, p)
		s.revs[p]++
		return http.StatusOK, map[string]any{"ok": true, "id": p, "rev": s.revision(p)}
	}

	return http.StatusMethodNotAllowed, map[string]any{"error": "method_not_allowed", "reason": "Only GET,PUT,POST,DELETE allowed"}
}

func (s *MemoryStore) postDoc(body []byte) (int, any) {
	var doc map[string]any
	if err := sonic.ConfigStd.Unmarshal(body, &doc); err != nil {
		return badRequest("bad_request", "invalid UTF-8 JSON")
	}
	if _, ok := doc["_id"].(string); !ok {
		doc["_id"] = fmt.Sprintf("%s-%d", s.name, len(s.revs)+1)
	}
	return s.write(doc)
}

func (s *MemoryStore) write(doc map[string]any) (int, any) {
	id, _ := doc["_id"].(string)
	if id == "" {
		return badRequest("bad_request", "missing document id")
	}
	rev, _ := doc["_rev"].(string)
	if current, ok := s.docs[id]; ok {
		if rev != current["_rev"] {
			return conflict()
		}
	} else if rev != "" {
		return conflict()
	}

	s.revs[id]++
	doc["_rev"] = s.revision(id)
	s.docs[id] = copyDoc(doc)
	if strings.HasPrefix(id, "_design/") {
		s.compiled = map[string]*mapFunc{}
	}
	return http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": doc["_rev"]}
}

func (s *MemoryStore) revision(id string) string {
	return fmt.Sprintf("%d-%08x", s.revs[id], uint32(len(id)*7919+s.revs[id]*104729))
}

func (s *MemoryStore) bulkDocs(body []byte) (int, any) {
	var req struct {
		Docs []map[string]any `json:"docs"`
	}
	if err := sonic.ConfigStd.Unmarshal(body, &req); err != nil {
		return badRequest("bad_request", "invalid UTF-8 JSON")
	}

	results := make([]map[string]any, 0, len(req.Docs))
	for _, doc := range req.Docs {
		if _, ok := doc["_id"].(string); !ok {
			doc["_id"] = fmt.Sprintf("%s-%d", s.name, len(s.revs)+1)
		}
		status, reply := s.write(doc)
		if status == http.StatusConflict {
			results = append(results, map[string]any{"id": doc["_id"], "error": "conflict", "reason": "Document update conflict."})
			continue
		}
		r := reply.(map[string]any)
		results = append(results, map[string]any{"ok": true, "id": r["id"], "rev": r["rev"]})
	}
	return http.StatusCreated, results
}

func (s *MemoryStore) allDocs(method string, query url.Values, body []byte) (int, any) {
	includeDocs := query.Get("include_docs") == "true"

	if method == http.MethodPost {
		var req struct {
			Keys []string `json:"keys"`
		}
		if err := sonic.ConfigStd.Unmarshal(body, &req); err != nil {
			return badRequest("bad_request", "invalid UTF-8 JSON")
		}
		rows := make([]map[string]any, 0, len(req.Keys))
		for _, key := range req.Keys {
			doc, ok := s.docs[key]
			if !ok {
				rows = append(rows, map[string]any{"key": key, "error": "not_found"})
				continue
			}
			row := map[string]any{"id": key, "key": key, "value": map[string]any{"rev": doc["_rev"]}}
			if includeDocs {
				row["doc"] = copyDoc(doc)
			}
			rows = append(rows, row)
		}
		return http.StatusOK, map[string]any{"total_rows": len(s.docs), "offset": 0, "rows": rows}
	}

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		row := map[string]any{"id": id, "key": id, "value": map[string]any{"rev": s.docs[id]["_rev"]}}
		if includeDocs {
			row["doc"] = copyDoc(s.docs[id])
		}
		rows = append(rows, row)
	}
	return http.StatusOK, map[string]any{"total_rows": len(ids), "offset": 0, "rows": rows}
}

func (s *MemoryStore) queryView(designID, viewName, method string, query url.Values, body []byte) (int, any) {
	design, ok := s.docs[designID]
	if !ok {
		return notFound("missing")
	}
	views, _ := design["views"].(map[string]any)
	view, ok := views[viewName].(map[string]any)
	if !ok {
		return notFound("missing_named_view")
	}

	mapSource, _ := view["map"].(string)
	fn, ok := s.compiled[mapSource]
	if !ok {
		compiled, err := compileMap(mapSource)
		if err != nil {
			return http.StatusInternalServerError, map[string]any{"error": "os_process_error", "reason": err.Error()}
		}
		fn = compiled
		s.compiled[mapSource] = fn
	}
	reduceSource, _ := view["reduce"].(string)
	hasReduce, err := compileReduce(reduceSource)
	if err != nil {
		return http.StatusInternalServerError, map[string]any{"error": "os_process_error", "reason": err.Error()}
	}

	params, err := parseViewParams(query)
	if err != nil {
		return badRequest("query_parse_error", err.Error())
	}
	if method == http.MethodPost {
		var req struct {
			Keys []any `json:"keys"`
		}
		if err := sonic.ConfigStd.Unmarshal(body, &req); err != nil {
			return badRequest("bad_request", "invalid UTF-8 JSON")
		}
		params.keys = req.Keys
		params.hasKeys = true
	}

	rows := make([]viewRow, 0)
	for id, doc := range s.docs {
		if strings.HasPrefix(id, "_design/") {
			continue
		}
		if row, ok := fn.apply(copyDoc(doc)); ok {
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return compareRows(rows[i], rows[j]) < 0 })
	if params.descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	reduce := hasReduce
	if params.reduce != nil {
		if *params.reduce && !hasReduce {
			return badRequest("query_parse_error", "Reduce is invalid for map-only views.")
		}
		reduce = *params.reduce
	}

	offset, selected := params.selectRows(rows)

	if reduce {
		return http.StatusOK, map[string]any{"rows": reduceRows(selected, params)}
	}

	out := make([]map[string]any, 0, len(selected))
	for _, r := range selected {
		out = append(out, map[string]any{"id": r.ID, "key": r.Key, "value": r.Value})
	}
	return http.StatusOK, map[string]any{"total_rows": len(rows), "offset": offset, "rows": out}
}

type viewParams struct {
	key           any
	hasKey        bool
	keys          []any
	hasKeys       bool
	startKey      any
	hasStartKey   bool
	startKeyDocID string
	endKey        any
	hasEndKey     bool
	endKeyDocID   string
	descending    bool
	limit         int
	skip          int
	reduce        *bool
	group         bool
	groupLevel    int
	hasGroupLevel bool
}

func parseViewParams(query url.Values) (*viewParams, error) {
	p := &viewParams{limit: -1}
	decode := func(name string) (any, bool, error) {
		raw, ok := query[name]
		if !ok {
			return nil, false, nil
		}
		var v any
		if err := sonic.ConfigStd.UnmarshalFromString(raw[0], &v); err != nil {
			return nil, false, fmt.Errorf("invalid value for %s", name)
		}
		return v, true, nil
	}

	var err error
	if p.key, p.hasKey, err = decode("key"); err != nil {
		return nil, err
	}
	if p.startKey, p.hasStartKey, err = decode("startkey"); err != nil {
		return nil, err
	}
	if p.endKey, p.hasEndKey, err = decode("endkey"); err != nil {
		return nil, err
	}
	if raw, ok := query["keys"]; ok {
		if err := sonic.ConfigStd.UnmarshalFromString(raw[0], &p.keys); err != nil {
			return nil, fmt.Errorf("invalid value for keys")
		}
		p.hasKeys = true
	}
	p.startKeyDocID = query.Get("startkey_docid")
	p.endKeyDocID = query.Get("endkey_docid")
	p.descending = query.Get("descending") == "true"
	p.group = query.Get("group") == "true"
	if v := query.Get("limit"); v != "" {
		if p.limit, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid value for limit")
		}
	}
	if v := query.Get("skip"); v != "" {
		if p.skip, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid value for skip")
		}
	}
	if v := query.Get("group_level"); v != "" {
		if p.groupLevel, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid value for group_level")
		}
		p.hasGroupLevel = true
	}
	if v := query.Get("reduce"); v != "" {
		r := v == "true"
		p.reduce = &r
	}
	return p, nil
}

// selectRows applies key, range, skip and limit to rows already in iteration order.
// The returned offset is the index of the first selected row.
func (p *viewParams) selectRows(rows []viewRow) (int, []viewRow) {
	dir := 1
	if p.descending {
		dir = -1
	}

	if p.hasKeys {
		var out []viewRow
		for _, k := range p.keys {
			for _, r := range rows {
				if collate(r.Key, k) == 0 {
					out = append(out, r)
				}
			}
		}
		return 0, p.window(out)
	}

	start := 0
	for start < len(rows) && !p.afterStart(rows[start], dir) {
		start++
	}
	start += p.skip
	if start > len(rows) {
		start = len(rows)
	}

	var out []viewRow
	for i := start; i < len(rows); i++ {
		r := rows[i]
		if p.hasKey && collate(r.Key, p.key) != 0 {
			break
		}
		if p.hasEndKey && !p.beforeEnd(r, dir) {
			break
		}
		out = append(out, r)
		if p.limit >= 0 && len(out) >= p.limit {
			break
		}
	}
	return start, out
}

func (p *viewParams) window(rows []viewRow) []viewRow {
	if p.skip >= len(rows) {
		return nil
	}
	rows = rows[p.skip:]
	if p.limit >= 0 && len(rows) > p.limit {
		rows = rows[:p.limit]
	}
	return rows
}

func (p *viewParams) afterStart(r viewRow, dir int) bool {
	if p.hasKey {
		return collate(r.Key, p.key)*dir >= 0
	}
	if !p.hasStartKey {
		return true
	}
	c := collate(r.Key, p.startKey)
	if c == 0 && p.startKeyDocID != "" {
		c = strings.Compare(r.ID, p.startKeyDocID)
	}
	return c*dir >= 0
}

func (p *viewParams) beforeEnd(r viewRow, dir int) bool {
	c := collate(r.Key, p.endKey)
	if c == 0 && p.endKeyDocID != "" {
		c = strings.Compare(r.ID, p.endKeyDocID)
	}
	return c*dir <= 0
}

func reduceRows(rows []viewRow, p *viewParams) []map[string]any {
	if !p.group || (p.hasGroupLevel && p.groupLevel == 0) {
		if len(rows) == 0 {
			return []map[string]any{}
		}
		return []map[string]any{{"key": nil, "value": len(rows)}}
	}

	var out []map[string]any
	for _, r := range rows {
		key := r.Key
		if arr, ok := key.([]any); ok && p.hasGroupLevel && p.groupLevel < len(arr) {
			key = arr[:p.groupLevel]
		}
		if n := len(out); n > 0 && collate(out[n-1]["key"], key) == 0 {
			out[n-1]["value"] = out[n-1]["value"].(int) + 1
			continue
		}
		out = append(out, map[string]any{"key": key, "value": 1})
	}
	return out
}

func copyDoc(doc map[string]any) map[string]any {
	data, _ := sonic.ConfigStd.Marshal(doc)
	var out map[string]any
	_ = sonic.ConfigStd.Unmarshal(data, &out)
	return out
}

func notFound(reason string) (int, any) {
	return http.StatusNotFound, map[string]any{"error": "not_found", "reason": reason}
}

func conflict() (int, any) {
	return http.StatusConflict, map[string]any{"error": "conflict", "reason": "Document update conflict."}
}

func badRequest(kind, reason string) (int, any) {
	return http.StatusBadRequest, map[string]any{"error": kind, "reason": reason}
}

package couchtest

import (
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
)

// Server serves a set of MemoryStores over the CouchDB HTTP API.
type Server struct {
	mu  sync.Mutex
	dbs map[string]*MemoryStore
}

func NewServer() *Server {
	return &Server{dbs: map[string]*MemoryStore{}}
}

// Store returns the named database, creating it when absent.
func (srv *Server) Store(name string) *MemoryStore {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	db, ok := srv.dbs[name]
	if !ok {
		db = NewMemoryStore(name)
		srv.dbs[name] = db
	}
	return db
}

func (srv *Server) lookup(name string) (*MemoryStore, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	db, ok := srv.dbs[name]
	return db, ok
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/")

	switch {
	case path == "":
		writeJSON(w, http.StatusOK, map[string]any{"couchdb": "Welcome", "version": "3.3.3"})
		return
	case path == "_all_dbs":
		srv.mu.Lock()
		names := make([]string, 0, len(srv.dbs))
		for name := range srv.dbs {
			names = append(names, name)
		}
		srv.mu.Unlock()
		sort.Strings(names)
		writeJSON(w, http.StatusOK, names)
		return
	case path == "_replicate" && r.Method == http.MethodPost:
		srv.replicate(w, r)
		return
	}

	dbName, rest, _ := strings.Cut(path, "/")
	if rest == "" {
		srv.database(w, r, dbName)
		return
	}

	db, ok := srv.lookup(dbName)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "Database does not exist."})
		return
	}

	target := rest
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	body, _ := io.ReadAll(r.Body)
	status, reply := db.handle(r.Method, target, body)
	writeJSON(w, status, reply)
}

func (srv *Server) database(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodPut:
		srv.mu.Lock()
		_, exists := srv.dbs[name]
		if !exists {
			srv.dbs[name] = NewMemoryStore(name)
		}
		srv.mu.Unlock()
		if exists {
			writeJSON(w, http.StatusPreconditionFailed, map[string]any{"error": "file_exists", "reason": "The database could not be created, the file already exists."})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
	case http.MethodDelete:
		srv.mu.Lock()
		_, exists := srv.dbs[name]
		delete(srv.dbs, name)
		srv.mu.Unlock()
		if !exists {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "Database does not exist."})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		db, ok := srv.lookup(name)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "Database does not exist."})
			return
		}
		body, _ := io.ReadAll(r.Body)
		status, reply := db.handle(r.Method, "", body)
		writeJSON(w, status, reply)
	}
}

func (srv *Server) replicate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source       string `json:"source"`
		Target       string `json:"target"`
		CreateTarget bool   `json:"create_target"`
	}
	body, _ := io.ReadAll(r.Body)
	if err := sonic.ConfigStd.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad_request", "reason": err.Error()})
		return
	}

	source, ok := srv.lookup(req.Source)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "Database does not exist."})
		return
	}
	target, ok := srv.lookup(req.Target)
	if !ok {
		if !req.CreateTarget {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "reason": "Database does not exist."})
			return
		}
		target = srv.Store(req.Target)
	}

	source.mu.Lock()
	docs := make([]map[string]any, 0, len(source.docs))
	revs := make(map[string]int, len(source.revs))
	for id, doc := range source.docs {
		docs = append(docs, copyDoc(doc))
		revs[id] = source.revs[id]
	}
	source.mu.Unlock()

	target.mu.Lock()
	for _, doc := range docs {
		id := doc["_id"].(string)
		target.docs[id] = doc
		target.revs[id] = revs[id]
	}
	target.compiled = map[string]*mapFunc{}
	target.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "docs_written": len(docs)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := sonic.ConfigStd.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"unknown_error","reason":"cannot encode reply"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

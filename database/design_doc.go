package database

import (
	"context"
	"net/url"

	"github.com/go-errors/errors"
	"github.com/xompass/vsaas-couch/couch"
	"github.com/xompass/vsaas-couch/http_errors"
)

type ViewFunctions struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

// DesignDocument groups view definitions under _design/<name>.
type DesignDocument struct {
	store couch.DocumentStore
	codec Codec
	name  string
	data  map[string]any
}

// GetDesignDocument loads the named design document, or returns an empty one when it
// does not exist yet.
func GetDesignDocument(ctx context.Context, store couch.DocumentStore, codec Codec, name string) (*DesignDocument, error) {
	dd := &DesignDocument{store: store, codec: codec, name: name}

	resp, err := store.Get(ctx, dd.path())
	if err != nil {
		if http_errors.IsNotFound(err) {
			dd.data = map[string]any{"_id": "_design/" + name}
			return dd, nil
		}
		return nil, err
	}

	if err := codec.Unmarshal(resp.Body, &dd.data); err != nil {
		return nil, errors.Errorf("cannot decode design document %s: %w", name, err)
	}
	return dd, nil
}

func (dd *DesignDocument) Name() string {
	return dd.name
}

func (dd *DesignDocument) Rev() string {
	rev, _ := dd.data["_rev"].(string)
	return rev
}

func (dd *DesignDocument) Data() map[string]any {
	return dd.data
}

func (dd *DesignDocument) views() map[string]any {
	views, ok := dd.data["views"].(map[string]any)
	if !ok {
		views = map[string]any{}
		dd.data["views"] = views
	}
	return views
}

func (dd *DesignDocument) view(name string) map[string]any {
	views := dd.views()
	view, ok := views[name].(map[string]any)
	if !ok {
		view = map[string]any{}
		views[name] = view
	}
	return view
}

// Views returns the stored functions by view name.
func (dd *DesignDocument) Views() map[string]ViewFunctions {
	out := map[string]ViewFunctions{}
	for name, raw := range dd.views() {
		fns, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		mapFn, _ := fns["map"].(string)
		reduceFn, _ := fns["reduce"].(string)
		out[name] = ViewFunctions{Map: mapFn, Reduce: reduceFn}
	}
	return out
}

func (dd *DesignDocument) AddMapView(view, mapFn string) *DesignDocument {
	dd.view(view)["map"] = mapFn
	return dd
}

func (dd *DesignDocument) AddReduceView(view, reduceFn string) *DesignDocument {
	dd.view(view)["reduce"] = reduceFn
	return dd
}

// AddView stores both functions of a definition, dropping a stale reduce.
func (dd *DesignDocument) AddView(def ViewDefinition) *DesignDocument {
	dd.AddMapView(def.Name, def.Map)
	if def.Reduce != "" {
		dd.AddReduceView(def.Name, def.Reduce)
	} else {
		delete(dd.view(def.Name), "reduce")
	}
	return dd
}

func (dd *DesignDocument) Save(ctx context.Context) error {
	body, err := dd.codec.Marshal(dd.data)
	if err != nil {
		return errors.Errorf("cannot encode design document %s: %w", dd.name, err)
	}

	resp, err := dd.store.Put(ctx, dd.path(), body)
	if err != nil {
		return err
	}

	var reply struct {
		Rev string `json:"rev"`
	}
	if err := dd.codec.Unmarshal(resp.Body, &reply); err != nil {
		return errors.Errorf("cannot decode design document reply: %w", err)
	}
	dd.data["_rev"] = reply.Rev
	return nil
}

func (dd *DesignDocument) Destroy(ctx context.Context) error {
	rev := dd.Rev()
	if rev == "" {
		return errors.Errorf("%w: design document %s", ErrNotPersisted, dd.name)
	}
	_, err := dd.store.Delete(ctx, dd.path()+"?rev="+url.QueryEscape(rev))
	if err != nil {
		return err
	}
	delete(dd.data, "_rev")
	return nil
}

func (dd *DesignDocument) path() string {
	return "_design/" + url.PathEscape(dd.name)
}

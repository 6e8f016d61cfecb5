package database

import (
	"context"

	"github.com/go-errors/errors"
)

// CouchRepository runs the generated views of one document type. Queries against an
// ancestor type include its descendants.
type CouchRepository struct {
	datasource *Datasource
	schema     *Schema
}

// GetSchema returns the schema of the type served by this repository.
func (r *CouchRepository) GetSchema() *Schema {
	return r.schema
}

// New creates an unsaved document of the repository type.
func (r *CouchRepository) New(props map[string]any) (*Document, error) {
	return r.datasource.New(r.schema.name, props)
}

// FindById returns nil, nil when the document does not exist or is of an unrelated type.
func (r *CouchRepository) FindById(ctx context.Context, id string) (*Document, error) {
	doc, err := r.datasource.Load(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	if doc.schema == nil || !doc.schema.IsA(r.schema.name) {
		return nil, nil
	}
	return doc, nil
}

// All returns every document of the type. configure may add bounds or a limit.
func (r *CouchRepository) All(ctx context.Context, configure func(*Query)) ([]*Document, error) {
	def := r.datasource.registry.allView(r.schema.name)
	q := def.Query()
	if configure != nil {
		configure(q)
	}
	return r.documents(ctx, q, def)
}

// Count reduces the all view.
func (r *CouchRepository) Count(ctx context.Context) (int, error) {
	def := r.datasource.registry.allView(r.schema.name)
	result, err := r.datasource.views.Query(ctx, NewQuery(def.DesignDoc, def.Name).Reduce(true), def)
	if err != nil {
		return 0, err
	}
	return result.ReduceCount(), nil
}

// DestroyAll destroys every document of the type, unwinding the relationships of each.
func (r *CouchRepository) DestroyAll(ctx context.Context) (int, error) {
	docs, err := r.All(ctx, nil)
	if err != nil {
		return 0, err
	}
	destroyed := 0
	for _, doc := range docs {
		if err := doc.Destroy(ctx); err != nil {
			return destroyed, err
		}
		destroyed++
	}
	return destroyed, nil
}

// SortedBy returns the documents defining every key, ordered by the keys and then by id.
func (r *CouchRepository) SortedBy(ctx context.Context, keys []string, configure func(*Query)) ([]*Document, error) {
	if len(keys) == 0 {
		return nil, errors.New("sorted_by requires at least one key")
	}
	def := r.datasource.registry.sortedView(r.schema.name, keys)
	q := def.Query()
	if configure != nil {
		configure(q)
	}
	return r.documents(ctx, q, def)
}

// PaginateBy pages through the sorted view of keys.
func (r *CouchRepository) PaginateBy(ctx context.Context, params PaginateParams, token string, keys ...string) (*Page, error) {
	if len(keys) == 0 {
		return nil, errors.New("paginate_by requires at least one key")
	}
	def := r.datasource.registry.sortedView(r.schema.name, keys)
	return r.datasource.PaginateView(ctx, def, def.Query(), params, token, keys...)
}

func (r *CouchRepository) viewBy(attr string) (*ViewBy, ViewDefinition, error) {
	vb, ok := r.schema.FindViewBy(attr)
	if !ok {
		return nil, ViewDefinition{}, errors.Errorf("no view_by %s declared on %s", attr, r.schema.name)
	}
	def := r.datasource.registry.viewByView(r.datasource.options.DesignDoc, r.schema.name, vb.Keys)
	return vb, def, nil
}

// By queries the view_by view named attr, e.g. "title" or "user_id_and_created_at". The
// declared defaults apply first and configure may override them.
func (r *CouchRepository) By(ctx context.Context, attr string, configure func(*Query)) ([]*Document, error) {
	vb, def, err := r.viewBy(attr)
	if err != nil {
		return nil, err
	}

	q := def.Query()
	if vb.Descending {
		q.Descending(true)
	}
	if vb.Limit > 0 {
		q.Limit(vb.Limit)
	}
	if configure != nil {
		configure(q)
	}
	return r.documents(ctx, q, def)
}

// PaginateByView pages through the view_by view named attr. The declared direction and
// limit fill params, then configure may override them as in By. A zero limit falls back
// to DefaultPageLimit.
func (r *CouchRepository) PaginateByView(ctx context.Context, attr string, params PaginateParams, token string, configure func(*PaginateParams)) (*Page, error) {
	vb, def, err := r.viewBy(attr)
	if err != nil {
		return nil, err
	}
	if vb.Descending {
		params.Descending = true
	}
	if params.Limit == 0 {
		params.Limit = vb.Limit
	}
	if configure != nil {
		configure(&params)
	}
	if params.Limit == 0 {
		params.Limit = DefaultPageLimit
	}
	return r.datasource.PaginateView(ctx, def, def.Query(), params, token, vb.Keys...)
}

func (r *CouchRepository) documents(ctx context.Context, q *Query, def ViewDefinition) ([]*Document, error) {
	result, err := r.datasource.views.Query(ctx, q, def)
	if err != nil {
		return nil, err
	}
	return result.Documents(r.datasource), nil
}

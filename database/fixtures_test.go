package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xompass/vsaas-couch/couch/couchtest"
)

// blogRegistry declares a small blog: users own posts and a profile, posts belong to a
// user and reference tags, and articles are a kind of post.
func blogRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()

	r.MustRegister(SchemaDef{
		Name: "User",
		Properties: []PropertyDef{
			{Name: "name", Validate: "required"},
			{Name: "email", Normalize: "trim,lowercase"},
			{Name: "created_at"},
		},
		Relations: []RelationDef{
			{Name: "posts", Type: RelationTypeHasMany, Target: "Post"},
			{Name: "profile", Type: RelationTypeHasOne},
		},
	})
	r.MustRegister(SchemaDef{
		Name:       "Profile",
		Properties: []PropertyDef{{Name: "bio"}},
		Relations:  []RelationDef{{Name: "user", Type: RelationTypeBelongsTo}},
	})
	r.MustRegister(SchemaDef{
		Name: "Post",
		Properties: []PropertyDef{
			{Name: "title"},
			{Name: "body", Sanitize: "html"},
			{Name: "score", Default: 0.0},
			{Name: "created_at"},
		},
		Relations: []RelationDef{
			{Name: "user", Type: RelationTypeBelongsTo, Denormalise: []string{"name"}},
			{Name: "tags", Type: RelationTypeReferencesMany, Target: "Tag", Inverse: "posts"},
		},
		ViewBy: []ViewByDef{
			{Keys: []string{"title"}},
			{Keys: []string{"user_id", "created_at"}, Descending: true},
		},
	})
	r.MustRegister(SchemaDef{
		Name:       "Article",
		Parent:     "Post",
		Properties: []PropertyDef{{Name: "summary"}},
	})
	r.MustRegister(SchemaDef{
		Name:       "Tag",
		Properties: []PropertyDef{{Name: "name"}},
		Relations:  []RelationDef{{Name: "posts", Type: RelationTypeReferencesMany, Target: "Post", Inverse: "tags"}},
	})
	return r
}

func newTestDatasource(t *testing.T) (*Datasource, *couchtest.MemoryStore) {
	t.Helper()
	store := couchtest.NewMemoryStore("relaxdb_test")
	ds, err := NewDatasource(store, blogRegistry(t), nil)
	require.NoError(t, err)
	return ds, store
}

func mustNew(t *testing.T, ds *Datasource, typeName string, props map[string]any) *Document {
	t.Helper()
	doc, err := ds.New(typeName, props)
	require.NoError(t, err)
	return doc
}

func mustSave(t *testing.T, doc *Document) *Document {
	t.Helper()
	require.NoError(t, doc.Save(context.Background()))
	return doc
}

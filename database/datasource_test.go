package database

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-errors/errors"
	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xompass/vsaas-couch/couch"
	"github.com/xompass/vsaas-couch/http_errors"
)

// MockDocumentStore scripts store replies
type MockDocumentStore struct {
	mock.Mock
}

func (m *MockDocumentStore) Get(ctx context.Context, path string) (*couch.Response, error) {
	args := m.Called(ctx, path)
	resp, _ := args.Get(0).(*couch.Response)
	return resp, args.Error(1)
}

func (m *MockDocumentStore) Put(ctx context.Context, path string, body []byte) (*couch.Response, error) {
	args := m.Called(ctx, path, body)
	resp, _ := args.Get(0).(*couch.Response)
	return resp, args.Error(1)
}

func (m *MockDocumentStore) Post(ctx context.Context, path string, body []byte) (*couch.Response, error) {
	args := m.Called(ctx, path, body)
	resp, _ := args.Get(0).(*couch.Response)
	return resp, args.Error(1)
}

func (m *MockDocumentStore) Delete(ctx context.Context, path string) (*couch.Response, error) {
	args := m.Called(ctx, path)
	resp, _ := args.Get(0).(*couch.Response)
	return resp, args.Error(1)
}

func (m *MockDocumentStore) Name() string {
	return "mock"
}

func reply(body string) *couch.Response {
	return &couch.Response{StatusCode: http.StatusOK, Body: []byte(body)}
}

func newMockDatasource(t *testing.T) (*Datasource, *MockDocumentStore) {
	t.Helper()
	store := &MockDocumentStore{}
	ds, err := NewDatasource(store, blogRegistry(t), &DatasourceOptions{Logger: log.New("test")})
	require.NoError(t, err)
	return ds, store
}

func TestNewDatasource(t *testing.T) {
	_, err := NewDatasource(nil, NewRegistry(), nil)
	assert.Error(t, err)

	_, err = NewDatasource(&MockDocumentStore{}, nil, nil)
	assert.Error(t, err)

	ds, err := NewDatasource(&MockDocumentStore{}, NewRegistry(), &DatasourceOptions{DesignDoc: "app"})
	require.NoError(t, err)
	opts := ds.Options()
	assert.Equal(t, "app", opts.DesignDoc)
	assert.NotNil(t, opts.Codec)
	assert.NotNil(t, opts.ViewCache)
	assert.NotNil(t, opts.Logger)

	ds, err = NewDatasource(&MockDocumentStore{}, NewRegistry(), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultDesignDoc, ds.Options().DesignDoc)
}

func TestBulkSave_ArrayReply(t *testing.T) {
	ds, store := newMockDatasource(t)
	a := mustNew(t, ds, "Tag", map[string]any{"_id": "a", "name": "a"})
	b := mustNew(t, ds, "Tag", map[string]any{"_id": "b", "name": "b"})

	store.On("Post", mock.Anything, "_bulk_docs", mock.MatchedBy(func(body []byte) bool {
		return assert.JSONEq(t, `{"docs":[{"_id":"a","class":"Tag","name":"a","posts":[]},{"_id":"b","class":"Tag","name":"b","posts":[]}]}`, string(body))
	})).Return(reply(`[{"ok":true,"id":"a","rev":"1-a"},{"ok":true,"id":"b","rev":"1-b"}]`), nil).Once()

	require.NoError(t, ds.BulkSave(context.Background(), a, b))
	assert.Equal(t, "1-a", a.Rev())
	assert.Equal(t, "1-b", b.Rev())
	store.AssertExpectations(t)
}

func TestBulkSave_LegacyReply(t *testing.T) {
	ds, store := newMockDatasource(t)
	a := mustNew(t, ds, "Tag", map[string]any{"_id": "a", "name": "a"})

	store.On("Post", mock.Anything, "_bulk_docs", mock.Anything).
		Return(reply(`{"ok":true,"new_revs":[{"id":"a","rev":"7-a"}]}`), nil).Once()

	require.NoError(t, ds.BulkSave(context.Background(), a))
	assert.Equal(t, "7-a", a.Rev())
}

func TestBulkSave_ConflictLeavesRevisionsUnset(t *testing.T) {
	ds, store := newMockDatasource(t)
	a := mustNew(t, ds, "Tag", map[string]any{"_id": "a", "name": "a"})
	b := mustNew(t, ds, "Tag", map[string]any{"_id": "b", "name": "b"})

	store.On("Post", mock.Anything, "_bulk_docs", mock.Anything).
		Return(reply(`[{"ok":true,"id":"a","rev":"1-a"},{"id":"b","error":"conflict","reason":"Document update conflict."}]`), nil).Once()

	err := ds.BulkSave(context.Background(), a, b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpdateConflict))
	assert.True(t, errors.Is(err, ErrDocumentNotSaved))
	assert.Empty(t, a.Rev())
	assert.Empty(t, b.Rev())
	assert.True(t, a.UpdateConflict())
	assert.True(t, b.UpdateConflict())
}

func TestBulkSave_ValidationAbortsBatch(t *testing.T) {
	ds, store := newMockDatasource(t)
	valid := mustNew(t, ds, "User", map[string]any{"name": "ann"})
	invalid := mustNew(t, ds, "User", nil)

	err := ds.BulkSave(context.Background(), valid, invalid)
	assert.True(t, errors.Is(err, ErrValidationFailure))
	store.AssertNotCalled(t, "Post", mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, ds.BulkSave(context.Background()))
	store.AssertNotCalled(t, "Post", mock.Anything, mock.Anything, mock.Anything)
}

func TestBulkSave_ValidationFailureLeavesBatchUntouched(t *testing.T) {
	ds, store := newMockDatasource(t)
	valid := mustNew(t, ds, "User", map[string]any{"name": "ann", "email": " Ann@X.com "})
	invalid := mustNew(t, ds, "User", map[string]any{"email": "bob@x.com"})

	err := ds.BulkSave(context.Background(), valid, invalid)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Contains(t, validationErr.Errors, "name")

	assert.Equal(t, " Ann@X.com ", valid.Get("email"), "processors have not run")
	assert.Nil(t, valid.Get(CreatedAt))
	assert.Equal(t, "bob@x.com", invalid.Get("email"))
	assert.Contains(t, invalid.Errors(), "name")
	store.AssertNotCalled(t, "Post", mock.Anything, mock.Anything, mock.Anything)
}

func TestBulkSave_TransportConflict(t *testing.T) {
	ds, store := newMockDatasource(t)
	a := mustNew(t, ds, "Tag", map[string]any{"_id": "a"})

	store.On("Post", mock.Anything, "_bulk_docs", mock.Anything).
		Return(nil, http_errors.ConflictErrorWithCode(couch.COUCH_CONFLICT, "conflict")).Once()

	err := ds.BulkSave(context.Background(), a)
	assert.True(t, errors.Is(err, ErrUpdateConflict))
	assert.Empty(t, a.Rev())
}

func TestLoadMany(t *testing.T) {
	ds, store := newTestDatasource(t)
	ctx := context.Background()

	a := mustSave(t, mustNew(t, ds, "Tag", map[string]any{"name": "a"}))
	b := mustSave(t, mustNew(t, ds, "Tag", map[string]any{"name": "b"}))
	gone := mustSave(t, mustNew(t, ds, "Tag", map[string]any{"name": "gone"}))
	require.NoError(t, gone.Destroy(ctx))

	docs, err := ds.LoadMany(ctx, []string{b.ID(), "missing", a.ID(), gone.ID()})
	require.NoError(t, err)
	require.Len(t, docs, 4)
	assert.Equal(t, "b", docs[0].Get("name"))
	assert.Nil(t, docs[1])
	assert.Equal(t, "a", docs[2].Get("name"))
	assert.Nil(t, docs[3])

	_, err = ds.LoadManyOrFail(ctx, []string{a.ID(), "missing"})
	assert.True(t, errors.Is(err, ErrNotFound))

	store.ResetRequests()
	empty, err := ds.LoadMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Empty(t, store.Requests())
}

func TestLoad_TransportErrorsPropagate(t *testing.T) {
	ds, store := newMockDatasource(t)
	failure := http_errors.InternalServerErrorWithCode(couch.COUCH_OPERATION_FAILED, "boom")
	store.On("Get", mock.Anything, "broken").Return(nil, failure).Once()

	_, err := ds.Load(context.Background(), "broken")
	assert.Equal(t, failure, err)

	doc, err := ds.Load(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestDatasource_View(t *testing.T) {
	ds, _ := newTestDatasource(t)
	ctx := context.Background()

	mustSave(t, mustNew(t, ds, "Tag", map[string]any{"name": "a"}))
	mustSave(t, mustNew(t, ds, "Tag", map[string]any{"name": "b"}))
	require.NoError(t, ds.EnsureViews(ctx))

	def := ds.registry.sortedView("Tag", []string{"name"})
	_, err := ds.View(ctx, def.Query())
	assert.True(t, http_errors.IsNotFound(err), "raw views are not provisioned")

	require.NoError(t, ds.Views().EnsureView(ctx, def))
	result, err := ds.View(ctx, def.Query())
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalRows)
	assert.Len(t, result.Documents(ds), 2)

	count, err := ds.View(ctx, NewQuery(def.DesignDoc, def.Name).Reduce(true))
	require.NoError(t, err)
	assert.Equal(t, 2, count.ReduceCount())

	page, err := ds.PaginateView(ctx, def, def.Query(), PaginateParams{Limit: 1}, "", "name")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names(page.Docs))
	assert.True(t, page.HasNext())
}

func TestDatasource_EnsureAndCheckViews(t *testing.T) {
	ds, store := newTestDatasource(t)
	ctx := context.Background()

	warnings, err := ds.CheckViews(ctx)
	require.NoError(t, err)
	require.Len(t, warnings, 4)
	for _, w := range warnings {
		assert.Equal(t, IndexWarningMissingInDB, w.Type)
	}

	require.NoError(t, ds.EnsureViews(ctx))
	design := store.Document("_design/relaxdb")
	require.NotNil(t, design)
	assert.Len(t, design["views"], 4)

	warnings, err = ds.CheckViews(ctx)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

type fakeConnector struct {
	name         string
	disconnected bool
}

func (c *fakeConnector) Ping() error             { return nil }
func (c *fakeConnector) Disconnect() error       { c.disconnected = true; return nil }
func (c *fakeConnector) GetName() string         { return c.name }
func (c *fakeConnector) GetDatabaseName() string { return "relaxdb" }
func (c *fakeConnector) GetDriver() any          { return nil }

func TestDatasource_Connectors(t *testing.T) {
	ds, _ := newTestDatasource(t)
	connector := &fakeConnector{name: "couchdb"}

	assert.Error(t, ds.AddConnector(nil))
	require.NoError(t, ds.AddConnector(connector))

	got, err := ds.GetConnector("couchdb")
	require.NoError(t, err)
	assert.Same(t, connector, got)

	_, err = ds.GetConnector("other")
	assert.Error(t, err)

	ds.Destroy()
	assert.True(t, connector.disconnected)
}

package database

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-errors/errors"
	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xompass/vsaas-couch/couch"
	"github.com/xompass/vsaas-couch/couch/couchtest"
	"github.com/xompass/vsaas-couch/http_errors"
)

var tagsByName = ViewDefinition{
	DesignDoc: "Tag",
	Name:      "all_sorted_by_name",
	Map:       mapFunction([]string{"Tag"}, []string{"name"}, "doc.name"),
	Reduce:    CountReduce,
}

func TestViewIndexManager_ProvisionsOnFirstQuery(t *testing.T) {
	store := couchtest.NewMemoryStore("views")
	m := NewViewIndexManager(store, nil, nil, nil)
	ctx := context.Background()

	result, err := m.Query(ctx, tagsByName.Query(), tagsByName)
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	assert.Equal(t, 1, store.Count(http.MethodPut))

	design := store.Document("_design/Tag")
	require.NotNil(t, design)
	view := design["views"].(map[string]any)["all_sorted_by_name"].(map[string]any)
	assert.Equal(t, tagsByName.Map, view["map"])
	assert.Equal(t, CountReduce, view["reduce"])

	store.ResetRequests()
	_, err = m.Query(ctx, tagsByName.Query(), tagsByName)
	require.NoError(t, err)
	requests := store.Requests()
	require.Len(t, requests, 1, "a known view is queried directly")
	assert.Equal(t, "_design/Tag/_view/all_sorted_by_name?reduce=false", requests[0].Path)
}

func TestViewIndexManager_EnsureViewIsIdempotent(t *testing.T) {
	store := couchtest.NewMemoryStore("views")
	m := NewViewIndexManager(store, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, m.EnsureView(ctx, tagsByName))
	require.NoError(t, m.EnsureView(ctx, tagsByName))
	assert.Equal(t, 1, store.Count(http.MethodPut))

	changed := tagsByName
	changed.Reduce = ""
	require.NoError(t, m.EnsureView(ctx, changed))
	assert.Equal(t, 2, store.Count(http.MethodPut))
	view := store.Document("_design/Tag")["views"].(map[string]any)["all_sorted_by_name"].(map[string]any)
	assert.NotContains(t, view, "reduce")
}

func TestViewIndexManager_ProvisioningFailureReturnsOriginalError(t *testing.T) {
	store := &MockDocumentStore{}
	m := NewViewIndexManager(store, nil, nil, log.New("test"))
	ctx := context.Background()

	missing := http_errors.NotFoundErrorWithCode(couch.COUCH_NOT_FOUND, "missing")
	store.On("Get", mock.Anything, "_design/Tag/_view/all_sorted_by_name?reduce=false").Return(nil, missing).Once()
	store.On("Get", mock.Anything, "_design/Tag").Return(nil, missing).Once()
	store.On("Put", mock.Anything, "_design/Tag", mock.Anything).
		Return(nil, http_errors.BadRequestErrorWithCode(couch.COUCH_BAD_REQUEST, "invalid map")).Once()

	_, err := m.Query(ctx, tagsByName.Query(), tagsByName)
	assert.Same(t, missing, err)
	store.AssertExpectations(t)
}

func TestViewIndexManager_RetriesProvisioningConflict(t *testing.T) {
	store := &MockDocumentStore{}
	m := NewViewIndexManager(store, nil, nil, log.New("test"))
	missing := http_errors.NotFoundErrorWithCode(couch.COUCH_NOT_FOUND, "missing")

	store.On("Get", mock.Anything, "_design/Tag").Return(nil, missing).Twice()
	store.On("Put", mock.Anything, "_design/Tag", mock.Anything).
		Return(nil, http_errors.ConflictErrorWithCode(couch.COUCH_CONFLICT, "conflict")).Once()
	store.On("Put", mock.Anything, "_design/Tag", mock.Anything).
		Return(reply(`{"ok":true,"id":"_design/Tag","rev":"2-x"}`), nil).Once()

	require.NoError(t, m.EnsureView(context.Background(), tagsByName))
	store.AssertNumberOfCalls(t, "Put", 2)
	store.AssertExpectations(t)
}

func TestViewIndexManager_StaleCacheEntryIsForgotten(t *testing.T) {
	store := couchtest.NewMemoryStore("views")
	cache := NewMemoryViewCache()
	m := NewViewIndexManager(store, nil, cache, nil)
	ctx := context.Background()

	cache.MarkKnown(ctx, store.Name(), tagsByName)
	_, err := m.Query(ctx, tagsByName.Query(), tagsByName)
	assert.True(t, http_errors.IsNotFound(err))
	assert.False(t, cache.Known(ctx, store.Name(), tagsByName))

	_, err = m.Query(ctx, tagsByName.Query(), tagsByName)
	require.NoError(t, err)
	assert.True(t, cache.Known(ctx, store.Name(), tagsByName))
}

func TestViewIndexManager_KeysQueryUsesPost(t *testing.T) {
	store := couchtest.NewMemoryStore("views")
	m := NewViewIndexManager(store, nil, nil, nil)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := store.Put(ctx, name, []byte(`{"class":"Tag","name":"`+name+`"}`))
		require.NoError(t, err)
	}

	result, err := m.Query(ctx, tagsByName.Query().Keys("c", "a"), tagsByName)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "c", result.Rows[0].Key)
	assert.Equal(t, "a", result.Rows[1].Key)
	assert.Equal(t, 2, store.Count(http.MethodPost))
}

func TestViewIndexManager_CompareViews(t *testing.T) {
	store := couchtest.NewMemoryStore("views")
	m := NewViewIndexManager(store, nil, nil, nil)
	ctx := context.Background()

	dd, err := GetDesignDocument(ctx, store, NewSonicCodec(), "Tag")
	require.NoError(t, err)
	require.NoError(t, dd.AddMapView("legacy", "function(doc) { emit(null, doc); }").
		AddMapView(tagsByName.Name, "function(doc) { emit(doc.old, doc); }").
		Save(ctx))

	others := ViewDefinition{DesignDoc: "Tag", Name: AllView, Map: mapFunction([]string{"Tag"}, nil, "null"), Reduce: CountReduce}
	warnings, err := m.CompareViews(ctx, []ViewDefinition{tagsByName, others})
	require.NoError(t, err)
	require.Len(t, warnings, 3)
	assert.Equal(t, IndexWarningMissingInCode, warnings[0].Type)
	assert.Equal(t, "legacy", warnings[0].Details["view"])
	assert.Equal(t, IndexWarningMissingInDB, warnings[1].Type)
	assert.Equal(t, AllView, warnings[1].Details["view"])
	assert.Equal(t, IndexWarningDifferent, warnings[2].Type)
	assert.Equal(t, tagsByName.Name, warnings[2].Details["view"])
}

func TestDesignDocument_SaveAndDestroy(t *testing.T) {
	store := couchtest.NewMemoryStore("design")
	codec := NewSonicCodec()
	ctx := context.Background()

	dd, err := GetDesignDocument(ctx, store, codec, "Post")
	require.NoError(t, err)
	assert.Empty(t, dd.Rev())
	assert.True(t, errors.Is(dd.Destroy(ctx), ErrNotPersisted))

	require.NoError(t, dd.AddMapView("counted", "function(doc) { emit(null, doc); }").AddReduceView("counted", "_count").Save(ctx))
	assert.NotEmpty(t, dd.Rev())

	loaded, err := GetDesignDocument(ctx, store, codec, "Post")
	require.NoError(t, err)
	assert.Equal(t, dd.Rev(), loaded.Rev())
	assert.Equal(t, map[string]ViewFunctions{
		"counted": {Map: "function(doc) { emit(null, doc); }", Reduce: "_count"},
	}, loaded.Views())
	assert.Equal(t, "Post", loaded.Name())
	assert.Equal(t, "_design/Post", loaded.Data()["_id"])

	require.NoError(t, loaded.Destroy(ctx))
	assert.Nil(t, store.Document("_design/Post"))
	assert.Empty(t, loaded.Rev())

	stale, err := GetDesignDocument(ctx, store, codec, "Post")
	require.NoError(t, err)
	assert.Empty(t, stale.Views())
}

// MockRedis scripts the redis commands used by RedisViewCache
type MockRedis struct {
	mock.Mock
}

func (m *MockRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return args.Get(0).(*redis.IntCmd)
}

func (m *MockRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	return args.Get(0).(*redis.StatusCmd)
}

func (m *MockRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return args.Get(0).(*redis.IntCmd)
}

func TestRedisViewCache(t *testing.T) {
	client := &MockRedis{}
	cache := newRedisViewCache(client, "", time.Hour)
	ctx := context.Background()
	key := "couch_views:relaxdb:Tag/all_sorted_by_name"

	client.On("Exists", mock.Anything, []string{key}).Return(redis.NewIntResult(0, nil)).Once()
	client.On("Set", mock.Anything, key, 1, time.Hour).Return(redis.NewStatusResult("OK", nil)).Once()
	client.On("Exists", mock.Anything, []string{key}).Return(redis.NewIntResult(1, nil)).Once()
	client.On("Del", mock.Anything, []string{key}).Return(redis.NewIntResult(1, nil)).Once()
	client.On("Exists", mock.Anything, []string{key}).Return(redis.NewIntResult(0, errors.New("connection refused"))).Once()

	assert.False(t, cache.Known(ctx, "relaxdb", tagsByName))
	cache.MarkKnown(ctx, "relaxdb", tagsByName)
	assert.True(t, cache.Known(ctx, "relaxdb", tagsByName))
	cache.Forget(ctx, "relaxdb", tagsByName)
	assert.False(t, cache.Known(ctx, "relaxdb", tagsByName), "redis failures read as unknown")

	client.AssertExpectations(t)
}

func TestRedisViewCache_BacksViewManager(t *testing.T) {
	client := &MockRedis{}
	cache := newRedisViewCache(client, "app", 0)
	store := couchtest.NewMemoryStore("relaxdb")
	m := NewViewIndexManager(store, nil, cache, nil)
	key := "app:relaxdb:Tag/all_sorted_by_name"

	client.On("Exists", mock.Anything, []string{key}).Return(redis.NewIntResult(0, nil)).Once()
	client.On("Set", mock.Anything, key, 1, time.Duration(0)).Return(redis.NewStatusResult("OK", nil)).Once()

	_, err := m.Query(context.Background(), tagsByName.Query(), tagsByName)
	require.NoError(t, err)
	client.AssertExpectations(t)
}

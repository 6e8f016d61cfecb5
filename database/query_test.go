package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery_ViewPath(t *testing.T) {
	tests := []struct {
		name     string
		query    *Query
		expected string
	}{
		{
			name:     "no options",
			query:    NewQuery("Post", "all"),
			expected: "_design/Post/_view/all",
		},
		{
			name:     "string key",
			query:    NewQuery("User", "posts").Key("u1"),
			expected: `_design/User/_view/posts?key=%22u1%22`,
		},
		{
			name:     "composite bounds",
			query:    NewQuery("Post", "all_sorted_by_user_id_and_score").StartKey([]any{"u1", 3}).EndKey([]any{"u1", map[string]any{}}),
			expected: `_design/Post/_view/all_sorted_by_user_id_and_score?startkey=%5B%22u1%22%2C3%5D&endkey=%5B%22u1%22%2C%7B%7D%5D`,
		},
		{
			name: "fixed order",
			query: NewQuery("relaxdb", "Post_by_title").
				IncludeDocs(true).Reduce(false).GroupLevel(1).Group(true).Descending(true).
				Skip(1).Limit(5).EndKeyDocID("z").EndKey("b").StartKeyDocID("a b").StartKey("a").Key(nil),
			expected: `_design/relaxdb/_view/Post_by_title?key=null&startkey=%22a%22&startkey_docid=a+b&endkey=%22b%22&endkey_docid=z&limit=5&skip=1&descending=true&group=true&group_level=1&reduce=false&include_docs=true`,
		},
		{
			name:     "count is limit",
			query:    NewQuery("Post", "all").Count(3),
			expected: "_design/Post/_view/all?limit=3",
		},
		{
			name:     "escaped names",
			query:    NewQuery("my design", "by/name"),
			expected: "_design/my%20design/_view/by%2Fname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := tt.query.ViewPath()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, path)
		})
	}
}

func TestQuery_Errors(t *testing.T) {
	_, err := NewQuery("", "all").ViewPath()
	assert.EqualError(t, err, QUERY_DESIGN_DOC_EMPTY)

	_, err = NewQuery("Post", " ").ViewPath()
	assert.EqualError(t, err, QUERY_VIEW_EMPTY)

	_, err = NewQuery("Post", "all").Limit(-1).ViewPath()
	assert.EqualError(t, err, QUERY_INVALID_LIMIT)

	_, err = NewQuery("Post", "all").Skip(-2).ViewPath()
	assert.EqualError(t, err, QUERY_INVALID_LIMIT)
}

func TestQuery_Keys(t *testing.T) {
	q := NewQuery("Post", "all_sorted_by_title").Keys("a", "b").Reduce(false)

	path, err := q.ViewPath()
	require.NoError(t, err)
	assert.Equal(t, "_design/Post/_view/all_sorted_by_title?reduce=false", path)
	assert.True(t, q.HasKeys())

	body, err := q.Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"keys":["a","b"]}`, string(body))

	body, err = NewQuery("Post", "all").Body()
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestQuery_MergeDoesNotMutateBase(t *testing.T) {
	base := NewQuery("Post", "all_sorted_by_score").StartKey(1).Limit(10)
	descending := true

	merged := base.Merge(PageParams{StartKey: 5, StartKeyDocID: "p5", Descending: &descending, Limit: 2, Skip: 1})

	basePath, err := base.ViewPath()
	require.NoError(t, err)
	assert.Equal(t, "_design/Post/_view/all_sorted_by_score?startkey=1&limit=10", basePath)

	mergedPath, err := merged.ViewPath()
	require.NoError(t, err)
	assert.Equal(t, "_design/Post/_view/all_sorted_by_score?startkey=5&startkey_docid=p5&limit=2&skip=1&descending=true", mergedPath)

	untouched := base.Merge(PageParams{})
	untouchedPath, err := untouched.ViewPath()
	require.NoError(t, err)
	assert.Equal(t, basePath, untouchedPath)
}

func TestQuery_CloneCopiesKeys(t *testing.T) {
	base := NewQuery("Post", "all").Keys("a")
	clone := base.Clone().Keys("b", "c")

	body, err := base.Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"keys":["a"]}`, string(body))

	body, err = clone.Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"keys":["b","c"]}`, string(body))
}

func TestQuery_WithoutRange(t *testing.T) {
	q := NewQuery("Post", "all_sorted_by_score").
		StartKey(1).EndKey(9).StartKeyDocID("a").Limit(3).Skip(1).Descending(true).Reduce(false).IncludeDocs(true)

	path, err := q.withoutRange().ViewPath()
	require.NoError(t, err)
	assert.Equal(t, "_design/Post/_view/all_sorted_by_score?reduce=false", path)
	assert.True(t, q.IsDescending())
}

func TestViewDefinition_Query(t *testing.T) {
	withReduce := ViewDefinition{DesignDoc: "Post", Name: "all", Map: "m", Reduce: CountReduce}
	path, err := withReduce.Query().ViewPath()
	require.NoError(t, err)
	assert.Equal(t, "_design/Post/_view/all?reduce=false", path)

	mapOnly := ViewDefinition{DesignDoc: "User", Name: "posts", Map: "m"}
	path, err = mapOnly.Query().ViewPath()
	require.NoError(t, err)
	assert.Equal(t, "_design/User/_view/posts", path)
}

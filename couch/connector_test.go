package couch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xompass/vsaas-couch/couch"
	"github.com/xompass/vsaas-couch/couch/couchtest"
	"github.com/xompass/vsaas-couch/http_errors"
)

func newConnector(t *testing.T) (*couch.CouchConnector, *couchtest.Server) {
	t.Helper()
	srv := couchtest.NewServer()
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)

	connector, err := couch.NewCouchConnector(&couch.CouchConnectorOpts{URL: httpSrv.URL, Database: "relaxdb_test"})
	require.NoError(t, err)
	return connector, srv
}

func TestNewCouchConnector_Options(t *testing.T) {
	_, err := couch.NewCouchConnector(nil)
	assert.Error(t, err)

	_, err = couch.NewCouchConnector(&couch.CouchConnectorOpts{})
	assert.Error(t, err)

	connector, _ := newConnector(t)
	assert.Equal(t, "couchdb", connector.GetName())
	assert.Equal(t, "relaxdb_test", connector.GetDatabaseName())
	assert.IsType(t, &http.Client{}, connector.GetDriver())
	assert.NoError(t, connector.Disconnect())
}

func TestCouchConnector_DatabaseLifecycle(t *testing.T) {
	connector, _ := newConnector(t)
	ctx := context.Background()

	exists, err := connector.DatabaseExists(ctx, "relaxdb_test")
	require.NoError(t, err)
	assert.False(t, exists)

	db, err := connector.UseDatabase(ctx, "relaxdb_test")
	require.NoError(t, err)
	assert.Equal(t, "relaxdb_test", db.Name())

	_, err = connector.UseDatabase(ctx, "relaxdb_test")
	require.NoError(t, err)

	err = connector.CreateDatabase(ctx, "relaxdb_test")
	assert.Equal(t, http.StatusPreconditionFailed, http_errors.StatusCode(err))

	names, err := connector.ListDatabases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"relaxdb_test"}, names)

	require.NoError(t, connector.DeleteDatabase(ctx, "relaxdb_test"))
	err = connector.DeleteDatabase(ctx, "relaxdb_test")
	assert.True(t, http_errors.IsNotFound(err))
}

func TestCouchDatabase_Documents(t *testing.T) {
	connector, srv := newConnector(t)
	ctx := context.Background()
	db, err := connector.UseDatabase(ctx, "relaxdb_test")
	require.NoError(t, err)

	resp, err := db.Put(ctx, "post-1", []byte(`{"class":"Post","title":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var reply struct {
		Rev string `json:"rev"`
	}
	require.NoError(t, sonic.ConfigStd.Unmarshal(resp.Body, &reply))

	_, err = db.Put(ctx, "post-1", []byte(`{"class":"Post","title":"again"}`))
	require.Error(t, err)
	assert.True(t, http_errors.IsConflict(err))
	var herr *http_errors.ErrorResponse
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, couch.COUCH_CONFLICT, herr.ErrorCode)

	resp, err = db.Get(ctx, "post-1")
	require.NoError(t, err)
	assert.Contains(t, string(resp.Body), `"title":"hello"`)
	assert.Equal(t, "hello", srv.Store("relaxdb_test").Document("post-1")["title"])

	_, err = db.Delete(ctx, "post-1?rev="+reply.Rev)
	require.NoError(t, err)
	_, err = db.Get(ctx, "post-1")
	assert.True(t, http_errors.IsNotFound(err))
}

func TestCouchConnector_Replicate(t *testing.T) {
	connector, srv := newConnector(t)
	ctx := context.Background()
	db, err := connector.UseDatabase(ctx, "source")
	require.NoError(t, err)
	_, err = db.Put(ctx, "a", []byte(`{"n":1}`))
	require.NoError(t, err)

	require.NoError(t, connector.Replicate(ctx, "source", "target"))
	assert.Equal(t, float64(1), srv.Store("target").Document("a")["n"])

	err = connector.Replicate(ctx, "missing", "target")
	assert.True(t, http_errors.IsNotFound(err))
}

func TestMapCouchError(t *testing.T) {
	err := couch.MapCouchError(http.StatusNotFound, []byte(`{"error":"not_found","reason":"deleted"}`))
	var herr *http_errors.ErrorResponse
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, couch.COUCH_NOT_FOUND, herr.ErrorCode)
	assert.Equal(t, "deleted", herr.Message)
	assert.Equal(t, map[string]string{"error": "not_found", "reason": "deleted"}, herr.Details)

	err = couch.MapCouchError(http.StatusInternalServerError, []byte(`garbage`))
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, couch.COUCH_OPERATION_FAILED, herr.ErrorCode)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), herr.Message)
}

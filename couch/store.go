package couch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-errors/errors"
	"github.com/labstack/gommon/log"
	"github.com/xompass/vsaas-couch/http_errors"
)

// Error codes for couch transport failures
const (
	COUCH_NOT_FOUND        = "COUCH_NOT_FOUND"
	COUCH_CONFLICT         = "COUCH_CONFLICT"
	COUCH_BAD_REQUEST      = "COUCH_BAD_REQUEST"
	COUCH_FILE_EXISTS      = "COUCH_FILE_EXISTS"
	COUCH_OPERATION_FAILED = "COUCH_OPERATION_FAILED"
	COUCH_CONNECTION_ERROR = "COUCH_CONNECTION_ERROR"
)

// DocumentStore is the database-relative transport the ODM runs on. Paths are relative
// to the database root and already escaped, e.g. "_design/Post/_view/all?reduce=false".
type DocumentStore interface {
	Get(ctx context.Context, path string) (*Response, error)
	Put(ctx context.Context, path string, body []byte) (*Response, error)
	Post(ctx context.Context, path string, body []byte) (*Response, error)
	Delete(ctx context.Context, path string) (*Response, error)

	// Name identifies the database, used to scope caches.
	Name() string
}

type Response struct {
	StatusCode int
	Body       []byte
}

// CouchDB error description
type couchError struct {
	Type   string `json:"error"`
	Reason string `json:"reason"`
}

// MapCouchError maps a failed CouchDB reply to a standardized http_errors value.
func MapCouchError(status int, body []byte) error {
	var cErr couchError
	_ = sonic.ConfigStd.Unmarshal(body, &cErr)

	message := cErr.Reason
	if message == "" {
		message = http.StatusText(status)
	}
	details := map[string]string{"error": cErr.Type, "reason": cErr.Reason}

	switch status {
	case http.StatusNotFound:
		return http_errors.NotFoundErrorWithCode(COUCH_NOT_FOUND, message, details)
	case http.StatusConflict:
		return http_errors.ConflictErrorWithCode(COUCH_CONFLICT, message, details)
	case http.StatusPreconditionFailed:
		return http_errors.PreconditionFailedErrorWithCode(COUCH_FILE_EXISTS, message, details)
	case http.StatusBadRequest:
		return http_errors.BadRequestErrorWithCode(COUCH_BAD_REQUEST, message, details)
	default:
		return http_errors.NewErrorResponseWithCode(status, COUCH_OPERATION_FAILED, message, details)
	}
}

// CouchDatabase is a handle on one database of a CouchDB instance.
type CouchDatabase struct {
	connector *CouchConnector
	name      string
	logger    *log.Logger
}

func (db *CouchDatabase) Name() string {
	return db.name
}

// URL returns the absolute url to the database
func (db *CouchDatabase) URL() string {
	return strings.TrimRight(db.connector.options.URL, "/") + "/" + url.PathEscape(db.name)
}

func (db *CouchDatabase) Get(ctx context.Context, path string) (*Response, error) {
	db.logger.Debugf("GET /%s/%s", db.name, unescape(path))
	return db.connector.do(ctx, http.MethodGet, db.docURL(path), nil)
}

func (db *CouchDatabase) Put(ctx context.Context, path string, body []byte) (*Response, error) {
	db.logger.Infof("PUT /%s/%s %s", db.name, unescape(path), body)
	return db.connector.do(ctx, http.MethodPut, db.docURL(path), body)
}

func (db *CouchDatabase) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	db.logger.Infof("POST /%s/%s %s", db.name, unescape(path), body)
	return db.connector.do(ctx, http.MethodPost, db.docURL(path), body)
}

func (db *CouchDatabase) Delete(ctx context.Context, path string) (*Response, error) {
	db.logger.Infof("DELETE /%s/%s", db.name, unescape(path))
	return db.connector.do(ctx, http.MethodDelete, db.docURL(path), nil)
}

func (db *CouchDatabase) docURL(path string) string {
	if path == "" {
		return db.URL()
	}
	return db.URL() + "/" + strings.TrimLeft(path, "/")
}

func unescape(path string) string {
	if p, err := url.QueryUnescape(path); err == nil {
		return p
	}
	return path
}

// Generic CouchDB request. Non-2xx replies are mapped through MapCouchError.
func (receiver *CouchConnector) do(ctx context.Context, method, target string, body []byte) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, errors.Errorf("cannot build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := receiver.client.Do(req)
	if err != nil {
		return nil, http_errors.InternalServerErrorWithCode(COUCH_CONNECTION_ERROR, "database connection error: "+err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Errorf("cannot read %s response: %w", method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, MapCouchError(resp.StatusCode, respBody)
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

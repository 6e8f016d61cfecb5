package couch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-errors/errors"
	"github.com/labstack/gommon/log"
	"github.com/xompass/vsaas-couch/helpers"
	"github.com/xompass/vsaas-couch/http_errors"
)

type CouchConnectorOpts struct {
	Name       string
	URL        string // Server root, e.g. http://localhost:5984
	Database   string // Default database returned by DefaultDatabase
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
}

type CouchConnector struct {
	ctx     context.Context
	client  *http.Client
	options *CouchConnectorOpts
	logger  *log.Logger
}

/**
 * NewCouchConnector creates a new CouchDB connector.
 * It initializes the HTTP client with the provided options and checks the connection.
 */
func NewCouchConnector(opts *CouchConnectorOpts) (*CouchConnector, error) {
	if opts == nil {
		return nil, errors.New("couch connector options cannot be nil")
	}
	if opts.URL == "" {
		return nil, errors.New("couch connector url is required")
	}
	if opts.Name == "" {
		opts.Name = "couchdb"
	}

	connector := &CouchConnector{
		ctx:     context.Background(),
		options: opts,
		logger:  opts.Logger,
	}
	if connector.logger == nil {
		connector.logger = log.New("couch")
	}

	connector.connect()

	if err := connector.Ping(); err != nil {
		return nil, err
	}

	return connector, nil
}

func NewDefaultCouchConnector() (*CouchConnector, error) {
	opts := CouchConnectorOpts{
		Name:     "couchdb",
		URL:      helpers.GetEnv("COUCH_URL", "http://localhost:5984"),
		Database: helpers.GetEnv("COUCH_DATABASE", "relaxdb"),
		Timeout:  helpers.GetEnvDuration("COUCH_TIMEOUT", 30*time.Second),
	}

	return NewCouchConnector(&opts)
}

/**
 * connect initializes the HTTP client with the provided options.
 */
func (receiver *CouchConnector) connect() {
	if receiver.options.HTTPClient != nil {
		receiver.client = receiver.options.HTTPClient
		return
	}
	receiver.client = &http.Client{Timeout: receiver.options.Timeout}
}

/**
 * Ping checks the connection to the CouchDB server.
 */
func (receiver *CouchConnector) Ping() error {
	if receiver.client == nil {
		return errors.New("couch connector client not initialized")
	}
	_, err := receiver.do(receiver.ctx, http.MethodGet, receiver.serverURL(""), nil)
	return err
}

/**
 * Disconnect releases idle connections held by the HTTP client.
 */
func (receiver *CouchConnector) Disconnect() error {
	if receiver.client == nil {
		return errors.New("couch connector client not initialized")
	}
	receiver.client.CloseIdleConnections()
	return nil
}

/**
 * GetDriver returns the underlying HTTP client.
 */
func (receiver *CouchConnector) GetDriver() any {
	return receiver.client
}

func (receiver *CouchConnector) GetName() string {
	return receiver.options.Name
}

func (receiver *CouchConnector) GetDatabaseName() string {
	return receiver.options.Database
}

/**
 * GetOptions returns the options used to create the CouchDB connector.
 */
func (receiver *CouchConnector) GetOptions() CouchConnectorOpts {
	return *receiver.options
}

// Database returns a handle without checking that the database exists.
func (receiver *CouchConnector) Database(name string) *CouchDatabase {
	return &CouchDatabase{connector: receiver, name: name, logger: receiver.logger}
}

// DefaultDatabase returns the handle named by the connector options.
func (receiver *CouchConnector) DefaultDatabase() *CouchDatabase {
	return receiver.Database(receiver.options.Database)
}

func (receiver *CouchConnector) CreateDatabase(ctx context.Context, name string) error {
	receiver.logger.Infof("PUT /%s", name)
	_, err := receiver.do(ctx, http.MethodPut, receiver.serverURL(url.PathEscape(name)), nil)
	return err
}

func (receiver *CouchConnector) DeleteDatabase(ctx context.Context, name string) error {
	receiver.logger.Infof("DELETE /%s", name)
	_, err := receiver.do(ctx, http.MethodDelete, receiver.serverURL(url.PathEscape(name)), nil)
	return err
}

func (receiver *CouchConnector) DatabaseExists(ctx context.Context, name string) (bool, error) {
	_, err := receiver.do(ctx, http.MethodGet, receiver.serverURL(url.PathEscape(name)), nil)
	if err == nil {
		return true, nil
	}
	if http_errors.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (receiver *CouchConnector) ListDatabases(ctx context.Context) ([]string, error) {
	resp, err := receiver.do(ctx, http.MethodGet, receiver.serverURL("_all_dbs"), nil)
	if err != nil {
		return nil, err
	}

	var names []string
	if err := sonic.ConfigStd.Unmarshal(resp.Body, &names); err != nil {
		return nil, errors.Errorf("cannot decode database list: %w", err)
	}
	return names, nil
}

// UseDatabase creates the named database if it doesn't already exist and returns its handle.
func (receiver *CouchConnector) UseDatabase(ctx context.Context, name string) (*CouchDatabase, error) {
	exists, err := receiver.DatabaseExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		err := receiver.CreateDatabase(ctx, name)
		if err != nil && http_errors.StatusCode(err) != http.StatusPreconditionFailed {
			return nil, err
		}
	}
	return receiver.Database(name), nil
}

type replicationRequest struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	CreateTarget bool   `json:"create_target"`
}

// Replicate copies source into target, creating target when absent. Both are database
// names on this server.
func (receiver *CouchConnector) Replicate(ctx context.Context, source, target string) error {
	body, err := sonic.ConfigStd.Marshal(replicationRequest{Source: source, Target: target, CreateTarget: true})
	if err != nil {
		return errors.Errorf("cannot encode replication request: %w", err)
	}

	receiver.logger.Infof("POST /_replicate %s", body)
	_, err = receiver.do(ctx, http.MethodPost, receiver.serverURL("_replicate"), body)
	return err
}

func (receiver *CouchConnector) serverURL(path string) string {
	return strings.TrimRight(receiver.options.URL, "/") + "/" + path
}

package database

import (
	"context"
	"net/url"
	"sync"

	"github.com/go-errors/errors"
	"github.com/labstack/gommon/log"
	"github.com/xompass/vsaas-couch/couch"
	"github.com/xompass/vsaas-couch/http_errors"
)

// Connector is implemented by server connections the datasource owns and closes on Destroy.
type Connector interface {
	Ping() error
	Disconnect() error
	GetName() string
	GetDatabaseName() string
	GetDriver() any
}

// DefaultDesignDoc holds the view_by views of every type.
const DefaultDesignDoc = "relaxdb"

type DatasourceOptions struct {
	// DesignDoc is the design document of the view_by views
	DesignDoc string
	Codec     Codec
	ViewCache ViewCache
	Logger    *log.Logger
}

func DefaultDatasourceOptions() *DatasourceOptions {
	return &DatasourceOptions{
		DesignDoc: DefaultDesignDoc,
		Codec:     NewSonicCodec(),
		ViewCache: NewMemoryViewCache(),
		Logger:    log.New("database"),
	}
}

func (o *DatasourceOptions) validate() {
	if o.DesignDoc == "" {
		o.DesignDoc = DefaultDesignDoc
	}
	if o.Codec == nil {
		o.Codec = NewSonicCodec()
	}
	if o.ViewCache == nil {
		o.ViewCache = NewMemoryViewCache()
	}
	if o.Logger == nil {
		o.Logger = log.New("database")
	}
}

// Datasource binds a registry of document types to one database.
type Datasource struct {
	store    couch.DocumentStore
	registry *Registry
	options  *DatasourceOptions
	codec    Codec
	views    *ViewIndexManager
	logger   *log.Logger

	mu           sync.Mutex
	connectors   map[string]Connector
	repositories map[string]*CouchRepository
}

func NewDatasource(store couch.DocumentStore, registry *Registry, opts *DatasourceOptions) (*Datasource, error) {
	if store == nil {
		return nil, errors.New("datasource store cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("datasource registry cannot be nil")
	}

	options := DefaultDatasourceOptions()
	if opts != nil {
		copied := *opts
		options = &copied
		options.validate()
	}

	return &Datasource{
		store:        store,
		registry:     registry,
		options:      options,
		codec:        options.Codec,
		views:        NewViewIndexManager(store, options.Codec, options.ViewCache, options.Logger),
		logger:       options.Logger,
		connectors:   map[string]Connector{},
		repositories: map[string]*CouchRepository{},
	}, nil
}

func (ds *Datasource) AddConnector(connector Connector) error {
	if connector == nil {
		return errors.New("connector cannot be nil")
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.connectors[connector.GetName()] = connector
	return nil
}

func (ds *Datasource) GetConnector(name string) (Connector, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	connector, ok := ds.connectors[name]
	if !ok {
		return nil, errors.Errorf("the connector %s is not registered", name)
	}
	return connector, nil
}

// Destroy disconnects every registered connector.
func (ds *Datasource) Destroy() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for _, connector := range ds.connectors {
		if connector != nil {
			_ = connector.Disconnect()
		}
	}
}

func (ds *Datasource) Registry() *Registry {
	return ds.registry
}

func (ds *Datasource) Store() couch.DocumentStore {
	return ds.store
}

func (ds *Datasource) Views() *ViewIndexManager {
	return ds.views
}

func (ds *Datasource) Options() DatasourceOptions {
	return *ds.options
}

// Repository returns the repository of a registered type, created on first use.
func (ds *Datasource) Repository(typeName string) (*CouchRepository, error) {
	schema, ok := ds.registry.Schema(typeName)
	if !ok {
		return nil, errors.Errorf("%w: %s", ErrUnknownType, typeName)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if repo, ok := ds.repositories[typeName]; ok {
		return repo, nil
	}
	repo := &CouchRepository{datasource: ds, schema: schema}
	ds.repositories[typeName] = repo
	return repo, nil
}

// Load returns nil, nil when the document does not exist.
func (ds *Datasource) Load(ctx context.Context, id string) (*Document, error) {
	if id == "" {
		return nil, nil
	}
	resp, err := ds.store.Get(ctx, url.PathEscape(id))
	if err != nil {
		if http_errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var record map[string]any
	if err := ds.codec.Unmarshal(resp.Body, &record); err != nil {
		return nil, errors.Errorf("cannot decode document %s: %w", id, err)
	}
	return ds.instantiate(record), nil
}

func (ds *Datasource) LoadOrFail(ctx context.Context, id string) (*Document, error) {
	doc, err := ds.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc, nil
}

type allDocsRow struct {
	ID    string         `json:"id"`
	Key   any            `json:"key"`
	Error string         `json:"error"`
	Doc   map[string]any `json:"doc"`
}

// LoadMany looks the ids up in one request. The result is index aligned with ids; missing
// or deleted documents are nil.
func (ds *Datasource) LoadMany(ctx context.Context, ids []string) ([]*Document, error) {
	if len(ids) == 0 {
		return []*Document{}, nil
	}

	body, err := ds.codec.Marshal(map[string]any{"keys": ids})
	if err != nil {
		return nil, errors.Errorf("cannot encode keys: %w", err)
	}
	resp, err := ds.store.Post(ctx, "_all_docs?include_docs=true", body)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Rows []allDocsRow `json:"rows"`
	}
	if err := ds.codec.Unmarshal(resp.Body, &reply); err != nil {
		return nil, errors.Errorf("cannot decode _all_docs reply: %w", err)
	}

	byID := make(map[string]*Document, len(reply.Rows))
	for _, row := range reply.Rows {
		if row.Error != "" || row.Doc == nil {
			continue
		}
		byID[row.ID] = ds.instantiate(row.Doc)
	}

	docs := make([]*Document, len(ids))
	for i, id := range ids {
		docs[i] = byID[id]
	}
	return docs, nil
}

// LoadManyOrFail fails with ErrNotFound naming the first missing id.
func (ds *Datasource) LoadManyOrFail(ctx context.Context, ids []string) ([]*Document, error) {
	docs, err := ds.LoadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i, doc := range docs {
		if doc == nil {
			return nil, errors.Errorf("%w: %s", ErrNotFound, ids[i])
		}
	}
	return docs, nil
}

// Reload replaces the document's revision and properties with the stored ones and drops
// every resolved relationship.
func (ds *Datasource) Reload(ctx context.Context, doc *Document) error {
	fresh, err := ds.LoadOrFail(ctx, doc.id)
	if err != nil {
		return err
	}
	doc.rev = fresh.rev
	doc.props = fresh.props
	doc.conflict = false
	for _, proxy := range doc.proxies {
		if p, ok := proxy.(IRelation); ok {
			p.invalidate()
		}
	}
	return nil
}

type bulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// BulkSave validates every document and then writes them with one request. A conflict on
// any member fails the whole batch and no revision is updated.
func (ds *Datasource) BulkSave(ctx context.Context, docs ...*Document) error {
	if len(docs) == 0 {
		return nil
	}

	records := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		if err := doc.checkSave(saveOptions{}); err != nil {
			return err
		}
	}
	for _, doc := range docs {
		if err := doc.applySave(); err != nil {
			return err
		}
	}
	for _, doc := range docs {
		record, err := doc.toRecord(ctx)
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	body, err := ds.codec.Marshal(map[string]any{"docs": records})
	if err != nil {
		return errors.Errorf("cannot encode bulk request: %w", err)
	}
	resp, err := ds.store.Post(ctx, "_bulk_docs", body)
	if err != nil {
		if http_errors.IsConflict(err) {
			markConflict(docs)
			return notSaved(ErrUpdateConflict, "bulk save", err)
		}
		return err
	}

	results, err := ds.decodeBulkReply(resp.Body)
	if err != nil {
		return err
	}

	revs := make(map[string]string, len(results))
	for _, r := range results {
		if r.Error == "conflict" {
			markConflict(docs)
			return notSaved(ErrUpdateConflict, "bulk save: "+r.ID, nil)
		}
		if r.Error != "" {
			return notSaved(ErrDocumentNotSaved, "bulk save: "+r.ID+": "+r.Error, nil)
		}
		revs[r.ID] = r.Rev
	}

	for _, doc := range docs {
		if rev, ok := revs[doc.id]; ok {
			doc.rev = rev
		}
		doc.postSave()
	}
	return nil
}

// decodeBulkReply accepts the array reply and the legacy {"new_revs": [...]} object.
func (ds *Datasource) decodeBulkReply(body []byte) ([]bulkResult, error) {
	var results []bulkResult
	if err := ds.codec.Unmarshal(body, &results); err == nil {
		return results, nil
	}

	var legacy struct {
		NewRevs []bulkResult `json:"new_revs"`
	}
	if err := ds.codec.Unmarshal(body, &legacy); err != nil {
		return nil, errors.Errorf("cannot decode bulk reply: %w", err)
	}
	return legacy.NewRevs, nil
}

func markConflict(docs []*Document) {
	for _, doc := range docs {
		doc.conflict = true
	}
}

// View runs a raw view query. The view must already exist.
func (ds *Datasource) View(ctx context.Context, q *Query) (*ViewResult, error) {
	return ds.views.execute(ctx, q)
}

// PaginateView pages through q. viewKeys name the document properties the view is keyed by.
func (ds *Datasource) PaginateView(ctx context.Context, def ViewDefinition, q *Query, params PaginateParams, token string, viewKeys ...string) (*Page, error) {
	paginator, err := NewPaginator(params, token)
	if err != nil {
		return nil, err
	}
	return paginator.Paginate(ctx, ds.views, def, q, viewKeys, ds)
}

func (ds *Datasource) viewByDefinitions() []ViewDefinition {
	var defs []ViewDefinition
	for _, name := range ds.registry.Names() {
		schema, _ := ds.registry.Schema(name)
		for _, vb := range schema.viewBy {
			defs = append(defs, ds.registry.viewByView(ds.options.DesignDoc, name, vb.Keys))
		}
	}
	return defs
}

// EnsureViews provisions every view_by view of every registered type.
func (ds *Datasource) EnsureViews(ctx context.Context) error {
	for _, def := range ds.viewByDefinitions() {
		if err := ds.views.EnsureView(ctx, def); err != nil {
			return errors.Errorf("failed to ensure view %s: %w", def.key(), err)
		}
	}
	return nil
}

// CheckViews reports the differences between the declared view_by views and the design
// document holding them.
func (ds *Datasource) CheckViews(ctx context.Context) ([]IndexWarning, error) {
	warnings, err := ds.views.CompareViews(ctx, ds.viewByDefinitions())
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		ds.logger.Warnf("%s", w.Message)
	}
	return warnings, nil
}

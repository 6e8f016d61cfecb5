package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-errors/errors"
	"github.com/labstack/gommon/log"
	"github.com/xompass/vsaas-couch/couch"
	"github.com/xompass/vsaas-couch/http_errors"
)

// ViewIndexManager manages the views of one database
type ViewIndexManager struct {
	store  couch.DocumentStore
	codec  Codec
	cache  ViewCache
	logger *log.Logger
}

// NewViewIndexManager creates a view manager over store
func NewViewIndexManager(store couch.DocumentStore, codec Codec, cache ViewCache, logger *log.Logger) *ViewIndexManager {
	if codec == nil {
		codec = NewSonicCodec()
	}
	if cache == nil {
		cache = NewMemoryViewCache()
	}
	if logger == nil {
		logger = log.New("database")
	}
	return &ViewIndexManager{store: store, codec: codec, cache: cache, logger: logger}
}

// EnsureView writes the view into its design document. A conflicting concurrent write is
// answered by re-reading the design document and writing once more.
func (m *ViewIndexManager) EnsureView(ctx context.Context, def ViewDefinition) error {
	err := m.provision(ctx, def)
	if err != nil && http_errors.IsConflict(err) {
		m.logger.Warnf("conflict provisioning view %s, retrying", def.key())
		err = m.provision(ctx, def)
	}
	if err != nil {
		m.logger.Warnf("failed to provision view %s: %v", def.key(), err)
		return err
	}
	m.cache.MarkKnown(ctx, m.store.Name(), def)
	return nil
}

func (m *ViewIndexManager) provision(ctx context.Context, def ViewDefinition) error {
	dd, err := GetDesignDocument(ctx, m.store, m.codec, def.DesignDoc)
	if err != nil {
		return err
	}

	if current, ok := dd.Views()[def.Name]; ok && current.Map == def.Map && current.Reduce == def.Reduce {
		return nil
	}

	m.logger.Infof("provisioning view %s", def.key())
	return dd.AddView(def).Save(ctx)
}

// Query runs q. An unknown view that the store reports missing is provisioned from def and
// queried exactly once more; if provisioning fails the original failure is returned.
func (m *ViewIndexManager) Query(ctx context.Context, q *Query, def ViewDefinition) (*ViewResult, error) {
	if m.cache.Known(ctx, m.store.Name(), def) {
		result, err := m.execute(ctx, q)
		if err != nil && http_errors.IsNotFound(err) {
			// stale entry, the next query provisions again
			m.cache.Forget(ctx, m.store.Name(), def)
		}
		return result, err
	}

	result, err := m.execute(ctx, q)
	if err == nil {
		m.cache.MarkKnown(ctx, m.store.Name(), def)
		return result, nil
	}
	if !http_errors.IsNotFound(err) {
		return nil, err
	}

	if provisionErr := m.EnsureView(ctx, def); provisionErr != nil {
		return nil, err
	}
	return m.execute(ctx, q)
}

func (m *ViewIndexManager) execute(ctx context.Context, q *Query) (*ViewResult, error) {
	path, err := q.ViewPath()
	if err != nil {
		return nil, err
	}

	var resp *couch.Response
	if q.HasKeys() {
		body, err := q.Body()
		if err != nil {
			return nil, err
		}
		resp, err = m.store.Post(ctx, path, body)
		if err != nil {
			return nil, err
		}
	} else {
		resp, err = m.store.Get(ctx, path)
		if err != nil {
			return nil, err
		}
	}

	var result ViewResult
	if err := m.codec.Unmarshal(resp.Body, &result); err != nil {
		return nil, errors.Errorf("cannot decode view %s/%s: %w", q.DesignDoc(), q.ViewName(), err)
	}
	return &result, nil
}

// CompareViews compares declared views with the stored design documents
func (m *ViewIndexManager) CompareViews(ctx context.Context, defs []ViewDefinition) ([]IndexWarning, error) {
	byDesignDoc := map[string]map[string]ViewDefinition{}
	for _, def := range defs {
		if byDesignDoc[def.DesignDoc] == nil {
			byDesignDoc[def.DesignDoc] = map[string]ViewDefinition{}
		}
		byDesignDoc[def.DesignDoc][def.Name] = def
	}

	names := make([]string, 0, len(byDesignDoc))
	for name := range byDesignDoc {
		names = append(names, name)
	}
	sort.Strings(names)

	var warnings []IndexWarning
	for _, name := range names {
		declared := byDesignDoc[name]
		dd, err := GetDesignDocument(ctx, m.store, m.codec, name)
		if err != nil {
			return nil, errors.Errorf("failed to read design document %s: %v", name, err)
		}
		stored := dd.Views()

		for _, viewName := range sortedViewNames(stored) {
			if _, ok := declared[viewName]; !ok {
				warnings = append(warnings, IndexWarning{
					Type:    IndexWarningMissingInCode,
					Message: fmt.Sprintf("View '%s/%s' exists in database but is not declared", name, viewName),
					Details: map[string]interface{}{"designDoc": name, "view": viewName},
				})
			}
		}

		for _, viewName := range sortedDefinitionNames(declared) {
			def := declared[viewName]
			current, ok := stored[viewName]
			if !ok {
				warnings = append(warnings, IndexWarning{
					Type:    IndexWarningMissingInDB,
					Message: fmt.Sprintf("View '%s/%s' is declared but does not exist in database", name, viewName),
					Details: map[string]interface{}{"designDoc": name, "view": viewName, "definition": def},
				})
				continue
			}
			if current.Map != def.Map || current.Reduce != def.Reduce {
				warnings = append(warnings, IndexWarning{
					Type:    IndexWarningDifferent,
					Message: fmt.Sprintf("View '%s/%s' differs from its declaration", name, viewName),
					Details: map[string]interface{}{"designDoc": name, "view": viewName, "defined": def, "existing": current},
				})
			}
		}
	}

	return warnings, nil
}

func sortedViewNames(views map[string]ViewFunctions) []string {
	names := make([]string, 0, len(views))
	for name := range views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedDefinitionNames(defs map[string]ViewDefinition) []string {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

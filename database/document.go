package database

import (
	"context"
	"maps"
	"net/url"
	"strings"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/xompass/vsaas-couch/http_errors"
)

// Document is one in-memory document. A document and its relationship proxies belong to a
// single logical owner at a time and are not safe for concurrent mutation.
type Document struct {
	ds     *Datasource
	schema *Schema
	class  string

	id  string
	rev string

	props  map[string]any
	errors map[string]string

	destroyed bool
	conflict  bool

	proxies map[string]any
}

// New creates an unsaved document of a registered type. Defaults are applied before props.
func (ds *Datasource) New(typeName string, props map[string]any) (*Document, error) {
	schema, ok := ds.registry.Schema(typeName)
	if !ok {
		return nil, errors.Errorf("%w: %s", ErrUnknownType, typeName)
	}

	d := ds.newDocument(schema, typeName)
	d.id = uuid.NewString()

	for _, p := range schema.properties {
		if p.Default != nil {
			d.props[p.Name] = coerceValue(p.Name, p.defaultValue())
		}
	}
	for _, rel := range schema.RelationsOf(RelationTypeReferencesMany) {
		d.props[rel.Name] = []any{}
	}

	d.SetAttributes(props)
	return d, nil
}

func (ds *Datasource) newDocument(schema *Schema, class string) *Document {
	return &Document{
		ds:      ds,
		schema:  schema,
		class:   class,
		props:   map[string]any{},
		errors:  map[string]string{},
		proxies: map[string]any{},
	}
}

// instantiate builds a document from a stored record. Records with an unknown or missing
// class become schemaless documents.
func (ds *Datasource) instantiate(record map[string]any) *Document {
	class, _ := record[ClassField].(string)
	schema, _ := ds.registry.Schema(class)

	d := ds.newDocument(schema, class)
	d.id, _ = record["_id"].(string)
	d.rev, _ = record["_rev"].(string)

	for name, value := range record {
		if strings.HasPrefix(name, "_") || name == ClassField {
			continue
		}
		if schema != nil && !schema.hasField(name) {
			continue
		}
		d.props[name] = coerceValue(name, value)
	}
	if schema != nil {
		for _, rel := range schema.RelationsOf(RelationTypeReferencesMany) {
			if _, ok := d.props[rel.Name].([]any); !ok {
				d.props[rel.Name] = []any{}
			}
		}
	}
	return d
}

func (d *Document) ID() string {
	return d.id
}

func (d *Document) Rev() string {
	return d.rev
}

// Type is the registered type name, or the stored class of a schemaless document.
func (d *Document) Type() string {
	return d.class
}

// Schema is nil for schemaless documents.
func (d *Document) Schema() *Schema {
	return d.schema
}

func (d *Document) IsNew() bool {
	return d.rev == ""
}

func (d *Document) IsDestroyed() bool {
	return d.destroyed
}

// UpdateConflict reports whether the last save was rejected for a stale revision.
func (d *Document) UpdateConflict() bool {
	return d.conflict
}

// Errors returns the validation messages of the last save.
func (d *Document) Errors() map[string]string {
	return maps.Clone(d.errors)
}

func (d *Document) Get(name string) any {
	return d.props[name]
}

// GetString returns "" when the property is unset or not a string.
func (d *Document) GetString(name string) string {
	s, _ := d.props[name].(string)
	return s
}

// Attributes returns a copy of the property values.
func (d *Document) Attributes() map[string]any {
	return maps.Clone(d.props)
}

// Set assigns a declared property, foreign key or references_many list. Values of *_at,
// *_on and *_date properties are coerced to time.Time. A nil value unsets the property.
func (d *Document) Set(name string, value any) error {
	if name == "_id" || name == "_rev" || name == ClassField {
		return errors.Errorf("%s cannot be assigned", name)
	}
	if d.schema != nil && !d.schema.hasField(name) {
		return errors.Errorf("unknown property %s on %s", name, d.class)
	}

	if value == nil {
		delete(d.props, name)
	} else {
		d.props[name] = coerceValue(name, value)
	}

	if d.schema != nil {
		for _, rel := range d.schema.relations {
			switch {
			case rel.Type == RelationTypeBelongsTo && rel.ForeignKey() == name:
				if p, ok := d.proxies[rel.Name].(*BelongsToProxy); ok {
					p.invalidate()
				}
			case rel.Type == RelationTypeReferencesMany && rel.Name == name:
				d.props[name] = toIDList(value)
				if p, ok := d.proxies[rel.Name].(*ReferencesManyProxy); ok {
					p.invalidate()
				}
			}
		}
	}
	return nil
}

// SetAttributes assigns every known attribute and ignores the rest. An "_id" is honoured
// only before the first save.
func (d *Document) SetAttributes(attrs map[string]any) {
	for name, value := range attrs {
		if name == "_id" {
			if id, ok := value.(string); ok && id != "" && d.IsNew() {
				d.id = id
			}
			continue
		}
		if err := d.Set(name, value); err != nil && d.ds != nil {
			d.ds.logger.Debugf("ignoring attribute: %v", err)
		}
	}
}

// Equal compares ids.
func (d *Document) Equal(other *Document) bool {
	return d != nil && other != nil && d.id == other.id
}

type saveOptions struct {
	skip map[string]bool
}

type SaveOption func(*saveOptions)

// SkipValidation exempts the named properties or relationships from validation for one save.
func SkipValidation(names ...string) SaveOption {
	return func(o *saveOptions) {
		if o.skip == nil {
			o.skip = map[string]bool{}
		}
		for _, name := range names {
			o.skip[name] = true
		}
	}
}

// Save writes the document. A stale revision fails with ErrUpdateConflict and sets
// UpdateConflict; rejected values fail with a *ValidationError before any round trip.
func (d *Document) Save(ctx context.Context, opts ...SaveOption) error {
	if err := d.preSave(opts...); err != nil {
		return err
	}

	record, err := d.toRecord(ctx)
	if err != nil {
		return err
	}
	body, err := d.ds.codec.Marshal(record)
	if err != nil {
		return errors.Errorf("cannot encode document %s: %w", d.id, err)
	}

	resp, err := d.ds.store.Put(ctx, url.PathEscape(d.id), body)
	if err != nil {
		if http_errors.IsConflict(err) {
			d.conflict = true
			return notSaved(ErrUpdateConflict, d.class+" "+d.id, err)
		}
		return err
	}

	var reply struct {
		Rev string `json:"rev"`
	}
	if err := d.ds.codec.Unmarshal(resp.Body, &reply); err != nil {
		return errors.Errorf("cannot decode save reply for %s: %w", d.id, err)
	}
	d.rev = reply.Rev
	d.postSave()
	return nil
}

func (d *Document) preSave(opts ...SaveOption) error {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := d.checkSave(o); err != nil {
		return err
	}
	return d.applySave()
}

// checkSave validates the processed property values without changing the document.
func (d *Document) checkSave(o saveOptions) error {
	if d.destroyed {
		return notSaved(ErrDocumentDestroyed, d.class+" "+d.id, nil)
	}
	if d.schema == nil {
		return nil
	}

	props := d.props
	d.props = d.processedProps()
	err := d.validate(o.skip)
	d.props = props
	return err
}

// applySave runs the processors and BeforeSave callbacks and stamps created_at.
func (d *Document) applySave() error {
	d.conflict = false
	if d.schema == nil {
		return nil
	}

	d.props = d.processedProps()

	for _, callback := range d.schema.beforeSave {
		if !callback(d) {
			return notSaved(ErrBeforeSaveRejected, d.class+" "+d.id, nil)
		}
	}

	if d.IsNew() {
		if _, declared := d.schema.Property(CreatedAt); declared && d.props[CreatedAt] == nil {
			d.props[CreatedAt] = now()
		}
	}
	return nil
}

func (d *Document) processedProps() map[string]any {
	props := maps.Clone(d.props)
	for _, p := range d.schema.properties {
		if p.processors != nil {
			if v, ok := props[p.Name]; ok {
				props[p.Name] = p.processors.apply(v)
			}
		}
	}
	return props
}

func (d *Document) postSave() {
	if d.schema == nil {
		return
	}
	for _, callback := range d.schema.afterSave {
		callback(d)
	}
}

func (d *Document) validate(skip map[string]bool) error {
	d.errors = map[string]string{}

	for _, p := range d.schema.properties {
		if p.validator == nil || skip[p.Name] {
			continue
		}
		value := d.props[p.Name]
		if !p.validator.run(value, d) {
			d.errors[p.Name] = p.validator.text(value, d, propertyFallbackMessage(p.Name))
		}
	}

	for _, rel := range d.schema.RelationsOf(RelationTypeBelongsTo) {
		if rel.validator == nil || skip[rel.Name] {
			continue
		}
		value := d.props[rel.ForeignKey()]
		if !rel.validator.run(value, d) {
			d.errors[rel.Name] = rel.validator.text(value, d, relationFallbackMessage(value))
		}
	}

	if len(d.errors) > 0 {
		return &ValidationError{Type: d.class, ID: d.id, Errors: maps.Clone(d.errors)}
	}
	return nil
}

// toRecord renders the write body: _id, _rev when present, class, non-nil properties,
// foreign keys, denormalised target properties and references_many id lists.
func (d *Document) toRecord(ctx context.Context) (map[string]any, error) {
	record := map[string]any{"_id": d.id}
	if d.rev != "" {
		record["_rev"] = d.rev
	}

	if d.schema == nil {
		for name, value := range d.props {
			if value != nil {
				record[name] = encodeValue(value)
			}
		}
		if d.class != "" {
			record[ClassField] = d.class
		}
		return record, nil
	}

	for _, rel := range d.schema.relations {
		switch rel.Type {
		case RelationTypeBelongsTo:
			id, _ := d.props[rel.ForeignKey()].(string)
			if id == "" {
				continue
			}
			record[rel.ForeignKey()] = id
			if len(rel.Denormalise) == 0 {
				continue
			}
			proxy, err := d.BelongsTo(rel.Name)
			if err != nil {
				return nil, err
			}
			target, err := proxy.Target(ctx)
			if err != nil {
				return nil, err
			}
			if target == nil {
				continue
			}
			for _, prop := range rel.Denormalise {
				if value := target.Get(prop); value != nil {
					record[rel.Name+"_"+prop] = encodeValue(value)
				}
			}
		case RelationTypeReferencesMany:
			record[rel.Name] = toIDList(d.props[rel.Name])
		}
	}

	for _, p := range d.schema.properties {
		if value := d.props[p.Name]; value != nil {
			record[p.Name] = encodeValue(value)
		}
	}

	record[ClassField] = d.schema.name
	return record, nil
}

// Destroy unwinds every relationship and then deletes the document. Each unwind step is
// an independent write. A destroyed document can't be saved again.
func (d *Document) Destroy(ctx context.Context) error {
	if d.destroyed {
		return errors.Errorf("%w: %s %s", ErrDocumentDestroyed, d.class, d.id)
	}
	if d.IsNew() {
		return errors.Errorf("%w: %s %s", ErrNotPersisted, d.class, d.id)
	}

	if d.schema != nil {
		for _, rel := range d.schema.RelationsOf(RelationTypeReferencesMany) {
			proxy, err := d.ReferencesMany(rel.Name)
			if err != nil {
				return err
			}
			if err := proxy.Clear(ctx); err != nil {
				return err
			}
		}
		for _, rel := range d.schema.RelationsOf(RelationTypeHasMany) {
			proxy, err := d.HasMany(rel.Name)
			if err != nil {
				return err
			}
			if err := proxy.Clear(ctx); err != nil {
				return err
			}
		}
		for _, rel := range d.schema.RelationsOf(RelationTypeHasOne) {
			proxy, err := d.HasOne(rel.Name)
			if err != nil {
				return err
			}
			if err := proxy.Set(ctx, nil); err != nil {
				return err
			}
		}
	}

	_, err := d.ds.store.Delete(ctx, url.PathEscape(d.id)+"?rev="+url.QueryEscape(d.rev))
	if err != nil {
		if http_errors.IsConflict(err) {
			d.conflict = true
			return errors.Errorf("%w: %s %s: %w", ErrUpdateConflict, d.class, d.id, err)
		}
		return err
	}

	d.destroyed = true
	return nil
}

// keyValue is the value a view emits for the property.
func (d *Document) keyValue(name string) any {
	return encodeValue(d.props[name])
}

func (d *Document) relation(name string, t RelationType) (*Relation, error) {
	if d.schema == nil {
		return nil, errors.Errorf("%w: %s on schemaless document", ErrUnknownRelation, name)
	}
	rel, ok := d.schema.Relation(name)
	if !ok || rel.Type != t {
		return nil, errors.Errorf("%w: %s %s on %s", ErrUnknownRelation, t, name, d.class)
	}
	return rel, nil
}

// setBelongsTo points the named belongs_to at target, or clears it.
func (d *Document) setBelongsTo(name string, target *Document) {
	fk := name + "_id"
	if target == nil {
		delete(d.props, fk)
	} else {
		d.props[fk] = target.id
	}
	if p, ok := d.proxies[name].(*BelongsToProxy); ok {
		p.target = target
		p.loaded = target != nil
	}
}

func toIDList(value any) []any {
	switch v := value.(type) {
	case []any:
		out := make([]any, 0, len(v))
		for _, id := range v {
			if s, ok := id.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		out := make([]any, 0, len(v))
		for _, id := range v {
			if id != "" {
				out = append(out, id)
			}
		}
		return out
	}
	return []any{}
}

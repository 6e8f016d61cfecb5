package database

import (
	"sort"
	"strings"

	"github.com/go-errors/errors"
	"github.com/xompass/vsaas-couch/helpers"
)

// ClassField is the discriminator written on every document.
const ClassField = "class"

// CreatedAt is set once, on the first save, when a schema declares it.
const CreatedAt = "created_at"

type RelationType string

const (
	RelationTypeBelongsTo      RelationType = "belongsTo"
	RelationTypeHasOne         RelationType = "hasOne"
	RelationTypeHasMany        RelationType = "hasMany"
	RelationTypeReferencesMany RelationType = "referencesMany"
)

type PropertyDef struct {
	Name string

	// Default is applied to new documents only. A func() any is called for each document.
	Default any

	Validator Validator
	// Validate names a validator registered on the Registry, or else a validator/v10 tag.
	Validate string
	Message  Message

	Normalize string // e.g. "trim,lowercase"
	Sanitize  string // e.g. "html"
}

type RelationDef struct {
	Name   string
	Type   RelationType
	Target string

	// Inverse is the target's belongs_to name for has_one and has_many, or the target's own
	// references_many name for references_many.
	Inverse string

	// belongs_to only
	Validator   Validator
	Validate    string
	Message     Message
	Denormalise []string
}

// ViewByDef declares a view on the datasource design document keyed by Keys.
type ViewByDef struct {
	Keys       []string
	Descending bool
	Limit      int
}

type SchemaDef struct {
	Name       string
	Parent     string
	Properties []PropertyDef
	Relations  []RelationDef
	ViewBy     []ViewByDef

	// BeforeSave callbacks run after validation; returning false aborts the save.
	BeforeSave []func(doc *Document) bool
	AfterSave  []func(doc *Document)
}

type Property struct {
	Name       string
	Default    any
	validator  *boundValidator
	processors *propertyProcessors
}

func (p *Property) defaultValue() any {
	if fn, ok := p.Default.(func() any); ok {
		return fn()
	}
	return p.Default
}

type Relation struct {
	Name        string
	Type        RelationType
	Target      string
	Inverse     string
	Denormalise []string
	validator   *boundValidator
}

// ForeignKey is the owner field of a belongs_to relation.
func (r *Relation) ForeignKey() string {
	return r.Name + "_id"
}

type ViewBy struct {
	Keys       []string
	Descending bool
	Limit      int
}

// Name identifies the declaration, e.g. "foo" or "foo_and_bar".
func (v *ViewBy) Name() string {
	return strings.Join(v.Keys, "_and_")
}

// Schema is the immutable descriptor of a document type. Inherited members come first.
type Schema struct {
	name       string
	parent     *Schema
	properties []*Property
	relations  []*Relation
	viewBy     []*ViewBy
	beforeSave []func(doc *Document) bool
	afterSave  []func(doc *Document)

	propertyIndex map[string]*Property
	relationIndex map[string]*Relation
	fields        map[string]bool
}

func (s *Schema) Name() string {
	return s.name
}

func (s *Schema) Parent() *Schema {
	return s.parent
}

func (s *Schema) Properties() []*Property {
	return s.properties
}

func (s *Schema) Property(name string) (*Property, bool) {
	p, ok := s.propertyIndex[name]
	return p, ok
}

func (s *Schema) Relations() []*Relation {
	return s.relations
}

func (s *Schema) Relation(name string) (*Relation, bool) {
	r, ok := s.relationIndex[name]
	return r, ok
}

// RelationsOf returns the relations of the given type in declaration order.
func (s *Schema) RelationsOf(t RelationType) []*Relation {
	var out []*Relation
	for _, r := range s.relations {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

func (s *Schema) ViewBy() []*ViewBy {
	return s.viewBy
}

func (s *Schema) FindViewBy(name string) (*ViewBy, bool) {
	for _, v := range s.viewBy {
		if v.Name() == name {
			return v, true
		}
	}
	return nil, false
}

// IsA reports whether the schema is name or one of its descendants.
func (s *Schema) IsA(name string) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.name == name {
			return true
		}
	}
	return false
}

// hasField reports whether the field is written by documents of this type.
func (s *Schema) hasField(name string) bool {
	return s.fields[name]
}

// Registry holds every registered schema. Register all types before serving requests; it is
// read-only afterwards.
type Registry struct {
	schemas    map[string]*Schema
	children   map[string][]string
	validators map[string]Validator
}

func NewRegistry() *Registry {
	return &Registry{
		schemas:    map[string]*Schema{},
		children:   map[string][]string{},
		validators: map[string]Validator{},
	}
}

// RegisterValidator makes a validator available by name to PropertyDef.Validate.
func (r *Registry) RegisterValidator(name string, v Validator) {
	r.validators[name] = v
}

func (r *Registry) Schema(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// Names returns every registered type, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descendants returns every registered subtype of name, sorted by name.
func (r *Registry) Descendants(name string) []string {
	var out []string
	var walk func(string)
	walk = func(n string) {
		for _, child := range r.children[n] {
			out = append(out, child)
			walk(child)
		}
	}
	walk(name)
	sort.Strings(out)
	return out
}

// Classes returns name followed by its descendants.
func (r *Registry) Classes(name string) []string {
	return append([]string{name}, r.Descendants(name)...)
}

func (r *Registry) MustRegister(def SchemaDef) *Schema {
	s, err := r.Register(def)
	if err != nil {
		panic(err)
	}
	return s
}

func (r *Registry) Register(def SchemaDef) (*Schema, error) {
	if def.Name == "" {
		return nil, errors.New("schema name is required")
	}
	if _, exists := r.schemas[def.Name]; exists {
		return nil, errors.Errorf("the type %s is already registered", def.Name)
	}

	s := &Schema{
		name:          def.Name,
		propertyIndex: map[string]*Property{},
		relationIndex: map[string]*Relation{},
		fields:        map[string]bool{},
	}

	if def.Parent != "" {
		parent, ok := r.schemas[def.Parent]
		if !ok {
			return nil, errors.Errorf("%w: parent %s of %s", ErrUnknownType, def.Parent, def.Name)
		}
		s.parent = parent
		for _, p := range parent.properties {
			s.addProperty(p)
		}
		for _, rel := range parent.relations {
			s.addRelation(rel)
		}
		s.viewBy = append(s.viewBy, parent.viewBy...)
		s.beforeSave = append(s.beforeSave, parent.beforeSave...)
		s.afterSave = append(s.afterSave, parent.afterSave...)
	}

	for _, pd := range def.Properties {
		p, err := r.buildProperty(pd)
		if err != nil {
			return nil, err
		}
		s.addProperty(p)
	}

	for _, rd := range def.Relations {
		rel, err := r.buildRelation(def.Name, rd)
		if err != nil {
			return nil, err
		}
		s.addRelation(rel)
	}

	for _, vd := range def.ViewBy {
		if len(vd.Keys) == 0 {
			return nil, errors.Errorf("view_by on %s requires at least one key", def.Name)
		}
		s.viewBy = append(s.viewBy, &ViewBy{Keys: vd.Keys, Descending: vd.Descending, Limit: vd.Limit})
	}

	s.beforeSave = append(s.beforeSave, def.BeforeSave...)
	s.afterSave = append(s.afterSave, def.AfterSave...)

	r.schemas[def.Name] = s
	if def.Parent != "" {
		r.children[def.Parent] = append(r.children[def.Parent], def.Name)
	}
	return s, nil
}

func (s *Schema) addProperty(p *Property) {
	if _, exists := s.propertyIndex[p.Name]; exists {
		for i, existing := range s.properties {
			if existing.Name == p.Name {
				s.properties[i] = p
			}
		}
	} else {
		s.properties = append(s.properties, p)
	}
	s.propertyIndex[p.Name] = p
	s.fields[p.Name] = true
}

func (s *Schema) addRelation(rel *Relation) {
	if _, exists := s.relationIndex[rel.Name]; exists {
		for i, existing := range s.relations {
			if existing.Name == rel.Name {
				s.relations[i] = rel
			}
		}
	} else {
		s.relations = append(s.relations, rel)
	}
	s.relationIndex[rel.Name] = rel

	switch rel.Type {
	case RelationTypeBelongsTo:
		s.fields[rel.ForeignKey()] = true
		for _, prop := range rel.Denormalise {
			s.fields[rel.Name+"_"+prop] = true
		}
	case RelationTypeReferencesMany:
		s.fields[rel.Name] = true
	}
}

func (r *Registry) buildProperty(pd PropertyDef) (*Property, error) {
	if pd.Name == "" {
		return nil, errors.New("property name is required")
	}
	if strings.HasPrefix(pd.Name, "_") || pd.Name == ClassField {
		return nil, errors.Errorf("property name %s is reserved", pd.Name)
	}

	processors, err := buildProcessors(pd.Name, pd.Normalize, pd.Sanitize)
	if err != nil {
		return nil, err
	}
	v, err := r.resolveValidator(pd.Validator, pd.Validate, pd.Message)
	if err != nil {
		return nil, err
	}

	return &Property{Name: pd.Name, Default: pd.Default, validator: v, processors: processors}, nil
}

func (r *Registry) buildRelation(owner string, rd RelationDef) (*Relation, error) {
	if rd.Name == "" {
		return nil, errors.Errorf("relation name is required on %s", owner)
	}

	rel := &Relation{
		Name:        rd.Name,
		Type:        rd.Type,
		Target:      rd.Target,
		Inverse:     rd.Inverse,
		Denormalise: rd.Denormalise,
	}

	switch rd.Type {
	case RelationTypeBelongsTo:
		if rel.Target == "" {
			rel.Target = helpers.CamelCase(rd.Name)
		}
		v, err := r.resolveValidator(rd.Validator, rd.Validate, rd.Message)
		if err != nil {
			return nil, err
		}
		rel.validator = v
	case RelationTypeHasOne:
		if rel.Target == "" {
			rel.Target = helpers.CamelCase(rd.Name)
		}
		if rel.Inverse == "" {
			rel.Inverse = helpers.SnakeCase(owner)
		}
	case RelationTypeHasMany:
		if rel.Target == "" {
			return nil, errors.Errorf("has_many %s on %s requires a target type", rd.Name, owner)
		}
		if rel.Inverse == "" {
			rel.Inverse = helpers.SnakeCase(owner)
		}
	case RelationTypeReferencesMany:
		if rel.Target == "" {
			return nil, errors.Errorf("references_many %s on %s requires a target type", rd.Name, owner)
		}
	default:
		return nil, errors.Errorf("unknown relation type %q for %s on %s", rd.Type, rd.Name, owner)
	}

	return rel, nil
}

func (r *Registry) resolveValidator(v Validator, name string, msg Message) (*boundValidator, error) {
	if v != nil && name != "" {
		return nil, errors.New("set either Validator or Validate, not both")
	}
	if v == nil && name != "" {
		if named, ok := r.validators[name]; ok {
			v = named
		} else {
			v = Tag(name)
		}
	}
	if v == nil {
		return nil, nil
	}
	return &boundValidator{validator: v, message: msg}, nil
}

package database

import (
	"context"
	"slices"

	"github.com/go-errors/errors"
)

// IRelation is implemented by every relationship proxy.
type IRelation interface {
	// Relation returns the declaration the proxy resolves.
	Relation() *Relation
	// invalidate drops the resolved cache so the next access reads the store.
	invalidate()
}

// BelongsTo returns the proxy of a belongs_to relation, created on first access.
func (d *Document) BelongsTo(name string) (*BelongsToProxy, error) {
	if p, ok := d.proxies[name].(*BelongsToProxy); ok {
		return p, nil
	}
	rel, err := d.relation(name, RelationTypeBelongsTo)
	if err != nil {
		return nil, err
	}
	p := &BelongsToProxy{owner: d, rel: rel}
	d.proxies[name] = p
	return p, nil
}

// HasOne returns the proxy of a has_one relation, created on first access.
func (d *Document) HasOne(name string) (*HasOneProxy, error) {
	if p, ok := d.proxies[name].(*HasOneProxy); ok {
		return p, nil
	}
	rel, err := d.relation(name, RelationTypeHasOne)
	if err != nil {
		return nil, err
	}
	p := &HasOneProxy{owner: d, rel: rel}
	d.proxies[name] = p
	return p, nil
}

// HasMany returns the proxy of a has_many relation, created on first access.
func (d *Document) HasMany(name string) (*HasManyProxy, error) {
	if p, ok := d.proxies[name].(*HasManyProxy); ok {
		return p, nil
	}
	rel, err := d.relation(name, RelationTypeHasMany)
	if err != nil {
		return nil, err
	}
	p := &HasManyProxy{owner: d, rel: rel}
	d.proxies[name] = p
	return p, nil
}

// ReferencesMany returns the proxy of a references_many relation, created on first access.
func (d *Document) ReferencesMany(name string) (*ReferencesManyProxy, error) {
	if p, ok := d.proxies[name].(*ReferencesManyProxy); ok {
		return p, nil
	}
	rel, err := d.relation(name, RelationTypeReferencesMany)
	if err != nil {
		return nil, err
	}
	p := &ReferencesManyProxy{owner: d, rel: rel}
	d.proxies[name] = p
	return p, nil
}

// BelongsToProxy resolves the target named by the owner's <name>_id field. Assignments
// change the owner only; they are persisted by the owner's next save.
type BelongsToProxy struct {
	owner  *Document
	rel    *Relation
	target *Document
	loaded bool
}

func (p *BelongsToProxy) Relation() *Relation {
	return p.rel
}

func (p *BelongsToProxy) invalidate() {
	p.target = nil
	p.loaded = false
}

func (p *BelongsToProxy) ID() string {
	id, _ := p.owner.props[p.rel.ForeignKey()].(string)
	return id
}

// Target returns nil without a round trip when no foreign key is set, and nil when the
// target no longer exists.
func (p *BelongsToProxy) Target(ctx context.Context) (*Document, error) {
	id := p.ID()
	if id == "" {
		return nil, nil
	}
	if p.loaded && p.target != nil && p.target.id == id {
		return p.target, nil
	}

	target, err := p.owner.ds.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	p.target = target
	p.loaded = target != nil
	return target, nil
}

func (p *BelongsToProxy) Set(target *Document) {
	p.owner.setBelongsTo(p.rel.Name, target)
}

func (p *BelongsToProxy) SetID(id string) {
	if id == "" {
		delete(p.owner.props, p.rel.ForeignKey())
	} else {
		p.owner.props[p.rel.ForeignKey()] = id
	}
	p.invalidate()
}

// relationshipViewOf is the view listing the targets of a has_one or has_many relation.
func relationshipViewOf(owner *Document, rel *Relation) (ViewDefinition, error) {
	if _, ok := owner.ds.registry.Schema(rel.Target); !ok {
		return ViewDefinition{}, errors.Errorf("%w: %s target of %s.%s", ErrUnknownType, rel.Target, owner.class, rel.Name)
	}
	return owner.ds.registry.relationshipView(owner.class, rel.Name, rel.Target, rel.Inverse), nil
}

func (p *HasManyProxy) query(ctx context.Context) ([]*Document, error) {
	return queryRelated(ctx, p.owner, p.rel, 0)
}

func queryRelated(ctx context.Context, owner *Document, rel *Relation, limit int) ([]*Document, error) {
	def, err := relationshipViewOf(owner, rel)
	if err != nil {
		return nil, err
	}
	q := def.Query().Key(owner.id)
	if limit > 0 {
		q.Limit(limit)
	}
	result, err := owner.ds.views.Query(ctx, q, def)
	if err != nil {
		return nil, err
	}
	return result.Documents(owner.ds), nil
}

// HasOneProxy resolves the single target whose <inverse>_id names the owner.
type HasOneProxy struct {
	owner  *Document
	rel    *Relation
	target *Document
	loaded bool
}

func (p *HasOneProxy) Relation() *Relation {
	return p.rel
}

func (p *HasOneProxy) invalidate() {
	p.target = nil
	p.loaded = false
}

func (p *HasOneProxy) Target(ctx context.Context) (*Document, error) {
	if p.loaded {
		return p.target, nil
	}
	docs, err := queryRelated(ctx, p.owner, p.rel, 1)
	if err != nil {
		return nil, err
	}
	p.target = nil
	if len(docs) > 0 {
		p.target = docs[0]
	}
	p.loaded = true
	return p.target, nil
}

// Set writes immediately: the old target is cleared and saved, then the new target is
// pointed at the owner and saved. If the second write fails the old target is pointed
// back at the owner and saved again; the returned error carries both failures when that
// restore fails too.
func (p *HasOneProxy) Set(ctx context.Context, target *Document) error {
	old, err := p.Target(ctx)
	if err != nil {
		return err
	}
	if old != nil && target != nil && old.Equal(target) {
		return nil
	}

	if old != nil {
		old.setBelongsTo(p.rel.Inverse, nil)
		if err := old.Save(ctx); err != nil {
			old.setBelongsTo(p.rel.Inverse, p.owner)
			return err
		}
	}

	if target != nil {
		target.setBelongsTo(p.rel.Inverse, p.owner)
		if err := target.Save(ctx); err != nil {
			target.setBelongsTo(p.rel.Inverse, nil)
			if old != nil {
				old.setBelongsTo(p.rel.Inverse, p.owner)
				if restoreErr := old.Save(ctx); restoreErr != nil {
					p.invalidate()
					return errors.Errorf("has_one %s: %w (restoring %s failed: %v)", p.rel.Name, err, old.id, restoreErr)
				}
				p.target = old
				p.loaded = true
			}
			return err
		}
	}

	p.target = target
	p.loaded = true
	return nil
}

// HasManyProxy is the ordered collection of documents whose <inverse>_id names the owner.
// It is read from the store on first access and then kept in step with Add and Remove.
type HasManyProxy struct {
	owner  *Document
	rel    *Relation
	docs   []*Document
	loaded bool
}

func (p *HasManyProxy) Relation() *Relation {
	return p.rel
}

func (p *HasManyProxy) invalidate() {
	p.docs = nil
	p.loaded = false
}

func (p *HasManyProxy) Load(ctx context.Context) ([]*Document, error) {
	if !p.loaded {
		docs, err := p.query(ctx)
		if err != nil {
			return nil, err
		}
		p.docs = docs
		p.loaded = true
	}
	return slices.Clone(p.docs), nil
}

// Add points doc at the owner and saves it.
func (p *HasManyProxy) Add(ctx context.Context, doc *Document) error {
	if doc == nil {
		return errors.New("cannot add a nil document")
	}
	doc.setBelongsTo(p.rel.Inverse, p.owner)
	if err := doc.Save(ctx); err != nil {
		return err
	}
	if p.loaded && !p.containsLoaded(doc) {
		p.docs = append(p.docs, doc)
	}
	return nil
}

// Remove clears doc's inverse key and saves it. A doc that belongs to another owner is
// left untouched.
func (p *HasManyProxy) Remove(ctx context.Context, doc *Document) error {
	if doc == nil || doc.GetString(p.rel.Inverse+"_id") != p.owner.id {
		return nil
	}
	doc.setBelongsTo(p.rel.Inverse, nil)
	if err := doc.Save(ctx); err != nil {
		return err
	}
	if p.loaded {
		p.docs = slices.DeleteFunc(p.docs, doc.Equal)
	}
	return nil
}

// Clear removes every element, one write per element.
func (p *HasManyProxy) Clear(ctx context.Context) error {
	docs, err := p.Load(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := p.Remove(ctx, doc); err != nil {
			return err
		}
	}
	p.docs = []*Document{}
	p.loaded = true
	return nil
}

func (p *HasManyProxy) Size(ctx context.Context) (int, error) {
	docs, err := p.Load(ctx)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (p *HasManyProxy) Contains(ctx context.Context, doc *Document) (bool, error) {
	if _, err := p.Load(ctx); err != nil {
		return false, err
	}
	return p.containsLoaded(doc), nil
}

func (p *HasManyProxy) containsLoaded(doc *Document) bool {
	return slices.ContainsFunc(p.docs, doc.Equal)
}

// ReferencesManyProxy resolves the ordered id list stored on the owner under the
// relationship name. Only ids are persisted. When an inverse is declared the peer's own
// list is kept in step and owner and peers are written with one bulk save.
type ReferencesManyProxy struct {
	owner  *Document
	rel    *Relation
	peers  []*Document
	loaded bool
}

func (p *ReferencesManyProxy) Relation() *Relation {
	return p.rel
}

func (p *ReferencesManyProxy) invalidate() {
	p.peers = nil
	p.loaded = false
}

func (p *ReferencesManyProxy) IDs() []string {
	ids := toIDList(p.owner.props[p.rel.Name])
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.(string)
	}
	return out
}

// Load resolves the ids in order. Ids that no longer exist resolve to nil slots.
func (p *ReferencesManyProxy) Load(ctx context.Context) ([]*Document, error) {
	if !p.loaded {
		peers, err := p.owner.ds.LoadMany(ctx, p.IDs())
		if err != nil {
			return nil, err
		}
		p.peers = peers
		p.loaded = true
	}
	return slices.Clone(p.peers), nil
}

func (p *ReferencesManyProxy) Contains(doc *Document) bool {
	return doc != nil && slices.Contains(p.IDs(), doc.id)
}

func (p *ReferencesManyProxy) Add(ctx context.Context, doc *Document) error {
	if doc == nil {
		return errors.New("cannot add a nil document")
	}
	if p.Contains(doc) {
		return nil
	}

	p.owner.props[p.rel.Name] = append(toIDList(p.owner.props[p.rel.Name]), doc.id)
	if p.rel.Inverse != "" {
		addReference(doc, p.rel.Inverse, p.owner)
	}

	if err := p.owner.ds.BulkSave(ctx, p.owner, doc); err != nil {
		return err
	}
	if p.loaded {
		p.peers = append(p.peers, doc)
	}
	return nil
}

func (p *ReferencesManyProxy) Remove(ctx context.Context, doc *Document) error {
	if doc == nil || !p.Contains(doc) {
		return nil
	}

	removeReference(p.owner, p.rel.Name, doc)
	if p.rel.Inverse != "" {
		removeReference(doc, p.rel.Inverse, p.owner)
	}

	if err := p.owner.ds.BulkSave(ctx, p.owner, doc); err != nil {
		return err
	}
	if p.loaded {
		p.peers = slices.DeleteFunc(p.peers, doc.Equal)
	}
	return nil
}

// Clear empties the list and, with an inverse, drops the owner from every live peer.
func (p *ReferencesManyProxy) Clear(ctx context.Context) error {
	if len(p.IDs()) == 0 {
		return nil
	}

	var peers []*Document
	if p.rel.Inverse != "" {
		loaded, err := p.Load(ctx)
		if err != nil {
			return err
		}
		for _, peer := range loaded {
			if peer != nil {
				removeReference(peer, p.rel.Inverse, p.owner)
				peers = append(peers, peer)
			}
		}
	}

	p.owner.props[p.rel.Name] = []any{}
	if err := p.owner.ds.BulkSave(ctx, append([]*Document{p.owner}, peers...)...); err != nil {
		return err
	}
	p.peers = []*Document{}
	p.loaded = true
	return nil
}

func addReference(doc *Document, relName string, peer *Document) {
	ids := toIDList(doc.props[relName])
	if slices.Contains(ids, any(peer.id)) {
		return
	}
	doc.props[relName] = append(ids, peer.id)
	if proxy, ok := doc.proxies[relName].(*ReferencesManyProxy); ok && proxy.loaded {
		proxy.peers = append(proxy.peers, peer)
	}
}

func removeReference(doc *Document, relName string, peer *Document) {
	ids := toIDList(doc.props[relName])
	doc.props[relName] = slices.DeleteFunc(ids, func(id any) bool { return id == peer.id })
	if proxy, ok := doc.proxies[relName].(*ReferencesManyProxy); ok && proxy.loaded {
		proxy.peers = slices.DeleteFunc(proxy.peers, func(d *Document) bool { return d != nil && d.id == peer.id })
	}
}

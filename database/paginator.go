package database

import (
	"context"
	"net/http"
	"slices"

	"github.com/go-errors/errors"
	"github.com/xompass/vsaas-couch/cursor"
	"github.com/xompass/vsaas-couch/http_errors"
)

const DefaultPageLimit = 10

// PaginateParams are the original bounds of a paginated scan. A nil key is unbounded.
type PaginateParams struct {
	StartKey   any
	EndKey     any
	Descending bool
	Limit      int
}

// Paginator computes one page of a view scan from the original bounds and the caller's
// cursor, which may point the scan back toward the origin.
type Paginator struct {
	params PaginateParams
	token  *cursor.Cursor
}

func NewPaginator(params PaginateParams, token string) (*Paginator, error) {
	if params.Limit <= 0 {
		return nil, errors.Errorf("%w: limit must be positive, got %d", ErrInvalidPaginateParams, params.Limit)
	}
	c, err := cursor.Parse(token)
	if err != nil {
		return nil, errors.Errorf("%w: %w", ErrInvalidPaginateParams, err)
	}
	return &Paginator{params: params, token: c}, nil
}

// Inverted reports whether the cursor scans against the original direction.
func (p *Paginator) Inverted() bool {
	return p.token != nil && p.token.Descending != p.params.Descending
}

// PageQuery overlays the cursor on base. A resumed scan skips the cursor document itself.
func (p *Paginator) PageQuery(base *Query) *Query {
	q := base.Clone()

	descending := p.params.Descending
	startKey := p.params.StartKey
	if p.token != nil {
		descending = p.token.Descending
		startKey = p.token.StartKey
	}
	endKey := p.params.EndKey
	if p.Inverted() {
		endKey = p.params.StartKey
	}

	q.Descending(descending)
	if startKey != nil {
		q.StartKey(startKey)
	}
	if endKey != nil {
		q.EndKey(endKey)
	}
	if p.token != nil {
		q.StartKeyDocID(p.token.StartKeyDocID).Skip(1)
	}
	return q.Limit(p.params.Limit)
}

// originQuery is the one-row probe locating the first row of the original range in the
// direction of the current request.
func (p *Paginator) originQuery(base *Query) *Query {
	q := base.withoutRange().Limit(1)
	if p.Inverted() {
		q.Descending(!p.params.Descending)
		if p.params.EndKey != nil {
			q.StartKey(p.params.EndKey)
		}
		if p.params.StartKey != nil {
			q.EndKey(p.params.StartKey)
		}
		return q
	}

	q.Descending(p.params.Descending)
	if p.params.StartKey != nil {
		q.StartKey(p.params.StartKey)
	}
	if p.params.EndKey != nil {
		q.EndKey(p.params.EndKey)
	}
	return q
}

func (p *Paginator) boundedQuery(base *Query) *Query {
	q := base.withoutRange().Descending(p.params.Descending)
	if p.params.StartKey != nil {
		q.StartKey(p.params.StartKey)
	}
	if p.params.EndKey != nil {
		q.EndKey(p.params.EndKey)
	}
	return q
}

// total counts the original range with the view's reduce, counting rows when the view
// has none.
func (p *Paginator) total(ctx context.Context, views IndexManager, def ViewDefinition, base *Query) (int, error) {
	if def.Reduce != "" {
		result, err := views.Query(ctx, p.boundedQuery(base).Reduce(true), def)
		if err == nil {
			return result.ReduceCount(), nil
		}
		if http_errors.StatusCode(err) != http.StatusBadRequest {
			return 0, err
		}
	}

	q := p.boundedQuery(base)
	if def.Reduce != "" {
		q.Reduce(false)
	}
	result, err := views.Query(ctx, q, def)
	if err != nil {
		return 0, err
	}
	return len(result.Rows), nil
}

// Paginate runs the page query against def and derives the cursors from the sort keys
// named by viewKeys.
func (p *Paginator) Paginate(ctx context.Context, views IndexManager, def ViewDefinition, base *Query, viewKeys []string, ds *Datasource) (*Page, error) {
	result, err := views.Query(ctx, p.PageQuery(base), def)
	if err != nil {
		return nil, err
	}

	docs := result.Documents(ds)
	page := &Page{Docs: docs}
	if len(docs) == 0 {
		return page, nil
	}

	origin, err := views.Query(ctx, p.originQuery(base), def)
	if err != nil {
		return nil, err
	}
	total, err := p.total(ctx, views, def, base)
	if err != nil {
		return nil, err
	}

	inverted := p.Inverted()
	position := result.Offset - origin.Offset
	more := position+len(docs) < total

	page.Total = total
	if inverted {
		slices.Reverse(docs)
		page.Offset = total - position - len(docs)
		page.hasNext = true
		page.hasPrev = more
	} else {
		page.Offset = position
		page.hasNext = more
		page.hasPrev = position != 0
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	if page.hasNext {
		last := docs[len(docs)-1]
		page.NextParams = &cursor.Cursor{
			StartKey:      cursorKey(last, viewKeys),
			StartKeyDocID: last.id,
			Descending:    p.params.Descending,
		}
	}
	if page.hasPrev {
		first := docs[0]
		page.PrevParams = &cursor.Cursor{
			StartKey:      cursorKey(first, viewKeys),
			StartKeyDocID: first.id,
			Descending:    !p.params.Descending,
		}
	}
	return page, nil
}

func cursorKey(doc *Document, viewKeys []string) any {
	if len(viewKeys) == 1 {
		return doc.keyValue(viewKeys[0])
	}
	key := make([]any, len(viewKeys))
	for i, k := range viewKeys {
		key[i] = doc.keyValue(k)
	}
	return key
}

// Page is one page of documents in the original scan order.
type Page struct {
	Docs []*Document
	// Offset is the position of the first document in the original range.
	Offset int
	Total  int

	NextParams *cursor.Cursor
	PrevParams *cursor.Cursor

	hasNext bool
	hasPrev bool
}

func (p *Page) HasNext() bool {
	return p.hasNext
}

func (p *Page) HasPrev() bool {
	return p.hasPrev
}

// NextQuery renders the next cursor as "page_params=...", or "" when there is no next page.
func (p *Page) NextQuery() (string, error) {
	if p.NextParams == nil {
		return "", nil
	}
	return p.NextParams.Query()
}

func (p *Page) PrevQuery() (string, error) {
	if p.PrevParams == nil {
		return "", nil
	}
	return p.PrevParams.Query()
}

// Package cursor encodes and decodes the opaque page tokens handed to callers by the
// paginator. A token is the JSON object {"startkey", "startkey_docid", "descending"}
// and travels as the query-string parameter page_params.
package cursor

import (
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-errors/errors"
	"github.com/valyala/fastjson"
)

const QueryParam = "page_params"

const (
	CURSOR_INVALID_JSON   = "CURSOR_INVALID_JSON"
	CURSOR_INVALID_OBJECT = "CURSOR_INVALID_OBJECT"
	CURSOR_INVALID_DOCID  = "CURSOR_INVALID_DOCID"
)

var cursorPool fastjson.ParserPool

// Cursor is the resume position of a view scan. It is only meaningful against the view
// and key ordering that produced it.
type Cursor struct {
	StartKey      any    `json:"startkey"`
	StartKeyDocID string `json:"startkey_docid"`
	Descending    bool   `json:"descending"`
}

func (c *Cursor) Encode() (string, error) {
	data, err := sonic.ConfigStd.Marshal(c)
	if err != nil {
		return "", errors.Errorf("cannot encode cursor: %w", err)
	}
	return string(data), nil
}

// Query renders the cursor as "page_params=<escaped json>".
func (c *Cursor) Query() (string, error) {
	data, err := c.Encode()
	if err != nil {
		return "", err
	}
	return QueryParam + "=" + url.QueryEscape(data), nil
}

// Parse accepts a raw JSON token, its query-escaped form, or the full
// "page_params=<escaped json>" pair. An empty token yields a nil cursor.
func Parse(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	if strings.HasPrefix(token, QueryParam+"=") {
		token = strings.TrimPrefix(token, QueryParam+"=")
	}

	if !strings.HasPrefix(token, "{") {
		unescaped, err := url.QueryUnescape(token)
		if err != nil {
			return nil, errors.New(CURSOR_INVALID_JSON)
		}
		token = unescaped
	}

	parser := cursorPool.Get()
	defer cursorPool.Put(parser)

	parsed, err := parser.Parse(token)
	if err != nil {
		return nil, errors.New(CURSOR_INVALID_JSON)
	}

	return parseCursorValue(parsed)
}

func parseCursorValue(v *fastjson.Value) (*Cursor, error) {
	if v.Type() != fastjson.TypeObject {
		return nil, errors.New(CURSOR_INVALID_OBJECT)
	}

	c := &Cursor{}
	if startKey := v.Get("startkey"); startKey != nil {
		c.StartKey = getRawValue(startKey)
	}

	if docID := v.Get("startkey_docid"); docID != nil {
		if docID.Type() != fastjson.TypeString {
			return nil, errors.New(CURSOR_INVALID_DOCID)
		}
		c.StartKeyDocID = string(docID.GetStringBytes())
	}

	c.Descending = v.GetBool("descending")
	return c, nil
}

func getRawValue(v *fastjson.Value) any {
	if v == nil {
		return nil
	}

	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		return v.GetFloat64()
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeArray:
		arr := v.GetArray()
		value := make([]any, 0, len(arr))
		for _, current := range arr {
			value = append(value, getRawValue(current))
		}
		return value
	case fastjson.TypeObject:
		obj := map[string]any{}
		v.GetObject().Visit(func(key []byte, inner *fastjson.Value) {
			obj[string(key)] = getRawValue(inner)
		})
		return obj
	}

	return nil
}

package database

import (
	"slices"
	"strings"
	"unicode"

	"github.com/go-errors/errors"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// stringProcessor rewrites one string property value
type stringProcessor func(string) string

type propertyProcessors struct {
	funcs []stringProcessor
	dive  bool
}

var operators = map[string]map[string]stringProcessor{
	"normalize": {
		"trim":      strings.TrimSpace,
		"lowercase": strings.ToLower,
		"uppercase": strings.ToUpper,
		"unaccent":  removeDiacritics,
		"unicode":   norm.NFC.String,
	},
	"sanitize": {
		"html":         htmlSanitizer,
		"alphanumeric": alphanumericSanitizer,
		"numeric":      numericSanitizer,
	},
}

var htmlPolicy = bluemonday.UGCPolicy()

func parseTag(tag string) []string {
	parts := strings.Split(tag, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// buildProcessors compiles the normalize tag followed by the sanitize tag of a property.
// "dive" applies the processors to every string element of a list value.
func buildProcessors(property string, normalizeTag string, sanitizeTag string) (*propertyProcessors, error) {
	if normalizeTag == "" && sanitizeTag == "" {
		return nil, nil
	}

	procs := &propertyProcessors{}
	for _, group := range []struct {
		operator string
		tag      string
	}{{"normalize", normalizeTag}, {"sanitize", sanitizeTag}} {
		tags := parseTag(group.tag)
		if slices.Contains(tags, "dive") {
			procs.dive = true
		}
		for _, tag := range tags {
			if tag == "dive" {
				continue
			}
			fn, ok := operators[group.operator][tag]
			if !ok {
				return nil, errors.Errorf("property %s: unknown %s processor %q", property, group.operator, tag)
			}
			procs.funcs = append(procs.funcs, fn)
		}
	}
	return procs, nil
}

func (p *propertyProcessors) apply(value any) any {
	if p == nil || len(p.funcs) == 0 {
		return value
	}

	switch v := value.(type) {
	case string:
		return p.applyString(v)
	case *string:
		if v == nil {
			return value
		}
		s := p.applyString(*v)
		return &s
	case []string:
		if !p.dive {
			return value
		}
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = p.applyString(s)
		}
		return out
	case []any:
		if !p.dive {
			return value
		}
		out := make([]any, len(v))
		for i, elem := range v {
			if s, ok := elem.(string); ok {
				out[i] = p.applyString(s)
				continue
			}
			out[i] = elem
		}
		return out
	}
	return value
}

func (p *propertyProcessors) applyString(s string) string {
	for _, fn := range p.funcs {
		s = fn(s)
	}
	return s
}

// htmlSanitizer applies HTML sanitization using bluemonday
func htmlSanitizer(s string) string {
	return htmlPolicy.Sanitize(s)
}

// alphanumericSanitizer removes all non-alphanumeric characters from a string
func alphanumericSanitizer(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// numericSanitizer removes all non-digit characters from a string
func numericSanitizer(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func removeDiacritics(s string) string {
	t := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range t {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

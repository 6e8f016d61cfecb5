package database

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var defaultValidate = validator.New()

// Validator decides whether a property or foreign key value is acceptable.
type Validator interface {
	Validate(value any, doc *Document) bool
}

type ValidatorFunc func(value any, doc *Document) bool

func (f ValidatorFunc) Validate(value any, doc *Document) bool {
	return f(value, doc)
}

type tagValidator struct {
	tag      string
	validate *validator.Validate
}

// Tag returns a validator backed by a validator/v10 tag such as "required" or "min=3".
func Tag(tag string) Validator {
	return &tagValidator{tag: tag, validate: defaultValidate}
}

func (v *tagValidator) Validate(value any, doc *Document) bool {
	return v.validate.Var(value, v.tag) == nil
}

// Message builds the text stored in Document.Errors for a rejected value.
type Message interface {
	Text(value any, doc *Document) string
}

// StaticMessage always reports the same text.
type StaticMessage string

func (m StaticMessage) Text(value any, doc *Document) string {
	return string(m)
}

type MessageFunc func(value any, doc *Document) string

func (f MessageFunc) Text(value any, doc *Document) string {
	return f(value, doc)
}

// boundValidator is a validator resolved at registration together with its message.
type boundValidator struct {
	validator Validator
	message   Message
}

// run reports whether value passes. A panicking validator rejects the value.
func (b *boundValidator) run(value any, doc *Document) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return b.validator.Validate(value, doc)
}

func (b *boundValidator) text(value any, doc *Document, fallback string) (text string) {
	if b.message == nil {
		return fallback
	}
	defer func() {
		if r := recover(); r != nil {
			text = fallback
		}
	}()
	return b.message.Text(value, doc)
}

func propertyFallbackMessage(name string) string {
	return "invalid:" + name
}

func relationFallbackMessage(value any) string {
	if value == nil {
		return "invalid:"
	}
	return fmt.Sprintf("invalid:%v", value)
}

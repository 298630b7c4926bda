package pipeline

import (
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
)

// Processor transforms a document in place before it is indexed. Processors
// must be pure and in-process (spec §4.6) — no network or disk access.
type Processor interface {
	// Apply mutates doc's fields. A missing target field is handled per
	// processor (some no-op, some are unconditional); a present field of the
	// wrong kind returns an error wrapping prismerr.ErrSchemaViolation.
	Apply(doc *model.Document) error

	// String names the processor the way it would appear in a pipeline
	// definition, e.g. "lowercase(title)".
	String() string
}

type lowercaseProc struct{ field string }

// Lowercase lowercases a text/string field. Missing fields are a silent
// no-op; a field present with a non-text kind is a schema violation.
func Lowercase(field string) Processor { return lowercaseProc{field: field} }

func (p lowercaseProc) Apply(doc *model.Document) error {
	v, ok := doc.Fields[p.field]
	if !ok {
		return nil
	}
	if v.Kind != model.KindText && v.Kind != model.KindString {
		return fmt.Errorf("pipeline: lowercase(%s): field is %s, not text: %w", p.field, v.Kind, prismerr.ErrSchemaViolation)
	}
	v.Text = strings.ToLower(v.Text)
	doc.Fields[p.field] = v
	return nil
}

func (p lowercaseProc) String() string { return fmt.Sprintf("lowercase(%s)", p.field) }

type htmlStripProc struct {
	field  string
	policy *bluemonday.Policy
}

// HTMLStrip strips HTML markup from a text/string field, leaving plain
// text. Missing fields are a silent no-op; a non-text field is a schema
// violation.
func HTMLStrip(field string) Processor {
	return htmlStripProc{field: field, policy: bluemonday.StrictPolicy()}
}

func (p htmlStripProc) Apply(doc *model.Document) error {
	v, ok := doc.Fields[p.field]
	if !ok {
		return nil
	}
	if v.Kind != model.KindText && v.Kind != model.KindString {
		return fmt.Errorf("pipeline: html_strip(%s): field is %s, not text: %w", p.field, v.Kind, prismerr.ErrSchemaViolation)
	}
	v.Text = strings.TrimSpace(p.policy.Sanitize(v.Text))
	doc.Fields[p.field] = v
	return nil
}

func (p htmlStripProc) String() string { return fmt.Sprintf("html_strip(%s)", p.field) }

type setProc struct {
	field string
	value model.Value
}

// Set unconditionally assigns field to value, creating it if absent.
func Set(field string, value model.Value) Processor {
	return setProc{field: field, value: value}
}

func (p setProc) Apply(doc *model.Document) error {
	doc.Fields[p.field] = p.value
	return nil
}

func (p setProc) String() string { return fmt.Sprintf("set(%s)", p.field) }

type removeProc struct{ field string }

// Remove deletes field from the document. Missing fields are a silent no-op.
func Remove(field string) Processor { return removeProc{field: field} }

func (p removeProc) Apply(doc *model.Document) error {
	delete(doc.Fields, p.field)
	return nil
}

func (p removeProc) String() string { return fmt.Sprintf("remove(%s)", p.field) }

type renameProc struct{ from, to string }

// Rename moves from's value to to. A missing from is a silent no-op,
// consistent with remove's treatment of a field that isn't there to act on.
func Rename(from, to string) Processor { return renameProc{from: from, to: to} }

func (p renameProc) Apply(doc *model.Document) error {
	v, ok := doc.Fields[p.from]
	if !ok {
		return nil
	}
	delete(doc.Fields, p.from)
	doc.Fields[p.to] = v
	return nil
}

func (p renameProc) String() string { return fmt.Sprintf("rename(%s,%s)", p.from, p.to) }

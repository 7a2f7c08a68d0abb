package document

import (
	"errors"
	"fmt"
	"strings"
)

// Operation kinds as they appear on the wire.
const (
	OpCreateSection = "create_section"
	OpAppendItem    = "append_item"
	OpMarkDone      = "mark_done"
)

// ErrInvalidOperation is wrapped by every ValidationError.
var ErrInvalidOperation = errors.New("invalid edit operation")

// ValidationError rejects an operation batch before anything is applied.
type ValidationError struct {
	Index  int // position in the batch, -1 when the payload itself is malformed
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid edit operations: %s", e.Reason)
	}
	return fmt.Sprintf("invalid edit operation %d: %s", e.Index, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidOperation }

// EditOperation is one of CreateSection, AppendItem or MarkDone.
type EditOperation interface {
	Kind() string
	validate() error
	apply(c *Content) (applied bool, note string)
}

// CreateSection appends a new section. An existing section with the same
// title is left untouched.
type CreateSection struct {
	Title string
}

// AppendItem adds an item to the end of a section, creating the section at
// the end of the document when it does not exist.
type AppendItem struct {
	Section  string
	Text     string
	Checkbox bool
}

// MarkDone checks off an item. Missing targets are skipped.
type MarkDone struct {
	Section string
	Item    string
}

func (CreateSection) Kind() string { return OpCreateSection }
func (AppendItem) Kind() string    { return OpAppendItem }
func (MarkDone) Kind() string      { return OpMarkDone }

func (op CreateSection) validate() error {
	if strings.TrimSpace(op.Title) == "" {
		return errors.New("create_section requires a title")
	}
	return nil
}

func (op AppendItem) validate() error {
	if strings.TrimSpace(op.Section) == "" {
		return errors.New("append_item requires a section")
	}
	if strings.TrimSpace(op.Text) == "" {
		return errors.New("append_item requires text")
	}
	return nil
}

func (op MarkDone) validate() error {
	if strings.TrimSpace(op.Section) == "" {
		return errors.New("mark_done requires a section")
	}
	if strings.TrimSpace(op.Item) == "" {
		return errors.New("mark_done requires an item")
	}
	return nil
}

func (op CreateSection) apply(c *Content) (bool, string) {
	if c.sectionIndex(op.Title) >= 0 {
		return false, fmt.Sprintf("section %q already exists", op.Title)
	}
	c.Sections = append(c.Sections, Section{Title: strings.TrimSpace(op.Title)})
	return true, ""
}

func (op AppendItem) apply(c *Content) (bool, string) {
	i := c.sectionIndex(op.Section)
	if i < 0 {
		c.Sections = append(c.Sections, Section{Title: strings.TrimSpace(op.Section)})
		i = len(c.Sections) - 1
	}
	c.Sections[i].Items = append(c.Sections[i].Items, Item{
		Text:     strings.TrimSpace(op.Text),
		Checkbox: op.Checkbox,
	})
	return true, ""
}

func (op MarkDone) apply(c *Content) (bool, string) {
	i := c.sectionIndex(op.Section)
	if i < 0 {
		return false, fmt.Sprintf("mark_done: section %q not found", op.Section)
	}
	j := c.Sections[i].itemIndex(op.Item)
	if j < 0 {
		return false, fmt.Sprintf("mark_done: item %q not found in %q", op.Item, op.Section)
	}
	it := &c.Sections[i].Items[j]
	if it.Done {
		return false, ""
	}
	it.Done = true
	it.Checkbox = true
	return true, ""
}

// Outcome summarizes what a merge changed.
type Outcome struct {
	Applied int
	Skipped []string
}

// Changed reports whether any operation modified the content.
func (o Outcome) Changed() bool { return o.Applied > 0 }

// Validate checks every operation in the batch.
func Validate(ops []EditOperation) error {
	for i, op := range ops {
		if op == nil {
			return &ValidationError{Index: i, Reason: "nil operation"}
		}
		if err := op.validate(); err != nil {
			return &ValidationError{Index: i, Reason: err.Error()}
		}
	}
	return nil
}

// Apply validates the whole batch and, only if every operation is valid,
// applies them in order to a copy of c. The input is never modified.
func Apply(c Content, ops []EditOperation) (Content, Outcome, error) {
	if err := Validate(ops); err != nil {
		return c, Outcome{}, err
	}
	out := c.Clone()
	var res Outcome
	for _, op := range ops {
		applied, note := op.apply(&out)
		if applied {
			res.Applied++
		}
		if note != "" {
			res.Skipped = append(res.Skipped, note)
		}
	}
	return out, res, nil
}

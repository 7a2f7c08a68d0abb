package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Section titles used by the shorthand actions.
const (
	ActionItemsSection = "Action Items"
	BlockersSection    = "Blockers & Open Questions"
)

// Wire is the JSON shape of an edit operation.
type Wire struct {
	Op       string `json:"op"`
	Title    string `json:"title,omitempty"`
	Section  string `json:"section,omitempty"`
	Text     string `json:"text,omitempty"`
	Item     string `json:"item,omitempty"`
	Checkbox bool   `json:"checkbox,omitempty"`
}

const operationsSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["op"],
    "properties": {
      "op": {"type": "string", "enum": ["create_section", "append_item", "mark_done"]},
      "title": {"type": "string"},
      "section": {"type": "string"},
      "text": {"type": "string"},
      "item": {"type": "string"},
      "checkbox": {"type": "boolean"}
    },
    "oneOf": [
      {"properties": {"op": {"enum": ["create_section"]}}, "required": ["title"]},
      {"properties": {"op": {"enum": ["append_item"]}}, "required": ["section", "text"]},
      {"properties": {"op": {"enum": ["mark_done"]}}, "required": ["section", "item"]}
    ]
  }
}`

const legacyUpdatesSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["action"],
    "properties": {
      "action": {"type": "string", "minLength": 1},
      "path": {"type": "string"},
      "content": {"type": "string"}
    }
  }
}`

var (
	operationsLoader = gojsonschema.NewStringLoader(operationsSchema)
	legacyLoader     = gojsonschema.NewStringLoader(legacyUpdatesSchema)
)

// ParseOperations decodes an untrusted operation array. The payload is
// rejected as a whole if any element fails the schema.
func ParseOperations(raw []byte) ([]EditOperation, error) {
	if isEmptyPayload(raw) {
		return nil, nil
	}
	if err := validatePayload(operationsLoader, raw); err != nil {
		return nil, err
	}
	var wires []Wire
	if err := json.Unmarshal(raw, &wires); err != nil {
		return nil, &ValidationError{Index: -1, Reason: err.Error()}
	}
	ops := make([]EditOperation, 0, len(wires))
	for i, w := range wires {
		op, err := FromWire(w)
		if err != nil {
			return nil, &ValidationError{Index: i, Reason: err.Error()}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ParseLegacyUpdates maps the older action vocabulary (add_section,
// add_to_section, create_subsection, add_action_item, add_blocker) onto
// edit operations. Unknown actions append to the named section.
func ParseLegacyUpdates(raw []byte) ([]EditOperation, error) {
	if isEmptyPayload(raw) {
		return nil, nil
	}
	if err := validatePayload(legacyLoader, raw); err != nil {
		return nil, err
	}
	var updates []struct {
		Action  string `json:"action"`
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, &ValidationError{Index: -1, Reason: err.Error()}
	}

	var ops []EditOperation
	for _, u := range updates {
		lines := splitLines(u.Content)
		switch strings.ToLower(u.Action) {
		case "add_action_item":
			for _, l := range lines {
				ops = append(ops, AppendItem{Section: ActionItemsSection, Text: l, Checkbox: true})
			}
		case "add_blocker":
			for _, l := range lines {
				ops = append(ops, AppendItem{Section: BlockersSection, Text: l})
			}
		default:
			section := sectionFromPath(u.Path)
			if section == "" {
				continue
			}
			if len(lines) == 0 {
				ops = append(ops, CreateSection{Title: section})
			}
			for _, l := range lines {
				ops = append(ops, AppendItem{Section: section, Text: l})
			}
		}
	}
	return ops, nil
}

// FromWire converts a decoded wire operation.
func FromWire(w Wire) (EditOperation, error) {
	switch w.Op {
	case OpCreateSection:
		return CreateSection{Title: w.Title}, nil
	case OpAppendItem:
		return AppendItem{Section: w.Section, Text: w.Text, Checkbox: w.Checkbox}, nil
	case OpMarkDone:
		return MarkDone{Section: w.Section, Item: w.Item}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", w.Op)
	}
}

// ToWire is the inverse of FromWire.
func ToWire(op EditOperation) Wire {
	switch o := op.(type) {
	case CreateSection:
		return Wire{Op: OpCreateSection, Title: o.Title}
	case AppendItem:
		return Wire{Op: OpAppendItem, Section: o.Section, Text: o.Text, Checkbox: o.Checkbox}
	case MarkDone:
		return Wire{Op: OpMarkDone, Section: o.Section, Item: o.Item}
	}
	return Wire{}
}

// WireAll converts a batch for transmission.
func WireAll(ops []EditOperation) []Wire {
	out := make([]Wire, 0, len(ops))
	for _, op := range ops {
		out = append(out, ToWire(op))
	}
	return out
}

func validatePayload(schema gojsonschema.JSONLoader, raw []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Index: -1, Reason: fmt.Sprintf("schema validation failed: %v", err)}
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ValidationError{Index: -1, Reason: strings.Join(msgs, "; ")}
	}
	return nil
}

func isEmptyPayload(raw []byte) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// sectionFromPath flattens a legacy "Section/Subsection" path into one
// section title; the document has no nested sections.
func sectionFromPath(path string) string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " / ")
}

func splitLines(content string) []string {
	var out []string
	for _, l := range strings.Split(content, "\n") {
		l = strings.TrimSpace(l)
		for _, prefix := range []string{"- [ ] ", "- [x] ", "- ", "* "} {
			if strings.HasPrefix(l, prefix) {
				l = strings.TrimSpace(strings.TrimPrefix(l, prefix))
				break
			}
		}
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

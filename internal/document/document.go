package document

import (
	"strings"
	"time"
)

// DefaultTitle is used for documents created without an explicit title.
const DefaultTitle = "My Thinking Session"

// Item is a single line inside a section.
type Item struct {
	Text     string `json:"text"`
	Checkbox bool   `json:"checkbox,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// Section is a titled, ordered list of items.
type Section struct {
	Title string `json:"title"`
	Items []Item `json:"items"`
}

// Content is the structured body of a document.
type Content struct {
	Sections []Section `json:"sections"`
}

// Document is the persisted note a session writes into.
// Markdown is always Render(Content).
type Document struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Content   Content   `json:"content"`
	Markdown  string    `json:"markdown"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version is an immutable snapshot written on every successful merge.
type Version struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Content    Content   `json:"content"`
	Markdown   string    `json:"markdown"`
	CreatedAt  time.Time `json:"created_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (c Content) Clone() Content {
	out := Content{Sections: make([]Section, len(c.Sections))}
	for i, s := range c.Sections {
		items := make([]Item, len(s.Items))
		copy(items, s.Items)
		out.Sections[i] = Section{Title: s.Title, Items: items}
	}
	return out
}

// Section returns the section matching title case-insensitively.
func (c Content) Section(title string) (Section, bool) {
	i := c.sectionIndex(title)
	if i < 0 {
		return Section{}, false
	}
	return c.Sections[i], true
}

func (c Content) sectionIndex(title string) int {
	want := normalize(title)
	for i, s := range c.Sections {
		if normalize(s.Title) == want {
			return i
		}
	}
	return -1
}

func (s Section) itemIndex(text string) int {
	want := normalize(text)
	for i, it := range s.Items {
		if normalize(it.Text) == want {
			return i
		}
	}
	return -1
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Empty reports whether the content has no sections.
func (c Content) Empty() bool {
	return len(c.Sections) == 0
}

package document

import "strings"

// Render produces the markdown form of content. Identical content always
// renders to identical markdown.
func Render(c Content) string {
	var b strings.Builder
	for _, s := range c.Sections {
		b.WriteString("## ")
		b.WriteString(strings.TrimSpace(s.Title))
		b.WriteString("\n\n")
		if len(s.Items) == 0 {
			continue
		}
		for _, it := range s.Items {
			b.WriteString(renderItem(it))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderItem(it Item) string {
	text := strings.TrimSpace(it.Text)
	switch {
	case it.Done:
		return "- [x] " + text
	case it.Checkbox:
		return "- [ ] " + text
	default:
		return "- " + text
	}
}

// Export formats a document for download.
func Export(title, markdown string) string {
	return "# " + title + "\n\n*Exported from murmur*\n\n---\n\n" + markdown
}

// SafeFilename keeps letters, digits, spaces, dashes and underscores, then
// replaces spaces with underscores.
func SafeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "document"
	}
	return name
}

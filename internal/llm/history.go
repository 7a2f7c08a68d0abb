package llm

// History is a bounded conversation log. Not safe for concurrent use.
type History struct {
	max  int
	msgs []Message
}

// NewHistory keeps at most max messages.
func NewHistory(max int) *History {
	if max <= 0 {
		max = 20
	}
	return &History{max: max}
}

// Add appends a message, dropping the oldest beyond the limit.
func (h *History) Add(role, content string) {
	h.msgs = append(h.msgs, Message{Role: role, Content: content})
	if len(h.msgs) > h.max {
		h.msgs = append([]Message(nil), h.msgs[len(h.msgs)-h.max:]...)
	}
}

// Recent returns a copy of the last n messages.
func (h *History) Recent(n int) []Message {
	start := 0
	if n >= 0 && len(h.msgs) > n {
		start = len(h.msgs) - n
	}
	out := make([]Message, len(h.msgs)-start)
	copy(out, h.msgs[start:])
	return out
}

// Len returns the number of stored messages.
func (h *History) Len() int { return len(h.msgs) }

package tgui

import "strings"

// Builder assembles an HTML message line by line. Every text argument is
// escaped; only RawLine takes pre-rendered HTML.
type Builder struct {
	lines []string
}

func New() *Builder { return &Builder{} }

// Title adds a bold title line. Emoji is optional.
func (b *Builder) Title(emoji, title string) *Builder {
	e := strings.TrimSpace(emoji)
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e != "" {
		b.lines = append(b.lines, Esc(e).String()+" "+B(t).String())
	} else {
		b.lines = append(b.lines, B(t).String())
	}
	return b
}

// Section adds a bold section header preceded by a blank line.
func (b *Builder) Section(title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	b.lines = append(b.lines, "", B(t).String())
	return b
}

// Line adds a single escaped line. A blank s adds an empty line.
func (b *Builder) Line(s string) *Builder {
	if strings.TrimSpace(s) == "" {
		b.lines = append(b.lines, "")
		return b
	}
	b.lines = append(b.lines, Esc(s).String())
	return b
}

// Lines adds each line of a multi-line text.
func (b *Builder) Lines(text string) *Builder {
	for _, ln := range strings.Split(text, "\n") {
		b.Line(ln)
	}
	return b
}

// RawLine appends a line without escaping.
func (b *Builder) RawLine(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

// KV adds a "• key: value" row with a bold key. Empty keys are skipped.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return b
	}
	if value == "" {
		b.lines = append(b.lines, "• "+B(key).String())
		return b
	}
	b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(value).String())
	return b
}

// String joins the lines and trims surrounding blank lines. Callers cap
// long text with TruncRunes before adding it, never after rendering.
func (b *Builder) String() string {
	return strings.Trim(strings.Join(b.lines, "\n"), "\n")
}

package telegram

import (
	"strings"
	"testing"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		in     string
		limit  int
		mode   string
		chunks int
	}{
		{"short", "hello", 10, "", 1},
		{"exact", strings.Repeat("a", 10), 10, "", 1},
		{"hard cut", strings.Repeat("a", 25), 10, "", 3},
		{"newline preferred", "aaaaaaa\nbbbbbbb\nccc", 10, "", 3},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tc.in, tc.limit, tc.mode)
			if len(got) != tc.chunks {
				t.Fatalf("chunks=%d want %d: %q", len(got), tc.chunks, got)
			}
			for _, c := range got {
				if len([]rune(c)) > tc.limit {
					t.Fatalf("chunk over limit: %q", c)
				}
			}
		})
	}
}

func TestSplitTextKeepsHTMLTagsWhole(t *testing.T) {
	t.Parallel()

	in := "xxxxxxx<b>bold</b>"
	got := splitText(in, 9, "HTML")
	if !strings.HasPrefix(got[1], "<b>") {
		t.Fatalf("tag was split: %q", got)
	}
	if strings.Join(got, "") != in {
		t.Fatalf("content lost: %q", got)
	}
}

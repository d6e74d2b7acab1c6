package tgui

import "testing"

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 5, "abc"},
		{"abc", 3, "abc"},
		{"abcd", 3, "abc…"},
		{"žluťoučký", 4, "žluť…"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("TruncRunes(%q,%d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestBuilderEscapes(t *testing.T) {
	t.Parallel()
	got := New().
		Title("💊", "Status <ok>").
		KV("a&b", "1 < 2").
		KV("", "skipped").
		Section("Next").
		Line("x > y").
		RawLine(I("note")).
		String()
	want := "💊 <b>Status &lt;ok&gt;</b>\n• <b>a&amp;b</b>: 1 &lt; 2\n\n<b>Next</b>\nx &gt; y\n<i>note</i>"
	if got != want {
		t.Fatalf("got\n%q\nwant\n%q", got, want)
	}
}

package sanitizer

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// Property: markup wrapped around a plain name is removed and the name
// survives unchanged.
func TestProperty_MarkupIsStripped(t *testing.T) {
	s := New()

	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[A-Za-z][A-Za-z' -]{0,20}[A-Za-z]`).Draw(t, "name")
		wrapper := rapid.SampledFrom([]string{
			"<b>%s</b>",
			"<script>alert(1)</script>%s",
			"<a href=\"javascript:alert(1)\">%s</a>",
			"<img src=x onerror=alert(1)>%s",
			"%s<noscript><p>hidden</p></noscript>",
		}).Draw(t, "wrapper")

		input := strings.Replace(wrapper, "%s", name, 1)
		got := s.Text(input, 0)

		want := strings.Join(strings.Fields(name), " ")
		if got != want {
			t.Fatalf("Text(%q) = %q, want %q", input, got, want)
		}
		if strings.ContainsAny(got, "<>") {
			t.Fatalf("markup left in %q", got)
		}
	})
}

func TestText_Entities(t *testing.T) {
	s := New()
	if got := s.Text("O'Brien &amp; Sons", 0); got != "O'Brien & Sons" {
		t.Errorf("expected entities decoded, got %q", got)
	}
}

func TestText_ControlCharactersAndWhitespace(t *testing.T) {
	s := New()
	if got := s.Text("  Ada\t\n\x00Lovelace  ", 0); got != "Ada Lovelace" {
		t.Errorf("expected collapsed whitespace, got %q", got)
	}
}

func TestText_Truncates(t *testing.T) {
	s := New()
	got := s.Text(strings.Repeat("é", 80), 64)
	if n := len([]rune(got)); n != 64 {
		t.Errorf("expected 64 runes, got %d", n)
	}
	if s.Text("", 10) != "" {
		t.Error("expected empty output for empty input")
	}
}

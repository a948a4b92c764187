package catalog

import (
	"strings"
	"testing"
	"time"
)

func Test_StripHTML_RemovesTagsAndEntities(t *testing.T) {
	t.Parallel()

	in := `<div><p>Login fails &amp; shows a   blank page</p><br/></div>`
	got := StripHTML(in)
	want := "Login fails & shows a blank page"
	if got != want {
		t.Errorf("StripHTML: want %q, got %q", want, got)
	}
}

func Test_StripHTML_EmptyInput(t *testing.T) {
	t.Parallel()

	if got := StripHTML(""); got != "" {
		t.Errorf("StripHTML(\"\") = %q, want empty", got)
	}
}

func Test_Content_IncludesOptionalFieldsOnlyWhenSet(t *testing.T) {
	t.Parallel()

	item := WorkItem{
		ID:    "42",
		Type:  TypeBug,
		Title: "Crash on save",
		State: "Active",
	}
	content := item.Content()
	if !strings.Contains(content, "Title: Crash on save") {
		t.Errorf("content missing title: %q", content)
	}
	if strings.Contains(content, "Severity:") {
		t.Errorf("content should omit unset severity: %q", content)
	}

	item.Severity = "2 - High"
	item.Tags = []string{"regression", "editor"}
	content = item.Content()
	if !strings.Contains(content, "Severity: 2 - High") {
		t.Errorf("content missing severity: %q", content)
	}
	if !strings.Contains(content, "Tags: regression; editor") {
		t.Errorf("content missing tags: %q", content)
	}
}

func Test_Checksum_StableAcrossMetadataOnlyCopies(t *testing.T) {
	t.Parallel()

	a := WorkItem{ID: "7", Type: TypeBug, Title: "t", State: "New", Changed: time.Now()}
	b := a
	b.Changed = a.Changed.Add(time.Hour)
	b.URL = "https://elsewhere"

	if a.Checksum() != b.Checksum() {
		t.Error("checksum must ignore non-content fields")
	}

	b.Title = "different"
	if a.Checksum() == b.Checksum() {
		t.Error("checksum must change when content changes")
	}
}

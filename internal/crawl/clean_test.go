package crawl

import (
	"strings"
	"testing"
)

func TestCleanMarkdownStripsImages(t *testing.T) {
	in := "Intro\n\n![diagram](https://cdn.example.com/a.png)\n\nBody text\n<img src=\"x.jpg\" alt=\"x\">\nmore"
	got := CleanMarkdown(in)
	if strings.Contains(got, "![") || strings.Contains(got, "<img") {
		t.Fatalf("images not stripped: %q", got)
	}
	if !strings.Contains(got, "Body text") {
		t.Fatalf("body text lost: %q", got)
	}
}

func TestCleanMarkdownEmptyLinks(t *testing.T) {
	got := CleanMarkdown("see [](https://example.com/tracker) here")
	if strings.Contains(got, "](") {
		t.Fatalf("empty link survived: %q", got)
	}
	if got != "see  here" {
		t.Fatalf("got %q", got)
	}
}

func TestCleanMarkdownCollapsesBlankRuns(t *testing.T) {
	got := CleanMarkdown("a\n\n\n\n\nb")
	if got != "a\n\nb" {
		t.Fatalf("got %q", got)
	}
}

func TestCleanMarkdownTrimsLineTrailsAndEdges(t *testing.T) {
	got := CleanMarkdown("\n\n  \nhello   \nworld\t\n\n")
	if got != "hello\nworld" {
		t.Fatalf("got %q", got)
	}
}

func TestCleanMarkdownIdempotent(t *testing.T) {
	in := "# T\n\n![i](u)\n\n\n\ntext   \n[](x)\n"
	once := CleanMarkdown(in)
	twice := CleanMarkdown(once)
	if once != twice {
		t.Fatalf("not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}

package ingest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSourcesJSONAndOPML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "feeds.json", `{
		"sources": [
			{"name": "Alpha", "url": "https://a.test/rss", "description": "a"},
			{"name": "Beta", "url": "https://b.test/rss"}
		]
	}`)
	writeFile(t, dir, "more.opml", `<?xml version="1.0"?>
<opml version="2.0">
  <body>
    <outline text="Group">
      <outline type="rss" text="Gamma" title="deep" xmlUrl="https://c.test/rss"/>
      <outline type="rss" text="Beta again" xmlUrl="https://b.test/rss"/>
    </outline>
    <outline text="not a feed"/>
  </body>
</opml>`)
	writeFile(t, dir, "notes.txt", "ignored")

	got, err := LoadSources(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d sources: %+v", len(got), got)
	}
	if got[0].Name != "Alpha" || got[1].Name != "Beta" || got[2].Name != "Gamma" {
		t.Fatalf("order/dedup wrong: %+v", got)
	}
	if got[2].URL != "https://c.test/rss" || got[2].Description != "deep" {
		t.Fatalf("opml fields: %+v", got[2])
	}
}

func TestLoadSourcesFromDataDir(t *testing.T) {
	// The source lists share the data directory with the catalog database
	// and other runtime files; only list files must be read.
	dir := t.TempDir()
	writeFile(t, dir, "rss_sources.json", `{
		"sources": [{"name": "Alpha", "url": "https://a.test/rss"}]
	}`)
	writeFile(t, dir, "catalog.db", "\x00not a source list")
	if err := os.Mkdir(filepath.Join(dir, "cache"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSources(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].URL != "https://a.test/rss" {
		t.Fatalf("got %+v, want the single json source", got)
	}
}

func TestLoadSourcesBadJSONFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.json", "{nope")
	if _, err := LoadSources(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadSourcesMissingDirFails(t *testing.T) {
	if _, err := LoadSources(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error")
	}
}

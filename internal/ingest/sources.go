// Package ingest drives feed ingestion: source-list discovery, the
// per-source sync algorithm, and the orchestrator fanning out ingestion and
// classification.
package ingest

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source is one feed to ingest.
type Source struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type sourceFile struct {
	Sources []Source `json:"sources"`
}

type opmlOutline struct {
	Type     string        `xml:"type,attr"`
	Text     string        `xml:"text,attr"`
	Title    string        `xml:"title,attr"`
	XMLURL   string        `xml:"xmlUrl,attr"`
	Outlines []opmlOutline `xml:"outline"`
}

type opmlDoc struct {
	Body struct {
		Outlines []opmlOutline `xml:"outline"`
	} `xml:"body"`
}

// LoadSources discovers source lists under dir: JSON files carrying
// {"sources": [...]} and OPML files whose rss outlines become sources.
// Duplicate URLs are collapsed, first occurrence wins; files are visited in
// name order so discovery is deterministic.
func LoadSources(dir string) ([]Source, error) {
	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ingest: read source dir %s: %w", dir, err)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].Name() < names[j].Name() })

	var all []Source
	for _, de := range names {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(dir, de.Name())
		var (
			batch []Source
			perr  error
		)
		switch strings.ToLower(filepath.Ext(de.Name())) {
		case ".json":
			batch, perr = parseJSONSources(path)
		case ".opml", ".xml":
			batch, perr = parseOPMLSources(path)
		default:
			continue
		}
		if perr != nil {
			return nil, perr
		}
		all = append(all, batch...)
	}

	seen := make(map[string]bool, len(all))
	var out []Source
	for _, s := range all {
		if s.URL == "" || seen[s.URL] {
			continue
		}
		seen[s.URL] = true
		out = append(out, s)
	}
	return out, nil
}

func parseJSONSources(path string) ([]Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", path, err)
	}
	var f sourceFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("ingest: parse %s: %w", path, err)
	}
	return f.Sources, nil
}

func parseOPMLSources(path string) ([]Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", path, err)
	}
	var doc opmlDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("ingest: parse %s: %w", path, err)
	}
	var out []Source
	for _, o := range doc.Body.Outlines {
		collectOutlines(o, &out)
	}
	return out, nil
}

func collectOutlines(o opmlOutline, out *[]Source) {
	if strings.EqualFold(o.Type, "rss") && o.XMLURL != "" {
		*out = append(*out, Source{Name: o.Text, URL: o.XMLURL, Description: o.Title})
	}
	for _, child := range o.Outlines {
		collectOutlines(child, out)
	}
}

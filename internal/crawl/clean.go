package crawl

import (
	"regexp"
	"strings"
)

var (
	mdImageRe   = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	htmlImageRe = regexp.MustCompile(`(?is)<img[^>]*>`)
	emptyLinkRe = regexp.MustCompile(`\[\s*\]\([^)]*\)`)
	blankRunsRe = regexp.MustCompile(`\n{3,}`)
)

// CleanMarkdown strips image noise from converted markdown and normalizes
// whitespace. Images are removed entirely because the classification stage
// only reads text. The function is idempotent.
func CleanMarkdown(md string) string {
	md = mdImageRe.ReplaceAllString(md, "")
	md = htmlImageRe.ReplaceAllString(md, "")
	md = emptyLinkRe.ReplaceAllString(md, "")

	lines := strings.Split(md, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(ln, " \t")
	}
	md = strings.Join(lines, "\n")

	md = blankRunsRe.ReplaceAllString(md, "\n\n")
	return strings.TrimSpace(md)
}

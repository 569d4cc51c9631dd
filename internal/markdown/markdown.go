// Package markdown renders a fetched post into a portable markdown document
// with a frontmatter header, and derives repository-safe folder and file
// names from titles and slugs.
package markdown

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Post is the source material for one document. Body is already markdown;
// it is carried into the output verbatim.
type Post struct {
	Title       string
	Body        string
	Tags        []string
	PublishedAt string // RFC3339 from the upstream API, may be empty
	Thumbnail   string
	Slug        string
}

// Convert renders the post as a markdown document: a frontmatter block with
// the post's metadata, a blank line, then the body untouched.
//
// An unparseable PublishedAt is not an error; the date line is just omitted.
func Convert(p Post) string {
	lines := []string{"---"}
	lines = append(lines, "title: "+quote(p.Title))

	if t, ok := parseReleasedAt(p.PublishedAt); ok {
		lines = append(lines, "date: "+t.Format("2006-01-02 15:04:05"))
	}

	if len(p.Tags) > 0 {
		quoted := make([]string, len(p.Tags))
		for i, tag := range p.Tags {
			quoted[i] = quote(tag)
		}
		lines = append(lines, "tags: ["+strings.Join(quoted, ", ")+"]")
	}

	if p.Thumbnail != "" {
		lines = append(lines, "thumbnail: "+p.Thumbnail)
	}

	if p.Slug != "" {
		lines = append(lines, "slug: "+p.Slug)
	}

	lines = append(lines, "source: Velog", "---", "")

	return strings.Join(lines, "\n") + "\n" + p.Body
}

// quote wraps s in double quotes, escaping only embedded quotes. Backslashes,
// tabs, and other characters pass through untouched so the header stays
// byte-faithful to the source title.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// Characters that are illegal in file and folder names on the platforms the
// backup may be checked out on.
const illegalChars = `<>:"/\|?*`

var spaceRun = regexp.MustCompile(`\s+`)

// FolderName derives a repository-safe folder name from a post title:
// illegal characters removed, whitespace collapsed, trimmed of surrounding
// space and periods, capped at 100 characters. An empty result falls back to
// "untitled".
func FolderName(title string) string {
	name := strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegalChars, r) {
			return -1
		}
		return r
	}, title)

	name = strings.TrimSpace(name)
	name = strings.Trim(name, ".")
	name = spaceRun.ReplaceAllString(name, " ")

	if len(name) > 100 {
		name = strings.TrimRight(name[:100], " \t")
	}

	if name == "" {
		return "untitled"
	}
	return name
}

var hyphenRun = regexp.MustCompile(`-+`)

// FileName derives the per-post markdown file name from the slug, prefixed
// with YYYYMMDD_ when the publish timestamp parses.
func FileName(slug, publishedAt string) string {
	safe := strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegalChars, r) {
			return '_'
		}
		return r
	}, slug)

	safe = strings.ReplaceAll(safe, " ", "-")
	safe = hyphenRun.ReplaceAllString(safe, "-")

	if len(safe) > 200 {
		safe = safe[:200]
	}
	safe = strings.Trim(safe, "-_")

	if t, ok := parseReleasedAt(publishedAt); ok {
		return t.Format("20060102") + "_" + safe + ".md"
	}
	return safe + ".md"
}

func parseReleasedAt(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	// The upstream API emits RFC3339, sometimes without a zone.
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FolderNamer hands out collision-free folder names within a single run.
// The second post with an already-seen title gets " (2)", the third " (3)",
// and so on, in first-seen order. State never survives a run.
type FolderNamer struct {
	seen map[string]int
}

func NewFolderNamer() *FolderNamer {
	return &FolderNamer{seen: make(map[string]int)}
}

// Name returns the folder for a title, disambiguating repeats.
func (n *FolderNamer) Name(title string) string {
	base := FolderName(title)
	n.seen[base]++
	if count := n.seen[base]; count > 1 {
		return fmt.Sprintf("%s (%d)", base, count)
	}
	return base
}

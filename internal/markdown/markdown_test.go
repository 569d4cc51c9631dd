package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvert(t *testing.T) {
	doc := Convert(Post{
		Title:       `Say "hello"`,
		Body:        "# Heading\n\nbody text",
		Tags:        []string{"go", "backup"},
		PublishedAt: "2024-03-01T09:30:00Z",
		Thumbnail:   "https://images.example.com/t.png",
		Slug:        "say-hello",
	})

	want := strings.Join([]string{
		"---",
		`title: "Say \"hello\""`,
		"date: 2024-03-01 09:30:00",
		`tags: ["go", "backup"]`,
		"thumbnail: https://images.example.com/t.png",
		"slug: say-hello",
		"source: Velog",
		"---",
		"",
		"# Heading",
		"",
		"body text",
	}, "\n")
	assert.Equal(t, want, doc)
}

func TestConvert_OmitsOptionalLines(t *testing.T) {
	doc := Convert(Post{
		Title: "Minimal",
		Body:  "body",
	})

	assert.NotContains(t, doc, "date:")
	assert.NotContains(t, doc, "tags:")
	assert.NotContains(t, doc, "thumbnail:")
	assert.NotContains(t, doc, "slug:")
	assert.Contains(t, doc, "source: Velog")

	// Header and body are separated by exactly one blank line.
	assert.True(t, strings.HasSuffix(doc, "---\n\nbody"), doc)
}

func TestConvert_EscapesOnlyQuotes(t *testing.T) {
	doc := Convert(Post{
		Title: "Back\\slash\tand \"quotes\"",
		Body:  "body",
	})

	// Backslashes and tabs pass through untouched; only quotes are escaped.
	assert.Contains(t, doc, "title: \"Back\\slash\tand \\\"quotes\\\"\"")
}

func TestConvert_BadDateIsSilentlyDropped(t *testing.T) {
	doc := Convert(Post{
		Title:       "Post",
		Body:        "body",
		PublishedAt: "not a timestamp",
	})

	assert.NotContains(t, doc, "date:")
}

func TestFolderName(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"plain", "Intro to Go", "Intro to Go"},
		{"illegal chars stripped", `a<b>c:d"e/f\g|h?i*j`, "abcdefghij"},
		{"surrounding space and periods", "  ..Title..  ", "Title"},
		{"whitespace collapsed", "a   b\t\tc", "a b c"},
		{"empty falls back", `///`, "untitled"},
		{"truncated at 100", strings.Repeat("x", 99) + " yyy", strings.Repeat("x", 99)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FolderName(tt.title))
		})
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name        string
		slug        string
		publishedAt string
		want        string
	}{
		{"illegal chars and spaces", "My/Post: Test", "", "My_Post_-Test.md"},
		{"date prefix", "hello-world", "2024-01-15T00:00:00Z", "20240115_hello-world.md"},
		{"bad date omits prefix", "hello-world", "nope", "hello-world.md"},
		{"collapses hyphens", "a - - b", "", "a-b.md"},
		{"trims separators", "--slug__", "", "slug.md"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.slug, tt.publishedAt))
		})
	}
}

func TestFolderNamer_Collisions(t *testing.T) {
	n := NewFolderNamer()

	require.Equal(t, "Intro", n.Name("Intro"))
	require.Equal(t, "Intro (2)", n.Name("Intro"))
	require.Equal(t, "Intro (3)", n.Name("Intro"))
	require.Equal(t, "Other", n.Name("Other"))

	// A fresh namer starts over: no cross-run collision memory.
	assert.Equal(t, "Intro", NewFolderNamer().Name("Intro"))
}

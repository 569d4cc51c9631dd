// Package assets finds embedded images in a rendered document, downloads
// them, and rewrites their references to point at local paths.
package assets

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// Ref is one image reference found in a document body.
type Ref struct {
	// Match is the full original reference text, used for rewriting.
	Match string
	// Alt is the alt text for markdown-form references, empty for img tags.
	Alt string
	// URL is the remote source of the image.
	URL string
}

var (
	markdownImage = regexp.MustCompile(`(?i)!\[([^\]]*)\]\((https?://[^\s\)]+\.(?:png|jpg|jpeg|gif|webp|svg|bmp|ico)(?:\?[^\s\)]*)?)\)`)
	htmlImage     = regexp.MustCompile(`(?i)<img\s+[^>]*src=["']([^"']+)["'][^>]*/?>`)
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".bmp", ".ico"}

func hasImageExtension(u string) bool {
	lower := strings.ToLower(u)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Extract scans the body once and returns every image reference in order of
// first occurrence: markdown-form images first, then raw img tags whose src
// ends in a known image extension.
func Extract(body string) []Ref {
	var refs []Ref

	type span struct {
		start int
		ref   Ref
	}
	var spans []span

	for _, m := range markdownImage.FindAllStringSubmatchIndex(body, -1) {
		spans = append(spans, span{
			start: m[0],
			ref: Ref{
				Match: body[m[0]:m[1]],
				Alt:   body[m[2]:m[3]],
				URL:   body[m[4]:m[5]],
			},
		})
	}

	for _, m := range htmlImage.FindAllStringSubmatchIndex(body, -1) {
		u := body[m[2]:m[3]]
		if !hasImageExtension(u) {
			continue
		}
		spans = append(spans, span{
			start: m[0],
			ref: Ref{
				Match: body[m[0]:m[1]],
				URL:   u,
			},
		})
	}

	// Two passes over the body; merge back into document order.
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].start < spans[j-1].start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}

	for _, s := range spans {
		refs = append(refs, s.ref)
	}

	return refs
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// FilenameFor derives a local file name for the image at url. index is the
// 1-based position of the image within its document and keeps names unique
// even when two images share a basename.
func FilenameFor(imageURL string, index int) string {
	name := ""
	if parsed, err := url.Parse(imageURL); err == nil {
		unescaped := parsed.Path
		if p, err := url.PathUnescape(parsed.Path); err == nil {
			unescaped = p
		}
		name = path.Base(unescaped)
	}

	ext := path.Ext(name)
	if ext == "" {
		ext = ".png"
	}

	safe := unsafeFilenameChars.ReplaceAllString(name, "_")
	if path.Ext(safe) == "" {
		safe += ext
	}
	if len(safe) > 50 {
		sum := md5.Sum([]byte(imageURL))
		safe = fmt.Sprintf("%x", sum)[:8] + ext
	}

	return fmt.Sprintf("%d_%s", index, safe)
}

// Fetcher downloads image bytes with a bounded timeout, following redirects.
type Fetcher struct {
	client *http.Client
}

// NewFetcher builds a Fetcher. A zero timeout defaults to 30 seconds.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
	}
}

// Download fetches the image at url. A failed download is expected to be
// non-fatal to the caller: the post keeps its remote reference instead.
func (f *Fetcher) Download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error building image request: %s", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching image: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code fetching image: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading image body: %s", err)
	}

	return data, nil
}

// Rewrite replaces the first occurrence of a resolved reference with one
// pointing at ./images/{filename}. Markdown references are rebuilt whole;
// img tags only have the URL substring swapped.
func Rewrite(body string, ref Ref, filename string) string {
	relative := "./images/" + filename

	if strings.HasPrefix(ref.Match, "![") {
		return strings.Replace(body, ref.Match, fmt.Sprintf("![%s](%s)", ref.Alt, relative), 1)
	}

	rewritten := strings.Replace(ref.Match, ref.URL, relative, 1)
	return strings.Replace(body, ref.Match, rewritten, 1)
}

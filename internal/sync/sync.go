// Package sync orchestrates one backup run: list posts, fetch and fingerprint
// each one under bounded concurrency, render changed posts, hand the set to a
// destination publisher, and finalize the run record.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"velosync/internal/assets"
	"velosync/internal/markdown"
	"velosync/internal/velog"
	"velosync/internal/velosync"
)

// defaultConcurrency bounds the per-post worker pool.
const defaultConcurrency = 10

// maxErrorDetails caps the error_details column on a run.
const maxErrorDetails = 2000

// fetchAttempts is the total number of tries for one post fetch.
const fetchAttempts = 3

type (
	// Source is the upstream post API the run reads from.
	Source interface {
		ListPosts(ctx context.Context, username string) ([]velog.Post, error)
		GetPost(ctx context.Context, username, slug string) (*velog.Post, error)
	}

	// Downloader fetches image bytes for asset extraction.
	Downloader interface {
		Download(ctx context.Context, imageURL string) ([]byte, error)
	}

	// Store is the persistence the run needs: the change-detection cache and
	// the run log.
	Store interface {
		velosync.CacheRepo
		velosync.RunRepo
	}
)

// ShouldSkip decides whether a post can be skipped without re-uploading: the
// post is known from a previous run and its body fingerprint is unchanged.
// A forced run never skips.
func ShouldSkip(entry *velosync.CacheEntry, hash string, force bool) bool {
	return !force && entry != nil && entry.ContentHash == hash
}

// Syncer runs backups. Safe for concurrent use; all per-run state is local to
// [Syncer.Run].
type Syncer struct {
	source      Source
	store       Store
	fetcher     Downloader
	concurrency int
}

func New(source Source, store Store, fetcher Downloader) *Syncer {
	return &Syncer{
		source:      source,
		store:       store,
		fetcher:     fetcher,
		concurrency: defaultConcurrency,
	}
}

// post outcome classifications.
const (
	outcomeNew = iota
	outcomeUpdated
	outcomeSkipped
	outcomeFailed
)

type outcome struct {
	class int
	doc   velosync.Document
	// entry is the cache write owed once the publish lands, nil for skipped
	// and failed posts.
	entry *velosync.CacheEntry
	err   error
}

// Run executes one backup of usr's posts to the given destination. The run
// record is always finalized before returning: infrastructure failures
// (listing, publishing) fail the run, per-post failures only degrade it to
// partial. The returned error covers failures of the run machinery itself,
// not of the backup; read the run's Status for that.
func (s *Syncer) Run(ctx context.Context, usr velosync.User, dest velosync.Destination, force bool, publisher velosync.Publisher) (velosync.BackupRun, error) {
	run, err := s.store.StartRun(ctx, usr.ID)
	if err != nil {
		return velosync.BackupRun{}, fmt.Errorf("error starting run: %s", err)
	}

	slog.InfoContext(ctx, "backup run started",
		"run_id", run.ID,
		"user_id", usr.ID,
		"destination", dest,
		"force", force,
	)

	posts, err := s.source.ListPosts(ctx, usr.VelogUsername)
	if err != nil {
		return s.finish(ctx, run.ID, velosync.FinishRunArgs{
			Status:       velosync.RunStatusFailed,
			Message:      "listing posts failed",
			ErrorDetails: truncate(err.Error(), maxErrorDetails),
		})
	}

	results := make([]outcome, len(posts))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for i, p := range posts {
		eg.Go(func() error {
			results[i] = s.processPost(egCtx, usr, dest, force, p)
			return nil
		})
	}
	// Workers never return errors; failures are isolated into their slot.
	_ = eg.Wait()

	counters := velosync.RunCounters{Total: len(posts)}
	var (
		docs    []velosync.Document
		details []string
	)
	for _, res := range results {
		switch res.class {
		case outcomeNew:
			counters.New++
		case outcomeUpdated:
			counters.Updated++
		case outcomeSkipped:
			counters.Skipped++
		case outcomeFailed:
			counters.Failed++
			details = append(details, fmt.Sprintf("%s: %s", res.doc.Slug, res.err))
			continue
		}
		docs = append(docs, res.doc)
	}

	message := fmt.Sprintf("%d new, %d updated, %d skipped, %d failed",
		counters.New, counters.Updated, counters.Skipped, counters.Failed)

	if counters.New+counters.Updated > 0 {
		result, err := publisher.Publish(ctx, velosync.PublishSet{
			Username:  usr.VelogUsername,
			Documents: docs,
		})
		if err != nil {
			return s.finish(ctx, run.ID, velosync.FinishRunArgs{
				Status:       velosync.RunStatusFailed,
				Counters:     counters,
				Message:      "publishing failed",
				ErrorDetails: truncate(err.Error(), maxErrorDetails),
			})
		}
		message = fmt.Sprintf("%s; %d files uploaded", message, result.Uploaded)
	}

	// Cache writes are owed only after the upload landed; a post cached
	// before a failed publish would be skipped forever without having been
	// backed up.
	for _, res := range results {
		if res.entry == nil {
			continue
		}
		if err := s.store.UpsertEntry(ctx, *res.entry); err != nil {
			// The content is already published; the next run redoes the
			// upload and the cache write, so this is not worth failing over.
			slog.WarnContext(ctx, "error caching synced post", "slug", res.entry.Slug, "error", err)
		}
	}

	status := velosync.RunStatusSuccess
	if counters.Failed > 0 {
		status = velosync.RunStatusPartial
	}

	return s.finish(ctx, run.ID, velosync.FinishRunArgs{
		Status:       status,
		Counters:     counters,
		Message:      message,
		ErrorDetails: truncate(strings.Join(details, "\n"), maxErrorDetails),
	})
}

// processPost handles one post end to end: fetch, fingerprint, skip or
// render, and asset extraction for destinations that store images. Never
// panics the group; every failure becomes an outcomeFailed slot.
func (s *Syncer) processPost(ctx context.Context, usr velosync.User, dest velosync.Destination, force bool, p velog.Post) outcome {
	var entry *velosync.CacheEntry
	cached, err := s.store.Entry(ctx, usr.ID, p.Slug)
	switch {
	case err == nil:
		entry = &cached
	case errors.Is(err, velosync.ErrNotFound):
		// First sight of this slug.
	default:
		return outcome{class: outcomeFailed, doc: velosync.Document{Slug: p.Slug}, err: err}
	}

	full, err := s.fetchPost(ctx, usr.VelogUsername, p.Slug)
	if err != nil {
		return outcome{class: outcomeFailed, doc: velosync.Document{Slug: p.Slug}, err: err}
	}
	if full == nil {
		// Gone or turned private between listing and reading. Not a failure,
		// and nothing to upload.
		return outcome{class: outcomeSkipped, doc: documentFromCache(p, entry)}
	}

	hash := velog.Fingerprint(full.Body)
	if ShouldSkip(entry, hash, force) {
		return outcome{class: outcomeSkipped, doc: documentFromCache(*full, entry)}
	}

	content := markdown.Convert(markdown.Post{
		Title:       full.Title,
		Body:        full.Body,
		Tags:        full.Tags,
		PublishedAt: full.ReleasedAt,
		Thumbnail:   full.Thumbnail,
		Slug:        full.Slug,
	})

	doc := velosync.Document{
		Slug:        full.Slug,
		Title:       full.Title,
		FileName:    markdown.FileName(full.Slug, full.ReleasedAt),
		Changed:     true,
		PublishedAt: parseTime(full.ReleasedAt),
	}

	// Drive backups keep remote image URLs; only the repository destination
	// stores assets alongside the document.
	if dest == velosync.DestinationGithub {
		content, doc.Assets = s.localizeAssets(ctx, content)
	}
	doc.Content = content

	class := outcomeNew
	if entry != nil {
		class = outcomeUpdated
	}

	tags, _ := json.Marshal(full.Tags)
	now := time.Now().UTC()

	return outcome{
		class: class,
		doc:   doc,
		entry: &velosync.CacheEntry{
			UserID:       usr.ID,
			Slug:         full.Slug,
			Title:        full.Title,
			ContentHash:  hash,
			Thumbnail:    full.Thumbnail,
			Tags:         string(tags),
			Content:      content,
			PublishedAt:  doc.PublishedAt,
			LastBackedUp: &now,
		},
	}
}

// fetchPost reads the full post with a few retries; listings and reads hit
// the same upstream and transient failures there are common.
func (s *Syncer) fetchPost(ctx context.Context, username, slug string) (*velog.Post, error) {
	var full *velog.Post

	backoff := retry.WithMaxRetries(fetchAttempts-1, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := s.source.GetPost(ctx, username, slug)
		if err != nil {
			return retry.RetryableError(err)
		}
		full = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching post: %s", err)
	}

	return full, nil
}

// localizeAssets downloads every image referenced by the document and
// rewrites the references to local paths. A failed download leaves the
// remote URL in place and is not an error.
func (s *Syncer) localizeAssets(ctx context.Context, content string) (string, []velosync.Asset) {
	var stored []velosync.Asset

	for i, ref := range assets.Extract(content) {
		data, err := s.fetcher.Download(ctx, ref.URL)
		if err != nil {
			slog.WarnContext(ctx, "error downloading asset, keeping remote url", "url", ref.URL, "error", err)
			continue
		}

		name := assets.FilenameFor(ref.URL, i+1)
		content = assets.Rewrite(content, ref, name)
		stored = append(stored, velosync.Asset{FileName: name, Data: data})
	}

	return content, stored
}

// documentFromCache builds the unchanged-document record from the cache so
// skipped posts still show up for index generation and folder naming.
func documentFromCache(p velog.Post, entry *velosync.CacheEntry) velosync.Document {
	doc := velosync.Document{
		Slug:        p.Slug,
		Title:       p.Title,
		FileName:    markdown.FileName(p.Slug, p.ReleasedAt),
		Changed:     false,
		PublishedAt: parseTime(p.ReleasedAt),
	}
	if entry != nil {
		doc.Title = entry.Title
		doc.Content = entry.Content
		if entry.PublishedAt != nil {
			doc.PublishedAt = entry.PublishedAt
		}
	}
	return doc
}

func (s *Syncer) finish(ctx context.Context, runID string, args velosync.FinishRunArgs) (velosync.BackupRun, error) {
	if err := s.store.FinishRun(ctx, runID, args); err != nil {
		return velosync.BackupRun{}, fmt.Errorf("error finishing run: %s", err)
	}

	slog.InfoContext(ctx, "backup run finished",
		"run_id", runID,
		"status", args.Status,
		"message", args.Message,
	)

	return s.store.Run(ctx, runID)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// truncate caps s at n bytes without splitting a multibyte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

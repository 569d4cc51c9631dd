package velosync

import (
	"context"
	"errors"
	"time"
)

// ErrStaleRef is returned by a publisher when the branch tip moved underneath
// the run. The run fails instead of retrying against a stale base, which
// would risk losing a concurrent update.
var ErrStaleRef = errors.New("branch ref moved during publish")

type (
	// Document is one rendered post headed for a destination.
	Document struct {
		// Slug identifies the source post.
		Slug string
		// Title as it appeared upstream, used for folder naming and the
		// generated index.
		Title string
		// Content is the full rendered markdown, header included.
		Content string
		// FileName is the sanitized per-post file name (date-prefixed .md).
		FileName string
		// Changed is false for posts the change detector skipped. Unchanged
		// documents are never re-uploaded; they stay in the destination as
		// already-published content but still appear in the index.
		Changed bool

		PublishedAt *time.Time

		// Assets are image bytes fetched for this document, empty unless the
		// destination stores them.
		Assets []Asset
	}

	// Asset is one downloaded image belonging to a document.
	Asset struct {
		// FileName is the sanitized, ordinal-prefixed name under the
		// document's images/ directory.
		FileName string
		Data     []byte
	}

	// PublishSet is everything a destination needs for one run.
	PublishSet struct {
		// Username the posts were mirrored from; shows up in the index.
		Username string
		// Documents in the order the source listed them. Folder naming is
		// first-seen order, so the order matters.
		Documents []Document
	}

	// PublishResult reports what a destination actually did.
	PublishResult struct {
		// Uploaded counts files written (documents plus assets).
		Uploaded int
		// Ref is destination-specific: the new commit SHA for a repository,
		// the folder ID for a drive.
		Ref string
	}

	// Publisher writes one run's document set to a destination. The
	// orchestrator only knows this interface; whether the destination is
	// atomic (repository tree commit) or per-file (drive) is up to the
	// implementation.
	Publisher interface {
		Publish(ctx context.Context, set PublishSet) (PublishResult, error)
	}
)

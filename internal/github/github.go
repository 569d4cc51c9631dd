// Package github publishes a run's document set to a GitHub repository as a
// single commit, using the git data API: blobs, then one tree, then one
// commit, then an atomic ref update. Nothing a reader can see changes until
// the final ref update lands.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"velosync/internal/markdown"
	"velosync/internal/velosync"
)

// DefaultAPIBase is the production REST endpoint.
const DefaultAPIBase = "https://api.github.com"

// Publisher implements [velosync.Publisher] against a GitHub repository.
type Publisher struct {
	apiBase    string
	repoName   string
	httpClient *http.Client
	now        func() time.Time
}

var _ velosync.Publisher = (*Publisher)(nil)

// New builds a Publisher writing to repoName, authenticated by token.
// apiBase defaults to [DefaultAPIBase] when empty.
func New(apiBase, token, repoName string) *Publisher {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := oauth2.NewClient(context.Background(), src)
	client.Timeout = 30 * time.Second

	return &Publisher{
		apiBase:    apiBase,
		repoName:   repoName,
		httpClient: client,
		now:        time.Now,
	}
}

func (p *Publisher) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("error encoding request: %s", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.apiBase+path, reader)
	if err != nil {
		return 0, fmt.Errorf("error building request: %s", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error calling github: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("error decoding github response: %s", err)
		}
	}

	return resp.StatusCode, nil
}

func (p *Publisher) authenticatedUser(ctx context.Context) (string, error) {
	var user struct {
		Login string `json:"login"`
	}
	status, err := p.do(ctx, http.MethodGet, "/user", nil, &user)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return "", fmt.Errorf("github token rejected: %w", velosync.ErrUnauthorized)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("unexpected status resolving github user: %d", status)
	}

	return user.Login, nil
}

func (p *Publisher) ensureRepo(ctx context.Context, owner string) error {
	status, err := p.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, p.repoName), nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	if status != http.StatusNotFound {
		return fmt.Errorf("unexpected status checking repo: %d", status)
	}

	status, err = p.do(ctx, http.MethodPost, "/user/repos", map[string]any{
		"name":        p.repoName,
		"description": "Automated Velog post backup",
		"private":     false,
		"auto_init":   true,
	}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("unexpected status creating repo: %d", status)
	}

	return nil
}

type refResp struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

// branchTip resolves the current tip of the default branch, trying main and
// falling back to master.
func (p *Publisher) branchTip(ctx context.Context, owner string) (branch, sha string, err error) {
	for _, candidate := range []string{"main", "master"} {
		var ref refResp
		status, err := p.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", owner, p.repoName, candidate), nil, &ref)
		if err != nil {
			return "", "", err
		}
		if status == http.StatusOK {
			return candidate, ref.Object.SHA, nil
		}
		if status != http.StatusNotFound {
			return "", "", fmt.Errorf("unexpected status resolving branch %s: %d", candidate, status)
		}
	}

	return "", "", fmt.Errorf("no default branch found: %w", velosync.ErrNotFound)
}

func (p *Publisher) createBlob(ctx context.Context, owner string, content []byte) (string, error) {
	var blob struct {
		SHA string `json:"sha"`
	}
	status, err := p.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/blobs", owner, p.repoName), map[string]any{
		"content":  base64.StdEncoding.EncodeToString(content),
		"encoding": "base64",
	}, &blob)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("unexpected status creating blob: %d", status)
	}

	return blob.SHA, nil
}

type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

// Publish writes the changed documents and their assets as one commit.
//
// The protocol is strictly ordered: resolve identity, ensure the repository,
// read the branch tip, upload blobs, build one tree on top of the tip's
// tree, create one commit, then move the ref. Every step before the ref
// update is invisible to readers; a failure anywhere leaves the repository
// exactly as it was.
func (p *Publisher) Publish(ctx context.Context, set velosync.PublishSet) (velosync.PublishResult, error) {
	owner, err := p.authenticatedUser(ctx)
	if err != nil {
		return velosync.PublishResult{}, err
	}

	if err := p.ensureRepo(ctx, owner); err != nil {
		return velosync.PublishResult{}, err
	}

	branch, tip, err := p.branchTip(ctx, owner)
	if err != nil {
		return velosync.PublishResult{}, err
	}

	// Folder names are assigned over the full set in first-seen order, so a
	// skipped "Intro" still claims the bare name and a changed duplicate
	// lands in "Intro (2)".
	namer := markdown.NewFolderNamer()
	folders := make([]string, len(set.Documents))
	for i, doc := range set.Documents {
		folders[i] = namer.Name(doc.Title)
	}

	var entries []treeEntry
	changed := 0
	for i, doc := range set.Documents {
		if !doc.Changed {
			continue
		}
		changed++

		sha, err := p.createBlob(ctx, owner, []byte(doc.Content))
		if err != nil {
			return velosync.PublishResult{}, fmt.Errorf("error uploading document %q: %s", doc.Slug, err)
		}
		entries = append(entries, treeEntry{
			Path: fmt.Sprintf("posts/%s/%s", folders[i], doc.FileName),
			Mode: "100644",
			Type: "blob",
			SHA:  sha,
		})

		for _, asset := range doc.Assets {
			sha, err := p.createBlob(ctx, owner, asset.Data)
			if err != nil {
				return velosync.PublishResult{}, fmt.Errorf("error uploading asset %q: %s", asset.FileName, err)
			}
			entries = append(entries, treeEntry{
				Path: fmt.Sprintf("posts/%s/images/%s", folders[i], asset.FileName),
				Mode: "100644",
				Type: "blob",
				SHA:  sha,
			})
		}
	}

	readmeSHA, err := p.createBlob(ctx, owner, []byte(p.renderIndex(set, folders)))
	if err != nil {
		return velosync.PublishResult{}, fmt.Errorf("error uploading index: %s", err)
	}
	entries = append(entries, treeEntry{
		Path: "README.md",
		Mode: "100644",
		Type: "blob",
		SHA:  readmeSHA,
	})

	// One combined tree on top of the tip's tree: untouched paths persist.
	var tree struct {
		SHA string `json:"sha"`
	}
	status, err := p.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/trees", owner, p.repoName), map[string]any{
		"base_tree": tip,
		"tree":      entries,
	}, &tree)
	if err != nil {
		return velosync.PublishResult{}, err
	}
	if status != http.StatusCreated {
		return velosync.PublishResult{}, fmt.Errorf("unexpected status creating tree: %d", status)
	}

	var commit struct {
		SHA string `json:"sha"`
	}
	message := fmt.Sprintf("backup: %d posts synced (%s)", changed, p.now().UTC().Format("2006-01-02 15:04 UTC"))
	status, err = p.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/commits", owner, p.repoName), map[string]any{
		"message": message,
		"tree":    tree.SHA,
		"parents": []string{tip},
	}, &commit)
	if err != nil {
		return velosync.PublishResult{}, err
	}
	if status != http.StatusCreated {
		return velosync.PublishResult{}, fmt.Errorf("unexpected status creating commit: %d", status)
	}

	// The only step readers can observe. Non-forced: if the tip moved, the
	// update is rejected and the run fails rather than clobbering whatever
	// landed in between.
	status, err = p.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, p.repoName, branch), map[string]any{
		"sha":   commit.SHA,
		"force": false,
	}, nil)
	if err != nil {
		return velosync.PublishResult{}, err
	}
	if status == http.StatusConflict || status == http.StatusUnprocessableEntity {
		return velosync.PublishResult{}, fmt.Errorf("ref update rejected: %w", velosync.ErrStaleRef)
	}
	if status != http.StatusOK {
		return velosync.PublishResult{}, fmt.Errorf("unexpected status updating ref: %d", status)
	}

	uploaded := len(entries)
	return velosync.PublishResult{Uploaded: uploaded, Ref: commit.SHA}, nil
}

// renderIndex builds the README listing every post, newest first. Posts
// without a publish date sort as oldest.
func (p *Publisher) renderIndex(set velosync.PublishSet, folders []string) string {
	type row struct {
		doc    velosync.Document
		folder string
	}
	rows := make([]row, len(set.Documents))
	for i, doc := range set.Documents {
		rows[i] = row{doc: doc, folder: folders[i]}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ti, tj := rows[i].doc.PublishedAt, rows[j].doc.PublishedAt
		if ti == nil {
			return false
		}
		if tj == nil {
			return true
		}
		return ti.After(*tj)
	})

	now := p.now().UTC().Format("2006-01-02 15:04 UTC")
	lines := []string{
		fmt.Sprintf("# Velog Backup - @%s", set.Username),
		"",
		"> Automated backup of Velog posts",
		fmt.Sprintf("> Last synced: %s", now),
		fmt.Sprintf("> %d posts", len(set.Documents)),
		"",
		"## Posts",
		"",
	}

	for _, r := range rows {
		dateSuffix := ""
		if r.doc.PublishedAt != nil {
			dateSuffix = fmt.Sprintf(" (%s)", r.doc.PublishedAt.Format("2006-01-02"))
		}
		lines = append(lines, fmt.Sprintf("- [%s](posts/%s/%s)%s", r.doc.Title, r.folder, r.doc.FileName, dateSuffix))
	}

	return strings.Join(lines, "\n") + "\n"
}

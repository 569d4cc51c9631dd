package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"velosync/internal/velosync"
)

// fakeGithub simulates just enough of the git data API: it stores blobs,
// trees, and commits, and tracks the branch ref. failRefUpdate makes the
// final ref update reject, as a concurrent tip move would.
type fakeGithub struct {
	mu sync.Mutex

	repoExists    bool
	refSHA        string
	blobs         map[string][]byte // sha -> content
	trees         map[string][]treeEntry
	commits       map[string]string // sha -> tree sha
	failRefUpdate bool

	nextID int
}

func newFakeGithub(repoExists bool) *fakeGithub {
	return &fakeGithub{
		repoExists: repoExists,
		refSHA:     "tip-0",
		blobs:      map[string][]byte{},
		trees:      map[string][]treeEntry{},
		commits:    map[string]string{},
	}
}

func (f *fakeGithub) sha(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeGithub) server() *httptest.Server {
	r := mux.NewRouter()

	r.HandleFunc("/user", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"login": "octo"})
	})

	r.HandleFunc("/repos/octo/{repo}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.repoExists {
			http.NotFound(w, req)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.HandleFunc("/user/repos", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.repoExists = true
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)

	r.HandleFunc("/repos/octo/{repo}/git/ref/heads/{branch}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if mux.Vars(req)["branch"] != "main" {
			http.NotFound(w, req)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"object": map[string]string{"sha": f.refSHA}})
	}).Methods(http.MethodGet)

	r.HandleFunc("/repos/octo/{repo}/git/blobs", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		json.NewDecoder(req.Body).Decode(&body)
		raw, _ := base64.StdEncoding.DecodeString(body.Content)

		f.mu.Lock()
		defer f.mu.Unlock()
		sha := f.sha("blob")
		f.blobs[sha] = raw
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"sha": sha})
	}).Methods(http.MethodPost)

	r.HandleFunc("/repos/octo/{repo}/git/trees", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			BaseTree string      `json:"base_tree"`
			Tree     []treeEntry `json:"tree"`
		}
		json.NewDecoder(req.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		sha := f.sha("tree")
		f.trees[sha] = body.Tree
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"sha": sha})
	}).Methods(http.MethodPost)

	r.HandleFunc("/repos/octo/{repo}/git/commits", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Tree    string   `json:"tree"`
			Parents []string `json:"parents"`
		}
		json.NewDecoder(req.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		sha := f.sha("commit")
		f.commits[sha] = body.Tree
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"sha": sha})
	}).Methods(http.MethodPost)

	r.HandleFunc("/repos/octo/{repo}/git/refs/heads/{branch}", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			SHA string `json:"sha"`
		}
		json.NewDecoder(req.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failRefUpdate {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.refSHA = body.SHA
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPatch)

	return httptest.NewServer(r)
}

func publisherFor(t *testing.T, srv *httptest.Server) *Publisher {
	t.Helper()
	p := New(srv.URL, "token", "velog-backup")
	p.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func docSet() velosync.PublishSet {
	published := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return velosync.PublishSet{
		Username: "tester",
		Documents: []velosync.Document{
			{
				Slug:     "old-post",
				Title:    "Old Post",
				FileName: "20240401_old-post.md",
				Changed:  false,
			},
			{
				Slug:        "new-post",
				Title:       "New Post",
				Content:     "---\ntitle: \"New Post\"\n---\n\nbody",
				FileName:    "20240501_new-post.md",
				Changed:     true,
				PublishedAt: &published,
				Assets: []velosync.Asset{
					{FileName: "1_a.png", Data: []byte("png")},
				},
			},
		},
	}
}

func TestPublish_SingleCommit(t *testing.T) {
	fake := newFakeGithub(true)
	srv := fake.server()
	defer srv.Close()

	res, err := publisherFor(t, srv).Publish(context.Background(), docSet())
	require.NoError(t, err)

	// Document blob + asset blob + README
	assert.Equal(t, 3, res.Uploaded)

	// The ref points at the one new commit, whose tree holds only changed
	// paths; unchanged posts survive via the base tree.
	treeSHA := fake.commits[res.Ref]
	require.NotEmpty(t, treeSHA)
	assert.Equal(t, res.Ref, fake.refSHA)

	var paths []string
	for _, e := range fake.trees[treeSHA] {
		paths = append(paths, e.Path)
	}
	assert.ElementsMatch(t, []string{
		"posts/New Post/20240501_new-post.md",
		"posts/New Post/images/1_a.png",
		"README.md",
	}, paths)
}

func TestPublish_IndexListsAllPosts(t *testing.T) {
	fake := newFakeGithub(true)
	srv := fake.server()
	defer srv.Close()

	_, err := publisherFor(t, srv).Publish(context.Background(), docSet())
	require.NoError(t, err)

	var readme string
	for _, content := range fake.blobs {
		if strings.HasPrefix(string(content), "# Velog Backup") {
			readme = string(content)
		}
	}
	require.NotEmpty(t, readme)

	// Both posts appear, dated post first, undated (no PublishedAt) last.
	newIdx := strings.Index(readme, "[New Post](posts/New Post/20240501_new-post.md) (2024-05-01)")
	oldIdx := strings.Index(readme, "[Old Post](posts/Old Post/20240401_old-post.md)")
	require.GreaterOrEqual(t, newIdx, 0)
	require.GreaterOrEqual(t, oldIdx, 0)
	assert.Less(t, newIdx, oldIdx)
}

func TestPublish_CreatesMissingRepo(t *testing.T) {
	fake := newFakeGithub(false)
	srv := fake.server()
	defer srv.Close()

	_, err := publisherFor(t, srv).Publish(context.Background(), docSet())
	require.NoError(t, err)
	assert.True(t, fake.repoExists)
}

func TestPublish_RefConflictLeavesRepoUntouched(t *testing.T) {
	fake := newFakeGithub(true)
	fake.failRefUpdate = true
	srv := fake.server()
	defer srv.Close()

	_, err := publisherFor(t, srv).Publish(context.Background(), docSet())
	require.ErrorIs(t, err, velosync.ErrStaleRef)

	// Blobs, tree, and commit were created but the branch never moved:
	// readers still see the original tip.
	assert.Equal(t, "tip-0", fake.refSHA)
	assert.NotEmpty(t, fake.commits)
}

func TestPublish_FolderCollision(t *testing.T) {
	fake := newFakeGithub(true)
	srv := fake.server()
	defer srv.Close()

	set := velosync.PublishSet{
		Username: "tester",
		Documents: []velosync.Document{
			{Slug: "intro-1", Title: "Intro", FileName: "intro-1.md", Content: "a", Changed: true},
			{Slug: "intro-2", Title: "Intro", FileName: "intro-2.md", Content: "b", Changed: true},
		},
	}

	res, err := publisherFor(t, srv).Publish(context.Background(), set)
	require.NoError(t, err)

	var paths []string
	for _, e := range fake.trees[fake.commits[res.Ref]] {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "posts/Intro/intro-1.md")
	assert.Contains(t, paths, "posts/Intro (2)/intro-2.md")
}

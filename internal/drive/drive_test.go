package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"velosync/internal/velosync"
)

type fakeFile struct {
	id, name, parent, content string
}

// fakeDrive covers file search, folder/file creation, and media updates.
type fakeDrive struct {
	files  []*fakeFile
	nextID int
}

func (f *fakeDrive) server() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")

		var out []map[string]string
		for _, file := range f.files {
			if !strings.Contains(q, fmt.Sprintf("name='%s'", file.name)) {
				continue
			}
			if strings.Contains(q, "in parents") && !strings.Contains(q, fmt.Sprintf("'%s' in parents", file.parent)) {
				continue
			}
			out = append(out, map[string]string{"id": file.id, "name": file.name})
		}
		json.NewEncoder(w).Encode(map[string]any{"files": out})
	})

	mux.HandleFunc("POST /drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		var meta struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&meta)

		f.nextID++
		file := &fakeFile{id: fmt.Sprintf("folder-%d", f.nextID), name: meta.Name}
		f.files = append(f.files, file)
		json.NewEncoder(w).Encode(map[string]string{"id": file.id})
	})

	mux.HandleFunc("POST /upload/drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		body, _ := readMultipart(r)
		f.nextID++
		file := &fakeFile{
			id:      fmt.Sprintf("file-%d", f.nextID),
			name:    body.name,
			parent:  body.parent,
			content: body.content,
		}
		f.files = append(f.files, file)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"id": file.id})
	})

	mux.HandleFunc("PATCH /upload/drive/v3/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		raw, _ := io.ReadAll(r.Body)
		for _, file := range f.files {
			if file.id == id {
				file.content = string(raw)
				w.WriteHeader(http.StatusOK)
				json.NewEncoder(w).Encode(map[string]string{"id": id})
				return
			}
		}
		http.NotFound(w, r)
	})

	return httptest.NewServer(mux)
}

type uploadBody struct {
	name, parent, content string
}

// readMultipart parses a multipart/related upload body. The stdlib request
// helpers only accept form-data, so the boundary is pulled from the content
// type by hand.
func readMultipart(r *http.Request) (uploadBody, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return uploadBody{}, err
	}
	boundary, ok := params["boundary"]
	if !ok {
		return uploadBody{}, errors.New("no boundary in content type")
	}
	mr := multipart.NewReader(r.Body, boundary)

	var out uploadBody
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		raw, err := io.ReadAll(part)
		if err != nil {
			return out, err
		}
		if i == 0 {
			var meta struct {
				Name    string   `json:"name"`
				Parents []string `json:"parents"`
			}
			json.Unmarshal(raw, &meta)
			out.name = meta.Name
			if len(meta.Parents) > 0 {
				out.parent = meta.Parents[0]
			}
			continue
		}
		out.content = string(raw)
	}

	return out, nil
}

func testPublisher(srv *httptest.Server) *Publisher {
	return &Publisher{apiBase: srv.URL, httpClient: srv.Client()}
}

func TestEnsureFolder_FindOrCreate(t *testing.T) {
	fake := &fakeDrive{}
	srv := fake.server()
	defer srv.Close()

	p := testPublisher(srv)

	id, err := p.EnsureFolder(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Second call finds the existing folder instead of creating another.
	again, err := p.EnsureFolder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, fake.files, 1)
}

func TestUploadOrUpdate(t *testing.T) {
	fake := &fakeDrive{}
	srv := fake.server()
	defer srv.Close()

	p := testPublisher(srv)

	folderID, err := p.EnsureFolder(context.Background())
	require.NoError(t, err)

	id, err := p.UploadOrUpdate(context.Background(), "20240101_post.md", "v1", folderID)
	require.NoError(t, err)

	// Same name updates in place.
	again, err := p.UploadOrUpdate(context.Background(), "20240101_post.md", "v2", folderID)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	var contents []string
	for _, file := range fake.files {
		if file.name == "20240101_post.md" {
			contents = append(contents, file.content)
		}
	}
	require.Len(t, contents, 1)
	assert.Equal(t, "v2", contents[0])
}

func TestPublish_OnlyChangedDocuments(t *testing.T) {
	fake := &fakeDrive{}
	srv := fake.server()
	defer srv.Close()

	res, err := testPublisher(srv).Publish(context.Background(), velosync.PublishSet{
		Username: "tester",
		Documents: []velosync.Document{
			{Slug: "a", Title: "A", FileName: "a.md", Content: "a-doc", Changed: true},
			{Slug: "b", Title: "B", FileName: "b.md", Content: "b-doc", Changed: false},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Uploaded)

	var names []string
	for _, file := range fake.files {
		names = append(names, file.name)
	}
	assert.Contains(t, names, "a.md")
	assert.NotContains(t, names, "b.md")
}

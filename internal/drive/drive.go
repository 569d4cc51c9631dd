// Package drive publishes documents to Google Drive, one file at a time.
//
// Unlike the repository destination this is not atomic: every file commits
// independently, so a failure mid-run leaves the folder partially updated.
// That is acceptable here; the next run's change detection picks up where
// this one stopped.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"velosync/internal/velosync"
)

// DefaultAPIBase is the production Drive v3 endpoint root.
const DefaultAPIBase = "https://www.googleapis.com"

// FolderName is the fixed backup folder under the drive root.
const FolderName = "Velog Backup"

// Credentials carries the OAuth token pair for a user's drive.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Publisher implements [velosync.Publisher] against Google Drive.
type Publisher struct {
	apiBase    string
	httpClient *http.Client
}

var _ velosync.Publisher = (*Publisher)(nil)

// New builds a Publisher. The token is refreshed transparently when a
// refresh token is present. apiBase defaults to [DefaultAPIBase] when empty.
func New(apiBase string, creds Credentials) *Publisher {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}

	cfg := oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/drive.file"},
	}
	client := cfg.Client(context.Background(), &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       time.Now().Add(30 * time.Minute),
	})
	client.Timeout = 30 * time.Second

	return &Publisher{
		apiBase:    apiBase,
		httpClient: client,
	}
}

type fileList struct {
	Files []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"files"`
}

func (p *Publisher) search(ctx context.Context, query string) (fileList, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("spaces", "drive")
	params.Set("fields", "files(id, name)")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/drive/v3/files?"+params.Encode(), nil)
	if err != nil {
		return fileList{}, fmt.Errorf("error building search request: %s", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fileList{}, fmt.Errorf("error searching drive: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fileList{}, fmt.Errorf("drive token rejected: %w", velosync.ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return fileList{}, fmt.Errorf("unexpected status searching drive: %d", resp.StatusCode)
	}

	var list fileList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fileList{}, fmt.Errorf("error decoding file list: %s", err)
	}

	return list, nil
}

// EnsureFolder finds the backup folder by exact name under the drive root,
// creating it when absent, and returns its id.
func (p *Publisher) EnsureFolder(ctx context.Context) (string, error) {
	query := fmt.Sprintf("name='%s' and mimeType='application/vnd.google-apps.folder' and trashed=false", FolderName)
	list, err := p.search(ctx, query)
	if err != nil {
		return "", err
	}
	if len(list.Files) > 0 {
		return list.Files[0].ID, nil
	}

	body, _ := json.Marshal(map[string]any{
		"name":     FolderName,
		"mimeType": "application/vnd.google-apps.folder",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/drive/v3/files?fields=id", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("error building folder request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error creating folder: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status creating folder: %d", resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("error decoding folder response: %s", err)
	}

	return created.ID, nil
}

// UploadOrUpdate writes one markdown file into the folder: an exact filename
// match is updated in place, otherwise a new file is created. Returns the
// remote file id.
func (p *Publisher) UploadOrUpdate(ctx context.Context, filename, content, folderID string) (string, error) {
	query := fmt.Sprintf("name='%s' and '%s' in parents and trashed=false", filename, folderID)
	list, err := p.search(ctx, query)
	if err != nil {
		return "", err
	}

	if len(list.Files) > 0 {
		id := list.Files[0].ID
		if err := p.upload(ctx, http.MethodPatch, "/upload/drive/v3/files/"+id, content); err != nil {
			return "", err
		}
		return id, nil
	}

	meta := map[string]any{
		"name":    filename,
		"parents": []string{folderID},
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := p.uploadMultipart(ctx, "/upload/drive/v3/files?uploadType=multipart&fields=id", meta, content, &created); err != nil {
		return "", err
	}

	return created.ID, nil
}

func (p *Publisher) upload(ctx context.Context, method, path string, content string) error {
	req, err := http.NewRequestWithContext(ctx, method, p.apiBase+path+"?uploadType=media", bytes.NewReader([]byte(content)))
	if err != nil {
		return fmt.Errorf("error building upload request: %s", err)
	}
	req.Header.Set("Content-Type", "text/markdown")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error uploading file: %s", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status updating file: %d", resp.StatusCode)
	}

	return nil
}

func (p *Publisher) uploadMultipart(ctx context.Context, path string, meta map[string]any, content string, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := w.CreatePart(metaHeader)
	if err != nil {
		return fmt.Errorf("error creating metadata part: %s", err)
	}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return fmt.Errorf("error encoding metadata: %s", err)
	}

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", "text/markdown")
	mediaPart, err := w.CreatePart(mediaHeader)
	if err != nil {
		return fmt.Errorf("error creating media part: %s", err)
	}
	if _, err := mediaPart.Write([]byte(content)); err != nil {
		return fmt.Errorf("error writing media: %s", err)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, &buf)
	if err != nil {
		return fmt.Errorf("error building upload request: %s", err)
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+w.Boundary())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error uploading file: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status creating file: %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("error decoding upload response: %s", err)
		}
	}

	return nil
}

// Publish uploads every changed document as its own file. Unchanged
// documents are left alone; assets are not mirrored to this destination, so
// their references keep pointing at the original remote URLs.
func (p *Publisher) Publish(ctx context.Context, set velosync.PublishSet) (velosync.PublishResult, error) {
	folderID, err := p.EnsureFolder(ctx)
	if err != nil {
		return velosync.PublishResult{}, err
	}

	uploaded := 0
	for _, doc := range set.Documents {
		if !doc.Changed {
			continue
		}
		if _, err := p.UploadOrUpdate(ctx, doc.FileName, doc.Content, folderID); err != nil {
			return velosync.PublishResult{}, fmt.Errorf("error uploading %q: %s", doc.FileName, err)
		}
		uploaded++
	}

	return velosync.PublishResult{Uploaded: uploaded, Ref: folderID}, nil
}

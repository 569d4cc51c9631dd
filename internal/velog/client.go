// Package velog talks to the Velog GraphQL API: paginated post listings,
// full post bodies, and username verification.
package velog

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultEndpoint is the production GraphQL endpoint.
const DefaultEndpoint = "https://v2.velog.io/graphql"

// pageSize is the upstream page limit for post listings.
const pageSize = 100

// Post is a post as the API returns it. List queries omit Body.
type Post struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Thumbnail   string   `json:"thumbnail"`
	Slug        string   `json:"url_slug"`
	ReleasedAt  string   `json:"released_at"`
	UpdatedAt   string   `json:"updated_at"`
	Tags        []string `json:"tags"`
	IsPrivate   bool     `json:"is_private"`
	Description string   `json:"short_description"`
}

// Fingerprint returns the change-detection hash for a post body: md5 over
// the UTF-8 bytes, hex encoded. Deterministic and pure; this is
// integrity-of-intent, not security.
func Fingerprint(body string) string {
	sum := md5.Sum([]byte(body))
	return fmt.Sprintf("%x", sum)
}

const listQuery = `query GetPosts($username: String!, $cursor: ID, $limit: Int!) {
	posts(username: $username, cursor: $cursor, limit: $limit) {
		id
		title
		short_description
		thumbnail
		url_slug
		released_at
		updated_at
		tags
		is_private
	}
}`

const readQuery = `query ReadPost($username: String!, $url_slug: String!) {
	post(username: $username, url_slug: $url_slug) {
		id
		title
		released_at
		updated_at
		body
		short_description
		thumbnail
		tags
		is_private
		url_slug
	}
}`

// Client queries the upstream API. It never retries internally; retry policy
// belongs to the orchestrator.
type Client struct {
	endpoint   string
	httpClient *http.Client

	// Successful verifications are memoized; verification fronts every
	// settings change and hits the same list query the sync run does.
	verified *lru.Cache[string, bool]
}

// NewClient builds a Client against the given endpoint, which defaults to
// [DefaultEndpoint] when empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	verified, _ := lru.New[string, bool](512)

	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		verified: verified,
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

func (c *Client) query(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("error encoding query: %s", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error building request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error querying velog: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code from velog: %d", resp.StatusCode)
	}

	envelope := struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("error decoding velog response: %s", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("velog query failed: %s", envelope.Errors[0].Message)
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("error decoding velog data: %s", err)
	}

	return nil
}

func (c *Client) listPage(ctx context.Context, username, cursor string, limit int) ([]Post, error) {
	variables := map[string]any{
		"username": username,
		"limit":    limit,
	}
	if cursor != "" {
		variables["cursor"] = cursor
	}

	data := struct {
		Posts []Post `json:"posts"`
	}{}
	if err := c.query(ctx, listQuery, variables, &data); err != nil {
		return nil, err
	}

	return data.Posts, nil
}

// ListPosts pages through every public post for the username. The cursor for
// each page is the last post id of the previous one; an empty page ends the
// walk. Private posts are dropped page by page. Order is whatever the
// upstream returns.
func (c *Client) ListPosts(ctx context.Context, username string) ([]Post, error) {
	var (
		all    []Post
		cursor string
	)

	for {
		page, err := c.listPage(ctx, username, cursor, pageSize)
		if err != nil {
			return nil, fmt.Errorf("error listing posts: %s", err)
		}
		if len(page) == 0 {
			break
		}

		for _, p := range page {
			if p.IsPrivate {
				continue
			}
			all = append(all, p)
		}

		cursor = page[len(page)-1].ID
	}

	return all, nil
}

// GetPost fetches the full content of one post. Returns nil when the
// upstream reports the post missing or private; that is expected absence,
// not an error.
func (c *Client) GetPost(ctx context.Context, username, slug string) (*Post, error) {
	data := struct {
		Post *Post `json:"post"`
	}{}
	if err := c.query(ctx, readQuery, map[string]any{
		"username": username,
		"url_slug": slug,
	}, &data); err != nil {
		return nil, fmt.Errorf("error fetching post %q: %s", slug, err)
	}

	if data.Post == nil || data.Post.IsPrivate {
		return nil, nil
	}

	return data.Post, nil
}

// VerifyUsername reports whether the username resolves at the upstream. An
// account with zero public posts is still valid; only a transport or query
// failure makes this false.
func (c *Client) VerifyUsername(ctx context.Context, username string) bool {
	if ok, found := c.verified.Get(username); found {
		return ok
	}

	_, err := c.listPage(ctx, username, "", 1)
	if err != nil {
		return false
	}

	c.verified.Add(username, true)
	return true
}

package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the remote-data collaborator. Fetches are idempotent and
// side-effect free from the cache's point of view; mutations report success
// only after the remote write committed.
type Client interface {
	FetchSchools(ctx context.Context) ([]School, error)
	FetchClasses(ctx context.Context, schoolID string) ([]Class, error)
	FetchBooks(ctx context.Context) ([]Book, error)
	FetchBook(ctx context.Context, bookID string) (BookDetail, error)
	FetchTopic(ctx context.Context, bookID, topicID string) (Topic, error)
	FetchDashboard(ctx context.Context) (Dashboard, error)

	CreateBook(ctx context.Context, draft BookDraft) (Book, error)
	UpdateBook(ctx context.Context, bookID string, draft BookDraft) (Book, error)
	SetBookPublished(ctx context.Context, bookID string, published bool) error
	DeleteBook(ctx context.Context, bookID string) error

	CreateTopic(ctx context.Context, bookID string, draft TopicDraft) (Topic, error)
	UpdateTopic(ctx context.Context, bookID, topicID string, draft TopicDraft) (Topic, error)
	DeleteTopic(ctx context.Context, bookID, topicID string) error

	ReplaceRoster(ctx context.Context, schoolID string, classIDs []string) error
}

// httpDoer abstracts *http.Client for tests.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient talks JSON to the school-operations API.
type HTTPClient struct {
	base   *url.URL
	token  string
	client httpDoer
}

// NewHTTPClient builds a client for the API rooted at baseURL. token, when
// non-empty, is sent as a bearer credential. A zero timeout leaves deadline
// control entirely to the caller's context.
func NewHTTPClient(baseURL, token string, timeout time.Duration) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("catalog: base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("catalog: base url %q missing scheme or host", baseURL)
	}
	return &HTTPClient{base: base, token: token, client: &http.Client{Timeout: timeout}}, nil
}

func (c *HTTPClient) FetchSchools(ctx context.Context) ([]School, error) {
	var out []School
	return out, c.do(ctx, http.MethodGet, "/schools", nil, &out)
}

func (c *HTTPClient) FetchClasses(ctx context.Context, schoolID string) ([]Class, error) {
	var out []Class
	return out, c.do(ctx, http.MethodGet, "/schools/"+url.PathEscape(schoolID)+"/classes", nil, &out)
}

func (c *HTTPClient) FetchBooks(ctx context.Context) ([]Book, error) {
	var out []Book
	return out, c.do(ctx, http.MethodGet, "/books", nil, &out)
}

func (c *HTTPClient) FetchBook(ctx context.Context, bookID string) (BookDetail, error) {
	var out BookDetail
	return out, c.do(ctx, http.MethodGet, "/books/"+url.PathEscape(bookID), nil, &out)
}

func (c *HTTPClient) FetchTopic(ctx context.Context, bookID, topicID string) (Topic, error) {
	var out Topic
	path := "/books/" + url.PathEscape(bookID) + "/topics/" + url.PathEscape(topicID)
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *HTTPClient) FetchDashboard(ctx context.Context) (Dashboard, error) {
	var out Dashboard
	return out, c.do(ctx, http.MethodGet, "/dashboard", nil, &out)
}

func (c *HTTPClient) CreateBook(ctx context.Context, draft BookDraft) (Book, error) {
	var out Book
	return out, c.do(ctx, http.MethodPost, "/books", draft, &out)
}

func (c *HTTPClient) UpdateBook(ctx context.Context, bookID string, draft BookDraft) (Book, error) {
	var out Book
	return out, c.do(ctx, http.MethodPut, "/books/"+url.PathEscape(bookID), draft, &out)
}

func (c *HTTPClient) SetBookPublished(ctx context.Context, bookID string, published bool) error {
	body := struct {
		Published bool `json:"published"`
	}{Published: published}
	return c.do(ctx, http.MethodPut, "/books/"+url.PathEscape(bookID)+"/published", body, nil)
}

func (c *HTTPClient) DeleteBook(ctx context.Context, bookID string) error {
	return c.do(ctx, http.MethodDelete, "/books/"+url.PathEscape(bookID), nil, nil)
}

func (c *HTTPClient) CreateTopic(ctx context.Context, bookID string, draft TopicDraft) (Topic, error) {
	var out Topic
	return out, c.do(ctx, http.MethodPost, "/books/"+url.PathEscape(bookID)+"/topics", draft, &out)
}

func (c *HTTPClient) UpdateTopic(ctx context.Context, bookID, topicID string, draft TopicDraft) (Topic, error) {
	var out Topic
	path := "/books/" + url.PathEscape(bookID) + "/topics/" + url.PathEscape(topicID)
	return out, c.do(ctx, http.MethodPut, path, draft, &out)
}

func (c *HTTPClient) DeleteTopic(ctx context.Context, bookID, topicID string) error {
	path := "/books/" + url.PathEscape(bookID) + "/topics/" + url.PathEscape(topicID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) ReplaceRoster(ctx context.Context, schoolID string, classIDs []string) error {
	body := struct {
		ClassIDs []string `json:"classIds"`
	}{ClassIDs: classIDs}
	return c.do(ctx, http.MethodPut, "/schools/"+url.PathEscape(schoolID)+"/roster", body, nil)
}

// do issues one request and decodes the JSON response into out when out is
// non-nil. Response bodies are capped at 1 MiB.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) error {
	if c.client == nil {
		return errors.New("catalog: http client missing")
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("catalog: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	target := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("catalog: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: %s %s: %w", method, path, err)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	closeErr := resp.Body.Close()
	if err != nil {
		return fmt.Errorf("catalog: read response: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("catalog: close response: %w", closeErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("catalog: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("catalog: decode response: %w", err)
	}
	return nil
}

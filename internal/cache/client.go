package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrUnauthorized marks a 401 from the storefront API. Callers surface it
// as a local error state; it never triggers a global logout.
var ErrUnauthorized = errors.New("unauthorized")

// ListResult is one page of a collection from the server.
type ListResult struct {
	Items []json.RawMessage
	Total int
	Pages int
}

// API is the storefront REST surface the stores consume. Swapped for a
// fake in tests.
type API interface {
	List(ctx context.Context, collection string, page, limit int, search string) (*ListResult, error)
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	Create(ctx context.Context, collection string, body json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, collection, id string, body json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, collection, id string) error
}

// Client talks to the storefront REST API. List endpoints accept page,
// limit and search and return {success, data, total, pages}; detail and
// mutation endpoints follow conventional REST verbs on /:collection/:id.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a REST client for the given API root.
func NewClient(baseURL, token string) *Client {
	return &Client{
		base:  baseURL,
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Total   int             `json:"total"`
	Pages   int             `json:"pages"`
	Message string          `json:"message"`
}

// List implements API.
func (c *Client) List(ctx context.Context, collection string, page, limit int, search string) (*ListResult, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	if search != "" {
		q.Set("search", search)
	}
	env, err := c.do(ctx, http.MethodGet, "/"+collection+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return nil, fmt.Errorf("decode %s list: %w", collection, err)
		}
	}
	return &ListResult{Items: items, Total: env.Total, Pages: env.Pages}, nil
}

// Get implements API.
func (c *Client) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	env, err := c.do(ctx, http.MethodGet, "/"+collection+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Create implements API.
func (c *Client) Create(ctx context.Context, collection string, body json.RawMessage) (json.RawMessage, error) {
	env, err := c.do(ctx, http.MethodPost, "/"+collection, body)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Update implements API.
func (c *Client) Update(ctx context.Context, collection, id string, body json.RawMessage) (json.RawMessage, error) {
	env, err := c.do(ctx, http.MethodPut, "/"+collection+"/"+url.PathEscape(id), body)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Delete implements API.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/"+collection+"/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body json.RawMessage) (*apiEnvelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	var env apiEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("%s %s: %s", method, path, msg)
	}
	return &env, nil
}

// Package ctl is the edgectl-side client for the daemon's control API.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sinosply/edge/internal/cache"
	"github.com/sinosply/edge/internal/chat"
	"github.com/sinosply/edge/internal/session"
)

// Message mirrors the daemon's message view.
type Message struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	Sender    string `json:"sender"`
	Sent      bool   `json:"sent"`
	Read      bool   `json:"read"`
	FileType  string `json:"fileType,omitempty"`
	FileURL   string `json:"fileUrl,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// UploadResult reports which files the daemon accepted.
type UploadResult struct {
	Accepted []Message `json:"accepted"`
	Rejected []struct {
		Name  string `json:"name"`
		Error string `json:"error"`
	} `json:"rejected"`
}

// Client talks HTTP over the daemon's unix socket.
type Client struct {
	hc *http.Client
}

// New creates a client for the daemon listening on socketPath.
func New(socketPath string) *Client {
	return &Client{
		hc: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

// Status fetches the connection snapshot.
func (c *Client) Status(ctx context.Context) (chat.Status, error) {
	var st chat.Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

// Messages lists the newest page of chat history in chronological order.
func (c *Client) Messages(ctx context.Context, limit int, before int64) ([]Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	path := "/v1/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Messages []Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Messages, err
}

// Send queues one outgoing message.
func (c *Client) Send(ctx context.Context, body string) (Message, error) {
	var m Message
	err := c.do(ctx, http.MethodPost, "/v1/messages", map[string]string{"body": body}, &m)
	return m, err
}

// Typing reports composer content for typing indication.
func (c *Client) Typing(ctx context.Context, text string) error {
	return c.do(ctx, http.MethodPost, "/v1/typing", map[string]string{"text": text}, nil)
}

// Widget opens or closes the chat widget.
func (c *Client) Widget(ctx context.Context, open bool) error {
	return c.do(ctx, http.MethodPost, "/v1/widget", map[string]bool{"open": open}, nil)
}

// Identity fetches the active visitor identity.
func (c *Client) Identity(ctx context.Context) (session.Identity, error) {
	var id session.Identity
	err := c.do(ctx, http.MethodGet, "/v1/identity", nil, &id)
	return id, err
}

// SetIdentity updates the visitor identity. A non-empty userID marks the
// session authenticated.
func (c *Client) SetIdentity(ctx context.Context, name, email, userID string) (session.Identity, error) {
	var id session.Identity
	err := c.do(ctx, http.MethodPut, "/v1/identity", map[string]string{
		"name": name, "email": email, "userId": userID,
	}, &id)
	return id, err
}

// Upload sends local files as chat attachments.
func (c *Client) Upload(ctx context.Context, paths []string) (UploadResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return UploadResult{}, err
		}
		fw, err := w.CreateFormFile("files", filepath.Base(p))
		if err == nil {
			_, err = io.Copy(fw, f)
		}
		_ = f.Close()
		if err != nil {
			return UploadResult{}, err
		}
	}
	if err := w.Close(); err != nil {
		return UploadResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://edged/v1/uploads", &buf)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	var res UploadResult
	err = c.roundTrip(req, &res)
	return res, err
}

// DismissUploadError clears the daemon's upload error banner.
func (c *Client) DismissUploadError(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/uploads/error", nil, nil)
}

// Collections lists the cached catalog collections.
func (c *Client) Collections(ctx context.Context) ([]string, error) {
	var resp struct {
		Collections []string `json:"collections"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/catalog", nil, &resp)
	return resp.Collections, err
}

// Catalog fetches one page of a cached collection.
func (c *Client) Catalog(ctx context.Context, collection string, page, limit int, search string, force bool) (cache.Result, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	if search != "" {
		q.Set("search", search)
	}
	if force {
		q.Set("force", "true")
	}
	var res cache.Result
	err := c.do(ctx, http.MethodGet, "/v1/catalog/"+collection+"?"+q.Encode(), nil, &res)
	return res, err
}

// CatalogGet fetches one entity by id.
func (c *Client) CatalogGet(ctx context.Context, collection, id string) (json.RawMessage, error) {
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/catalog/"+collection+"/"+url.PathEscape(id), nil, &resp)
	return resp.Data, err
}

// CatalogCreate creates an entity from raw JSON.
func (c *Client) CatalogCreate(ctx context.Context, collection string, body json.RawMessage) (json.RawMessage, error) {
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/catalog/"+collection, body, &resp)
	return resp.Data, err
}

// CatalogUpdate replaces an entity from raw JSON.
func (c *Client) CatalogUpdate(ctx context.Context, collection, id string, body json.RawMessage) (json.RawMessage, error) {
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	err := c.do(ctx, http.MethodPut, "/v1/catalog/"+collection+"/"+url.PathEscape(id), body, &resp)
	return resp.Data, err
}

// CatalogDelete removes an entity.
func (c *Client) CatalogDelete(ctx context.Context, collection, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/catalog/"+collection+"/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, into any) error {
	var reader io.Reader
	if body != nil {
		if raw, ok := body.(json.RawMessage); ok {
			reader = bytes.NewReader(raw)
		} else {
			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://edged"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.roundTrip(req, into)
}

func (c *Client) roundTrip(req *http.Request, into any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon: %s", resp.Status)
	}
	if into == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}

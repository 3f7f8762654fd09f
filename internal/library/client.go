package library

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	apiVersion  = "3"
	pageSize    = 100
	defaultBase = "https://api.zotero.org"
)

// ClientConfig holds configuration for the library web API client.
type ClientConfig struct {
	BaseURL    string
	UserID     string
	APIKey     string
	MaxRetries int           // Attempts for 429/412/5xx (default 4)
	RetryDelay time.Duration // Base backoff delay (default 500ms)
	Timeout    time.Duration // HTTP timeout (default 30s)
	HTTPClient *http.Client  // Optional (tests)
	Logger     *slog.Logger
}

// Client implements Library against a Zotero-style web API
// (versioned objects, If-Unmodified-Since-Version writes).
type Client struct {
	baseURL    string
	prefix     string
	apiKey     string
	maxRetries int
	retryDelay time.Duration
	http       *http.Client
	logger     *slog.Logger
}

// StatusError is a non-2xx response from the library API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("library API error (status %d): %s", e.StatusCode, e.Body)
}

// NewClient creates a new library client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBase
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		prefix:     "/users/" + url.PathEscape(cfg.UserID),
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		http:       httpClient,
		logger:     logger,
	}
}

type wireCollection struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
	Data    struct {
		Name             string          `json:"name"`
		ParentCollection json.RawMessage `json:"parentCollection"`
	} `json:"data"`
}

func (w wireCollection) collection() Collection {
	c := Collection{Key: w.Key, Name: w.Data.Name, Version: w.Version}
	// parentCollection is either false or a key string.
	var parent string
	if json.Unmarshal(w.Data.ParentCollection, &parent) == nil {
		c.ParentKey = parent
	}
	return c
}

type wireTag struct {
	Tag string `json:"tag"`
}

type wireItem struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
	Data    struct {
		Title        string    `json:"title"`
		AbstractNote string    `json:"abstractNote"`
		Collections  []string  `json:"collections"`
		Tags         []wireTag `json:"tags"`
		DateModified string    `json:"dateModified"`
	} `json:"data"`
}

func (w wireItem) item() Item {
	it := Item{
		Key:         w.Key,
		Title:       w.Data.Title,
		Abstract:    w.Data.AbstractNote,
		Collections: w.Data.Collections,
		Version:     w.Version,
	}
	for _, t := range w.Data.Tags {
		it.Tags = append(it.Tags, t.Tag)
	}
	if ts, err := time.Parse(time.RFC3339, w.Data.DateModified); err == nil {
		it.DateModified = ts
	}
	return it
}

// Collections implements Library.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	var out []Collection
	for start := 0; ; start += pageSize {
		var page []wireCollection
		total, err := c.getJSON(ctx, fmt.Sprintf("%s/collections?limit=%d&start=%d", c.prefix, pageSize, start), &page)
		if err != nil {
			return nil, fmt.Errorf("list collections: %w", err)
		}
		for _, w := range page {
			out = append(out, w.collection())
		}
		if len(page) < pageSize || (total > 0 && start+len(page) >= total) {
			return out, nil
		}
	}
}

// CreateCollection implements Library.
func (c *Client) CreateCollection(ctx context.Context, name, parentKey string) (Collection, error) {
	body := map[string]any{"name": name}
	if parentKey != "" {
		body["parentCollection"] = parentKey
	}

	var resp struct {
		Successful map[string]wireCollection `json:"successful"`
		Failed     map[string]struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"failed"`
	}
	err := c.withRetry(ctx, func() error {
		return c.send(ctx, http.MethodPost, c.prefix+"/collections", []any{body}, nil, &resp)
	})
	if err != nil {
		return Collection{}, fmt.Errorf("create collection %q: %w", name, err)
	}
	if created, ok := resp.Successful["0"]; ok {
		col := created.collection()
		if col.Name == "" {
			col.Name = name
		}
		if col.ParentKey == "" {
			col.ParentKey = parentKey
		}
		return col, nil
	}
	if f, ok := resp.Failed["0"]; ok {
		return Collection{}, fmt.Errorf("create collection %q: %w", name, &StatusError{StatusCode: f.Code, Body: f.Message})
	}
	return Collection{}, fmt.Errorf("create collection %q: empty write response", name)
}

// Items implements Library.
func (c *Client) Items(ctx context.Context, collectionKey string, limit int) ([]Item, error) {
	var out []Item
	for start := 0; ; start += pageSize {
		n := pageSize
		if limit > 0 && limit-len(out) < n {
			n = limit - len(out)
		}
		var page []wireItem
		path := fmt.Sprintf("%s/collections/%s/items/top?limit=%d&start=%d", c.prefix, url.PathEscape(collectionKey), n, start)
		total, err := c.getJSON(ctx, path, &page)
		if err != nil {
			return nil, fmt.Errorf("list items in %s: %w", collectionKey, err)
		}
		for _, w := range page {
			out = append(out, w.item())
		}
		if len(page) < n || (limit > 0 && len(out) >= limit) || (total > 0 && start+len(page) >= total) {
			return out, nil
		}
	}
}

// Item implements Library.
func (c *Client) Item(ctx context.Context, key string) (Item, error) {
	var w wireItem
	if _, err := c.getJSON(ctx, c.prefix+"/items/"+url.PathEscape(key), &w); err != nil {
		return Item{}, fmt.Errorf("get item %s: %w", key, err)
	}
	return w.item(), nil
}

// AddToCollection implements Library. Version conflicts re-read the item.
func (c *Client) AddToCollection(ctx context.Context, itemKey, collectionKey string) error {
	return c.patchItem(ctx, itemKey, func(it Item) (map[string]any, bool) {
		if it.InCollection(collectionKey) {
			return nil, false
		}
		return map[string]any{"collections": append(it.Collections, collectionKey)}, true
	})
}

// AddTags implements Library.
func (c *Client) AddTags(ctx context.Context, itemKey string, tags []string) error {
	return c.patchItem(ctx, itemKey, func(it Item) (map[string]any, bool) {
		merged := MergeTags(it.Tags, tags)
		if len(merged) == len(it.Tags) {
			return nil, false
		}
		wire := make([]wireTag, 0, len(merged))
		for _, t := range merged {
			wire = append(wire, wireTag{Tag: t})
		}
		return map[string]any{"tags": wire}, true
	})
}

func (c *Client) patchItem(ctx context.Context, itemKey string, change func(Item) (map[string]any, bool)) error {
	err := c.withRetry(ctx, func() error {
		var w wireItem
		if _, err := c.getJSONOnce(ctx, c.prefix+"/items/"+url.PathEscape(itemKey), &w); err != nil {
			return err
		}
		body, needed := change(w.item())
		if !needed {
			return nil
		}
		headers := map[string]string{"If-Unmodified-Since-Version": strconv.Itoa(w.Version)}
		return c.send(ctx, http.MethodPatch, c.prefix+"/items/"+url.PathEscape(itemKey), body, headers, nil)
	})
	if err != nil {
		return fmt.Errorf("update item %s: %w", itemKey, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	var total int
	err := c.withRetry(ctx, func() error {
		var err error
		total, err = c.getJSONOnce(ctx, path, out)
		return err
	})
	return total, err
}

func (c *Client) getJSONOnce(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return 0, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	total, _ := strconv.Atoi(resp.Header.Get("Total-Results"))
	return total, nil
}

func (c *Client) send(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to marshal body: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Zotero-API-Version", apiVersion)
	if c.apiKey != "" {
		req.Header.Set("Zotero-API-Key", c.apiKey)
	}
}

func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(10*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying library request", "attempt", n+1, "error", err)
		}),
	)
}

func checkStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	default:
		return &StatusError{StatusCode: code, Body: strings.TrimSpace(string(body))}
	}
}

// isRetryable returns true for rate limits, version conflicts, server
// errors and transport failures.
func isRetryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests, http.StatusPreconditionFailed:
			return true
		}
		return se.StatusCode >= 500
	}
	var netErr net.Error
	var urlErr *url.Error
	return errors.As(err, &netErr) || errors.As(err, &urlErr) || strings.Contains(err.Error(), "request failed")
}

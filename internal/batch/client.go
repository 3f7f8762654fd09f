package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// ClientConfig holds configuration for the batch API client.
type ClientConfig struct {
	APIKey     string
	BaseURL    string        // Optional (tests)
	MaxRetries int           // Retry attempts for SDK transport
	Timeout    time.Duration // HTTP timeout
	HTTPClient *http.Client  // Optional (tests)
	Logger     *slog.Logger
}

// Client implements API using the official OpenAI SDK.
type Client struct {
	client openai.Client
	logger *slog.Logger
}

// NewClient creates a new batch API client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{client: openai.NewClient(opts...), logger: logger}
}

// List implements API. Only the first page is read; limit is capped at 100.
func (c *Client) List(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	page, err := c.client.Batches.List(ctx, openai.BatchListParams{Limit: openai.Int(int64(limit))})
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", mapError(err))
	}
	out := make([]Batch, 0, len(page.Data))
	for _, b := range page.Data {
		out = append(out, fromSDK(b))
	}
	return out, nil
}

// Get implements API.
func (c *Client) Get(ctx context.Context, id string) (Batch, error) {
	b, err := c.client.Batches.Get(ctx, id)
	if err != nil {
		return Batch{}, fmt.Errorf("get batch %s: %w", id, mapError(err))
	}
	return fromSDK(*b), nil
}

// Submit uploads the request file and creates the batch.
func (c *Client) Submit(ctx context.Context, sub Submission) (Batch, error) {
	if !IsSupportedEndpoint(sub.Endpoint) {
		return Batch{}, fmt.Errorf("unsupported batch endpoint %q", sub.Endpoint)
	}
	file, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(sub.Body), "screen.jsonl", "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return Batch{}, fmt.Errorf("upload batch input: %w", mapError(err))
	}

	b, err := c.client.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Endpoint:         openai.BatchNewParamsEndpoint(sub.Endpoint),
		InputFileID:      file.ID,
		Metadata:         shared.Metadata(sub.Metadata),
	})
	if err != nil {
		return Batch{}, fmt.Errorf("create batch: %w", mapError(err))
	}
	c.logger.Info("batch submitted", "batch_id", b.ID, "input_file_id", file.ID, "endpoint", sub.Endpoint)
	return fromSDK(*b), nil
}

// Download implements API.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	if fileID == "" {
		return nil, fmt.Errorf("download: empty file id")
	}
	resp, err := c.client.Files.Content(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileID, mapError(err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fileID, err)
	}
	return data, nil
}

// Cancel implements API.
func (c *Client) Cancel(ctx context.Context, id string) error {
	if _, err := c.client.Batches.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel batch %s: %w", id, mapError(err))
	}
	return nil
}

func mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
	}
	return err
}

func fromSDK(b openai.Batch) Batch {
	out := Batch{
		ID:           b.ID,
		Status:       Status(b.Status),
		Endpoint:     b.Endpoint,
		Metadata:     map[string]string(b.Metadata),
		OutputFileID: b.OutputFileID,
		ErrorFileID:  b.ErrorFileID,
		Counts: Counts{
			Total:     int(b.RequestCounts.Total),
			Completed: int(b.RequestCounts.Completed),
			Failed:    int(b.RequestCounts.Failed),
		},
		CreatedAt:    unix(b.CreatedAt),
		InProgressAt: unix(b.InProgressAt),
		CompletedAt:  unix(b.CompletedAt),
		FailedAt:     unix(b.FailedAt),
		ExpiredAt:    unix(b.ExpiredAt),
		CancelledAt:  unix(b.CancelledAt),
	}
	for _, e := range b.Errors.Data {
		msg := e.Message
		if msg == "" {
			msg = e.Code
		}
		out.Errors = append(out.Errors, msg)
	}
	return out
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

var _ API = (*Client)(nil)

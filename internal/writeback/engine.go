// Package writeback files calibrated screening decisions into
// included/maybe/excluded collections under a parent collection.
package writeback

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackzampolin/screener/internal/classify"
	"github.com/jackzampolin/screener/internal/library"
)

// Bucket is a destination collection under the screen container.
type Bucket string

const (
	Included Bucket = "included"
	Maybe    Bucket = "maybe"
	Excluded Bucket = "excluded"
)

// Buckets lists every bucket in creation order.
var Buckets = []Bucket{Included, Maybe, Excluded}

const (
	// DefaultContainer names the screen container when none is given.
	DefaultContainer = "screen"
	// MaxSuggestedTags caps suggested tags merged onto included items.
	MaxSuggestedTags = 6
	// MaxSample caps the entries echoed in Outcome.Sample.
	MaxSample = 10
	// TopicTagPrefix prefixes the topic-derived tag.
	TopicTagPrefix = "screen:"
)

// Title is the collection name of a bucket.
func (b Bucket) Title() string {
	return strings.ToUpper(string(b[:1])) + string(b[1:])
}

// BucketFor applies the bucket rule to one entry.
func BucketFor(e classify.Entry, threshold float64) Bucket {
	switch {
	case e.Status == classify.StatusIncluded && e.Confidence >= threshold:
		return Included
	case e.Status == classify.StatusExcluded:
		return Excluded
	default:
		return Maybe
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// TopicTag derives the tag written onto included items.
func TopicTag(topic string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(topic), "-"), "-")
	if slug == "" {
		slug = "topic"
	}
	return TopicTagPrefix + slug
}

// Request is one write-back run.
type Request struct {
	Parent        string
	Topic         string
	Threshold     float64
	SubfolderName string
	Entries       []classify.Entry
	// OnProgress, when set, is called after each entry.
	OnProgress func(done, total int)
}

// BucketStats counts outcomes for one bucket.
type BucketStats struct {
	Key     string `json:"key"`
	Total   int    `json:"total"`
	Added   int    `json:"added"`
	Skipped int    `json:"skipped"`
}

// Failure records a single entry that could not be written.
type Failure struct {
	Key    string `json:"key"`
	Bucket Bucket `json:"bucket"`
	Error  string `json:"error"`
}

// SampleEntry echoes a decision for display.
type SampleEntry struct {
	Key        string  `json:"key"`
	Title      string  `json:"title,omitempty"`
	Bucket     Bucket  `json:"bucket"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Outcome summarizes a write-back run.
type Outcome struct {
	Parent    string                 `json:"parent"`
	Container string                 `json:"container"`
	Topic     string                 `json:"topic"`
	Screened  int                    `json:"screened"`
	Matched   int                    `json:"matched"`
	Added     int                    `json:"added"`
	Skipped   int                    `json:"skipped"`
	Failed    int                    `json:"failed"`
	Buckets   map[Bucket]BucketStats `json:"buckets"`
	Sample    []SampleEntry          `json:"sample,omitempty"`
	Failures  []Failure              `json:"failures,omitempty"`
}

// Engine writes decisions into a library.
type Engine struct {
	lib    library.Library
	logger *slog.Logger
}

// New creates an Engine.
func New(lib library.Library, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{lib: lib, logger: logger}
}

// Apply resolves the parent, ensures the bucket structure and files every
// entry. Resolution and structure errors abort; per-entry errors are
// collected in the outcome.
func (e *Engine) Apply(ctx context.Context, req Request) (*Outcome, error) {
	tree, err := e.loadTree(ctx)
	if err != nil {
		return nil, err
	}
	parent, err := resolveIn(tree.cols, req.Parent)
	if err != nil {
		return nil, err
	}

	containerName := strings.TrimSpace(req.SubfolderName)
	if containerName == "" {
		containerName = DefaultContainer
	}
	container, err := e.ensureChild(ctx, tree, containerName, parent.Key)
	if err != nil {
		return nil, fmt.Errorf("ensure container %q: %w", containerName, err)
	}

	out := &Outcome{
		Parent:    library.Path(parent, tree.byKey()),
		Container: containerName,
		Topic:     req.Topic,
		Buckets:   make(map[Bucket]BucketStats, len(Buckets)),
	}
	bucketKeys := make(map[Bucket]string, len(Buckets))
	for _, b := range Buckets {
		col, err := e.ensureChild(ctx, tree, b.Title(), container.Key)
		if err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", b, err)
		}
		bucketKeys[b] = col.Key
		out.Buckets[b] = BucketStats{Key: col.Key}
	}

	tag := TopicTag(req.Topic)
	total := len(req.Entries)
	for i, entry := range req.Entries {
		b := BucketFor(entry, req.Threshold)
		stats := out.Buckets[b]
		stats.Total++
		out.Screened++
		if b == Included {
			out.Matched++
		}

		title, added, err := e.file(ctx, entry, bucketKeys[b], b == Included, tag)
		switch {
		case err != nil:
			out.Failed++
			out.Failures = append(out.Failures, Failure{Key: entry.Key, Bucket: b, Error: err.Error()})
			e.logger.Warn("write-back failed for item", "key", entry.Key, "bucket", b, "error", err)
		case added:
			out.Added++
			stats.Added++
		default:
			out.Skipped++
			stats.Skipped++
		}
		out.Buckets[b] = stats

		if len(out.Sample) < MaxSample {
			out.Sample = append(out.Sample, SampleEntry{
				Key:        entry.Key,
				Title:      title,
				Bucket:     b,
				Confidence: entry.Confidence,
				Reason:     entry.Reason,
			})
		}
		if req.OnProgress != nil {
			req.OnProgress(i+1, total)
		}
	}

	e.logger.Info("write-back complete",
		"parent", out.Parent,
		"screened", out.Screened,
		"added", out.Added,
		"skipped", out.Skipped,
		"failed", out.Failed)
	return out, nil
}

// file adds one item to its bucket, reporting whether anything was added.
func (e *Engine) file(ctx context.Context, entry classify.Entry, bucketKey string, included bool, topicTag string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	item, err := e.lib.Item(ctx, entry.Key)
	if err != nil {
		return "", false, err
	}
	if item.InCollection(bucketKey) {
		return item.Title, false, nil
	}
	if err := e.lib.AddToCollection(ctx, entry.Key, bucketKey); err != nil {
		return item.Title, false, err
	}
	if included {
		tags := []string{topicTag}
		suggested := entry.SuggestedTags
		if len(suggested) > MaxSuggestedTags {
			suggested = suggested[:MaxSuggestedTags]
		}
		tags = append(tags, suggested...)
		if err := e.lib.AddTags(ctx, entry.Key, tags); err != nil {
			return item.Title, false, fmt.Errorf("added to bucket but tagging failed: %w", err)
		}
	}
	return item.Title, true, nil
}

type tree struct {
	cols []library.Collection
}

func (t *tree) byKey() map[string]library.Collection { return library.Index(t.cols) }

func (t *tree) child(name, parentKey string) (library.Collection, bool) {
	for _, c := range t.cols {
		if c.ParentKey == parentKey && strings.EqualFold(strings.TrimSpace(c.Name), name) {
			return c, true
		}
	}
	return library.Collection{}, false
}

func (e *Engine) loadTree(ctx context.Context) (*tree, error) {
	cols, err := e.lib.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return &tree{cols: cols}, nil
}

// ensureChild finds or creates name under parentKey. A failed create
// re-reads the hierarchy in case another writer created it first.
func (e *Engine) ensureChild(ctx context.Context, t *tree, name, parentKey string) (library.Collection, error) {
	if c, ok := t.child(name, parentKey); ok {
		return c, nil
	}
	created, err := e.lib.CreateCollection(ctx, name, parentKey)
	if err == nil {
		t.cols = append(t.cols, created)
		return created, nil
	}

	fresh, rerr := e.lib.Collections(ctx)
	if rerr != nil {
		return library.Collection{}, fmt.Errorf("create failed (%v) and re-read failed: %w", err, rerr)
	}
	t.cols = fresh
	if c, ok := t.child(name, parentKey); ok {
		e.logger.Debug("collection appeared after create race", "name", name, "key", c.Key)
		return c, nil
	}
	return library.Collection{}, err
}

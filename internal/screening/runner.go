package screening

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/screener/internal/batch"
	"github.com/jackzampolin/screener/internal/calibrate"
	"github.com/jackzampolin/screener/internal/classify"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/library"
	"github.com/jackzampolin/screener/internal/writeback"
)

// Classifier classifies candidates locally.
type Classifier interface {
	Classify(ctx context.Context, topic string, items []classify.Candidate) ([]classify.Entry, error)
}

// Summary is the job result of a screening run.
type Summary struct {
	Mode    Mode   `json:"mode"`
	BatchID string `json:"batch_id,omitempty"`
	*writeback.Outcome
	Unparsed []batch.LineError `json:"unparsed,omitempty"`
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Library    library.Library
	Classifier Classifier // Local mode
	Batches    batch.API  // Batch mode
	Cache      *batch.Cache
	Recent     *library.Recent // Optional
	Model      string
	Endpoint   string
	ChunkSize  int  // Items per local classify call (default 20)
	Defaults   Args // Threshold, max items and mode when omitted
	Logger     *slog.Logger
}

// Runner executes screen_topic jobs.
type Runner struct {
	cfg    RunnerConfig
	engine *writeback.Engine
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 20
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = batch.EndpointChatCompletions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		engine: writeback.New(cfg.Library, logger),
		logger: logger,
	}
}

// Run implements jobs.Runner.
func (r *Runner) Run(ctx context.Context, rec jobs.Record) (*jobs.Outcome, error) {
	var args Args
	if err := json.Unmarshal(rec.RunnerPayload, &args); err != nil {
		return nil, fmt.Errorf("invalid screen_topic payload: %w", err)
	}
	args = args.WithDefaults(r.cfg.Defaults)
	if err := args.Validate(); err != nil {
		return nil, err
	}

	// Resolve before any remote work so ambiguous targets fail closed.
	jobs.ReportProgress(ctx, 1, "Resolving parent collection")
	parent, err := writeback.Resolve(ctx, r.cfg.Library, args.ParentIdentifier)
	if err != nil {
		return nil, err
	}
	r.touch(args)

	jobs.ReportProgress(ctx, 3, "Listing items")
	items, err := r.cfg.Library.Items(ctx, parent.Key, args.MaxItems)
	if err != nil {
		return nil, fmt.Errorf("list items in %s: %w", args.ParentIdentifier, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("collection %q has no items to screen", args.ParentIdentifier)
	}
	candidates := make([]classify.Candidate, 0, len(items))
	for _, it := range items {
		candidates = append(candidates, classify.Candidate{Key: it.Key, Title: it.Title, Abstract: it.Abstract})
	}

	if ParseMode(string(args.Mode)) == ModeLocal {
		return r.runLocal(ctx, args, candidates)
	}
	return r.submitBatch(ctx, rec.ID, args, candidates)
}

func (r *Runner) runLocal(ctx context.Context, args Args, candidates []classify.Candidate) (*jobs.Outcome, error) {
	if r.cfg.Classifier == nil {
		return nil, fmt.Errorf("local classification is not configured")
	}

	entries := make([]classify.Entry, 0, len(candidates))
	for start := 0; start < len(candidates); start += r.cfg.ChunkSize {
		end := min(start+r.cfg.ChunkSize, len(candidates))
		jobs.ReportProgress(ctx, 5+60*start/len(candidates), fmt.Sprintf("Classifying %d-%d of %d", start+1, end, len(candidates)))

		chunk := candidates[start:end]
		got, err := r.cfg.Classifier.Classify(ctx, args.Topic, chunk)
		if err != nil {
			return nil, fmt.Errorf("classify items %d-%d: %w", start+1, end, err)
		}
		entries = append(entries, calibrateAll(got, chunk, args.Topic)...)
	}

	jobs.ReportProgress(ctx, 65, "Writing back")
	outcome, err := r.engine.Apply(ctx, writeback.Request{
		Parent:        args.ParentIdentifier,
		Topic:         args.Topic,
		Threshold:     args.Threshold(),
		SubfolderName: args.SubfolderName,
		Entries:       entries,
		OnProgress: func(done, total int) {
			jobs.ReportProgress(ctx, 65+34*done/max(total, 1), "Writing back")
		},
	})
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(Summary{Mode: ModeLocal, Outcome: outcome})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal summary: %w", err)
	}
	return &jobs.Outcome{Result: raw}, nil
}

func (r *Runner) submitBatch(ctx context.Context, jobID string, args Args, candidates []classify.Candidate) (*jobs.Outcome, error) {
	if r.cfg.Batches == nil {
		return nil, fmt.Errorf("batch classification is not configured")
	}

	jobs.ReportProgress(ctx, 5, "Submitting batch")
	body, err := batch.BuildRequests(r.cfg.Endpoint, r.cfg.Model, args.Topic, candidates)
	if err != nil {
		return nil, err
	}
	b, err := r.cfg.Batches.Submit(ctx, batch.Submission{
		Endpoint: r.cfg.Endpoint,
		Body:     body,
		Metadata: args.Metadata(jobID),
	})
	if err != nil {
		return nil, err
	}
	if b.ID == "" {
		return &jobs.Outcome{Delegation: &jobs.Delegation{Pending: true}}, nil
	}

	if r.cfg.Cache != nil {
		err := r.cfg.Cache.SaveManifest(&batch.Manifest{
			BatchID:    b.ID,
			JobID:      jobID,
			Endpoint:   r.cfg.Endpoint,
			Model:      r.cfg.Model,
			Topic:      args.Topic,
			Candidates: candidates,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			r.logger.Warn("failed to cache batch manifest", "batch_id", b.ID, "error", err)
		}
	}

	return &jobs.Outcome{Delegation: &jobs.Delegation{BatchID: b.ID, Link: args.Link()}}, nil
}

func (r *Runner) touch(args Args) {
	if r.cfg.Recent == nil {
		return
	}
	err := r.cfg.Recent.Touch(library.Hint{
		ParentIdentifier: args.ParentIdentifier,
		SubfolderName:    args.SubfolderName,
		Topic:            args.Topic,
	})
	if err != nil {
		r.logger.Warn("failed to record recent target", "error", err)
	}
}

// calibrateAll adjusts each entry against the text of its candidate.
// Entries for unknown keys are dropped.
func calibrateAll(entries []classify.Entry, candidates []classify.Candidate, topic string) []classify.Entry {
	text := make(map[string]string, len(candidates))
	for _, c := range candidates {
		text[c.Key] = c.Text()
	}
	out := make([]classify.Entry, 0, len(entries))
	for _, e := range entries {
		t, ok := text[e.Key]
		if !ok {
			continue
		}
		out = append(out, calibrate.Calibrate(e, t, topic))
	}
	return out
}

var _ jobs.Runner = (*Runner)(nil)

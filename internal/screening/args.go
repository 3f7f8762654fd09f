// Package screening implements the screen_topic workflow: classify the
// items of a library collection against a topic, either locally through
// the worker subprocess or by delegating to the batch API, then file the
// calibrated decisions into buckets.
package screening

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/library"
)

// FunctionName is the job function this package registers.
const FunctionName = "screen_topic"

// Mode selects where classification happens.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeBatch Mode = "batch"
)

// ParseMode normalizes a mode name, defaulting to batch.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeLocal)) {
		return ModeLocal
	}
	return ModeBatch
}

// Args are the workflow arguments stored as the job payload.
type Args struct {
	ParentIdentifier    string   `json:"parent_identifier"`
	SubfolderName       string   `json:"subfolder_name,omitempty"`
	Topic               string   `json:"topic"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	MaxItems            int      `json:"max_items,omitempty"`
	Mode                Mode     `json:"mode,omitempty"`
}

// ThresholdOf returns v as an explicitly set confidence threshold.
func ThresholdOf(v float64) *float64 { return &v }

// Threshold returns the confidence threshold, zero when unset.
func (a Args) Threshold() float64 {
	if a.ConfidenceThreshold == nil {
		return 0
	}
	return *a.ConfidenceThreshold
}

// Complete reports whether the args are enough to write results back.
func (a Args) Complete() bool {
	return strings.TrimSpace(a.ParentIdentifier) != "" && strings.TrimSpace(a.Topic) != ""
}

// Validate checks user-supplied args.
func (a Args) Validate() error {
	if strings.TrimSpace(a.ParentIdentifier) == "" {
		return fmt.Errorf("parent_identifier is required")
	}
	if strings.TrimSpace(a.Topic) == "" {
		return fmt.Errorf("topic is required")
	}
	if t := a.Threshold(); t < 0 || t > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1, got %v", t)
	}
	if a.MaxItems < 0 {
		return fmt.Errorf("max_items must not be negative")
	}
	return nil
}

// WithDefaults fills unset fields from d.
func (a Args) WithDefaults(d Args) Args {
	return a.Fill(d)
}

// Fill returns a with every empty field taken from other.
func (a Args) Fill(other Args) Args {
	if a.ParentIdentifier == "" {
		a.ParentIdentifier = other.ParentIdentifier
	}
	if a.SubfolderName == "" {
		a.SubfolderName = other.SubfolderName
	}
	if a.Topic == "" {
		a.Topic = other.Topic
	}
	if a.ConfidenceThreshold == nil && other.ConfidenceThreshold != nil {
		a.ConfidenceThreshold = ThresholdOf(*other.ConfidenceThreshold)
	}
	if a.MaxItems == 0 {
		a.MaxItems = other.MaxItems
	}
	if a.Mode == "" {
		a.Mode = other.Mode
	}
	return a
}

// Synthesize merges sources field by field, earlier sources winning.
func Synthesize(sources ...Args) Args {
	var out Args
	for _, s := range sources {
		out = out.Fill(s)
	}
	return out
}

// Link converts args into a manual batch link.
func (a Args) Link() *jobs.ManualBatchLink {
	return &jobs.ManualBatchLink{
		ParentIdentifier:    a.ParentIdentifier,
		SubfolderName:       a.SubfolderName,
		Topic:               a.Topic,
		ConfidenceThreshold: cloneThreshold(a.ConfidenceThreshold),
		MaxItems:            a.MaxItems,
	}
}

// ArgsFromLink reads args from a manual batch link.
func ArgsFromLink(l jobs.ManualBatchLink) Args {
	return Args{
		ParentIdentifier:    l.ParentIdentifier,
		SubfolderName:       l.SubfolderName,
		Topic:               l.Topic,
		ConfidenceThreshold: cloneThreshold(l.ConfidenceThreshold),
		MaxItems:            l.MaxItems,
		Mode:                ModeBatch,
	}
}

func cloneThreshold(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return ThresholdOf(*p)
}

// ArgsFromHint reads args from the recently-touched cache.
func ArgsFromHint(h library.Hint) Args {
	return Args{
		ParentIdentifier: h.ParentIdentifier,
		SubfolderName:    h.SubfolderName,
		Topic:            h.Topic,
	}
}

// Batch metadata keys. Values are limited to 512 characters remotely.
const (
	metaWorkflow  = "workflow"
	metaJobID     = "job_id"
	metaParent    = "parent_identifier"
	metaSubfolder = "subfolder_name"
	metaTopic     = "topic"
	metaThreshold = "confidence_threshold"
	metaMaxItems  = "max_items"
	maxMetaValue  = 512
)

// Metadata encodes args for batch metadata.
func (a Args) Metadata(jobID string) map[string]string {
	md := map[string]string{
		metaWorkflow: FunctionName,
		metaParent:   truncate(a.ParentIdentifier),
		metaTopic:    truncate(a.Topic),
	}
	if jobID != "" {
		md[metaJobID] = jobID
	}
	if a.SubfolderName != "" {
		md[metaSubfolder] = truncate(a.SubfolderName)
	}
	if a.ConfidenceThreshold != nil {
		md[metaThreshold] = strconv.FormatFloat(*a.ConfidenceThreshold, 'f', -1, 64)
	}
	if a.MaxItems > 0 {
		md[metaMaxItems] = strconv.Itoa(a.MaxItems)
	}
	return md
}

// ArgsFromMetadata reads whatever args batch metadata carries.
func ArgsFromMetadata(md map[string]string) Args {
	a := Args{
		ParentIdentifier: md[metaParent],
		SubfolderName:    md[metaSubfolder],
		Topic:            md[metaTopic],
	}
	if v, err := strconv.ParseFloat(md[metaThreshold], 64); err == nil {
		a.ConfidenceThreshold = &v
	}
	if v, err := strconv.Atoi(md[metaMaxItems]); err == nil {
		a.MaxItems = v
	}
	if a.ParentIdentifier != "" || a.Topic != "" {
		a.Mode = ModeBatch
	}
	return a
}

// JobIDFromMetadata returns the job id recorded at submission.
func JobIDFromMetadata(md map[string]string) string {
	return md[metaJobID]
}

// IsScreeningBatch reports whether metadata marks a batch as ours. Batches
// without a workflow tag are accepted so older submissions still reconcile.
func IsScreeningBatch(md map[string]string) bool {
	w, ok := md[metaWorkflow]
	return !ok || w == FunctionName
}

func truncate(s string) string {
	if len(s) <= maxMetaValue {
		return s
	}
	return strings.ToValidUTF8(s[:maxMetaValue], "")
}

// PayloadArgs decodes the args stored on a job, returning zero args when
// the payload is absent or malformed.
func PayloadArgs(rec jobs.Record) Args {
	var a Args
	if rec.HasPayload() {
		_ = json.Unmarshal(rec.RunnerPayload, &a)
	}
	return a
}

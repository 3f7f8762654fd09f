package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	jobsFile    = "jobs.json"
	linksFile   = "batch_links.json"
	purgedFile  = "purged_batches.json"
	idPrefix    = "job-"
	defaultKeep = 200
)

// ManualBatchLink ties a batch id to the workflow arguments needed to
// finalize it.
type ManualBatchLink struct {
	BatchID             string    `json:"batch_id"`
	JobID               string    `json:"job_id,omitempty"`
	ParentIdentifier    string    `json:"parent_identifier"`
	SubfolderName       string    `json:"subfolder_name,omitempty"`
	Topic               string    `json:"topic"`
	ConfidenceThreshold *float64  `json:"confidence_threshold,omitempty"`
	MaxItems            int       `json:"max_items,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// EventType names a store change.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
)

// Event is delivered to subscribers after every record change.
type Event struct {
	Type   EventType `json:"type"`
	Record Record    `json:"record"`
}

type snapshot struct {
	SavedAt         time.Time `json:"saved_at"`
	NextJobSequence int       `json:"next_job_sequence"`
	Jobs            []Record  `json:"jobs"`
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Dir          string // Directory for jobs.json and side tables
	MaxPersisted int    // Last N jobs written to disk (default 200)
	Logger       *slog.Logger
	Now          func() time.Time // Optional (tests)
}

// Store owns job records, the manual batch link table and the purged
// batch set. Every mutation is written to disk before it returns.
type Store struct {
	mu      sync.Mutex
	dir     string
	keep    int
	logger  *slog.Logger
	now     func() time.Time
	jobs    map[string]*Record
	order   []string
	nextSeq int
	links   []ManualBatchLink
	purged  []string

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// OpenStore loads the snapshot from cfg.Dir and applies restart rules:
// running local jobs go back to the queue, running delegated jobs with a
// batch id stay running, and queued jobs without a payload fail.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("store dir is required")
	}
	if cfg.MaxPersisted <= 0 {
		cfg.MaxPersisted = defaultKeep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	s := &Store{
		dir:     cfg.Dir,
		keep:    cfg.MaxPersisted,
		logger:  logger,
		now:     now,
		jobs:    make(map[string]*Record),
		nextSeq: 1,
		subs:    make(map[int]chan Event),
	}

	var snap snapshot
	if err := readJSON(filepath.Join(cfg.Dir, jobsFile), &snap); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(cfg.Dir, linksFile), &s.links); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(cfg.Dir, purgedFile), &s.purged); err != nil {
		return nil, err
	}

	s.nextSeq = max(1, snap.NextJobSequence)
	changed := false
	for i := range snap.Jobs {
		rec := snap.Jobs[i]
		if rec.ID == "" {
			continue
		}
		if seq := sequenceOf(rec.ID); seq >= s.nextSeq {
			s.nextSeq = seq + 1
		}
		if s.rehydrate(&rec) {
			changed = true
		}
		if _, dup := s.jobs[rec.ID]; !dup {
			s.order = append(s.order, rec.ID)
		}
		s.jobs[rec.ID] = &rec
	}
	if changed {
		if err := s.persistJobsLocked(); err != nil {
			return nil, err
		}
	}
	logger.Info("job store loaded", "dir", cfg.Dir, "jobs", len(s.order), "links", len(s.links), "purged", len(s.purged))
	return s, nil
}

func (s *Store) rehydrate(rec *Record) bool {
	switch rec.Status {
	case StatusRunning:
		if rec.External && rec.ExternalBatchID != "" {
			return false
		}
		rec.Status = StatusQueued
		rec.StartedAt = nil
		rec.Phase = "Requeued after restart"
		rec.Progress = 0
		s.logger.Info("requeued interrupted job", "job_id", rec.ID)
		if !rec.HasPayload() {
			s.failMissingPayload(rec)
		}
		return true
	case StatusQueued:
		if rec.External && rec.ExternalBatchID != "" {
			return false
		}
		if !rec.HasPayload() {
			s.failMissingPayload(rec)
			return true
		}
	}
	return false
}

func (s *Store) failMissingPayload(rec *Record) {
	now := s.now()
	rec.Status = StatusFailed
	rec.Error = "job payload missing after restart, cannot resume"
	rec.FinishedAt = &now
	s.logger.Warn("failed queued job without payload", "job_id", rec.ID)
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// Create adds a queued job.
func (s *Store) Create(functionName string, payload json.RawMessage) (Record, error) {
	return s.Insert(Record{
		FunctionName:  functionName,
		Status:        StatusQueued,
		RunnerPayload: payload,
	})
}

// Insert adds rec, assigning an id and creation time when missing.
func (s *Store) Insert(rec Record) (Record, error) {
	s.mu.Lock()
	if rec.ExternalBatchID != "" {
		for _, other := range s.jobs {
			if other.ExternalBatchID == rec.ExternalBatchID {
				s.mu.Unlock()
				return Record{}, fmt.Errorf("%w: %s by %s", ErrBatchTracked, rec.ExternalBatchID, other.ID)
			}
		}
	}
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("%s%06d", idPrefix, s.nextSeq)
		s.nextSeq++
	} else if _, exists := s.jobs[rec.ID]; exists {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("job %s already exists", rec.ID)
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	stored := rec.Clone()
	s.jobs[rec.ID] = &stored
	s.order = append(s.order, rec.ID)
	if err := s.persistJobsLocked(); err != nil {
		delete(s.jobs, rec.ID)
		s.order = s.order[:len(s.order)-1]
		s.mu.Unlock()
		return Record{}, err
	}
	out := stored.Clone()
	s.mu.Unlock()

	s.publish(Event{Type: EventCreated, Record: out})
	return out, nil
}

// Get returns a copy of the job.
func (s *Store) Get(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns all jobs in creation order.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].Clone())
	}
	return out
}

// ByBatch returns the job tracking batchID.
func (s *Store) ByBatch(batchID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if rec := s.jobs[s.order[i]]; rec.ExternalBatchID == batchID {
			return rec.Clone(), true
		}
	}
	return Record{}, false
}

// NextQueued returns the oldest queued job that runs locally. Delegated
// jobs queued on the remote side are left to the reconciler.
func (s *Store) NextQueued() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if rec := s.jobs[id]; rec.Status == StatusQueued && !rec.External {
			return rec.Clone(), true
		}
	}
	return Record{}, false
}

// Update applies fn to the job and persists it. A failed write leaves
// the job as it was. Terminal jobs are immutable and return ErrTerminal;
// see Reenter for the one exception.
func (s *Store) Update(id string, fn func(*Record) error) (Record, error) {
	return s.mutate(id, func(rec *Record) error {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, id, rec.Status)
		}
		return fn(rec)
	})
}

// Reenter moves a finished job back to running so its results can be
// written back again. It is a no-op returning false once recovery has
// been applied, and for jobs that are not finished. Canceled jobs never
// re-enter.
func (s *Store) Reenter(id string, fn func(*Record)) (Record, bool, error) {
	entered := false
	rec, err := s.mutate(id, func(rec *Record) error {
		if !rec.Status.Terminal() || rec.RecoveryApplied() {
			return errNoChange
		}
		if rec.Status == StatusCanceled {
			return fmt.Errorf("%w: %s was canceled", ErrTerminal, id)
		}
		rec.Status = StatusRunning
		rec.FinishedAt = nil
		rec.Error = ""
		if fn != nil {
			fn(rec)
		}
		entered = true
		return nil
	})
	if errors.Is(err, errNoChange) {
		return rec, false, nil
	}
	return rec, entered, err
}

var errNoChange = errors.New("no change")

func (s *Store) mutate(id string, fn func(*Record) error) (Record, error) {
	s.mu.Lock()
	cur, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		out := cur.Clone()
		s.mu.Unlock()
		return out, err
	}
	if next.Status.Terminal() && next.FinishedAt == nil {
		now := s.now()
		next.FinishedAt = &now
	}
	if next.Status == StatusRunning && next.StartedAt == nil {
		now := s.now()
		next.StartedAt = &now
	}
	if next.Status == StatusCompleted {
		next.Progress = 100
	}
	next.ID = id
	s.jobs[id] = &next
	if err := s.persistJobsLocked(); err != nil {
		s.jobs[id] = cur
		out := cur.Clone()
		s.mu.Unlock()
		return out, err
	}
	out := next.Clone()
	s.mu.Unlock()

	s.publish(Event{Type: EventUpdated, Record: out})
	return out, nil
}

// persistJobsLocked writes the last N jobs. Unfinished jobs are always
// written so a restart can resume them.
func (s *Store) persistJobsLocked() error {
	keep := make(map[string]bool, s.keep)
	budget := s.keep
	for i := len(s.order) - 1; i >= 0; i-- {
		id := s.order[i]
		if !s.jobs[id].Status.Terminal() {
			keep[id] = true
			budget--
		}
	}
	for i := len(s.order) - 1; i >= 0 && budget > 0; i-- {
		id := s.order[i]
		if !keep[id] {
			keep[id] = true
			budget--
		}
	}

	snap := snapshot{
		SavedAt:         s.now(),
		NextJobSequence: s.nextSeq,
		Jobs:            make([]Record, 0, len(keep)),
	}
	for _, id := range s.order {
		if keep[id] {
			snap.Jobs = append(snap.Jobs, *s.jobs[id])
		}
	}
	return writeJSON(filepath.Join(s.dir, jobsFile), snap)
}

// Link returns the manual link for batchID.
func (s *Store) Link(batchID string) (ManualBatchLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.BatchID == batchID {
			return l, true
		}
	}
	return ManualBatchLink{}, false
}

// Links returns every manual link.
func (s *Store) Links() []ManualBatchLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.links)
}

// SaveLink inserts or replaces the link for l.BatchID.
func (s *Store) SaveLink(l ManualBatchLink) error {
	if l.BatchID == "" {
		return fmt.Errorf("link without batch id")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = slices.DeleteFunc(s.links, func(x ManualBatchLink) bool { return x.BatchID == l.BatchID })
	s.links = append(s.links, l)
	return writeJSON(filepath.Join(s.dir, linksFile), s.links)
}

// DeleteLink removes the link for batchID, reporting whether one existed.
func (s *Store) DeleteLink(batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.links)
	s.links = slices.DeleteFunc(s.links, func(x ManualBatchLink) bool { return x.BatchID == batchID })
	if len(s.links) == n {
		return false, nil
	}
	return true, writeJSON(filepath.Join(s.dir, linksFile), s.links)
}

// Purge adds batchID to the purged set.
func (s *Store) Purge(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.purged, batchID) {
		return nil
	}
	s.purged = append(s.purged, batchID)
	return writeJSON(filepath.Join(s.dir, purgedFile), s.purged)
}

// IsPurged reports whether batchID was purged.
func (s *Store) IsPurged(batchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.purged, batchID)
}

// Purged returns the purged batch ids.
func (s *Store) Purged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.purged)
}

// Subscribe returns a channel receiving every change until cancel is
// called. Slow subscribers miss events rather than block writers.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func sequenceOf(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, idPrefix))
	if err != nil {
		return 0
	}
	return n
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically so readers never see a partial file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

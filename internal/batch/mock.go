package batch

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"
)

// MockAPI is an in-memory API for tests and offline runs.
type MockAPI struct {
	mu      sync.Mutex
	batches map[string]Batch
	order   []string
	files   map[string][]byte
	seq     int

	// Hidden batches are omitted from List but still returned by Get.
	Hidden map[string]bool
	// EmptySubmitID makes Submit return a batch without an id.
	EmptySubmitID bool
	ListErr       error
	SubmitErr     error
	CancelErr     error

	Submitted []Submission
	Cancelled []string
	Downloads int
	ListCalls int
	GetCalls  int
}

// NewMockAPI creates an empty mock.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		batches: make(map[string]Batch),
		files:   make(map[string][]byte),
		Hidden:  make(map[string]bool),
	}
}

// Put inserts or replaces a batch.
func (m *MockAPI) Put(b Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; !ok {
		m.order = append(m.order, b.ID)
	}
	m.batches[b.ID] = b
}

// Complete marks a batch completed with the given output.
func (m *MockAPI) Complete(id string, output []byte) Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.batches[id]
	b.ID = id
	b.Status = StatusCompleted
	b.CompletedAt = time.Now().UTC()
	b.OutputFileID = "file_out_" + id
	if b.Endpoint == "" {
		b.Endpoint = EndpointChatCompletions
	}
	if _, ok := m.batches[id]; !ok {
		m.order = append(m.order, id)
	}
	m.batches[id] = b
	m.files[b.OutputFileID] = output
	return b
}

// List implements API, newest first.
func (m *MockAPI) List(ctx context.Context, limit int) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []Batch
	for i := len(m.order) - 1; i >= 0; i-- {
		id := m.order[i]
		if m.Hidden[id] {
			continue
		}
		out = append(out, cloneBatch(m.batches[id]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Get implements API.
func (m *MockAPI) Get(ctx context.Context, id string) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	b, ok := m.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("get batch %s: %w", id, ErrNotFound)
	}
	return cloneBatch(b), nil
}

// Submit implements API.
func (m *MockAPI) Submit(ctx context.Context, sub Submission) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return Batch{}, m.SubmitErr
	}
	m.Submitted = append(m.Submitted, sub)
	if m.EmptySubmitID {
		return Batch{Status: StatusValidating}, nil
	}
	m.seq++
	b := Batch{
		ID:        fmt.Sprintf("batch_%d", m.seq),
		Status:    StatusValidating,
		Endpoint:  sub.Endpoint,
		Metadata:  maps.Clone(sub.Metadata),
		CreatedAt: time.Now().UTC(),
	}
	m.batches[b.ID] = b
	m.order = append(m.order, b.ID)
	return cloneBatch(b), nil
}

// Download implements API.
func (m *MockAPI) Download(ctx context.Context, fileID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Downloads++
	data, ok := m.files[fileID]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", fileID, ErrNotFound)
	}
	return data, nil
}

// Cancel implements API.
func (m *MockAPI) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled = append(m.Cancelled, id)
	if m.CancelErr != nil {
		return m.CancelErr
	}
	if b, ok := m.batches[id]; ok && !b.Status.Terminal() {
		b.Status = StatusCancelling
		m.batches[id] = b
	}
	return nil
}

// Stats returns counters under the lock.
func (m *MockAPI) Stats() (submitted, downloads, listCalls, getCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submitted), m.Downloads, m.ListCalls, m.GetCalls
}

// LastSubmission returns the most recent submission.
func (m *MockAPI) LastSubmission() (Submission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Submitted) == 0 {
		return Submission{}, false
	}
	return m.Submitted[len(m.Submitted)-1], true
}

func cloneBatch(b Batch) Batch {
	b.Metadata = maps.Clone(b.Metadata)
	b.Errors = append([]string(nil), b.Errors...)
	return b
}

var _ API = (*MockAPI)(nil)

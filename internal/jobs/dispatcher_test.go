package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gate is a runner that blocks until released.
type gate struct {
	mu       sync.Mutex
	release  map[string]chan *Outcome
	started  chan string
	running  atomic.Int32
	maxSeen  atomic.Int32
	failWith map[string]error
}

func newGate() *gate {
	return &gate{
		release:  make(map[string]chan *Outcome),
		started:  make(chan string, 16),
		failWith: make(map[string]error),
	}
}

func (g *gate) ch(id string) chan *Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.release[id]
	if !ok {
		c = make(chan *Outcome, 1)
		g.release[id] = c
	}
	return c
}

func (g *gate) Run(ctx context.Context, rec Record) (*Outcome, error) {
	n := g.running.Add(1)
	defer g.running.Add(-1)
	for {
		m := g.maxSeen.Load()
		if n <= m || g.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	g.started <- rec.ID
	select {
	case out := <-g.ch(rec.ID):
		g.mu.Lock()
		err := g.failWith[rec.ID]
		g.mu.Unlock()
		return out, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) finish(id string, out *Outcome) { g.ch(id) <- out }

type restartCounter struct{ n atomic.Int32 }

func (r *restartCounter) Restart() { r.n.Add(1) }

func newTestDispatcher(t *testing.T) (*Dispatcher, *Store, *gate, *restartCounter) {
	t.Helper()
	store := openTestStore(t, t.TempDir(), 50)
	restarts := &restartCounter{}
	d := NewDispatcher(DispatcherConfig{Store: store, Restarter: restarts})
	g := newGate()
	d.Register("screen_topic", g)
	t.Cleanup(func() {
		_ = d.Shutdown(context.Background())
	})
	return d, store, g, restarts
}

func waitStarted(t *testing.T, g *gate) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job to start")
		return ""
	}
}

func waitStatus(t *testing.T, s *Store, id string, want Status) Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := s.Get(id)
		if err == nil && rec.Status == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s status = %s, want %s", id, rec.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_BackToBack(t *testing.T) {
	d, store, g, _ := newTestDispatcher(t)
	ctx := context.Background()

	first, err := d.Enqueue(ctx, "screen_topic", map[string]string{"topic": "a"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	second, err := d.Enqueue(ctx, "screen_topic", map[string]string{"topic": "b"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if id := waitStarted(t, g); id != first.ID {
		t.Fatalf("started %s, want %s", id, first.ID)
	}
	if rec, _ := store.Get(second.ID); rec.Status != StatusQueued {
		t.Fatalf("second job status = %s while first runs", rec.Status)
	}
	if active, _ := d.Active(); active != first.ID {
		t.Fatalf("active = %s", active)
	}

	g.finish(first.ID, &Outcome{Result: json.RawMessage(`{"added":3}`)})
	if id := waitStarted(t, g); id != second.ID {
		t.Fatalf("started %s, want %s", id, second.ID)
	}
	done := waitStatus(t, store, first.ID, StatusCompleted)
	if done.Result == nil || string(done.Result.Outcome) != `{"added":3}` || done.Progress != 100 {
		t.Fatalf("completed record = %+v", done)
	}

	g.finish(second.ID, &Outcome{})
	waitStatus(t, store, second.ID, StatusCompleted)
	d.Wait()
	if g.maxSeen.Load() != 1 {
		t.Fatalf("saw %d concurrent local jobs", g.maxSeen.Load())
	}
}

func TestDispatcher_PausedUntilStart(t *testing.T) {
	store := openTestStore(t, t.TempDir(), 10)
	d := NewDispatcher(DispatcherConfig{Store: store, Paused: true})
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	g := newGate()
	d.Register("screen_topic", g)

	rec, err := d.Enqueue(context.Background(), "screen_topic", nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d.DispatchNext()
	if got, _ := store.Get(rec.ID); got.Status != StatusQueued {
		t.Fatalf("status before Start = %s", got.Status)
	}
	if _, ok := d.Active(); ok {
		t.Fatal("job started while paused")
	}

	d.Start()
	if id := waitStarted(t, g); id != rec.ID {
		t.Fatalf("started %s, want %s", id, rec.ID)
	}
	g.finish(rec.ID, &Outcome{})
	waitStatus(t, store, rec.ID, StatusCompleted)
}

func TestDispatcher_AtMostOneLocal(t *testing.T) {
	d, store, g, _ := newTestDispatcher(t)
	ctx := context.Background()

	var ids []string
	for range 5 {
		rec, err := d.Enqueue(ctx, "screen_topic", map[string]int{"n": 1})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}
	for range ids {
		id := waitStarted(t, g)
		running := 0
		for _, rec := range store.List() {
			if rec.Status == StatusRunning && !rec.External {
				running++
			}
		}
		if running != 1 {
			t.Fatalf("%d local jobs running", running)
		}
		g.finish(id, &Outcome{})
	}
	for _, id := range ids {
		waitStatus(t, store, id, StatusCompleted)
	}
	if g.maxSeen.Load() != 1 {
		t.Fatalf("saw %d concurrent local jobs", g.maxSeen.Load())
	}
}

func TestDispatcher_Delegation(t *testing.T) {
	d, store, g, _ := newTestDispatcher(t)
	ctx := context.Background()

	first, _ := d.Enqueue(ctx, "screen_topic", map[string]string{})
	second, _ := d.Enqueue(ctx, "screen_topic", map[string]string{})
	waitStarted(t, g)

	g.finish(first.ID, &Outcome{Delegation: &Delegation{
		BatchID: "batch_1",
		Link:    &ManualBatchLink{ParentIdentifier: "Research", Topic: "frameworks", ConfidenceThreshold: threshold(0.6)},
	}})
	if id := waitStarted(t, g); id != second.ID {
		t.Fatalf("second job not started after delegation, got %s", id)
	}

	rec, _ := store.Get(first.ID)
	if rec.Status != StatusRunning || !rec.External || rec.ExternalBatchID != "batch_1" || rec.Phase != PhaseWaitingExternal {
		t.Fatalf("delegated record = %+v", rec)
	}
	link, ok := store.Link("batch_1")
	if !ok || link.JobID != first.ID || link.Topic != "frameworks" {
		t.Fatalf("link = %+v, %v", link, ok)
	}

	if _, err := d.Cancel(first.ID); !errors.Is(err, ErrExternalCancel) {
		t.Fatalf("expected ErrExternalCancel, got %v", err)
	}
	g.finish(second.ID, &Outcome{})
}

func TestDispatcher_DelegationAfterClaim(t *testing.T) {
	claim := func(t *testing.T, store *Store, id, batchID string) {
		t.Helper()
		_, err := store.Update(id, func(r *Record) error {
			r.External = true
			r.ExternalBatchID = batchID
			r.Phase = "Validating"
			r.Progress = 25
			return nil
		})
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
	}

	t.Run("claimed record is kept", func(t *testing.T) {
		d, store, g, _ := newTestDispatcher(t)
		rec, _ := d.Enqueue(context.Background(), "screen_topic", nil)
		waitStarted(t, g)
		claim(t, store, rec.ID, "batch_7")

		g.finish(rec.ID, &Outcome{Delegation: &Delegation{BatchID: "batch_7"}})
		d.Wait()
		got, _ := store.Get(rec.ID)
		if got.Status != StatusRunning || got.ExternalBatchID != "batch_7" || got.Error != "" {
			t.Fatalf("record = %+v", got)
		}
		if got.Phase != "Validating" || got.Progress != 25 {
			t.Fatalf("claim overwritten: phase %q progress %d", got.Phase, got.Progress)
		}
		if _, ok := d.Active(); ok {
			t.Fatal("slot still held")
		}
	})

	t.Run("record finished before the runner returned", func(t *testing.T) {
		d, store, g, _ := newTestDispatcher(t)
		rec, _ := d.Enqueue(context.Background(), "screen_topic", nil)
		waitStarted(t, g)
		claim(t, store, rec.ID, "batch_8")
		if _, err := store.Update(rec.ID, func(r *Record) error {
			r.Status = StatusCompleted
			return nil
		}); err != nil {
			t.Fatal(err)
		}

		g.finish(rec.ID, &Outcome{Delegation: &Delegation{BatchID: "batch_8"}})
		d.Wait()
		if got, _ := store.Get(rec.ID); got.Status != StatusCompleted || got.Error != "" {
			t.Fatalf("record = %+v", got)
		}
	})

	t.Run("different batch fails the job", func(t *testing.T) {
		d, store, g, _ := newTestDispatcher(t)
		rec, _ := d.Enqueue(context.Background(), "screen_topic", nil)
		waitStarted(t, g)
		claim(t, store, rec.ID, "batch_a")

		g.finish(rec.ID, &Outcome{Delegation: &Delegation{BatchID: "batch_b"}})
		failed := waitStatus(t, store, rec.ID, StatusFailed)
		if failed.ExternalBatchID != "batch_a" {
			t.Fatalf("batch id = %q", failed.ExternalBatchID)
		}
	})
}

func TestDispatcher_CancelAfterClaim(t *testing.T) {
	d, store, g, restarts := newTestDispatcher(t)
	rec, _ := d.Enqueue(context.Background(), "screen_topic", nil)
	waitStarted(t, g)

	// The reconciler adopts the job between submission and delegation.
	if _, err := store.Update(rec.ID, func(r *Record) error {
		r.External = true
		r.ExternalBatchID = "batch_5"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Cancel(rec.ID); !errors.Is(err, ErrExternalCancel) {
		t.Fatalf("expected ErrExternalCancel, got %v", err)
	}
	if active, ok := d.Active(); !ok || active != rec.ID {
		t.Fatalf("active = %q, %v", active, ok)
	}
	if restarts.n.Load() != 0 {
		t.Fatal("worker restarted")
	}
	if got, _ := store.Get(rec.ID); got.Status != StatusRunning {
		t.Fatalf("status = %s", got.Status)
	}

	g.finish(rec.ID, &Outcome{Delegation: &Delegation{BatchID: "batch_5"}})
	d.Wait()
	if got, _ := store.Get(rec.ID); got.Status != StatusRunning || got.ExternalBatchID != "batch_5" {
		t.Fatalf("record = %+v", got)
	}
}

func TestDispatcher_Failures(t *testing.T) {
	t.Run("pending without id is fatal", func(t *testing.T) {
		d, store, g, _ := newTestDispatcher(t)
		rec, _ := d.Enqueue(context.Background(), "screen_topic", nil)
		waitStarted(t, g)
		g.finish(rec.ID, &Outcome{Delegation: &Delegation{Pending: true}})
		failed := waitStatus(t, store, rec.ID, StatusFailed)
		if failed.Error != ErrPendingWithoutID.Error() {
			t.Fatalf("error = %q", failed.Error)
		}
	})

	t.Run("runner error is recorded verbatim", func(t *testing.T) {
		d, store, g, _ := newTestDispatcher(t)
		rec, _ := d.Enqueue(context.Background(), "screen_topic", nil)
		next, _ := d.Enqueue(context.Background(), "screen_topic", nil)
		waitStarted(t, g)
		g.mu.Lock()
		g.failWith[rec.ID] = errors.New("worker exploded: exit 3")
		g.mu.Unlock()
		g.finish(rec.ID, nil)
		failed := waitStatus(t, store, rec.ID, StatusFailed)
		if failed.Error != "worker exploded: exit 3" {
			t.Fatalf("error = %q", failed.Error)
		}
		if id := waitStarted(t, g); id != next.ID {
			t.Fatalf("queue did not continue, started %s", id)
		}
		g.finish(next.ID, &Outcome{})
	})

	t.Run("unknown function", func(t *testing.T) {
		d, _, _, _ := newTestDispatcher(t)
		if _, err := d.Enqueue(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownFunction) {
			t.Fatalf("expected ErrUnknownFunction, got %v", err)
		}
	})

	t.Run("panic becomes failure", func(t *testing.T) {
		d, store, _, _ := newTestDispatcher(t)
		d.Register("boom", RunnerFunc(func(context.Context, Record) (*Outcome, error) { panic("bad input") }))
		rec, _ := d.Enqueue(context.Background(), "boom", nil)
		failed := waitStatus(t, store, rec.ID, StatusFailed)
		if failed.Error != "job panicked: bad input" {
			t.Fatalf("error = %q", failed.Error)
		}
	})
}

func TestDispatcher_Cancel(t *testing.T) {
	d, store, g, restarts := newTestDispatcher(t)
	ctx := context.Background()

	running, _ := d.Enqueue(ctx, "screen_topic", nil)
	queued, _ := d.Enqueue(ctx, "screen_topic", nil)
	last, _ := d.Enqueue(ctx, "screen_topic", nil)
	waitStarted(t, g)

	rec, err := d.Cancel(queued.ID)
	if err != nil || rec.Status != StatusCanceled {
		t.Fatalf("Cancel(queued) = %+v, %v", rec, err)
	}
	if restarts.n.Load() != 0 {
		t.Fatal("worker restarted for queued cancel")
	}

	rec, err = d.Cancel(running.ID)
	if err != nil || rec.Status != StatusCanceled {
		t.Fatalf("Cancel(running) = %+v, %v", rec, err)
	}
	if restarts.n.Load() != 1 {
		t.Fatalf("restarts = %d, want 1", restarts.n.Load())
	}
	if id := waitStarted(t, g); id != last.ID {
		t.Fatalf("started %s after cancel, want %s", id, last.ID)
	}

	if got, _ := store.Get(running.ID); got.Status != StatusCanceled {
		t.Fatalf("canceled job status = %s", got.Status)
	}
	if _, err := d.Cancel(running.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	g.finish(last.ID, &Outcome{})
	waitStatus(t, store, last.ID, StatusCompleted)
}

func TestDispatcher_ReportProgress(t *testing.T) {
	store := openTestStore(t, t.TempDir(), 10)
	d := NewDispatcher(DispatcherConfig{Store: store})
	defer d.Shutdown(context.Background())

	events, cancel := store.Subscribe(32)
	defer cancel()

	d.Register("progress", RunnerFunc(func(ctx context.Context, rec Record) (*Outcome, error) {
		ReportProgress(ctx, 250, "Classifying")
		return &Outcome{}, nil
	}))
	rec, _ := d.Enqueue(context.Background(), "progress", nil)
	waitStatus(t, store, rec.ID, StatusCompleted)
	d.Wait()

	var sawProgress bool
	for len(events) > 0 {
		ev := <-events
		if ev.Record.Phase == "Classifying" && ev.Record.Progress == 99 {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Fatal("progress update was not published")
	}

	// Outside a dispatched job ReportProgress does nothing.
	ReportProgress(context.Background(), 50, "ignored")
}

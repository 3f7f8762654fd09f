package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jackzampolin/screener/internal/batch"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/library"
	"github.com/jackzampolin/screener/internal/reconcile"
	"github.com/jackzampolin/screener/internal/screening"
	"github.com/jackzampolin/screener/internal/server/endpoints"
	"github.com/jackzampolin/screener/internal/svcctx"
)

type testEnv struct {
	srv      *Server
	services *svcctx.Services
	batches  *batch.MockAPI
}

// newTestEnv wires a server over a real store and dispatcher. Jobs whose
// topic is "block" run until canceled; every other job is delegated to
// the mock batch API as "batch_<job id>".
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := jobs.OpenStore(jobs.StoreConfig{Dir: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	mock := batch.NewMockAPI()
	dispatcher := jobs.NewDispatcher(jobs.DispatcherConfig{Store: store, Logger: logger})
	dispatcher.Register(screening.FunctionName, jobs.RunnerFunc(func(ctx context.Context, rec jobs.Record) (*jobs.Outcome, error) {
		args := screening.PayloadArgs(rec)
		if args.Topic == "block" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		id := "batch_" + rec.ID
		mock.Put(batch.Batch{
			ID:        id,
			Status:    batch.StatusInProgress,
			Endpoint:  batch.EndpointChatCompletions,
			Metadata:  args.Metadata(rec.ID),
			Counts:    batch.Counts{Total: 4},
			CreatedAt: time.Now().UTC(),
		})
		return &jobs.Outcome{Delegation: &jobs.Delegation{BatchID: id, Link: args.Link()}}, nil
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dispatcher.Shutdown(ctx)
	})

	finalizer := screening.NewFinalizer(screening.FinalizerConfig{
		Store:   store,
		Batches: mock,
		Library: library.NewMemory(),
		Logger:  logger,
	})
	defaults := screening.Args{ConfidenceThreshold: screening.ThresholdOf(0.6), MaxItems: 50, Mode: screening.ModeBatch}
	services := &svcctx.Services{
		Store:      store,
		Dispatcher: dispatcher,
		Finalizer:  finalizer,
		Batches:    mock,
		Defaults:   defaults,
		Logger:     logger,
		Reconciler: reconcile.New(reconcile.Config{
			Store:     store,
			Batches:   mock,
			Finalizer: finalizer,
			Defaults:  defaults,
			Logger:    logger,
		}),
	}

	srv, err := New(Config{Services: services, Logger: logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testEnv{srv: srv, services: services, batches: mock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func (e *testEnv) create(t *testing.T, args screening.Args) string {
	t.Helper()
	rec := e.do(t, "POST", "/api/jobs", endpoints.CreateJobRequest{Args: args})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decode[endpoints.CreateJobResponse](t, rec).ID
}

func (e *testEnv) waitFor(t *testing.T, id string, cond func(jobs.Record) bool) jobs.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := e.services.Store.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if cond(rec) {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached the expected state, last %+v", id, rec)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func delegated(r jobs.Record) bool { return r.External && r.ExternalBatchID != "" }

func research(topic string) screening.Args {
	return screening.Args{ParentIdentifier: "Research", Topic: topic}
}

func TestNew_RequiresServices(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() without services should fail")
	}
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if got := decode[endpoints.HealthResponse](t, rec); got.Status != "ok" {
		t.Errorf("health = %q", got.Status)
	}

	id := env.create(t, research("XAI"))
	env.waitFor(t, id, delegated)

	rec = env.do(t, "GET", "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	st := decode[endpoints.StatusResponse](t, rec)
	if st.Jobs[jobs.StatusRunning] != 1 || st.Delegated != 1 {
		t.Errorf("status jobs = %v delegated = %d", st.Jobs, st.Delegated)
	}
	if !slices.Contains(st.RegisteredFuncs, screening.FunctionName) {
		t.Errorf("functions = %v", st.RegisteredFuncs)
	}
	if !st.BatchAPI || st.ReconcileEvery != "30s" {
		t.Errorf("batch api = %v, interval = %q", st.BatchAPI, st.ReconcileEvery)
	}
}

func TestRequireInit(t *testing.T) {
	srv, err := New(Config{Services: &svcctx.Services{}})
	if err != nil {
		t.Fatal(err)
	}
	for path, want := range map[string]int{
		"/health":   http.StatusOK,
		"/status":   http.StatusServiceUnavailable,
		"/api/jobs": http.StatusServiceUnavailable,
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestJobsAPI(t *testing.T) {
	env := newTestEnv(t)

	t.Run("rejects invalid args", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/jobs", endpoints.CreateJobRequest{Args: screening.Args{Topic: "XAI"}})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		if msg := decode[endpoints.ErrorResponse](t, rec).Error; !strings.Contains(msg, "parent_identifier") {
			t.Errorf("error = %q", msg)
		}
	})

	t.Run("rejects unknown function", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/jobs", endpoints.CreateJobRequest{FunctionName: "nope"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	id := env.create(t, research("XAI"))
	env.waitFor(t, id, delegated)

	t.Run("get includes link", func(t *testing.T) {
		rec := env.do(t, "GET", "/api/jobs/"+id, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		got := decode[endpoints.GetJobResponse](t, rec)
		if got.ExternalBatchID != "batch_"+id || got.Phase != jobs.PhaseWaitingExternal {
			t.Errorf("record = %+v", got.Record)
		}
		if got.Link == nil || got.Link.Topic != "XAI" || got.Link.JobID != id {
			t.Errorf("link = %+v", got.Link)
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		if rec := env.do(t, "GET", "/api/jobs/job-999", nil); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("list filters", func(t *testing.T) {
		rec := env.do(t, "GET", "/api/jobs?status=running&external=true", nil)
		if got := decode[endpoints.ListJobsResponse](t, rec); len(got.Jobs) != 1 || got.Jobs[0].ID != id {
			t.Errorf("running external = %+v", got.Jobs)
		}
		rec = env.do(t, "GET", "/api/jobs?status=queued", nil)
		if got := decode[endpoints.ListJobsResponse](t, rec); len(got.Jobs) != 0 {
			t.Errorf("queued = %+v", got.Jobs)
		}
	})

	t.Run("cancel delegated is rejected", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/jobs/"+id+"/cancel", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("finalize before completion", func(t *testing.T) {
		rec := env.do(t, "POST", "/api/jobs/"+id+"/finalize", nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
		}
		got := decode[endpoints.FinalizeJobResponse](t, rec)
		if got.Args.ParentIdentifier != "Research" || got.Args.Threshold() != 0.6 {
			t.Errorf("args = %+v", got.Args)
		}
		// The batch is still in progress, so the background retry gives up
		// without touching the job.
		time.Sleep(50 * time.Millisecond)
		if rec, _ := env.services.Store.Get(id); rec.Status != jobs.StatusRunning {
			t.Errorf("status = %s", rec.Status)
		}
	})
}

func TestCancelLocalJob(t *testing.T) {
	env := newTestEnv(t)

	id := env.create(t, research("block"))
	env.waitFor(t, id, func(r jobs.Record) bool { return r.Status == jobs.StatusRunning })

	rec := env.do(t, "POST", "/api/jobs/"+id+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d body %s", rec.Code, rec.Body.String())
	}
	if got := decode[jobs.Record](t, rec); got.Status != jobs.StatusCanceled {
		t.Errorf("status = %s", got.Status)
	}

	rec = env.do(t, "POST", "/api/jobs/"+id+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d", rec.Code)
	}

	rec = env.do(t, "POST", "/api/jobs/"+id+"/finalize", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("finalize local job status = %d", rec.Code)
	}
}

func TestPurgeBatch(t *testing.T) {
	env := newTestEnv(t)

	id := env.create(t, research("XAI"))
	env.waitFor(t, id, delegated)
	batchID := "batch_" + id

	rec := env.do(t, "POST", "/api/batches/"+batchID+"/purge", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("purge status = %d body %s", rec.Code, rec.Body.String())
	}
	got := decode[endpoints.PurgeBatchResponse](t, rec)
	if !got.LinkRemoved || got.JobID != id || got.CancelError != "" {
		t.Errorf("purge = %+v", got)
	}
	if !slices.Contains(env.batches.Cancelled, batchID) {
		t.Errorf("remote cancel not sent, cancelled = %v", env.batches.Cancelled)
	}

	job, _ := env.services.Store.Get(id)
	if job.Status != jobs.StatusCanceled || job.Error != "batch purged" {
		t.Errorf("job = %s %q", job.Status, job.Error)
	}

	rec = env.do(t, "GET", "/api/batches/links", nil)
	links := decode[endpoints.ListBatchLinksResponse](t, rec)
	if len(links.Links) != 0 || !slices.Equal(links.Purged, []string{batchID}) {
		t.Errorf("links = %+v", links)
	}

	t.Run("unknown batch", func(t *testing.T) {
		env.batches.CancelErr = batch.ErrNotFound
		rec := env.do(t, "POST", "/api/batches/batch_gone/purge", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		got := decode[endpoints.PurgeBatchResponse](t, rec)
		if got.LinkRemoved || got.JobID != "" || got.CancelError == "" {
			t.Errorf("purge = %+v", got)
		}
	})
}

func TestReconcileEndpoint(t *testing.T) {
	env := newTestEnv(t)

	id := env.create(t, research("XAI"))
	env.waitFor(t, id, delegated)
	b, err := env.batches.Get(context.Background(), "batch_"+id)
	if err != nil {
		t.Fatal(err)
	}
	b.Counts.Completed = 2
	env.batches.Put(b)

	rec := env.do(t, "POST", "/api/batches/reconcile", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	rep := decode[reconcile.Report](t, rec)
	if rep.Listed != 1 || rep.Updated != 1 {
		t.Errorf("report = %+v", rep)
	}
	if job, _ := env.services.Store.Get(id); job.Progress != 50 {
		t.Errorf("progress = %d", job.Progress)
	}

	env.batches.ListErr = io.ErrUnexpectedEOF
	if rec := env.do(t, "POST", "/api/batches/reconcile", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("list failure status = %d", rec.Code)
	}
}

func TestWatchJobs(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/jobs/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	id := env.create(t, research("XAI"))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var created jobs.Event
	if err := conn.ReadJSON(&created); err != nil {
		t.Fatalf("read: %v", err)
	}
	if created.Type != jobs.EventCreated || created.Record.ID != id {
		t.Errorf("first event = %s %s", created.Type, created.Record.ID)
	}

	for {
		var ev jobs.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if delegated(ev.Record) {
			break
		}
	}
}

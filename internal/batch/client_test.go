package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const batchJSON = `{
	"id": "batch_1",
	"object": "batch",
	"endpoint": "/v1/chat/completions",
	"completion_window": "24h",
	"input_file_id": "file_in",
	"status": "%s",
	"created_at": 1700000000,
	"completed_at": %d,
	"output_file_id": "file_out",
	"metadata": {"workflow": "screen_topic", "topic": "frameworks"},
	"request_counts": {"total": 10, "completed": 4, "failed": 1},
	"errors": {"object": "list", "data": [{"code": "expired", "message": "took too long"}]}
}`

func batchBody(status string, completedAt int64) string {
	return fmt.Sprintf(batchJSON, status, completedAt)
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return NewClient(ClientConfig{APIKey: "test-key", BaseURL: server.URL})
}

func TestClientList(t *testing.T) {
	var limit string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/batches" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		limit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","has_more":false,"data":[`+batchBody("completed", 1700000600)+`]}`)
	}))

	batches, err := c.List(context.Background(), 50)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if limit != "50" {
		t.Fatalf("expected limit=50, got %q", limit)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	b := batches[0]
	if b.Status != StatusCompleted || !b.Status.Terminal() {
		t.Fatalf("unexpected status %q", b.Status)
	}
	if b.Counts.Total != 10 || b.Counts.Completed != 4 || b.Counts.Failed != 1 {
		t.Fatalf("unexpected counts %+v", b.Counts)
	}
	if b.TerminalAt().Unix() != 1700000600 {
		t.Fatalf("unexpected terminal time %v", b.TerminalAt())
	}
	if b.Metadata["topic"] != "frameworks" {
		t.Fatalf("unexpected metadata %v", b.Metadata)
	}
	if b.ErrorMessage() != "took too long" {
		t.Fatalf("unexpected error message %q", b.ErrorMessage())
	}
}

func TestClientGetNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"message":"No batch found","type":"invalid_request_error"}}`)
	}))

	_, err := c.Get(context.Background(), "batch_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientSubmit(t *testing.T) {
	var uploaded string
	var created map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/files":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("parse multipart: %v", err)
			}
			if got := r.FormValue("purpose"); got != "batch" {
				t.Fatalf("expected purpose batch, got %q", got)
			}
			f, _, err := r.FormFile("file")
			if err != nil {
				t.Fatalf("form file: %v", err)
			}
			data, _ := io.ReadAll(f)
			uploaded = string(data)
			_, _ = io.WriteString(w, `{"id":"file_in","object":"file","bytes":12,"created_at":1700000000,"filename":"screen.jsonl","purpose":"batch","status":"processed"}`)
		case "/batches":
			if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
				t.Fatalf("decode batch body: %v", err)
			}
			_, _ = io.WriteString(w, batchBody("validating", 0))
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))

	b, err := c.Submit(context.Background(), Submission{
		Endpoint: EndpointChatCompletions,
		Body:     []byte(`{"custom_id":"topic_1_A"}` + "\n"),
		Metadata: map[string]string{"workflow": "screen_topic"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if b.ID != "batch_1" || b.Status != StatusValidating {
		t.Fatalf("unexpected batch %+v", b)
	}
	if !strings.Contains(uploaded, "topic_1_A") {
		t.Fatalf("unexpected upload %q", uploaded)
	}
	if created["input_file_id"] != "file_in" || created["endpoint"] != EndpointChatCompletions || created["completion_window"] != "24h" {
		t.Fatalf("unexpected create body %v", created)
	}
}

func TestClientSubmitUnsupportedEndpoint(t *testing.T) {
	c := NewClient(ClientConfig{APIKey: "k", BaseURL: "http://127.0.0.1:0"})
	if _, err := c.Submit(context.Background(), Submission{Endpoint: "/v1/embeddings"}); err == nil {
		t.Fatal("expected error for unsupported endpoint")
	}
}

func TestClientDownloadAndCancel(t *testing.T) {
	cancelled := false
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/file_out/content":
			_, _ = io.WriteString(w, "line1\nline2\n")
		case "/batches/batch_1/cancel":
			if r.Method != http.MethodPost {
				t.Fatalf("unexpected method %s", r.Method)
			}
			cancelled = true
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, batchBody("cancelling", 0))
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))

	data, err := c.Download(context.Background(), "file_out")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if string(data) != "line1\nline2\n" {
		t.Fatalf("unexpected data %q", data)
	}
	if err := c.Cancel(context.Background(), "batch_1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancel request")
	}
}

func TestIsSupportedEndpoint(t *testing.T) {
	for ep, want := range map[string]bool{
		"/v1/chat/completions": true,
		"/v1/responses":        true,
		"/v1/embeddings":       false,
		"":                     false,
	} {
		if got := IsSupportedEndpoint(ep); got != want {
			t.Errorf("IsSupportedEndpoint(%q) = %v, want %v", ep, got, want)
		}
	}
}

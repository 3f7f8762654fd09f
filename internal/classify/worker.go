package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxStderrTail bounds how much worker stderr is kept for error messages.
const maxStderrTail = 2048

// WorkerConfig configures the classification subprocess.
type WorkerConfig struct {
	Command string
	Args    []string
	Env     []string      // Extra environment, appended to os.Environ()
	Timeout time.Duration // Per request (default 10m)
	Logger  *slog.Logger
}

// Worker runs one classification subprocess per request. The process reads a
// single JSON request line on stdin and answers with a single JSON envelope
// line on stdout. The worker is stateless between requests, so Restart only
// has to kill whatever process is in flight.
type Worker struct {
	cfg    WorkerConfig
	logger *slog.Logger

	mu         sync.Mutex
	current    *exec.Cmd
	generation uint64
}

// WorkerError is a structured failure reported by (or about) the subprocess.
type WorkerError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ExitCode int    `json:"exit_code,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (e *WorkerError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("classification worker %s: %s (stderr: %s)", e.Code, e.Message, e.Stderr)
	}
	return fmt.Sprintf("classification worker %s: %s", e.Code, e.Message)
}

// ErrWorkerRestarted is wrapped into the error returned to a caller whose
// request was killed by Restart.
var ErrWorkerRestarted = errors.New("classification worker restarted")

// Request is the single-line JSON request written to the worker's stdin.
type Request struct {
	ID    string      `json:"id"`
	Op    string      `json:"op"`
	Topic string      `json:"topic"`
	Items []Candidate `json:"items"`
}

// Envelope is the single-line JSON response read from the worker's stdout.
type Envelope struct {
	ID      string       `json:"id"`
	OK      bool         `json:"ok"`
	Entries []Entry      `json:"entries,omitempty"`
	Error   *WorkerError `json:"error,omitempty"`
}

// NewWorker creates a worker. No process is started until Classify is called.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, logger: logger}
}

// Classify sends one request and returns the decoded entries.
func (w *Worker) Classify(ctx context.Context, topic string, items []Candidate) ([]Entry, error) {
	if w.cfg.Command == "" {
		return nil, &WorkerError{Code: "not_configured", Message: "worker command is empty"}
	}

	req := Request{
		ID:    uuid.New().String(),
		Op:    "classify",
		Topic: topic,
		Items: items,
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal worker request: %w", err)
	}
	line = append(line, '\n')

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.cfg.Command, w.cfg.Args...)
	if len(w.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), w.cfg.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(line)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &WorkerError{Code: "start_failed", Message: err.Error()}
	}

	w.mu.Lock()
	w.current = cmd
	gen := w.generation
	w.mu.Unlock()

	waitErr := cmd.Wait()

	w.mu.Lock()
	restarted := w.generation != gen
	if w.current == cmd {
		w.current = nil
	}
	w.mu.Unlock()

	if restarted {
		return nil, fmt.Errorf("request %s: %w", req.ID, ErrWorkerRestarted)
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return nil, &WorkerError{Code: "timeout", Message: ctx.Err().Error(), Stderr: tail(stderr.String())}
		}
	}

	env, parseErr := parseEnvelope(stdout.Bytes())
	if parseErr != nil {
		code := "bad_output"
		if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
			code = "no_output"
		}
		if ctx.Err() != nil {
			code = "timeout"
		}
		return nil, &WorkerError{
			Code:     code,
			Message:  parseErr.Error(),
			ExitCode: exitCode,
			Stderr:   tail(stderr.String()),
		}
	}
	if env.ID != "" && env.ID != req.ID {
		return nil, &WorkerError{Code: "id_mismatch", Message: fmt.Sprintf("expected response %s, got %s", req.ID, env.ID)}
	}
	if !env.OK {
		werr := env.Error
		if werr == nil {
			werr = &WorkerError{Code: "failed", Message: "worker reported failure without details"}
		}
		werr.ExitCode = exitCode
		return nil, werr
	}
	if exitCode != 0 {
		w.logger.Warn("classification worker exited non-zero with a valid envelope",
			"request_id", req.ID, "exit_code", exitCode)
	}

	entries := make([]Entry, 0, len(env.Entries))
	for _, e := range env.Entries {
		e.Status = ParseStatus(string(e.Status))
		e.Confidence = ClampConfidence(e.Confidence)
		entries = append(entries, e)
	}
	return entries, nil
}

// Restart kills the in-flight process, if any. The next Classify call
// starts a fresh process.
func (w *Worker) Restart() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.generation++
	if w.current != nil && w.current.Process != nil {
		if err := w.current.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			w.logger.Warn("failed to kill classification worker", "error", err)
		}
	}
	w.current = nil
	w.logger.Info("classification worker restarted")
}

// parseEnvelope reads the last non-empty stdout line as the envelope.
// Workers are allowed to print diagnostics before it.
func parseEnvelope(out []byte) (*Envelope, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if l == "" {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(l), &env); err != nil {
			return nil, fmt.Errorf("unparseable worker output: %w", err)
		}
		return &env, nil
	}
	return nil, errors.New("worker produced no output")
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrTail {
		return s[len(s)-maxStderrTail:]
	}
	return s
}

package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/screener/internal/api"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/screening"
	"github.com/jackzampolin/screener/internal/svcctx"
)

// FinalizeJobRequest optionally overrides the arguments used to write the
// batch output back. Empty fields fall back to the job payload, the stored
// batch link, then the configured defaults.
type FinalizeJobRequest struct {
	Args screening.Args `json:"args"`
}

// FinalizeJobResponse is returned when finalization has been started.
type FinalizeJobResponse struct {
	JobID   string         `json:"job_id"`
	BatchID string         `json:"batch_id"`
	Args    screening.Args `json:"args"`
}

// FinalizeJobEndpoint handles POST /api/jobs/{id}/finalize.
type FinalizeJobEndpoint struct{}

func (e *FinalizeJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/finalize", e.handler
}

func (e *FinalizeJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Finalize a delegated job
//	@Description	Re-run write-back for a delegated job whose batch completed. Runs in the background.
//	@Tags			jobs
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Job ID"
//	@Param			request	body		FinalizeJobRequest	false	"Argument overrides"
//	@Success		202		{object}	FinalizeJobResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/jobs/{id}/finalize [post]
func (e *FinalizeJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := svcctx.ServicesFrom(ctx)
	if s.Finalizer == nil {
		writeError(w, http.StatusServiceUnavailable, "finalizer not initialized")
		return
	}

	var req FinalizeJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.Store.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch {
	case rec.ExternalBatchID == "":
		writeError(w, http.StatusConflict, "job has no external batch")
		return
	case rec.RecoveryApplied():
		writeError(w, http.StatusConflict, "batch results were already written back")
		return
	case s.Finalizer.Running(rec.ID):
		writeError(w, http.StatusConflict, screening.ErrFinalizeInProgress.Error())
		return
	}

	sources := []screening.Args{req.Args, screening.PayloadArgs(rec)}
	if link, ok := s.Store.Link(rec.ExternalBatchID); ok {
		sources = append(sources, screening.ArgsFromLink(link))
	}
	sources = append(sources, s.Defaults)
	args := screening.Synthesize(sources...)
	if !args.Complete() {
		writeError(w, http.StatusBadRequest, "parent_identifier and topic are unknown for this batch")
		return
	}

	logger := svcctx.LoggerFrom(ctx).With("job_id", rec.ID, "batch_id", rec.ExternalBatchID)
	go func(ctx context.Context) {
		if err := s.Finalizer.Retry(ctx, rec.ID, args); err != nil {
			logger.Warn("manual finalization failed", "error", err)
		}
	}(context.WithoutCancel(ctx))

	writeJSON(w, http.StatusAccepted, FinalizeJobResponse{
		JobID:   rec.ID,
		BatchID: rec.ExternalBatchID,
		Args:    args,
	})
}

func (e *FinalizeJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	var args screening.Args
	var threshold float64
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Write a completed batch back to the library",
		Long: `Finalize a delegated job again.

Use this after fixing the cause of a failed write-back, e.g. a renamed
parent collection. Flags override the arguments recorded for the batch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			if cmd.Flags().Changed("threshold") {
				args.ConfidenceThreshold = screening.ThresholdOf(threshold)
			}
			client := api.NewClient(getServerURL())
			var resp FinalizeJobResponse
			if err := client.Post(cmd.Context(), "/api/jobs/"+pos[0]+"/finalize", FinalizeJobRequest{Args: args}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&args.ParentIdentifier, "parent", "", "Override the parent collection")
	cmd.Flags().StringVar(&args.Topic, "topic", "", "Override the topic")
	cmd.Flags().StringVar(&args.SubfolderName, "subfolder", "", "Override the screen collection name")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Override the confidence threshold")
	return cmd
}

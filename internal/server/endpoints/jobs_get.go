package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/screener/internal/api"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/screening"
	"github.com/jackzampolin/screener/internal/svcctx"
)

// GetJobResponse includes the job record plus batch details for
// delegated jobs.
type GetJobResponse struct {
	jobs.Record

	Link        *jobs.ManualBatchLink `json:"link,omitempty"`
	Finalizing  bool                  `json:"finalizing,omitempty"`
	LocalActive bool                  `json:"local_active,omitempty"`
}

// GetJobEndpoint handles GET /api/jobs/{id}.
type GetJobEndpoint struct{}

func (e *GetJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}", e.handler
}

func (e *GetJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get job by ID
//	@Description	Get a job record, with its batch link for delegated jobs
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	GetJobResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/jobs/{id} [get]
func (e *GetJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store := svcctx.StoreFrom(ctx)
	rec, err := store.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := GetJobResponse{Record: rec}
	if rec.ExternalBatchID != "" {
		if link, ok := store.Link(rec.ExternalBatchID); ok {
			resp.Link = &link
		}
		if f := svcctx.FinalizerFrom(ctx); f != nil {
			resp.Finalizing = f.Running(rec.ID)
		}
	}
	if active, ok := svcctx.DispatcherFrom(ctx).Active(); ok && active == rec.ID {
		resp.LocalActive = true
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *GetJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a job by ID",
		Long: `Get detailed information about a job.

For delegated jobs this includes the stored batch link and whether the
batch output is being written back right now. Use --summary to print only
the screening outcome of a finished job.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp GetJobResponse
			if err := client.Get(cmd.Context(), "/api/jobs/"+args[0], &resp); err != nil {
				return err
			}
			if summary && resp.Result != nil && len(resp.Result.Outcome) > 0 {
				var s screening.Summary
				if err := json.Unmarshal(resp.Result.Outcome, &s); err != nil {
					return err
				}
				return api.Output(s)
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "Print only the screening outcome")
	return cmd
}

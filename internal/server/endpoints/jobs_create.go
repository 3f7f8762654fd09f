package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/screener/internal/api"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/screening"
	"github.com/jackzampolin/screener/internal/svcctx"
)

// CreateJobRequest is the request body for creating a job. FunctionName
// defaults to screen_topic.
type CreateJobRequest struct {
	FunctionName string         `json:"function_name,omitempty"`
	Args         screening.Args `json:"args"`
}

// CreateJobResponse is the response for creating a job.
type CreateJobResponse struct {
	ID     string      `json:"id"`
	Status jobs.Status `json:"status"`
}

// CreateJobEndpoint handles POST /api/jobs.
type CreateJobEndpoint struct{}

func (e *CreateJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs", e.handler
}

func (e *CreateJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Create a job
//	@Description	Queue a screening job; it runs when the local slot frees up
//	@Tags			jobs
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CreateJobRequest	true	"Job creation request"
//	@Success		201		{object}	CreateJobResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/jobs [post]
func (e *CreateJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FunctionName == "" {
		req.FunctionName = screening.FunctionName
	}
	if req.FunctionName == screening.FunctionName {
		args := req.Args.WithDefaults(svcctx.ServicesFrom(r.Context()).Defaults)
		if err := args.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	rec, err := svcctx.DispatcherFrom(r.Context()).Enqueue(r.Context(), req.FunctionName, req.Args)
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownFunction) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, CreateJobResponse{ID: rec.ID, Status: rec.Status})
}

func (e *CreateJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	var args screening.Args
	var mode string
	var threshold float64
	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Screen the items of a collection against a topic",
		Long: `Queue a screen_topic job.

The parent may be a collection key, a full path such as "Research/XAI", or a
unique collection name. Results are filed under <parent>/<subfolder> into
Included, Maybe and Excluded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if args.ParentIdentifier == "" || args.Topic == "" {
				return fmt.Errorf("--parent and --topic are required")
			}
			if mode != "" {
				args.Mode = screening.ParseMode(mode)
			}
			if cmd.Flags().Changed("threshold") {
				args.ConfidenceThreshold = screening.ThresholdOf(threshold)
			}
			client := api.NewClient(getServerURL())
			var resp CreateJobResponse
			if err := client.Post(cmd.Context(), "/api/jobs", CreateJobRequest{Args: args}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&args.ParentIdentifier, "parent", "", "Parent collection key, path or name (required)")
	cmd.Flags().StringVar(&args.Topic, "topic", "", "Topic to screen against (required)")
	cmd.Flags().StringVar(&args.SubfolderName, "subfolder", "", "Name of the screen collection (default \"screen\")")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum confidence for Included (default from config)")
	cmd.Flags().IntVar(&args.MaxItems, "max-items", 0, "Maximum items to screen (default from config)")
	cmd.Flags().StringVar(&mode, "mode", "", "Classification mode: batch or local (default from config)")
	return cmd
}

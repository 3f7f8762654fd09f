package endpoints

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/screener/internal/api"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/svcctx"
)

const purgeCancelTimeout = 20 * time.Second

// ListBatchLinksResponse lists stored batch links and purged batch ids.
type ListBatchLinksResponse struct {
	Links  []jobs.ManualBatchLink `json:"links"`
	Purged []string               `json:"purged"`
}

// ListBatchLinksEndpoint handles GET /api/batches/links.
type ListBatchLinksEndpoint struct{}

func (e *ListBatchLinksEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches/links", e.handler
}

func (e *ListBatchLinksEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List batch links
//	@Description	Workflow arguments recorded per delegated batch, and purged batch ids
//	@Tags			batches
//	@Produce		json
//	@Success		200	{object}	ListBatchLinksResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/links [get]
func (e *ListBatchLinksEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.StoreFrom(r.Context())
	resp := ListBatchLinksResponse{
		Links:  store.Links(),
		Purged: store.Purged(),
	}
	if resp.Links == nil {
		resp.Links = []jobs.ManualBatchLink{}
	}
	if resp.Purged == nil {
		resp.Purged = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListBatchLinksEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "links",
		Short: "List stored batch links and purged batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListBatchLinksResponse
			if err := client.Get(cmd.Context(), "/api/batches/links", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// PurgeBatchResponse reports what a purge did.
type PurgeBatchResponse struct {
	BatchID     string `json:"batch_id"`
	LinkRemoved bool   `json:"link_removed"`
	CancelError string `json:"cancel_error,omitempty"`
	JobID       string `json:"job_id,omitempty"`
}

// PurgeBatchEndpoint handles POST /api/batches/{id}/purge.
type PurgeBatchEndpoint struct{}

func (e *PurgeBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches/{id}/purge", e.handler
}

func (e *PurgeBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Purge a batch
//	@Description	Stop tracking a batch: the reconciler ignores it from now on, its link is removed, the remote batch is cancelled on a best-effort basis and its job is marked canceled.
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Batch ID"
//	@Success		200	{object}	PurgeBatchResponse
//	@Failure		500	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/{id}/purge [post]
func (e *PurgeBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := svcctx.ServicesFrom(ctx)
	logger := svcctx.LoggerFrom(ctx)
	batchID := r.PathValue("id")

	if err := s.Store.Purge(batchID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	removed, err := s.Store.DeleteLink(batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := PurgeBatchResponse{BatchID: batchID, LinkRemoved: removed}

	if s.Batches != nil {
		cctx, cancel := context.WithTimeout(ctx, purgeCancelTimeout)
		if err := s.Batches.Cancel(cctx, batchID); err != nil {
			logger.Warn("remote cancel failed", "batch_id", batchID, "error", err)
			resp.CancelError = err.Error()
		}
		cancel()
	}

	if rec, ok := s.Store.ByBatch(batchID); ok {
		resp.JobID = rec.ID
		_, err := s.Store.Update(rec.ID, func(r *jobs.Record) error {
			r.Status = jobs.StatusCanceled
			r.Error = "batch purged"
			return nil
		})
		if err != nil && !errors.Is(err, jobs.ErrTerminal) {
			logger.Warn("failed to cancel purged job", "job_id", rec.ID, "error", err)
		}
	}

	logger.Info("batch purged", "batch_id", batchID, "job_id", resp.JobID)
	writeJSON(w, http.StatusOK, resp)
}

func (e *PurgeBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <batch-id>",
		Short: "Stop tracking a batch and cancel it remotely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp PurgeBatchResponse
			if err := client.Post(cmd.Context(), "/api/batches/"+args[0]+"/purge", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

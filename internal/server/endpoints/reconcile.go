package endpoints

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/screener/internal/api"
	"github.com/jackzampolin/screener/internal/reconcile"
	"github.com/jackzampolin/screener/internal/svcctx"
)

// ReconcileEndpoint handles POST /api/batches/reconcile.
type ReconcileEndpoint struct{}

func (e *ReconcileEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches/reconcile", e.handler
}

func (e *ReconcileEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Run a reconcile pass
//	@Description	Reconcile delegated jobs against the batch API now instead of waiting for the timer
//	@Tags			batches
//	@Produce		json
//	@Success		200	{object}	reconcile.Report
//	@Failure		409	{object}	ErrorResponse
//	@Failure		502	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/reconcile [post]
func (e *ReconcileEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	rec := svcctx.ReconcilerFrom(r.Context())
	if rec == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciler not initialized")
		return
	}
	rep, err := rec.Pass(r.Context())
	switch {
	case errors.Is(err, reconcile.ErrPassInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (e *ReconcileEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile delegated jobs with the batch API now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var rep reconcile.Report
			if err := client.Post(cmd.Context(), "/api/batches/reconcile", nil, &rep); err != nil {
				return err
			}
			return api.Output(rep)
		},
	}
}

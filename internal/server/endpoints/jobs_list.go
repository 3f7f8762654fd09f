package endpoints

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/screener/internal/api"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/svcctx"
)

// ListJobsResponse is the response for listing jobs.
type ListJobsResponse struct {
	Jobs []jobs.Record `json:"jobs"`
}

// ListJobsEndpoint handles GET /api/jobs.
type ListJobsEndpoint struct{}

func (e *ListJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs", e.handler
}

func (e *ListJobsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List jobs
//	@Description	List jobs, newest last, with optional filtering
//	@Tags			jobs
//	@Produce		json
//	@Param			status		query		string	false	"Filter by status"
//	@Param			function	query		string	false	"Filter by function name"
//	@Param			external	query		bool	false	"Only delegated jobs"
//	@Success		200			{object}	ListJobsResponse
//	@Failure		503			{object}	ErrorResponse
//	@Router			/api/jobs [get]
func (e *ListJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := jobs.Status(q.Get("status"))
	function := q.Get("function")
	externalOnly := q.Get("external") == "true"

	out := []jobs.Record{}
	for _, rec := range svcctx.StoreFrom(r.Context()).List() {
		if status != "" && rec.Status != status {
			continue
		}
		if function != "" && rec.FunctionName != function {
			continue
		}
		if externalOnly && !rec.External {
			continue
		}
		out = append(out, rec)
	}

	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: out})
}

func (e *ListJobsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var status, function string
	var external bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())

			path := "/api/jobs"
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			if function != "" {
				params.Set("function", function)
			}
			if external {
				params.Set("external", "true")
			}
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp ListJobsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&function, "function", "", "Filter by function name")
	cmd.Flags().BoolVar(&external, "external", false, "Only jobs delegated to the batch API")
	return cmd
}

package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/screener/internal/api"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/svcctx"
)

const watchWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WatchJobsEndpoint handles GET /api/jobs/watch.
type WatchJobsEndpoint struct{}

func (e *WatchJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/watch", e.handler
}

func (e *WatchJobsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Watch job changes
//	@Description	Websocket stream of job events. Each message is a jobs.Event.
//	@Tags			jobs
//	@Param			id	query	string	false	"Only events for this job"
//	@Success		101
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/jobs/watch [get]
func (e *WatchJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := svcctx.LoggerFrom(ctx)
	filter := r.URL.Query().Get("id")

	// Subscribe before the handshake completes so a client sees every
	// change made after it connected.
	events, cancel := svcctx.StoreFrom(ctx).Subscribe(0)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reads detect the client going away; watch streams carry no inbound messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && ev.Record.ID != filter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (e *WatchJobsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var id string
	var untilDone bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream job changes as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			path := "/api/jobs/watch"
			if id != "" {
				path += "?id=" + id
			}
			errDone := errors.New("done")
			err := client.Watch(cmd.Context(), path, func(msg json.RawMessage) error {
				if err := api.Output(msg); err != nil {
					return err
				}
				if !untilDone || id == "" {
					return nil
				}
				var ev jobs.Event
				if err := json.Unmarshal(msg, &ev); err != nil {
					return err
				}
				if ev.Record.Status.Terminal() {
					return errDone
				}
				return nil
			})
			if errors.Is(err, errDone) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Only show events for this job")
	cmd.Flags().BoolVar(&untilDone, "until-done", false, "Exit once the job given by --id finishes")
	return cmd
}

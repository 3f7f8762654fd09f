package endpoints

import (
	"github.com/jackzampolin/screener/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&StatusEndpoint{},

		// Job endpoints
		&CreateJobEndpoint{},
		&ListJobsEndpoint{},
		&WatchJobsEndpoint{},
		&GetJobEndpoint{},
		&CancelJobEndpoint{},
		&FinalizeJobEndpoint{},

		// Batch endpoints
		&ListBatchLinksEndpoint{},
		&PurgeBatchEndpoint{},
		&ReconcileEndpoint{},
	}
}

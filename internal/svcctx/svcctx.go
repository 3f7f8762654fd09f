// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/screener/internal/batch"
	"github.com/jackzampolin/screener/internal/home"
	"github.com/jackzampolin/screener/internal/jobs"
	"github.com/jackzampolin/screener/internal/reconcile"
	"github.com/jackzampolin/screener/internal/screening"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store      *jobs.Store
	Dispatcher *jobs.Dispatcher
	Finalizer  *screening.Finalizer
	Reconciler *reconcile.Reconciler
	Batches    batch.API
	// Defaults are the configured screening defaults used to complete
	// arguments for finalize requests.
	Defaults screening.Args
	Logger   *slog.Logger
	Home     *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the job store from context.
func StoreFrom(ctx context.Context) *jobs.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// DispatcherFrom extracts the local dispatcher from context.
func DispatcherFrom(ctx context.Context) *jobs.Dispatcher {
	if s := ServicesFrom(ctx); s != nil {
		return s.Dispatcher
	}
	return nil
}

// FinalizerFrom extracts the batch finalizer from context.
func FinalizerFrom(ctx context.Context) *screening.Finalizer {
	if s := ServicesFrom(ctx); s != nil {
		return s.Finalizer
	}
	return nil
}

// ReconcilerFrom extracts the batch reconciler from context.
func ReconcilerFrom(ctx context.Context) *reconcile.Reconciler {
	if s := ServicesFrom(ctx); s != nil {
		return s.Reconciler
	}
	return nil
}

// BatchesFrom extracts the batch API client from context.
func BatchesFrom(ctx context.Context) batch.API {
	if s := ServicesFrom(ctx); s != nil {
		return s.Batches
	}
	return nil
}

// LoggerFrom extracts the logger from context, falling back to slog.Default.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

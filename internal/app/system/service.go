package system

import "context"

// Service is a lifecycle-managed component. The loader, the push listener,
// the local watcher, the refresh scheduler, and the HTTP server all
// implement it so the manager can start and stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

package system

import "context"

// Service represents a lifecycle-managed component. Background modules such
// as the queue processor implement this interface so the daemon can start
// and stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

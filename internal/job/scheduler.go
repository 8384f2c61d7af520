package job

//go:generate mockgen -typed -package=job -destination=./mocks.go -source=./scheduler.go

import "context"

// Scheduler accepts requests to run the work registered under tag. It
// guarantees the work eventually runs at least once after the request,
// retrying with backoff while it returns Retry, across process restarts.
type Scheduler interface {
	RequestWork(ctx context.Context, tag string) error
}

// Handler performs the work for tag.
type Handler func(ctx context.Context, tag string) Result

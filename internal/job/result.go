// Package job schedules the background work that drains queued mutations.
package job

import "fmt"

// Result is the outcome of one unit of work.
type Result int

const (
	// Done means nothing is left to do.
	Done Result = iota
	// Retry means the work should run again after a backoff.
	Retry
	// Fatal means the attempt failed in a way retrying won't fix.
	Fatal
)

func (r Result) String() string {
	switch r {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Combine returns the worst of results: any Retry wins, then any Fatal.
// Combine() is Done.
func Combine(results ...Result) Result {
	out := Done
	for _, r := range results {
		switch {
		case r == Retry:
			return Retry
		case r == Fatal:
			out = Fatal
		}
	}
	return out
}

// FromSynced maps an upload loop's "fully synced" flag onto a Result.
func FromSynced(synced bool) Result {
	if synced {
		return Done
	}
	return Retry
}

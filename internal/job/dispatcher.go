package job

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/audiencesync/internal/store"
)

const pendingPrefix = "job.pending."

// Store is the persistence the dispatcher needs: the KV collaborator plus
// prefix listing to find work left over from a previous run.
type Store interface {
	store.KV
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Backoff bounds retry delays. The n-th consecutive retry waits
// Initial * 2^(n-1), capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is 30s doubling up to 10m.
var DefaultBackoff = Backoff{Initial: 30 * time.Second, Max: 10 * time.Minute}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// pendingRecord is the persisted form of a pending tag.
type pendingRecord struct {
	RequestedAt time.Time `json:"requested_at"`
	Attempts    int       `json:"attempts"`
}

type entry struct {
	due        time.Time
	attempts   int
	generation uint64
	running    bool
}

// Dispatcher is an in-process Scheduler. Requests are persisted so work
// requested before a restart runs again after Start. Multiple requests for a
// tag that has not run yet coalesce into one run.
type Dispatcher struct {
	kv      Store
	clock   clockwork.Clock
	logger  *slog.Logger
	backoff Backoff

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*entry
	signal   chan struct{} // buffered, size 1
}

var _ Scheduler = (*Dispatcher)(nil)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock sets the clock used for backoff.
func WithClock(c clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithBackoff sets the retry backoff.
func WithBackoff(b Backoff) DispatcherOption {
	return func(d *Dispatcher) { d.backoff = b }
}

// NewDispatcher returns a dispatcher persisting its requests in kv.
func NewDispatcher(kv Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		kv:       kv,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		backoff:  DefaultBackoff,
		handlers: make(map[string]Handler),
		pending:  make(map[string]*entry),
		signal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers h for tag. Register handlers before Start.
func (d *Dispatcher) Handle(tag string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tag] = h
}

// RequestWork persists a request for tag and wakes the worker. The tag runs
// as soon as possible, even if it was waiting out a backoff.
func (d *Dispatcher) RequestWork(ctx context.Context, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.pending[tag]
	if !ok {
		e = &entry{}
		d.pending[tag] = e
	}
	e.due = d.clock.Now()
	e.generation++

	if err := d.persist(ctx, tag, e); err != nil {
		return err
	}
	d.wake()
	return nil
}

// Start loads requests persisted by a previous process and marks them due.
func (d *Dispatcher) Start(ctx context.Context) error {
	keys, err := d.kv.Keys(ctx, pendingPrefix)
	if err != nil {
		return err
	}

	d.mu.Lock()
	for _, key := range keys {
		tag := strings.TrimPrefix(key, pendingPrefix)
		rec, _, err := store.GetJSON[pendingRecord](ctx, d.kv, key)
		if err != nil {
			d.logger.Warn("ignoring unreadable job record", "tag", tag, "error", err)
		}
		if _, ok := d.pending[tag]; !ok {
			d.pending[tag] = &entry{due: d.clock.Now(), attempts: rec.Attempts, generation: 1}
		}
	}
	d.mu.Unlock()

	if len(keys) > 0 {
		d.logger.Info("resuming pending work", "tags", len(keys))
		d.wake()
	}
	return nil
}

// Pending returns the tags waiting to run, sorted.
func (d *Dispatcher) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	tags := make([]string, 0, len(d.pending))
	for tag := range d.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Run executes due work until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		tag, wait, ok := d.next()
		if ok && wait <= 0 {
			d.run(ctx, tag)
			continue
		}

		var (
			timer clockwork.Timer
			fire  <-chan time.Time
		)
		if ok {
			timer = d.clock.NewTimer(wait)
			fire = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-d.signal:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// RunPending runs every tag that is currently due, once, and returns the
// combined result. Tags still backing off are not run.
func (d *Dispatcher) RunPending(ctx context.Context) Result {
	now := d.clock.Now()
	d.mu.Lock()
	var due []string
	for tag, e := range d.pending {
		if !e.running && !e.due.After(now) {
			due = append(due, tag)
		}
	}
	d.mu.Unlock()
	sort.Strings(due)

	results := make([]Result, 0, len(due))
	for _, tag := range due {
		results = append(results, d.run(ctx, tag))
	}
	return Combine(results...)
}

// next returns the earliest due tag and how long until it is due.
func (d *Dispatcher) next() (string, time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		best string
		due  time.Time
		ok   bool
	)
	for tag, e := range d.pending {
		if e.running {
			continue
		}
		if !ok || e.due.Before(due) || (e.due.Equal(due) && tag < best) {
			best, due, ok = tag, e.due, true
		}
	}
	if !ok {
		return "", 0, false
	}
	return best, due.Sub(d.clock.Now()), true
}

func (d *Dispatcher) run(ctx context.Context, tag string) Result {
	d.mu.Lock()
	e, ok := d.pending[tag]
	if !ok || e.running {
		d.mu.Unlock()
		return Done
	}
	h := d.handlers[tag]
	e.running = true
	generation := e.generation
	d.mu.Unlock()

	result := Fatal
	if h == nil {
		d.logger.Error("no handler for job", "tag", tag)
	} else {
		result = h(ctx, tag)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e.running = false
	requestedAgain := e.generation != generation
	switch {
	case result == Retry:
		e.attempts++
		delay := d.backoff.Delay(e.attempts)
		if requestedAgain {
			delay = 0
		}
		e.due = d.clock.Now().Add(delay)
		d.logger.Debug("job will retry", "tag", tag, "attempts", e.attempts, "delay", delay)
		if err := d.persist(ctx, tag, e); err != nil {
			d.logger.Error("failed to persist job retry", "tag", tag, "error", err)
		}

	case requestedAgain:
		// Requested while running: run again with a fresh attempt count.
		e.attempts = 0
		e.due = d.clock.Now()

	default:
		delete(d.pending, tag)
		if result == Fatal {
			d.logger.Error("job failed", "tag", tag)
		}
		if err := d.kv.Remove(ctx, pendingPrefix+tag); err != nil {
			d.logger.Error("failed to clear job record", "tag", tag, "error", err)
		}
	}
	return result
}

func (d *Dispatcher) persist(ctx context.Context, tag string, e *entry) error {
	return store.PutJSON(ctx, d.kv, pendingPrefix+tag, pendingRecord{RequestedAt: d.clock.Now(), Attempts: e.attempts})
}

func (d *Dispatcher) wake() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

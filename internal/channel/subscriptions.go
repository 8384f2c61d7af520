package channel

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"

	"github.com/roach88/audiencesync/internal/api"
	"github.com/roach88/audiencesync/internal/mutation"
	"github.com/roach88/audiencesync/internal/registrar"
)

const (
	// DefaultSubscriptionCacheTTL is how long a fetched subscription list
	// snapshot is served before it is fetched again.
	DefaultSubscriptionCacheTTL = 10 * time.Minute

	// DefaultLocalHistoryTTL is how long an uploaded edit is replayed on top
	// of fetched snapshots, covering backend propagation delay.
	DefaultLocalHistoryTTL = 10 * time.Minute
)

// SubscriptionFetcher returns the backend's subscription lists for an id.
type SubscriptionFetcher interface {
	Fetch(ctx context.Context, identifier string) ([]string, error)
}

type snapshot struct {
	lists   map[string]struct{}
	expires time.Time
}

type historyEntry struct {
	identifier string
	mutation   mutation.SubscriptionListMutation
	expires    time.Time
}

// subscriptionView answers "which lists is this identifier subscribed to"
// from a short-lived snapshot of the backend's answer, recent uploads, and
// optionally the edits still queued.
type subscriptionView struct {
	fetcher   SubscriptionFetcher
	registrar *registrar.Registrar[mutation.SubscriptionListMutation]
	clock     clockwork.Clock
	ttl       time.Duration

	// cache holds snapshots keyed by identifier. Entries are never handed
	// out or modified in place.
	cache *gocache.Cache

	mu         sync.Mutex
	historyTTL time.Duration
	history    []historyEntry
}

func newSubscriptionView(
	fetcher SubscriptionFetcher,
	reg *registrar.Registrar[mutation.SubscriptionListMutation],
	clock clockwork.Clock,
	ttl, historyTTL time.Duration,
) *subscriptionView {
	v := &subscriptionView{
		fetcher:    fetcher,
		registrar:  reg,
		clock:      clock,
		ttl:        ttl,
		historyTTL: historyTTL,
		cache:      gocache.New(ttl, time.Minute),
	}
	reg.AddListener(v.recordUploaded)
	return v
}

func (v *subscriptionView) recordUploaded(identifier string, uploaded []mutation.SubscriptionListMutation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	expires := v.clock.Now().Add(v.historyTTL)
	for _, m := range uploaded {
		v.history = append(v.history, historyEntry{identifier: identifier, mutation: m, expires: expires})
	}
}

// recent returns unexpired uploaded edits for identifier, in upload order,
// pruning the expired ones.
func (v *subscriptionView) recent(identifier string) []mutation.SubscriptionListMutation {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock.Now()
	kept := v.history[:0]
	var out []mutation.SubscriptionListMutation
	for _, e := range v.history {
		if !now.Before(e.expires) {
			continue
		}
		kept = append(kept, e)
		if e.identifier == identifier {
			out = append(out, e.mutation)
		}
	}
	v.history = kept
	return out
}

// current returns the subscription lists for the registrar's identifier.
func (v *subscriptionView) current(ctx context.Context, includePending bool) (map[string]struct{}, error) {
	identifier, ok := v.registrar.Identifier()
	if !ok {
		return nil, api.ErrNoIdentifier
	}

	lists, err := v.snapshot(ctx, identifier)
	if err != nil {
		return nil, err
	}

	lists = mutation.ApplySubscriptionLists(lists, v.recent(identifier))
	if includePending {
		pending, err := v.registrar.PendingMutations(ctx)
		if err != nil {
			return nil, err
		}
		lists = mutation.ApplySubscriptionLists(lists, pending)
	}
	return lists, nil
}

// snapshot returns a copy of the cached lists, fetching on a miss.
func (v *subscriptionView) snapshot(ctx context.Context, identifier string) (map[string]struct{}, error) {
	if cached, ok := v.cache.Get(identifier); ok {
		s := cached.(snapshot)
		if v.clock.Now().Before(s.expires) {
			return maps.Clone(s.lists), nil
		}
		v.cache.Delete(identifier)
	}

	ids, err := v.fetcher.Fetch(ctx, identifier)
	if err != nil {
		return nil, err
	}
	lists := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		lists[id] = struct{}{}
	}
	v.cache.Set(identifier, snapshot{lists: lists, expires: v.clock.Now().Add(v.ttl)}, v.ttl)
	return maps.Clone(lists), nil
}

// invalidate drops cached snapshots and local history.
func (v *subscriptionView) invalidate() {
	v.cache.Flush()
	v.mu.Lock()
	v.history = nil
	v.mu.Unlock()
}

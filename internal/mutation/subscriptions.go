package mutation

import (
	"errors"
	"strings"
	"time"
)

// SubscriptionAction is the kind of subscription-list edit.
type SubscriptionAction string

const (
	Subscribe   SubscriptionAction = "subscribe"
	Unsubscribe SubscriptionAction = "unsubscribe"
)

// ErrEmptyListID is returned when a subscription list id is blank.
var ErrEmptyListID = errors.New("subscription list id is empty")

// SubscriptionListMutation subscribes to or unsubscribes from one list.
type SubscriptionListMutation struct {
	Action    SubscriptionAction `json:"action"`
	ListID    string             `json:"list_id"`
	Timestamp time.Time          `json:"timestamp"`
}

// NewSubscribe returns a subscribe mutation for listID.
func NewSubscribe(listID string, ts time.Time) (SubscriptionListMutation, error) {
	return newSubscriptionMutation(Subscribe, listID, ts)
}

// NewUnsubscribe returns an unsubscribe mutation for listID.
func NewUnsubscribe(listID string, ts time.Time) (SubscriptionListMutation, error) {
	return newSubscriptionMutation(Unsubscribe, listID, ts)
}

func newSubscriptionMutation(action SubscriptionAction, listID string, ts time.Time) (SubscriptionListMutation, error) {
	listID = strings.TrimSpace(listID)
	if listID == "" {
		return SubscriptionListMutation{}, ErrEmptyListID
	}
	return SubscriptionListMutation{Action: action, ListID: listID, Timestamp: ts.UTC()}, nil
}

// Equal reports structural equality.
func (m SubscriptionListMutation) Equal(o SubscriptionListMutation) bool {
	return m.Action == o.Action && m.ListID == o.ListID && m.Timestamp.Equal(o.Timestamp)
}

// Apply replays the mutation onto lists.
func (m SubscriptionListMutation) Apply(lists map[string]struct{}) {
	switch m.Action {
	case Subscribe:
		lists[m.ListID] = struct{}{}
	case Unsubscribe:
		delete(lists, m.ListID)
	}
}

// CollapseSubscriptionLists keeps the most recent mutation per list id, in
// original chronological order.
func CollapseSubscriptionLists(mutations []SubscriptionListMutation) []SubscriptionListMutation {
	return lastPerKey(mutations, func(m SubscriptionListMutation) string { return m.ListID })
}

// ApplySubscriptionLists replays mutations in order onto a copy of lists.
func ApplySubscriptionLists(lists map[string]struct{}, mutations []SubscriptionListMutation) map[string]struct{} {
	out := make(map[string]struct{}, len(lists))
	for id := range lists {
		out[id] = struct{}{}
	}
	for _, m := range mutations {
		m.Apply(out)
	}
	return out
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/roach88/audiencesync/internal/mutation"
)

type tagGroupsBody struct {
	Add    map[string]mutation.TagSet `json:"add,omitempty"`
	Remove map[string]mutation.TagSet `json:"remove,omitempty"`
	Set    map[string]mutation.TagSet `json:"set,omitempty"`
}

// mergeTagGroups folds a batch into one add/remove/set body. The batch is
// collapsed first, so every group lands in exactly one place.
func mergeTagGroups(batch []mutation.TagGroupMutation) tagGroupsBody {
	var body tagGroupsBody
	merge := func(dst *map[string]mutation.TagSet, src map[string]mutation.TagSet) {
		for group, tags := range src {
			if *dst == nil {
				*dst = make(map[string]mutation.TagSet)
			}
			if existing, ok := (*dst)[group]; ok {
				for tag := range tags {
					existing[tag] = struct{}{}
				}
				continue
			}
			(*dst)[group] = tags.Clone()
		}
	}
	for _, m := range mutation.CollapseTagGroups(batch) {
		merge(&body.Add, m.Add)
		merge(&body.Remove, m.Remove)
		merge(&body.Set, m.Set)
	}
	return body
}

// TagGroupClient uploads tag group batches.
type TagGroupClient struct {
	transport Transport
	endpoint  Endpoint
	domain    Domain
}

// NewTagGroupClient returns a TagGroupClient for domain.
func NewTagGroupClient(t Transport, e Endpoint, d Domain) *TagGroupClient {
	return &TagGroupClient{transport: t, endpoint: e, domain: d}
}

// Upload sends one batch for identifier.
func (c *TagGroupClient) Upload(ctx context.Context, identifier string, batch []mutation.TagGroupMutation) (*Response, error) {
	if identifier == "" {
		return nil, ErrNoIdentifier
	}
	groups := mergeTagGroups(batch)

	if c.domain == ContactDomain {
		return postJSON(ctx, c.transport, http.MethodPost, c.endpoint.url("api", "contacts", identifier),
			map[string]any{"tags": groups})
	}

	body := struct {
		Audience map[string]string `json:"audience"`
		tagGroupsBody
	}{
		Audience:      c.endpoint.audience(identifier),
		tagGroupsBody: groups,
	}
	return postJSON(ctx, c.transport, http.MethodPost, c.endpoint.url("api", "channels", "tags"), body)
}

// AttributeClient uploads attribute batches.
type AttributeClient struct {
	transport Transport
	endpoint  Endpoint
	domain    Domain
}

// NewAttributeClient returns an AttributeClient for domain.
func NewAttributeClient(t Transport, e Endpoint, d Domain) *AttributeClient {
	return &AttributeClient{transport: t, endpoint: e, domain: d}
}

// Upload sends one batch for identifier.
func (c *AttributeClient) Upload(ctx context.Context, identifier string, batch []mutation.AttributeMutation) (*Response, error) {
	if identifier == "" {
		return nil, ErrNoIdentifier
	}
	body := map[string]any{"attributes": batch}

	if c.domain == ContactDomain {
		return postJSON(ctx, c.transport, http.MethodPost, c.endpoint.url("api", "contacts", identifier), body)
	}
	target := c.endpoint.url("api", "channels", identifier, "attributes") + "?platform=" + c.endpoint.platform()
	return postJSON(ctx, c.transport, http.MethodPost, target, body)
}

// SubscriptionListClient uploads subscription list batches and fetches the
// server's view of an identifier's lists.
type SubscriptionListClient struct {
	transport Transport
	endpoint  Endpoint
	domain    Domain
}

// NewSubscriptionListClient returns a SubscriptionListClient for domain.
func NewSubscriptionListClient(t Transport, e Endpoint, d Domain) *SubscriptionListClient {
	return &SubscriptionListClient{transport: t, endpoint: e, domain: d}
}

// Upload sends one batch for identifier.
func (c *SubscriptionListClient) Upload(ctx context.Context, identifier string, batch []mutation.SubscriptionListMutation) (*Response, error) {
	if identifier == "" {
		return nil, ErrNoIdentifier
	}

	if c.domain == ContactDomain {
		return postJSON(ctx, c.transport, http.MethodPost, c.endpoint.url("api", "contacts", identifier),
			map[string]any{"subscription_lists": batch})
	}

	body := map[string]any{
		"subscription_lists": batch,
		"audience":           c.endpoint.audience(identifier),
	}
	return postJSON(ctx, c.transport, http.MethodPost, c.endpoint.url("api", "channels", "subscription_lists"), body)
}

// Fetch returns the list ids the server holds for identifier. A non-2xx
// answer is reported as a *RequestError.
func (c *SubscriptionListClient) Fetch(ctx context.Context, identifier string) ([]string, error) {
	if identifier == "" {
		return nil, ErrNoIdentifier
	}
	op := c.domain.String() + ".subscription_lists.fetch"
	kind := "channels"
	if c.domain == ContactDomain {
		kind = "contacts"
	}

	resp, err := c.transport.Do(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.endpoint.url("api", "subscription_lists", kind, identifier),
	})
	if Classify(resp, err) != StatusSuccess {
		return nil, NewRequestError(op, resp, err)
	}

	// Channels answer {"list_ids": [...]}; contacts group ids by scope.
	var body struct {
		ListIDs           []string `json:"list_ids"`
		SubscriptionLists []struct {
			ListIDs []string `json:"list_ids"`
		} `json:"subscription_lists"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", op, err)
	}
	ids := append([]string(nil), body.ListIDs...)
	for _, scoped := range body.SubscriptionLists {
		ids = append(ids, scoped.ListIDs...)
	}
	return ids, nil
}

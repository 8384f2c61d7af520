package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// ErrMissingChannelID is returned when a successful create response carries
// no channel_id.
var ErrMissingChannelID = errors.New("create response missing channel_id")

// ChannelResponse is the result of a create or update call.
type ChannelResponse struct {
	*Response

	// Identifier is the channel id: parsed from a create response, echoed for
	// an update.
	Identifier string

	// Location is the canonical channel URL.
	Location string
}

// ChannelClient creates and updates channel registrations.
type ChannelClient struct {
	transport Transport
	endpoint  Endpoint
}

// NewChannelClient returns a ChannelClient.
func NewChannelClient(t Transport, e Endpoint) *ChannelClient {
	return &ChannelClient{transport: t, endpoint: e}
}

// Create registers a new channel. The error is non-nil only when no usable
// response was produced; check Classify on the embedded Response otherwise.
func (c *ChannelClient) Create(ctx context.Context, payload any) (*ChannelResponse, error) {
	resp, err := postJSON(ctx, c.transport, http.MethodPost, c.endpoint.url("api", "channels", ""), payload)
	if err != nil {
		return nil, err
	}
	out := &ChannelResponse{Response: resp, Location: resp.Location()}
	if Classify(resp, nil) != StatusSuccess {
		return out, nil
	}

	var body struct {
		ChannelID string `json:"channel_id"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.ChannelID == "" {
		return nil, ErrMissingChannelID
	}
	out.Identifier = body.ChannelID
	if out.Location == "" {
		out.Location = c.Location(body.ChannelID)
	}
	return out, nil
}

// Update replaces the registration of an existing channel.
func (c *ChannelClient) Update(ctx context.Context, channelID string, payload any) (*ChannelResponse, error) {
	if channelID == "" {
		return nil, ErrNoIdentifier
	}
	resp, err := postJSON(ctx, c.transport, http.MethodPut, c.Location(channelID), payload)
	if err != nil {
		return nil, err
	}
	loc := resp.Location()
	if loc == "" {
		loc = c.Location(channelID)
	}
	return &ChannelResponse{Response: resp, Identifier: channelID, Location: loc}, nil
}

// Location returns the URL of a channel.
func (c *ChannelClient) Location(channelID string) string {
	return c.endpoint.url("api", "channels", channelID)
}

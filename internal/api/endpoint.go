package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Domain selects which identity a property client addresses.
type Domain int

const (
	// ChannelDomain addresses a device channel.
	ChannelDomain Domain = iota
	// ContactDomain addresses a named-user contact.
	ContactDomain
)

func (d Domain) String() string {
	if d == ContactDomain {
		return "contact"
	}
	return "channel"
}

// DefaultPlatform is the platform reported to the backend.
const DefaultPlatform = "android"

// Endpoint locates the backend.
type Endpoint struct {
	BaseURL  string
	Platform string
}

func (e Endpoint) platform() string {
	if e.Platform == "" {
		return DefaultPlatform
	}
	return e.Platform
}

// audience is the body fragment naming the channel a channel-scoped call
// applies to.
func (e Endpoint) audience(channelID string) map[string]string {
	return map[string]string{e.platform() + "_channel": channelID}
}

// url joins path segments onto the base URL. Segments are escaped; a
// trailing "" segment yields a trailing slash.
func (e Endpoint) url(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.Join(escaped, "/")
}

func postJSON(ctx context.Context, t Transport, method, target string, body any) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return t.Do(ctx, &Request{
		Method: method,
		URL:    target,
		Header: http.Header{"Content-Type": []string{jsonMediaType}},
		Body:   data,
	})
}

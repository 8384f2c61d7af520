package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/roach88/audiencesync/internal/api"
)

// Reply is one scripted answer. A non-nil Err simulates a transport failure.
type Reply struct {
	Status int
	Body   string
	Header http.Header
	Err    error
}

// ScriptedTransport answers requests from per-route scripts. A route is
// "METHOD path" with the query string stripped, e.g. "POST /api/channels/".
// Once a route's script is exhausted its last reply repeats; routes with no
// script answer 200 {"ok":true}.
//
// Thread-safety: all methods are safe for concurrent use.
type ScriptedTransport struct {
	mu       sync.Mutex
	scripts  map[string][]Reply
	requests []*api.Request
}

var _ api.Transport = (*ScriptedTransport)(nil)

// NewScriptedTransport returns a transport with no scripts.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{scripts: make(map[string][]Reply)}
}

// On appends replies to the script for route.
func (s *ScriptedTransport) On(route string, replies ...Reply) *ScriptedTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[route] = append(s.scripts[route], replies...)
	return s
}

// Do implements api.Transport.
func (s *ScriptedTransport) Do(ctx context.Context, r *api.Request) (*api.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)

	key := routeOf(r)
	reply := Reply{Status: http.StatusOK, Body: `{"ok":true}`}
	if script := s.scripts[key]; len(script) > 0 {
		reply = script[0]
		if len(script) > 1 {
			s.scripts[key] = script[1:]
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	header := reply.Header
	if header == nil {
		header = http.Header{}
	}
	return &api.Response{Status: reply.Status, Header: header, Body: []byte(reply.Body)}, nil
}

// Requests returns the requests received for route, or all of them when
// route is empty.
func (s *ScriptedTransport) Requests(route string) []*api.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*api.Request
	for _, r := range s.requests {
		if route == "" || routeOf(r) == route {
			out = append(out, r)
		}
	}
	return out
}

// LastBody decodes the body of the most recent request to route.
func (s *ScriptedTransport) LastBody(route string) (map[string]any, error) {
	reqs := s.Requests(route)
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no request to %s", route)
	}
	var body map[string]any
	if err := json.Unmarshal(reqs[len(reqs)-1].Body, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func routeOf(r *api.Request) string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return r.Method + " " + r.URL
	}
	return r.Method + " " + u.EscapedPath()
}

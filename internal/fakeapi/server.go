package fakeapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/roach88/audiencesync/internal/mutation"
)

// Route names an endpoint for failure injection and request counts.
type Route string

const (
	RouteCreate        Route = "channel.create"
	RouteUpdate        Route = "channel.update"
	RouteTags          Route = "channel.tags"
	RouteAttributes    Route = "channel.attributes"
	RouteSubscriptions Route = "channel.subscription_lists"
	RouteContact       Route = "contact.update"
	RouteFetch         Route = "subscription_lists.fetch"
)

// Audience is the state the backend holds for one channel or contact.
type Audience struct {
	Tags          map[string]mutation.TagSet `json:"tags"`
	Attributes    map[string]any             `json:"attributes"`
	Subscriptions []string                   `json:"subscription_lists"`
}

type audience struct {
	tags          map[string]mutation.TagSet
	attributes    map[string]any
	subscriptions map[string]struct{}
}

func newAudience() *audience {
	return &audience{
		tags:          map[string]mutation.TagSet{},
		attributes:    map[string]any{},
		subscriptions: map[string]struct{}{},
	}
}

func (a *audience) snapshot() Audience {
	out := Audience{
		Tags:       mutation.ApplyTagGroups(a.tags, nil),
		Attributes: mutation.ApplyAttributes(a.attributes, nil),
	}
	for id := range a.subscriptions {
		out.Subscriptions = append(out.Subscriptions, id)
	}
	sort.Strings(out.Subscriptions)
	return out
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials makes the server require basic auth with key and secret.
func WithCredentials(key, secret string) Option {
	return func(s *Server) {
		s.key = key
		s.secret = secret
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is an http.Handler emulating the backend.
type Server struct {
	router chi.Router
	logger *slog.Logger
	key    string
	secret string

	mu       sync.Mutex
	channels map[string]json.RawMessage
	audience map[string]*audience // keyed by "channel:<id>" or "contact:<id>"
	failures map[Route][]int
	hits     map[Route]int
}

// New returns a Server with no channels.
func New(opts ...Option) *Server {
	s := &Server{
		logger:   slog.Default(),
		channels: make(map[string]json.RawMessage),
		audience: make(map[string]*audience),
		failures: make(map[Route][]int),
		hits:     make(map[Route]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)
	r.Route("/api", func(r chi.Router) {
		r.Post("/channels/", s.route(RouteCreate, s.createChannel))
		r.Post("/channels/tags", s.route(RouteTags, s.channelTags))
		r.Post("/channels/subscription_lists", s.route(RouteSubscriptions, s.channelSubscriptions))
		r.Put("/channels/{id}", s.route(RouteUpdate, s.updateChannel))
		r.Post("/channels/{id}/attributes", s.route(RouteAttributes, s.channelAttributes))
		r.Post("/contacts/{id}", s.route(RouteContact, s.updateContact))
		r.Get("/subscription_lists/{kind}/{id}", s.route(RouteFetch, s.fetchSubscriptions))
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Fail makes the next len(statuses) requests to route answer with those
// statuses, in order, without touching any state.
func (s *Server) Fail(route Route, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], statuses...)
}

// Hits returns how many requests route has received, failed ones included.
func (s *Server) Hits(route Route) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// Channel returns the last registration body stored for id.
func (s *Server) Channel(id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.channels[id]
	return body, ok
}

// ChannelIDs returns the ids of every registered channel.
func (s *Server) ChannelIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeleteChannel forgets a channel, so its next update answers 409.
func (s *Server) DeleteChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
	delete(s.audience, "channel:"+id)
}

// ChannelAudience returns the audience state of a channel.
func (s *Server) ChannelAudience(id string) Audience {
	return s.snapshot("channel:" + id)
}

// ContactAudience returns the audience state of a contact.
func (s *Server) ContactAudience(id string) Audience {
	return s.snapshot("contact:" + id)
}

func (s *Server) snapshot(key string) Audience {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.audience[key]; ok {
		return a.snapshot()
	}
	return newAudience().snapshot()
}

// lookup returns the audience for key, creating it. Callers hold s.mu.
func (s *Server) lookup(key string) *audience {
	a, ok := s.audience[key]
	if !ok {
		a = newAudience()
		s.audience[key] = a
	}
	return a
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.key != "" {
			key, secret, ok := r.BasicAuth()
			if !ok || key != s.key || secret != s.secret {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// route counts the request and serves an injected failure if one is queued.
func (s *Server) route(name Route, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[name]++
		var status int
		if queued := s.failures[name]; len(queued) > 0 {
			status = queued[0]
			s.failures[name] = queued[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			s.logger.Debug("injected failure", "route", name, "status", status)
			writeError(w, status, http.StatusText(status))
			return
		}
		h(w, r)
	}
}

func (s *Server) createChannel(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.channels[id] = body
	s.mu.Unlock()

	s.logger.Debug("channel created", "channel_id", id)
	w.Header().Set("Location", channelURL(r, id))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "channel_id": id})
}

func (s *Server) updateChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	_, exists := s.channels[id]
	if exists {
		s.channels[id] = body
	}
	s.mu.Unlock()

	if !exists {
		writeError(w, http.StatusConflict, "channel not found")
		return
	}
	w.Header().Set("Location", channelURL(r, id))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "channel_id": id})
}

type tagGroups struct {
	Add    map[string]mutation.TagSet `json:"add"`
	Remove map[string]mutation.TagSet `json:"remove"`
	Set    map[string]mutation.TagSet `json:"set"`
}

func (g tagGroups) mutation() mutation.TagGroupMutation {
	return mutation.TagGroupMutation{Add: g.Add, Remove: g.Remove, Set: g.Set}
}

func (s *Server) channelTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Audience map[string]string `json:"audience"`
		tagGroups
	}
	if !decode(w, r, &req) {
		return
	}
	id, ok := s.knownChannel(w, req.Audience)
	if !ok {
		return
	}

	s.mu.Lock()
	a := s.lookup("channel:" + id)
	a.tags = mutation.ApplyTagGroups(a.tags, []mutation.TagGroupMutation{req.mutation()})
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) channelAttributes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Attributes []mutation.AttributeMutation `json:"attributes"`
	}
	if !decode(w, r, &req) {
		return
	}
	if _, ok := s.knownChannel(w, map[string]string{"": id}); !ok {
		return
	}

	s.mu.Lock()
	a := s.lookup("channel:" + id)
	a.attributes = mutation.ApplyAttributes(a.attributes, req.Attributes)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) channelSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Audience          map[string]string                   `json:"audience"`
		SubscriptionLists []mutation.SubscriptionListMutation `json:"subscription_lists"`
	}
	if !decode(w, r, &req) {
		return
	}
	id, ok := s.knownChannel(w, req.Audience)
	if !ok {
		return
	}

	s.mu.Lock()
	a := s.lookup("channel:" + id)
	a.subscriptions = mutation.ApplySubscriptionLists(a.subscriptions, req.SubscriptionLists)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) updateContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Tags              *tagGroups                          `json:"tags"`
		Attributes        []mutation.AttributeMutation        `json:"attributes"`
		SubscriptionLists []mutation.SubscriptionListMutation `json:"subscription_lists"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	a := s.lookup("contact:" + id)
	if req.Tags != nil {
		a.tags = mutation.ApplyTagGroups(a.tags, []mutation.TagGroupMutation{req.Tags.mutation()})
	}
	a.attributes = mutation.ApplyAttributes(a.attributes, req.Attributes)
	a.subscriptions = mutation.ApplySubscriptionLists(a.subscriptions, req.SubscriptionLists)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) fetchSubscriptions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	switch chi.URLParam(r, "kind") {
	case "channels":
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"list_ids": nonNil(s.snapshot("channel:" + id).Subscriptions),
		})
	case "contacts":
		writeJSON(w, http.StatusOK, map[string]any{
			"ok": true,
			"subscription_lists": []map[string]any{
				{"scope": "app", "list_ids": nonNil(s.snapshot("contact:" + id).Subscriptions)},
			},
		})
	default:
		writeError(w, http.StatusNotFound, "unknown audience kind")
	}
}

// knownChannel extracts the channel id from an audience selector and
// answers 400 when the channel is unknown.
func (s *Server) knownChannel(w http.ResponseWriter, selector map[string]string) (string, bool) {
	var id string
	for _, v := range selector {
		id = v
	}
	s.mu.Lock()
	_, ok := s.channels[id]
	s.mu.Unlock()
	if id == "" || !ok {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return "", false
	}
	return id, true
}

func channelURL(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/api/channels/" + id
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil || !json.Valid(data) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return nil, false
	}
	return data, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if !strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		writeError(w, http.StatusBadRequest, "content type must be application/json")
		return false
	}
	data, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

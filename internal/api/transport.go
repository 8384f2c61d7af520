package api

//go:generate mockgen -typed -package=api -destination=./mocks.go -source=./transport.go

import (
	"context"
	"net/http"
)

// Request is a single backend call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the backend's answer to a Request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Location returns the Location header, if any.
func (r *Response) Location() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Location")
}

// Transport performs HTTP requests. A non-nil error means the request did not
// produce a response (network failure, cancelled context).
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

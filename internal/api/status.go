package api

import "fmt"

// Status is the classification of a backend exchange.
type Status int

const (
	// StatusSuccess is any 2xx response.
	StatusSuccess Status = iota
	// StatusRetryable is a 429, a 5xx, or a transport failure.
	StatusRetryable
	// StatusConflict is a 409.
	StatusConflict
	// StatusClientError is any other 4xx, or a status the client can't act on.
	StatusClientError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRetryable:
		return "retryable"
	case StatusConflict:
		return "conflict"
	case StatusClientError:
		return "client_error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Classify maps the result of Transport.Do onto a Status.
func Classify(resp *Response, err error) Status {
	if err != nil || resp == nil {
		return StatusRetryable
	}
	code := resp.Status
	switch {
	case code >= 200 && code < 300:
		return StatusSuccess
	case code == 409:
		return StatusConflict
	case code == 429 || code >= 500:
		return StatusRetryable
	default:
		return StatusClientError
	}
}

package api

import (
	"errors"
	"fmt"
)

// ErrNoIdentifier is returned by clients asked to upload without an
// identifier to address.
var ErrNoIdentifier = errors.New("no identifier")

// RequestError describes a backend exchange that did not succeed.
type RequestError struct {
	// Op names the call, e.g. "channel.create".
	Op string

	// Status is the classification of the exchange.
	Status Status

	// Code is the HTTP status, zero for transport failures.
	Code int

	// Err is the transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s (http %d)", e.Op, e.Status, e.Code)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NewRequestError builds a RequestError from the result of Transport.Do.
func NewRequestError(op string, resp *Response, err error) *RequestError {
	re := &RequestError{Op: op, Status: Classify(resp, err), Err: err}
	if resp != nil {
		re.Code = resp.Status
	}
	return re
}

// IsRetryable reports whether err is a RequestError worth retrying later.
func IsRetryable(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Status == StatusRetryable
	}
	return false
}

// IsConflict reports whether err is a RequestError for a 409.
func IsConflict(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Status == StatusConflict
	}
	return false
}

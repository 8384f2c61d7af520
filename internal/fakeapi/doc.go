// Package fakeapi is an in-memory stand-in for the audience backend.
//
// It serves the channel registration, tag group, attribute and subscription
// list endpoints the api package calls, keeps the resulting audience state
// per channel and contact, and can be told to fail upcoming requests so
// callers can exercise retry and conflict handling.
package fakeapi

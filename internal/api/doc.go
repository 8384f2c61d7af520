// Package api talks to the audience backend.
//
// A Transport performs one HTTP exchange; Classify maps its outcome onto the
// four cases the sync layer cares about (success, retryable, conflict, client
// error). The property clients build request bodies for the channel and
// contact identity domains and return the raw Response so callers decide what
// to do with each status.
package api

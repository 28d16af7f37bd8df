// Package content is the site content gateway: it reads the single JSON
// document that drives the site and replaces it on behalf of the admin.
//
// The gateway holds no state between calls. Lost updates are prevented only by
// the store refusing writes whose revision (sha) is stale; such a refusal
// reaches the caller as a store error matching store.ErrConflict and is the
// expected signal to re-read and retry by hand.
package content

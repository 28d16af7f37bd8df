// Package ratelimit is per-client-IP token bucket limiting for the content
// API, with background eviction of idle clients.
//
// It is in-memory and per instance. It keeps a single client from burning
// through the upstream store's API quota by hammering GET, or from guessing
// the admin password at request speed; it does nothing against distributed
// abuse, which belongs upstream (WAF, CDN).
package ratelimit
